package driver

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-cozmonaut/pkg/docking"
)

// Command asks a driver to move to Target. Payload carries extra data for
// the target, such as a conversation name.
type Command struct {
	ID      uuid.UUID `json:"id"`
	Target  State     `json:"target"`
	Payload string    `json:"payload,omitempty"`
}

// NewCommand returns a command with a fresh ID.
func NewCommand(target State, payload string) Command {
	return Command{ID: uuid.New(), Target: target, Payload: payload}
}

// Outcome reports how a command was handled.
type Outcome struct {
	Command Command
	From    State
	To      State
	Err     error
	// Docking is set for Waypoint -> Home.
	Docking *docking.Result
	Elapsed time.Duration
}

// Ticket delivers a command's Outcome once it has been handled.
type Ticket <-chan Outcome

// Wait blocks until the outcome is available or ctx is done.
func (t Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o, ok := <-t:
		if !ok {
			return Outcome{Err: ErrStopped}, nil
		}
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func resolved(o Outcome) Ticket {
	ch := make(chan Outcome, 1)
	ch <- o
	close(ch)
	return ch
}

type entry struct {
	cmd    Command
	intent Intent
	result chan Outcome
}

func newEntry(cmd Command, intent Intent) *entry {
	return &entry{cmd: cmd, intent: intent, result: make(chan Outcome, 1)}
}

func (e *entry) finish(o Outcome) {
	o.Command = e.cmd
	e.result <- o
	close(e.result)
}

// Queue is an unbounded FIFO of commands with many producers and a single
// consumer. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []*entry
	signal chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) push(e *entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

// removeIf takes out every entry whose command matches.
func (q *Queue) removeIf(match func(Command) bool) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*entry
	q.items = slices.DeleteFunc(q.items, func(e *entry) bool {
		if match(e.cmd) {
			out = append(out, e)
			return true
		}
		return false
	})
	return out
}

// Signal receives a value after a push. It is level-triggered for one
// pending wakeup, so the consumer must drain the queue before waiting.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Commands returns the queued commands in order.
func (q *Queue) Commands() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, len(q.items))
	for i, e := range q.items {
		out[i] = e.cmd
	}
	return out
}
