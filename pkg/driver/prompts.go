package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NamePrompter asks a human for the name of a face the robot does not
// know.
type NamePrompter interface {
	PromptName(ctx context.Context, robot string) (string, error)
}

// Prompts is a NamePrompter answered out of band, by the console or the
// operator API. A robot has at most one open prompt.
type Prompts struct {
	mu      sync.Mutex
	waiting map[string]chan string
	notify  func(robot string)
}

// NewPrompts returns an empty prompt board. notify, if non-nil, is called
// whenever a robot starts waiting for a name.
func NewPrompts(notify func(robot string)) *Prompts {
	return &Prompts{waiting: make(map[string]chan string), notify: notify}
}

// PromptName blocks until Submit supplies a name for robot or ctx is done.
func (p *Prompts) PromptName(ctx context.Context, robot string) (string, error) {
	ch := make(chan string, 1)
	p.mu.Lock()
	p.waiting[robot] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiting[robot] == ch {
			delete(p.waiting, robot)
		}
		p.mu.Unlock()
	}()

	if p.notify != nil {
		p.notify(robot)
	}

	select {
	case name := <-ch:
		return name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit answers robot's open prompt.
func (p *Prompts) Submit(robot, name string) error {
	name = strings.TrimSpace(name)
	p.mu.Lock()
	ch, ok := p.waiting[robot]
	if ok {
		delete(p.waiting, robot)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for robot %s", ErrNoPrompt, robot)
	}
	ch <- name
	return nil
}

// Waiting returns the robots waiting for a name.
func (p *Prompts) Waiting() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.waiting))
	for r := range p.waiting {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
