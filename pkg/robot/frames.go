package robot

import "sync"

// frameMailbox delivers frames to one subscriber on its own goroutine. It
// holds at most one pending frame; a newer frame replaces an undelivered
// one, so a slow handler sees fewer frames but never stalls the sender.
type frameMailbox struct {
	fn func(Frame)

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Frame
	closed  bool
}

func newFrameMailbox(fn func(Frame)) *frameMailbox {
	m := &frameMailbox{fn: fn}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *frameMailbox) offer(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = &f
	m.cond.Signal()
}

func (m *frameMailbox) stop() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *frameMailbox) run() {
	for {
		m.mu.Lock()
		for m.pending == nil && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		f := *m.pending
		m.pending = nil
		m.mu.Unlock()

		m.fn(f)
	}
}
