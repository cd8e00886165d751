package face

import "sync"

// frameSlot is a single-frame mailbox. Put overwrites any unconsumed frame;
// Take blocks until a frame arrives or the slot is closed.
type frameSlot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   *Frame
	dropped uint64
	closed  bool
}

func newFrameSlot() *frameSlot {
	s := &frameSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *frameSlot) Put(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.frame != nil {
		s.dropped++
	}
	s.frame = &f
	s.cond.Signal()
}

// Take returns the pending frame, or nil once closed.
func (s *frameSlot) Take() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.frame == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil
	}
	f := s.frame
	s.frame = nil
	return f
}

func (s *frameSlot) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *frameSlot) Close() {
	s.mu.Lock()
	s.closed = true
	s.frame = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}
