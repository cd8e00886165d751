package face

import "sync"

// pool lends out a fixed set of resources that are not safe for
// concurrent use, one borrower per item.
type pool[T any] struct {
	items  chan T
	size   int
	closed chan struct{}
	once   sync.Once
}

func newPool[T any](items []T) *pool[T] {
	p := &pool[T]{
		items:  make(chan T, len(items)),
		size:   len(items),
		closed: make(chan struct{}),
	}
	for _, it := range items {
		p.items <- it
	}
	return p
}

// get blocks until an item is free. It reports false once the pool is
// drained.
func (p *pool[T]) get() (T, bool) {
	select {
	case <-p.closed:
		var zero T
		return zero, false
	default:
	}
	select {
	case it := <-p.items:
		return it, true
	case <-p.closed:
		var zero T
		return zero, false
	}
}

func (p *pool[T]) put(it T) {
	p.items <- it
}

// drain closes the pool, waits for every lent item to come back and
// returns them all. Later calls return nil.
func (p *pool[T]) drain() []T {
	var out []T
	p.once.Do(func() {
		close(p.closed)
		out = make([]T, 0, p.size)
		for range p.size {
			out = append(out, <-p.items)
		}
	})
	return out
}
