package face

import (
	"context"
	"sync"
)

// Future is a result delivered exactly once. It resolves with a value, an
// error, or ErrCancelled.
type Future[T any] struct {
	done     chan struct{}
	once     sync.Once
	val      T
	err      error
	onCancel func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// NewFuture returns an unsettled future and the function that settles it,
// for sources of results other than a Pipeline.
func NewFuture[T any]() (*Future[T], func(T, error) bool) {
	f := newFuture[T]()
	return f, f.resolve
}

// resolve settles the future. Only the first call has any effect.
func (f *Future[T]) resolve(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future has settled.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future settles and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait blocks until the future settles or ctx is done. A done ctx cancels
// the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		f.Cancel()
		// Resolution may have won the race.
		<-f.done
		return f.val, f.err
	}
}

// Cancel settles a pending future with ErrCancelled. It is a no-op once
// settled.
func (f *Future[T]) Cancel() {
	var zero T
	if f.resolve(zero, ErrCancelled) && f.onCancel != nil {
		f.onCancel()
	}
}
