package ldap

import "context"

// Future is the pending result of one asynchronous session step.
//
// A Future completes exactly once. Await may be called any number of times,
// and every call observes the same value and error.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on its own goroutine and returns a Future for its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Ready returns a completed Future holding v.
func Ready[T any](v T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: v}
	close(f.done)
	return f
}

// Failed returns a completed Future holding err.
func Failed[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Then returns a Future completing with fn applied to the value of f, or
// with the error of f.
func Then[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	return Go(func() (U, error) {
		<-f.done
		if f.err != nil {
			var zero U
			return zero, f.err
		}
		return fn(f.val), nil
	})
}

// Await blocks until the Future completes or ctx is done. A Future abandoned
// through ctx keeps running; its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the Future has completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
