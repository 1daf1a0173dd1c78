// Package future provides a single-assignment result with context-aware
// waiting and an all-of combinator.
//
// Usage:
//
//	f := future.Go(func() (Record, error) { return create(ctx, cfg) })
//	rec, err := f.Get(ctx)
package future

import (
	"context"
	"sync"
)

// Future is a value that becomes available once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unresolved future. Complete resolves it.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v, nil)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	var zero T
	f.Complete(zero, err)
	return f
}

// Go runs fn in a new goroutine and resolves the future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.Complete(v, err)
	}()
	return f
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call resolved the future.
func (f *Future[T]) Complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the result without waiting. ok is false while unresolved.
func (f *Future[T]) Poll() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// OnComplete calls fn with the result once the future resolves. fn runs on
// its own goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.val, f.err)
	}()
}

// Then returns a future resolved with fn applied to f's value. An error in
// f is propagated without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			var zero U
			out.Complete(zero, err)
			return
		}
		out.Complete(fn(v))
	})
	return out
}
