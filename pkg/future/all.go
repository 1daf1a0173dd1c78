package future

import "context"

// Outcome is the result of one future inside an aggregate.
type Outcome[T any] struct {
	Value T
	Err   error
}

// All waits until every future resolved or ctx ended. Futures still
// unresolved when ctx ends report ctx.Err(). Outcomes keep input order.
func All[T any](ctx context.Context, futures []*Future[T]) []Outcome[T] {
	out := make([]Outcome[T], len(futures))
	for i, f := range futures {
		v, err := f.Get(ctx)
		out[i] = Outcome[T]{Value: v, Err: err}
	}
	return out
}

// AllAsync is All without blocking the caller.
func AllAsync[T any](ctx context.Context, futures []*Future[T]) *Future[[]Outcome[T]] {
	return Go(func() ([]Outcome[T], error) {
		return All(ctx, futures), nil
	})
}

// FirstError returns the first failed outcome's error, or nil.
func FirstError[T any](outcomes []Outcome[T]) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
