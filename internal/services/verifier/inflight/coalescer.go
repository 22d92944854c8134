// Package inflight deduplicates concurrent work for the same key.
package inflight

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Coalescer runs at most one producer per key at a time and fans its result
// out to every caller that joined while it was running.
type Coalescer[T any] struct {
	group singleflight.Group
}

// Do runs fn for key unless a flight for key is already running, in which case
// it waits for that flight. shared reports whether the result went to more
// than one caller. The producer's value is returned even alongside an error.
//
// fn runs with a context detached from the caller's cancellation: a caller
// whose ctx ends stops waiting and gets ctx.Err(), but the flight finishes for
// the others. fn must bound its own work.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(flightCtx)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		value, ok := res.Val.(T)
		if !ok && res.Err == nil {
			return zero, res.Shared, fmt.Errorf("inflight %s: unexpected result type %T", key, res.Val)
		}
		return value, res.Shared, res.Err
	}
}
