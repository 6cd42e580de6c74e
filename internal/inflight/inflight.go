// Package inflight coalesces concurrent requests for the same key into one
// underlying computation.
package inflight

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one fn per key at a time. Callers arriving while a
// computation for their key is underway attach to it and receive the same
// result. The entry is forgotten as soon as fn returns, success or failure,
// however many callers are attached. The zero value is ready to use.
type Group[T any] struct {
	g      singleflight.Group
	active atomic.Int64
}

// Do executes fn for key, or waits for the in-flight execution. shared
// reports whether the result was delivered to more than one caller.
//
// fn runs with a context detached from ctx: a caller that gives up stops
// waiting but does not cancel the computation the others are attached to.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.g.DoChan(key, func() (any, error) {
		g.active.Add(1)
		defer g.active.Add(-1)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Forget drops key so the next Do starts a fresh computation even if one is
// still running.
func (g *Group[T]) Forget(key string) {
	g.g.Forget(key)
}

// InFlight returns the number of computations currently running.
func (g *Group[T]) InFlight() int {
	return int(g.active.Load())
}
