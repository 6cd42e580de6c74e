// Package limiter bounds how many expensive external invocations run at
// once. Waiters are admitted in FIFO order; overload turns into queueing.
package limiter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Status is a point-in-time view of the limiter.
type Status struct {
	Capacity     int      `json:"capacity"`
	Running      int      `json:"running"`
	QueueDepth   int      `json:"queue_depth"`
	ActiveLabels []string `json:"active_labels"`
}

// Limiter is a counting semaphore with introspection. It is safe for
// concurrent use.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int

	mu      sync.Mutex
	waiting int
	seq     uint64
	active  map[uint64]string
}

// New creates a Limiter with capacity slots. capacity < 1 is treated as 1.
func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		active:   make(map[uint64]string),
	}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// func must be called exactly once; extra calls are no-ops.
func (l *Limiter) Acquire(ctx context.Context, label string) (func(), error) {
	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()

	err := l.sem.Acquire(ctx, 1)

	l.mu.Lock()
	l.waiting--
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("acquire slot for %q: %w", label, err)
	}
	l.seq++
	id := l.seq
	l.active[id] = label
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, id)
			l.mu.Unlock()
			l.sem.Release(1)
		})
	}, nil
}

// Run executes fn while holding a slot. The slot is released when fn
// returns or panics.
func (l *Limiter) Run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, label)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Capacity returns the number of slots.
func (l *Limiter) Capacity() int { return l.capacity }

// Status returns the current running count, queue depth and the labels of
// the operations holding a slot, in admission order.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint64, 0, len(l.active))
	for id := range l.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		labels = append(labels, l.active[id])
	}

	return Status{
		Capacity:     l.capacity,
		Running:      len(l.active),
		QueueDepth:   l.waiting,
		ActiveLabels: labels,
	}
}
