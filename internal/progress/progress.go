// Package progress fans out live upload progress to any number of
// subscribers, keyed by operation id.
package progress

import (
	"context"
	"sync"
)

// Status is the lifecycle state carried by a Snapshot.
type Status string

const (
	StatusTransferring Status = "transferring"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusPaused       Status = "paused"
)

// Terminal reports whether no further snapshots follow s for the operation.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusPaused
}

// Snapshot is one progress message for an operation.
type Snapshot struct {
	OperationID      string  `json:"operation_id"`
	ResourceID       string  `json:"resource_id"`
	BytesTransferred int64   `json:"bytes_transferred"`
	BytesTotal       int64   `json:"bytes_total"`
	Percent          float64 `json:"percent"`
	Status           Status  `json:"status"`
	Error            string  `json:"error,omitempty"`
	ErrorCode        string  `json:"error_code,omitempty"`
}

// Percent computes the completion percentage, rounded to one decimal.
// Only a finished transfer reports 100.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	p = float64(int64(p*10+0.5)) / 10
	if done < total {
		p = min(p, 99.9)
	}
	return p
}

// subscriberBuffer bounds how far a slow subscriber may lag before its
// oldest pending snapshots are dropped.
const subscriberBuffer = 16

type subscriber struct {
	ch chan Snapshot
}

// Broadcaster is a per-operation publish/subscribe hub. It keeps only the
// latest snapshot per operation; missed history is never replayed.
// It is safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	latest map[string]Snapshot
	subs   map[string]map[*subscriber]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		latest: make(map[string]Snapshot),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe returns a stream of snapshots for opID. The current snapshot, if
// any, is delivered first. The channel is closed and the subscription
// removed when ctx is done. Leaving never affects the operation itself.
func (b *Broadcaster) Subscribe(ctx context.Context, opID string) <-chan Snapshot {
	s := &subscriber{ch: make(chan Snapshot, subscriberBuffer)}

	b.mu.Lock()
	if snap, ok := b.latest[opID]; ok {
		s.ch <- snap
	}
	set := b.subs[opID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.subs[opID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[opID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, opID)
			}
		}
		close(s.ch)
	}()

	return s.ch
}

// Publish records snap as the latest for its operation and delivers it to
// current subscribers without blocking. A subscriber whose buffer is full
// loses its oldest pending snapshot so the newest one always lands.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[snap.OperationID] = snap
	for s := range b.subs[snap.OperationID] {
		select {
		case s.ch <- snap:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}

// Latest returns the most recent snapshot for opID.
func (b *Broadcaster) Latest(opID string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.latest[opID]
	return snap, ok
}

// Forget discards the latest snapshot for opID. Open subscriptions stay
// open until their context ends.
func (b *Broadcaster) Forget(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, opID)
}

// Subscribers returns the number of open subscriptions for opID.
func (b *Broadcaster) Subscribers(opID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[opID])
}
