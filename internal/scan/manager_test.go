package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingSweeper blocks until released or cancelled.
type blockingSweeper struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSweeper() *blockingSweeper {
	return &blockingSweeper{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSweeper) Sweep(ctx context.Context, roots []string, p *Progress) error {
	b.once.Do(func() { close(b.started) })
	p.FilesDiscovered.Add(int64(len(roots)))
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestManagerRejectsSecondStart(t *testing.T) {
	sw := newBlockingSweeper()
	m := NewManager(sw, []string{"/a", "/b"})

	if _, err := m.Start(context.Background(), "manual"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	<-sw.started
	if _, err := m.Start(context.Background(), "schedule"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: got %v, want ErrAlreadyRunning", err)
	}

	close(sw.release)
	m.Wait()

	last := m.Last()
	if last == nil || last.Status != "completed" {
		t.Fatalf("Last: got %+v, want completed", last)
	}
	if last.Progress.FilesDiscovered != 2 {
		t.Errorf("FilesDiscovered: got %d, want 2", last.Progress.FilesDiscovered)
	}
	if m.Active() != nil {
		t.Error("Active: want nil after sweep finished")
	}
}

func TestManagerCancel(t *testing.T) {
	sw := newBlockingSweeper()
	m := NewManager(sw, nil)

	if _, err := m.Cancel(); !errors.Is(err, ErrNoActiveSweep) {
		t.Errorf("Cancel idle: got %v, want ErrNoActiveSweep", err)
	}
	if _, err := m.Start(context.Background(), "manual"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sw.started
	if _, err := m.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waited := make(chan struct{})
	go func() { m.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop after Cancel")
	}
	if last := m.Last(); last == nil || last.Status != "cancelled" {
		t.Errorf("Last: got %+v, want cancelled", last)
	}
}
