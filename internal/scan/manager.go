package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when a sweep is started while one is in progress.
var ErrAlreadyRunning = errors.New("a sweep is already in progress")

// ErrNoActiveSweep is returned when cancel is called with no sweep running.
var ErrNoActiveSweep = errors.New("no sweep is currently running")

// Sweeper runs one full sweep over roots, updating progress as it goes.
type Sweeper interface {
	Sweep(ctx context.Context, roots []string, progress *Progress) error
}

// ActiveSweep holds live information about the running sweep.
type ActiveSweep struct {
	StartedAt   time.Time
	TriggeredBy string
	Progress    *Progress
}

// SweepRecord summarises a finished sweep.
type SweepRecord struct {
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	TriggeredBy string           `json:"triggered_by"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Progress    ProgressSnapshot `json:"progress"`
}

// Manager enforces a single-active-sweep invariant and exposes
// start/cancel. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	sweeper Sweeper
	roots   []string

	active   *ActiveSweep
	cancelFn context.CancelFunc
	done     chan struct{}
	last     *SweepRecord
}

// NewManager creates a Manager sweeping roots with sweeper.
func NewManager(sweeper Sweeper, roots []string) *Manager {
	return &Manager{sweeper: sweeper, roots: roots}
}

// Start launches an asynchronous sweep. Returns an ActiveSweep snapshot or
// ErrAlreadyRunning if a sweep is already in progress.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string) (*ActiveSweep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	progress := &Progress{}
	ctx, cancel := context.WithCancel(parentCtx)
	active := &ActiveSweep{
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
		Progress:    progress,
	}
	m.active = active
	m.cancelFn = cancel
	m.done = make(chan struct{})
	roots := append([]string(nil), m.roots...)
	done := m.done

	go func() {
		defer close(done)
		defer cancel()

		err := m.sweeper.Sweep(ctx, roots, progress)
		rec := &SweepRecord{
			StartedAt:   active.StartedAt,
			FinishedAt:  time.Now(),
			TriggeredBy: triggeredBy,
			Status:      "completed",
			Progress:    progress.Snapshot(),
		}
		switch {
		case errors.Is(err, context.Canceled):
			rec.Status = "cancelled"
		case err != nil:
			rec.Status = "failed"
			rec.Error = err.Error()
			slog.Error("sweep: run failed", "error", err)
		default:
			slog.Info("sweep: completed",
				"files", rec.Progress.FilesDiscovered,
				"analyzed", rec.Progress.Analyzed,
				"cache_hits", rec.Progress.CacheHits,
				"errors", rec.Progress.Errors,
				"pruned", rec.Progress.Pruned,
				"duration", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
		}

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.last = rec
		m.mu.Unlock()
	}()

	snap := *active
	return &snap, nil
}

// Cancel stops the currently running sweep. Returns ErrNoActiveSweep if idle.
func (m *Manager) Cancel() (*ActiveSweep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveSweep
	}
	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// Active returns a snapshot of the running sweep, or nil when idle.
func (m *Manager) Active() *ActiveSweep {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// Last returns the most recent finished sweep, or nil if none has run.
func (m *Manager) Last() *SweepRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	rec := *m.last
	return &rec
}

// Wait blocks until the current sweep, if any, has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}
