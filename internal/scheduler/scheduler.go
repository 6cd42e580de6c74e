// Package scheduler triggers the background analysis sweep on a cron
// expression.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps robfig/cron and tracks the sweep entry. Overlapping runs
// are skipped and a panicking job is logged instead of killing the loop.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	log      *slog.Logger
	entryID  cron.EntryID
	cronExpr string
	paused   bool
}

// New creates a stopped Scheduler. Call Start to activate it.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log}
	return &Scheduler{
		c:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log: log,
	}
}

// SetSweep replaces the sweep job with expr. A running scheduler picks the
// new expression up at once.
func (s *Scheduler) SetSweep(expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.c.AddFunc(expr, func() {
		if s.Paused() {
			s.log.Info("scheduler: sweep skipped, paused")
			return
		}
		fn()
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}
	s.entryID = id
	s.cronExpr = expr
	s.log.Info("scheduler: sweep set", "cron", expr)
	return nil
}

// SetPaused suspends or re-enables scheduled sweeps. Manual sweeps are not
// affected.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Paused reports whether scheduled sweeps are suspended.
func (s *Scheduler) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a running sweep callback to return
// or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRunAt returns the next scheduled sweep, or nil if none is set or the
// scheduler is paused.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 || s.paused {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("scheduler: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("scheduler: "+msg, append(kv, "error", err)...)
}
