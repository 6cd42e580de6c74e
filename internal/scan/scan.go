// Package scan discovers media files under a set of roots and hands them,
// smallest first, to a bounded pool of analysis workers.
package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FileInfo holds the metadata collected for each file found by Walk.
type FileInfo struct {
	Path  string
	Size  int64
	MTime time.Time
}

// Config holds sweep concurrency tuning parameters.
type Config struct {
	Walkers   int
	Analyzers int
	Excludes  []string
}

func (c Config) withDefaults() Config {
	if c.Walkers <= 0 {
		c.Walkers = 4
	}
	if c.Analyzers <= 0 {
		c.Analyzers = 2
	}
	return c
}

// AnalyzeFunc processes one discovered file. cached reports whether the
// result came from the cache without running any tool.
type AnalyzeFunc func(ctx context.Context, fi FileInfo) (cached bool, err error)

// Run walks roots, keeps the files accepted by keep and calls analyze on
// each of them, smallest first, from cfg.Analyzers goroutines. It returns
// when every kept file has been processed or ctx is cancelled. Per-file
// failures are counted in progress and logged, never returned.
func Run(ctx context.Context, roots []string, cfg Config, keep func(path string) bool, analyze AnalyzeFunc, progress *Progress) error {
	cfg = cfg.withDefaults()
	if progress == nil {
		progress = &Progress{}
	}

	excludes := make(map[string]struct{}, len(cfg.Excludes))
	for _, p := range cfg.Excludes {
		excludes[p] = struct{}{}
	}

	report := func(path, stage, errMsg string) {
		progress.Errors.Add(1)
		slog.Warn("sweep: error", "path", path, "stage", stage, "error", errMsg)
	}

	found := make(chan FileInfo, 256)
	ordered := make(chan FileInfo, cfg.Analyzers)

	go Walk(ctx, roots, excludes, cfg.Walkers, keep, found, report, progress)
	RunSizePriorityQueue(ctx, found, ordered)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Analyzers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fi := range ordered {
				if ctx.Err() != nil {
					continue // drain
				}
				cached, err := analyze(ctx, fi)
				if err != nil {
					if ctx.Err() == nil {
						report(fi.Path, "analyze", err.Error())
					}
					continue
				}
				progress.Analyzed.Add(1)
				if cached {
					progress.CacheHits.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
