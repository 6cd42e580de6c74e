package scan

import "sync/atomic"

// Progress holds live counters updated by the sweep workers. All fields are
// atomic so the HTTP status handler can read them without locks.
type Progress struct {
	FilesDiscovered atomic.Int64
	Analyzed        atomic.Int64
	CacheHits       atomic.Int64
	Errors          atomic.Int64
	Pruned          atomic.Int64
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	FilesDiscovered int64 `json:"files_discovered"`
	Analyzed        int64 `json:"analyzed"`
	CacheHits       int64 `json:"cache_hits"`
	Errors          int64 `json:"errors"`
	Pruned          int64 `json:"pruned"`
}

// Snapshot reads every counter.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		FilesDiscovered: p.FilesDiscovered.Load(),
		Analyzed:        p.Analyzed.Load(),
		CacheHits:       p.CacheHits.Load(),
		Errors:          p.Errors.Load(),
		Pruned:          p.Pruned.Load(),
	}
}

// ErrorReporter records a per-file sweep error.
type ErrorReporter func(path, stage, errMsg string)
