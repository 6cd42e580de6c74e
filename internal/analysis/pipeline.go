package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/eargollo/vidlift/internal/apperr"
	"github.com/eargollo/vidlift/internal/fingerprint"
	"github.com/eargollo/vidlift/internal/inflight"
	"github.com/eargollo/vidlift/internal/limiter"
	"github.com/eargollo/vidlift/internal/media"
	"github.com/eargollo/vidlift/internal/scan"
)

// Config tunes the analysis steps.
type Config struct {
	ClassifyWindow    time.Duration
	MinPeriodicEvents int
	PeriodTolerance   float64 // seconds
	StartOffsets      []time.Duration
	EndOffsets        []time.Duration
	MinYear           int
	Sweep             scan.Config
}

func (c Config) withDefaults() Config {
	if c.ClassifyWindow <= 0 {
		c.ClassifyWindow = 2 * time.Minute
	}
	if c.MinPeriodicEvents <= 0 {
		c.MinPeriodicEvents = 3
	}
	if c.PeriodTolerance <= 0 {
		c.PeriodTolerance = 1.5
	}
	if len(c.StartOffsets) == 0 {
		c.StartOffsets = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	if len(c.EndOffsets) == 0 {
		c.EndOffsets = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	if c.MinYear <= 0 {
		c.MinYear = 2000
	}
	return c
}

// Pipeline produces cached analysis results. Concurrent requests for the
// same path share one computation and every tool invocation passes through
// the limiter.
type Pipeline struct {
	cache   *Cache
	tools   Tools
	limiter *limiter.Limiter
	group   inflight.Group[Result]
	cfg     Config
	rec     Recorder
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder sends cache and tool events to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.rec = r
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns a Pipeline.
func New(cache *Cache, tools Tools, lim *limiter.Limiter, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:   cache,
		tools:   tools,
		limiter: lim,
		cfg:     cfg.withDefaults(),
		rec:     nopRecorder{},
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type analyzeOptions struct {
	force bool
}

// AnalyzeOption modifies a single Analyze call.
type AnalyzeOption func(*analyzeOptions)

// WithForce skips the cache lookup so the content steps run again.
func WithForce() AnalyzeOption {
	return func(o *analyzeOptions) { o.force = true }
}

// Analyze returns the analysis result for path. Overrides and the filename
// heuristic short-circuit everything else; otherwise a fingerprint match in
// the cache is returned with method "cached". Tool failures produce a
// partial result; only a missing file is an error.
func (p *Pipeline) Analyze(ctx context.Context, path string, opts ...AnalyzeOption) (Result, error) {
	var o analyzeOptions
	for _, fn := range opts {
		fn(&o)
	}
	path = media.Canonical(path)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("analyze %q: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("analyze %q: %w", path, err)
	}

	classified, ok, err := p.cache.Manual(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{
			Classified:      classified,
			DetectionMethod: MethodManual,
			SizeBytes:       info.Size(),
			TimestampState:  TimestampSkipped,
		}, nil
	}
	if t, ok := FromFilename(path, p.cfg.MinYear, p.now()); ok {
		start := t.Format(TimestampLayout)
		return Result{
			Classified:      true,
			DetectionMethod: MethodFilename,
			RecordingStart:  &start,
			SizeBytes:       info.Size(),
			TimestampState:  TimestampExtracted,
		}, nil
	}

	fp, err := fingerprint.Compute(path)
	if err != nil {
		return Result{}, fmt.Errorf("analyze %q: %w", path, err)
	}
	if !o.force {
		res, hit, err := p.cache.Get(ctx, path, fp)
		if err != nil {
			p.log.Warn("analysis: cache lookup", "path", path, "error", err)
		}
		p.rec.CacheLookup(hit)
		if hit {
			res.DetectionMethod = MethodCached
			return res, nil
		}
	}

	res, shared, err := p.group.Do(ctx, path, func(ctx context.Context) (Result, error) {
		res := p.run(ctx, path, info.Size())
		if err := p.cache.Put(ctx, path, fp, res); err != nil {
			p.log.Warn("analysis: cache store", "path", path, "error", err)
		}
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		p.log.Debug("analysis: joined in-flight analysis", "path", path)
	}
	return res, nil
}

// run executes the content steps. It never fails as a whole.
func (p *Pipeline) run(ctx context.Context, path string, size int64) Result {
	started := time.Now()
	res := Result{DetectionMethod: MethodContent, SizeBytes: size}
	label := filepath.Base(path)

	if p.tools.Silence != nil {
		var starts []float64
		err := p.invoke(ctx, "silencedetect", label, func(ctx context.Context) error {
			var err error
			starts, err = p.tools.Silence.SilenceStarts(ctx, path, p.cfg.ClassifyWindow)
			return err
		})
		if err != nil {
			res.addError("classify", err)
		} else {
			res.Classified = periodic(starts, p.cfg.MinPeriodicEvents, p.cfg.PeriodTolerance)
		}
	}

	var probe Probe
	probed := false
	if p.tools.Prober != nil {
		err := p.invoke(ctx, "ffprobe", label, func(ctx context.Context) error {
			var err error
			probe, err = p.tools.Prober.Probe(ctx, path)
			return err
		})
		if err != nil {
			res.addError("probe", err)
		} else {
			probed = true
			d := formatDuration(probe.Duration)
			res.Duration = &d
		}
	}

	res.TimestampState = p.timestamps(ctx, path, label, probe, probed, &res)

	p.log.Info("analysis: complete",
		"path", path,
		"classified", res.Classified,
		"timestamp", res.TimestampState,
		"errors", len(res.Errors),
		"took", time.Since(started).Round(time.Millisecond))
	return res
}

// timestamps reads the overlay near the start and, when the probe
// succeeded, near the end. Each side stops at the first offset that
// validates.
func (p *Pipeline) timestamps(ctx context.Context, path, label string, probe Probe, probed bool, res *Result) TimestampState {
	if p.tools.Frames == nil {
		return TimestampSkipped
	}

	failed := false
	read := func(side string, offsets []time.Duration) *string {
		for _, at := range offsets {
			var text string
			err := p.invoke(ctx, "ocr", label, func(ctx context.Context) error {
				var err error
				text, err = p.tools.Frames.ReadText(ctx, path, at)
				return err
			})
			if err != nil {
				failed = true
				res.addError(fmt.Sprintf("timestamp %s@%s", side, at), err)
				continue
			}
			if t, ok := ParseOverlay(text, p.cfg.MinYear, p.now()); ok {
				s := t.Format(TimestampLayout)
				return &s
			}
		}
		return nil
	}

	res.RecordingStart = read("start", p.cfg.StartOffsets)

	if probed {
		res.RecordingEnd = read("end", endSeeks(probe, p.cfg.EndOffsets))
	} else if p.tools.Prober != nil {
		failed = true
	}

	switch {
	case res.RecordingStart != nil || res.RecordingEnd != nil:
		return TimestampExtracted
	case failed:
		return TimestampFailed
	default:
		return TimestampAbsent
	}
}

// endSeeks converts offsets from the end into absolute seek positions
// aligned to a frame boundary: floor((duration-o)·fps)/fps.
func endSeeks(probe Probe, offsets []time.Duration) []time.Duration {
	total := probe.Duration.Seconds()
	var seeks []time.Duration
	for _, o := range offsets {
		at := total - o.Seconds()
		if at < 0 {
			continue
		}
		if probe.FPS > 0 {
			at = math.Floor(at*probe.FPS) / probe.FPS
		}
		seeks = append(seeks, time.Duration(at*float64(time.Second)))
	}
	return seeks
}

// invoke runs one tool call through the limiter.
func (p *Pipeline) invoke(ctx context.Context, tool, label string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := p.limiter.Run(ctx, tool+" "+label, fn)
	p.rec.ToolRun(tool, time.Since(start), err)
	if err != nil {
		p.log.Warn("analysis: tool failed", "tool", tool, "file", label, "error", err)
	}
	return err
}

// SetManual overrides the classification for path.
func (p *Pipeline) SetManual(ctx context.Context, path string, classified bool) error {
	return p.cache.SetManual(ctx, media.Canonical(path), classified)
}

// ClearManual removes the override for path.
func (p *Pipeline) ClearManual(ctx context.Context, path string) error {
	return p.cache.ClearManual(ctx, media.Canonical(path))
}

// Status reports limiter occupancy and the number of analyses in flight.
type Status struct {
	Limiter  limiter.Status `json:"limiter"`
	InFlight int            `json:"in_flight"`
}

// Status returns a snapshot of pipeline load.
func (p *Pipeline) Status() Status {
	return Status{Limiter: p.limiter.Status(), InFlight: p.group.InFlight()}
}
