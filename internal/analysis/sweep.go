package analysis

import (
	"context"
	"fmt"

	"github.com/eargollo/vidlift/internal/media"
	"github.com/eargollo/vidlift/internal/scan"
)

// Sweep analyses every video under roots, smallest first, then prunes cache
// entries for files that no longer exist. It satisfies scan.Sweeper.
func (p *Pipeline) Sweep(ctx context.Context, roots []string, progress *scan.Progress) error {
	if progress == nil {
		progress = &scan.Progress{}
	}
	analyze := func(ctx context.Context, fi scan.FileInfo) (bool, error) {
		res, err := p.Analyze(ctx, fi.Path)
		if err != nil {
			return false, err
		}
		return res.DetectionMethod == MethodCached, nil
	}

	if err := scan.Run(ctx, roots, p.cfg.Sweep, media.IsVideo, analyze, progress); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	n, err := p.cache.Prune(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	progress.Pruned.Add(int64(n))
	return nil
}
