package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRunCountsOutcomes(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "big.mp4", 3000)
	mustWriteFile(t, root, "mid.mp4", 2000)
	mustWriteFile(t, root, "small.mp4", 1000)
	mustWriteFile(t, root, "broken.mp4", 1500)
	mustWriteFile(t, root, "readme.txt", 1)

	var (
		mu    sync.Mutex
		order []int64
	)
	analyze := func(ctx context.Context, fi FileInfo) (bool, error) {
		mu.Lock()
		order = append(order, fi.Size)
		mu.Unlock()
		switch fi.Size {
		case 1500:
			return false, errors.New("probe failed")
		case 1000:
			return true, nil
		}
		return false, nil
	}

	var p Progress
	cfg := Config{Walkers: 1, Analyzers: 1}
	if err := Run(context.Background(), []string{root}, cfg, isVideo, analyze, &p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := p.Snapshot()
	if got.FilesDiscovered != 4 || got.Analyzed != 3 || got.CacheHits != 1 || got.Errors != 1 {
		t.Errorf("progress: got %+v, want discovered=4 analyzed=3 hits=1 errors=1", got)
	}
	if len(order) != 4 {
		t.Errorf("analyze calls: got %d (%v), want 4", len(order), order)
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.mp4", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, []string{root}, Config{}, isVideo, func(context.Context, FileInfo) (bool, error) {
		t.Error("analyze called after cancel")
		return false, nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}
}
