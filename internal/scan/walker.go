package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// dirQueue hands directories to walkers. outstanding counts directories
// pushed but not yet finished; the queue closes when it drops to zero.
type dirQueue struct {
	mu          sync.Mutex
	ready       *sync.Cond
	dirs        []string
	outstanding int
	closed      bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Push enqueues dir and counts it as outstanding until Done.
func (q *dirQueue) Push(dir string) {
	q.mu.Lock()
	q.outstanding++
	q.dirs = append(q.dirs, dir)
	q.mu.Unlock()
	q.ready.Signal()
}

// Pop waits for a directory. ok is false once the queue is closed and drained.
func (q *dirQueue) Pop() (dir string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.dirs) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.dirs) == 0 {
		return "", false
	}
	// LIFO keeps the walk depth-first and the slice small.
	last := len(q.dirs) - 1
	dir = q.dirs[last]
	q.dirs = q.dirs[:last]
	return dir, true
}

// Done marks one popped directory finished. Its children must already be
// pushed.
func (q *dirQueue) Done() {
	q.mu.Lock()
	q.outstanding--
	drained := q.outstanding == 0
	q.mu.Unlock()
	if drained {
		q.close()
	}
}

func (q *dirQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
}

// Walk traverses roots concurrently using numWorkers goroutines and sends
// every regular file accepted by keep to out. A nil keep accepts every
// file. Walk closes out when done. Paths in excludes are skipped, and
// filesystem errors go to report.
func Walk(ctx context.Context, roots []string, excludes map[string]struct{}, numWorkers int, keep func(path string) bool, out chan<- FileInfo, report ErrorReporter, progress *Progress) {
	defer close(out)
	if len(roots) == 0 {
		return
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	q := newDirQueue()
	for _, root := range roots {
		q.Push(root)
	}

	// Wake workers blocked in Pop when the sweep is cancelled.
	stop := context.AfterFunc(ctx, q.close)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := walker{q: q, excludes: excludes, keep: keep, out: out, report: report, progress: progress}
			w.run(ctx)
		}()
	}
	wg.Wait()
}

type walker struct {
	q        *dirQueue
	excludes map[string]struct{}
	keep     func(path string) bool
	out      chan<- FileInfo
	report   ErrorReporter
	progress *Progress
}

func (w walker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		dir, ok := w.q.Pop()
		if !ok {
			return
		}
		if !w.readDir(ctx, dir) {
			return
		}
		w.q.Done()
	}
}

// readDir lists one directory, pushes its subdirectories and emits its
// files. It returns false when ctx was cancelled mid-directory.
func (w walker) readDir(ctx context.Context, dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.report(dir, "walk", err.Error())
		return true
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if _, excluded := w.excludes[path]; excluded {
			continue
		}
		if entry.IsDir() {
			w.q.Push(path)
			continue
		}
		if entry.Type()&fs.ModeSymlink != 0 || !entry.Type().IsRegular() {
			continue
		}
		if w.keep != nil && !w.keep(path) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			w.report(path, "walk", err.Error())
			continue
		}
		if w.progress != nil {
			w.progress.FilesDiscovered.Add(1)
		}

		select {
		case <-ctx.Done():
			return false
		case w.out <- FileInfo{Path: path, Size: info.Size(), MTime: info.ModTime()}:
		}
	}
	return true
}
