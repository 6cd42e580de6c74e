// Package upload moves local files to remote storage over the resumable
// protocol. Each resource has at most one transfer loop; its progress is
// checkpointed to a session store so a pause, a dropped connection or a
// restart can pick up where the remote says the upload stands.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/vidlift/internal/apperr"
	"github.com/eargollo/vidlift/internal/media"
	"github.com/eargollo/vidlift/internal/progress"
	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/session"
)

// ChunkQuantum is the granularity the remote requires for non-final chunks.
const ChunkQuantum = 256 * 1024

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 20 * ChunkQuantum // 5 MiB

// Remote is the resumable storage service.
type Remote interface {
	Configured() bool
	Initiate(ctx context.Context, meta remote.Metadata, size int64, contentType string) (string, error)
	PutChunk(ctx context.Context, handle string, body io.Reader, start, end, total int64) (remote.Result, error)
	Probe(ctx context.Context, handle string, total int64) (remote.Result, error)
}

// Config tunes the engine.
type Config struct {
	ChunkSize        int64
	ProgressInterval time.Duration
	RetainProgress   time.Duration
	AutoResume       bool
}

func (c Config) withDefaults() (Config, error) {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 0 || c.ChunkSize%ChunkQuantum != 0 {
		return c, fmt.Errorf("chunk size %d is not a positive multiple of %d", c.ChunkSize, ChunkQuantum)
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.RetainProgress <= 0 {
		c.RetainProgress = time.Minute
	}
	return c, nil
}

// Completion describes a finished upload.
type Completion struct {
	ResourceID  string
	OperationID string
	RemoteID    string
	Label       string
	BytesTotal  int64
}

// CompletionHook runs after an upload completes.
type CompletionHook func(ctx context.Context, c Completion)

// Recorder receives transfer events for metrics.
type Recorder interface {
	ChunkSent(bytes int64)
	UploadFinished(status progress.Status)
}

type nopRecorder struct{}

func (nopRecorder) ChunkSent(int64)                {}
func (nopRecorder) UploadFinished(progress.Status) {}

// transfer is the in-memory state of one running loop.
type transfer struct {
	opID       string
	resourceID string
	label      string
	handle     string
	total      int64
	startedAt  time.Time

	cancel context.CancelFunc
	paused atomic.Bool
	sent   atomic.Int64
}

// Engine runs transfer loops. It is safe for concurrent use.
type Engine struct {
	remote Remote
	store  session.Store
	bc     *progress.Broadcaster
	cfg    Config
	log    *slog.Logger
	rec    Recorder

	mu     sync.Mutex
	active map[string]*transfer
	hooks  []CompletionHook
	wg     sync.WaitGroup
	// closing is set by Shutdown; no slot is reserved or loop launched after.
	closing bool
}

// ErrShuttingDown rejects new transfers once Shutdown has begun.
var ErrShuttingDown = fmt.Errorf("upload engine shutting down: %w", apperr.ErrTransientNetwork)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRecorder sends transfer events to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.rec = r
		}
	}
}

// New returns an Engine. It fails when cfg.ChunkSize is not a multiple of
// ChunkQuantum.
func New(r Remote, store session.Store, bc *progress.Broadcaster, cfg Config, opts ...Option) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		remote: r,
		store:  store,
		bc:     bc,
		cfg:    cfg,
		log:    slog.Default(),
		rec:    nopRecorder{},
		active: make(map[string]*transfer),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// OnComplete registers a hook run after every successful upload.
func (e *Engine) OnComplete(h CompletionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// ResourceID returns the key sessions are stored under for path.
func ResourceID(path string) string { return media.Canonical(path) }

// reserve claims the single loop slot for resourceID.
func (e *Engine) reserve(resourceID string) (*transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return nil, ErrShuttingDown
	}
	if _, ok := e.active[resourceID]; ok {
		return nil, fmt.Errorf("%s: %w", resourceID, apperr.ErrAlreadyActive)
	}
	t := &transfer{resourceID: resourceID, startedAt: time.Now()}
	e.active[resourceID] = t
	return t, nil
}

// ready fills in a reserved transfer and gives it a fresh operation id.
func (e *Engine) ready(t *transfer, label, handle string, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.opID = uuid.NewString()
	t.label = label
	t.handle = handle
	t.total = total
}

func (e *Engine) release(t *transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[t.resourceID] == t {
		delete(e.active, t.resourceID)
	}
}

func statFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", path, apperr.ErrNotFound)
	}
	return info, nil
}

// Start opens a remote session for path and uploads it in the background.
// It returns the operation id to subscribe to.
func (e *Engine) Start(ctx context.Context, path string, meta remote.Metadata) (string, error) {
	resourceID := ResourceID(path)
	info, err := statFile(resourceID)
	if err != nil {
		return "", err
	}
	if !e.remote.Configured() {
		return "", apperr.ErrNotConfigured
	}

	t, err := e.reserve(resourceID)
	if err != nil {
		return "", err
	}

	if meta.Title == "" {
		meta.Title = filepath.Base(resourceID)
	}
	handle, err := e.remote.Initiate(ctx, meta, info.Size(), media.ContentType(resourceID))
	if err != nil {
		e.release(t)
		return "", fmt.Errorf("start upload %s: %w", resourceID, err)
	}

	e.ready(t, meta.Title, handle, info.Size())

	if err := e.persist(t, 0, session.StatusTransferring); err != nil {
		e.release(t)
		return "", err
	}

	e.log.Info("upload: started", "resource", resourceID, "operation", t.opID, "bytes", t.total)
	e.launch(t, 0)
	return t.opID, nil
}

// Resume continues the persisted upload for resourceID from the offset the
// remote confirms.
func (e *Engine) Resume(ctx context.Context, resourceID string) (string, error) {
	resourceID = ResourceID(resourceID)
	t, err := e.reserve(resourceID)
	if err != nil {
		return "", err
	}

	s, err := e.store.Get(ctx, resourceID)
	if errors.Is(err, session.ErrNotFound) {
		e.release(t)
		return "", fmt.Errorf("%s: %w", resourceID, apperr.ErrNoSession)
	}
	if err != nil {
		e.release(t)
		return "", err
	}
	info, err := statFile(resourceID)
	if err != nil {
		e.release(t)
		return "", err
	}
	if info.Size() != s.BytesTotal {
		e.release(t)
		e.drop(resourceID)
		return "", fmt.Errorf("%s changed size from %d to %d: %w", resourceID, s.BytesTotal, info.Size(), apperr.ErrSessionExpired)
	}

	res, err := e.remote.Probe(ctx, s.RemoteHandle, s.BytesTotal)
	if errors.Is(err, apperr.ErrSessionExpired) {
		e.release(t)
		e.drop(resourceID)
		e.log.Warn("upload: remote session expired", "resource", resourceID)
		return "", fmt.Errorf("resume %s: %w", resourceID, err)
	}
	if err != nil {
		e.release(t)
		return "", fmt.Errorf("resume %s: %w", resourceID, err)
	}

	e.ready(t, s.Label, s.RemoteHandle, s.BytesTotal)

	if res.Complete {
		e.log.Info("upload: remote already complete", "resource", resourceID)
		e.complete(t, res.RemoteID)
		return t.opID, nil
	}

	offset := res.Received
	if offset != s.BytesTransferred {
		e.log.Info("upload: reconciled offset with remote",
			"resource", resourceID, "local", s.BytesTransferred, "remote", offset)
	}
	if err := e.persist(t, offset, session.StatusTransferring); err != nil {
		e.release(t)
		return "", err
	}
	e.log.Info("upload: resumed", "resource", resourceID, "operation", t.opID, "offset", offset)
	e.launch(t, offset)
	return t.opID, nil
}

// Pause stops the loop for resourceID at once, aborting the chunk in
// flight. The session is kept so Resume can continue.
func (e *Engine) Pause(resourceID string) error {
	resourceID = ResourceID(resourceID)
	e.mu.Lock()
	t, ok := e.active[resourceID]
	var cancel context.CancelFunc
	if ok {
		cancel = t.cancel
	}
	e.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("%s: %w", resourceID, apperr.ErrNotActive)
	}
	t.paused.Store(true)
	cancel()
	return nil
}

// Session returns the persisted session for resourceID.
func (e *Engine) Session(ctx context.Context, resourceID string) (session.Session, error) {
	s, err := e.store.Get(ctx, ResourceID(resourceID))
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, fmt.Errorf("%s: %w", resourceID, apperr.ErrNoSession)
	}
	return s, err
}

// Sessions lists every persisted session.
func (e *Engine) Sessions(ctx context.Context) ([]session.Session, error) {
	return e.store.List(ctx)
}

// Subscribe streams snapshots for opID until ctx ends.
func (e *Engine) Subscribe(ctx context.Context, opID string) <-chan progress.Snapshot {
	return e.bc.Subscribe(ctx, opID)
}

// Configured reports whether the remote has credentials.
func (e *Engine) Configured() bool { return e.remote.Configured() }

// Progress returns the latest snapshot for opID. Snapshots of finished
// operations are kept for Config.RetainProgress.
func (e *Engine) Progress(opID string) (progress.Snapshot, bool) {
	return e.bc.Latest(opID)
}

// ActiveUpload describes a running loop.
type ActiveUpload struct {
	ResourceID       string    `json:"resource_id"`
	OperationID      string    `json:"operation_id"`
	Label            string    `json:"label"`
	BytesTransferred int64     `json:"bytes_transferred"`
	BytesTotal       int64     `json:"bytes_total"`
	StartedAt        time.Time `json:"started_at"`
}

// Active lists running loops ordered by resource id.
func (e *Engine) Active() []ActiveUpload {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveUpload, 0, len(e.active))
	for _, t := range e.active {
		if t.opID == "" {
			continue
		}
		out = append(out, ActiveUpload{
			ResourceID:       t.resourceID,
			OperationID:      t.opID,
			Label:            t.label,
			BytesTransferred: t.sent.Load(),
			BytesTotal:       t.total,
			StartedAt:        t.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Recover runs once at startup. Sessions a previous process left in
// "transferring" are marked interrupted; with AutoResume every interrupted
// or paused session is resumed. It returns the number of sessions found.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	now := time.Now().UTC()
	for _, s := range sessions {
		if s.Status == session.StatusTransferring {
			s.Status = session.StatusInterrupted
			s.InterruptedAt = &now
			s.UpdatedAt = now
			if err := e.store.Put(ctx, s); err != nil {
				return 0, fmt.Errorf("recover %s: %w", s.ResourceID, err)
			}
			e.log.Warn("upload: found interrupted session",
				"resource", s.ResourceID, "bytes", s.BytesTransferred, "total", s.BytesTotal)
		}
		if !e.cfg.AutoResume || s.Status == session.StatusError {
			continue
		}
		if opID, err := e.Resume(ctx, s.ResourceID); err != nil {
			e.log.Warn("upload: auto-resume failed", "resource", s.ResourceID, "error", err)
		} else {
			e.log.Info("upload: auto-resumed", "resource", s.ResourceID, "operation", opID)
		}
	}
	return len(sessions), nil
}

// Shutdown pauses every running loop and waits for them to exit or ctx to
// end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	for _, t := range e.active {
		if t.cancel != nil {
			t.paused.Store(true)
			t.cancel()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running loop has exited.
func (e *Engine) Wait() { e.wg.Wait() }
