package upload_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eargollo/vidlift/internal/apperr"
	"github.com/eargollo/vidlift/internal/progress"
	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/remote/remotetest"
	"github.com/eargollo/vidlift/internal/session"
	"github.com/eargollo/vidlift/internal/upload"
)

const (
	mib       = 1 << 20
	fileSize  = 25 * mib // 26214400
	chunkSize = 5 * mib  // 5242880
)

type harness struct {
	srv   *remotetest.Server
	store *session.FileStore
	eng   *upload.Engine
	rec   *countingRecorder
	path  string
	data  []byte
}

type countingRecorder struct {
	sent     atomic.Int64
	mu       sync.Mutex
	outcomes []progress.Status
}

func (r *countingRecorder) ChunkSent(n int64) { r.sent.Add(n) }

func (r *countingRecorder) UploadFinished(s progress.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, s)
}

func newHarness(t *testing.T, size int, cfg upload.Config, configure func(*remotetest.Server)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		srv:   remotetest.NewServer(t),
		store: session.NewFileStore(filepath.Join(dir, "sessions.json")),
		rec:   &countingRecorder{},
		path:  filepath.Join(dir, "lesson.mp4"),
		data:  make([]byte, size),
	}
	for i := range h.data {
		h.data[i] = byte(i * 7)
	}
	if err := os.WriteFile(h.path, h.data, 0o644); err != nil {
		t.Fatal(err)
	}
	if configure != nil {
		configure(h.srv)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunkSize
	}
	client := remote.New(remote.Config{Endpoint: h.srv.Endpoint(), Token: remotetest.Token, SilenceTimeout: 5 * time.Second})
	eng, err := upload.New(client, h.store, progress.NewBroadcaster(), cfg, upload.WithRecorder(h.rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	t.Cleanup(eng.Wait)
	return h
}

func waitTerminal(t *testing.T, eng *upload.Engine, opID string) progress.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for snap := range eng.Subscribe(ctx, opID) {
		if snap.Status.Terminal() {
			return snap
		}
	}
	t.Fatalf("no terminal snapshot for %s", opID)
	return progress.Snapshot{}
}

func TestUploadSendsOrderedChunks(t *testing.T) {
	h := newHarness(t, fileSize, upload.Config{}, nil)

	var done []upload.Completion
	var mu sync.Mutex
	h.eng.OnComplete(func(_ context.Context, c upload.Completion) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, c)
	})

	opID, err := h.eng.Start(context.Background(), h.path, remote.Metadata{Title: "Lesson 4"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitTerminal(t, h.eng, opID)
	if snap.Status != progress.StatusComplete || snap.Percent != 100 || snap.BytesTransferred != fileSize {
		t.Errorf("terminal snapshot: got %+v", snap)
	}

	ranges := h.srv.Ranges()
	if len(ranges) != 5 {
		t.Fatalf("chunks: got %d %v, want 5", len(ranges), ranges)
	}
	if ranges[0] != "bytes 0-5242879/26214400" {
		t.Errorf("first range: got %q", ranges[0])
	}
	if ranges[4] != "bytes 20971520-26214399/26214400" {
		t.Errorf("last range: got %q", ranges[4])
	}

	if _, err := h.eng.Session(context.Background(), h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("Session after completion: got %v, want ErrNoSession", err)
	}
	mu.Lock()
	if len(done) != 1 || done[0].RemoteID != "obj-1" || done[0].OperationID != opID || done[0].Label != "Lesson 4" {
		t.Errorf("completions: got %+v", done)
	}
	mu.Unlock()
	if got := h.rec.sent.Load(); got != fileSize {
		t.Errorf("recorded bytes: got %d, want %d", got, fileSize)
	}
}

func TestUploadSmallerThanOneChunk(t *testing.T) {
	h := newHarness(t, 1000, upload.Config{}, nil)
	opID, err := h.eng.Start(context.Background(), h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusComplete {
		t.Errorf("status: got %s (%s)", snap.Status, snap.Error)
	}
	if got := h.srv.Ranges(); len(got) != 1 || got[0] != "bytes 0-999/1000" {
		t.Errorf("ranges: got %v", got)
	}
}

func TestEmptyFileCompletesWithoutChunks(t *testing.T) {
	h := newHarness(t, 0, upload.Config{}, nil)
	opID, err := h.eng.Start(context.Background(), h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusComplete || snap.Percent != 100 {
		t.Errorf("terminal snapshot: got %+v", snap)
	}
	if got := h.srv.Ranges(); len(got) != 0 {
		t.Errorf("ranges: got %v, want none", got)
	}
}

func TestPauseThenResumeFromRemoteOffset(t *testing.T) {
	var h *harness
	h = newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 2 {
				if err := h.eng.Pause(h.path); err != nil {
					t.Errorf("Pause: %v", err)
				}
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusPaused {
		t.Fatalf("status: got %s, want paused", snap.Status)
	}

	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.BytesTransferred != 2*chunkSize || s.Status != session.StatusPaused {
		t.Errorf("session: got %d bytes status %s, want %d paused", s.BytesTransferred, s.Status, 2*chunkSize)
	}
	if err := h.eng.Pause(h.path); !errors.Is(err, apperr.ErrNotActive) {
		t.Errorf("Pause while idle: got %v, want ErrNotActive", err)
	}

	opID2, err := h.eng.Resume(ctx, h.path)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if opID2 == opID {
		t.Error("Resume reused the paused operation id")
	}
	if snap := waitTerminal(t, h.eng, opID2); snap.Status != progress.StatusComplete {
		t.Fatalf("status after resume: got %s (%s)", snap.Status, snap.Error)
	}

	ranges := h.srv.Ranges()
	if len(ranges) < 4 || ranges[3] != "bytes 10485760-15728639/26214400" {
		t.Errorf("first range after resume: got %v", ranges)
	}
	if !bytes.Equal(h.srv.Received(s.RemoteHandle), h.data) {
		t.Error("remote bytes differ from the local file")
	}
}

func TestResumeAdoptsRemoteOffsetOverCheckpoint(t *testing.T) {
	var h *harness
	h = newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 1 {
				h.eng.Pause(h.path) //nolint:errcheck
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, h.eng, opID)

	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	// The remote kept one more chunk than the local checkpoint knows about.
	h.srv.Accept(s.RemoteHandle, h.data[chunkSize:2*chunkSize])

	opID, err = h.eng.Resume(ctx, h.path)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitTerminal(t, h.eng, opID)

	ranges := h.srv.Ranges()
	if ranges[len(ranges)-3] != "bytes 10485760-15728639/26214400" {
		t.Errorf("ranges: got %v", ranges)
	}
}

func TestResumeExpiredSessionIsDiscarded(t *testing.T) {
	var h *harness
	h = newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 1 {
				h.eng.Pause(h.path) //nolint:errcheck
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, h.eng, opID)

	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	h.srv.Expire(s.RemoteHandle)

	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("Resume: got %v, want ErrSessionExpired", err)
	}
	if _, err := h.eng.Session(ctx, h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("Session: got %v, want ErrNoSession", err)
	}
	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("second Resume: got %v, want ErrNoSession", err)
	}
}

func TestTransientFailureKeepsSession(t *testing.T) {
	var failed atomic.Bool
	h := newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 1 && failed.CompareAndSwap(false, true) {
				return http.StatusInternalServerError
			}
			return 0
		}
	})
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitTerminal(t, h.eng, opID)
	if snap.Status != progress.StatusError || snap.ErrorCode != "TRANSIENT_NETWORK" {
		t.Errorf("terminal snapshot: got %+v", snap)
	}
	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Status != session.StatusError || s.BytesTransferred != chunkSize {
		t.Errorf("session: got %+v", s)
	}

	opID, err = h.eng.Resume(ctx, h.path)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusComplete {
		t.Errorf("status after resume: got %s", snap.Status)
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 0 {
				<-release
			}
			return 0
		}
	})
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.eng.Start(ctx, h.path, remote.Metadata{}); !errors.Is(err, apperr.ErrAlreadyActive) {
		t.Errorf("second Start: got %v, want ErrAlreadyActive", err)
	}
	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, apperr.ErrAlreadyActive) {
		t.Errorf("Resume while active: got %v, want ErrAlreadyActive", err)
	}
	if got := h.eng.Active(); len(got) != 1 || got[0].OperationID != opID {
		t.Errorf("Active: got %+v", got)
	}
	close(release)

	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusComplete {
		t.Errorf("status: got %s", snap.Status)
	}
	if got := h.eng.Active(); len(got) != 0 {
		t.Errorf("Active after completion: got %+v", got)
	}
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, 10, upload.Config{}, nil)
	ctx := context.Background()

	if _, err := h.eng.Start(ctx, filepath.Join(t.TempDir(), "missing.mp4"), remote.Metadata{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing file: got %v, want ErrNotFound", err)
	}

	eng, err := upload.New(remote.New(remote.Config{}), h.store, progress.NewBroadcaster(), upload.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Start(ctx, h.path, remote.Metadata{}); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Errorf("unconfigured: got %v, want ErrNotConfigured", err)
	}
	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("Resume without session: got %v, want ErrNoSession", err)
	}
}

func TestNewRejectsUnalignedChunkSize(t *testing.T) {
	for _, size := range []int64{1000, upload.ChunkQuantum + 1, -upload.ChunkQuantum} {
		if _, err := upload.New(remote.New(remote.Config{}), session.NewFileStore(filepath.Join(t.TempDir(), "s.json")), progress.NewBroadcaster(), upload.Config{ChunkSize: size}); err == nil {
			t.Errorf("ChunkSize %d: want error", size)
		}
	}
}

func TestResumeAfterFileChangedSize(t *testing.T) {
	var h *harness
	h = newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 1 {
				h.eng.Pause(h.path) //nolint:errcheck
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	ctx := context.Background()
	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, h.eng, opID)

	if err := os.WriteFile(h.path, []byte("shorter"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Errorf("Resume: got %v, want ErrSessionExpired", err)
	}
	if _, err := h.eng.Session(ctx, h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("Session: got %v, want ErrNoSession", err)
	}
}

func TestRecoverMarksInterruptedSessions(t *testing.T) {
	h := newHarness(t, fileSize, upload.Config{}, nil)
	ctx := context.Background()

	if err := h.store.Put(ctx, session.Session{
		ResourceID:       h.path,
		RemoteHandle:     h.srv.URL + "/session/none",
		BytesTransferred: chunkSize,
		BytesTotal:       fileSize,
		Status:           session.StatusTransferring,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := h.eng.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover: got %d, %v", n, err)
	}
	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Status != session.StatusInterrupted || s.InterruptedAt == nil {
		t.Errorf("session: got status %s interrupted_at %v", s.Status, s.InterruptedAt)
	}
}

func TestRecoverAutoResumes(t *testing.T) {
	h := newHarness(t, fileSize, upload.Config{AutoResume: true}, nil)
	ctx := context.Background()

	client := remote.New(remote.Config{Endpoint: h.srv.Endpoint(), Token: remotetest.Token})
	handle, err := client.Initiate(ctx, remote.Metadata{Title: "t"}, fileSize, "video/mp4")
	if err != nil {
		t.Fatal(err)
	}
	h.srv.Accept(handle, h.data[:chunkSize])
	if err := h.store.Put(ctx, session.Session{
		ResourceID:   h.path,
		RemoteHandle: handle,
		BytesTotal:   fileSize,
		Status:       session.StatusTransferring,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.eng.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	h.eng.Wait()

	if !bytes.Equal(h.srv.Received(handle), h.data) {
		t.Error("remote bytes differ from the local file")
	}
	if got := h.srv.Ranges(); len(got) != 4 || got[0] != "bytes 5242880-10485759/26214400" {
		t.Errorf("ranges: got %v", got)
	}
	if _, err := h.eng.Session(ctx, h.path); !errors.Is(err, apperr.ErrNoSession) {
		t.Errorf("Session: got %v, want ErrNoSession", err)
	}
}

func TestShutdownPausesRunningUploads(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 1 {
				once.Do(func() { close(entered) })
				time.Sleep(200 * time.Millisecond)
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	ctx := context.Background()
	if _, err := h.eng.Start(ctx, h.path, remote.Metadata{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.eng.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Status != session.StatusPaused || s.BytesTransferred != chunkSize {
		t.Errorf("session: got %+v", s)
	}
}

func TestCheckpointAdvancesDuringTransfer(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, fileSize, upload.Config{ProgressInterval: time.Nanosecond}, func(srv *remotetest.Server) {
		srv.OnChunk = func(index int, _ string) int {
			if index == 3 {
				close(reached)
				<-release
			}
			return 0
		}
	})
	var unblock sync.Once
	t.Cleanup(func() { unblock.Do(func() { close(release) }) })
	ctx := context.Background()

	opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-reached

	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session mid-transfer: %v", err)
	}
	if s.Status != session.StatusTransferring || s.BytesTransferred != 3*chunkSize {
		t.Errorf("checkpoint: got %d bytes status %s, want %d transferring", s.BytesTransferred, s.Status, 3*chunkSize)
	}

	sctx, cancel := context.WithCancel(ctx)
	snap := <-h.eng.Subscribe(sctx, opID)
	cancel()
	if snap.Status != progress.StatusTransferring || snap.BytesTransferred <= 0 || snap.BytesTransferred >= fileSize {
		t.Errorf("mid-transfer snapshot: got %+v", snap)
	}
	if snap.Percent >= 100 {
		t.Errorf("mid-transfer percent: got %v", snap.Percent)
	}

	unblock.Do(func() { close(release) })
	if snap := waitTerminal(t, h.eng, opID); snap.Status != progress.StatusComplete {
		t.Fatalf("status: got %s (%s)", snap.Status, snap.Error)
	}
}

func TestShutdownCatchesUploadStillInitiating(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, fileSize, upload.Config{}, func(srv *remotetest.Server) {
		srv.OnInitiate = func() {
			close(entered)
			<-release
		}
	})
	ctx := context.Background()

	type started struct {
		opID string
		err  error
	}
	startDone := make(chan started, 1)
	go func() {
		opID, err := h.eng.Start(ctx, h.path, remote.Metadata{})
		startDone <- started{opID, err}
	}()
	<-entered

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.eng.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(release)

	res := <-startDone
	if res.err != nil {
		t.Fatalf("Start: %v", res.err)
	}
	if snap, ok := h.eng.Progress(res.opID); !ok || snap.Status != progress.StatusPaused {
		t.Errorf("snapshot: got %+v (found %v), want paused", snap, ok)
	}
	if ranges := h.srv.Ranges(); len(ranges) != 0 {
		t.Errorf("chunks sent after shutdown: %v", ranges)
	}
	s, err := h.eng.Session(ctx, h.path)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Status != session.StatusPaused || s.BytesTransferred != 0 {
		t.Errorf("session: got %+v", s)
	}
	if n := len(h.eng.Active()); n != 0 {
		t.Errorf("active after shutdown: %d", n)
	}

	if _, err := h.eng.Resume(ctx, h.path); !errors.Is(err, upload.ErrShuttingDown) || !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Errorf("Resume after shutdown: got %v, want ErrShuttingDown", err)
	}
}
