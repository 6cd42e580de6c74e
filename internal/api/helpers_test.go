package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eargollo/vidlift/internal/analysis"
	"github.com/eargollo/vidlift/internal/api"
	"github.com/eargollo/vidlift/internal/config"
	"github.com/eargollo/vidlift/internal/db"
	"github.com/eargollo/vidlift/internal/limiter"
	"github.com/eargollo/vidlift/internal/metrics"
	"github.com/eargollo/vidlift/internal/progress"
	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/remote/remotetest"
	"github.com/eargollo/vidlift/internal/scan"
	"github.com/eargollo/vidlift/internal/scheduler"
	"github.com/eargollo/vidlift/internal/session"
	"github.com/eargollo/vidlift/internal/upload"
)

// testServer runs the full control surface in-process against an in-memory
// remote.
type testServer struct {
	baseURL string
	client  *http.Client

	remote *remotetest.Server
	engine *upload.Engine
	sweeps *scan.Manager
	sched  *scheduler.Scheduler
	dir    string
}

// newTestServer wires real components over a temp directory. configure, if
// set, installs hooks on the remote before any request is made.
func newTestServer(t *testing.T, configure func(*remotetest.Server)) *testServer {
	t.Helper()
	dir := t.TempDir()

	sqlDB, err := db.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	rs := remotetest.NewServer(t)
	if configure != nil {
		configure(rs)
	}

	lim := limiter.New(2)
	m := metrics.New(lim)
	pipeline := analysis.New(analysis.NewCache(sqlDB), analysis.Tools{}, lim, analysis.Config{}, analysis.WithRecorder(m))
	client := remote.New(remote.Config{Endpoint: rs.Endpoint(), Token: remotetest.Token, SilenceTimeout: 5 * time.Second})
	engine, err := upload.New(client, session.NewSQLStore(sqlDB), progress.NewBroadcaster(),
		upload.Config{ChunkSize: upload.ChunkQuantum}, upload.WithRecorder(m))
	if err != nil {
		t.Fatalf("upload.New: %v", err)
	}
	sweeps := scan.NewManager(pipeline, []string{dir})

	cfg, err := config.Load(filepath.Join(dir, "missing-config.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	sched := scheduler.New(nil)
	sweepJob := func() {}
	if err := sched.SetSweep(cfg.Sweep.Schedule, sweepJob); err != nil {
		t.Fatal(err)
	}
	sched.Start()

	ts := httptest.NewServer(api.NewRouter(api.Deps{
		Cfg:      cfg,
		Pipeline: pipeline,
		Engine:   engine,
		Sweeps:   sweeps,
		Sched:    sched,
		Metrics:  m,
		SweepJob: sweepJob,
		Version:  "test",
	}))
	t.Cleanup(func() {
		ts.Close()
		engine.Wait()
		sweeps.Wait()
		sched.Stop(context.Background()) //nolint:errcheck
	})

	return &testServer{
		baseURL: ts.URL,
		client:  &http.Client{Timeout: 10 * time.Second},
		remote:  rs,
		engine:  engine,
		sweeps:  sweeps,
		sched:   sched,
		dir:     dir,
	}
}

// mustWriteFile creates a file of size bytes under the server's root.
func (ts *testServer) mustWriteFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(ts.dir, name)
	data := bytes.Repeat([]byte{0x5a}, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// get performs a GET request to path and returns the response.
func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ts.client.Get(ts.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// post performs a POST request to path with body encoded as JSON.
func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body)
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.baseURL+path, r)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// requireStatus fails the test if the response status code != want.
func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d\nbody: %s", want, resp.StatusCode, body)
	}
}

// requireError checks the status and the error envelope code.
func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	requireStatus(t, resp, status)
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &body)
	if body.Error.Code != code {
		t.Errorf("error code: got %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// decodeJSON decodes the response body into v, failing the test on error.
func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

// requireContentType fails if the Content-Type header doesn't start with want.
func requireContentType(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, want) {
		t.Fatalf("Content-Type: got %q, want prefix %q", ct, want)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
