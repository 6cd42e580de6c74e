// Package remote speaks the resumable upload protocol: a session is opened
// with one POST, the object is sent as ordered byte-range PUTs, and a
// zero-length PUT asks the server how many bytes it already holds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eargollo/vidlift/internal/apperr"
)

// StatusResumeIncomplete is the status a server answers while an upload is
// still missing bytes.
const StatusResumeIncomplete = 308

// Metadata describes the object being uploaded.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Privacy     string   `json:"privacy,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Config holds the endpoint and credentials.
type Config struct {
	Endpoint string
	Token    string
	// SilenceTimeout aborts a chunk request when no bytes move for this long.
	SilenceTimeout time.Duration
	HTTPClient     *http.Client
}

// Client is a resumable upload client. It is safe for concurrent use.
type Client struct {
	endpoint string
	token    string
	silence  time.Duration
	hc       *http.Client
}

// New returns a Client. A zero SilenceTimeout defaults to 30s.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
		}
		hc = &http.Client{Transport: transport}
	}
	silence := cfg.SilenceTimeout
	if silence <= 0 {
		silence = 30 * time.Second
	}
	return &Client{endpoint: cfg.Endpoint, token: cfg.Token, silence: silence, hc: hc}
}

// Configured reports whether an endpoint and a token are set.
func (c *Client) Configured() bool {
	return c.endpoint != "" && c.token != ""
}

// Result is the remote's answer to a chunk or probe.
type Result struct {
	// Received is the number of leading bytes the remote holds.
	Received int64
	// Complete is set once the remote has assembled the object.
	Complete bool
	// RemoteID identifies the finished object.
	RemoteID string
}

// Initiate opens a resumable session for an object of size bytes and
// returns its handle.
func (c *Client) Initiate(ctx context.Context, meta Metadata, size int64, contentType string) (string, error) {
	if !c.Configured() {
		return "", apperr.ErrNotConfigured
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("uploadType", "resumable")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build initiate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Upload-Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("initiate: %w: %w", apperr.ErrTransientNetwork, err)
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("initiate: %w: no Location header", apperr.ErrTransientNetwork)
		}
		return loc, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("initiate: %s: %w", resp.Status, apperr.ErrNotConfigured)
	default:
		return "", fmt.Errorf("initiate: %w: %s", apperr.ErrTransientNetwork, resp.Status)
	}
}

// PutChunk sends bytes [start, end] of a total-byte object. body must yield
// exactly end-start+1 bytes.
func (c *Client) PutChunk(ctx context.Context, handle string, body io.Reader, start, end, total int64) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(c.silence, func() { cancel(errStalled) })
	defer wd.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, handle, &watchedReader{r: body, wd: wd})
	if err != nil {
		return Result{}, fmt.Errorf("build chunk request: %w", err)
	}
	req.ContentLength = end - start + 1
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

	res, err := c.do(req)
	if err != nil && errors.Is(context.Cause(ctx), errStalled) {
		return Result{}, fmt.Errorf("chunk %d-%d: %w: %w", start, end, apperr.ErrTransientNetwork, errStalled)
	}
	if err != nil {
		return Result{}, fmt.Errorf("chunk %d-%d: %w", start, end, err)
	}
	return res, nil
}

// Probe asks the remote how many bytes of a total-byte object it holds.
func (c *Client) Probe(ctx context.Context, handle string, total int64) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, handle, http.NoBody)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	res, err := c.do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	return res, nil
}

func (c *Client) do(req *http.Request) (Result, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", apperr.ErrTransientNetwork, err)
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil && !errors.Is(err, io.EOF) {
			return Result{}, fmt.Errorf("%w: decode final object: %v", apperr.ErrTransientNetwork, err)
		}
		return Result{Complete: true, RemoteID: obj.ID}, nil
	case StatusResumeIncomplete:
		n, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", apperr.ErrTransientNetwork, err)
		}
		return Result{Received: n}, nil
	case http.StatusNotFound, http.StatusGone:
		return Result{}, apperr.ErrSessionExpired
	default:
		return Result{}, fmt.Errorf("%w: unexpected status %s", apperr.ErrTransientNetwork, resp.Status)
	}
}

// parseRange reads "bytes=0-N" and returns N+1. An empty header means the
// remote holds nothing yet.
func parseRange(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}
	rng, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, fmt.Errorf("malformed Range %q", h)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok || first != "0" {
		return 0, fmt.Errorf("malformed Range %q", h)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed Range %q", h)
	}
	return n + 1, nil
}

func drain(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, 64<<10)) //nolint:errcheck
	rc.Close()
}

var errStalled = errors.New("no network progress within silence timeout")

// watchdog fires once if it is not kicked within its timeout.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	return &watchdog{timer: time.AfterFunc(timeout, fire), timeout: timeout}
}

func (w *watchdog) kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// watchedReader kicks the watchdog every time the transport pulls bytes.
type watchedReader struct {
	r  io.Reader
	wd *watchdog
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.wd.kick()
	}
	return n, err
}
