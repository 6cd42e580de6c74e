package remote_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eargollo/vidlift/internal/apperr"
	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/remote/remotetest"
)

func newClient(endpoint string) *remote.Client {
	return remote.New(remote.Config{Endpoint: endpoint, Token: remotetest.Token, SilenceTimeout: time.Second})
}

func TestInitiateSendsMetadataAndReturnsHandle(t *testing.T) {
	srv := remotetest.NewServer(t)
	c := newClient(srv.Endpoint())

	handle, err := c.Initiate(context.Background(), remote.Metadata{Title: "Lesson 4", Privacy: "unlisted", Tags: []string{"math"}}, 10, "video/mp4")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if handle == "" {
		t.Fatal("Initiate: empty handle")
	}
	if got := srv.Metadata(handle)["title"]; got != "Lesson 4" {
		t.Errorf("metadata title: got %v", got)
	}
}

func TestInitiateNotConfigured(t *testing.T) {
	c := remote.New(remote.Config{Endpoint: "http://127.0.0.1:1/upload"})
	if c.Configured() {
		t.Fatal("Configured: want false without token")
	}
	if _, err := c.Initiate(context.Background(), remote.Metadata{}, 1, "video/mp4"); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Errorf("Initiate: got %v, want ErrNotConfigured", err)
	}
}

func TestInitiateRejectedCredentials(t *testing.T) {
	srv := remotetest.NewServer(t)
	c := remote.New(remote.Config{Endpoint: srv.Endpoint(), Token: "wrong"})
	if _, err := c.Initiate(context.Background(), remote.Metadata{}, 1, "video/mp4"); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Errorf("Initiate: got %v, want ErrNotConfigured", err)
	}
}

func TestChunksProbeAndCompletion(t *testing.T) {
	srv := remotetest.NewServer(t)
	c := newClient(srv.Endpoint())
	ctx := context.Background()
	data := []byte("0123456789")

	handle, err := c.Initiate(ctx, remote.Metadata{Title: "x"}, int64(len(data)), "video/mp4")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	res, err := c.Probe(ctx, handle, 10)
	if err != nil || res.Received != 0 || res.Complete {
		t.Fatalf("Probe fresh: %+v %v", res, err)
	}

	res, err = c.PutChunk(ctx, handle, bytes.NewReader(data[:4]), 0, 3, 10)
	if err != nil {
		t.Fatalf("PutChunk 1: %v", err)
	}
	if res.Received != 4 || res.Complete {
		t.Errorf("PutChunk 1: got %+v, want received=4", res)
	}

	res, err = c.Probe(ctx, handle, 10)
	if err != nil || res.Received != 4 {
		t.Fatalf("Probe: %+v %v, want received=4", res, err)
	}

	res, err = c.PutChunk(ctx, handle, bytes.NewReader(data[4:]), 4, 9, 10)
	if err != nil {
		t.Fatalf("PutChunk 2: %v", err)
	}
	if !res.Complete || res.RemoteID == "" {
		t.Errorf("PutChunk 2: got %+v, want complete with id", res)
	}
	if got := srv.Ranges(); len(got) != 2 || got[0] != "bytes 0-3/10" || got[1] != "bytes 4-9/10" {
		t.Errorf("ranges: got %v", got)
	}
	if !bytes.Equal(srv.Received(handle), data) {
		t.Errorf("received: got %q", srv.Received(handle))
	}

	res, err = c.Probe(ctx, handle, 10)
	if err != nil || !res.Complete {
		t.Errorf("Probe after completion: %+v %v, want complete", res, err)
	}
}

func TestExpiredSession(t *testing.T) {
	srv := remotetest.NewServer(t)
	c := newClient(srv.Endpoint())
	ctx := context.Background()

	handle, err := c.Initiate(ctx, remote.Metadata{}, 10, "video/mp4")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	srv.Expire(handle)

	if _, err := c.Probe(ctx, handle, 10); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Errorf("Probe: got %v, want ErrSessionExpired", err)
	}
	if _, err := c.PutChunk(ctx, handle, bytes.NewReader([]byte("ab")), 0, 1, 10); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Errorf("PutChunk: got %v, want ErrSessionExpired", err)
	}
}

func TestUnexpectedStatusIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusBadRequest} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := newClient(ts.URL)
		_, err := c.Probe(context.Background(), ts.URL+"/session/x", 10)
		if !errors.Is(err, apperr.ErrTransientNetwork) {
			t.Errorf("status %d: got %v, want ErrTransientNetwork", status, err)
		}
		ts.Close()
	}
}

func TestSilentChunkIsAbortedAsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	c := remote.New(remote.Config{Endpoint: ts.URL, Token: remotetest.Token, SilenceTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.PutChunk(context.Background(), ts.URL+"/session/x", bytes.NewReader([]byte("abcd")), 0, 3, 4)
	if !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Errorf("PutChunk: got %v, want ErrTransientNetwork", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("PutChunk took %v, want abort near the silence timeout", took)
	}
}

func TestCancelledChunkReportsCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := newClient(ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.PutChunk(ctx, ts.URL+"/session/x", bytes.NewReader([]byte("ab")), 0, 1, 2)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("PutChunk: got %v, want context.Canceled", err)
	}
}
