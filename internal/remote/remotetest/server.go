// Package remotetest provides an in-memory resumable upload server for
// tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Token is the bearer token the server accepts.
const Token = "test-token"

type upload struct {
	total       int64
	contentType string
	meta        map[string]any
	data        []byte
	id          string
	expired     bool
}

// Server records every request so tests can assert on the exact byte
// ranges a client sent.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	uploads map[string]*upload
	ranges  []string
	seq     int

	// OnChunk runs before a data chunk is stored. index counts data chunks
	// across all sessions from 0. A non-zero return is sent as the status
	// and the chunk is discarded.
	OnChunk func(index int, contentRange string) int
	// OnInitiate runs when a session initiation request arrives.
	OnInitiate func()
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(tb testing.TB) *Server {
	s := &Server{uploads: map[string]*upload{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.initiate)
	mux.HandleFunc("PUT /session/{id}", s.put)
	s.Server = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

// Endpoint is the URL clients post new sessions to.
func (s *Server) Endpoint() string { return s.URL + "/upload" }

// Ranges returns the Content-Range of every data chunk received, in order.
func (s *Server) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// Received returns the bytes stored for the session behind handle.
func (s *Server) Received(handle string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.uploads[s.id(handle)]; u != nil {
		return append([]byte(nil), u.data...)
	}
	return nil
}

// Metadata returns the JSON body the session was opened with.
func (s *Server) Metadata(handle string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.uploads[s.id(handle)]; u != nil {
		return u.meta
	}
	return nil
}

// Expire makes every later request on handle answer 404.
func (s *Server) Expire(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.uploads[s.id(handle)]; u != nil {
		u.expired = true
	}
}

// Accept stores n more bytes on handle without a client request, as if a
// chunk had landed after the client lost the response.
func (s *Server) Accept(handle string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.uploads[s.id(handle)]; u != nil {
		u.data = append(u.data, data...)
	}
}

func (s *Server) id(handle string) string {
	return handle[strings.LastIndex(handle, "/")+1:]
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	if s.OnInitiate != nil {
		s.OnInitiate()
	}
	if r.Header.Get("Authorization") != "Bearer "+Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("uploadType") != "resumable" {
		http.Error(w, "uploadType must be resumable", http.StatusBadRequest)
		return
	}
	total, err := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
	if err != nil {
		http.Error(w, "bad X-Upload-Content-Length", http.StatusBadRequest)
		return
	}
	var meta map[string]any
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		http.Error(w, "bad metadata", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("s%d", s.seq)
	s.uploads[id] = &upload{
		total:       total,
		contentType: r.Header.Get("X-Upload-Content-Type"),
		meta:        meta,
		id:          fmt.Sprintf("obj-%d", s.seq),
	}
	s.mu.Unlock()

	w.Header().Set("Location", s.URL+"/session/"+id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	cr := r.Header.Get("Content-Range")

	s.mu.Lock()
	u := s.uploads[r.PathValue("id")]
	if u == nil || u.expired {
		s.mu.Unlock()
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	if strings.HasPrefix(cr, "bytes */") {
		s.mu.Unlock()
		s.answer(w, u)
		return
	}

	index := len(s.ranges)
	s.ranges = append(s.ranges, cr)
	hook := s.OnChunk
	s.mu.Unlock()

	if hook != nil {
		if status := hook(index, cr); status != 0 {
			w.WriteHeader(status)
			return
		}
	}

	var start, end, total int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err != nil ||
		total != u.total || end-start+1 != int64(len(body)) {
		http.Error(w, "bad Content-Range "+cr, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if start != int64(len(u.data)) {
		s.mu.Unlock()
		http.Error(w, "non-contiguous chunk "+cr, http.StatusBadRequest)
		return
	}
	u.data = append(u.data, body...)
	s.mu.Unlock()
	s.answer(w, u)
}

func (s *Server) answer(w http.ResponseWriter, u *upload) {
	s.mu.Lock()
	n, total, id := int64(len(u.data)), u.total, u.id
	s.mu.Unlock()

	if n >= total {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id}) //nolint:errcheck
		return
	}
	if n > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	}
	w.WriteHeader(308)
}
