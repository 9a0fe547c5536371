package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// ContentServer serves fixed byte payloads by path and honours single
// "bytes=N-" ranges. Requests and their offsets are recorded.
type ContentServer struct {
	*httptest.Server

	mu       sync.Mutex
	content  map[string][]byte
	offsets  map[string][]int64
	failures map[string]int
	holds    map[string]*hold
	issued   []*hold
}

type hold struct {
	after   int
	release chan struct{}
	once    sync.Once
}

// NewContentServer starts a server that is closed when the test ends.
func NewContentServer(t *testing.T) *ContentServer {
	t.Helper()
	s := &ContentServer{
		content:  make(map[string][]byte),
		offsets:  make(map[string][]int64),
		failures: make(map[string]int),
		holds:    make(map[string]*hold),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.ReleaseAll()
		s.Server.Close()
	})
	return s
}

// Add registers a payload and returns its URL.
func (s *ContentServer) Add(path string, data []byte) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	s.mu.Lock()
	s.content[path] = data
	s.mu.Unlock()
	return s.URL + path
}

// FailNext makes the next n requests for path answer 500.
func (s *ContentServer) FailNext(path string, n int) {
	s.mu.Lock()
	s.failures[normalize(path)] = n
	s.mu.Unlock()
}

// Hold makes the next request for path stall after writing `after` bytes of
// the response body, until the returned release function is called.
func (s *ContentServer) Hold(path string, after int) func() {
	h := &hold{after: after, release: make(chan struct{})}
	s.mu.Lock()
	s.holds[normalize(path)] = h
	s.issued = append(s.issued, h)
	s.mu.Unlock()
	return func() { h.once.Do(func() { close(h.release) }) }
}

// ReleaseAll releases every hold, including ones already stalling a request.
func (s *ContentServer) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.issued {
		h.once.Do(func() { close(h.release) })
	}
}

// Offsets returns the range start of each request made for path.
func (s *ContentServer) Offsets(path string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets[normalize(path)]...)
}

// Requests returns how many requests were made for path.
func (s *ContentServer) Requests(path string) int {
	return len(s.Offsets(path))
}

func normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func (s *ContentServer) serve(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if rng := r.Header.Get("Range"); rng != "" {
		v := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
		offset, _ = strconv.ParseInt(v, 10, 64)
	}

	s.mu.Lock()
	data, ok := s.content[r.URL.Path]
	s.offsets[r.URL.Path] = append(s.offsets[r.URL.Path], offset)
	fail := s.failures[r.URL.Path] > 0
	if fail {
		s.failures[r.URL.Path]--
	}
	h := s.holds[r.URL.Path]
	delete(s.holds, r.URL.Path)
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if fail {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if offset >= int64(len(data)) && offset > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body := data[offset:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if offset > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(data)-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if h != nil && h.after < len(body) {
		w.Write(body[:h.after])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-h.release:
		case <-r.Context().Done():
			return
		}
		body = body[h.after:]
	}
	w.Write(body)
}

// Payload returns n deterministic bytes seeded by seed.
func Payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}
