// /internal/testutil/server.go
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

// ArtifactServer serves in-memory files with optional byte-range support
// and scripted failures.
type ArtifactServer struct {
	*httptest.Server

	mu          sync.Mutex
	files       map[string][]byte
	ignoreRange bool
	cutAt       int64
	failures    int
	ranges      []string
	hits        map[string]int
}

// NewArtifactServer starts a server that is closed when the test ends.
func NewArtifactServer(t *testing.T) *ArtifactServer {
	s := &ArtifactServer{files: make(map[string][]byte), hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Add publishes data under name and returns its URL.
func (s *ArtifactServer) Add(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files["/"+name] = data
	return s.URL + "/" + name
}

// IgnoreRange makes the server answer 200 with the full body even to Range requests.
func (s *ArtifactServer) IgnoreRange(v bool) {
	s.mu.Lock()
	s.ignoreRange = v
	s.mu.Unlock()
}

// CutAt aborts the next response after the body reaches absolute offset n.
func (s *ArtifactServer) CutAt(n int64) {
	s.mu.Lock()
	s.cutAt = n
	s.mu.Unlock()
}

// FailNext answers the next n requests with 503.
func (s *ArtifactServer) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// Ranges returns the Range header of every request received, "" when absent.
func (s *ArtifactServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// Hits returns how many requests hit name.
func (s *ArtifactServer) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["/"+name]
}

func (s *ArtifactServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[r.URL.Path]
	rangeHeader := r.Header.Get("Range")
	s.ranges = append(s.ranges, rangeHeader)
	s.hits[r.URL.Path]++
	ignore := s.ignoreRange
	cut := s.cutAt
	s.cutAt = 0
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	start := int64(0)
	total := int64(len(data))
	if rangeHeader != "" && !ignore {
		from := strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		n, err := strconv.ParseInt(from, 10, 64)
		if err != nil || n >= total {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start = n
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", strconv.FormatInt(total-start, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
	}

	end := total
	if cut > start && cut < total {
		end = cut
	}
	_, _ = w.Write(data[start:end])
	if end < total {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
}
