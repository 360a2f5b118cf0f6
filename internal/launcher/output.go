// /internal/launcher/output.go
package launcher

import (
	"sync"
	"time"
)

// Stream names the pipe a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one captured line of process output.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// ringBuffer keeps the most recent lines and counts what it evicted.
type ringBuffer struct {
	mu      sync.Mutex
	lines   []Line
	start   int
	n       int
	dropped int
}

func newRing(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]Line, capacity)}
}

func (r *ringBuffer) add(l Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.lines) {
		r.lines[(r.start+r.n)%len(r.lines)] = l
		r.n++
		return
	}
	r.lines[r.start] = l
	r.start = (r.start + 1) % len(r.lines)
	r.dropped++
}

// snapshot returns buffered lines oldest first.
func (r *ringBuffer) snapshot() ([]Line, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out, r.dropped
}
