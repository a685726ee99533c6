package logging

import (
	"strings"
	"sync"
)

// RecentLines keeps the last few log lines in memory for the diagnostics
// endpoint.
type RecentLines struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool
}

// Recent captures INFO and above from the server logger.
var Recent = NewRecentLines(200)

// NewRecentLines creates a ring of the given size.
func NewRecentLines(size int) *RecentLines {
	if size <= 0 {
		size = 1
	}
	return &RecentLines{lines: make([]string, size)}
}

// Write implements io.Writer. Each call is stored as one line.
func (w *RecentLines) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines[w.next] = strings.TrimRight(string(p), "\n")
	w.next = (w.next + 1) % len(w.lines)
	if w.next == 0 {
		w.full = true
	}
	return len(p), nil
}

// Lines returns the captured lines, oldest first.
func (w *RecentLines) Lines() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.full {
		return append([]string{}, w.lines[:w.next]...)
	}
	out := make([]string, 0, len(w.lines))
	out = append(out, w.lines[w.next:]...)
	return append(out, w.lines[:w.next]...)
}
