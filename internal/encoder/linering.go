// SPDX-License-Identifier: MIT

package encoder

import (
	"strings"
	"sync"
)

// LineRing keeps the most recent lines of process output for failure
// diagnostics. Writes may arrive at arbitrary byte boundaries; an unfinished
// trailing fragment is held back until its newline arrives.
type LineRing struct {
	mu      sync.Mutex
	lines   []string
	next    int
	wrapped bool
	partial strings.Builder
}

// NewLineRing creates a LineRing holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer. Empty lines are dropped.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range p {
		if b != '\n' {
			r.partial.WriteByte(b)
			continue
		}
		line := r.partial.String()
		r.partial.Reset()
		if line == "" {
			continue
		}
		r.lines[r.next] = line
		r.next++
		if r.next == len(r.lines) {
			r.next = 0
			r.wrapped = true
		}
	}
	return len(p), nil
}

// LastN returns up to n of the most recent complete lines, oldest first.
func (r *LineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.wrapped {
		ordered = append(ordered, r.lines[r.next:]...)
	}
	ordered = append(ordered, r.lines[:r.next]...)

	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
