// Package logring keeps the most recent log lines in memory so they can be
// shown on demand (the /logs command and the dashboard).
package logring

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is an io.Writer that retains the last N complete lines written to it.
// A trailing partial line is held until its newline arrives.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			break
		}
		line := string(r.partial) + string(data[:i])
		r.partial = r.partial[:0]
		r.push(strings.TrimRight(line, "\r"))
		data = data[i+1:]
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns up to the last n lines, oldest first. n <= 0 returns all.
func (r *Ring) Lines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (r *Ring) Cap() int { return len(r.lines) }
