package supervisor

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

// lineRing keeps the last N lines written to it. External tools can produce
// megabytes of progress spam; only the tail matters for diagnostics.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	next  int
	full  bool
}

func newLineRing(max int) *lineRing {
	return &lineRing{lines: make([]string, max), max: max}
}

func (r *lineRing) Add(line string) {
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, "�")
	}

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns the buffered lines in arrival order.
func (r *lineRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}

	out := make([]string, 0, r.max)
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// consume drains a subprocess stream into the ring until EOF.
func (r *lineRing) consume(stream io.Reader) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.Add(scanner.Text())
	}
}
