// Package progress carries operation progress as a side channel passed into
// long-running calls (add/push/fetch/checkout), instead of entangling
// progress reporting with the operations' own types -- the "halo spinners
// as decorators around pure functions" redesign flag in spec.md §9.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives progress notifications from a long operation. Start is
// called once with the total unit count (0 if unknown), Advance is called
// as units complete, and Done marks the operation finished. Implementations
// must be safe for concurrent use: the Push and Fetch worker pools in
// repository report progress from multiple goroutines.
type Sink interface {
	Start(total int)
	Advance(n int, label string)
	Done()
}

// Noop discards every notification. Used by tests and by callers that
// don't want terminal output.
type Noop struct{}

func (Noop) Start(int)          {}
func (Noop) Advance(int, string) {}
func (Noop) Done()              {}

// Terminal is a minimal line-based Sink, the non-spinner equivalent of the
// reference CLI's halo-driven progress bar: it prints a running count to w
// rather than redrawing a terminal spinner in place, which keeps it honest
// about being a side channel with no dependency on terminal control codes.
type Terminal struct {
	w     io.Writer
	label string

	mu    sync.Mutex
	total int
	done  int
}

// NewTerminal builds a Terminal sink that prefixes every line with label
// (e.g. "push", "fetch").
func NewTerminal(w io.Writer, label string) *Terminal {
	return &Terminal{w: w, label: label}
}

func (t *Terminal) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.done = 0
	if total > 0 {
		fmt.Fprintf(t.w, "%s: 0/%d\n", t.label, total)
	} else {
		fmt.Fprintf(t.w, "%s: starting\n", t.label)
	}
}

func (t *Terminal) Advance(n int, item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	if t.total > 0 {
		fmt.Fprintf(t.w, "%s: %d/%d %s\n", t.label, t.done, t.total, item)
	} else {
		fmt.Fprintf(t.w, "%s: %d %s\n", t.label, t.done, item)
	}
}

func (t *Terminal) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "%s: done (%d)\n", t.label, t.done)
}
