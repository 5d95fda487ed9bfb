package watch

import (
	"sort"
	"time"
)

// Debouncer coalesces change events into batches. The first event after a
// flush opens a window of the configured interval; every path seen until the
// batch is flushed belongs to it, including paths that arrive after the
// window elapsed while the consumer was still busy.
//
// A Debouncer is owned by a single goroutine and is not safe for concurrent
// use.
type Debouncer struct {
	interval time.Duration
	pending  map[string]struct{}
	timer    *time.Timer
	elapsed  bool
}

// NewDebouncer creates a debouncer with the given window length.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		pending:  make(map[string]struct{}),
	}
}

// Trigger records a changed path, opening a window if none is open.
func (d *Debouncer) Trigger(path string) {
	d.pending[path] = struct{}{}

	if d.timer == nil && !d.elapsed {
		d.timer = time.NewTimer(d.interval)
	}
}

// C returns the channel that fires when the open window elapses, or nil
// when no window is open.
func (d *Debouncer) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}

	return d.timer.C
}

// Elapse marks the open window as elapsed. Call it after receiving from C.
func (d *Debouncer) Elapse() {
	d.timer = nil
	d.elapsed = true
}

// Ready reports whether a batch is due: the window elapsed and at least one
// path is pending.
func (d *Debouncer) Ready() bool {
	return d.elapsed && len(d.pending) > 0
}

// Paths returns the pending paths in sorted order without clearing them.
func (d *Debouncer) Paths() []string {
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// Flush discards all pending paths and closes any open window.
func (d *Debouncer) Flush() {
	d.Stop()
	d.pending = make(map[string]struct{})
	d.elapsed = false
}

// Stop cancels the open window, if any.
func (d *Debouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
