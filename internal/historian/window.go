// Package historian implements the Extruder Poller: an
// incremental, idempotent reader over an external SQL Server historian
// table that maintains an in-memory rolling window and drives the rest
// of the pipeline on every tick.
package historian

import (
	"sync"
	"time"
)

// Row is one historian sample: a timestamp plus the six raw channels.
// Missing/null columns are coerced to math.NaN() by the scanner; the
// Feature Engine (internal/features) is responsible for turning NaN
// into neutral values, not this package.
type Row struct {
	Timestamp time.Time
	RPM       float64
	Pressure  float64
	Temp1     float64
	Temp2     float64
	Temp3     float64
	Temp4     float64
}

// Window is the poller's private rolling window. It is never exposed
// for external mutation; callers receive immutable snapshots via
// Snapshot.
type Window struct {
	mu      sync.Mutex
	rows    []Row
	maxAge  time.Duration
	maxRows int
}

// NewWindow creates an empty Window bounded by maxAge (time) and
// maxRows (hard cap).
func NewWindow(maxAge time.Duration, maxRows int) *Window {
	return &Window{maxAge: maxAge, maxRows: maxRows}
}

// Append inserts row, maintaining the invariant that rows are strictly
// ordered and unique by timestamp: a row whose timestamp is <= the
// current newest is rejected as a duplicate/replay.
// After insertion, rows older than newest-maxAge are pruned, then the
// slice is trimmed to at most maxRows entries (oldest dropped first).
func (w *Window) Append(row Row) (appended bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.rows); n > 0 && !row.Timestamp.After(w.rows[n-1].Timestamp) {
		return false
	}
	w.rows = append(w.rows, row)

	cutoff := row.Timestamp.Add(-w.maxAge)
	firstKeep := 0
	for firstKeep < len(w.rows) && w.rows[firstKeep].Timestamp.Before(cutoff) {
		firstKeep++
	}
	if firstKeep > 0 {
		w.rows = append([]Row(nil), w.rows[firstKeep:]...)
	}

	if w.maxRows > 0 && len(w.rows) > w.maxRows {
		excess := len(w.rows) - w.maxRows
		w.rows = append([]Row(nil), w.rows[excess:]...)
	}
	return true
}

// Reset clears all buffered rows.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = nil
}

// Snapshot returns a copy of the current window contents, oldest
// first. Safe to retain and inspect after the call returns.
func (w *Window) Snapshot() []Row {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Row, len(w.rows))
	copy(out, w.rows)
	return out
}

// Latest returns the newest row and true, or a zero Row and false if
// the window is empty.
func (w *Window) Latest() (Row, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.rows) == 0 {
		return Row{}, false
	}
	return w.rows[len(w.rows)-1], true
}

// Len returns the number of buffered rows.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}
