package historian

import (
	"testing"
	"time"
)

func TestWindow_RejectsNonIncreasingTimestamps(t *testing.T) {
	w := NewWindow(time.Hour, 100)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if ok := w.Append(Row{Timestamp: base}); !ok {
		t.Fatal("expected the first append to succeed")
	}
	if ok := w.Append(Row{Timestamp: base}); ok {
		t.Fatal("expected a duplicate timestamp to be rejected")
	}
	if ok := w.Append(Row{Timestamp: base.Add(-time.Second)}); ok {
		t.Fatal("expected an out-of-order (replay) timestamp to be rejected")
	}
	if w.Len() != 1 {
		t.Fatalf("expected exactly one row to remain, got %d", w.Len())
	}
}

func TestWindow_PrunesByAge(t *testing.T) {
	w := NewWindow(10*time.Second, 0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	w.Append(Row{Timestamp: base})
	w.Append(Row{Timestamp: base.Add(5 * time.Second)})
	w.Append(Row{Timestamp: base.Add(20 * time.Second)})

	snap := w.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected only the newest row to survive the age cutoff, got %d rows", len(snap))
	}
	if !snap[0].Timestamp.Equal(base.Add(20 * time.Second)) {
		t.Fatalf("expected the surviving row to be the newest, got %v", snap[0].Timestamp)
	}
}

func TestWindow_BoundedByMaxRows(t *testing.T) {
	w := NewWindow(time.Hour, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		w.Append(Row{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if w.Len() != 3 {
		t.Fatalf("expected the window to be capped at 3 rows, got %d", w.Len())
	}
	latest, ok := w.Latest()
	if !ok {
		t.Fatal("expected Latest to succeed on a non-empty window")
	}
	if !latest.Timestamp.Equal(base.Add(9 * time.Second)) {
		t.Fatalf("expected the newest row to be retained, got %v", latest.Timestamp)
	}
}

func TestWindow_ResetClearsAllRows(t *testing.T) {
	w := NewWindow(time.Hour, 100)
	w.Append(Row{Timestamp: time.Now()})
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("expected Reset to clear the window, got %d rows", w.Len())
	}
	if _, ok := w.Latest(); ok {
		t.Fatal("expected Latest to report false on an empty window")
	}
}
