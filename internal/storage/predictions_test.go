package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestListRecentPredictionsForMachine_FiltersByMachineAndSince(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.AppendPrediction(Prediction{ID: "p1", MachineID: "m1", Timestamp: base}); err != nil {
		t.Fatalf("AppendPrediction: %v", err)
	}
	if err := db.AppendPrediction(Prediction{ID: "p2", MachineID: "m2", Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendPrediction: %v", err)
	}
	if err := db.AppendPrediction(Prediction{ID: "p3", MachineID: "m1", Timestamp: base.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("AppendPrediction: %v", err)
	}

	got, err := db.ListRecentPredictionsForMachine("m1", base, 10)
	if err != nil {
		t.Fatalf("ListRecentPredictionsForMachine: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p3" {
		t.Fatalf("expected only m1's predictions in chronological order, got %+v", got)
	}
}

func TestListRecentPredictionsForMachine_RespectsMaxRows(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p := Prediction{ID: "p", MachineID: "m1", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := db.AppendPrediction(p); err != nil {
			t.Fatalf("AppendPrediction: %v", err)
		}
	}

	got, err := db.ListRecentPredictionsForMachine("m1", base, 2)
	if err != nil {
		t.Fatalf("ListRecentPredictionsForMachine: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected maxRows to cap the result at 2, got %d", len(got))
	}
}

func TestListRecentPredictionsForMachine_SinceExcludesEarlierRows(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.AppendPrediction(Prediction{ID: "early", MachineID: "m1", Timestamp: base}); err != nil {
		t.Fatalf("AppendPrediction: %v", err)
	}
	if err := db.AppendPrediction(Prediction{ID: "late", MachineID: "m1", Timestamp: base.Add(time.Hour)}); err != nil {
		t.Fatalf("AppendPrediction: %v", err)
	}

	got, err := db.ListRecentPredictionsForMachine("m1", base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListRecentPredictionsForMachine: %v", err)
	}
	if len(got) != 1 || got[0].ID != "late" {
		t.Fatalf("expected only rows at or after since, got %+v", got)
	}
}
