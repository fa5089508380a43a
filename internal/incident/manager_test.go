package incident

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/eventbus"
	"github.com/extruderguard/core/internal/storage"
)

func testManager(t *testing.T) (*Manager, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.IncidentConfig{
		Profile0ResolveAfter:  30 * time.Second,
		Profile1WarnAfter:     60 * time.Second,
		Profile2CriticalAfter: 10 * time.Second,
		Profile3TicketAfter:   20 * time.Second,
		AlarmCooldown:         5 * time.Minute,
	}
	bus := eventbus.New(8)
	return New(cfg, db, bus, zap.NewNop(), nil), db
}

func TestIncidentManager_SuppressesAlarmsDuringBaselineLearning(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", true, base)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", true, base.Add(30*time.Second))

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected no alarms while baseline learning is active, got %d", len(alarms))
	}
}

func TestIncidentManager_CreatesAlarmAfterDwellTime(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base.Add(15*time.Second))

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected exactly one alarm after the dwell time elapses, got %d", len(alarms))
	}
}

func TestIncidentManager_NeverDoubleFiresWhileIncidentOpen(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base.Add(time.Duration(i)*15*time.Second))
	}

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected the incident to stay deduped to a single alarm, got %d", len(alarms))
	}
}

func TestIncidentManager_ResolvesOnSustainedGreen(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base.Add(15*time.Second))

	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(20*time.Second))
	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(55*time.Second))

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected the incident to resolve after sustained GREEN, got %d open alarms", len(alarms))
	}
}

func TestIncidentManager_ResolveRecordsRecoveryNote(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base.Add(15*time.Second))

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil || len(alarms) != 1 {
		t.Fatalf("expected exactly one open alarm before recovery, got %d (err=%v)", len(alarms), err)
	}
	alarmID := alarms[0].ID

	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(20*time.Second))
	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(55*time.Second))

	resolved, err := db.GetAlarm(alarmID)
	if err != nil {
		t.Fatalf("GetAlarm: %v", err)
	}
	if resolved.Status != storage.AlarmResolved {
		t.Fatalf("expected alarm to be resolved, got status %q", resolved.Status)
	}
	if resolved.ResolvedNote != "recovered to Profile 0 (stable)" {
		t.Fatalf("unexpected recovery note %q", resolved.ResolvedNote)
	}
}

func TestIncidentManager_Profile2NeverReEmitsAfterRecovery(t *testing.T) {
	m, db := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// First profile2 incident: dwell, alarm fires, ticket attached.
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base.Add(15*time.Second))

	alarms, err := db.ListOpenAlarmsForMachine("machine-1")
	if err != nil || len(alarms) != 1 {
		t.Fatalf("expected exactly one open alarm, got %d (err=%v)", len(alarms), err)
	}

	// Recover to Profile 0 long enough to resolve the incident.
	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(20*time.Second))
	m.Evaluate("machine-1", storage.SeverityGreen, false, "pred-2", false, base.Add(55*time.Second))

	alarms, err = db.ListOpenAlarmsForMachine("machine-1")
	if err != nil || len(alarms) != 0 {
		t.Fatalf("expected incident to resolve before recurrence, got %d open alarms (err=%v)", len(alarms), err)
	}

	// Profile 2 recurs well past the alarm cooldown: this
	// incident_key must dedup forever, not just while open.
	recur := base.Add(1 * time.Hour)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-3", false, recur)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-3", false, recur.Add(15*time.Second))

	alarms, err = db.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected profile2 incident to never re-emit after recovery, got %d open alarms", len(alarms))
	}
}

func TestIncidentManager_Reset_ClearsInMemoryTracking(t *testing.T) {
	m, _ := testManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Evaluate("machine-1", storage.SeverityRed, false, "pred-1", false, base)
	if len(m.tracks) == 0 {
		t.Fatal("expected a tracked machine before Reset")
	}
	m.Reset()
	if len(m.tracks) != 0 {
		t.Fatalf("expected Reset to clear all tracked machines, got %d", len(m.tracks))
	}
}
