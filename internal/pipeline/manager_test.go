package pipeline

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/eventbus"
	"github.com/extruderguard/core/internal/features"
	"github.com/extruderguard/core/internal/historian"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/storage"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Defaults()
	cfg.Historian.Enabled = false
	cfg.Historian.MachineID = "machine-1"
	cfg.Operator.SocketPath = filepath.Join(t.TempDir(), "op.sock")

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 1)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New(8)
	return New(cfg, db, bus, zap.NewNop(), observability.NewMetrics())
}

func TestToReading_NaNChannelsBecomeNilPointers(t *testing.T) {
	row := historian.Row{
		Timestamp: time.Now(),
		RPM:       50,
		Pressure:  math.NaN(),
		Temp1:     180, Temp2: math.NaN(), Temp3: 180, Temp4: 180,
	}
	fs := features.Set{TempAvg: 180, TempSlope: 0}

	r := toReading(row, fs)
	if r.RPM == nil || *r.RPM != 50 {
		t.Fatalf("expected RPM to survive as a non-nil pointer, got %v", r.RPM)
	}
	if r.Pressure != nil {
		t.Fatalf("expected a NaN pressure channel to become nil, got %v", *r.Pressure)
	}
	if r.Temp2 != nil {
		t.Fatalf("expected a NaN temperature channel to become nil, got %v", *r.Temp2)
	}
	if r.Temp1 == nil || *r.Temp1 != 180 {
		t.Fatalf("expected Temp1 to survive, got %v", r.Temp1)
	}
}

func TestManager_SeedDemo_PopulatesMachineProfileAndBaseline(t *testing.T) {
	m := testManager(t)
	if err := m.SeedDemo(context.Background()); err != nil {
		t.Fatalf("SeedDemo: %v", err)
	}

	machine, err := m.store.GetMachine("demo-extruder-01")
	if err != nil || machine == nil {
		t.Fatalf("expected the demo machine to be created, err=%v", err)
	}

	profile, err := m.store.FindActiveProfile("demo-extruder-01", "pvc-natural")
	if err != nil || profile == nil {
		t.Fatalf("expected an active demo profile, err=%v", err)
	}
	if !profile.BaselineReady {
		t.Fatalf("expected the demo profile's baseline to be finalized, got %+v", profile)
	}
}

func TestManager_ResetState_ClearsAlarmsAndInMemoryTracking(t *testing.T) {
	m := testManager(t)
	key := "machine-1:profile2:advanced_wear"
	if _, _, err := m.store.FindOrCreateOpenAlarm(key, storage.Alarm{ID: "a1", MachineID: "machine-1", Severity: storage.AlarmCritical}); err != nil {
		t.Fatalf("FindOrCreateOpenAlarm: %v", err)
	}

	if err := m.ResetState(context.Background()); err != nil {
		t.Fatalf("ResetState: %v", err)
	}

	alarms, err := m.store.ListOpenAlarmsForMachine("machine-1")
	if err != nil {
		t.Fatalf("ListOpenAlarmsForMachine: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected ResetState to clear all open alarms, got %d", len(alarms))
	}
}

func TestManager_Status_ReportsConfiguredFields(t *testing.T) {
	m := testManager(t)
	status := m.Status(context.Background())
	if status["machine_id"] != "machine-1" {
		t.Fatalf("expected machine_id in status, got %+v", status)
	}
}
