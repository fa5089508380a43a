package config

import (
	"strings"
	"testing"
)

func TestValidate_DefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected the default config to validate cleanly, got %v", err)
	}
}

func TestValidate_AccumulatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.NodeID = ""
	cfg.Storage.DBPath = ""
	cfg.Evaluator.TempSpreadGreenC = 10
	cfg.Evaluator.TempSpreadOrangeC = 5

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "node_id", "storage.db_path", "temp_spread_green_c"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected the accumulated error to mention %q, got: %s", want, msg)
		}
	}
}

func TestValidate_HistorianRequiresIdentifiersWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Historian.Enabled = true
	cfg.Historian.Host = "db.example.com"
	cfg.Historian.Schema = "bad schema!"
	cfg.Historian.Table = "Readings"

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation to reject a non-identifier schema name")
	}
	if !strings.Contains(err.Error(), "historian.schema") {
		t.Errorf("expected the error to name historian.schema, got: %v", err)
	}
}

func TestApplyEnvOverlay_CleanSlateOnStartup(t *testing.T) {
	cfg := Defaults()
	t.Setenv("CLEAN_SLATE_ON_STARTUP", "true")
	applyEnvOverlay(&cfg)
	if !cfg.CleanSlateOnStartup {
		t.Fatal("expected CLEAN_SLATE_ON_STARTUP=true to set CleanSlateOnStartup")
	}
}

func TestApplyEnvOverlay_MSSQLFields(t *testing.T) {
	cfg := Defaults()
	t.Setenv("MSSQL_ENABLED", "1")
	t.Setenv("MSSQL_HOST", "historian.local")
	t.Setenv("MSSQL_PORT", "1434")
	applyEnvOverlay(&cfg)
	if !cfg.Historian.Enabled {
		t.Error("expected MSSQL_ENABLED=1 to enable the historian")
	}
	if cfg.Historian.Host != "historian.local" {
		t.Errorf("expected host override, got %q", cfg.Historian.Host)
	}
	if cfg.Historian.Port != 1434 {
		t.Errorf("expected port override, got %d", cfg.Historian.Port)
	}
}
