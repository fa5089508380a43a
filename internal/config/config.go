// Package config provides configuration loading, validation, and
// hot-reload for the extruderguard core.
//
// Configuration file: /etc/extruderguard/config.yaml (default).
// Schema version: 1.
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml and log the result.
//   - A valid new config is not applied: running components keep the
//     config they were constructed with, so every change to
//     config.yaml takes effect on restart.
//   - If the new config is invalid, the old config remains active and
//     an error is logged. The agent does NOT crash on invalid
//     hot-reload config.
//   - Runtime settings sourced from the Settings store (historian
//     connection overrides) are reloaded at most once per 30s,
//     independently of SIGHUP; see internal/historian.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. poll_interval >= 1s,
//     ml_warning_threshold in [0,1], green limits below orange limits).
//   - File paths are checked for being non-empty, not for being absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath is the default bbolt database file location.
const DefaultDBPath = "/var/lib/extruderguard/extruderguard.db"

// Config is the root configuration structure.
type Config struct {
	// SchemaVersion must be "1"; any other value fails validation.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID names this core instance; it is logged on config hot-reload.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// CleanSlateOnStartup mirrors CLEAN_SLATE_ON_STARTUP:
	// env-only, never persisted to the YAML file. When true, the agent
	// wipes alarms/tickets and in-memory incident/detector state once
	// at startup, before the first poll.
	CleanSlateOnStartup bool `yaml:"-"`

	Historian     HistorianConfig     `yaml:"historian"`
	Detector      DetectorConfig      `yaml:"detector"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Incident      IncidentConfig      `yaml:"incident"`
	AIAdapter     AIAdapterConfig     `yaml:"ai_adapter"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// HistorianConfig holds the poller's static defaults. Connection
// parameters may be overridden at runtime by the Settings store
// (internal/historian), which always wins when present.
type HistorianConfig struct {
	Enabled bool `yaml:"enabled"`

	// MachineID is the single machine this historian table feeds.
	// Multi-machine historian fan-out is an external-collaborator
	// concern.
	MachineID string `yaml:"machine_id"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`

	// Column names for the six raw channels plus the timestamp column.
	TimestampColumn string `yaml:"timestamp_column"`
	RPMColumn       string `yaml:"rpm_column"`
	PressureColumn  string `yaml:"pressure_column"`
	Temp1Column     string `yaml:"temp1_column"`
	Temp2Column     string `yaml:"temp2_column"`
	Temp3Column     string `yaml:"temp3_column"`
	Temp4Column     string `yaml:"temp4_column"`

	// PollInterval is the tick period. Default: 60s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WindowMinutes bounds the in-memory rolling window. Default: 10.
	WindowMinutes int `yaml:"window_minutes"`

	// MaxRowsPerPoll caps incremental reads. Default: 2000.
	MaxRowsPerPoll int `yaml:"max_rows_per_poll"`

	// MaxWindowRows is the hard row cap on the rolling window irrespective
	// of time. Default: 5000.
	MaxWindowRows int `yaml:"max_window_rows"`

	// SettingsReloadInterval throttles re-reading the Settings store.
	// Default: 30s.
	SettingsReloadInterval time.Duration `yaml:"settings_reload_interval"`
}

// DetectorConfig holds the state-machine thresholds.
type DetectorConfig struct {
	RPMOn          float64       `yaml:"rpm_on"`
	RPMProd        float64       `yaml:"rpm_prod"`
	PressureOn     float64       `yaml:"pressure_on"`
	PressureProd   float64       `yaml:"pressure_prod"`
	MotorLoadMin   float64       `yaml:"motor_load_min"`
	ThroughputMin  float64       `yaml:"throughput_min"`
	TempMinActive  float64       `yaml:"temp_min_active"`
	HeatingRate    float64       `yaml:"heating_rate"`
	CoolingRate    float64       `yaml:"cooling_rate"`
	TempFlatRate   float64       `yaml:"temp_flat_rate"`
	ProdEnterTime  time.Duration `yaml:"production_enter_time"`
	ProdExitTime   time.Duration `yaml:"production_exit_time"`
	StateDebounce  time.Duration `yaml:"state_change_debounce"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxReadings    int           `yaml:"max_readings"`
	MaxTempSamples int           `yaml:"max_temp_samples"`
}

// EvaluatorConfig holds the decision-hierarchy tunables.
type EvaluatorConfig struct {
	// TempSpreadGreenC / OrangeC are the fixed Temp_Spread thresholds.
	TempSpreadGreenC  float64 `yaml:"temp_spread_green_c"`
	TempSpreadOrangeC float64 `yaml:"temp_spread_orange_c"`

	// Generic relative-band fallback percentages.
	GenericGreenPct  float64 `yaml:"generic_green_pct"`
	GenericOrangePct float64 `yaml:"generic_orange_pct"`

	// Stability ratio thresholds.
	StabilityGreenRatio  float64 `yaml:"stability_green_ratio"`
	StabilityOrangeRatio float64 `yaml:"stability_orange_ratio"`

	// MLWarningThreshold is the anomaly_score above which ml_warning fires.
	MLWarningThreshold float64 `yaml:"ml_warning_threshold"`

	// MLLookback bounds how far back recent predictions are consulted.
	MLLookback time.Duration `yaml:"ml_lookback"`
	MLMaxRows  int           `yaml:"ml_max_rows"`
}

// IncidentConfig holds the calm-control policy thresholds.
type IncidentConfig struct {
	Profile0ResolveAfter  time.Duration `yaml:"profile0_resolve_after"`
	Profile1WarnAfter     time.Duration `yaml:"profile1_warn_after"`
	Profile2CriticalAfter time.Duration `yaml:"profile2_critical_after"`
	Profile3TicketAfter   time.Duration `yaml:"profile3_ticket_after"`
	AlarmCooldown         time.Duration `yaml:"alarm_cooldown"`
}

// AIAdapterConfig holds the outbound ML-service client parameters.
type AIAdapterConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig holds the admin control-plane Unix socket parameters.
type OperatorConfig struct {
	SocketPath             string `yaml:"socket_path"`
	Enabled                bool   `yaml:"enabled"`
	AllowPublicSystemReset bool   `yaml:"allow_public_system_reset"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Historian: HistorianConfig{
			Enabled:                false,
			MachineID:              "extruder-01",
			Port:                   1433,
			Schema:                 "dbo",
			Table:                  "ExtruderHistorian",
			TimestampColumn:        "TrendDate",
			RPMColumn:              "ScrewSpeed",
			PressureColumn:         "Pressure",
			Temp1Column:            "TempZone1",
			Temp2Column:            "TempZone2",
			Temp3Column:            "TempZone3",
			Temp4Column:            "TempZone4",
			PollInterval:           60 * time.Second,
			WindowMinutes:          10,
			MaxRowsPerPoll:         2000,
			MaxWindowRows:          5000,
			SettingsReloadInterval: 30 * time.Second,
		},
		Detector: DetectorConfig{
			RPMOn:          5.0,
			RPMProd:        10.0,
			PressureOn:     2.0,
			PressureProd:   5.0,
			MotorLoadMin:   40.0,
			ThroughputMin:  10.0,
			TempMinActive:  60.0,
			HeatingRate:    0.2,
			CoolingRate:    -0.2,
			TempFlatRate:   0.2,
			ProdEnterTime:  90 * time.Second,
			ProdExitTime:   120 * time.Second,
			StateDebounce:  60 * time.Second,
			StaleAfter:     5 * time.Minute,
			MaxReadings:    600,
			MaxTempSamples: 300,
		},
		Evaluator: EvaluatorConfig{
			TempSpreadGreenC:     5.0,
			TempSpreadOrangeC:    8.0,
			GenericGreenPct:      3.0,
			GenericOrangePct:     5.0,
			StabilityGreenRatio:  1.2,
			StabilityOrangeRatio: 1.6,
			MLWarningThreshold:   0.7,
			MLLookback:           30 * time.Minute,
			MLMaxRows:            10,
		},
		Incident: IncidentConfig{
			Profile0ResolveAfter:  60 * time.Second,
			Profile1WarnAfter:     300 * time.Second,
			Profile2CriticalAfter: 60 * time.Second,
			Profile3TicketAfter:   180 * time.Second,
			AlarmCooldown:         15 * time.Minute,
		},
		AIAdapter: AIAdapterConfig{
			Timeout: 20 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/extruderguard/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path, then
// applies an environment-variable overlay. Returns the
// merged config or an error if the file cannot be read, parsed, or
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverlay(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverlay applies the documented environment variables on top
// of the file-derived config. Unset variables leave the field
// untouched.
func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("MSSQL_ENABLED"); ok {
		cfg.Historian.Enabled = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("MSSQL_HOST"); ok {
		cfg.Historian.Host = v
	}
	if v, ok := os.LookupEnv("MSSQL_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Historian.Port = p
		}
	}
	if v, ok := os.LookupEnv("MSSQL_USER"); ok {
		cfg.Historian.User = v
	}
	if v, ok := os.LookupEnv("MSSQL_PASSWORD"); ok {
		cfg.Historian.Password = v
	}
	if v, ok := os.LookupEnv("MSSQL_DATABASE"); ok {
		cfg.Historian.Database = v
	}
	if v, ok := os.LookupEnv("MSSQL_SCHEMA"); ok {
		cfg.Historian.Schema = v
	}
	if v, ok := os.LookupEnv("MSSQL_TABLE"); ok {
		cfg.Historian.Table = v
	}
	if v, ok := os.LookupEnv("MSSQL_POLL_INTERVAL_SECONDS"); ok {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Historian.PollInterval = time.Duration(s) * time.Second
		}
	}
	if v, ok := os.LookupEnv("MSSQL_WINDOW_MINUTES"); ok {
		if m, err := strconv.Atoi(v); err == nil {
			cfg.Historian.WindowMinutes = m
		}
	}
	if v, ok := os.LookupEnv("MSSQL_MAX_ROWS_PER_POLL"); ok {
		if m, err := strconv.Atoi(v); err == nil {
			cfg.Historian.MaxRowsPerPoll = m
		}
	}
	if v, ok := os.LookupEnv("AI_SERVICE_URL"); ok {
		cfg.AIAdapter.BaseURL = v
	}
	if v, ok := os.LookupEnv("ALLOW_PUBLIC_SYSTEM_RESET"); ok {
		cfg.Operator.AllowPublicSystemReset = v == "true" || v == "1"
	}
	if v, ok := os.LookupEnv("CLEAN_SLATE_ON_STARTUP"); ok {
		cfg.CleanSlateOnStartup = v == "true" || v == "1"
	}
}

// Validate checks all config fields for correctness. Returns a
// descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Historian.Enabled {
		if cfg.Historian.Host == "" {
			errs = append(errs, "historian.host must not be empty when historian.enabled=true")
		}
		if !identifierPattern(cfg.Historian.Schema) {
			errs = append(errs, fmt.Sprintf("historian.schema %q must match [A-Za-z0-9_]+", cfg.Historian.Schema))
		}
		if !identifierPattern(cfg.Historian.Table) {
			errs = append(errs, fmt.Sprintf("historian.table %q must match [A-Za-z0-9_]+", cfg.Historian.Table))
		}
	}
	if cfg.Historian.PollInterval < time.Second {
		errs = append(errs, "historian.poll_interval must be >= 1s")
	}
	if cfg.Historian.WindowMinutes < 1 {
		errs = append(errs, "historian.window_minutes must be >= 1")
	}
	if cfg.Historian.MaxRowsPerPoll < 1 {
		errs = append(errs, "historian.max_rows_per_poll must be >= 1")
	}
	if cfg.Detector.ProdEnterTime < 0 || cfg.Detector.ProdExitTime < 0 {
		errs = append(errs, "detector dwell times must be >= 0")
	}
	if cfg.Evaluator.TempSpreadGreenC >= cfg.Evaluator.TempSpreadOrangeC {
		errs = append(errs, "evaluator.temp_spread_green_c must be < temp_spread_orange_c")
	}
	if cfg.Evaluator.StabilityGreenRatio >= cfg.Evaluator.StabilityOrangeRatio {
		errs = append(errs, "evaluator.stability_green_ratio must be < stability_orange_ratio")
	}
	if cfg.Evaluator.MLWarningThreshold < 0 || cfg.Evaluator.MLWarningThreshold > 1 {
		errs = append(errs, "evaluator.ml_warning_threshold must be in [0,1]")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, "storage.retention_days must be >= 1")
	}
	if cfg.AIAdapter.Timeout <= 0 {
		errs = append(errs, "ai_adapter.timeout must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// identifierPattern reports whether s matches [A-Za-z0-9_]+,
// without pulling in the regexp package for a single-purpose check run
// once per config load/reload.
func identifierPattern(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
