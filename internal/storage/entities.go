// Package storage is the bbolt-backed persistence layer for the core.
// It lays out one-table-per-entity relational storage as one bucket
// per entity plus secondary-index buckets for the foreign
// keys and uniqueness constraints the relational model would enforce
// with a SQL index. All writes are single bbolt ACID transactions;
// readers use read-only transactions.
package storage

import "time"

// Machine is the owning aggregate root for Sensors, Predictions,
// Alarms, State snapshots, and Tickets.
type Machine struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Criticality string            `json:"criticality"`
	Metadata    map[string]string `json:"metadata"` // carries current_material
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CurrentMaterial returns the machine's selected material identifier,
// or "" if none is set.
func (m *Machine) CurrentMaterial() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata["current_material"]
}

// Sensor is a named signal belonging to one machine.
type Sensor struct {
	ID            string   `json:"id"`
	MachineID     string   `json:"machine_id"`
	Name          string   `json:"name"`
	Unit          string   `json:"unit"`
	WarnLimit     *float64 `json:"warn_limit,omitempty"`
	CriticalLimit *float64 `json:"critical_limit,omitempty"`
	IsOfRecord    bool     `json:"is_of_record"`
}

// MachineStateSnapshot is persisted on every detector transition.
type MachineStateSnapshot struct {
	MachineID         string             `json:"machine_id"`
	State             string             `json:"state"`
	Confidence        float64            `json:"confidence"`
	StateSince        time.Time          `json:"state_since"`
	LastUpdated       time.Time          `json:"last_updated"`
	DerivedMetrics    map[string]float64 `json:"derived_metrics"`
	Flags             []string           `json:"flags"`
	StateDurationSecs float64            `json:"state_duration_seconds"`
}

// MachineStateTransition is an append-only history record.
type MachineStateTransition struct {
	MachineID  string    `json:"machine_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	At         time.Time `json:"at"`
	Confidence float64   `json:"confidence"`
}

// MachineStateAlert is an append-only operator-visible state event.
type MachineStateAlert struct {
	MachineID string    `json:"machine_id"`
	State     string    `json:"state"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Profile is a (machine_id?, material_id)-scoped baseline/scoring
// configuration. MachineID == "" means "material default".
type Profile struct {
	ID               string `json:"id"`
	MachineID        string `json:"machine_id,omitempty"`
	MaterialID       string `json:"material_id"`
	IsActive         bool   `json:"is_active"`
	BaselineLearning bool   `json:"baseline_learning"`
	BaselineReady    bool   `json:"baseline_ready"`
}

// ProfileBaselineSample is a transient training sample, deleted
// atomically on finalize.
type ProfileBaselineSample struct {
	ProfileID string    `json:"profile_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ProfileBaselineStats is the finalized statistical summary per metric.
type ProfileBaselineStats struct {
	ProfileID   string    `json:"profile_id"`
	Metric      string    `json:"metric"`
	Mean        float64   `json:"mean"`
	Std         float64   `json:"std"`
	P05         float64   `json:"p05"`
	P95         float64   `json:"p95"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// ScoringMode selects which severity path a metric's Profile Scoring
// Band uses.
type ScoringMode string

const (
	ScoringModeAbs    ScoringMode = "ABS"
	ScoringModeRel    ScoringMode = "REL"
	ScoringModeZScore ScoringMode = "ZSCORE"
)

// ProfileScoringBand defines the severity thresholds for one metric.
type ProfileScoringBand struct {
	ProfileID   string      `json:"profile_id"`
	Metric      string      `json:"metric"`
	Mode        ScoringMode `json:"mode"`
	GreenLimit  float64     `json:"green_limit"`
	OrangeLimit float64     `json:"orange_limit"`
}

// Severity is -1 UNKNOWN, 0 GREEN, 1 ORANGE, 2 RED.
type Severity int

const (
	SeverityUnknown Severity = -1
	SeverityGreen   Severity = 0
	SeverityOrange  Severity = 1
	SeverityRed     Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityGreen:
		return "green"
	case SeverityOrange:
		return "orange"
	case SeverityRed:
		return "red"
	default:
		return "unknown"
	}
}

// ProfileMessageTemplate is the operator-facing text for one
// (profile, metric, severity) combination.
type ProfileMessageTemplate struct {
	ProfileID string   `json:"profile_id"`
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Text      string   `json:"text"`
}

// Prediction is a snapshot of one evaluation tick.
type Prediction struct {
	ID                   string                 `json:"id"`
	MachineID            string                 `json:"machine_id"`
	SensorID             string                 `json:"sensor_id,omitempty"`
	Timestamp            time.Time              `json:"timestamp"`
	PredictedLabel       string                 `json:"predicted_label"`
	Score                float64                `json:"score"`
	Confidence           float64                `json:"confidence"`
	AnomalyType          string                 `json:"anomaly_type,omitempty"`
	ModelVersion         string                 `json:"model_version,omitempty"`
	RemainingUsefulLife  *float64               `json:"remaining_useful_life,omitempty"`
	ResponseTimeMS       float64                `json:"response_time_ms"`
	ContributingFeatures map[string]float64     `json:"contributing_features,omitempty"`
	Metadata             map[string]interface{} `json:"metadata"`
}

// AlarmSeverity is warning|critical.
type AlarmSeverity string

const (
	AlarmWarning  AlarmSeverity = "warning"
	AlarmCritical AlarmSeverity = "critical"
)

// AlarmStatus is open|acknowledged|resolved.
type AlarmStatus string

const (
	AlarmOpen         AlarmStatus = "open"
	AlarmAcknowledged AlarmStatus = "acknowledged"
	AlarmResolved     AlarmStatus = "resolved"
)

// Alarm is a single incident notification.
type Alarm struct {
	ID           string            `json:"id"`
	MachineID    string            `json:"machine_id"`
	SensorID     string            `json:"sensor_id,omitempty"`
	PredictionID string            `json:"prediction_id,omitempty"`
	Severity     AlarmSeverity     `json:"severity"`
	Status       AlarmStatus       `json:"status"`
	Message      string            `json:"message"`
	TriggeredAt  time.Time         `json:"triggered_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	ResolvedNote string            `json:"resolved_note,omitempty"`
	Metadata     map[string]string `json:"metadata"` // carries incident_key
}

// IncidentKey returns the dedup key carried in Metadata, or "".
func (a *Alarm) IncidentKey() string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata["incident_key"]
}

// Ticket is a workflow record referencing an alarm and machine; at
// most one per incident key.
type Ticket struct {
	ID          string    `json:"id"`
	AlarmID     string    `json:"alarm_id"`
	MachineID   string    `json:"machine_id"`
	IncidentKey string    `json:"incident_key"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}
