// Package storage — store.go
//
// bbolt bucket layout (one bucket per entity, plus secondary-index
// buckets for foreign keys and uniqueness constraints):
//
//	/machines                key: machine id                  value: JSON Machine
//	/sensors                 key: sensor id                    value: JSON Sensor
//	/sensors_by_machine      key: machine_id + "\x00" + sensor_id  value: sensor id (index)
//	/state_snapshots         key: machine id                  value: JSON MachineStateSnapshot (latest only)
//	/state_transitions       key: RFC3339Nano + "_" + machine_id  value: JSON MachineStateTransition (append-only)
//	/state_alerts            key: RFC3339Nano + "_" + machine_id  value: JSON MachineStateAlert (append-only)
//	/profiles                key: profile id                  value: JSON Profile
//	/profiles_active_idx     key: machine_id + "\x00" + material_id  value: profile id (uniqueness index)
//	/baseline_samples        key: profile_id + "\x00" + metric + "\x00" + RFC3339Nano  value: JSON ProfileBaselineSample
//	/baseline_stats          key: profile_id + "\x00" + metric  value: JSON ProfileBaselineStats
//	/scoring_bands           key: profile_id + "\x00" + metric  value: JSON ProfileScoringBand
//	/message_templates       key: profile_id + "\x00" + metric + "\x00" + severity  value: JSON ProfileMessageTemplate
//	/predictions             key: RFC3339Nano + "_" + machine_id  value: JSON Prediction (append-only)
//	/alarms                  key: alarm id                     value: JSON Alarm
//	/alarms_by_incident_key  key: incident_key                 value: alarm id (dedup index, open alarms only)
//	/alarms_dedup_forever    key: incident_key                 value: "1" (incident keys that must never re-fire)
//	/tickets                 key: ticket id                    value: JSON Ticket
//	/tickets_by_incident_key key: incident_key                 value: ticket id (dedup index)
//	/settings                key: setting name                 value: JSON-encoded typed value
//	/meta                    key: "schema_version"              value: "1"
//
// Consistency model: single-process, single-writer; all writes are
// ACID (Tx.Commit()); reads use
// read-only transactions (bbolt.View()); CRC32 integrity check on
// open (bbolt built-in).
//
// Retention: predictions, state_transitions and state_alerts older
// than RetentionDays are pruned once at startup. Baseline
// samples are pruned explicitly by finalize_baseline/reset_baseline,
// never by age.
package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default append-only-table retention.
	DefaultRetentionDays = 90

	bucketMachines             = "machines"
	bucketSensors              = "sensors"
	bucketSensorsByMachine     = "sensors_by_machine"
	bucketStateSnapshots       = "state_snapshots"
	bucketStateTransitions     = "state_transitions"
	bucketStateAlerts          = "state_alerts"
	bucketProfiles             = "profiles"
	bucketProfilesActiveIdx    = "profiles_active_idx"
	bucketBaselineSamples      = "baseline_samples"
	bucketBaselineStats        = "baseline_stats"
	bucketScoringBands         = "scoring_bands"
	bucketMessageTemplates     = "message_templates"
	bucketPredictions          = "predictions"
	bucketAlarms               = "alarms"
	bucketAlarmsByIncidentKey  = "alarms_by_incident_key"
	bucketAlarmsDedupForever   = "alarms_dedup_forever"
	bucketTickets              = "tickets"
	bucketTicketsByIncidentKey = "tickets_by_incident_key"
	bucketSettings             = "settings"
	bucketMeta                 = "meta"
)

var allBuckets = []string{
	bucketMachines, bucketSensors, bucketSensorsByMachine,
	bucketStateSnapshots, bucketStateTransitions, bucketStateAlerts,
	bucketProfiles, bucketProfilesActiveIdx,
	bucketBaselineSamples, bucketBaselineStats, bucketScoringBands, bucketMessageTemplates,
	bucketPredictions,
	bucketAlarms, bucketAlarmsByIncidentKey, bucketAlarmsDedupForever,
	bucketTickets, bucketTicketsByIncidentKey,
	bucketSettings, bucketMeta,
}

// DB wraps a bbolt instance with typed accessors for core entities.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the bbolt database at path. Initialises all
// required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("storage.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, core requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// timeOrderedKey constructs sortable append-only keys: RFC3339Nano
// timestamp + "_" + entity id. Lexicographic sort = chronological
// sort.
func timeOrderedKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), id))
}

// compositeKey joins parts with a NUL separator, which cannot appear
// in any of our string identifiers.
func compositeKey(parts ...string) []byte {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\x00" + p
	}
	return []byte(out)
}
