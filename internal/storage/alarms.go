package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PutAlarm creates or updates an Alarm record directly, without
// touching the incident-key dedup index. Use FindOrCreateOpenAlarm for
// the dedup-on-create path and ResolveAlarm to close one out.
func (d *DB) PutAlarm(a Alarm) error {
	if a.ID == "" {
		return fmt.Errorf("PutAlarm: id must not be empty")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("PutAlarm marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlarms)).Put([]byte(a.ID), data)
	})
}

// GetAlarm retrieves an Alarm by id. Returns (nil, nil) if absent.
func (d *DB) GetAlarm(id string) (*Alarm, error) {
	var a Alarm
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAlarms)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &a)
	})
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// FindOrCreateOpenAlarm implements the dedup-on-insert rule: if an
// open alarm already exists for incidentKey, it is returned unchanged
// (created=false); otherwise candidate is inserted,
// indexed, and returned (created=true). The check and the insert run
// in one bbolt transaction so two concurrent ticks for the same
// incident_key cannot both create an alarm.
func (d *DB) FindOrCreateOpenAlarm(incidentKey string, candidate Alarm) (alarm Alarm, created bool, err error) {
	err = d.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketAlarmsByIncidentKey))
		alarms := tx.Bucket([]byte(bucketAlarms))

		if existingID := idx.Get([]byte(incidentKey)); existingID != nil {
			raw := alarms.Get(existingID)
			if raw == nil {
				return fmt.Errorf("FindOrCreateOpenAlarm: dangling incident index for %q", incidentKey)
			}
			return json.Unmarshal(raw, &alarm)
		}

		if candidate.Metadata == nil {
			candidate.Metadata = map[string]string{}
		}
		candidate.Metadata["incident_key"] = incidentKey
		candidate.Status = AlarmOpen
		if candidate.TriggeredAt.IsZero() {
			candidate.TriggeredAt = time.Now().UTC()
		}
		data, marshalErr := json.Marshal(candidate)
		if marshalErr != nil {
			return marshalErr
		}
		if err := alarms.Put([]byte(candidate.ID), data); err != nil {
			return err
		}
		if err := idx.Put([]byte(incidentKey), []byte(candidate.ID)); err != nil {
			return err
		}
		alarm = candidate
		created = true
		return nil
	})
	return alarm, created, err
}

// IsIncidentKeyPermanentlyDeduped reports whether incidentKey has ever
// fired an alarm under the "dedup forever" policy (profile2
// incidents never re-emit, even after the original alarm resolves and
// the condition later recurs).
func (d *DB) IsIncidentKeyPermanentlyDeduped(incidentKey string) (bool, error) {
	var marked bool
	err := d.db.View(func(tx *bolt.Tx) error {
		marked = tx.Bucket([]byte(bucketAlarmsDedupForever)).Get([]byte(incidentKey)) != nil
		return nil
	})
	return marked, err
}

// MarkIncidentKeyPermanentlyDeduped records that incidentKey must never
// fire another alarm, regardless of future resolve/re-trigger cycles.
func (d *DB) MarkIncidentKeyPermanentlyDeduped(incidentKey string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlarmsDedupForever)).Put([]byte(incidentKey), []byte("1"))
	})
}

// ResolveAlarm marks an alarm resolved with the given operator-facing
// note and removes it from the open incident-key index so a later
// re-trigger of the same incident_key opens a fresh alarm rather than
// finding this one.
func (d *DB) ResolveAlarm(id, note string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		alarms := tx.Bucket([]byte(bucketAlarms))
		raw := alarms.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("ResolveAlarm: alarm %q not found", id)
		}
		var a Alarm
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		now := time.Now().UTC()
		a.Status = AlarmResolved
		a.ResolvedAt = &now
		a.ResolvedNote = note
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := alarms.Put([]byte(id), data); err != nil {
			return err
		}
		if key := a.IncidentKey(); key != "" {
			idx := tx.Bucket([]byte(bucketAlarmsByIncidentKey))
			if existing := idx.Get([]byte(key)); existing != nil && string(existing) == id {
				if err := idx.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListOpenAlarmsForMachine returns every open/acknowledged alarm for a
// machine, sorted by TriggeredAt ascending. Operational use; scans the
// full alarms bucket since alarm volume per machine is small relative
// to prediction volume.
func (d *DB) ListOpenAlarmsForMachine(machineID string) ([]Alarm, error) {
	var out []Alarm
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlarms)).ForEach(func(_, v []byte) error {
			var a Alarm
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.MachineID == machineID && a.Status != AlarmResolved {
				out = append(out, a)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, err
}
