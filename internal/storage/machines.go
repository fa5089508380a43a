package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PutMachine creates or updates a Machine.
func (d *DB) PutMachine(m Machine) error {
	if m.ID == "" {
		return fmt.Errorf("PutMachine: id must not be empty")
	}
	m.UpdatedAt = time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("PutMachine marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMachines)).Put([]byte(m.ID), data)
	})
}

// GetMachine retrieves a Machine by id. Returns (nil, nil) if absent.
func (d *DB) GetMachine(id string) (*Machine, error) {
	var m Machine
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMachines)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// ListMachines returns all machines, sorted by id.
func (d *DB) ListMachines() ([]Machine, error) {
	var out []Machine
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMachines)).ForEach(func(_, v []byte) error {
			var m Machine
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// PutSensor creates or updates a Sensor and maintains the
// sensors_by_machine index.
func (d *DB) PutSensor(s Sensor) error {
	if s.ID == "" || s.MachineID == "" {
		return fmt.Errorf("PutSensor: id and machine_id must not be empty")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("PutSensor marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketSensors)).Put([]byte(s.ID), data); err != nil {
			return err
		}
		idxKey := compositeKey(s.MachineID, s.ID)
		return tx.Bucket([]byte(bucketSensorsByMachine)).Put(idxKey, []byte(s.ID))
	})
}

// ListSensorsForMachine returns all sensors owned by machineID.
func (d *DB) ListSensorsForMachine(machineID string) ([]Sensor, error) {
	var out []Sensor
	err := d.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketSensorsByMachine))
		sensors := tx.Bucket([]byte(bucketSensors))
		c := idx.Cursor()
		prefix := compositeKey(machineID, "")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, []byte(machineID+"\x00")); k, v = c.Next() {
			raw := sensors.Get(v)
			if raw == nil {
				continue
			}
			var s Sensor
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PutStateSnapshot overwrites the current snapshot for a machine.
func (d *DB) PutStateSnapshot(s MachineStateSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("PutStateSnapshot marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStateSnapshots)).Put([]byte(s.MachineID), data)
	})
}

// GetStateSnapshot returns the current snapshot for a machine, or
// (nil, nil) if the machine has never been classified.
func (d *DB) GetStateSnapshot(machineID string) (*MachineStateSnapshot, error) {
	var s MachineStateSnapshot
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketStateSnapshots)).Get([]byte(machineID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &s)
	})
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// AppendStateTransition writes an append-only transition record.
func (d *DB) AppendStateTransition(t MachineStateTransition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("AppendStateTransition marshal: %w", err)
	}
	key := timeOrderedKey(t.At, t.MachineID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStateTransitions)).Put(key, data)
	})
}

// AppendStateAlert writes an append-only operator-visible state event.
func (d *DB) AppendStateAlert(a MachineStateAlert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("AppendStateAlert marshal: %w", err)
	}
	key := timeOrderedKey(a.At, a.MachineID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStateAlerts)).Put(key, data)
	})
}

// ReadStateTransitions returns all transition records in chronological
// order. Operational/inspection use; not called on the hot path.
func (d *DB) ReadStateTransitions() ([]MachineStateTransition, error) {
	var out []MachineStateTransition
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStateTransitions)).ForEach(func(_, v []byte) error {
			var t MachineStateTransition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// PruneOldRecords deletes state_transitions, state_alerts, and
// predictions entries older than retentionDays. Returns the total
// number of entries deleted across all three buckets.
func (d *DB) PruneOldRecords() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffPrefix := cutoff.Format(time.RFC3339Nano)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketStateTransitions, bucketStateAlerts, bucketPredictions} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= cutoffPrefix {
					break
				}
				keyCopy := append([]byte(nil), k...)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("PruneOldRecords delete from %s: %w", name, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
