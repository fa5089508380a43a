package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AppendPrediction writes an append-only Prediction row keyed by
// timestamp + machine id.
func (d *DB) AppendPrediction(p Prediction) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("AppendPrediction marshal: %w", err)
	}
	key := timeOrderedKey(p.Timestamp, p.MachineID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPredictions)).Put(key, data)
	})
}

// ListRecentPredictionsForMachine returns up to maxRows predictions for
// machineID with Timestamp >= since, in chronological order. Used by
// the ML-advisory step to look back over the evaluation
// window and by the evaluator's stability check.
func (d *DB) ListRecentPredictionsForMachine(machineID string, since time.Time, maxRows int) ([]Prediction, error) {
	var out []Prediction
	sinceKey := since.UTC().Format(time.RFC3339Nano)

	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketPredictions)).Cursor()
		for k, v := c.Seek([]byte(sinceKey)); k != nil; k, v = c.Next() {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.MachineID != machineID {
				continue
			}
			out = append(out, p)
			if maxRows > 0 && len(out) >= maxRows {
				break
			}
		}
		return nil
	})
	return out, err
}
