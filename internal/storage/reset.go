package storage

import bolt "go.etcd.io/bbolt"

// ResetIncidentState deletes every Alarm and Ticket and their
// incident-key indexes. Backs the destructive `reset-state` CLI
// command; the caller is responsible for also clearing the in-memory
// Incident Manager tracking (internal/incident.Reset), which this
// store has no visibility into.
func (d *DB) ResetIncidentState() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAlarms, bucketAlarmsByIncidentKey, bucketAlarmsDedupForever, bucketTickets, bucketTicketsByIncidentKey} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}
