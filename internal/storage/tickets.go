package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CreateTicketIfAbsent enforces the at-most-one-ticket-per-incident-key
// invariant: if a ticket already exists for incidentKey it
// is returned unchanged (created=false); otherwise candidate is
// inserted and indexed. Check-then-insert runs in one transaction.
func (d *DB) CreateTicketIfAbsent(incidentKey string, candidate Ticket) (ticket Ticket, created bool, err error) {
	err = d.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketTicketsByIncidentKey))
		tickets := tx.Bucket([]byte(bucketTickets))

		if existingID := idx.Get([]byte(incidentKey)); existingID != nil {
			raw := tickets.Get(existingID)
			if raw == nil {
				return fmt.Errorf("CreateTicketIfAbsent: dangling incident index for %q", incidentKey)
			}
			return json.Unmarshal(raw, &ticket)
		}

		candidate.IncidentKey = incidentKey
		if candidate.CreatedAt.IsZero() {
			candidate.CreatedAt = time.Now().UTC()
		}
		if candidate.Status == "" {
			candidate.Status = "open"
		}
		data, marshalErr := json.Marshal(candidate)
		if marshalErr != nil {
			return marshalErr
		}
		if err := tickets.Put([]byte(candidate.ID), data); err != nil {
			return err
		}
		if err := idx.Put([]byte(incidentKey), []byte(candidate.ID)); err != nil {
			return err
		}
		ticket = candidate
		created = true
		return nil
	})
	return ticket, created, err
}

// GetTicketByIncidentKey returns the ticket for incidentKey, or
// (nil, nil) if none has been created.
func (d *DB) GetTicketByIncidentKey(incidentKey string) (*Ticket, error) {
	var t Ticket
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketTicketsByIncidentKey))
		id := idx.Get([]byte(incidentKey))
		if id == nil {
			return nil
		}
		raw := tx.Bucket([]byte(bucketTickets)).Get(id)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &t)
	})
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}
