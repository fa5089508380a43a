package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SettingValueType names the typed interpretation of a Setting's raw
// value (runtime-reloadable connection/tuning overrides, e.g.
// "connections.mssql.poll_interval_seconds", "connections.edge_pc.base_url").
type SettingValueType string

const (
	SettingString SettingValueType = "string"
	SettingJSON   SettingValueType = "json"
	SettingInt    SettingValueType = "int"
	SettingBool   SettingValueType = "bool"
)

// Setting is a typed, hot-reloadable key/value row. historian and
// aiadapter poll this bucket on a throttled interval
// (SettingsReloadInterval) to pick up operator changes without a
// process restart.
type Setting struct {
	Name      string           `json:"name"`
	ValueType SettingValueType `json:"value_type"`
	Value     json.RawMessage  `json:"value"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PutSetting encodes value as JSON and stores it under name with the
// given type tag.
func (d *DB) PutSetting(name string, valueType SettingValueType, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("PutSetting(%q) marshal: %w", name, err)
	}
	s := Setting{Name: name, ValueType: valueType, Value: raw, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("PutSetting(%q) marshal row: %w", name, err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).Put([]byte(name), data)
	})
}

// GetSetting returns the raw Setting row, or (nil, nil) if unset.
func (d *DB) GetSetting(name string) (*Setting, error) {
	var s Setting
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSettings)).Get([]byte(name))
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

// GetSettingString returns the decoded string value, or def if unset
// or the stored type is not string.
func (d *DB) GetSettingString(name, def string) string {
	s, err := d.GetSetting(name)
	if err != nil || s == nil || s.ValueType != SettingString {
		return def
	}
	var v string
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return def
	}
	return v
}

// GetSettingInt returns the decoded int value, or def if unset or the
// stored type is not int.
func (d *DB) GetSettingInt(name string, def int) int {
	s, err := d.GetSetting(name)
	if err != nil || s == nil || s.ValueType != SettingInt {
		return def
	}
	var v int
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return def
	}
	return v
}

// GetSettingBool returns the decoded bool value, or def if unset or
// the stored type is not bool.
func (d *DB) GetSettingBool(name string, def bool) bool {
	s, err := d.GetSetting(name)
	if err != nil || s == nil || s.ValueType != SettingBool {
		return def
	}
	var v bool
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return def
	}
	return v
}

// GetSettingJSON decodes a "json"-typed setting into out (a pointer).
// Returns false if unset or the stored type is not json.
func (d *DB) GetSettingJSON(name string, out interface{}) (bool, error) {
	s, err := d.GetSetting(name)
	if err != nil || s == nil {
		return false, err
	}
	if s.ValueType != SettingJSON {
		return false, nil
	}
	if err := json.Unmarshal(s.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

// ListSettings returns every setting row. Operational/inspection use.
func (d *DB) ListSettings() ([]Setting, error) {
	var out []Setting
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).ForEach(func(_, v []byte) error {
			var s Setting
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}
