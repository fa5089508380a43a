package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/extruderguard/core/internal/governance"
)

// TrackedMetrics is the fixed set of metrics the Baseline Learner
// collects samples for.
var TrackedMetrics = []string{
	"ScrewSpeed_rpm", "Pressure_bar",
	"Temp_Zone1_C", "Temp_Zone2_C", "Temp_Zone3_C", "Temp_Zone4_C",
	"Temp_Avg", "Temp_Spread",
}

// MinSamplesForFinalize is the minimum per-metric sample count
// finalize_baseline requires.
const MinSamplesForFinalize = 100

// PutProfile creates or updates a Profile. If IsActive is true, the
// (machine_id, material_id) uniqueness invariant is enforced inside
// the same transaction: activating a second profile for the same pair
// returns a *governance.Violation and commits nothing.
func (d *DB) PutProfile(p Profile) error {
	if p.ID == "" || p.MaterialID == "" {
		return fmt.Errorf("PutProfile: id and material_id must not be empty")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("PutProfile marshal: %w", err)
	}
	idxKey := compositeKey(p.MachineID, p.MaterialID)

	return d.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketProfilesActiveIdx))
		if p.IsActive {
			if existing := idx.Get(idxKey); existing != nil && string(existing) != p.ID {
				return governance.New(governance.ViolationActiveProfileUniqueness,
					fmt.Sprintf("%s/%s", p.MachineID, p.MaterialID),
					fmt.Sprintf("profile %q is already active for this (machine_id, material_id) pair", string(existing)))
			}
			if err := idx.Put(idxKey, []byte(p.ID)); err != nil {
				return err
			}
		} else {
			if existing := idx.Get(idxKey); existing != nil && string(existing) == p.ID {
				if err := idx.Delete(idxKey); err != nil {
					return err
				}
			}
		}
		return tx.Bucket([]byte(bucketProfiles)).Put([]byte(p.ID), data)
	})
}

// GetProfile retrieves a Profile by id. Returns (nil, nil) if absent.
func (d *DB) GetProfile(id string) (*Profile, error) {
	var p Profile
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketProfiles)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// FindActiveProfile resolves the active profile in order:
// (1) active profile matching both machine and material, else
// (2) active profile with null machine_id matching material, else
// (3) nil.
func (d *DB) FindActiveProfile(machineID, materialID string) (*Profile, error) {
	if p, err := d.activeProfileByIndex(machineID, materialID); err != nil || p != nil {
		return p, err
	}
	return d.activeProfileByIndex("", materialID)
}

func (d *DB) activeProfileByIndex(machineID, materialID string) (*Profile, error) {
	idxKey := compositeKey(machineID, materialID)
	var id string
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketProfilesActiveIdx)).Get(idxKey)
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil || id == "" {
		return nil, err
	}
	return d.GetProfile(id)
}

// ─── Baseline learning lifecycle ──────────────────────────

// StartBaselineLearning sets baseline_learning=true, baseline_ready=false,
// and deletes any existing Samples/Stats for the profile, atomically.
// Fails with a *governance.Violation if already learning.
func (d *DB) StartBaselineLearning(profileID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket([]byte(bucketProfiles))
		raw := profiles.Get([]byte(profileID))
		if raw == nil {
			return fmt.Errorf("StartBaselineLearning: profile %q not found", profileID)
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.BaselineLearning {
			return governance.New(governance.ViolationAlreadyLearning, profileID,
				"start_baseline_learning called while baseline_learning=true")
		}

		if err := deleteByPrefix(tx.Bucket([]byte(bucketBaselineSamples)), []byte(profileID+"\x00")); err != nil {
			return err
		}
		if err := deleteByPrefix(tx.Bucket([]byte(bucketBaselineStats)), []byte(profileID+"\x00")); err != nil {
			return err
		}

		p.BaselineLearning = true
		p.BaselineReady = false
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return profiles.Put([]byte(profileID), data)
	})
}

// CollectSample appends a baseline sample and increments the metric's
// sample_count on its Stats row, creating it if absent. The caller
// (internal/profile) is responsible for gating on baseline_learning
// and PRODUCTION state before calling this; CollectSample itself
// re-checks baseline_learning and returns a *governance.Violation if
// it is false, since writing a Sample while not learning would
// violate the Samples-only-exist-while-learning invariant.
func (d *DB) CollectSample(profileID, metric string, value float64, ts time.Time) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket([]byte(bucketProfiles))
		raw := profiles.Get([]byte(profileID))
		if raw == nil {
			return fmt.Errorf("CollectSample: profile %q not found", profileID)
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if !p.BaselineLearning {
			return governance.New(governance.ViolationBaselineWithoutLearning, profileID,
				fmt.Sprintf("collect_sample(%s) called while baseline_learning=false", metric))
		}

		sample := ProfileBaselineSample{ProfileID: profileID, Metric: metric, Value: value, Timestamp: ts}
		sdata, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		skey := compositeKey(profileID, metric, ts.UTC().Format(time.RFC3339Nano))
		if err := tx.Bucket([]byte(bucketBaselineSamples)).Put(skey, sdata); err != nil {
			return err
		}

		statsBucket := tx.Bucket([]byte(bucketBaselineStats))
		statsKey := compositeKey(profileID, metric)
		var stats ProfileBaselineStats
		if existing := statsBucket.Get(statsKey); existing != nil {
			if err := json.Unmarshal(existing, &stats); err != nil {
				return err
			}
		} else {
			stats = ProfileBaselineStats{ProfileID: profileID, Metric: metric}
		}
		stats.SampleCount++
		stats.LastUpdated = ts
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return statsBucket.Put(statsKey, data)
	})
}

// FinalizeBaseline requires every tracked metric to have reached
// MinSamplesForFinalize samples, computes mean/std/p05/p95 per metric
// over the Samples table, writes Stats, deletes Samples, and sets
// baseline_ready=true, baseline_learning=false. Atomic.
func (d *DB) FinalizeBaseline(profileID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket([]byte(bucketProfiles))
		raw := profiles.Get([]byte(profileID))
		if raw == nil {
			return fmt.Errorf("FinalizeBaseline: profile %q not found", profileID)
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}

		samplesBucket := tx.Bucket([]byte(bucketBaselineSamples))
		statsBucket := tx.Bucket([]byte(bucketBaselineStats))

		perMetric := make(map[string][]float64, len(TrackedMetrics))
		for _, metric := range TrackedMetrics {
			prefix := []byte(profileID + "\x00" + metric + "\x00")
			c := samplesBucket.Cursor()
			var values []float64
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var s ProfileBaselineSample
				if err := json.Unmarshal(v, &s); err != nil {
					return err
				}
				values = append(values, s.Value)
			}
			perMetric[metric] = values
			if len(values) < MinSamplesForFinalize {
				return governance.New(governance.ViolationInsufficientSamples, profileID,
					fmt.Sprintf("metric %q has %d samples, need >= %d", metric, len(values), MinSamplesForFinalize))
			}
		}

		now := time.Now().UTC()
		for metric, values := range perMetric {
			mean, std, p05, p95 := computeStats(values)
			stats := ProfileBaselineStats{
				ProfileID: profileID, Metric: metric,
				Mean: mean, Std: std, P05: p05, P95: p95,
				SampleCount: len(values), LastUpdated: now,
			}
			data, err := json.Marshal(stats)
			if err != nil {
				return err
			}
			if err := statsBucket.Put(compositeKey(profileID, metric), data); err != nil {
				return err
			}
		}

		if err := deleteByPrefix(samplesBucket, []byte(profileID+"\x00")); err != nil {
			return err
		}

		p.BaselineReady = true
		p.BaselineLearning = false
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return profiles.Put([]byte(profileID), data)
	})
}

// ResetBaseline deletes Stats and Samples for the profile and clears
// both flags. archive is reserved for a future archival policy; the
// current implementation always deletes.
func (d *DB) ResetBaseline(profileID string, archive bool) error {
	_ = archive
	return d.db.Update(func(tx *bolt.Tx) error {
		profiles := tx.Bucket([]byte(bucketProfiles))
		raw := profiles.Get([]byte(profileID))
		if raw == nil {
			return fmt.Errorf("ResetBaseline: profile %q not found", profileID)
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}

		if err := deleteByPrefix(tx.Bucket([]byte(bucketBaselineSamples)), []byte(profileID+"\x00")); err != nil {
			return err
		}
		if err := deleteByPrefix(tx.Bucket([]byte(bucketBaselineStats)), []byte(profileID+"\x00")); err != nil {
			return err
		}

		p.BaselineReady = false
		p.BaselineLearning = false
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return profiles.Put([]byte(profileID), data)
	})
}

// GetBaselineStats returns the Stats row for (profileID, metric), or
// (nil, nil) if absent.
func (d *DB) GetBaselineStats(profileID, metric string) (*ProfileBaselineStats, error) {
	var s ProfileBaselineStats
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBaselineStats)).Get(compositeKey(profileID, metric))
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

// PutScoringBand creates or updates the scoring band for a metric.
func (d *DB) PutScoringBand(b ProfileScoringBand) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("PutScoringBand marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketScoringBands)).Put(compositeKey(b.ProfileID, b.Metric), data)
	})
}

// GetScoringBand returns the band for (profileID, metric), or (nil, nil).
func (d *DB) GetScoringBand(profileID, metric string) (*ProfileScoringBand, error) {
	var b ProfileScoringBand
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketScoringBands)).Get(compositeKey(profileID, metric))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &b)
	})
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

// PutMessageTemplate creates or updates an operator-facing message.
func (d *DB) PutMessageTemplate(t ProfileMessageTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("PutMessageTemplate marshal: %w", err)
	}
	key := compositeKey(t.ProfileID, t.Metric, fmt.Sprintf("%d", t.Severity))
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMessageTemplates)).Put(key, data)
	})
}

// GetMessageTemplate returns the template text for
// (profileID, metric, severity), or (nil, nil) if none configured.
func (d *DB) GetMessageTemplate(profileID, metric string, severity Severity) (*ProfileMessageTemplate, error) {
	var t ProfileMessageTemplate
	found := false
	key := compositeKey(profileID, metric, fmt.Sprintf("%d", severity))
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMessageTemplates)).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &t)
	})
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

// deleteByPrefix removes every key in b that starts with prefix.
// bbolt forbids deleting while a cursor iterates, so keys are
// collected first.
func deleteByPrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// computeStats returns mean, sample std (n-1 when n>1, else 0), p05,
// and p95 of values. p05/p95 use linear interpolation between the
// closest ranks of a sorted copy.
func computeStats(values []float64) (mean, std, p05, p95 float64) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)

	if n > 1 {
		var ss float64
		for _, v := range values {
			d := v - mean
			ss += d * d
		}
		std = math.Sqrt(ss / float64(n-1))
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	p05 = percentile(sorted, 0.05)
	p95 = percentile(sorted, 0.95)
	return mean, std, p05, p95
}

// percentile uses linear interpolation between closest ranks over an
// already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
