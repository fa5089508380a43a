// Package profile implements the Profile Store & Baseline Learner
// service layer: profile lookup and the baseline-learning lifecycle,
// gating sample collection on machine state and the fixed
// tracked-metric set. The atomic persistence itself (Samples/Stats
// CRUD, the active-profile uniqueness index) lives in internal/storage;
// this package is the baseline-learning policy layer on top of it.
package profile

import (
	"fmt"
	"time"

	"github.com/extruderguard/core/internal/statemachine"
	"github.com/extruderguard/core/internal/storage"
)

// Service wraps a *storage.DB with the Baseline Learner's gating rules.
type Service struct {
	store *storage.DB
}

// New constructs a Service.
func New(store *storage.DB) *Service {
	return &Service{store: store}
}

// FindActiveProfile resolves (machine, material) to an active
// profile: exact match first, then the material default.
func (s *Service) FindActiveProfile(machineID, materialID string) (*storage.Profile, error) {
	return s.store.FindActiveProfile(machineID, materialID)
}

// StartBaselineLearning delegates directly; see storage.StartBaselineLearning.
func (s *Service) StartBaselineLearning(profileID string) error {
	return s.store.StartBaselineLearning(profileID)
}

// CollectSample enforces the learning gate: collection happens only
// when machineState == PRODUCTION and metric is one of the fixed
// tracked metrics; a call failing either check is a silent no-op, not
// an error. baseline_learning is checked atomically by storage, which
// returns a *governance.Violation when it is false.
func (s *Service) CollectSample(profileID, metric string, value float64, machineState statemachine.State, ts time.Time) error {
	if machineState != statemachine.StateProduction {
		return nil
	}
	if !isTrackedMetric(metric) {
		return nil
	}
	return s.store.CollectSample(profileID, metric, value, ts)
}

// FinalizeBaseline delegates directly; see storage.FinalizeBaseline.
func (s *Service) FinalizeBaseline(profileID string) error {
	return s.store.FinalizeBaseline(profileID)
}

// ResetBaseline delegates directly; see storage.ResetBaseline.
func (s *Service) ResetBaseline(profileID string, archive bool) error {
	return s.store.ResetBaseline(profileID, archive)
}

// MaybeFinalize checks whether every tracked metric has reached
// storage.MinSamplesForFinalize and, if so, finalizes the baseline.
// Returns (finalized, error). Called by the pipeline after each
// CollectSample so finalize_baseline fires automatically the tick the
// threshold is crossed.
func (s *Service) MaybeFinalize(profileID string) (bool, error) {
	for _, metric := range storage.TrackedMetrics {
		stats, err := s.store.GetBaselineStats(profileID, metric)
		if err != nil {
			return false, fmt.Errorf("profile.MaybeFinalize: %w", err)
		}
		if stats == nil || stats.SampleCount < storage.MinSamplesForFinalize {
			return false, nil
		}
	}
	if err := s.store.FinalizeBaseline(profileID); err != nil {
		return false, err
	}
	return true, nil
}

func isTrackedMetric(metric string) bool {
	for _, m := range storage.TrackedMetrics {
		if m == metric {
			return true
		}
	}
	return false
}
