// Package pipeline wires the Historian Poller, Feature Engine,
// Machine-State Detector, Profile Store/Baseline Learner, Evaluator,
// AI Adapter, and Incident Manager into one per-tick pass, one
// pipeline per machine.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/aiadapter"
	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/eventbus"
	"github.com/extruderguard/core/internal/evaluator"
	"github.com/extruderguard/core/internal/features"
	"github.com/extruderguard/core/internal/historian"
	"github.com/extruderguard/core/internal/incident"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/profile"
	"github.com/extruderguard/core/internal/statemachine"
	"github.com/extruderguard/core/internal/storage"
)

// stalenessCheckInterval is how often the manager checks whether the
// configured machine has gone quiet, independent of the poller's own
// tick rate.
const stalenessCheckInterval = 60 * time.Second

// Manager owns the running pipeline for the single machine this core
// instance's historian configuration feeds, plus whatever extra
// machines the registry has seen (e.g. via seed-demo). It implements
// internal/operator.Agent.
type Manager struct {
	cfg     config.Config
	store   *storage.DB
	bus     *eventbus.Bus
	logger  *zap.Logger
	metrics *observability.Metrics

	poller     *historian.Poller
	registry   *statemachine.Registry
	profileSvc *profile.Service
	eval       *evaluator.Evaluator
	ai         *aiadapter.Client
	incidents  *incident.Manager

	machineID string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Manager and all of its subcomponents. It does not
// start anything; call Start.
func New(cfg config.Config, store *storage.DB, bus *eventbus.Bus, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	ai := aiadapter.New(cfg.AIAdapter, logger, metrics)
	return &Manager{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		logger:     logger.Named("pipeline"),
		metrics:    metrics,
		poller:     historian.New(cfg.Historian, store, logger, metrics),
		registry:   statemachine.NewRegistry(cfg.Detector),
		profileSvc: profile.New(store),
		eval:       evaluator.New(cfg.Evaluator, store, ai, metrics),
		ai:         ai,
		incidents:  incident.New(cfg.Incident, store, bus, logger, metrics),
		machineID:  cfg.Historian.MachineID,
	}
}

// Start hydrates the configured machine's detector from its latest
// persisted transition row, then starts the historian poller and the
// staleness-check loop. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel

		m.hydrateDetector(m.machineID)

		if err := m.poller.Start(runCtx, m.handleTick); err != nil {
			startErr = fmt.Errorf("pipeline: start poller: %w", err)
			return
		}

		m.wg.Add(1)
		go m.stalenessLoop(runCtx)

		m.logger.Info("pipeline started", zap.String("machine_id", m.machineID))
	})
	return startErr
}

// Stop gracefully stops the poller and the staleness loop, waiting for
// both to exit. Implements internal/operator.Agent.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		err = m.poller.Stop()
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			m.logger.Warn("pipeline: staleness loop did not stop within bound")
		}
	})
	return err
}

func (m *Manager) stalenessLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(stalenessCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStale(m.machineID, time.Now().UTC())
		}
	}
}

func (m *Manager) checkStale(machineID string, now time.Time) {
	if machineID == "" {
		return
	}
	det := m.registry.Get(machineID)
	info, transition := det.NoNewData(now)
	if transition != nil {
		m.persistTransition(machineID, info, transition, now)
	}
}

func (m *Manager) hydrateDetector(machineID string) {
	if machineID == "" || m.store == nil {
		return
	}
	snap, err := m.store.GetStateSnapshot(machineID)
	if err != nil {
		m.logger.Warn("pipeline: failed to load state snapshot for hydration", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	m.registry.Get(machineID).Hydrate(statemachine.State(snap.State), snap.StateSince, snap.LastUpdated)
}

// handleTick is the historian.TickFunc driving one full pipeline pass
// for one machine. It never returns an error: every step degrades to
// a neutral value or a logged warning rather than aborting the tick.
func (m *Manager) handleTick(ctx context.Context, machineID string, newest historian.Row, window []historian.Row) {
	now := newest.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	fs := features.Compute(window)

	reading := toReading(newest, fs)
	det := m.registry.Get(machineID)
	info, transition := det.Classify(reading)
	if transition != nil {
		m.persistTransition(machineID, info, transition, now)
	}

	if m.metrics != nil {
		m.metrics.MachinesTracked.Set(float64(m.registry.Count()))
	}

	materialID := ""
	if mach, err := m.store.GetMachine(machineID); err == nil && mach != nil {
		materialID = mach.CurrentMaterial()
	}

	var activeProfile *storage.Profile
	if p, err := m.profileSvc.FindActiveProfile(machineID, materialID); err == nil {
		activeProfile = p
	} else {
		m.logger.Warn("pipeline: profile lookup failed", zap.Error(err))
	}

	if info.State == statemachine.StateProduction && activeProfile != nil {
		m.collectBaselineSamples(activeProfile, newest, fs, info.State, now)
	}

	pred, result, err := m.eval.Evaluate(ctx, machineID, info.State, newest, window, fs, activeProfile)
	if err != nil {
		m.logger.Error("pipeline: evaluation failed", zap.Error(err))
		return
	}

	if err := m.store.AppendPrediction(*pred); err != nil {
		// Persistence failures are surfaced but do not abort incident
		// handling for this tick.
		m.logger.Error("pipeline: failed to persist prediction", zap.Error(err))
	} else if m.bus != nil {
		m.bus.Publish(eventbus.EventPredictionCreated, pred)
	}

	// Incident decisions only apply in PRODUCTION: outside it, result.Overall is
	// SeverityUnknown, which must not be fed to the profile classifier
	// as if it were a stable reading and auto-resolve real incidents.
	if info.State == statemachine.StateProduction {
		baselineLearning := activeProfile != nil && activeProfile.BaselineLearning
		m.incidents.Evaluate(machineID, result.Overall, result.MLWarning, pred.ID, baselineLearning, now)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.EventSensorData, newest)
	}
}

// collectBaselineSamples feeds every tracked metric through the
// Baseline Learner gate for one tick, then checks whether finalize is
// now due.
func (m *Manager) collectBaselineSamples(p *storage.Profile, row historian.Row, fs features.Set, state statemachine.State, now time.Time) {
	if !p.BaselineLearning {
		return
	}
	values := map[string]float64{
		"ScrewSpeed_rpm": row.RPM,
		"Pressure_bar":   row.Pressure,
		"Temp_Zone1_C":   row.Temp1,
		"Temp_Zone2_C":   row.Temp2,
		"Temp_Zone3_C":   row.Temp3,
		"Temp_Zone4_C":   row.Temp4,
		"Temp_Avg":       fs.TempAvg,
		"Temp_Spread":    fs.TempSpread,
	}
	for _, metric := range storage.TrackedMetrics {
		v, ok := values[metric]
		if !ok {
			continue
		}
		if err := m.profileSvc.CollectSample(p.ID, metric, v, state, now); err != nil {
			m.logger.Warn("pipeline: collect_sample failed", zap.String("metric", metric), zap.Error(err))
		}
	}
	finalized, err := m.profileSvc.MaybeFinalize(p.ID)
	if err != nil {
		m.logger.Warn("pipeline: finalize_baseline failed", zap.Error(err))
		return
	}
	if finalized {
		m.logger.Info("baseline finalized", zap.String("profile_id", p.ID))
	}
}

func (m *Manager) persistTransition(machineID string, info statemachine.Info, t *statemachine.Transition, now time.Time) {
	snap := storage.MachineStateSnapshot{
		MachineID: machineID, State: string(info.State), Confidence: info.Confidence,
		StateSince: info.StateSince, LastUpdated: info.LastUpdated,
		DerivedMetrics: info.DerivedMetrics, Flags: info.Flags, StateDurationSecs: info.StateDurationSecs,
	}
	if err := m.store.PutStateSnapshot(snap); err != nil {
		m.logger.Error("pipeline: failed to persist state snapshot", zap.Error(err))
	}

	if err := m.store.AppendStateTransition(storage.MachineStateTransition{
		MachineID: machineID, FromState: string(t.From), ToState: string(t.To), At: t.At, Confidence: info.Confidence,
	}); err != nil {
		m.logger.Error("pipeline: failed to append state transition", zap.Error(err))
	}

	alertMsg := fmt.Sprintf("machine %s transitioned %s -> %s", machineID, t.From, t.To)
	if err := m.store.AppendStateAlert(storage.MachineStateAlert{MachineID: machineID, State: string(t.To), Message: alertMsg, At: t.At}); err != nil {
		m.logger.Error("pipeline: failed to append state alert", zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.StateTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.EventStateTransition, snap)
	}
	m.logger.Info("machine state transition", zap.String("machine_id", machineID), zap.String("from", string(t.From)), zap.String("to", string(t.To)))
}

// toReading builds a statemachine.Reading from a raw historian row and
// its derived features. NaN channels (nullable historian columns)
// become nil pointers so the detector's sensor-fault predicate can
// distinguish "absent" from "zero".
func toReading(row historian.Row, fs features.Set) statemachine.Reading {
	r := statemachine.Reading{
		Timestamp: row.Timestamp,
		RPM:       floatPtr(row.RPM),
		Pressure:  floatPtr(row.Pressure),
		Temp1:     floatPtr(row.Temp1),
		Temp2:     floatPtr(row.Temp2),
		Temp3:     floatPtr(row.Temp3),
		Temp4:     floatPtr(row.Temp4),
		TempAvg:   fs.TempAvg,
		TempSlope: fs.TempSlope,
	}
	return r
}

func floatPtr(v float64) *float64 {
	if v != v { // NaN
		return nil
	}
	return &v
}

// SeedDemo populates one demo machine, one demo profile, and a short
// synthetic sample set, so `extruderguard seed-demo && extruderguard
// start` is runnable without a live historian.
func (m *Manager) SeedDemo(ctx context.Context) error {
	machineID := "demo-extruder-01"
	if err := m.store.PutMachine(storage.Machine{
		ID: machineID, Name: "Demo Extruder 01", Status: "running", Criticality: "medium",
		Metadata: map[string]string{"current_material": "pvc-natural"},
	}); err != nil {
		return fmt.Errorf("pipeline.SeedDemo: put machine: %w", err)
	}

	profileID := uuid.New().String()
	if err := m.store.PutProfile(storage.Profile{
		ID: profileID, MachineID: machineID, MaterialID: "pvc-natural", IsActive: true,
	}); err != nil {
		return fmt.Errorf("pipeline.SeedDemo: put profile: %w", err)
	}

	if err := m.store.PutScoringBand(storage.ProfileScoringBand{
		ProfileID: profileID, Metric: "Pressure_bar", Mode: storage.ScoringModeRel, GreenLimit: 3, OrangeLimit: 5,
	}); err != nil {
		return fmt.Errorf("pipeline.SeedDemo: put scoring band: %w", err)
	}

	if err := m.store.StartBaselineLearning(profileID); err != nil {
		return fmt.Errorf("pipeline.SeedDemo: start baseline learning: %w", err)
	}

	now := time.Now().UTC()
	samples := map[string][]float64{
		"ScrewSpeed_rpm": synthetic(85, 1.5, storage.MinSamplesForFinalize),
		"Pressure_bar":   synthetic(30, 0.6, storage.MinSamplesForFinalize),
		"Temp_Zone1_C":   synthetic(179, 0.8, storage.MinSamplesForFinalize),
		"Temp_Zone2_C":   synthetic(180, 0.8, storage.MinSamplesForFinalize),
		"Temp_Zone3_C":   synthetic(180, 0.8, storage.MinSamplesForFinalize),
		"Temp_Zone4_C":   synthetic(179, 0.8, storage.MinSamplesForFinalize),
		"Temp_Avg":       synthetic(179.5, 0.6, storage.MinSamplesForFinalize),
		"Temp_Spread":    synthetic(1.5, 0.3, storage.MinSamplesForFinalize),
	}
	for metric, values := range samples {
		for i, v := range values {
			ts := now.Add(time.Duration(i) * time.Second)
			if err := m.store.CollectSample(profileID, metric, v, ts); err != nil {
				return fmt.Errorf("pipeline.SeedDemo: collect_sample(%s): %w", metric, err)
			}
		}
	}
	if err := m.store.FinalizeBaseline(profileID); err != nil {
		return fmt.Errorf("pipeline.SeedDemo: finalize_baseline: %w", err)
	}

	m.logger.Info("demo machine, profile, and baseline seeded", zap.String("machine_id", machineID), zap.String("profile_id", profileID))
	return nil
}

// synthetic generates a small deterministic pseudo-random-looking
// series centered on mean with the given spread, using a simple
// triangular oscillation rather than math/rand so seed-demo output is
// reproducible run to run.
func synthetic(mean, spread float64, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		phase := float64(i%10) / 10.0
		offset := spread * (2*phase - 1)
		out[i] = mean + offset
	}
	return out
}

// ResetState deletes all alarms and tickets and clears the Incident
// Manager's in-memory tracking. Implements
// internal/operator.Agent.
func (m *Manager) ResetState(ctx context.Context) error {
	if err := m.store.ResetIncidentState(); err != nil {
		return fmt.Errorf("pipeline.ResetState: %w", err)
	}
	m.incidents.Reset()
	m.registry.Reset()
	m.logger.Warn("reset-state executed: alarms, tickets, and incident/detector state cleared")
	return nil
}

// Status returns a JSON-able snapshot of the running agent, consumed
// by the operator `status` command.
func (m *Manager) Status(ctx context.Context) map[string]interface{} {
	pollerStatus := m.poller.Status()
	return map[string]interface{}{
		"node_id":           m.cfg.NodeID,
		"machine_id":        m.machineID,
		"machines_tracked":  m.registry.Count(),
		"poller_configured": pollerStatus.Configured,
		"poller_enabled":    pollerStatus.EffectiveEnabled,
		"poller_window":     pollerStatus.WindowSize,
		"poller_last_error": pollerStatus.LastError,
	}
}
