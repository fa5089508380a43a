// Package incident implements the Incident Manager:
// converts the Evaluator's continuous severity stream into a calm
// stream of at-most-one alarm and at-most-one ticket per incident,
// with dwell-time, cooldown, dedup, and baseline-learning suppression.
package incident

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/eventbus"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/storage"
)

// profileClass is the incident-manager's internal 0-3 wear
// classification, distinct from storage.Profile.
type profileClass int

const (
	profileNormal profileClass = iota
	profileEarlyWear
	profileAdvancedWear
	profileFault
)

// machineTrack holds the per-machine incident bookkeeping
// (current profile class, since when, last seen).
type machineTrack struct {
	currentProfile profileClass
	profileSince   time.Time
	lastSeen       time.Time

	lastAlarmAt map[string]time.Time // incident_key -> last alarm trigger (cooldown)
}

// Manager owns the per-machine tracking state and talks to storage for
// alarm/ticket persistence. Incident decisions are best-effort: any
// failure is logged and the tick's Prediction persistence proceeds
// regardless.
type Manager struct {
	cfg     config.IncidentConfig
	store   *storage.DB
	bus     *eventbus.Bus
	logger  *zap.Logger
	metrics *observability.Metrics

	tracks map[string]*machineTrack
}

// New constructs a Manager.
func New(cfg config.IncidentConfig, store *storage.DB, bus *eventbus.Bus, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg: cfg, store: store, bus: bus,
		logger:  logger.Named("incident"),
		metrics: metrics,
		tracks:  make(map[string]*machineTrack),
	}
}

// classify maps an overall severity/risk reading into the 0-3 wear
// classification the policy table operates on. profile 3 ("fault") is
// reserved for a RED overall severity combined with an ml_warning;
// profile 2 is plain RED, profile 1 is ORANGE, profile 0 is GREEN or
// UNKNOWN (no active incident to track while the state gate is closed).
func classify(overall storage.Severity, mlWarning bool) profileClass {
	switch overall {
	case storage.SeverityRed:
		if mlWarning {
			return profileFault
		}
		return profileAdvancedWear
	case storage.SeverityOrange:
		return profileEarlyWear
	default:
		return profileNormal
	}
}

// Evaluate applies the calm-control policy for one machine's tick.
// baselineLearning must reflect the active profile's current flag.
// Errors are logged internally and never returned — see Manager's
// failure-semantics note above.
func (m *Manager) Evaluate(machineID string, overall storage.Severity, mlWarning bool, predictionID string, baselineLearning bool, now time.Time) {
	track, ok := m.tracks[machineID]
	if !ok {
		track = &machineTrack{currentProfile: profileNormal, profileSince: now, lastAlarmAt: map[string]time.Time{}}
		m.tracks[machineID] = track
	}
	track.lastSeen = now

	cls := classify(overall, mlWarning)
	if cls != track.currentProfile {
		track.currentProfile = cls
		track.profileSince = now
	}
	elapsed := now.Sub(track.profileSince)

	switch cls {
	case profileNormal:
		if elapsed >= m.cfg.Profile0ResolveAfter {
			m.resolveActiveIncidents(machineID, now)
		}
		return

	case profileEarlyWear:
		if elapsed < m.cfg.Profile1WarnAfter {
			return
		}
		m.maybeCreateAlarm(machineID, "profile1:early_wear", storage.AlarmWarning, predictionID, baselineLearning, false, now, track)

	case profileAdvancedWear:
		if elapsed < m.cfg.Profile2CriticalAfter {
			return
		}
		m.maybeCreateAlarmDedupForever(machineID, "profile2:advanced_wear", storage.AlarmCritical, predictionID, baselineLearning, true, now, track)

	case profileFault:
		m.maybeCreateAlarm(machineID, "profile3:fault_event", storage.AlarmCritical, predictionID, baselineLearning, elapsed >= m.cfg.Profile3TicketAfter, now, track)
	}
}

func (m *Manager) incidentKey(machineID, suffix string) string {
	return fmt.Sprintf("%s:%s", machineID, suffix)
}

func (m *Manager) maybeCreateAlarm(machineID, suffix string, severity storage.AlarmSeverity, predictionID string, baselineLearning bool, wantTicket bool, now time.Time, track *machineTrack) {
	m.createAlarm(machineID, suffix, severity, predictionID, baselineLearning, wantTicket, false, now, track)
}

// maybeCreateAlarmDedupForever is maybeCreateAlarm's profile2 variant:
// once an incident_key has ever fired under this policy, it never
// fires again, even after the alarm resolves and the condition later
// recurs. Profile 1 and profile 3 incidents dedup only while open.
func (m *Manager) maybeCreateAlarmDedupForever(machineID, suffix string, severity storage.AlarmSeverity, predictionID string, baselineLearning bool, wantTicket bool, now time.Time, track *machineTrack) {
	m.createAlarm(machineID, suffix, severity, predictionID, baselineLearning, wantTicket, true, now, track)
}

func (m *Manager) createAlarm(machineID, suffix string, severity storage.AlarmSeverity, predictionID string, baselineLearning bool, wantTicket bool, dedupForever bool, now time.Time, track *machineTrack) {
	if baselineLearning {
		// Alarms are suppressed while the active profile is
		// learning its baseline.
		return
	}
	key := m.incidentKey(machineID, suffix)

	if dedupForever {
		marked, err := m.store.IsIncidentKeyPermanentlyDeduped(key)
		if err != nil {
			m.logger.Error("incident: failed to check permanent dedup", zap.String("incident_key", key), zap.Error(err))
			return
		}
		if marked {
			return
		}
	}

	if last, ok := track.lastAlarmAt[key]; ok && now.Sub(last) < m.cfg.AlarmCooldown {
		return
	}

	candidate := storage.Alarm{
		ID: uuid.New().String(), MachineID: machineID, PredictionID: predictionID,
		Severity: severity, Message: defaultAlarmMessage(suffix), TriggeredAt: now,
	}
	alarm, created, err := m.store.FindOrCreateOpenAlarm(key, candidate)
	if err != nil {
		m.logger.Error("incident: failed to create alarm", zap.String("incident_key", key), zap.Error(err))
		return
	}
	if created {
		track.lastAlarmAt[key] = now
		if dedupForever {
			if err := m.store.MarkIncidentKeyPermanentlyDeduped(key); err != nil {
				m.logger.Error("incident: failed to mark permanent dedup", zap.String("incident_key", key), zap.Error(err))
			}
		}
		if m.metrics != nil {
			m.metrics.AlarmsCreatedTotal.WithLabelValues(string(severity)).Inc()
		}
		if m.bus != nil {
			m.bus.Publish(eventbus.EventAlarmCreated, alarm)
		}
	}

	if wantTicket {
		m.maybeCreateTicket(machineID, key, alarm.ID, now)
	}
}

func (m *Manager) maybeCreateTicket(machineID, incidentKey, alarmID string, now time.Time) {
	candidate := storage.Ticket{ID: uuid.New().String(), AlarmID: alarmID, MachineID: machineID, CreatedAt: now, Status: "open"}
	_, created, err := m.store.CreateTicketIfAbsent(incidentKey, candidate)
	if err != nil {
		m.logger.Error("incident: failed to create ticket", zap.String("incident_key", incidentKey), zap.Error(err))
		return
	}
	if created {
		if m.metrics != nil {
			m.metrics.TicketsCreatedTotal.Inc()
		}
		if m.bus != nil {
			m.bus.Publish(eventbus.EventTicketCreated, candidate)
		}
	}
}

// resolveRecoveredNote is the operator-facing note attached on
// Profile-0 recovery.
const resolveRecoveredNote = "recovered to Profile 0 (stable)"

// resolveActiveIncidents resolves every open alarm for machineID with
// the recovery note.
func (m *Manager) resolveActiveIncidents(machineID string, now time.Time) {
	alarms, err := m.store.ListOpenAlarmsForMachine(machineID)
	if err != nil {
		m.logger.Error("incident: failed to list open alarms", zap.Error(err))
		return
	}
	for _, a := range alarms {
		if err := m.store.ResolveAlarm(a.ID, resolveRecoveredNote); err != nil {
			m.logger.Error("incident: failed to resolve alarm", zap.String("alarm_id", a.ID), zap.Error(err))
			continue
		}
		if m.metrics != nil {
			m.metrics.AlarmsResolvedTotal.Inc()
		}
		if m.bus != nil {
			resolved := a
			resolved.Status = storage.AlarmResolved
			resolved.ResolvedNote = resolveRecoveredNote
			m.bus.Publish(eventbus.EventAlarmResolved, resolved)
		}
	}
}

func defaultAlarmMessage(suffix string) string {
	switch suffix {
	case "profile1:early_wear":
		return "Process drifting into early wear"
	case "profile2:advanced_wear":
		return "Advanced wear detected"
	case "profile3:fault_event":
		return "Fault condition detected"
	default:
		return "Incident detected"
	}
}

// Reset clears all in-memory tracking state for the reset-state
// admin command. Does not touch persisted alarms/tickets; those are
// cleared separately by the caller.
func (m *Manager) Reset() {
	m.tracks = make(map[string]*machineTrack)
}
