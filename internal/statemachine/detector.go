package statemachine

import (
	"sync"
	"time"

	"github.com/extruderguard/core/internal/config"
)

// productionTail is the fixed 30-sample lookback used for the
// PRODUCTION entry hysteresis rule.
const productionTail = 30

// productionTailMinMet is the minimum run of consecutive
// PRODUCTION-meeting samples required within productionTail.
const productionTailMinMet = 10

type tailSample struct {
	meetsProduction bool
}

// Detector is one machine's state-machine instance. The zero value is
// not usable; construct with NewDetector. Not safe to share a single
// Detector across machines — the Registry owns one per machine ID.
type Detector struct {
	cfg config.DetectorConfig

	mu             sync.Mutex
	state          State
	stateSince     time.Time
	lastUpdated    time.Time
	lastConfidence float64
	lastDerived    map[string]float64

	tail []tailSample // capped at productionTail

	// pending tracks a candidate state different from the current one,
	// and when it was first observed, for non-PRODUCTION debounce.
	pendingState State
	pendingSince time.Time

	// prodCandidateSince tracks how long PRODUCTION has been the
	// candidate, for the entry dwell timer.
	prodCandidateSince time.Time

	// prodUnmetSince tracks how long the machine has failed to meet
	// PRODUCTION criteria while state == PRODUCTION, for the exit dwell
	// timer. Zero means currently meeting (or not in PRODUCTION).
	prodUnmetSince time.Time
}

// NewDetector creates a Detector starting in OFF.
func NewDetector(cfg config.DetectorConfig) *Detector {
	now := time.Now().UTC()
	return &Detector{cfg: cfg, state: StateOff, stateSince: now, lastUpdated: now}
}

// Hydrate sets the detector's starting state from the latest
// persisted transition row, without re-running hysteresis.
func (d *Detector) Hydrate(state State, stateSince, lastUpdated time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.stateSince = stateSince
	d.lastUpdated = lastUpdated
}

// Transition is returned alongside Info when Classify/NoNewData causes
// a state change, so the caller can persist a transition record and
// emit an operator-visible alert.
type Transition struct {
	From, To State
	At       time.Time
}

// Classify processes one new reading and returns the resulting Info
// plus a non-nil Transition if the reported state changed.
func (d *Detector) Classify(r Reading) (Info, *Transition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := r.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	d.lastDerived = derivedOf(r)

	if fault := sensorFault(r, d.cfg); fault.isFault {
		return d.applyCandidate(StateOff, 0.3, now, []string{"sensor_fault", fault.reason}, r)
	}

	cand, conf := candidate(r, d.cfg)
	flags := []string{}

	meets := meetsProductionCriteria(r, d.cfg)
	d.tail = append(d.tail, tailSample{meetsProduction: meets})
	if len(d.tail) > productionTail {
		d.tail = d.tail[len(d.tail)-productionTail:]
	}

	return d.applyHysteresis(cand, conf, now, flags, r, meets)
}

// NoNewData is called when a tick elapses without a new reading for
// this machine (poller produced no row). If the staleness window has
// elapsed, the detector reports OFF with low confidence and a "stale"
// flag; otherwise the last known Info is
// returned with its duration refreshed.
func (d *Detector) NoNewData(now time.Time) (Info, *Transition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastUpdated.IsZero() && now.Sub(d.lastUpdated) > d.cfg.StaleAfter {
		return d.applyCandidate(StateOff, 0.2, now, []string{"stale"}, Reading{})
	}
	return d.currentInfo(now, nil), nil
}

// applyHysteresis decides whether the candidate actually takes effect
// this tick.
func (d *Detector) applyHysteresis(cand State, conf float64, now time.Time, flags []string, r Reading, meets bool) (Info, *Transition) {
	switch {
	case d.state == StateProduction:
		if cand == StateProduction || meets {
			d.prodUnmetSince = time.Time{}
			d.lastConfidence = conf
			return d.currentInfo(now, flags), nil
		}
		if d.prodUnmetSince.IsZero() {
			d.prodUnmetSince = now
		}
		if now.Sub(d.prodUnmetSince) < d.cfg.ProdExitTime {
			return d.currentInfo(now, append(flags, "production_exit_pending")), nil
		}
		d.prodUnmetSince = time.Time{}
		return d.transitionTo(cand, conf, now, flags)

	case cand == StateProduction:
		if d.prodCandidateSince.IsZero() {
			d.prodCandidateSince = now
		}
		elapsed := now.Sub(d.prodCandidateSince)
		metInTail := countMet(d.tail)
		enterByTail := elapsed >= d.cfg.ProdEnterTime && metInTail >= productionTailMinMet
		enterByBuffer := elapsed >= d.cfg.ProdEnterTime && len(d.tail) >= productionTailMinMet
		if enterByTail || enterByBuffer {
			d.prodCandidateSince = time.Time{}
			return d.transitionTo(StateProduction, conf, now, flags)
		}
		return d.currentInfo(now, append(flags, "production_entry_pending")), nil

	default:
		d.prodCandidateSince = time.Time{}
		if cand == d.state {
			d.pendingState = ""
			d.lastConfidence = conf
			return d.currentInfo(now, flags), nil
		}
		if d.pendingState != cand {
			d.pendingState = cand
			d.pendingSince = now
			return d.currentInfo(now, append(flags, "transition_pending")), nil
		}
		if now.Sub(d.pendingSince) < d.cfg.StateDebounce {
			return d.currentInfo(now, append(flags, "transition_pending")), nil
		}
		d.pendingState = ""
		return d.transitionTo(cand, conf, now, flags)
	}
}

// applyCandidate forces an immediate transition, bypassing debounce —
// used for sensor-fault and staleness, both of which must report
// instantly rather than wait out hysteresis.
func (d *Detector) applyCandidate(state State, confidence float64, now time.Time, flags []string, r Reading) (Info, *Transition) {
	_ = r
	if state == d.state {
		return d.currentInfo(now, flags), nil
	}
	return d.transitionTo(state, confidence, now, flags)
}

func (d *Detector) transitionTo(state State, confidence float64, now time.Time, flags []string) (Info, *Transition) {
	from := d.state
	d.state = state
	d.stateSince = now
	d.lastUpdated = now
	d.lastConfidence = confidence
	info := d.currentInfo(now, flags)
	return info, &Transition{From: from, To: state, At: now}
}

func (d *Detector) currentInfo(now time.Time, flags []string) Info {
	d.lastUpdated = now
	return Info{
		State:             d.state,
		Confidence:        d.lastConfidence,
		StateSince:        d.stateSince,
		LastUpdated:       now,
		DerivedMetrics:    d.lastDerived,
		Flags:             flags,
		StateDurationSecs: now.Sub(d.stateSince).Seconds(),
	}
}

// derivedOf snapshots the reading's decision inputs for persistence
// alongside the state.
func derivedOf(r Reading) map[string]float64 {
	m := map[string]float64{
		"temp_avg":   r.TempAvg,
		"temp_slope": r.TempSlope,
	}
	if r.RPM != nil {
		m["rpm"] = *r.RPM
	}
	if r.Pressure != nil {
		m["pressure"] = *r.Pressure
	}
	return m
}

// countMet returns the longest run of consecutive PRODUCTION-meeting
// samples in tail.
func countMet(tail []tailSample) int {
	best, run := 0, 0
	for _, t := range tail {
		if !t.meetsProduction {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}
