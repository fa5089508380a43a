// Package statemachine implements the Machine-State Detector: a
// five-state FSM with hysteresis/dwell timers and a process-wide
// registry keyed by machine ID (an explicit registry object, no
// module-global map).
package statemachine

import "time"

// State is one of the five operating regimes.
type State string

const (
	StateOff        State = "OFF"
	StateHeating    State = "HEATING"
	StateIdle       State = "IDLE"
	StateProduction State = "PRODUCTION"
	StateCooling    State = "COOLING"
)

func (s State) String() string { return string(s) }

// Reading is one classified-input row: the raw channels plus the
// derived features the detector needs. RPM/Pressure use pointers so
// "absent" is distinguishable from a genuine zero reading.
type Reading struct {
	Timestamp time.Time

	RPM      *float64
	Pressure *float64
	Temp1    *float64
	Temp2    *float64
	Temp3    *float64
	Temp4    *float64

	MotorLoad  *float64
	Throughput *float64

	TempAvg   float64
	TempSlope float64 // °C/min
}

// validTempZones counts non-nil temperature channels.
func (r Reading) validTempZones() int {
	n := 0
	for _, t := range []*float64{r.Temp1, r.Temp2, r.Temp3, r.Temp4} {
		if t != nil {
			n++
		}
	}
	return n
}

// Info is the detector's output.
type Info struct {
	State             State
	Confidence        float64
	StateSince        time.Time
	LastUpdated       time.Time
	DerivedMetrics    map[string]float64
	Flags             []string
	StateDurationSecs float64
}
