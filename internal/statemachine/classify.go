package statemachine

import (
	"math"
	"time"

	"github.com/extruderguard/core/internal/config"
)

// faultResult carries the outcome of the sensor-fault predicate.
type faultResult struct {
	isFault bool
	reason  string
}

// sensorFault is the sensor-fault predicate: any temperature
// <= 0°C or > 400°C; pressure exactly 0 while RPM > RPM_PROD; fewer
// than two valid temperature zones; RPM absent; a timestamp more than
// 24h in the future (smaller clock skew is tolerated and processed).
func sensorFault(r Reading, cfg config.DetectorConfig) faultResult {
	if !r.Timestamp.IsZero() && r.Timestamp.After(time.Now().UTC().Add(24*time.Hour)) {
		return faultResult{true, "timestamp_far_future"}
	}
	if r.RPM == nil {
		return faultResult{true, "rpm_absent"}
	}
	for _, t := range []*float64{r.Temp1, r.Temp2, r.Temp3, r.Temp4} {
		if t != nil && (*t <= 0 || *t > 400) {
			return faultResult{true, "temperature_out_of_range"}
		}
	}
	if r.validTempZones() < 2 {
		return faultResult{true, "insufficient_temperature_zones"}
	}
	if r.Pressure != nil && *r.Pressure == 0 && *r.RPM > cfg.RPMProd {
		return faultResult{true, "pressure_zero_at_speed"}
	}
	return faultResult{}
}

// candidate applies the ordered classification rules
// (first match wins, subject to hysteresis applied by the caller).
func candidate(r Reading, cfg config.DetectorConfig) (state State, confidence float64) {
	rpm := floatOr(r.RPM, 0)
	pressure := floatOr(r.Pressure, 0)
	motorLoad := floatOr(r.MotorLoad, 0)
	throughput := floatOr(r.Throughput, 0)
	slope := r.TempSlope
	tempAvg := r.TempAvg

	switch {
	case rpm >= cfg.RPMProd && pressure >= cfg.PressureProd:
		return StateProduction, 0.95

	case rpm >= cfg.RPMProd && (pressure >= cfg.PressureOn || motorLoad >= cfg.MotorLoadMin || throughput >= cfg.ThroughputMin):
		return StateProduction, 0.8

	case rpm < cfg.RPMOn && (tempAvg < cfg.TempMinActive || (r.validTempZones() == 0 && pressure < cfg.PressureOn)):
		return StateOff, 0.85

	case rpm < cfg.RPMOn && tempAvg >= cfg.TempMinActive && slope <= cfg.CoolingRate:
		return StateCooling, 0.8

	case rpm < cfg.RPMProd && tempAvg >= cfg.TempMinActive && slope >= cfg.HeatingRate:
		return StateHeating, 0.8

	case rpm < cfg.RPMOn && tempAvg >= cfg.TempMinActive && pressure <= 1.5*cfg.PressureOn && math.Abs(slope) < cfg.TempFlatRate:
		return StateIdle, 0.75

	default:
		return StateOff, 0.4
	}
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// meetsProductionCriteria feeds the hysteresis tail (entering
// PRODUCTION needs ten consecutive qualifying samples in a 30-sample
// tail). A sample "meets" production if either the primary
// or fallback production rule matches, independent of hysteresis.
func meetsProductionCriteria(r Reading, cfg config.DetectorConfig) bool {
	rpm := floatOr(r.RPM, 0)
	pressure := floatOr(r.Pressure, 0)
	motorLoad := floatOr(r.MotorLoad, 0)
	throughput := floatOr(r.Throughput, 0)
	if rpm < cfg.RPMProd {
		return false
	}
	return pressure >= cfg.PressureProd || pressure >= cfg.PressureOn || motorLoad >= cfg.MotorLoadMin || throughput >= cfg.ThroughputMin
}
