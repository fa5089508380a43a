// Package features implements the stateless derived-metric engine:
// deterministic statistics over the poller's rolling window, with
// NaN/Inf coercion so every returned float is finite.
package features

import (
	"math"
	"time"

	"github.com/extruderguard/core/internal/historian"
)

// Set is one window's worth of derived metrics.
type Set struct {
	RPMAvg, RPMStd, RPMDeltaLast, RPMDeltaMA                     float64
	PressureAvg, PressureStd, PressureDeltaLast, PressureDeltaMA float64

	TempAvg    float64
	TempSpread float64
	TempSlope  float64 // °C/min

	RPMPressureCorr float64 // Pearson correlation over the window

	DriftScore float64 // [0,1]
}

// windowMetric is an internal helper view over one channel's values
// extracted from a historian.Row slice.
type windowMetric struct {
	values []float64
}

func extract(rows []historian.Row, pick func(historian.Row) float64) windowMetric {
	vals := make([]float64, len(rows))
	for i, r := range rows {
		vals[i] = coerce(pick(r))
	}
	return windowMetric{values: vals}
}

// coerce maps NaN to 0 and ±Inf to ±10.
func coerce(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return 10
	}
	if math.IsInf(v, -1) {
		return -10
	}
	return v
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// stddev returns the population standard deviation (unlike the
// profile baseline, the feature engine does not distinguish
// population/sample variants since it always operates over the full
// available window, not a fixed-size training sample).
func stddev(vals []float64, m float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)))
}

func pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 3 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := range a {
		x := a[i] - ma
		y := b[i] - mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	r := num / math.Sqrt(da*db)
	return coerce(r)
}

// Compute derives a Set from rows (oldest first). A single row yields
// only TempAvg and TempSpread; no rows yields a zeroed Set.
func Compute(rows []historian.Row) Set {
	if len(rows) < 2 {
		if len(rows) == 1 {
			r := rows[0]
			t1, t2, t3, t4 := coerce(r.Temp1), coerce(r.Temp2), coerce(r.Temp3), coerce(r.Temp4)
			avg, spread := tempAvgSpread(t1, t2, t3, t4)
			return Set{TempAvg: avg, TempSpread: spread}
		}
		return Set{}
	}

	rpm := extract(rows, func(r historian.Row) float64 { return r.RPM })
	pressure := extract(rows, func(r historian.Row) float64 { return r.Pressure })

	rpmAvg := mean(rpm.values)
	pressureAvg := mean(pressure.values)
	rpmStd := stddev(rpm.values, rpmAvg)
	pressureStd := stddev(pressure.values, pressureAvg)

	n := len(rows)
	rpmDeltaLast := coerce(rpm.values[n-1] - rpm.values[n-2])
	pressureDeltaLast := coerce(pressure.values[n-1] - pressure.values[n-2])
	rpmDeltaMA := coerce(rpm.values[n-1] - rpmAvg)
	pressureDeltaMA := coerce(pressure.values[n-1] - pressureAvg)

	lastRow := rows[n-1]
	t1, t2, t3, t4 := coerce(lastRow.Temp1), coerce(lastRow.Temp2), coerce(lastRow.Temp3), coerce(lastRow.Temp4)
	tempAvg, tempSpread := tempAvgSpread(t1, t2, t3, t4)

	slope := temperatureSlope(rows)

	corr := pearson(rpm.values, pressure.values)

	windowTempAvg := meanTempAvg(rows)
	tempDeltaMA := coerce(tempAvg - windowTempAvg)
	drift := driftScore(pressureDeltaMA, pressureAvg, tempDeltaMA, windowTempAvg)

	return Set{
		RPMAvg: coerce(rpmAvg), RPMStd: coerce(rpmStd),
		RPMDeltaLast: rpmDeltaLast, RPMDeltaMA: rpmDeltaMA,
		PressureAvg: coerce(pressureAvg), PressureStd: coerce(pressureStd),
		PressureDeltaLast: pressureDeltaLast, PressureDeltaMA: pressureDeltaMA,
		TempAvg: tempAvg, TempSpread: tempSpread, TempSlope: slope,
		RPMPressureCorr: corr,
		DriftScore:      drift,
	}
}

func tempAvgSpread(t1, t2, t3, t4 float64) (avg, spread float64) {
	vals := []float64{t1, t2, t3, t4}
	avg = coerce(mean(vals))
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	spread = coerce(hi - lo)
	return avg, spread
}

// temperatureSlope compares the current Temp_Avg to the mean of
// samples 5-6 minutes old, in °C/min.
func temperatureSlope(rows []historian.Row) float64 {
	n := len(rows)
	newest := rows[n-1]
	t1, t2, t3, t4 := coerce(newest.Temp1), coerce(newest.Temp2), coerce(newest.Temp3), coerce(newest.Temp4)
	currentAvg, _ := tempAvgSpread(t1, t2, t3, t4)

	lowerBound := newest.Timestamp.Add(-6 * time.Minute)
	upperBound := newest.Timestamp.Add(-5 * time.Minute)

	var sum float64
	var count int
	for _, r := range rows {
		if r.Timestamp.Before(lowerBound) || r.Timestamp.After(upperBound) {
			continue
		}
		a, _ := tempAvgSpread(coerce(r.Temp1), coerce(r.Temp2), coerce(r.Temp3), coerce(r.Temp4))
		sum += a
		count++
	}
	if count == 0 {
		return 0
	}
	pastAvg := sum / float64(count)
	slope := (currentAvg - pastAvg) / 5.5 // °C over ~5.5 minutes -> °C/min
	return coerce(slope)
}

// meanTempAvg returns the mean of each row's Temp_Avg across the
// window, i.e. the moving average that the current reading's Temp_Avg
// is compared against by driftScore (analogous to pressureAvg).
func meanTempAvg(rows []historian.Row) float64 {
	sum := 0.0
	for _, r := range rows {
		avg, _ := tempAvgSpread(coerce(r.Temp1), coerce(r.Temp2), coerce(r.Temp3), coerce(r.Temp4))
		sum += avg
	}
	return sum / float64(len(rows))
}

// driftScore combines normalized absolute deltas of pressure and
// temperature against their moving averages into a single [0,1]
// scalar. tempDeltaMA is the current Temp_Avg minus the window's
// moving average of Temp_Avg, mirroring pressureDeltaMA/pressureAvg.
func driftScore(pressureDeltaMA, pressureAvg, tempDeltaMA, windowTempAvg float64) float64 {
	pNorm := 0.0
	if pressureAvg != 0 {
		pNorm = math.Abs(pressureDeltaMA) / math.Abs(pressureAvg)
	}
	tNorm := 0.0
	if windowTempAvg != 0 {
		tNorm = math.Abs(tempDeltaMA) / math.Abs(windowTempAvg)
	}
	score := (pNorm + tNorm) / 2
	if score > 1 {
		score = 1
	}
	if score < 0 || math.IsNaN(score) {
		score = 0
	}
	return score
}
