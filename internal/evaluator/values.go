package evaluator

import (
	"math"

	"github.com/extruderguard/core/internal/features"
	"github.com/extruderguard/core/internal/historian"
)

// metricValue returns the current reading for one tracked metric,
// given the newest row and its derived feature set.
func metricValue(metric string, row historian.Row, fs features.Set) (float64, bool) {
	switch metric {
	case "ScrewSpeed_rpm":
		return coerce(row.RPM), true
	case "Pressure_bar":
		return coerce(row.Pressure), true
	case "Temp_Zone1_C":
		return coerce(row.Temp1), true
	case "Temp_Zone2_C":
		return coerce(row.Temp2), true
	case "Temp_Zone3_C":
		return coerce(row.Temp3), true
	case "Temp_Zone4_C":
		return coerce(row.Temp4), true
	case "Temp_Avg":
		return fs.TempAvg, true
	case "Temp_Spread":
		return fs.TempSpread, true
	default:
		return 0, false
	}
}

// metricSeries extracts one metric's value across every row in the
// window, oldest first, for the stability (10-minute std) computation.
func metricSeries(metric string, rows []historian.Row) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		t1, t2, t3, t4 := coerce(r.Temp1), coerce(r.Temp2), coerce(r.Temp3), coerce(r.Temp4)
		switch metric {
		case "ScrewSpeed_rpm":
			out = append(out, coerce(r.RPM))
		case "Pressure_bar":
			out = append(out, coerce(r.Pressure))
		case "Temp_Zone1_C":
			out = append(out, t1)
		case "Temp_Zone2_C":
			out = append(out, t2)
		case "Temp_Zone3_C":
			out = append(out, t3)
		case "Temp_Zone4_C":
			out = append(out, t4)
		case "Temp_Avg":
			out = append(out, (t1+t2+t3+t4)/4)
		case "Temp_Spread":
			lo, hi := t1, t1
			for _, v := range []float64{t2, t3, t4} {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			out = append(out, hi-lo)
		}
	}
	return out
}

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

func stddevOf(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	m := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}
