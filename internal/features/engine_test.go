package features

import (
	"math"
	"testing"
	"time"

	"github.com/extruderguard/core/internal/historian"
)

func rowAt(ts time.Time, rpm, pressure, t1, t2, t3, t4 float64) historian.Row {
	return historian.Row{Timestamp: ts, RPM: rpm, Pressure: pressure, Temp1: t1, Temp2: t2, Temp3: t3, Temp4: t4}
}

func TestCompute_EmptyAndSingleRow(t *testing.T) {
	if got := Compute(nil); got != (Set{}) {
		t.Fatalf("expected zeroed Set for empty input, got %+v", got)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	single := Compute([]historian.Row{rowAt(base, 50, 5, 180, 182, 178, 180)})
	if single.TempAvg == 0 {
		t.Fatalf("expected a non-zero TempAvg for a single row, got %+v", single)
	}
}

func TestCompute_TempSpreadBoundaries(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		temps  [4]float64
		expect float64
	}{
		{"exactly_5", [4]float64{180, 180, 180, 185}, 5.0},
		{"just_above_5", [4]float64{180, 180, 180, 185.0001}, 5.0001},
		{"exactly_8", [4]float64{175, 180, 180, 183}, 8.0},
		{"just_above_8", [4]float64{174.9999, 180, 180, 183}, 8.0001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := []historian.Row{
				rowAt(base, 50, 5, tc.temps[0], tc.temps[1], tc.temps[2], tc.temps[3]),
				rowAt(base.Add(time.Second), 50, 5, tc.temps[0], tc.temps[1], tc.temps[2], tc.temps[3]),
			}
			set := Compute(rows)
			if math.Abs(set.TempSpread-tc.expect) > 1e-6 {
				t.Errorf("expected TempSpread %.4f, got %.4f", tc.expect, set.TempSpread)
			}
		})
	}
}

func TestCompute_NaNAndInfCoercion(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []historian.Row{
		rowAt(base, math.NaN(), math.Inf(1), 180, 180, 180, 180),
		rowAt(base.Add(time.Second), 50, math.Inf(-1), 180, 180, 180, 180),
	}
	set := Compute(rows)
	if math.IsNaN(set.RPMAvg) || math.IsInf(set.PressureAvg, 0) {
		t.Fatalf("expected NaN/Inf inputs to be coerced to finite values, got %+v", set)
	}
}

func TestCompute_DriftScoreRespondsToTemperatureDeviation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var steady []historian.Row
	for i := 0; i < 10; i++ {
		steady = append(steady, rowAt(base.Add(time.Duration(i)*time.Second), 50, 30, 180, 180, 180, 180))
	}
	flat := Compute(steady)
	if flat.DriftScore > 1e-9 {
		t.Fatalf("expected ~0 drift score when pressure and temperature are both flat, got %f", flat.DriftScore)
	}

	var spiking []historian.Row
	for i := 0; i < 9; i++ {
		spiking = append(spiking, rowAt(base.Add(time.Duration(i)*time.Second), 50, 30, 180, 180, 180, 180))
	}
	spiking = append(spiking, rowAt(base.Add(9*time.Second), 50, 30, 220, 220, 220, 220))
	spiked := Compute(spiking)

	if spiked.DriftScore <= flat.DriftScore {
		t.Fatalf("expected a temperature spike on the last row to raise DriftScore above the flat baseline, got %f (flat=%f)", spiked.DriftScore, flat.DriftScore)
	}
	if spiked.DriftScore <= 0 {
		t.Fatalf("expected a positive DriftScore purely from a temperature deviation with steady pressure, got %f", spiked.DriftScore)
	}
}

func TestCompute_RPMPressureCorrelation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []historian.Row
	for i := 0; i < 10; i++ {
		v := float64(i)
		rows = append(rows, rowAt(base.Add(time.Duration(i)*time.Second), v, v, 180, 180, 180, 180))
	}
	set := Compute(rows)
	if set.RPMPressureCorr < 0.9 {
		t.Fatalf("expected near-perfect positive correlation, got %f", set.RPMPressureCorr)
	}
}
