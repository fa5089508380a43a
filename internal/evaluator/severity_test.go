package evaluator

import (
	"testing"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/storage"
)

func testEvalCfg() config.EvaluatorConfig {
	return config.Defaults().Evaluator
}

func TestTempSpreadSeverity_Boundaries(t *testing.T) {
	cfg := testEvalCfg()
	cases := []struct {
		spread float64
		want   storage.Severity
	}{
		{5.0, storage.SeverityGreen},
		{5.0001, storage.SeverityOrange},
		{8.0, storage.SeverityOrange},
		{8.0001, storage.SeverityRed},
	}
	for _, tc := range cases {
		if got := tempSpreadSeverity(tc.spread, cfg); got != tc.want {
			t.Errorf("tempSpreadSeverity(%v) = %v, want %v", tc.spread, got, tc.want)
		}
	}
}

func TestFinalSeverity_StabilityOnlyRaisesNeverLowers(t *testing.T) {
	cases := []struct {
		rule, stability, want storage.Severity
	}{
		{storage.SeverityGreen, storage.SeverityUnknown, storage.SeverityGreen},
		{storage.SeverityGreen, storage.SeverityOrange, storage.SeverityOrange},
		{storage.SeverityGreen, storage.SeverityRed, storage.SeverityRed},
		{storage.SeverityRed, storage.SeverityGreen, storage.SeverityRed},
		{storage.SeverityOrange, storage.SeverityRed, storage.SeverityRed},
		{storage.SeverityRed, storage.SeverityOrange, storage.SeverityRed},
	}
	for _, tc := range cases {
		if got := finalSeverity(tc.rule, tc.stability); got != tc.want {
			t.Errorf("finalSeverity(rule=%v, stability=%v) = %v, want %v", tc.rule, tc.stability, got, tc.want)
		}
	}
}

func TestStabilitySeverity_RequiresMinimumSamplesAndBaseline(t *testing.T) {
	cfg := testEvalCfg()
	if got := stabilitySeverity(10, 5, 2, cfg); got != storage.SeverityUnknown {
		t.Errorf("expected UNKNOWN with fewer than 3 samples, got %v", got)
	}
	if got := stabilitySeverity(10, 0, 10, cfg); got != storage.SeverityUnknown {
		t.Errorf("expected UNKNOWN with zero baseline std, got %v", got)
	}
	if got := stabilitySeverity(1, 1, 10, cfg); got != storage.SeverityGreen {
		t.Errorf("expected GREEN at ratio 1.0, got %v", got)
	}
}

func TestRuleSeverity_UnknownWithoutBaselineStats(t *testing.T) {
	cfg := testEvalCfg()
	if got := ruleSeverity("Pressure_bar", 30, nil, nil, 0, cfg); got != storage.SeverityUnknown {
		t.Errorf("expected UNKNOWN with no baseline stats, got %v", got)
	}
}

func TestRuleSeverity_AbsoluteBand(t *testing.T) {
	cfg := testEvalCfg()
	stats := &storage.ProfileBaselineStats{Mean: 30, Std: 2}
	band := &storage.ProfileScoringBand{Mode: storage.ScoringModeAbs, GreenLimit: 1, OrangeLimit: 3}

	if got := ruleSeverity("Pressure_bar", 30.5, stats, band, 0, cfg); got != storage.SeverityGreen {
		t.Errorf("expected GREEN within the absolute green band, got %v", got)
	}
	if got := ruleSeverity("Pressure_bar", 34, stats, band, 0, cfg); got != storage.SeverityRed {
		t.Errorf("expected RED beyond the absolute orange band, got %v", got)
	}
}
