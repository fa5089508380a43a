// Package evaluator implements the Evaluator's four-step decision
// hierarchy: rule-based severity, stability severity,
// ML-advisory consumption, and a weighted overall risk score.
package evaluator

import (
	"math"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/storage"
)

// ruleSeverity computes the per-metric rule-based severity.
// Temp_Spread always uses the fixed thresholds and ignores
// stats/band. Every other tracked metric needs the profile's baseline
// Stats and is UNKNOWN without them. With a bound Profile Scoring Band
// the band's mode (ABS/REL/ZSCORE) applies; with no band it falls back
// to a z-score against the baseline mean and std, using windowStd only
// when the baseline std is zero. The rolling-window mean is not used.
func ruleSeverity(metric string, value float64, stats *storage.ProfileBaselineStats, band *storage.ProfileScoringBand, windowStd float64, cfg config.EvaluatorConfig) storage.Severity {
	if metric == "Temp_Spread" {
		return tempSpreadSeverity(value, cfg)
	}

	if stats == nil {
		return storage.SeverityUnknown
	}

	mode := storage.ScoringModeZScore
	greenLimit, orangeLimit := 0.0, 0.0
	if band != nil {
		mode = band.Mode
		greenLimit, orangeLimit = band.GreenLimit, band.OrangeLimit
	}
	if mode == storage.ScoringModeRel && greenLimit == 0 && orangeLimit == 0 {
		greenLimit, orangeLimit = cfg.GenericGreenPct, cfg.GenericOrangePct
	}

	switch mode {
	case storage.ScoringModeAbs:
		diff := math.Abs(value - stats.Mean)
		return bandSeverity(diff, greenLimit, orangeLimit)

	case storage.ScoringModeRel:
		if stats.Mean == 0 {
			return storage.SeverityUnknown
		}
		pct := 100 * math.Abs(value-stats.Mean) / math.Abs(stats.Mean)
		return bandSeverity(pct, greenLimit, orangeLimit)

	default: // ScoringModeZScore
		std := stats.Std
		if std == 0 {
			std = windowStd
		}
		if std == 0 {
			return storage.SeverityUnknown
		}
		z := math.Abs(value-stats.Mean) / std
		switch {
		case z <= 1:
			return storage.SeverityGreen
		case z <= 2:
			return storage.SeverityOrange
		default:
			return storage.SeverityRed
		}
	}
}

func bandSeverity(v, green, orange float64) storage.Severity {
	switch {
	case v <= green:
		return storage.SeverityGreen
	case v <= orange:
		return storage.SeverityOrange
	default:
		return storage.SeverityRed
	}
}

// tempSpreadSeverity applies the fixed-threshold rule for
// Temp_Spread: <=5C GREEN, <=8C ORANGE, >8C RED. Boundary values are
// inclusive on the lower side.
func tempSpreadSeverity(spread float64, cfg config.EvaluatorConfig) storage.Severity {
	switch {
	case spread <= cfg.TempSpreadGreenC:
		return storage.SeverityGreen
	case spread <= cfg.TempSpreadOrangeC:
		return storage.SeverityOrange
	default:
		return storage.SeverityRed
	}
}

// stabilitySeverity scores process stability: ratio of
// current (10-minute sliding window) std to baseline std. Requires a
// non-zero baseline std and at least 3 samples in currentStd's window
// (enforced by the caller via sampleCount); otherwise UNKNOWN.
func stabilitySeverity(currentStd, baselineStd float64, sampleCount int, cfg config.EvaluatorConfig) storage.Severity {
	if sampleCount < 3 || baselineStd <= 0 {
		return storage.SeverityUnknown
	}
	ratio := currentStd / baselineStd
	switch {
	case ratio <= cfg.StabilityGreenRatio:
		return storage.SeverityGreen
	case ratio <= cfg.StabilityOrangeRatio:
		return storage.SeverityOrange
	default:
		return storage.SeverityRed
	}
}

// finalSeverity implements the decision hierarchy's rule+stability
// merge: stability can only raise severity, and
// only takes effect once it reaches ORANGE or above.
func finalSeverity(rule, stability storage.Severity) storage.Severity {
	final := rule
	if stability >= storage.SeverityOrange {
		if final == storage.SeverityGreen {
			final = stability
		} else if stability > final {
			final = stability
		}
	}
	return final
}

// maxSeverity returns the worse of two severities, treating UNKNOWN as
// lower than GREEN. finalSeverity does not use it.
func maxSeverity(a, b storage.Severity) storage.Severity {
	if b > a {
		return b
	}
	return a
}
