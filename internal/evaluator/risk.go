package evaluator

import (
	"fmt"

	"github.com/extruderguard/core/internal/storage"
)

// overallRisk computes the weighted 0-100 risk score. sP, sTavg,
// sTspread are the final severities of Pressure_bar, Temp_Avg, and
// Temp_Spread; sStab is the representative stability severity
// (Pressure_bar's stability if defined, else the rounded mean of
// every defined per-metric stability severity). Returns (score,
// overall, ok) — ok is false when any input is UNKNOWN, in which case
// the caller falls back to the worst per-metric final severity.
func overallRisk(sP, sTavg, sTspread, sStab storage.Severity) (score float64, overall storage.Severity, ok bool) {
	if sP < 0 || sTavg < 0 || sTspread < 0 || sStab < 0 {
		return 0, storage.SeverityUnknown, false
	}
	raw := 25*float64(sP) + 25*float64(sTavg) + 25*float64(sTspread) + 25*float64(sStab)
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	switch {
	case raw <= 33:
		overall = storage.SeverityGreen
	case raw <= 66:
		overall = storage.SeverityOrange
	default:
		overall = storage.SeverityRed
	}
	return raw, overall, true
}

// representativeStability picks Pressure_bar's stability severity if
// defined, else the rounded mean of every other defined stability
// severity.
func representativeStability(stabilities map[string]storage.Severity) storage.Severity {
	if s, ok := stabilities["Pressure_bar"]; ok && s >= 0 {
		return s
	}
	var sum, count int
	for _, s := range stabilities {
		if s >= 0 {
			sum += int(s)
			count++
		}
	}
	if count == 0 {
		return storage.SeverityUnknown
	}
	avg := float64(sum) / float64(count)
	return storage.Severity(int(avg + 0.5))
}

// processStatusText maps overall severity to operator text. ML warnings
// never influence this text.
func processStatusText(overall storage.Severity) string {
	switch overall {
	case storage.SeverityGreen:
		return "Process stable"
	case storage.SeverityOrange:
		return "Process drifting from baseline"
	case storage.SeverityRed:
		return "High risk of instability or scrap"
	default:
		return "Process status unknown"
	}
}

// explanationText picks the metric with the highest final severity and
// renders its message template for that severity; falling back to a
// mean±std default when no template is configured.
func explanationText(store *storage.DB, profileID string, finals map[string]storage.Severity, stats map[string]*storage.ProfileBaselineStats) string {
	worstMetric := ""
	worstSeverity := storage.SeverityUnknown
	for metric, sev := range finals {
		if sev > worstSeverity {
			worstSeverity = sev
			worstMetric = metric
		}
	}
	if worstMetric == "" {
		return processStatusText(storage.SeverityGreen)
	}

	if store != nil && profileID != "" {
		if tmpl, err := store.GetMessageTemplate(profileID, worstMetric, worstSeverity); err == nil && tmpl != nil {
			return tmpl.Text
		}
	}

	if s := stats[worstMetric]; s != nil {
		return fmt.Sprintf("%s is %s (baseline %.2f ± %.2f)", worstMetric, worstSeverity, s.Mean, s.Std)
	}
	return fmt.Sprintf("%s is %s", worstMetric, worstSeverity)
}
