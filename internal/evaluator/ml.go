package evaluator

import (
	"time"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/storage"
)

// mlAdvisory holds the per-metric anomaly scores observed in recent
// predictions, plus the overall warning flag.
type mlAdvisory struct {
	scores    map[string]float64
	mlWarning bool
}

// computeMLAdvisory queries recent predictions for the machine
// (last 30 min, at most 10 rows) and extracts each metric's
// contributing-feature score. A score > 0.7 for any metric raises both
// that metric's warning and the overall ml_warning; per the decision
// hierarchy, ML warnings never alter final severity.
func computeMLAdvisory(store *storage.DB, machineID string, now time.Time, cfg config.EvaluatorConfig) (mlAdvisory, error) {
	adv := mlAdvisory{scores: map[string]float64{}}
	if store == nil {
		return adv, nil
	}
	since := now.Add(-cfg.MLLookback)
	preds, err := store.ListRecentPredictionsForMachine(machineID, since, cfg.MLMaxRows)
	if err != nil {
		return adv, err
	}
	for _, p := range preds {
		for metric, score := range p.ContributingFeatures {
			if score > adv.scores[metric] {
				adv.scores[metric] = score
			}
			if score > cfg.MLWarningThreshold {
				adv.mlWarning = true
			}
		}
	}
	return adv, nil
}

func (a mlAdvisory) warningFor(metric string, cfg config.EvaluatorConfig) bool {
	return a.scores[metric] > cfg.MLWarningThreshold
}
