package evaluator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/extruderguard/core/internal/aiadapter"
	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/features"
	"github.com/extruderguard/core/internal/historian"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/statemachine"
	"github.com/extruderguard/core/internal/storage"
)

// MetricResult is one tracked metric's full decision-hierarchy output.
type MetricResult struct {
	Value     float64
	Rule      storage.Severity
	Stability storage.Severity
	Final     storage.Severity
	MLWarning bool
	MLScore   float64
}

// Result is one evaluation tick's complete output.
type Result struct {
	State             statemachine.State
	PerMetric         map[string]MetricResult
	Overall           storage.Severity
	RiskScore         *float64
	ProcessStatus     string
	ProcessStatusText string
	MLWarning         bool
	ExplanationText   string
	TempAvg           float64
	TempSpread        float64
}

// Evaluator runs the four-step decision hierarchy once per tick.
type Evaluator struct {
	cfg     config.EvaluatorConfig
	store   *storage.DB
	ai      *aiadapter.Client
	metrics *observability.Metrics
}

// New constructs an Evaluator. ai may be nil to disable the AI
// Adapter step entirely (it already degrades gracefully per-call).
func New(cfg config.EvaluatorConfig, store *storage.DB, ai *aiadapter.Client, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{cfg: cfg, store: store, ai: ai, metrics: metrics}
}

// Evaluate runs one tick. window must be non-empty and end with row.
// profile may be nil (no active profile configured for this machine).
func (e *Evaluator) Evaluate(ctx context.Context, machineID string, state statemachine.State, row historian.Row, window []historian.Row, fs features.Set, profile *storage.Profile) (*storage.Prediction, *Result, error) {
	now := row.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if state != statemachine.StateProduction {
		result := &Result{
			State:      state,
			PerMetric:  map[string]MetricResult{},
			Overall:    storage.SeverityUnknown,
			TempAvg:    fs.TempAvg,
			TempSpread: fs.TempSpread,
		}
		pred := e.buildPrediction(machineID, row, fs, result, nil)
		return pred, result, nil
	}

	statsByMetric := map[string]*storage.ProfileBaselineStats{}
	bandByMetric := map[string]*storage.ProfileScoringBand{}
	if profile != nil && e.store != nil {
		for _, metric := range storage.TrackedMetrics {
			if s, err := e.store.GetBaselineStats(profile.ID, metric); err == nil {
				statsByMetric[metric] = s
			}
			if b, err := e.store.GetScoringBand(profile.ID, metric); err == nil {
				bandByMetric[metric] = b
			}
		}
	}

	advisory, _ := computeMLAdvisory(e.store, machineID, now, e.cfg)

	perMetric := map[string]MetricResult{}
	stabilities := map[string]storage.Severity{}

	for _, metric := range storage.TrackedMetrics {
		value, ok := metricValue(metric, row, fs)
		if !ok {
			continue
		}

		series := metricSeries(metric, recentWindow(window, now, 10*time.Minute))
		currentStd := stddevOf(series)

		var baselineStd float64
		if s := statsByMetric[metric]; s != nil {
			baselineStd = s.Std
		}

		rule := ruleSeverity(metric, value, statsByMetric[metric], bandByMetric[metric], currentStd, e.cfg)
		stability := stabilitySeverity(currentStd, baselineStd, len(series), e.cfg)
		final := finalSeverity(rule, stability)
		mlScore := advisory.scores[metric]
		mlWarn := advisory.warningFor(metric, e.cfg)

		perMetric[metric] = MetricResult{
			Value: value, Rule: rule, Stability: stability, Final: final,
			MLWarning: mlWarn, MLScore: mlScore,
		}
		stabilities[metric] = stability
	}

	sP := safeFinal(perMetric, "Pressure_bar")
	sTavg := safeFinal(perMetric, "Temp_Avg")
	sTspread := safeFinal(perMetric, "Temp_Spread")
	sStab := representativeStability(stabilities)

	var riskPtr *float64
	var overall storage.Severity
	if score, ov, ok := overallRisk(sP, sTavg, sTspread, sStab); ok {
		riskPtr = &score
		overall = ov
	} else {
		overall = worstFinal(perMetric)
	}

	result := &Result{
		State:             state,
		PerMetric:         perMetric,
		Overall:           overall,
		RiskScore:         riskPtr,
		ProcessStatus:     overall.String(),
		ProcessStatusText: processStatusText(overall),
		MLWarning:         advisory.mlWarning,
		TempAvg:           fs.TempAvg,
		TempSpread:        fs.TempSpread,
	}

	profileID := ""
	if profile != nil {
		profileID = profile.ID
	}
	result.ExplanationText = explanationText(e.store, profileID, finalsOf(perMetric), statsByMetric)

	var aiReply *aiadapter.Response
	if e.ai != nil {
		var pID, mID string
		if profile != nil {
			pID = profile.ID
			mID = profile.MaterialID
		}
		reply, err := e.ai.Predict(ctx, aiadapter.Request{
			SensorID:  "", MachineID: machineID, Timestamp: now, Value: row.Pressure,
			Context:   map[string]interface{}{"readings": rowToMap(row)},
			ProfileID: pID, MaterialID: mID, BaselineStats: statsToMap(statsByMetric),
		})
		if err == nil && reply.Raw != nil {
			aiReply = reply
		}
	}

	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(overall.String()).Inc()
		if riskPtr != nil {
			e.metrics.RiskScoreHist.Observe(*riskPtr)
		}
		if result.MLWarning {
			e.metrics.MLWarningsTotal.Inc()
		}
	}

	pred := e.buildPrediction(machineID, row, fs, result, aiReply)
	return pred, result, nil
}

func (e *Evaluator) buildPrediction(machineID string, row historian.Row, fs features.Set, result *Result, aiReply *aiadapter.Response) *storage.Prediction {
	// contributing_features is fixed at the Prediction boundary as
	// metric -> normalized [0,1] contribution:
	// the AI Adapter's verbatim reply wins when present, else the
	// Evaluator's own per-metric severity is used as a proxy weight.
	contributing := map[string]float64{}
	if aiReply != nil && len(aiReply.ContributingFeatures) > 0 {
		for metric, score := range aiReply.ContributingFeatures {
			contributing[metric] = score
		}
	} else {
		for metric, mr := range result.PerMetric {
			contributing[metric] = float64(mr.Final) / 2.0
		}
	}

	score := 0.0
	if result.RiskScore != nil {
		score = *result.RiskScore / 100.0
	}

	meta := map[string]interface{}{
		"raw_reading": rowToMap(row),
		"derived":     fs,
	}

	var anomalyType, modelVersion string
	var rul *float64
	var responseTimeMS float64
	if aiReply != nil {
		meta["ai_reply"] = aiReply.Raw
		anomalyType = aiReply.AnomalyType
		modelVersion = aiReply.ModelVersion
		rul = aiReply.RUL
		responseTimeMS = aiReply.ResponseTimeMS
	}

	return &storage.Prediction{
		ID:                   uuid.New().String(),
		MachineID:            machineID,
		Timestamp:            row.Timestamp,
		PredictedLabel:       result.ProcessStatus,
		Score:                score,
		Confidence:           1.0,
		AnomalyType:          anomalyType,
		ModelVersion:         modelVersion,
		RemainingUsefulLife:  rul,
		ResponseTimeMS:       responseTimeMS,
		ContributingFeatures: contributing,
		Metadata:             meta,
	}
}

func recentWindow(window []historian.Row, now time.Time, lookback time.Duration) []historian.Row {
	cutoff := now.Add(-lookback)
	var out []historian.Row
	for _, r := range window {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func safeFinal(perMetric map[string]MetricResult, metric string) storage.Severity {
	if mr, ok := perMetric[metric]; ok {
		return mr.Final
	}
	return storage.SeverityUnknown
}

func worstFinal(perMetric map[string]MetricResult) storage.Severity {
	worst := storage.SeverityUnknown
	for _, mr := range perMetric {
		if mr.Final > worst {
			worst = mr.Final
		}
	}
	return worst
}

func finalsOf(perMetric map[string]MetricResult) map[string]storage.Severity {
	out := make(map[string]storage.Severity, len(perMetric))
	for metric, mr := range perMetric {
		out[metric] = mr.Final
	}
	return out
}

func rowToMap(row historian.Row) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": row.Timestamp,
		"rpm":       row.RPM,
		"pressure":  row.Pressure,
		"temp1":     row.Temp1,
		"temp2":     row.Temp2,
		"temp3":     row.Temp3,
		"temp4":     row.Temp4,
	}
}

func statsToMap(stats map[string]*storage.ProfileBaselineStats) map[string]interface{} {
	out := map[string]interface{}{}
	for metric, s := range stats {
		if s == nil {
			continue
		}
		out[metric] = map[string]float64{"mean": s.Mean, "std": s.Std, "p05": s.P05, "p95": s.P95}
	}
	return out
}
