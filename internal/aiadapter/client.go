// Package aiadapter implements the AI Adapter: a stateless
// HTTP client to an external, optional anomaly-detection service.
// This package is the only outbound HTTP caller in the core.
package aiadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/observability"
)

// Request is the payload POSTed to {base}/predict.
type Request struct {
	SensorID      string                 `json:"sensor_id,omitempty"`
	MachineID     string                 `json:"machine_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Value         float64                `json:"value"`
	Context       map[string]interface{} `json:"context"`
	ProfileID     string                 `json:"profile_id,omitempty"`
	MaterialID    string                 `json:"material_id,omitempty"`
	BaselineStats map[string]interface{} `json:"baseline_stats,omitempty"`
}

// Response is the tagged subset of the free-form reply the Evaluator
// consumes. Raw preserves the full decoded reply for
// Prediction.Metadata forensics; unknown fields are retained there but
// otherwise ignored.
type Response struct {
	Status               string             `json:"status"`
	Score                float64            `json:"score"`
	Confidence           float64            `json:"confidence"`
	AnomalyType          string             `json:"anomaly_type,omitempty"`
	ModelVersion         string             `json:"model_version,omitempty"`
	RUL                  *float64           `json:"rul,omitempty"`
	ResponseTimeMS       float64            `json:"response_time_ms,omitempty"`
	ContributingFeatures map[string]float64 `json:"contributing_features,omitempty"`

	Raw map[string]interface{} `json:"-"`
}

// Client is the stateless AI Adapter HTTP client. The zero value is
// not usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New constructs a Client. An empty baseURL disables the adapter:
// Predict immediately returns an empty Response rather than attempting
// a request.
func New(cfg config.AIAdapterConfig, logger *zap.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("aiadapter"),
		metrics: metrics,
	}
}

// Predict POSTs req to {base}/predict. Any timeout or non-2xx response
// yields an empty Response and a nil error — the pipeline proceeds
// without the ML signal rather than fail the tick.
func (c *Client) Predict(ctx context.Context, req Request) (*Response, error) {
	if c.baseURL == "" {
		return &Response{}, nil
	}

	start := time.Now()
	body, err := json.Marshal(req)
	if err != nil {
		return &Response{}, fmt.Errorf("aiadapter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return &Response{}, fmt.Errorf("aiadapter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	c.observe(start, err)
	if err != nil {
		c.logger.Warn("ai adapter request failed", zap.Error(err))
		return &Response{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("ai adapter non-2xx response", zap.Int("status", resp.StatusCode))
		if c.metrics != nil {
			c.metrics.AIAdapterRequestsTotal.WithLabelValues("error").Inc()
		}
		return &Response{}, nil
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		c.logger.Warn("ai adapter response decode failed", zap.Error(err))
		return &Response{}, nil
	}

	out := &Response{Raw: raw}
	if v, ok := raw["status"].(string); ok {
		out.Status = v
	}
	if v, ok := raw["score"].(float64); ok {
		out.Score = v
	}
	if v, ok := raw["confidence"].(float64); ok {
		out.Confidence = v
	}
	if v, ok := raw["anomaly_type"].(string); ok {
		out.AnomalyType = v
	}
	if v, ok := raw["model_version"].(string); ok {
		out.ModelVersion = v
	}
	if v, ok := raw["rul"].(float64); ok {
		out.RUL = &v
	}
	if v, ok := raw["response_time_ms"].(float64); ok {
		out.ResponseTimeMS = v
	}
	if v, ok := raw["contributing_features"].(map[string]interface{}); ok {
		out.ContributingFeatures = map[string]float64{}
		for k, n := range v {
			if f, ok := n.(float64); ok {
				out.ContributingFeatures[k] = f
			}
		}
	}

	if c.metrics != nil {
		c.metrics.AIAdapterRequestsTotal.WithLabelValues("ok").Inc()
	}
	return out, nil
}

// Health checks GET {base}/health, returning an error if the service
// is unreachable or unhealthy.
func (c *Client) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("aiadapter: no base url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("aiadapter: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aiadapter: health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) observe(start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.AIAdapterLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.AIAdapterRequestsTotal.WithLabelValues("timeout").Inc()
	}
}
