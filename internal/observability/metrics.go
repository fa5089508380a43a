// Package observability — metrics.go
//
// Prometheus metrics for the extruderguard core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: extruderguard_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
//
// Cardinality control:
//   - Machine/material identifiers are NOT used as labels (unbounded
//     cardinality); only state names, severity levels and request
//     outcomes are.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for extruderguard.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Historian poller ─────────────────────────────────────────────
	PollerTicksTotal        *prometheus.CounterVec // label: outcome (ok, error)
	PollerRowsIngestedTotal prometheus.Counter
	PollerWindowDepth       prometheus.Gauge
	PollerConsecutiveErrors prometheus.Gauge
	PollerLastSuccessTime   prometheus.Gauge

	// ─── Machine-state detector ───────────────────────────────────────
	StateTransitionsTotal *prometheus.CounterVec // labels: from_state, to_state
	MachinesTracked       prometheus.Gauge

	// ─── Evaluator ─────────────────────────────────────────────────────
	EvaluationsTotal *prometheus.CounterVec // label: overall_severity
	RiskScoreHist    prometheus.Histogram
	MLWarningsTotal  prometheus.Counter

	// ─── Incident manager ──────────────────────────────────────────────
	AlarmsCreatedTotal  *prometheus.CounterVec // label: severity
	AlarmsResolvedTotal prometheus.Counter
	TicketsCreatedTotal prometheus.Counter

	// ─── AI adapter ─────────────────────────────────────────────────────
	AIAdapterRequestsTotal *prometheus.CounterVec // label: outcome (ok, timeout, error)
	AIAdapterLatency       prometheus.Histogram

	// ─── Storage ────────────────────────────────────────────────────────
	StorageWriteLatency  prometheus.Histogram
	StorageLedgerEntries prometheus.Gauge

	// ─── Agent ──────────────────────────────────────────────────────────
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all extruderguard Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PollerTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Total historian poll ticks, by outcome.",
		}, []string{"outcome"}),

		PollerRowsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "poller",
			Name:      "rows_ingested_total",
			Help:      "Total historian rows ingested into the rolling window.",
		}),

		PollerWindowDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "poller",
			Name:      "window_depth",
			Help:      "Current number of rows held in the rolling window (last machine polled).",
		}),

		PollerConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "poller",
			Name:      "consecutive_errors",
			Help:      "Current consecutive-failure count driving the backoff schedule.",
		}),

		PollerLastSuccessTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "poller",
			Name:      "last_success_unixtime",
			Help:      "Unix timestamp of the last successful poll.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "detector",
			Name:      "state_transitions_total",
			Help:      "Total machine-state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		MachinesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "detector",
			Name:      "machines_tracked",
			Help:      "Current number of machines with an active state-detector instance.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Total evaluation ticks, by overall severity.",
		}, []string{"overall_severity"}),

		RiskScoreHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extruderguard",
			Subsystem: "evaluator",
			Name:      "risk_score",
			Help:      "Distribution of computed 0-100 risk scores.",
			Buckets:   []float64{0, 10, 20, 33, 40, 50, 60, 66, 75, 90, 100},
		}),

		MLWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "evaluator",
			Name:      "ml_warnings_total",
			Help:      "Total ticks where the ML advisory raised ml_warning.",
		}),

		AlarmsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "incident",
			Name:      "alarms_created_total",
			Help:      "Total alarms created, by severity.",
		}, []string{"severity"}),

		AlarmsResolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "incident",
			Name:      "alarms_resolved_total",
			Help:      "Total alarms resolved.",
		}),

		TicketsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "incident",
			Name:      "tickets_created_total",
			Help:      "Total tickets created.",
		}),

		AIAdapterRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extruderguard",
			Subsystem: "aiadapter",
			Name:      "requests_total",
			Help:      "Total AI adapter requests, by outcome.",
		}, []string{"outcome"}),

		AIAdapterLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extruderguard",
			Subsystem: "aiadapter",
			Name:      "latency_seconds",
			Help:      "AI adapter request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extruderguard",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of append-only ledger entries (predictions + transitions).",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "extruderguard",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.PollerTicksTotal,
		m.PollerRowsIngestedTotal,
		m.PollerWindowDepth,
		m.PollerConsecutiveErrors,
		m.PollerLastSuccessTime,
		m.StateTransitionsTotal,
		m.MachinesTracked,
		m.EvaluationsTotal,
		m.RiskScoreHist,
		m.MLWarningsTotal,
		m.AlarmsCreatedTotal,
		m.AlarmsResolvedTotal,
		m.TicketsCreatedTotal,
		m.AIAdapterRequestsTotal,
		m.AIAdapterLatency,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
