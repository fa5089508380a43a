package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics_RegistersWithoutPanicAndLabelsResolve(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected NewMetrics to return a non-nil Metrics")
	}

	m.PollerTicksTotal.WithLabelValues("ok").Inc()
	m.StateTransitionsTotal.WithLabelValues("OFF", "HEATING").Inc()
	m.EvaluationsTotal.WithLabelValues("red").Inc()
	m.AlarmsCreatedTotal.WithLabelValues("critical").Inc()
	m.AIAdapterRequestsTotal.WithLabelValues("timeout").Inc()
	m.MachinesTracked.Set(3)
	m.RiskScoreHist.Observe(42)
}

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestServeMetrics_ExposesMetricsAndHealthzEndpoints(t *testing.T) {
	m := NewMetrics()
	m.MachinesTracked.Set(1)

	addr := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.ServeMetrics(ctx, addr) }()

	deadline := time.Now().Add(2 * time.Second)
	var resp *http.Response
	var err error
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("read /metrics body: %v", err)
	}
	if !strings.Contains(string(body), "extruderguard_detector_machines_tracked") {
		t.Fatalf("expected the machines_tracked gauge to appear in the exposition, got:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeMetrics returned an error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeMetrics did not shut down within the timeout")
	}
}
