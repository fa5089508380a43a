package aiadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
)

func TestPredict_EmptyBaseURLDegradesToEmptyResponse(t *testing.T) {
	c := New(config.AIAdapterConfig{Timeout: time.Second}, zap.NewNop(), nil)
	resp, err := c.Predict(context.Background(), Request{MachineID: "m1"})
	if err != nil {
		t.Fatalf("expected no error with an empty base URL, got %v", err)
	}
	if resp.Raw != nil {
		t.Fatalf("expected a bare empty Response, got %+v", resp)
	}
}

func TestPredict_TolerantDecodingOfLooseSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","score":0.42,"unexpected_field":{"nested":true}}`))
	}))
	defer srv.Close()

	c := New(config.AIAdapterConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop(), nil)
	resp, err := c.Predict(context.Background(), Request{MachineID: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "ok" || resp.Score != 0.42 {
		t.Fatalf("expected tagged fields to decode despite unknown fields present, got %+v", resp)
	}
	if resp.Raw["unexpected_field"] == nil {
		t.Fatalf("expected the raw reply to retain unrecognized fields")
	}
}

func TestPredict_DegradesOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.AIAdapterConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop(), nil)
	resp, err := c.Predict(context.Background(), Request{MachineID: "m1"})
	if err != nil {
		t.Fatalf("expected no error on a non-2xx reply, got %v", err)
	}
	if resp.Raw != nil {
		t.Fatalf("expected an empty Response on a non-2xx reply, got %+v", resp)
	}
}

func TestPredict_DegradesOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(config.AIAdapterConfig{BaseURL: srv.URL, Timeout: 5 * time.Millisecond}, zap.NewNop(), nil)
	resp, err := c.Predict(context.Background(), Request{MachineID: "m1"})
	if err != nil {
		t.Fatalf("expected no error on timeout (degrade instead), got %v", err)
	}
	if resp.Raw != nil {
		t.Fatalf("expected an empty Response on timeout, got %+v", resp)
	}
}
