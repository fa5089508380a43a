package historian

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
)

func TestRecordFailure_SchedulesExponentialBackoff(t *testing.T) {
	p := New(config.Defaults().Historian, nil, zap.NewNop(), nil)

	before := time.Now().UTC()
	p.recordFailure(errors.New("connect refused"))
	afterFirst := p.nextAllowedAttempt
	if !afterFirst.After(before) {
		t.Fatalf("expected recordFailure to schedule nextAllowedAttempt in the future, got %v (before=%v)", afterFirst, before)
	}
	if got := afterFirst.Sub(before); got < 1*time.Second || got > 3*time.Second {
		t.Fatalf("expected ~2^1=2s backoff after the first failure, got %v", got)
	}

	p.recordFailure(errors.New("connect refused again"))
	afterSecond := p.nextAllowedAttempt
	if !afterSecond.After(afterFirst) {
		t.Fatalf("expected the second failure's backoff to push nextAllowedAttempt further out, got %v (first=%v)", afterSecond, afterFirst)
	}
}

func TestRecordFailure_CapsAtMaxBackoff(t *testing.T) {
	p := New(config.Defaults().Historian, nil, zap.NewNop(), nil)

	for i := 0; i < 20; i++ {
		p.recordFailure(errors.New("persistent failure"))
	}
	now := time.Now().UTC()
	gotBackoff := p.nextAllowedAttempt.Sub(now)
	if gotBackoff > maxBackoff+time.Second {
		t.Fatalf("expected backoff to be capped at %v, got %v", maxBackoff, gotBackoff)
	}
}

func TestRecordFailure_LeavesNextAttemptInFuture(t *testing.T) {
	p := New(config.Defaults().Historian, nil, zap.NewNop(), nil)
	p.recordFailure(errors.New("connect refused"))

	if !time.Now().UTC().Before(p.nextAllowedAttempt) {
		t.Fatal("expected nextAllowedAttempt to remain in the future immediately after a failure, so run()'s loop skips the next tick")
	}
}
