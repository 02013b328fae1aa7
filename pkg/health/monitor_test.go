package health

import (
	"context"
	"testing"
	"time"
)

// fixedChecker always returns the same Result, for exercising Monitor
// without a real dependency.
type fixedChecker struct {
	healthy bool
}

func (f fixedChecker) Check(ctx context.Context) Result {
	return Result{Healthy: f.healthy, CheckedAt: time.Now()}
}

func (f fixedChecker) Type() CheckType {
	return CheckTypeExec
}

func TestMonitor_HealthyBeforeFirstPoll(t *testing.T) {
	m := NewMonitor(fixedChecker{healthy: false}, DefaultConfig())
	if !m.Healthy() {
		t.Error("expected healthy before any poll has run")
	}
}

func TestMonitor_FlipsUnhealthyAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 2
	m := NewMonitor(fixedChecker{healthy: false}, cfg)

	m.poll(context.Background())
	if !m.Healthy() {
		t.Error("expected healthy after a single failure, below retry threshold")
	}

	m.poll(context.Background())
	if m.Healthy() {
		t.Error("expected unhealthy after reaching retry threshold")
	}
}

func TestMonitor_SingleSuccessRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 1
	checker := &toggleChecker{healthy: false}
	m := NewMonitor(checker, cfg)

	m.poll(context.Background())
	if m.Healthy() {
		t.Error("expected unhealthy after the first failure")
	}

	checker.healthy = true
	m.poll(context.Background())
	if !m.Healthy() {
		t.Error("expected a single success to recover health immediately")
	}
}

func TestMonitor_StartPeriodSuppressesFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 1
	cfg.StartPeriod = time.Hour
	m := NewMonitor(fixedChecker{healthy: false}, cfg)

	m.poll(context.Background())
	if !m.Healthy() {
		t.Error("expected healthy during start period regardless of check result")
	}
}

// toggleChecker lets a test flip the result between polls.
type toggleChecker struct {
	healthy bool
}

func (c *toggleChecker) Check(ctx context.Context) Result {
	return Result{Healthy: c.healthy, CheckedAt: time.Now()}
}

func (c *toggleChecker) Type() CheckType {
	return CheckTypeExec
}
