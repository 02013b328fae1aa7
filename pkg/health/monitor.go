package health

import (
	"context"
	"sync"
	"time"
)

// Monitor polls a Checker on Config.Interval and folds each Result into a
// flap-protected Status, so a single slow response on an otherwise healthy
// dependency doesn't flip /healthz and trigger a restart. Config.Retries
// consecutive failures are required before Monitor reports unhealthy; a
// single success flips it back immediately. Config.StartPeriod suppresses
// failures entirely while the dependency is still expected to be starting.
type Monitor struct {
	checker Checker
	cfg     Config

	mu     sync.RWMutex
	status *Status
}

// NewMonitor builds a Monitor around checker using cfg's interval, timeout,
// retry, and start-period settings.
func NewMonitor(checker Checker, cfg Config) *Monitor {
	return &Monitor{checker: checker, cfg: cfg, status: NewStatus()}
}

// Run polls the checker every cfg.Interval until ctx is cancelled. Intended
// to run as a background goroutine alongside the binary's HTTP server.
func (m *Monitor) Run(ctx context.Context) {
	m.poll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	result := m.checker.Check(checkCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Update(result, m.cfg)
}

// Healthy reports the current flap-protected health status. While still
// within the configured start period it always reports healthy, giving a
// slow-starting dependency time to come up before its failures count.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status.InStartPeriod(m.cfg) {
		return true
	}
	return m.status.Healthy
}
