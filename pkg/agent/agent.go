// Package agent implements the Node Agent: it supervises the kernel tracer,
// resolves tracer pids/IPs to workload identity, accumulates per-workload
// metric windows and the observed caller/callee edge set, and serves both
// over its scrape HTTP endpoint. Struct shape and run-loop idiom grounded
// on cuemby-warren's worker.Worker (mutex-guarded map state, ticker-driven
// background goroutines, ordered Stop).
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/autoscaler/pkg/config"
	"github.com/cuemby/autoscaler/pkg/identity"
	applog "github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/metrics"
	"github.com/cuemby/autoscaler/pkg/tracer"
	"github.com/cuemby/autoscaler/pkg/types"
)

// Agent is the Node Agent's core state and run loop.
type Agent struct {
	cfg      *config.AgentConfig
	selfPID  int
	tracer   *tracer.Tracer
	resolver *identity.Resolver
	logger   zerolog.Logger

	windowsMu sync.RWMutex
	windows   map[types.WorkloadID]*types.MetricWindow

	edges *types.EdgeSet

	stopCh chan struct{}
}

// New builds an Agent. client is the Kubernetes clientset used for identity
// resolution within cfg.Namespace.
func New(cfg *config.AgentConfig, client kubernetes.Interface, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		selfPID:  os.Getpid(),
		tracer:   tracer.New(cfg.TracerCommand, applog.WithComponent("tracer")),
		resolver: identity.NewResolver(client, cfg.Namespace),
		logger:   logger,
		windows:  make(map[types.WorkloadID]*types.MetricWindow),
		edges:    types.NewEdgeSet(),
		stopCh:   make(chan struct{}),
	}
}

// Start refreshes identity once synchronously (so the first scrape already
// has useful mappings), then launches the identity refresh loop and the
// tracer event loop as background goroutines.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.resolver.Refresh(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial identity refresh failed, continuing with empty tables")
	}

	events, err := a.tracer.Run(ctx)
	if err != nil {
		return err
	}

	go a.refreshLoop(ctx)
	go a.eventLoop(ctx, events)

	a.logger.Info().Str("namespace", a.cfg.Namespace).Msg("node agent started")
	return nil
}

// Stop signals the background loops to exit.
func (a *Agent) Stop() {
	close(a.stopCh)
}

func (a *Agent) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.resolver.Refresh(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("identity refresh failed")
			}
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) eventLoop(ctx context.Context, events <-chan tracer.Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			a.processEvent(event)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) processEvent(event tracer.Event) {
	if event.PID == a.selfPID || event.PID == a.tracer.PID() {
		return
	}

	workload, known := a.resolver.WorkloadForPID(event.PID)

	if event.Type == tracer.EventConn {
		a.handleConn(workload, known, event.DestAddr)
	}

	if !known {
		return
	}

	switch event.Type {
	case tracer.EventLatency:
		metrics.EventsParsedTotal.WithLabelValues("lat").Inc()
		a.windowFor(workload).RecordLatency(event.LatencyMicros)
	case tracer.EventError:
		metrics.EventsParsedTotal.WithLabelValues("err").Inc()
		a.windowFor(workload).RecordError()
	case tracer.EventConn:
		metrics.EventsParsedTotal.WithLabelValues("conn").Inc()
	}
}

func (a *Agent) handleConn(caller types.WorkloadID, callerKnown bool, destAddr string) {
	if !callerKnown {
		return
	}
	callee, calleeKnown := a.resolver.WorkloadForIP(destAddr)
	if !calleeKnown {
		if !strings.HasPrefix(destAddr, "127.") && !strings.HasPrefix(destAddr, "0.0.") {
			a.logger.Debug().Str("caller", string(caller)).Str("dest_ip", destAddr).Msg("unmapped destination IP")
		}
		return
	}
	if caller == callee {
		return
	}
	a.edges.Add(caller, callee)
	applog.WithEdge(string(caller), string(callee)).Debug().Msg("topology edge observed")
}

func (a *Agent) windowFor(workload types.WorkloadID) *types.MetricWindow {
	a.windowsMu.RLock()
	w, ok := a.windows[workload]
	a.windowsMu.RUnlock()
	if ok {
		return w
	}

	a.windowsMu.Lock()
	defer a.windowsMu.Unlock()
	if w, ok := a.windows[workload]; ok {
		return w
	}
	w = types.NewMetricWindow()
	a.windows[workload] = w
	return w
}

// scrapeResponse is the JSON body served on every scrape, matching
// original_source's final_data{metrics, topology} shape.
type scrapeResponse struct {
	Metrics  map[types.WorkloadID]types.WorkloadMetrics `json:"metrics"`
	Topology map[types.WorkloadID][]types.WorkloadID    `json:"topology"`
}

// ScrapeHandler serves the current metric windows (resetting each one read)
// and the topology edge set as JSON.
func (a *Agent) ScrapeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := scrapeResponse{
			Metrics:  a.snapshotAndResetMetrics(),
			Topology: a.edges.Snapshot(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			a.logger.Error().Err(err).Msg("failed to encode scrape response")
		}
	})
}

func (a *Agent) snapshotAndResetMetrics() map[types.WorkloadID]types.WorkloadMetrics {
	a.windowsMu.RLock()
	windows := make(map[types.WorkloadID]*types.MetricWindow, len(a.windows))
	for k, v := range a.windows {
		windows[k] = v
	}
	a.windowsMu.RUnlock()

	out := make(map[types.WorkloadID]types.WorkloadMetrics, len(windows))
	for workload, window := range windows {
		m := window.ScrapeAndReset()
		if m.Count > 0 {
			out[workload] = m
		}
	}
	metrics.WorkloadsTracked.Set(float64(len(out)))
	return out
}
