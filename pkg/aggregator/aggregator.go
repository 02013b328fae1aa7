// Package aggregator implements the Aggregator: it discovers Node Agent
// pods, scrapes each one's metrics/topology endpoint on a bounded worker
// pool, fuses the results into a single cluster-wide view with a
// count-weighted average merge, and serves that view over HTTP. Discovery
// and scrape-loop shape grounded on cuemby-warren's reconciler.Reconciler
// (ticker-driven, timeout-bounded per-iteration work); fuse/store semantics
// grounded on original_source's aggregator/app.py.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"

	"github.com/cuemby/autoscaler/pkg/config"
	"github.com/cuemby/autoscaler/pkg/metrics"
	"github.com/cuemby/autoscaler/pkg/orchestrator"
	"github.com/cuemby/autoscaler/pkg/types"
)

// maxConcurrentScrapes bounds the worker pool so a large fleet of agents
// cannot open unbounded sockets during a single discovery cycle.
const maxConcurrentScrapes = 16

// agentPayload mirrors the Node Agent's scrape response shape.
type agentPayload struct {
	Metrics  map[types.WorkloadID]types.WorkloadMetrics `json:"metrics"`
	Topology map[types.WorkloadID][]types.WorkloadID    `json:"topology"`
}

// Aggregator discovers, scrapes, fuses, and serves cluster-wide metrics.
type Aggregator struct {
	cfg    *config.AggregatorConfig
	client *orchestrator.Client
	http   *http.Client
	logger zerolog.Logger

	// stateMu guards store/edges themselves (not their own internal locks):
	// ResetHandler swaps both to fresh instances from the HTTP goroutine
	// while tick(), scrapeOne, and GraphHandler read them from the
	// discovery-loop and HTTP-server goroutines.
	stateMu sync.RWMutex
	store   *Store
	edges   *types.EdgeSet

	stopCh chan struct{}
}

// New builds an Aggregator.
func New(cfg *config.AggregatorConfig, client *orchestrator.Client, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		client: client,
		http:   &http.Client{Timeout: cfg.ScrapeTimeout},
		logger: logger,
		store:  NewStore(cfg.MetricTTL),
		edges:  types.NewEdgeSet(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the discovery+scrape loop as a background goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	go a.run(ctx)
	a.logger.Info().Str("namespace", a.cfg.Namespace).Msg("aggregator started")
}

// Stop signals the background loop to exit.
func (a *Aggregator) Stop() {
	close(a.stopCh)
}

// state returns the current store and edge set, safe to call concurrently
// with ResetHandler swapping them out.
func (a *Aggregator) state() (*Store, *types.EdgeSet) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.store, a.edges
}

func (a *Aggregator) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.tick(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DiscoveryDuration)

	pods, err := a.client.ListPods(ctx, a.cfg.AgentLabelSelector)
	if err != nil {
		a.logger.Error().Err(err).Msg("agent discovery failed")
		return
	}

	now := time.Now()
	a.scrapeAll(ctx, pods, now)

	store, edges := a.state()
	store.Prune(now)

	metrics.AggregatorWorkloadsTotal.Set(float64(len(store.Snapshot())))
	metrics.AggregatorEdgesTotal.Set(float64(len(edges.Snapshot())))
}

func (a *Aggregator) scrapeAll(ctx context.Context, pods []corev1.Pod, now time.Time) {
	sem := make(chan struct{}, maxConcurrentScrapes)
	var wg sync.WaitGroup

	for _, pod := range pods {
		ip := pod.Status.PodIP
		if ip == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			a.scrapeOne(ctx, ip, now)
		}(ip)
	}
	wg.Wait()
}

func (a *Aggregator) scrapeOne(ctx context.Context, ip string, now time.Time) {
	timer := metrics.NewTimer()

	url := fmt.Sprintf("http://%s:%d/", ip, a.cfg.AgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		timer.ObserveDurationVec(metrics.ScrapeDuration, "error")
		metrics.ScrapeFailuresTotal.Inc()
		return
	}

	resp, err := a.http.Do(req)
	if err != nil {
		timer.ObserveDurationVec(metrics.ScrapeDuration, "error")
		metrics.ScrapeFailuresTotal.Inc()
		a.logger.Debug().Err(err).Str("agent_ip", ip).Msg("scrape failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		timer.ObserveDurationVec(metrics.ScrapeDuration, "error")
		metrics.ScrapeFailuresTotal.Inc()
		a.logger.Warn().Int("status", resp.StatusCode).Str("agent_ip", ip).Msg("scrape returned non-200")
		return
	}

	var payload agentPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		timer.ObserveDurationVec(metrics.ScrapeDuration, "error")
		metrics.ScrapeFailuresTotal.Inc()
		a.logger.Warn().Err(err).Str("agent_ip", ip).Msg("failed to decode scrape payload")
		return
	}
	timer.ObserveDurationVec(metrics.ScrapeDuration, "ok")

	store, edges := a.state()
	for workload, m := range payload.Metrics {
		store.Merge(workload, now, m)
	}
	for caller, callees := range payload.Topology {
		for _, callee := range callees {
			edges.Add(caller, callee)
		}
	}
}

// graphResponse is served at /api/graph: the fused metrics and topology.
type graphResponse struct {
	Metrics  map[types.WorkloadID]types.WorkloadMetrics `json:"metrics"`
	Topology map[types.WorkloadID][]types.WorkloadID    `json:"topology"`
}

// GraphHandler serves the current fused view. Unlike the Node Agent's
// per-workload windows, the fused store is not reset on read: the Controller
// polls it repeatedly and expects a stable view between Aggregator scrapes.
func (a *Aggregator) GraphHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store, edges := a.state()
		resp := graphResponse{
			Metrics:  store.Snapshot(),
			Topology: edges.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			a.logger.Error().Err(err).Msg("failed to encode graph response")
		}
	})
}

// ResetHandler clears the fused store and topology, for test/debug use.
func (a *Aggregator) ResetHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.stateMu.Lock()
		a.store = NewStore(a.cfg.MetricTTL)
		a.edges = types.NewEdgeSet()
		a.stateMu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
}
