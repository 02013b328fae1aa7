package types

import (
	"math"
	"sync"
	"time"
)

// WorkloadID names a workload (deployment/service) tracked by the system.
// Identity resolution on the Node Agent side and SLO lookups on the
// Controller side are both keyed by this string.
type WorkloadID string

// MetricWindow accumulates per-workload request latency, count, and error
// totals for the interval since the last scrape. A single mutex guards a
// window so a concurrent tracer-event writer and an HTTP scrape reader never
// race; ScrapeAndReset atomically reads and zeroes the accumulators, the way
// the Node Agent's original metrics handler resets counters on every GET.
type MetricWindow struct {
	mu         sync.Mutex
	sumMicros  int64
	count      int64
	errors     int64
	windowOpen time.Time
}

// NewMetricWindow creates a window whose interval starts now.
func NewMetricWindow() *MetricWindow {
	return &MetricWindow{windowOpen: time.Now()}
}

// RecordLatency adds one observed request with the given latency in
// microseconds.
func (w *MetricWindow) RecordLatency(latencyMicros int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sumMicros += latencyMicros
	w.count++
}

// RecordError increments the error counter for the current interval.
func (w *MetricWindow) RecordError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors++
}

// WorkloadMetrics is the derived, scrape-ready view of a MetricWindow.
type WorkloadMetrics struct {
	LatencyMS  float64 `json:"latency_ms"`
	RPS        float64 `json:"rps"`
	ErrorRate  float64 `json:"error_rate"`
	Count      int64   `json:"count"`
}

// ScrapeAndReset computes derived metrics over the elapsed interval and
// resets the accumulators for the next one. elapsed is clamped to a minimum
// of one second so a scrape arriving faster than expected never inflates
// rates by dividing by a near-zero duration.
func (w *MetricWindow) ScrapeAndReset() WorkloadMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.windowOpen).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	var m WorkloadMetrics
	if w.count > 0 {
		m = WorkloadMetrics{
			LatencyMS: round3(float64(w.sumMicros) / float64(w.count) / 1000.0),
			RPS:       round2(float64(w.count) / elapsed),
			ErrorRate: round2(float64(w.errors) / elapsed),
			Count:     w.count,
		}
	}

	w.sumMicros = 0
	w.count = 0
	w.errors = 0
	w.windowOpen = time.Now()

	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// Edge is a directed caller -> callee relationship observed between two
// workloads.
type Edge struct {
	Caller WorkloadID
	Callee WorkloadID
}

// EdgeSet is a concurrency-safe, irreflexive set of Edges: a caller can
// never have an edge to itself, and adding the same edge twice is a no-op.
type EdgeSet struct {
	mu    sync.RWMutex
	edges map[Edge]struct{}
}

// NewEdgeSet creates an empty edge set.
func NewEdgeSet() *EdgeSet {
	return &EdgeSet{edges: make(map[Edge]struct{})}
}

// Add unions in caller->callee, ignoring self-edges.
func (s *EdgeSet) Add(caller, callee WorkloadID) {
	if caller == "" || callee == "" || caller == callee {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[Edge{Caller: caller, Callee: callee}] = struct{}{}
}

// Snapshot returns the current edge set as a caller -> []callee map, the
// shape the Aggregator's topology API expects.
func (s *EdgeSet) Snapshot() map[WorkloadID][]WorkloadID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[WorkloadID][]WorkloadID)
	for e := range s.edges {
		out[e.Caller] = append(out[e.Caller], e.Callee)
	}
	return out
}

// SLORecord is the desired scaling envelope and latency target for one
// workload, sourced from a ServiceSLO custom resource.
type SLORecord struct {
	Workload     WorkloadID
	SLOLatencyMS float64
	MinReplicas  int32
	MaxReplicas  int32
}

// DefaultSLO returns the fallback envelope (slo=30ms, min=1, max=10) whose
// values stand in for any field a ServiceSLO object omits. A workload with
// no ServiceSLO object gets no SLORecord at all.
func DefaultSLO(workload WorkloadID) SLORecord {
	return SLORecord{
		Workload:     workload,
		SLOLatencyMS: 30,
		MinReplicas:  1,
		MaxReplicas:  10,
	}
}

// FusedView is the Aggregator's cluster-wide snapshot: merged per-workload
// metrics plus the union of every agent's observed topology edges.
type FusedView struct {
	Metrics   map[WorkloadID]WorkloadMetrics    `json:"metrics"`
	Topology  map[WorkloadID][]WorkloadID       `json:"topology"`
}

// ScaleDecision records what the Controller decided for one workload on one
// tick, for logging and for the scale-decisions-total metric label.
type ScaleDecision struct {
	Target          WorkloadID
	Reason          string
	CurrentReplicas int32
	DesiredReplicas int32
	Applied         bool
}
