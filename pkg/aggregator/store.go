package aggregator

import (
	"sync"
	"time"

	"github.com/cuemby/autoscaler/pkg/types"
)

// entry is one workload's merged metric state plus the time it was last
// updated by a scrape, used to expire workloads that stop reporting.
type entry struct {
	metrics     types.WorkloadMetrics
	sampleCount int64
	lastSeen    time.Time
}

// Store holds the fused, TTL-expiring view of every workload's metrics
// across all Node Agents. Merge count-weights latency across samples rather
// than last-writer-wins, so a node reporting a smaller slice of a workload's
// traffic does not overwrite a node reporting a larger slice; RPS and error
// rate are summed, since each node reports its own disjoint slice of traffic.
// Grounded on original_source's MetricsStore, which keeps a dict-of-dicts
// per service and expires entries older than its TTL.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[types.WorkloadID]*entry
}

// NewStore creates an empty Store with the given expiry TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, entries: make(map[types.WorkloadID]*entry)}
}

// Merge folds one Node Agent's report for workload into the store. Reports
// carrying the same now (one scrape cycle, whose scrapes all share a
// timestamp) are combined: latency by a count-weighted average so busier
// nodes contribute proportionally more to the fused latency, RPS and error
// rate summed, since each agent reports a disjoint slice of traffic. A report
// with any other now replaces the entry left by an earlier cycle.
func (s *Store) Merge(workload types.WorkloadID, now time.Time, m types.WorkloadMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[workload]
	if !ok || !e.lastSeen.Equal(now) {
		s.entries[workload] = &entry{metrics: m, sampleCount: m.Count, lastSeen: now}
		return
	}

	totalCount := e.sampleCount + m.Count
	if totalCount == 0 {
		e.lastSeen = now
		return
	}

	weightExisting := float64(e.sampleCount) / float64(totalCount)
	weightIncoming := float64(m.Count) / float64(totalCount)

	e.metrics = types.WorkloadMetrics{
		LatencyMS: e.metrics.LatencyMS*weightExisting + m.LatencyMS*weightIncoming,
		RPS:       e.metrics.RPS + m.RPS,
		ErrorRate: e.metrics.ErrorRate + m.ErrorRate,
		Count:     totalCount,
	}
	e.sampleCount = totalCount
	e.lastSeen = now
}

// Prune drops any workload not updated within the TTL relative to now.
func (s *Store) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for workload, e := range s.entries {
		if now.Sub(e.lastSeen) > s.ttl {
			delete(s.entries, workload)
		}
	}
}

// Snapshot returns the current set of live (non-expired) workload metrics.
func (s *Store) Snapshot() map[types.WorkloadID]types.WorkloadMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.WorkloadID]types.WorkloadMetrics, len(s.entries))
	for workload, e := range s.entries {
		out[workload] = e.metrics
	}
	return out
}
