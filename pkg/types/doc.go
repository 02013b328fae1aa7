/*
Package types defines the core data structures shared by the agent,
aggregator, and controller: workload identity, per-workload metric
windows, the caller/callee edge set, SLO records, and the fused
cluster-wide view the Controller consumes.

# Core types

MetricWindow accumulates latency/count/error totals for one workload
over the interval since the last scrape, and resets atomically on
ScrapeAndReset the same way the Node Agent's original metrics handler
zeroed its counters on every GET.

EdgeSet is a concurrency-safe, irreflexive set of caller->callee
Edges, unioned in as the tracer observes new connections.

SLORecord is the desired scaling envelope for one workload, sourced
from a ServiceSLO custom resource, with DefaultSLO's slo=30ms/min=1/
max=10 filling in any field the resource omits.

FusedView is the Aggregator's merged snapshot of every agent's
metrics and topology; ScaleDecision records what the Controller did
about it.

# Thread safety

MetricWindow and EdgeSet guard their own state with an internal
mutex and are safe for concurrent use. SLORecord, FusedView, and
ScaleDecision are plain value types with no internal synchronization;
callers own locking when sharing them across goroutines.
*/
package types
