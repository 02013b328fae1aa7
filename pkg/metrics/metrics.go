package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node Agent metrics

	EventsParsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_agent_events_parsed_total",
			Help: "Total tracer events parsed by type (lat, err, conn)",
		},
		[]string{"event"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_agent_events_dropped_total",
			Help: "Total tracer event lines dropped, by reason",
		},
		[]string{"reason"},
	)

	WorkloadsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_agent_workloads_tracked",
			Help: "Number of distinct workloads with a non-empty metric window",
		},
	)

	// Aggregator metrics

	ScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_scrape_duration_seconds",
			Help:    "Duration of a single Node Agent scrape",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	ScrapeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_scrape_failures_total",
			Help: "Total failed Node Agent scrapes",
		},
	)

	DiscoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregator_discovery_duration_seconds",
			Help:    "Duration of Node Agent pod discovery",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregatorWorkloadsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_workloads_total",
			Help: "Number of workloads currently present in the fused view",
		},
	)

	AggregatorEdgesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_edges_total",
			Help: "Number of topology edges currently present in the fused view",
		},
	)

	// Controller metrics

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_tick_duration_seconds",
			Help:    "Duration of one controller decision tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScaleDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_scale_decisions_total",
			Help: "Total scale decisions by result",
		},
		[]string{"result"},
	)

	CooldownSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_cooldown_skips_total",
			Help: "Total scale-ups suppressed by cooldown",
		},
	)

	RootCauseAttributionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_root_cause_attributions_total",
			Help: "Total decisions re-targeted to a downstream dependency",
		},
	)

	PatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_patch_failures_total",
			Help: "Total failed scale subresource patches",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsParsedTotal,
		EventsDroppedTotal,
		WorkloadsTracked,
		ScrapeDuration,
		ScrapeFailuresTotal,
		DiscoveryDuration,
		AggregatorWorkloadsTotal,
		AggregatorEdgesTotal,
		TickDuration,
		ScaleDecisionsTotal,
		CooldownSkipsTotal,
		RootCauseAttributionsTotal,
		PatchFailuresTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
