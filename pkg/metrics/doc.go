/*
Package metrics defines and registers the Prometheus metrics exposed by the
agent, aggregator, and controller binaries, and provides the Timer helper
used to time each component's background loop iterations. Handler returns
the standard promhttp scrape handler each binary mounts at /metrics.
*/
package metrics
