/*
Package health provides simple health check mechanisms reused across the
agent, aggregator, and controller binaries: an HTTPChecker for polling a
dependency's readiness endpoint (the Controller uses one against the
Aggregator's /api/graph) and a TCPChecker for bare connectivity probes
(the Node Agent and Aggregator use one against the API server). Each
binary's /healthz wraps its Checker in a Monitor and answers with a bare
200 or 503 status code from Monitor.Healthy.

Check implementations return a Result{Healthy, Message, CheckedAt,
Duration} rather than a bare error, so a caller can log or render partial
failure detail without re-deriving it from an error string.
*/
package health
