package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cuemby/autoscaler/pkg/config"
	applog "github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/tracer"
	"github.com/cuemby/autoscaler/pkg/types"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	client := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-1", Namespace: "default", Labels: map[string]string{"app": "checkout"}, UID: "aaa-111"},
			Status:     corev1.PodStatus{PodIP: "10.0.0.1"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "cart-1", Namespace: "default", Labels: map[string]string{"app": "cart"}, UID: "bbb-222"},
			Status:     corev1.PodStatus{PodIP: "10.0.0.2"},
		},
	)
	cfg := &config.AgentConfig{Namespace: "default"}
	a := New(cfg, client, applog.Logger)
	require.NoError(t, a.resolver.Refresh(context.Background()))

	// Pretend the caller pid belongs to "checkout" without touching /proc.
	a.resolver.cgroupMu.Lock()
	a.resolver.cgroupCache[4242] = types.WorkloadID("checkout")
	a.resolver.cgroupMu.Unlock()

	return a
}

func TestProcessEvent_LatencyAccumulates(t *testing.T) {
	a := newTestAgent(t)

	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 4242, LatencyMicros: 20000})
	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 4242, LatencyMicros: 40000})

	metrics := a.snapshotAndResetMetrics()
	m, ok := metrics[types.WorkloadID("checkout")]
	require.True(t, ok)
	require.Equal(t, int64(2), m.Count)
	require.InDelta(t, 30.0, m.LatencyMS, 0.01)
}

func TestProcessEvent_SelfPIDIgnored(t *testing.T) {
	a := newTestAgent(t)
	a.selfPID = 4242

	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 4242, LatencyMicros: 10000})

	metrics := a.snapshotAndResetMetrics()
	require.Empty(t, metrics)
}

func TestProcessEvent_TracerPIDIgnored(t *testing.T) {
	a := newTestAgent(t)
	a.tracer.SetPIDForTest(4242)

	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 4242, LatencyMicros: 10000})

	metrics := a.snapshotAndResetMetrics()
	require.Empty(t, metrics)
}

func TestProcessEvent_UnknownPIDIgnored(t *testing.T) {
	a := newTestAgent(t)

	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 99999, LatencyMicros: 10000})

	metrics := a.snapshotAndResetMetrics()
	require.Empty(t, metrics)
}

func TestProcessEvent_ConnRecordsEdge(t *testing.T) {
	a := newTestAgent(t)

	a.processEvent(tracer.Event{Type: tracer.EventConn, PID: 4242, DestAddr: "10.0.0.2"})

	snap := a.edges.Snapshot()
	require.Equal(t, []types.WorkloadID{"cart"}, snap[types.WorkloadID("checkout")])
}

func TestProcessEvent_ConnSelfEdgeIgnored(t *testing.T) {
	a := newTestAgent(t)

	a.processEvent(tracer.Event{Type: tracer.EventConn, PID: 4242, DestAddr: "10.0.0.1"})

	snap := a.edges.Snapshot()
	require.Empty(t, snap)
}

func TestScrapeHandler_ResetsOnRead(t *testing.T) {
	a := newTestAgent(t)
	a.processEvent(tracer.Event{Type: tracer.EventLatency, PID: 4242, LatencyMicros: 15000})
	a.processEvent(tracer.Event{Type: tracer.EventConn, PID: 4242, DestAddr: "10.0.0.2"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	a.ScrapeHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body scrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.Metrics, types.WorkloadID("checkout"))
	require.Equal(t, []types.WorkloadID{"cart"}, body.Topology[types.WorkloadID("checkout")])

	// Second scrape: metrics reset, topology persists (it is not reset on read).
	rec2 := httptest.NewRecorder()
	a.ScrapeHandler().ServeHTTP(rec2, req)
	var body2 scrapeResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body2))
	require.NotContains(t, body2.Metrics, types.WorkloadID("checkout"))
}
