package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cuemby/autoscaler/pkg/config"
	applog "github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/orchestrator"
	"github.com/cuemby/autoscaler/pkg/types"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	oc := orchestrator.NewClient(clientset, dyn, "default")
	cfg := &config.AggregatorConfig{
		Namespace:         "default",
		ScrapeTimeout:     time.Second,
		MetricTTL:         30 * time.Second,
		DiscoveryInterval: time.Second,
	}
	return New(cfg, oc, applog.Logger)
}

func TestScrapeOne_MergesIntoStore(t *testing.T) {
	a := newTestAggregator(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := agentPayload{
			Metrics:  map[types.WorkloadID]types.WorkloadMetrics{"checkout": {LatencyMS: 12, Count: 4}},
			Topology: map[types.WorkloadID][]types.WorkloadID{"checkout": {"cart"}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	defer server.Close()

	host, portStr := splitHostPort(t, server.URL)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	a.cfg.AgentPort = port

	a.scrapeOne(context.Background(), host, time.Now())

	snap := a.store.Snapshot()
	require.Contains(t, snap, types.WorkloadID("checkout"))
	require.Equal(t, int64(4), snap["checkout"].Count)

	topo := a.edges.Snapshot()
	require.Equal(t, []types.WorkloadID{"cart"}, topo["checkout"])
}

func TestScrapeOne_FailureLeavesStoreUnchanged(t *testing.T) {
	a := newTestAggregator(t)
	a.cfg.AgentPort = 1 // nothing listening

	a.scrapeOne(context.Background(), "127.0.0.1", time.Now())

	require.Empty(t, a.store.Snapshot())
}

func TestGraphHandler_ServesFusedView(t *testing.T) {
	a := newTestAggregator(t)
	a.store.Merge("checkout", time.Now(), types.WorkloadMetrics{LatencyMS: 10, Count: 1})
	a.edges.Add("checkout", "cart")

	req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
	rec := httptest.NewRecorder()
	a.GraphHandler().ServeHTTP(rec, req)

	var resp graphResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Metrics, types.WorkloadID("checkout"))
	require.Equal(t, []types.WorkloadID{"cart"}, resp.Topology["checkout"])
}

func TestResetHandler_ClearsState(t *testing.T) {
	a := newTestAggregator(t)
	a.store.Merge("checkout", time.Now(), types.WorkloadMetrics{LatencyMS: 10, Count: 1})
	a.edges.Add("checkout", "cart")

	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	rec := httptest.NewRecorder()
	a.ResetHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, a.store.Snapshot())
	require.Empty(t, a.edges.Snapshot())
}

func TestScrapeAll_SkipsPodsWithoutIP(t *testing.T) {
	a := newTestAggregator(t)
	pods := []corev1.Pod{
		{ObjectMeta: metav1.ObjectMeta{Name: "no-ip"}},
	}
	a.scrapeAll(context.Background(), pods, time.Now())
	require.Empty(t, a.store.Snapshot())
}

func splitHostPort(t *testing.T, url string) (string, string) {
	t.Helper()
	trimmed := strings.TrimPrefix(url, "http://")
	parts := strings.Split(trimmed, ":")
	require.Len(t, parts, 2)
	return parts[0], parts[1]
}
