package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cuemby/autoscaler/pkg/config"
	applog "github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/orchestrator"
	"github.com/cuemby/autoscaler/pkg/types"
)

func newTestController(t *testing.T, replicas int32) (*Controller, *fake.Clientset) {
	t.Helper()
	clientset := fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "default"},
	})
	clientset.PrependReactor("get", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "scale" {
			return false, nil, nil
		}
		return true, &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "default"},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}, nil
	})

	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	oc := orchestrator.NewClient(clientset, dyn, "default")
	cfg := &config.ControllerConfig{
		Namespace:     "default",
		AggregatorURL: "http://aggregator:8000",
		TickInterval:  time.Second,
		Cooldown:      15 * time.Second,
	}
	return New(cfg, oc, applog.Logger), clientset
}

func checkoutSLO() types.SLORecord {
	return types.SLORecord{Workload: "checkout", SLOLatencyMS: 30, MinReplicas: 1, MaxReplicas: 10}
}

func TestDecide_SkipsLowTraffic(t *testing.T) {
	c, _ := newTestController(t, 2)
	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 100, RPS: 0.1, Count: 1},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": checkoutSLO()}

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Empty(t, d.Target)
}

func TestDecide_SkipsHealthyWorkload(t *testing.T) {
	c, _ := newTestController(t, 2)
	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 10, RPS: 5, Count: 10},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": checkoutSLO()}

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Empty(t, d.Target)
}

func TestDecide_DirectBreachScalesUp(t *testing.T) {
	c, _ := newTestController(t, 2)
	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 60, RPS: 5, Count: 10},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": checkoutSLO()}

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Equal(t, types.WorkloadID("checkout"), d.Target)
	require.Equal(t, "direct_slo_breach", d.Reason)
	require.Equal(t, int32(2), d.CurrentReplicas)
	require.Equal(t, int32(4), d.DesiredReplicas) // ceil(2 * 60/30) = 4
}

func TestDecide_RootCauseAttributionRetargetsCallee(t *testing.T) {
	c, _ := newTestController(t, 2)
	view := types.FusedView{
		Metrics: map[types.WorkloadID]types.WorkloadMetrics{
			"checkout": {LatencyMS: 60, RPS: 5, Count: 10},
			"cart":     {LatencyMS: 90, RPS: 5, Count: 10},
		},
		Topology: map[types.WorkloadID][]types.WorkloadID{
			"checkout": {"cart"},
		},
	}
	slos := map[types.WorkloadID]types.SLORecord{
		"checkout": checkoutSLO(),
		"cart":     {Workload: "cart", SLOLatencyMS: 30, MinReplicas: 1, MaxReplicas: 10},
	}

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Equal(t, types.WorkloadID("cart"), d.Target)
	require.Equal(t, "root_cause_attribution", d.Reason)
}

func TestDecide_ClampsToMaxReplicas(t *testing.T) {
	c, _ := newTestController(t, 2)
	slo := types.SLORecord{Workload: "checkout", SLOLatencyMS: 30, MinReplicas: 1, MaxReplicas: 3}
	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 600, RPS: 5, Count: 10},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": slo}

	d := c.decide(context.Background(), "checkout", slo, view, slos, time.Now(), applog.Logger)
	require.Equal(t, int32(3), d.DesiredReplicas)
}

func TestDecide_CooldownSuppressesRepeat(t *testing.T) {
	c, _ := newTestController(t, 2)
	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 60, RPS: 5, Count: 10},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": checkoutSLO()}

	c.cooldownUntil["checkout"] = time.Now().Add(10 * time.Second)

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Empty(t, d.Target)
}

func TestIdealReplicas_NeverBelowMin(t *testing.T) {
	slo := types.SLORecord{SLOLatencyMS: 30, MinReplicas: 2, MaxReplicas: 10}
	require.Equal(t, int32(2), idealReplicas(1, 5, slo))
}

func TestDecide_UnmanagedTargetSkipsWithoutError(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("get", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "scale" {
			return false, nil, nil
		}
		return true, nil, apierrors.NewNotFound(schema.GroupResource{Resource: "deployments"}, "checkout")
	})
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	oc := orchestrator.NewClient(clientset, dyn, "default")
	cfg := &config.ControllerConfig{
		Namespace:     "default",
		AggregatorURL: "http://aggregator:8000",
		TickInterval:  time.Second,
		Cooldown:      15 * time.Second,
	}
	c := New(cfg, oc, applog.Logger)

	view := types.FusedView{Metrics: map[types.WorkloadID]types.WorkloadMetrics{
		"checkout": {LatencyMS: 60, RPS: 5, Count: 10},
	}}
	slos := map[types.WorkloadID]types.SLORecord{"checkout": checkoutSLO()}

	d := c.decide(context.Background(), "checkout", checkoutSLO(), view, slos, time.Now(), applog.Logger)
	require.Empty(t, d.Target)
}
