// Package identity resolves tracer-observed pids and IP addresses to
// workload identities, refreshing its lookup tables from the Kubernetes API
// on a timer and serving lookups from an atomically-swapped snapshot so
// refreshes never block readers. Grounded on original_source's
// k8s_metadata_updater/get_service_from_pid loop.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/autoscaler/pkg/types"
)

// unknown is cached in the per-pid memoization table so a pid that can never
// be resolved (e.g. a process outside any tracked container) is not
// re-read from /proc on every single tracer event.
const unknown types.WorkloadID = ""

type tables struct {
	ipToWorkload  map[string]types.WorkloadID
	uidToWorkload map[string]types.WorkloadID
}

// Resolver answers "which workload does this pid/IP belong to" questions.
type Resolver struct {
	client    kubernetes.Interface
	namespace string

	current atomic.Pointer[tables]

	cgroupMu    sync.Mutex
	cgroupCache map[int]types.WorkloadID
}

// NewResolver creates a Resolver with empty tables; call Refresh before
// first use (or rely on the background loop that calls it periodically).
func NewResolver(client kubernetes.Interface, namespace string) *Resolver {
	r := &Resolver{
		client:      client,
		namespace:   namespace,
		cgroupCache: make(map[int]types.WorkloadID),
	}
	r.current.Store(&tables{
		ipToWorkload:  map[string]types.WorkloadID{},
		uidToWorkload: map[string]types.WorkloadID{},
	})
	return r
}

// Refresh rebuilds the ip/uid lookup tables from the current state of pods
// and services in the namespace, then atomically swaps them in. Pod IPs and
// service cluster IPs map to the pod/service's "app" label, falling back to
// the service's own name when it carries no "app" label (the fix the
// original agent applied for unlabeled services). Pod UIDs are indexed
// under all three encodings the container runtime may embed in a cgroup
// path: the canonical dashed form, underscore-substituted, and
// dash-stripped.
func (r *Resolver) Refresh(ctx context.Context) error {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("identity: list pods: %w", err)
	}
	services, err := r.client.CoreV1().Services(r.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("identity: list services: %w", err)
	}

	ipToWorkload := make(map[string]types.WorkloadID)
	uidToWorkload := make(map[string]types.WorkloadID)

	for _, pod := range pods.Items {
		app, ok := pod.Labels["app"]
		if !ok {
			continue
		}
		workload := types.WorkloadID(app)

		if pod.Status.PodIP != "" {
			ipToWorkload[pod.Status.PodIP] = workload
		}
		if uid := string(pod.UID); uid != "" {
			uidToWorkload[uid] = workload
			uidToWorkload[strings.ReplaceAll(uid, "-", "_")] = workload
			uidToWorkload[strings.ReplaceAll(uid, "-", "")] = workload
		}
	}

	for _, svc := range services.Items {
		app := svc.Labels["app"]
		if app == "" {
			app = svc.Name
		}
		if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
			ipToWorkload[svc.Spec.ClusterIP] = types.WorkloadID(app)
		}
	}

	r.current.Store(&tables{ipToWorkload: ipToWorkload, uidToWorkload: uidToWorkload})
	return nil
}

// WorkloadForIP returns the workload owning the given IP, if known.
func (r *Resolver) WorkloadForIP(ip string) (types.WorkloadID, bool) {
	t := r.current.Load()
	w, ok := t.ipToWorkload[ip]
	return w, ok
}

// WorkloadForPID returns the workload whose container cgroup contains pid,
// memoizing the result (including a definitive "not found") so repeated
// tracer events for the same pid never re-read /proc.
func (r *Resolver) WorkloadForPID(pid int) (types.WorkloadID, bool) {
	r.cgroupMu.Lock()
	if cached, ok := r.cgroupCache[pid]; ok {
		r.cgroupMu.Unlock()
		if cached == unknown {
			return "", false
		}
		return cached, true
	}
	r.cgroupMu.Unlock()

	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		r.cgroupMu.Lock()
		r.cgroupCache[pid] = unknown
		r.cgroupMu.Unlock()
		return "", false
	}

	lower := strings.ToLower(string(content))
	t := r.current.Load()
	for uid, workload := range t.uidToWorkload {
		if strings.Contains(lower, strings.ToLower(uid)) {
			r.cgroupMu.Lock()
			r.cgroupCache[pid] = workload
			r.cgroupMu.Unlock()
			return workload, true
		}
	}

	r.cgroupMu.Lock()
	r.cgroupCache[pid] = unknown
	r.cgroupMu.Unlock()
	return "", false
}
