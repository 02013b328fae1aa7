// Package orchestrator wraps the Kubernetes API calls the Aggregator and
// Controller make: listing Node Agent pods for scrape discovery, listing
// ServiceSLO custom objects, and reading/patching a Deployment's scale
// subresource. It deliberately uses a plain typed clientset plus a dynamic
// client for the bespoke ServiceSLO CRD rather than controller-runtime's
// watch-based manager, since every caller here polls on its own ticker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/types"
)

// ErrNotManaged wraps a 404 from the scale subresource: the target names a
// Deployment that doesn't exist (or was deleted since its ServiceSLO was
// authored). Callers treat this as "unmanaged", not a transient failure.
var ErrNotManaged = errors.New("orchestrator: scale target not found")

// ServiceSLOResource is the group/version/resource of the ServiceSLO custom
// resource, taken from original_source's controller (group
// "autoscaling.fyp.io", version "v1alpha1", plural "serviceslos").
var ServiceSLOResource = schema.GroupVersionResource{
	Group:    "autoscaling.fyp.io",
	Version:  "v1alpha1",
	Resource: "serviceslos",
}

// Client is the namespace-scoped Kubernetes facade used by the Aggregator
// and Controller.
type Client struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	namespace string
}

// NewClient builds a Client over an existing typed clientset and dynamic
// client, both already scoped to the cluster the caller is running in.
func NewClient(clientset kubernetes.Interface, dyn dynamic.Interface, namespace string) *Client {
	return &Client{clientset: clientset, dynamic: dyn, namespace: namespace}
}

// ListPods lists pods matching labelSelector in the configured namespace.
// Used by the Aggregator's discovery step to find Node Agent pods to scrape.
func (c *Client) ListPods(ctx context.Context, labelSelector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list pods (selector=%s): %w", labelSelector, err)
	}
	return list.Items, nil
}

// ListSLOs lists every ServiceSLO object and returns them keyed by target
// workload. A missing CRD (the operator hasn't applied it yet) is logged as
// a warning and yields an empty map rather than an error, matching
// original_source's try/except around list_namespaced_custom_object so the
// Controller can start before SLOs exist.
func (c *Client) ListSLOs(ctx context.Context) map[types.WorkloadID]types.SLORecord {
	out := make(map[types.WorkloadID]types.SLORecord)

	list, err := c.dynamic.Resource(ServiceSLOResource).Namespace(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Logger.Warn().Err(err).Msg("waiting for ServiceSLO CRDs")
		return out
	}

	for _, item := range list.Items {
		spec, found, err := unstructuredNestedMap(item.Object, "spec")
		if !found || err != nil {
			continue
		}

		targetRaw, ok := spec["targetDeployment"].(string)
		if !ok || targetRaw == "" {
			continue
		}

		record := types.DefaultSLO(types.WorkloadID(targetRaw))
		if v, ok := asFloat(spec["sloLatency"]); ok {
			record.SLOLatencyMS = v
		}
		if v, ok := asInt32(spec["minReplicas"]); ok {
			record.MinReplicas = v
		}
		if v, ok := asInt32(spec["maxReplicas"]); ok {
			record.MaxReplicas = v
		}

		out[record.Workload] = record
	}

	return out
}

// GetScale returns the current replica count of a Deployment. A 404 (the
// target names no scalable Deployment) is wrapped in ErrNotManaged rather
// than a bare error, so callers can distinguish "unmanaged" from a transient
// API failure.
func (c *Client) GetScale(ctx context.Context, deployment string) (int32, error) {
	scale, err := c.clientset.AppsV1().Deployments(c.namespace).GetScale(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s: %v", ErrNotManaged, deployment, err)
		}
		return 0, fmt.Errorf("orchestrator: get scale for %s: %w", deployment, err)
	}
	return scale.Spec.Replicas, nil
}

// PatchScale sets a Deployment's replica count via the scale subresource.
func (c *Client) PatchScale(ctx context.Context, deployment string, replicas int32) error {
	scale, err := c.clientset.AppsV1().Deployments(c.namespace).GetScale(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %v", ErrNotManaged, deployment, err)
		}
		return fmt.Errorf("orchestrator: get scale for %s: %w", deployment, err)
	}

	scale.Spec.Replicas = replicas
	_, err = c.clientset.AppsV1().Deployments(c.namespace).UpdateScale(ctx, deployment, scale, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("orchestrator: update scale for %s to %d: %w", deployment, replicas, err)
	}
	return nil
}

func unstructuredNestedMap(obj map[string]any, field string) (map[string]any, bool, error) {
	v, ok := obj[field]
	if !ok {
		return nil, false, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("field %s is not an object", field)
	}
	return m, true, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case float64:
		return int32(n), true
	case int64:
		return int32(n), true
	case int:
		return int32(n), true
	default:
		return 0, false
	}
}
