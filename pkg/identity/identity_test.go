package identity

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"
)

func TestResolver_RefreshAndWorkloadForIP(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-1", Namespace: "default", Labels: map[string]string{"app": "checkout"}, UID: "abc-123"},
			Status:     corev1.PodStatus{PodIP: "10.0.0.5"},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-svc", Namespace: "default"},
			Spec:       corev1.ServiceSpec{ClusterIP: "10.0.9.9"},
		},
	)

	r := NewResolver(client, "default")
	require.NoError(t, r.Refresh(context.Background()))

	w, ok := r.WorkloadForIP("10.0.0.5")
	require.True(t, ok)
	require.Equal(t, "checkout", string(w))

	w, ok = r.WorkloadForIP("10.0.9.9")
	require.True(t, ok)
	require.Equal(t, "checkout-svc", string(w), "unlabeled service falls back to its own name")

	_, ok = r.WorkloadForIP("10.10.10.10")
	require.False(t, ok)
}

func TestResolver_WorkloadForPID_Unknown(t *testing.T) {
	client := fake.NewSimpleClientset()
	r := NewResolver(client, "default")
	require.NoError(t, r.Refresh(context.Background()))

	_, ok := r.WorkloadForPID(999999)
	require.False(t, ok)
}
