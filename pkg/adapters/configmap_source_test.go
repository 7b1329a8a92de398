package adapters

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"gitopsdelivery/pkg/core"
)

func TestConfigMapSourceFetchDesired(t *testing.T) {
	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:   "delivery",
			Name:        "shop-desired",
			Annotations: map[string]string{core.RevisionAnnotation: "9f1c2e"},
		},
		Data: map[string]string{
			"web.yaml": "apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: web\n  namespace: shop\nspec:\n  replicas: 2\n",
			"svc.json": `{"apiVersion":"v1","kind":"Service","metadata":{"name":"web","namespace":"shop"},"spec":{"ports":[{"port":80}]}}`,
		},
	}
	kubeClient := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(configMap).Build()
	source := NewConfigMapSource(kubeClient, "delivery", "shop-desired", 0)

	snapshot, err := source.FetchDesired(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snapshot.Revision() != "9f1c2e" {
		t.Fatalf("unexpected revision %q", snapshot.Revision())
	}
	web := core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}
	spec, ok := snapshot.Spec(web)
	if !ok {
		t.Fatalf("expected deployment in snapshot, keys %v", snapshot.Keys())
	}
	if replicas, _ := spec.Field(core.ParseFieldPath("spec.replicas")); replicas != int64(2) {
		t.Fatalf("expected integer replicas, got %T %v", replicas, replicas)
	}
	if !snapshot.Has(core.ResourceKey{Kind: "Service", Namespace: "shop", Name: "web"}) {
		t.Fatalf("expected service in snapshot")
	}
}

func TestConfigMapSourceFailures(t *testing.T) {
	kubeClient := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Namespace: "delivery", Name: "broken"},
		Data:       map[string]string{"bad": `{"kind":"Deployment"}`},
	}).Build()

	if _, err := NewConfigMapSource(kubeClient, "delivery", "absent", 0).FetchDesired(context.Background()); !errors.Is(err, core.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable for missing configmap, got %v", err)
	}
	_, err := NewConfigMapSource(kubeClient, "delivery", "broken", 0).FetchDesired(context.Background())
	if !errors.Is(err, core.ErrValidationRejected) {
		t.Fatalf("expected a malformed entry to be rejected, got %v", err)
	}
	if core.IsRetryable(err) {
		t.Fatalf("expected a malformed entry not to be retryable")
	}
}
