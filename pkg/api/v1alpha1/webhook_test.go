package v1alpha1

import (
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"gitopsdelivery/pkg/core"
)

func validSpec() ApplicationSpec {
	return ApplicationSpec{
		Owner:  "checkout",
		Source: SourceRef{Namespace: "shop", Name: "manifests"},
	}
}

func TestDefaultRespectsExistingValues(t *testing.T) {
	spec := validSpec()
	spec.SyncPolicy.Interval = metav1.Duration{Duration: time.Minute}
	spec.SyncPolicy.Prune = ptr.To(false)
	spec.History = &HistorySpec{Window: 3}

	spec.Default()

	if spec.SyncPolicy.Interval.Duration != time.Minute {
		t.Fatalf("defaulting overwrote interval")
	}
	if spec.SyncPolicy.Prune == nil || *spec.SyncPolicy.Prune {
		t.Fatalf("defaulting overwrote prune")
	}
	if spec.SyncPolicy.SelfHeal == nil || !*spec.SyncPolicy.SelfHeal {
		t.Fatalf("expected selfHeal default true")
	}
	if spec.History.Window != 3 {
		t.Fatalf("defaulting overwrote history window")
	}
}

func TestValidateCreate(t *testing.T) {
	application := &Application{Spec: validSpec()}
	application.Default()

	warnings, err := application.ValidateCreate()
	if err != nil {
		t.Fatalf("expected valid application, got %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}

	application.Spec.SyncPolicy.SelfHeal = ptr.To(false)
	warnings, _ = application.ValidateUpdate(nil)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "selfHeal") {
		t.Fatalf("expected selfHeal warning, got %v", warnings)
	}
}

func TestValidateAutoscaleTargets(t *testing.T) {
	target := core.ResourceKey{Kind: "DaemonSet", Namespace: "shop", Name: "agent"}
	spec := validSpec()
	spec.Autoscale = []AutoscaleSpec{
		{Target: target, MinReplicas: 1, MaxReplicas: 3, MetricTargets: map[string]float64{"cpu": 0.5}},
		{Target: target, MinReplicas: 1, MaxReplicas: 3, MetricTargets: map[string]float64{"cpu": 0.5}},
	}
	spec.Default()

	err := spec.Validate()
	if err == nil {
		t.Fatalf("expected autoscale errors")
	}
	for _, fragment := range []string{"cannot be scaled", "declared more than once", "metrics is required"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestValidateRejectsBadQueryTemplate(t *testing.T) {
	spec := validSpec()
	spec.Metrics = &MetricsSpec{Address: "http://prometheus:9090", Queries: map[string]string{"cpu": "{{.Name"}}
	spec.Default()

	if err := spec.Validate(); err == nil || !strings.Contains(err.Error(), "metrics.queries.cpu") {
		t.Fatalf("expected template error, got %v", err)
	}
}

func TestDeepCopyIsIndependent(t *testing.T) {
	application := &Application{Spec: validSpec()}
	application.Spec.Rollout = &RolloutSpec{Steps: []CanaryStepSpec{{Weight: 50}}}
	application.Spec.Metrics = &MetricsSpec{Queries: map[string]string{"cpu": "q"}}
	application.Spec.SyncPolicy.SelfHeal = ptr.To(true)
	application.Status.Sync.Conditions = []core.Condition{{Type: core.CondReady, Status: "True"}}

	copied := application.DeepCopy()
	copied.Spec.Rollout.Steps[0].Weight = 100
	copied.Spec.Metrics.Queries["cpu"] = "changed"
	*copied.Spec.SyncPolicy.SelfHeal = false
	copied.Status.Sync.Conditions[0].Status = "False"

	if application.Spec.Rollout.Steps[0].Weight != 50 || application.Spec.Metrics.Queries["cpu"] != "q" {
		t.Fatalf("deep copy shares spec state")
	}
	if !*application.Spec.SyncPolicy.SelfHeal || application.Status.Sync.Conditions[0].Status != "True" {
		t.Fatalf("deep copy shares pointers")
	}
	if _, ok := copied.DeepCopyObject().(*Application); !ok {
		t.Fatalf("expected DeepCopyObject to return *Application")
	}
}
