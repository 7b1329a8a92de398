package v1alpha1

import (
	"testing"

	"gitopsdelivery/pkg/agents/status"
	"gitopsdelivery/pkg/core"
)

func TestApplySyncStatus(t *testing.T) {
	application := &Application{}
	sync := status.SyncStatus{
		Revision:   "r2",
		Health:     core.HealthHealthy,
		Conditions: []core.Condition{{Type: core.CondReady, Status: "True", Reason: "Reconciled"}},
	}

	application.ApplySyncStatus(sync, true)
	sync.Conditions[0].Status = "False"

	if !application.Ready() {
		t.Fatalf("expected ready application")
	}
	if !application.Status.Paused || application.Status.Sync.Revision != "r2" {
		t.Fatalf("unexpected status %+v", application.Status)
	}
}

func TestReadyWithoutConditions(t *testing.T) {
	if (&Application{}).Ready() {
		t.Fatalf("expected not ready before the first sync")
	}
}

func TestApplyRolloutAndAutoscale(t *testing.T) {
	application := &Application{}
	decisions := []core.AutoscaleDecision{{Key: core.ResourceKey{Kind: "Deployment", Name: "checkout"}, CurrentReplicas: 2, DesiredReplicas: 4}}

	application.ApplyRolloutStatus("Baking", "abc123")
	application.ApplyAutoscaleDecisions(decisions)
	decisions[0].DesiredReplicas = 9

	if application.Status.RolloutPhase != "Baking" || application.Status.ActiveVersion != "abc123" {
		t.Fatalf("unexpected rollout status %+v", application.Status)
	}
	if application.Status.Autoscale[0].DesiredReplicas != 4 {
		t.Fatalf("expected decisions copied")
	}
}
