package core

import (
	"testing"
	"time"
)

func TestStepPlannerProgress(t *testing.T) {
	planner := NewStepPlanner()
	route := ResourceKey{Kind: "Route", Namespace: "shop", Name: "web"}
	steps := []CanaryStep{{Weight: 10, Bake: time.Minute}, {Weight: 50, Bake: time.Minute}, {Weight: 100}}

	index, done := planner.Plan(route, "v2", steps)
	if index != 0 || done {
		t.Fatalf("expected first step, got index=%d done=%v", index, done)
	}
	if got := planner.MarkCompleted(route, "v2", 0); got != 1 {
		t.Fatalf("expected completed count 1, got %d", got)
	}
	index, _ = planner.Plan(route, "v2", steps)
	if index != 1 {
		t.Fatalf("expected second step, got %d", index)
	}
	planner.Complete(route, "v2", steps)
	if _, done := planner.Plan(route, "v2", steps); !done {
		t.Fatalf("expected plan to be done")
	}
}

func TestStepPlannerVersionChangeResets(t *testing.T) {
	planner := NewStepPlanner()
	route := ResourceKey{Kind: "Route", Name: "web"}
	steps := []CanaryStep{{Weight: 50}, {Weight: 100}}

	planner.MarkCompleted(route, "v2", 0)
	index, done := planner.Plan(route, "v3", steps)
	if index != 0 || done {
		t.Fatalf("expected reset on version change, got index=%d done=%v", index, done)
	}
	planner.MarkCompleted(route, "v3", 0)
	planner.Forget(route)
	if index, _ := planner.Plan(route, "v3", steps); index != 0 {
		t.Fatalf("expected forget to clear progress, got %d", index)
	}
}

func TestSplitWeightsAlwaysSumTo100(t *testing.T) {
	for _, w := range []int32{-5, 0, 10, 50, 100, 120} {
		weights := SplitWeights(TrackBlue, TrackGreen, w)
		if weights[TrackBlue]+weights[TrackGreen] != 100 {
			t.Fatalf("weights for %d do not sum to 100: %v", w, weights)
		}
	}
}
