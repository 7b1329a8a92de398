package summary

import (
	"errors"
	"testing"

	"gitopsdelivery/pkg/core"
)

func key(name string) core.ResourceKey {
	return core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: name}
}

func TestSummaryCounts(t *testing.T) {
	sum := &Summary{
		Desired: []core.ResourceKey{key("a"), key("b"), key("c")},
		Results: []core.SyncResult{
			{Key: key("a"), Outcome: core.OutcomeApplied, Reason: core.ReasonApplied},
			{Key: key("b"), Outcome: core.OutcomeFailed, Reason: core.ReasonRetriesExhausted, Err: errors.New("boom")},
			{Key: key("c"), Outcome: core.OutcomeSkipped, Reason: core.ReasonDependencyFailed},
		},
	}
	sum.OutOfSync = FromResults(sum.Results)

	if sum.Count(core.OutcomeApplied) != 1 || sum.Count(core.OutcomeFailed) != 1 || sum.Count(core.OutcomeSkipped) != 1 {
		t.Fatalf("unexpected counts")
	}
	if sum.OutOfSyncCount() != 2 || sum.SyncedCount() != 1 {
		t.Fatalf("unexpected sync counts: out=%d synced=%d", sum.OutOfSyncCount(), sum.SyncedCount())
	}
	if sum.OutOfSync[0].Message != "boom" {
		t.Fatalf("expected error message to be carried, got %q", sum.OutOfSync[0].Message)
	}
	if sum.Idle() {
		t.Fatalf("summary with results is not idle")
	}
}

func TestSortedOutOfSync(t *testing.T) {
	sum := &Summary{OutOfSync: []core.OutOfSyncItem{{Key: key("z")}, {Key: key("a")}}}
	sorted := sum.SortedOutOfSync()
	if sorted[0].Key.Name != "a" || sum.OutOfSync[0].Key.Name != "z" {
		t.Fatalf("expected sorted copy, got %+v", sorted)
	}

	var nilSummary *Summary
	if nilSummary.SortedOutOfSync() != nil || nilSummary.Count(core.OutcomeApplied) != 0 || nilSummary.Idle() {
		t.Fatalf("nil summary should be empty")
	}
	if !(&Summary{}).Idle() {
		t.Fatalf("empty summary should be idle")
	}
}
