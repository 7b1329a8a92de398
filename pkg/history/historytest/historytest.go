// Package historytest holds the contract tests every history.Store must pass.
package historytest

import (
	"context"
	"testing"
	"time"

	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/history"
)

// Run exercises a store built by factory with a window of three entries per key.
func Run(t *testing.T, factory func(t *testing.T, window int) history.Store) {
	web := core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}
	svc := core.ResourceKey{Kind: "Service", Namespace: "shop", Name: "web"}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	entry := func(key core.ResourceKey, cycle string, offset int) history.Entry {
		return history.Entry{
			CycleID:    cycle,
			Revision:   "rev-" + cycle,
			Key:        key,
			DeltaType:  core.DeltaUpdate,
			Outcome:    core.OutcomeApplied,
			Reason:     core.ReasonApplied,
			Attempts:   1,
			RecordedAt: base.Add(time.Duration(offset) * time.Second),
		}
	}

	t.Run("newest first", func(t *testing.T) {
		store := factory(t, 3)
		ctx := context.Background()
		if err := store.Record(ctx, entry(web, "c1", 1), entry(svc, "c1", 1)); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := store.Record(ctx, entry(web, "c2", 2)); err != nil {
			t.Fatalf("record: %v", err)
		}

		entries, err := store.List(ctx, web)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != 2 || entries[0].CycleID != "c2" || entries[1].CycleID != "c1" {
			t.Fatalf("unexpected entries %+v", entries)
		}
		if !entries[0].RecordedAt.Equal(base.Add(2 * time.Second)) {
			t.Fatalf("unexpected timestamp %v", entries[0].RecordedAt)
		}
		if entries[0].Key != web || entries[0].Outcome != core.OutcomeApplied {
			t.Fatalf("unexpected entry fields %+v", entries[0])
		}
	})

	t.Run("bounded window", func(t *testing.T) {
		store := factory(t, 3)
		ctx := context.Background()
		for i, cycle := range []string{"c1", "c2", "c3", "c4", "c5"} {
			if err := store.Record(ctx, entry(web, cycle, i)); err != nil {
				t.Fatalf("record: %v", err)
			}
		}
		entries, err := store.List(ctx, web)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != 3 || entries[0].CycleID != "c5" || entries[2].CycleID != "c3" {
			t.Fatalf("expected the newest three entries, got %+v", entries)
		}
	})

	t.Run("latest and unknown keys", func(t *testing.T) {
		store := factory(t, 3)
		ctx := context.Background()
		if _, found, err := history.Latest(ctx, store, web); err != nil || found {
			t.Fatalf("expected no entry, got found=%v err=%v", found, err)
		}
		if err := store.Record(ctx, entry(web, "c1", 1)); err != nil {
			t.Fatalf("record: %v", err)
		}
		latest, found, err := history.Latest(ctx, store, web)
		if err != nil || !found || latest.CycleID != "c1" {
			t.Fatalf("unexpected latest %+v found=%v err=%v", latest, found, err)
		}
	})
}
