package summary

import (
	"sort"
	"time"

	"gitopsdelivery/pkg/core"
)

// Summary aggregates one drift cycle's outcomes for metrics, status, and events.
type Summary struct {
	CycleID   string
	Revision  string
	Trigger   string
	StartedAt time.Time
	Duration  time.Duration
	// Desired lists every key the cycle considered.
	Desired   []core.ResourceKey
	Results   []core.SyncResult
	OutOfSync []core.OutOfSyncItem
	Health    core.HealthStatus
}

// Count returns the number of results with the provided outcome.
func (s *Summary) Count(outcome core.SyncOutcome) int {
	if s == nil {
		return 0
	}
	count := 0
	for _, result := range s.Results {
		if result.Outcome == outcome {
			count++
		}
	}
	return count
}

// OutOfSyncCount returns the number of out-of-sync entries.
func (s *Summary) OutOfSyncCount() int {
	if s == nil {
		return 0
	}
	return len(s.OutOfSync)
}

// SyncedCount returns the number of desired keys considered in sync.
func (s *Summary) SyncedCount() int {
	if s == nil {
		return 0
	}
	synced := len(s.Desired)
	for _, item := range s.OutOfSync {
		for _, key := range s.Desired {
			if key == item.Key {
				synced--
				break
			}
		}
	}
	return synced
}

// Idle reports whether the cycle found nothing to apply.
func (s *Summary) Idle() bool {
	return s != nil && len(s.Results) == 0 && len(s.OutOfSync) == 0
}

// SortedOutOfSync returns a copy of the out-of-sync slice ordered by key for determinism.
func (s *Summary) SortedOutOfSync() []core.OutOfSyncItem {
	if s == nil || len(s.OutOfSync) == 0 {
		return nil
	}
	out := append([]core.OutOfSyncItem(nil), s.OutOfSync...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// FromResults derives out-of-sync items from every result that did not apply.
func FromResults(results []core.SyncResult) []core.OutOfSyncItem {
	var items []core.OutOfSyncItem
	for _, result := range results {
		if result.Outcome == core.OutcomeApplied {
			continue
		}
		items = append(items, core.OutOfSyncItem{Key: result.Key, Reason: result.Reason, Message: result.Message()})
	}
	return items
}
