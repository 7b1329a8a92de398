// Package history keeps a bounded per-resource window of sync results.
package history

import (
	"context"
	"sync"
	"time"

	"gitopsdelivery/pkg/core"
)

// Entry is one recorded sync result.
type Entry struct {
	CycleID    string           `json:"cycleId"`
	Revision   string           `json:"revision"`
	Key        core.ResourceKey `json:"key"`
	DeltaType  core.DeltaType   `json:"deltaType"`
	Outcome    core.SyncOutcome `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Message    string           `json:"message,omitempty"`
	Attempts   int              `json:"attempts"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// FromResult converts a sync result into an entry.
func FromResult(cycleID, revision string, result core.SyncResult, recordedAt time.Time) Entry {
	return Entry{
		CycleID:    cycleID,
		Revision:   revision,
		Key:        result.Key,
		DeltaType:  result.DeltaType,
		Outcome:    result.Outcome,
		Reason:     result.Reason,
		Message:    result.Message(),
		Attempts:   result.Attempts,
		RecordedAt: recordedAt,
	}
}

// Store persists sync results, keeping only the newest entries per key.
type Store interface {
	Record(ctx context.Context, entries ...Entry) error
	// List returns entries for key, newest first.
	List(ctx context.Context, key core.ResourceKey) ([]Entry, error)
}

// Latest returns the newest entry for key.
func Latest(ctx context.Context, store Store, key core.ResourceKey) (Entry, bool, error) {
	entries, err := store.List(ctx, key)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

// MemoryStore is a Store holding the window in process memory.
type MemoryStore struct {
	mutex   sync.Mutex
	window  int
	entries map[core.ResourceKey][]Entry
}

// NewMemoryStore returns a store keeping window entries per key.
func NewMemoryStore(window int) *MemoryStore {
	if window <= 0 {
		window = core.DefaultHistoryWindow
	}
	return &MemoryStore{window: window, entries: map[core.ResourceKey][]Entry{}}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, entries ...Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, entry := range entries {
		list := append([]Entry{entry}, s.entries[entry.Key]...)
		if len(list) > s.window {
			list = list[:s.window]
		}
		s.entries[entry.Key] = list
	}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, key core.ResourceKey) ([]Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]Entry(nil), s.entries[key]...), nil
}
