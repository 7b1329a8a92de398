package adapters

import (
	"context"

	"gitopsdelivery/pkg/core"
)

// DesiredSource pulls the declared state of the application.
type DesiredSource interface {
	// FetchDesired returns an immutable snapshot. Read failures wrap core.ErrSourceUnavailable;
	// content that cannot be decoded wraps core.ErrValidationRejected.
	FetchDesired(ctx context.Context) (core.DesiredState, error)
}

// LiveSnapshot holds the live resources read for a set of keys. Keys that were read
// successfully but do not exist are absent from both maps.
type LiveSnapshot struct {
	Resources map[core.ResourceKey]core.LiveResource
	Errors    map[core.ResourceKey]error
}

// NewLiveSnapshot returns an empty snapshot ready for population.
func NewLiveSnapshot() LiveSnapshot {
	return LiveSnapshot{
		Resources: map[core.ResourceKey]core.LiveResource{},
		Errors:    map[core.ResourceKey]error{},
	}
}

// Get returns the live resource for key.
func (s LiveSnapshot) Get(key core.ResourceKey) (core.LiveResource, bool) {
	resource, ok := s.Resources[key]
	return resource, ok
}

// Unreadable reports whether key failed to read.
func (s LiveSnapshot) Unreadable(key core.ResourceKey) bool {
	_, failed := s.Errors[key]
	return failed
}

// Merge adds the entries of other, letting other win on overlap.
func (s LiveSnapshot) Merge(other LiveSnapshot) {
	for key, resource := range other.Resources {
		s.Resources[key] = resource
		delete(s.Errors, key)
	}
	for key, err := range other.Errors {
		s.Errors[key] = err
	}
}

// LiveStore reads and writes platform-owned resources with optimistic concurrency.
type LiveStore interface {
	// FetchLive returns partial results; the call fails as a whole only with core.ErrStoreUnavailable.
	FetchLive(ctx context.Context, keys []core.ResourceKey) (LiveSnapshot, error)
	// ListOwned lists live resources carrying the ownership label for owner.
	ListOwned(ctx context.Context, owner string) ([]core.LiveResource, error)
	// Write creates (empty expectedVersion) or replaces a resource and returns its new version.
	Write(ctx context.Context, key core.ResourceKey, spec core.ResourceSpec, expectedVersion string) (string, error)
	// Delete removes a resource if its version still matches expectedVersion.
	Delete(ctx context.Context, key core.ResourceKey, expectedVersion string) error
}

// MetricsSource reports utilization samples for a workload.
type MetricsSource interface {
	Utilization(ctx context.Context, key core.ResourceKey, metricNames []string) (map[string]float64, error)
}
