// Package memory provides in-process implementations of the adapter interfaces for tests and
// embedding.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"k8s.io/utils/clock"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
)

// StatusFunc synthesizes a status block for a resource after it is written.
type StatusFunc func(key core.ResourceKey, spec core.ResourceSpec) map[string]interface{}

// WriteRecord captures one mutating call.
type WriteRecord struct {
	Key     core.ResourceKey
	Delete  bool
	Version string
	Spec    core.ResourceSpec
}

// Store is a LiveStore holding resources in a map with monotonically increasing versions.
type Store struct {
	mutex       sync.Mutex
	resources   map[core.ResourceKey]core.LiveResource
	readErrors  map[core.ResourceKey]error
	writeErrors map[core.ResourceKey][]error
	unavailable error
	version     int64
	writes      []WriteRecord
	clock       clock.PassiveClock

	// StatusFunc, when set, fills Status on every write.
	StatusFunc StatusFunc
	// BeforeWrite runs with the store unlocked ahead of every Write; tests use it to race writers.
	BeforeWrite func(key core.ResourceKey)
}

var _ adapters.LiveStore = (*Store)(nil)

// NewStore returns an empty store.
func NewStore(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		resources:   map[core.ResourceKey]core.LiveResource{},
		readErrors:  map[core.ResourceKey]error{},
		writeErrors: map[core.ResourceKey][]error{},
		clock:       clk,
	}
}

// Seed stores spec for key directly, bypassing version checks, and returns the new version.
func (s *Store) Seed(key core.ResourceKey, spec core.ResourceSpec) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.storeLocked(key, spec)
}

// SetStatus replaces the status of an existing resource.
func (s *Store) SetStatus(key core.ResourceKey, status map[string]interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	resource, ok := s.resources[key]
	if !ok {
		return
	}
	resource.Status = core.ResourceSpec(status).DeepCopy()
	s.resources[key] = resource
}

// SetReadError makes reads of key fail with err until cleared with nil.
func (s *Store) SetReadError(key core.ResourceKey, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err == nil {
		delete(s.readErrors, key)
		return
	}
	s.readErrors[key] = err
}

// FailWrites queues errors returned by the next writes or deletes of key, one per call.
func (s *Store) FailWrites(key core.ResourceKey, errs ...error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.writeErrors[key] = append(s.writeErrors[key], errs...)
}

// SetUnavailable makes every call fail with err until cleared with nil.
func (s *Store) SetUnavailable(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.unavailable = err
}

// Get returns a copy of the stored resource.
func (s *Store) Get(key core.ResourceKey) (core.LiveResource, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	resource, ok := s.resources[key]
	if !ok {
		return core.LiveResource{}, false
	}
	return copyResource(resource), true
}

// Keys returns the stored keys in order.
func (s *Store) Keys() []core.ResourceKey {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	keys := make([]core.ResourceKey, 0, len(s.resources))
	for key := range s.resources {
		keys = append(keys, key)
	}
	core.SortKeys(keys)
	return keys
}

// Writes returns every successful mutation in call order.
func (s *Store) Writes() []WriteRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]WriteRecord(nil), s.writes...)
}

// ResetWrites clears the write log.
func (s *Store) ResetWrites() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.writes = nil
}

// FetchLive implements adapters.LiveStore.
func (s *Store) FetchLive(ctx context.Context, keys []core.ResourceKey) (adapters.LiveSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return adapters.LiveSnapshot{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.unavailable != nil {
		return adapters.LiveSnapshot{}, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, s.unavailable)
	}

	snapshot := adapters.NewLiveSnapshot()
	for _, key := range keys {
		if err, failed := s.readErrors[key]; failed {
			snapshot.Errors[key] = err
			continue
		}
		if resource, ok := s.resources[key]; ok {
			snapshot.Resources[key] = copyResource(resource)
		}
	}
	return snapshot, nil
}

// ListOwned implements adapters.LiveStore.
func (s *Store) ListOwned(ctx context.Context, owner string) ([]core.LiveResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.unavailable != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, s.unavailable)
	}

	var owned []core.LiveResource
	for _, resource := range s.resources {
		if resource.OwnedBy(owner) {
			owned = append(owned, copyResource(resource))
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].Key.Less(owned[j].Key) })
	return owned, nil
}

// Write implements adapters.LiveStore.
func (s *Store) Write(ctx context.Context, key core.ResourceKey, spec core.ResourceSpec, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.BeforeWrite != nil {
		s.BeforeWrite(key)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.failureLocked(key); err != nil {
		return "", err
	}

	current, exists := s.resources[key]
	switch {
	case expectedVersion == "" && exists:
		return "", fmt.Errorf("%w: %s already exists", core.ErrConflict, key)
	case expectedVersion != "" && !exists:
		return "", fmt.Errorf("%w: %s was deleted", core.ErrConflict, key)
	case expectedVersion != "" && current.Version != expectedVersion:
		return "", fmt.Errorf("%w: %s version %s, expected %s", core.ErrConflict, key, current.Version, expectedVersion)
	}

	version := s.storeLocked(key, spec)
	s.writes = append(s.writes, WriteRecord{Key: key, Version: version, Spec: spec.DeepCopy()})
	return version, nil
}

// Delete implements adapters.LiveStore.
func (s *Store) Delete(ctx context.Context, key core.ResourceKey, expectedVersion string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.failureLocked(key); err != nil {
		return err
	}

	current, exists := s.resources[key]
	if !exists {
		return nil
	}
	if expectedVersion != "" && current.Version != expectedVersion {
		return fmt.Errorf("%w: %s version %s, expected %s", core.ErrConflict, key, current.Version, expectedVersion)
	}

	delete(s.resources, key)
	s.writes = append(s.writes, WriteRecord{Key: key, Delete: true})
	return nil
}

func (s *Store) failureLocked(key core.ResourceKey) error {
	if s.unavailable != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, s.unavailable)
	}
	if queued := s.writeErrors[key]; len(queued) > 0 {
		s.writeErrors[key] = queued[1:]
		return queued[0]
	}
	return nil
}

func (s *Store) storeLocked(key core.ResourceKey, spec core.ResourceSpec) string {
	s.version++
	version := strconv.FormatInt(s.version, 10)

	body := spec.DeepCopy()
	if body == nil {
		body = core.ResourceSpec{}
	}
	delete(body, "status")

	previous, existed := s.resources[key]
	generation := int64(1)
	if existed {
		generation = previous.Generation + 1
	}

	resource := core.LiveResource{
		Key:        key,
		Spec:       body,
		Labels:     body.Labels(),
		Version:    version,
		Generation: generation,
		ObservedAt: s.clock.Now(),
	}
	if existed {
		resource.Status = previous.Status
	}
	if s.StatusFunc != nil {
		resource.Status = core.ResourceSpec(s.StatusFunc(key, body)).DeepCopy()
	}

	s.resources[key] = resource
	return version
}

func copyResource(resource core.LiveResource) core.LiveResource {
	copied := resource
	copied.Spec = resource.Spec.DeepCopy()
	copied.Status = core.ResourceSpec(resource.Status).DeepCopy()
	if resource.Labels != nil {
		copied.Labels = make(map[string]string, len(resource.Labels))
		for key, value := range resource.Labels {
			copied.Labels[key] = value
		}
	}
	return copied
}

// ReadyWorkloadStatus reports workloads as fully rolled out at their declared replica count.
func ReadyWorkloadStatus(_ core.ResourceKey, spec core.ResourceSpec) map[string]interface{} {
	replicas := int64(1)
	if value, ok := spec.Field(core.ParseFieldPath(core.ReplicasField)); ok {
		if typed, ok := value.(int64); ok {
			replicas = typed
		}
	}
	return map[string]interface{}{
		"replicas":          replicas,
		"readyReplicas":     replicas,
		"updatedReplicas":   replicas,
		"availableReplicas": replicas,
	}
}
