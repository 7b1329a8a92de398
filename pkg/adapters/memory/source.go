package memory

import (
	"context"
	"fmt"
	"sync"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
)

// Source is a DesiredSource returning whatever snapshot was last published.
type Source struct {
	mutex    sync.Mutex
	snapshot core.DesiredState
	err      error
	fetches  int
}

var _ adapters.DesiredSource = (*Source)(nil)

// NewSource returns a source publishing resources at revision.
func NewSource(revision string, resources map[core.ResourceKey]core.ResourceSpec) *Source {
	return &Source{snapshot: core.NewDesiredState(revision, resources)}
}

// Publish replaces the snapshot.
func (s *Source) Publish(revision string, resources map[core.ResourceKey]core.ResourceSpec) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshot = core.NewDesiredState(revision, resources)
}

// SetError makes fetches fail until cleared with nil. Validation errors are returned as they are;
// anything else is reported as the source being unavailable.
func (s *Source) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.err = err
}

// Fetches returns how many times FetchDesired was called.
func (s *Source) Fetches() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.fetches
}

// FetchDesired implements adapters.DesiredSource.
func (s *Source) FetchDesired(ctx context.Context) (core.DesiredState, error) {
	if err := ctx.Err(); err != nil {
		return core.DesiredState{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.fetches++
	if s.err != nil {
		if core.ClassifyError(s.err) == core.ErrorCategoryValidation {
			return core.DesiredState{}, s.err
		}
		return core.DesiredState{}, fmt.Errorf("%w: %v", core.ErrSourceUnavailable, s.err)
	}
	return s.snapshot, nil
}

// Metrics is a MetricsSource serving fixed samples per workload.
type Metrics struct {
	mutex   sync.Mutex
	samples map[core.ResourceKey]map[string]float64
	err     error
}

var _ adapters.MetricsSource = (*Metrics)(nil)

// NewMetrics returns an empty metrics source.
func NewMetrics() *Metrics {
	return &Metrics{samples: map[core.ResourceKey]map[string]float64{}}
}

// Set replaces the samples for key.
func (m *Metrics) Set(key core.ResourceKey, samples map[string]float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	copied := make(map[string]float64, len(samples))
	for name, value := range samples {
		copied[name] = value
	}
	m.samples[key] = copied
}

// SetError makes every query fail until cleared with nil.
func (m *Metrics) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.err = err
}

// Utilization implements adapters.MetricsSource.
func (m *Metrics) Utilization(ctx context.Context, key core.ResourceKey, metricNames []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	samples := make(map[string]float64, len(metricNames))
	for _, name := range metricNames {
		value, ok := m.samples[key][name]
		if !ok {
			return nil, fmt.Errorf("%w: metric %s for %s", core.ErrNotFound, name, key)
		}
		samples[name] = value
	}
	return samples, nil
}
