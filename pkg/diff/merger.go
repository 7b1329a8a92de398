package diff

import (
	"gitopsdelivery/pkg/core"
)

// serverFields are populated by the platform and never compared or written back.
var serverFields = []core.FieldPath{
	{"status"},
	{"metadata", "resourceVersion"},
	{"metadata", "uid"},
	{"metadata", "generation"},
	{"metadata", "creationTimestamp"},
	{"metadata", "managedFields"},
	{"metadata", "selfLink"},
}

// SpecMerger decides which fields of a kind the drift owner manages and how a changed field
// set lands on the live body.
type SpecMerger interface {
	// Name identifies the merger in logs and tests.
	Name() string
	// Excluded lists fields owned by another writer for key.
	Excluded(key core.ResourceKey) []core.FieldPath
	// Merge returns live with each changed field replaced by its desired value.
	Merge(live, desired core.ResourceSpec, fields []core.FieldPath) core.ResourceSpec
}

type genericMerger struct{}

func (genericMerger) Name() string { return "generic" }

func (genericMerger) Excluded(core.ResourceKey) []core.FieldPath { return nil }

func (genericMerger) Merge(live, desired core.ResourceSpec, fields []core.FieldPath) core.ResourceSpec {
	return mergeFields(live, desired, fields)
}

// workloadMerger leaves spec.replicas to the autoscaler for autoscaled workloads.
type workloadMerger struct {
	autoscaled map[core.ResourceKey]bool
}

func (workloadMerger) Name() string { return "workload" }

func (m workloadMerger) Excluded(key core.ResourceKey) []core.FieldPath {
	if m.autoscaled[key] {
		return []core.FieldPath{core.ParseFieldPath(core.ReplicasField)}
	}
	return nil
}

func (workloadMerger) Merge(live, desired core.ResourceSpec, fields []core.FieldPath) core.ResourceSpec {
	return mergeFields(live, desired, fields)
}

// routeMerger leaves the weights field to the delivery controller.
type routeMerger struct {
	weights core.FieldPath
}

func (routeMerger) Name() string { return "route" }

func (m routeMerger) Excluded(core.ResourceKey) []core.FieldPath {
	return []core.FieldPath{m.weights}
}

func (m routeMerger) Merge(live, desired core.ResourceSpec, fields []core.FieldPath) core.ResourceSpec {
	merged := mergeFields(live, desired, fields)
	if weights, ok := live.Field(m.weights); ok {
		_ = merged.SetField(m.weights, weights)
	}
	return merged
}

func mergeFields(live, desired core.ResourceSpec, fields []core.FieldPath) core.ResourceSpec {
	merged := live.DeepCopy()
	if merged == nil {
		merged = core.ResourceSpec{}
	}
	for _, field := range fields {
		value, ok := desired.Field(field)
		if !ok {
			merged.RemoveField(field)
			continue
		}
		_ = merged.SetField(field, value)
	}
	stripServerFields(merged)
	return merged
}

// stripServerFields removes platform-populated fields before a write.
func stripServerFields(spec core.ResourceSpec) {
	for _, field := range serverFields {
		spec.RemoveField(field)
	}
}
