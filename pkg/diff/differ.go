// Package diff computes the minimal set of changes that converges live state onto a desired
// snapshot, comparing only the fields the desired state declares.
package diff

import (
	"fmt"
	"sort"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
)

// Options configure field ownership for a Differ.
type Options struct {
	// Owner is the ownership label value stamped on created resources and required on live ones.
	Owner string
	// Autoscaled workloads leave spec.replicas to the autoscale engine.
	Autoscaled map[core.ResourceKey]bool
	// RouteKind is the kind whose weights field belongs to the delivery controller.
	RouteKind string
	// WeightsField is the traffic split field on RouteKind resources.
	WeightsField core.FieldPath
	// Exclusions adds per-key fields that are never compared.
	Exclusions map[core.ResourceKey][]core.FieldPath
}

// Warning reports a key the differ refused to act on.
type Warning struct {
	Key core.ResourceKey
	Err error
}

// Result is the outcome of one Diff call.
type Result struct {
	// Deltas holds Create, Update, and Delete deltas sorted by key.
	Deltas []core.Delta
	// InSync lists desired keys whose live state already matches.
	InSync []core.ResourceKey
	// Unreadable lists keys skipped because their live state could not be read.
	Unreadable []core.ResourceKey
	// Warnings lists ownership violations.
	Warnings []Warning
}

// Empty reports whether no change is needed.
func (r Result) Empty() bool { return len(r.Deltas) == 0 }

// Differ compares desired and live state. It is pure and safe for concurrent use.
type Differ struct {
	owner      string
	workload   workloadMerger
	route      routeMerger
	routeKind  string
	exclusions map[core.ResourceKey][]core.FieldPath
}

// New returns a Differ for opts.
func New(opts Options) *Differ {
	routeKind := opts.RouteKind
	if routeKind == "" {
		routeKind = core.DefaultRouteKind
	}
	weights := opts.WeightsField
	if len(weights) == 0 {
		weights = core.ParseFieldPath(core.DefaultWeightsField)
	}
	return &Differ{
		owner:      opts.Owner,
		workload:   workloadMerger{autoscaled: opts.Autoscaled},
		route:      routeMerger{weights: weights},
		routeKind:  routeKind,
		exclusions: opts.Exclusions,
	}
}

// Owner returns the ownership label value the differ stamps and checks.
func (d *Differ) Owner() string { return d.owner }

// MergerFor returns the merger used for kind.
func (d *Differ) MergerFor(kind string) SpecMerger {
	switch {
	case kind == d.routeKind:
		return d.route
	case core.IsWorkload(kind):
		return d.workload
	default:
		return genericMerger{}
	}
}

// Excluded returns every field the drift owner does not manage for key.
func (d *Differ) Excluded(key core.ResourceKey) []core.FieldPath {
	exclusions := append([]core.FieldPath{}, serverFields...)
	exclusions = append(exclusions, d.MergerFor(key.Kind).Excluded(key)...)
	return append(exclusions, d.exclusions[key]...)
}

// Diff computes the deltas converging live onto desired. owned lists every live resource that
// carries the ownership marker; owned keys missing from desired become Deletes.
func (d *Differ) Diff(desired core.DesiredState, live adapters.LiveSnapshot, owned []core.LiveResource) Result {
	var result Result

	for _, key := range desired.Keys() {
		if live.Unreadable(key) {
			result.Unreadable = append(result.Unreadable, key)
			continue
		}
		spec, _ := desired.Spec(key)
		current, exists := live.Get(key)
		if exists && !current.OwnedBy(d.owner) {
			result.Warnings = append(result.Warnings, Warning{
				Key: key,
				Err: fmt.Errorf("%w: %s exists without owner %s", core.ErrOwnershipViolation, key, d.owner),
			})
			continue
		}
		var delta core.Delta
		if exists {
			delta = d.DiffResource(key, spec, &current)
		} else {
			delta = d.DiffResource(key, spec, nil)
		}
		if delta.Type == core.DeltaNoOp {
			result.InSync = append(result.InSync, key)
			continue
		}
		result.Deltas = append(result.Deltas, delta)
	}

	for _, resource := range owned {
		if desired.Has(resource.Key) || !resource.OwnedBy(d.owner) {
			continue
		}
		result.Deltas = append(result.Deltas, core.Delta{
			Key:         resource.Key,
			Type:        core.DeltaDelete,
			FromSpec:    resource.Spec.DeepCopy(),
			FromVersion: resource.Version,
		})
	}

	sort.SliceStable(result.Deltas, func(i, j int) bool { return result.Deltas[i].Key.Less(result.Deltas[j].Key) })

	return result
}

// DiffResource compares one desired spec with its live counterpart; live is nil when absent.
func (d *Differ) DiffResource(key core.ResourceKey, desired core.ResourceSpec, live *core.LiveResource) core.Delta {
	target := Stamp(desired, map[string]string{core.OwnerLabel: d.owner})

	if live == nil {
		stripServerFields(target)
		return core.Delta{Key: key, Type: core.DeltaCreate, ToSpec: target}
	}

	fields := changedFields(target, live.Spec, d.Excluded(key))
	if len(fields) == 0 {
		return core.Delta{Key: key, Type: core.DeltaNoOp, FromVersion: live.Version}
	}

	return core.Delta{
		Key:         key,
		Type:        core.DeltaUpdate,
		FromSpec:    live.Spec.DeepCopy(),
		ToSpec:      d.MergerFor(key.Kind).Merge(live.Spec, target, fields),
		Fields:      fields,
		FromVersion: live.Version,
	}
}

// DiffFields builds a targeted delta writing only fields, for writers that own a field set
// rather than a whole resource. Exclusions do not apply. The resource must exist.
func (d *Differ) DiffFields(key core.ResourceKey, desired core.ResourceSpec, live *core.LiveResource, fields []core.FieldPath) (core.Delta, error) {
	if live == nil {
		return core.Delta{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}

	changed := targetedFields(desired, live.Spec, fields)
	if len(changed) == 0 {
		return core.Delta{Key: key, Type: core.DeltaNoOp, FromVersion: live.Version}, nil
	}

	return core.Delta{
		Key:         key,
		Type:        core.DeltaUpdate,
		FromSpec:    live.Spec.DeepCopy(),
		ToSpec:      mergeFields(live.Spec, desired, changed),
		Fields:      changed,
		FromVersion: live.Version,
	}, nil
}

// Rediff recomputes delta against a fresh read taken after a lost write; fresh is nil when the
// resource is gone. A NoOp result means the intended change is already live.
func (d *Differ) Rediff(delta core.Delta, fresh *core.LiveResource) (core.Delta, error) {
	switch delta.Type {
	case core.DeltaDelete:
		if fresh == nil {
			return core.Delta{Key: delta.Key, Type: core.DeltaNoOp}, nil
		}
		if !fresh.OwnedBy(d.owner) {
			return delta, fmt.Errorf("%w: %s lost its owner label", core.ErrOwnershipViolation, delta.Key)
		}
		rediffed := delta
		rediffed.FromSpec = fresh.Spec.DeepCopy()
		rediffed.FromVersion = fresh.Version
		return rediffed, nil
	case core.DeltaCreate:
		if fresh == nil {
			return delta, nil
		}
		if !fresh.OwnedBy(d.owner) {
			return delta, fmt.Errorf("%w: %s was created by another writer", core.ErrOwnershipViolation, delta.Key)
		}
		return d.DiffResource(delta.Key, delta.ToSpec, fresh), nil
	case core.DeltaUpdate:
		if fresh == nil {
			recreated := Stamp(delta.ToSpec, map[string]string{core.OwnerLabel: d.owner})
			stripServerFields(recreated)
			return core.Delta{Key: delta.Key, Type: core.DeltaCreate, ToSpec: recreated}, nil
		}
		return d.DiffFields(delta.Key, delta.ToSpec, fresh, delta.Fields)
	default:
		return delta, nil
	}
}

// Stamp returns a copy of spec carrying labels in metadata.labels.
func Stamp(spec core.ResourceSpec, labels map[string]string) core.ResourceSpec {
	stamped := spec.DeepCopy()
	if stamped == nil {
		stamped = core.ResourceSpec{}
	}
	for key, value := range labels {
		if value == "" {
			continue
		}
		_ = stamped.SetField(core.FieldPath{"metadata", "labels", key}, value)
	}
	return stamped
}
