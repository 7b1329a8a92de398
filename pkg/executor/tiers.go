package executor

import (
	"sort"
	"strings"

	"gitopsdelivery/pkg/core"
)

// Tier orders kinds so prerequisites are applied before the resources that consume them.
type Tier int

const (
	TierCluster Tier = iota
	TierConfig
	TierWorkload
	TierNetwork
)

var kindTiers = map[string]Tier{
	"Namespace":                TierCluster,
	"CustomResourceDefinition": TierCluster,
	"ClusterRole":              TierCluster,
	"ClusterRoleBinding":       TierCluster,
	"PriorityClass":            TierCluster,
	"StorageClass":             TierCluster,
	"ConfigMap":                TierConfig,
	"Secret":                   TierConfig,
	"ServiceAccount":           TierConfig,
	"Role":                     TierConfig,
	"RoleBinding":              TierConfig,
	"PersistentVolumeClaim":    TierConfig,
	"Deployment":               TierWorkload,
	"StatefulSet":              TierWorkload,
	"DaemonSet":                TierWorkload,
	"ReplicaSet":               TierWorkload,
	"Job":                      TierWorkload,
	"CronJob":                  TierWorkload,
	"Service":                  TierNetwork,
	"Ingress":                  TierNetwork,
	"NetworkPolicy":            TierNetwork,
	"HorizontalPodAutoscaler":  TierNetwork,
	core.DefaultRouteKind:      TierNetwork,
}

// TierOf returns the tier for kind; unknown kinds are treated as workloads.
func TierOf(kind string) Tier {
	if tier, ok := kindTiers[kind]; ok {
		return tier
	}
	return TierWorkload
}

// Order returns deltas in apply order: creates and updates by ascending tier, then deletes by
// descending tier. Within a tier the key order is kept.
func Order(deltas []core.Delta) []core.Delta {
	var applies, deletes []core.Delta
	for _, delta := range deltas {
		switch delta.Type {
		case core.DeltaNoOp:
			continue
		case core.DeltaDelete:
			deletes = append(deletes, delta)
		default:
			applies = append(applies, delta)
		}
	}

	sort.SliceStable(applies, func(i, j int) bool {
		left, right := TierOf(applies[i].Key.Kind), TierOf(applies[j].Key.Kind)
		if left != right {
			return left < right
		}
		return applies[i].Key.Less(applies[j].Key)
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		left, right := TierOf(deletes[i].Key.Kind), TierOf(deletes[j].Key.Kind)
		if left != right {
			return left > right
		}
		return deletes[i].Key.Less(deletes[j].Key)
	})

	return append(declaredFirst(applies), deletes...)
}

// declaredFirst moves each delta after the deltas it depends on, keeping the existing order
// otherwise. Cycles fall back to the existing order.
func declaredFirst(deltas []core.Delta) []core.Delta {
	inBatch := make(map[core.ResourceKey]bool, len(deltas))
	for _, delta := range deltas {
		inBatch[delta.Key] = true
	}

	emitted := make(map[core.ResourceKey]bool, len(deltas))
	ordered := make([]core.Delta, 0, len(deltas))
	remaining := append([]core.Delta(nil), deltas...)

	for len(remaining) > 0 {
		next := 0
		for index, delta := range remaining {
			ready := true
			for _, dependency := range applyDependencies(delta) {
				if inBatch[dependency] && !emitted[dependency] {
					ready = false
					break
				}
			}
			if ready {
				next = index
				break
			}
		}
		ordered = append(ordered, remaining[next])
		emitted[remaining[next].Key] = true
		remaining = append(remaining[:next], remaining[next+1:]...)
	}

	return ordered
}

// dependencies returns the keys delta must wait on. A create or update depends on its Namespace
// object, the objects its body references, and any keys listed in the depends-on annotation. A
// delete depends on deletes in batch of resources that reference it, and a Namespace delete on
// every delete inside it.
func dependencies(delta core.Delta, batch []core.Delta) []core.ResourceKey {
	if delta.Type != core.DeltaDelete {
		return applyDependencies(delta)
	}

	var deps []core.ResourceKey
	for _, other := range batch {
		if other.Key == delta.Key || other.Type != core.DeltaDelete {
			continue
		}
		if delta.Key.Kind == "Namespace" && other.Key.Namespace == delta.Key.Name {
			deps = append(deps, other.Key)
			continue
		}
		for _, referenced := range References(other.Key, other.FromSpec) {
			if referenced == delta.Key {
				deps = append(deps, other.Key)
				break
			}
		}
	}
	return deps
}

func applyDependencies(delta core.Delta) []core.ResourceKey {
	var deps []core.ResourceKey
	if delta.Key.Namespace != "" {
		deps = append(deps, core.ResourceKey{Kind: "Namespace", Name: delta.Key.Namespace})
	}
	deps = append(deps, References(delta.Key, delta.ToSpec)...)
	return append(deps, declaredDependencies(delta.ToSpec)...)
}

// declaredDependencies parses the comma separated depends-on annotation.
func declaredDependencies(spec core.ResourceSpec) []core.ResourceKey {
	value := spec.Annotations()[core.DependsOnAnnotation]
	if value == "" {
		return nil
	}
	var keys []core.ResourceKey
	for _, item := range strings.Split(value, ",") {
		key, err := core.ParseResourceKey(item)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
