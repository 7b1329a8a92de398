package diff

import (
	"sort"

	"k8s.io/apimachinery/pkg/api/equality"

	"gitopsdelivery/pkg/core"
)

// leafPaths lists the paths of every leaf declared in spec. Lists are leaves.
func leafPaths(spec map[string]interface{}, prefix core.FieldPath) []core.FieldPath {
	var paths []core.FieldPath
	for key, value := range spec {
		path := append(append(core.FieldPath{}, prefix...), key)
		if nested, ok := value.(map[string]interface{}); ok && len(nested) > 0 {
			paths = append(paths, leafPaths(nested, path)...)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func excluded(path core.FieldPath, exclusions []core.FieldPath) bool {
	for _, exclusion := range exclusions {
		if path.HasPrefix(exclusion) {
			return true
		}
	}
	return false
}

// covers reports whether every value declared in desired is present and equal in live. Maps
// nested inside lists are compared the same way so platform defaults inside list items do not
// count as drift.
func covers(desired, live interface{}) bool {
	switch typed := desired.(type) {
	case map[string]interface{}:
		liveMap, ok := live.(map[string]interface{})
		if !ok {
			return len(typed) == 0 && live == nil
		}
		for key, value := range typed {
			if !covers(value, liveMap[key]) {
				return false
			}
		}
		return true
	case []interface{}:
		liveList, ok := live.([]interface{})
		if !ok {
			return len(typed) == 0 && live == nil
		}
		if len(typed) != len(liveList) {
			return false
		}
		for index := range typed {
			if !covers(typed[index], liveList[index]) {
				return false
			}
		}
		return true
	case int64:
		return numericEqual(float64(typed), live)
	case float64:
		return numericEqual(typed, live)
	default:
		return equality.Semantic.DeepEqual(desired, live)
	}
}

func numericEqual(desired float64, live interface{}) bool {
	switch typed := live.(type) {
	case int64:
		return float64(typed) == desired
	case float64:
		return typed == desired
	case int:
		return float64(typed) == desired
	case int32:
		return float64(typed) == desired
	default:
		return false
	}
}

// changedFields returns the sorted declared leaf paths whose live value differs.
func changedFields(desired, live core.ResourceSpec, exclusions []core.FieldPath) []core.FieldPath {
	var changed []core.FieldPath
	for _, path := range leafPaths(desired, nil) {
		if excluded(path, exclusions) {
			continue
		}
		want, _ := desired.Field(path)
		have, found := live.Field(path)
		if !found {
			if !covers(want, nil) {
				changed = append(changed, path)
			}
			continue
		}
		if !covers(want, have) {
			changed = append(changed, path)
		}
	}
	sortPaths(changed)
	return changed
}

// targetedFields compares exactly the listed fields; a field absent from desired but present live
// counts as changed so it is removed.
func targetedFields(desired, live core.ResourceSpec, fields []core.FieldPath) []core.FieldPath {
	var changed []core.FieldPath
	for _, path := range fields {
		want, declared := desired.Field(path)
		have, found := live.Field(path)
		switch {
		case !declared && !found:
			continue
		case !declared || !found:
			changed = append(changed, path)
		case !equality.Semantic.DeepEqual(want, have) && !(covers(want, have) && covers(have, want)):
			changed = append(changed, path)
		}
	}
	sortPaths(changed)
	return changed
}

func sortPaths(paths []core.FieldPath) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
}
