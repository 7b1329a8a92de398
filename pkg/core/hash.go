package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// HashSpec computes a stable sha256 hash of a spec.
// encoding/json sorts map keys, so equal specs hash equally regardless of insertion order.
func HashSpec(spec ResourceSpec) string {
	if len(spec) == 0 {
		return ""
	}
	raw, err := json.Marshal(spec.DeepCopy())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashSpecs hashes a set of specs keyed by resource, independent of map order.
func HashSpecs(specs map[ResourceKey]ResourceSpec) string {
	if len(specs) == 0 {
		return ""
	}
	keys := make([]ResourceKey, 0, len(specs))
	for key := range specs {
		keys = append(keys, key)
	}
	SortKeys(keys)
	b := strings.Builder{}
	for _, key := range keys {
		b.WriteString(key.String())
		b.WriteRune('\u0000')
		b.WriteString(HashSpec(specs[key]))
		b.WriteRune('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
