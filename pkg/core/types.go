package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ResourceKey identifies a resource within a cluster and joins desired and live state.
type ResourceKey struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (k ResourceKey) String() string {
	if k.Namespace == "" {
		return k.Kind + "/" + k.Name
	}
	return k.Kind + "/" + k.Namespace + "/" + k.Name
}

// Less orders keys lexicographically by kind, then namespace, then name.
func (k ResourceKey) Less(other ResourceKey) bool {
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	return k.Name < other.Name
}

// ParseResourceKey parses "Kind/namespace/name" or "Kind/name" for cluster scoped resources.
func ParseResourceKey(value string) (ResourceKey, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			break
		}
		return ResourceKey{Kind: parts[0], Name: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			break
		}
		return ResourceKey{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
	}
	return ResourceKey{}, fmt.Errorf("invalid resource key %q", value)
}

// SortKeys orders keys in place using ResourceKey.Less.
func SortKeys(keys []ResourceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// FieldPath addresses a field inside a ResourceSpec.
type FieldPath []string

// ParseFieldPath splits a dotted path such as "spec.replicas".
func ParseFieldPath(path string) FieldPath {
	if path == "" {
		return nil
	}
	return FieldPath(strings.Split(path, "."))
}

func (p FieldPath) String() string { return strings.Join(p, ".") }

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p FieldPath) HasPrefix(prefix FieldPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ResourceSpec is the JSON-compatible body of a resource declaration.
type ResourceSpec map[string]interface{}

// DeepCopy returns a copy with numbers normalized to int64/float64.
func (s ResourceSpec) DeepCopy() ResourceSpec {
	if s == nil {
		return nil
	}
	return normalizeValue(map[string]interface{}(s)).(map[string]interface{})
}

// Field returns the value at path.
func (s ResourceSpec) Field(path FieldPath) (interface{}, bool) {
	if s == nil || len(path) == 0 {
		return nil, false
	}
	value, found, err := unstructured.NestedFieldNoCopy(s, path...)
	if err != nil || !found {
		return nil, false
	}
	return value, true
}

// SetField stores a copy of value at path, creating intermediate maps.
func (s ResourceSpec) SetField(path FieldPath, value interface{}) error {
	if len(path) == 0 {
		return fmt.Errorf("empty field path")
	}
	return unstructured.SetNestedField(s, normalizeValue(value), path...)
}

// RemoveField deletes the value at path if present.
func (s ResourceSpec) RemoveField(path FieldPath) {
	if len(path) == 0 {
		return
	}
	unstructured.RemoveNestedField(s, path...)
}

// Annotations returns metadata.annotations as a string map.
func (s ResourceSpec) Annotations() map[string]string {
	return s.stringMap("metadata", "annotations")
}

// Labels returns metadata.labels as a string map.
func (s ResourceSpec) Labels() map[string]string {
	return s.stringMap("metadata", "labels")
}

func (s ResourceSpec) stringMap(path ...string) map[string]string {
	if s == nil {
		return nil
	}
	values, found, err := unstructured.NestedStringMap(s, path...)
	if err != nil || !found {
		return nil
	}
	return values
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case ResourceSpec:
		return normalizeValue(map[string]interface{}(typed))
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, v := range typed {
			out[i] = normalizeValue(v)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = v
		}
		return out
	case []string:
		out := make([]interface{}, len(typed))
		for i, v := range typed {
			out[i] = v
		}
		return out
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint32:
		return int64(typed)
	case float32:
		return float64(typed)
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		f, _ := typed.Float64()
		return f
	default:
		return typed
	}
}

// DesiredState is an immutable snapshot of declared resources at one source revision.
type DesiredState struct {
	revision  string
	resources map[ResourceKey]ResourceSpec
}

// NewDesiredState copies resources so later mutation of the input cannot leak into the snapshot.
func NewDesiredState(revision string, resources map[ResourceKey]ResourceSpec) DesiredState {
	copied := make(map[ResourceKey]ResourceSpec, len(resources))
	for key, spec := range resources {
		copied[key] = spec.DeepCopy()
	}
	return DesiredState{revision: revision, resources: copied}
}

// Revision returns the source revision the snapshot was taken at.
func (d DesiredState) Revision() string { return d.revision }

// Len returns the number of declared resources.
func (d DesiredState) Len() int { return len(d.resources) }

// Keys returns the declared keys in stable order.
func (d DesiredState) Keys() []ResourceKey {
	keys := make([]ResourceKey, 0, len(d.resources))
	for key := range d.resources {
		keys = append(keys, key)
	}
	SortKeys(keys)
	return keys
}

// Spec returns a copy of the declared spec for key.
func (d DesiredState) Spec(key ResourceKey) (ResourceSpec, bool) {
	spec, ok := d.resources[key]
	if !ok {
		return nil, false
	}
	return spec.DeepCopy(), true
}

// Has reports whether key is declared.
func (d DesiredState) Has(key ResourceKey) bool {
	_, ok := d.resources[key]
	return ok
}

// Filter returns a snapshot at the same revision holding only resources matching keep.
func (d DesiredState) Filter(keep func(ResourceKey, ResourceSpec) bool) DesiredState {
	filtered := make(map[ResourceKey]ResourceSpec, len(d.resources))
	for key, spec := range d.resources {
		if keep(key, spec) {
			filtered[key] = spec
		}
	}
	return NewDesiredState(d.revision, filtered)
}

// IsReleaseTemplate reports whether spec is a release template instantiated per track.
func IsReleaseTemplate(spec ResourceSpec) bool {
	return spec.Annotations()[ReleaseTemplateAnnotation] == "true"
}

// LiveResource is a cached, timestamped view of a platform-owned resource.
type LiveResource struct {
	Key        ResourceKey
	Spec       ResourceSpec
	Status     map[string]interface{}
	Labels     map[string]string
	Version    string
	Generation int64
	ObservedAt time.Time
}

// OwnedBy reports whether the resource carries the ownership marker for owner.
func (r LiveResource) OwnedBy(owner string) bool {
	return owner != "" && r.Labels[OwnerLabel] == owner
}

// StatusField returns a status value at path.
func (r LiveResource) StatusField(path ...string) (interface{}, bool) {
	if r.Status == nil {
		return nil, false
	}
	value, found, err := unstructured.NestedFieldNoCopy(r.Status, path...)
	if err != nil || !found {
		return nil, false
	}
	return value, true
}

// DeltaType classifies the change needed for one resource.
type DeltaType string

const (
	DeltaCreate DeltaType = "Create"
	DeltaUpdate DeltaType = "Update"
	DeltaDelete DeltaType = "Delete"
	DeltaNoOp   DeltaType = "NoOp"
)

// Delta is a single-cycle change for one resource.
type Delta struct {
	Key         ResourceKey
	Type        DeltaType
	FromSpec    ResourceSpec
	ToSpec      ResourceSpec
	Fields      []FieldPath
	FromVersion string
}

// FieldNames returns the changed field paths as strings.
func (d Delta) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, field := range d.Fields {
		names = append(names, field.String())
	}
	return names
}

// SyncOutcome is the result class of applying a Delta.
type SyncOutcome string

const (
	OutcomeApplied SyncOutcome = "Applied"
	OutcomeFailed  SyncOutcome = "Failed"
	OutcomeSkipped SyncOutcome = "Skipped"
)

// Reason values attached to sync results.
const (
	ReasonApplied            = "Applied"
	ReasonAlreadyInSync      = "AlreadyInSync"
	ReasonDependencyFailed   = "DependencyFailed"
	ReasonCanceled           = "Canceled"
	ReasonValidationRejected = "ValidationRejected"
	ReasonPermissionDenied   = "PermissionDenied"
	ReasonRetriesExhausted   = "RetriesExhausted"
	ReasonAwaitingChange     = "AwaitingDesiredChange"
	ReasonHalted             = "Halted"
	ReasonPruneDisabled      = "PruneDisabled"
	ReasonSelfHealDisabled   = "SelfHealDisabled"
	ReasonPaused             = "Paused"
	ReasonUnreadable         = "Unreadable"
	ReasonFailed             = "Failed"
	ReasonOwnershipViolation = "OwnershipViolation"
)

// SyncResult records the outcome of one Delta apply.
type SyncResult struct {
	Key       ResourceKey
	DeltaType DeltaType
	Outcome   SyncOutcome
	Reason    string
	Err       error
	Attempts  int
	AppliedAt time.Time
}

// Message returns the error text or reason for display.
func (r SyncResult) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Reason
}

// HealthStatus is the health of one resource or the aggregate application.
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "Unknown"
	HealthProgressing HealthStatus = "Progressing"
	HealthHealthy     HealthStatus = "Healthy"
	HealthDegraded    HealthStatus = "Degraded"
)

// TrackName names one of the two release tracks.
type TrackName string

const (
	TrackBlue  TrackName = "blue"
	TrackGreen TrackName = "green"
)

// Other returns the opposite track.
func (t TrackName) Other() TrackName {
	if t == TrackBlue {
		return TrackGreen
	}
	return TrackBlue
}

// ReleaseTrack is one of the two side-by-side versions of the application.
type ReleaseTrack struct {
	Name      TrackName     `json:"name"`
	Version   string        `json:"version"`
	Resources []ResourceKey `json:"resources,omitempty"`
	Weight    int32         `json:"weight"`
	Health    HealthStatus  `json:"health"`
}

// AutoscalePolicy declares replica bounds and metric targets for one workload.
type AutoscalePolicy struct {
	Target        ResourceKey        `json:"target"`
	MinReplicas   int32              `json:"minReplicas"`
	MaxReplicas   int32              `json:"maxReplicas"`
	MetricTargets map[string]float64 `json:"metricTargets"`
	Cooldown      time.Duration      `json:"cooldown,omitempty"`
	// MinChange is the minimum relative replica change worth acting on. Nil means the default;
	// an explicit zero acts on every change.
	MinChange *float64 `json:"minChange,omitempty"`
}

// MinRelativeChange returns MinChange, or DefaultMinReplicaChange when unset.
func (p AutoscalePolicy) MinRelativeChange() float64 {
	if p.MinChange == nil {
		return DefaultMinReplicaChange
	}
	return *p.MinChange
}

// AutoscaleDecision is the latest replica recommendation for one workload.
type AutoscaleDecision struct {
	Key             ResourceKey `json:"key"`
	CurrentReplicas int32       `json:"currentReplicas"`
	DesiredReplicas int32       `json:"desiredReplicas"`
	Reason          string      `json:"reason"`
	DecidedAt       time.Time   `json:"decidedAt"`
}

// Condition is a standard status condition.
type Condition struct {
	Type               string `json:"type"`
	Status             string `json:"status"` // True|False|Unknown
	Reason             string `json:"reason,omitempty"`
	Message            string `json:"message,omitempty"`
	LastTransitionTime string `json:"lastTransitionTime,omitempty"`
}

// OutOfSyncItem gives details about a resource that is not converged.
type OutOfSyncItem struct {
	Key     ResourceKey `json:"key"`
	Reason  string      `json:"reason"`
	Message string      `json:"message,omitempty"`
}
