package core

import "time"

// SyncPolicy configures how the drift loop converges live state.
type SyncPolicy struct {
	Interval time.Duration `json:"interval,omitempty"`
	SelfHeal *bool         `json:"selfHeal,omitempty"`
	Prune    *bool         `json:"prune,omitempty"`
	Retry    RetryPolicy   `json:"retry,omitempty"`
	// Timeout bounds each external call made during a cycle.
	Timeout time.Duration `json:"timeout,omitempty"`
	// HealthGrace bounds how long a resource may stay Progressing.
	HealthGrace time.Duration `json:"healthGrace,omitempty"`
}

// SelfHealEnabled reports the effective self-heal setting (default true).
func (p SyncPolicy) SelfHealEnabled() bool { return p.SelfHeal == nil || *p.SelfHeal }

// PruneEnabled reports the effective prune setting (default true).
func (p SyncPolicy) PruneEnabled() bool { return p.Prune == nil || *p.Prune }

// RetryPolicy bounds apply retries.
type RetryPolicy struct {
	Limit   int           `json:"limit,omitempty"`
	Backoff BackoffPolicy `json:"backoff,omitempty"`
}

// BackoffPolicy is the declared exponential backoff.
type BackoffPolicy struct {
	Duration    time.Duration `json:"duration,omitempty"`
	Factor      float64       `json:"factor,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
}

// CanaryStep is one traffic increment for the candidate track.
type CanaryStep struct {
	Weight int32         `json:"weight"`
	Bake   time.Duration `json:"bake"`
}

// RolloutPolicy configures progressive delivery between the two tracks.
type RolloutPolicy struct {
	Strategy      string        `json:"strategy,omitempty"`
	Route         ResourceKey   `json:"route"`
	WeightsField  string        `json:"weightsField,omitempty"`
	HealthTimeout time.Duration `json:"healthTimeout,omitempty"`
	BakePeriod    time.Duration `json:"bakePeriod"`
	Steps         []CanaryStep  `json:"steps,omitempty"`
	Interval      time.Duration `json:"interval,omitempty"`
}

// WeightsPath returns the field path of the traffic weights map on the route.
func (p RolloutPolicy) WeightsPath() FieldPath {
	if p.WeightsField == "" {
		return ParseFieldPath(DefaultWeightsField)
	}
	return ParseFieldPath(p.WeightsField)
}
