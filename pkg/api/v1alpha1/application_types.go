package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"gitopsdelivery/pkg/agents/status"
	"gitopsdelivery/pkg/core"
)

// SourceRef names the ConfigMap holding the desired-state manifests.
type SourceRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// BackoffSpec is the declared apply backoff.
type BackoffSpec struct {
	Duration    metav1.Duration `json:"duration,omitempty"`
	Factor      float64         `json:"factor,omitempty"`
	MaxDuration metav1.Duration `json:"maxDuration,omitempty"`
}

// RetrySpec bounds apply retries.
type RetrySpec struct {
	Limit   int         `json:"limit,omitempty"`
	Backoff BackoffSpec `json:"backoff,omitempty"`
}

// SyncPolicySpec configures the drift loop.
type SyncPolicySpec struct {
	Interval    metav1.Duration `json:"interval,omitempty"`
	SelfHeal    *bool           `json:"selfHeal,omitempty"`
	Prune       *bool           `json:"prune,omitempty"`
	Retry       RetrySpec       `json:"retry,omitempty"`
	Timeout     metav1.Duration `json:"timeout,omitempty"`
	HealthGrace metav1.Duration `json:"healthGrace,omitempty"`
}

// CanaryStepSpec is one traffic increment.
type CanaryStepSpec struct {
	Weight int32           `json:"weight"`
	Bake   metav1.Duration `json:"bake,omitempty"`
}

// RolloutSpec configures progressive delivery.
type RolloutSpec struct {
	Strategy      string           `json:"strategy,omitempty"`
	Route         core.ResourceKey `json:"route"`
	WeightsField  string           `json:"weightsField,omitempty"`
	HealthTimeout metav1.Duration  `json:"healthTimeout,omitempty"`
	BakePeriod    metav1.Duration  `json:"bakePeriod"`
	Steps         []CanaryStepSpec `json:"steps,omitempty"`
	Interval      metav1.Duration  `json:"interval,omitempty"`
}

// AutoscaleSpec declares replica bounds and metric targets for one workload.
type AutoscaleSpec struct {
	Target        core.ResourceKey   `json:"target"`
	MinReplicas   int32              `json:"minReplicas"`
	MaxReplicas   int32              `json:"maxReplicas"`
	MetricTargets map[string]float64 `json:"metricTargets"`
	Cooldown      metav1.Duration    `json:"cooldown,omitempty"`
	// MinChange defaults to 0.1 when unset; an explicit 0 acts on every change.
	MinChange *float64 `json:"minChange,omitempty"`
}

// MetricsSpec points the autoscaler at a Prometheus server. Queries are templates rendered per
// workload with .Kind, .Namespace and .Name.
type MetricsSpec struct {
	Address  string            `json:"address"`
	Queries  map[string]string `json:"queries"`
	Interval metav1.Duration   `json:"interval,omitempty"`
	Timeout  metav1.Duration   `json:"timeout,omitempty"`
}

// HistorySpec configures persisted sync history. An empty DSN keeps history in memory.
type HistorySpec struct {
	DSN    string `json:"dsn,omitempty"`
	Window int    `json:"window,omitempty"`
}

// ApplicationSpec defines the desired state of Application.
type ApplicationSpec struct {
	// Owner is the instance identity stamped on every managed resource.
	Owner      string          `json:"owner"`
	Source     SourceRef       `json:"source"`
	SyncPolicy SyncPolicySpec  `json:"syncPolicy,omitempty"`
	Rollout    *RolloutSpec    `json:"rollout,omitempty"`
	Autoscale  []AutoscaleSpec `json:"autoscale,omitempty"`
	Metrics    *MetricsSpec    `json:"metrics,omitempty"`
	History    *HistorySpec    `json:"history,omitempty"`
}

// ApplicationStatus defines observed state.
type ApplicationStatus struct {
	Sync          status.SyncStatus        `json:"sync"`
	Paused        bool                     `json:"paused,omitempty"`
	RolloutPhase  string                   `json:"rolloutPhase,omitempty"`
	ActiveVersion string                   `json:"activeVersion,omitempty"`
	Autoscale     []core.AutoscaleDecision `json:"autoscale,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=app
// +kubebuilder:printcolumn:name="Revision",type="string",JSONPath=".status.sync.revision"
// +kubebuilder:printcolumn:name="Health",type="string",JSONPath=".status.sync.health"
// +kubebuilder:printcolumn:name="OutOfSync",type="integer",JSONPath=".status.sync.outOfSyncCount"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Application is the Schema for the API.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ApplicationList contains a list of Application.
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}

// Policy converts the declared sync policy.
func (s SyncPolicySpec) Policy() core.SyncPolicy {
	return core.SyncPolicy{
		Interval: s.Interval.Duration,
		SelfHeal: s.SelfHeal,
		Prune:    s.Prune,
		Retry: core.RetryPolicy{
			Limit: s.Retry.Limit,
			Backoff: core.BackoffPolicy{
				Duration:    s.Retry.Backoff.Duration.Duration,
				Factor:      s.Retry.Backoff.Factor,
				MaxDuration: s.Retry.Backoff.MaxDuration.Duration,
			},
		},
		Timeout:     s.Timeout.Duration,
		HealthGrace: s.HealthGrace.Duration,
	}
}

func syncPolicySpec(policy core.SyncPolicy) SyncPolicySpec {
	return SyncPolicySpec{
		Interval: metav1.Duration{Duration: policy.Interval},
		SelfHeal: policy.SelfHeal,
		Prune:    policy.Prune,
		Retry: RetrySpec{
			Limit: policy.Retry.Limit,
			Backoff: BackoffSpec{
				Duration:    metav1.Duration{Duration: policy.Retry.Backoff.Duration},
				Factor:      policy.Retry.Backoff.Factor,
				MaxDuration: metav1.Duration{Duration: policy.Retry.Backoff.MaxDuration},
			},
		},
		Timeout:     metav1.Duration{Duration: policy.Timeout},
		HealthGrace: metav1.Duration{Duration: policy.HealthGrace},
	}
}

// Policy converts the declared rollout.
func (r RolloutSpec) Policy() core.RolloutPolicy {
	policy := core.RolloutPolicy{
		Strategy:      r.Strategy,
		Route:         r.Route,
		WeightsField:  r.WeightsField,
		HealthTimeout: r.HealthTimeout.Duration,
		BakePeriod:    r.BakePeriod.Duration,
		Interval:      r.Interval.Duration,
	}
	for _, step := range r.Steps {
		policy.Steps = append(policy.Steps, core.CanaryStep{Weight: step.Weight, Bake: step.Bake.Duration})
	}
	return policy
}

func rolloutSpec(policy core.RolloutPolicy) RolloutSpec {
	spec := RolloutSpec{
		Strategy:      policy.Strategy,
		Route:         policy.Route,
		WeightsField:  policy.WeightsField,
		HealthTimeout: metav1.Duration{Duration: policy.HealthTimeout},
		BakePeriod:    metav1.Duration{Duration: policy.BakePeriod},
		Interval:      metav1.Duration{Duration: policy.Interval},
	}
	for _, step := range policy.Steps {
		spec.Steps = append(spec.Steps, CanaryStepSpec{Weight: step.Weight, Bake: metav1.Duration{Duration: step.Bake}})
	}
	return spec
}

// Policy converts the declared autoscale target.
func (a AutoscaleSpec) Policy() core.AutoscalePolicy {
	policy := core.AutoscalePolicy{
		Target:      a.Target,
		MinReplicas: a.MinReplicas,
		MaxReplicas: a.MaxReplicas,
		Cooldown:    a.Cooldown.Duration,
		MinChange:   copyFloat(a.MinChange),
	}
	if a.MetricTargets != nil {
		policy.MetricTargets = make(map[string]float64, len(a.MetricTargets))
		for name, target := range a.MetricTargets {
			policy.MetricTargets[name] = target
		}
	}
	return policy
}

func autoscaleSpec(policy core.AutoscalePolicy) AutoscaleSpec {
	spec := AutoscaleSpec{
		Target:      policy.Target,
		MinReplicas: policy.MinReplicas,
		MaxReplicas: policy.MaxReplicas,
		Cooldown:    metav1.Duration{Duration: policy.Cooldown},
		MinChange:   copyFloat(policy.MinChange),
	}
	if policy.MetricTargets != nil {
		spec.MetricTargets = make(map[string]float64, len(policy.MetricTargets))
		for name, target := range policy.MetricTargets {
			spec.MetricTargets[name] = target
		}
	}
	return spec
}

// AutoscalePolicies converts every declared autoscale target.
func (s ApplicationSpec) AutoscalePolicies() []core.AutoscalePolicy {
	policies := make([]core.AutoscalePolicy, 0, len(s.Autoscale))
	for _, autoscale := range s.Autoscale {
		policies = append(policies, autoscale.Policy())
	}
	return policies
}

func copyFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	return ptr.To(*value)
}
