package core

import (
	"fmt"
	"os"
	"time"

	"k8s.io/utils/ptr"
)

// ValidateSyncPolicy enforces basic guardrails on the sync configuration.
func ValidateSyncPolicy(policy *SyncPolicy) error {
	if policy == nil {
		return fmt.Errorf("syncPolicy is required")
	}

	if policy.Interval < time.Second {
		return fmt.Errorf("syncPolicy.interval must be >= 1s")
	}

	if policy.Retry.Limit < 1 {
		return fmt.Errorf("syncPolicy.retry.limit must be >= 1")
	}

	if policy.Retry.Backoff.Factor < 1 {
		return fmt.Errorf("syncPolicy.retry.backoff.factor must be >= 1")
	}

	if policy.Retry.Backoff.MaxDuration < policy.Retry.Backoff.Duration {
		return fmt.Errorf("syncPolicy.retry.backoff.maxDuration must be >= duration")
	}

	return nil
}

// DefaultSyncPolicy applies safe defaults consistent with the declared retry policy.
func DefaultSyncPolicy(policy *SyncPolicy) {
	if policy.Interval == 0 {
		policy.Interval = durationFromEnv("SYNC_INTERVAL", 3*time.Minute)
	}

	if policy.SelfHeal == nil {
		selfHeal := true
		policy.SelfHeal = &selfHeal
	}

	if policy.Prune == nil {
		shouldPrune := true
		policy.Prune = &shouldPrune
	}

	if policy.Retry.Limit == 0 {
		policy.Retry.Limit = 5
	}

	if policy.Retry.Backoff.Duration == 0 {
		policy.Retry.Backoff.Duration = 5 * time.Second
	}

	if policy.Retry.Backoff.Factor == 0 {
		policy.Retry.Backoff.Factor = 2
	}

	if policy.Retry.Backoff.MaxDuration == 0 {
		policy.Retry.Backoff.MaxDuration = 3 * time.Minute
	}

	if policy.Timeout == 0 {
		policy.Timeout = 10 * time.Second
	}

	if policy.HealthGrace == 0 {
		policy.HealthGrace = durationFromEnv("HEALTH_GRACE", 5*time.Minute)
	}
}

// ValidateRolloutPolicy checks the progressive delivery configuration. Bake period and canary
// steps have no canonical default and must be declared.
func ValidateRolloutPolicy(policy *RolloutPolicy) error {
	if policy == nil {
		return fmt.Errorf("rollout policy is required")
	}

	if policy.Strategy != StrategyBlueGreen && policy.Strategy != StrategyCanary {
		return fmt.Errorf("invalid rollout.strategy: %s", policy.Strategy)
	}

	if policy.Route.Kind == "" || policy.Route.Name == "" {
		return fmt.Errorf("rollout.route kind and name are required")
	}

	if policy.BakePeriod <= 0 {
		return fmt.Errorf("rollout.bakePeriod is required")
	}

	if policy.HealthTimeout <= 0 {
		return fmt.Errorf("rollout.healthTimeout must be > 0")
	}

	if policy.Strategy == StrategyCanary {
		if len(policy.Steps) == 0 {
			return fmt.Errorf("rollout.steps are required for canary")
		}
		previous := int32(0)
		for i, step := range policy.Steps {
			if step.Weight <= previous || step.Weight > 100 {
				return fmt.Errorf("rollout.steps[%d].weight must increase within (0,100]", i)
			}
			if step.Bake < 0 {
				return fmt.Errorf("rollout.steps[%d].bake must be >= 0", i)
			}
			previous = step.Weight
		}
		if previous != 100 {
			return fmt.Errorf("rollout.steps must end at weight 100")
		}
	}

	return nil
}

// DefaultRolloutPolicy fills optional rollout fields.
func DefaultRolloutPolicy(policy *RolloutPolicy) {
	if policy.Strategy == "" {
		policy.Strategy = StrategyBlueGreen
	}
	if policy.Route.Kind == "" {
		policy.Route.Kind = DefaultRouteKind
	}
	if policy.WeightsField == "" {
		policy.WeightsField = DefaultWeightsField
	}
	if policy.HealthTimeout == 0 {
		policy.HealthTimeout = 10 * time.Minute
	}
	if policy.Interval == 0 {
		policy.Interval = 10 * time.Second
	}
}

// ValidateAutoscalePolicy checks replica bounds and metric targets.
func ValidateAutoscalePolicy(policy *AutoscalePolicy) error {
	if policy == nil {
		return fmt.Errorf("autoscale policy is required")
	}

	if policy.Target.Kind == "" || policy.Target.Name == "" {
		return fmt.Errorf("autoscale target kind and name are required")
	}

	if policy.MinReplicas < 1 {
		return fmt.Errorf("%s: minReplicas must be >= 1", policy.Target)
	}

	if policy.MaxReplicas < policy.MinReplicas {
		return fmt.Errorf("%s: maxReplicas must be >= minReplicas", policy.Target)
	}

	if len(policy.MetricTargets) == 0 {
		return fmt.Errorf("%s: at least one metric target is required", policy.Target)
	}

	for name, target := range policy.MetricTargets {
		if target <= 0 {
			return fmt.Errorf("%s: metric %s target must be > 0", policy.Target, name)
		}
	}

	if policy.MinChange != nil && (*policy.MinChange < 0 || *policy.MinChange >= 1) {
		return fmt.Errorf("%s: minChange must be within [0,1)", policy.Target)
	}

	return nil
}

// DefaultAutoscalePolicy fills the cooldown window and minimum relative change.
func DefaultAutoscalePolicy(policy *AutoscalePolicy) {
	if policy.Cooldown == 0 {
		policy.Cooldown = 5 * time.Minute
	}
	if policy.MinChange == nil {
		policy.MinChange = ptr.To(DefaultMinReplicaChange)
	}
}

// durationFromEnv determines a default from the environment, falling back when unset or invalid.
func durationFromEnv(name string, fallback time.Duration) time.Duration {
	if environmentValue := os.Getenv(name); environmentValue != "" {
		if parsed, err := time.ParseDuration(environmentValue); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}
