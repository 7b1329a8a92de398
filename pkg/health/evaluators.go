package health

import (
	"fmt"

	"gitopsdelivery/pkg/core"
)

// Evaluation is the health of one live resource at one observation.
type Evaluation struct {
	Status  core.HealthStatus
	Message string
	// Terminal marks a Degraded state that does not wait for the grace window.
	Terminal bool
}

// HealthEvaluator scores one kind of live resource.
type HealthEvaluator interface {
	Evaluate(resource core.LiveResource) Evaluation
}

// evaluatorFor dispatches on kind over the closed set of evaluators.
func evaluatorFor(kind, routeKind string, weights core.FieldPath) HealthEvaluator {
	switch {
	case kind == routeKind:
		return routeEvaluator{weights: weights}
	case kind == "Job":
		return jobEvaluator{}
	case core.IsWorkload(kind):
		return workloadEvaluator{}
	default:
		return existenceEvaluator{}
	}
}

type existenceEvaluator struct{}

func (existenceEvaluator) Evaluate(core.LiveResource) Evaluation {
	return Evaluation{Status: core.HealthHealthy}
}

type workloadEvaluator struct{}

func (workloadEvaluator) Evaluate(resource core.LiveResource) Evaluation {
	if reason, failed := failureCondition(resource); failed {
		return Evaluation{Status: core.HealthDegraded, Message: reason, Terminal: true}
	}

	if observed, ok := intField(resource.Status, "observedGeneration"); ok && resource.Generation > 0 && observed < resource.Generation {
		return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("observed generation %d of %d", observed, resource.Generation)}
	}

	if resource.Key.Kind == "DaemonSet" {
		desired, _ := intField(resource.Status, "desiredNumberScheduled")
		ready, _ := intField(resource.Status, "numberReady")
		if ready < desired || desired == 0 {
			return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("%d of %d pods ready", ready, desired)}
		}
		return Evaluation{Status: core.HealthHealthy}
	}

	desired := int64(1)
	if value, ok := resource.Spec.Field(core.ParseFieldPath(core.ReplicasField)); ok {
		if typed, ok := value.(int64); ok {
			desired = typed
		}
	}

	ready, _ := intField(resource.Status, "readyReplicas")
	if ready < desired {
		return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("%d of %d replicas ready", ready, desired)}
	}
	if updated, ok := intField(resource.Status, "updatedReplicas"); ok && updated < desired {
		return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("%d of %d replicas updated", updated, desired)}
	}
	if available, ok := intField(resource.Status, "availableReplicas"); ok && available < desired {
		return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("%d of %d replicas available", available, desired)}
	}
	if total, ok := intField(resource.Status, "replicas"); ok && total > desired {
		return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprintf("%d old replicas pending termination", total-desired)}
	}

	return Evaluation{Status: core.HealthHealthy}
}

type jobEvaluator struct{}

func (jobEvaluator) Evaluate(resource core.LiveResource) Evaluation {
	for _, condition := range conditions(resource) {
		if condition["type"] == "Failed" && condition["status"] == "True" {
			return Evaluation{Status: core.HealthDegraded, Message: fmt.Sprint(condition["message"]), Terminal: true}
		}
		if condition["type"] == "Complete" && condition["status"] == "True" {
			return Evaluation{Status: core.HealthHealthy}
		}
	}
	if succeeded, _ := intField(resource.Status, "succeeded"); succeeded > 0 {
		return Evaluation{Status: core.HealthHealthy}
	}
	return Evaluation{Status: core.HealthProgressing, Message: "job running"}
}

type routeEvaluator struct {
	weights core.FieldPath
}

func (e routeEvaluator) Evaluate(resource core.LiveResource) Evaluation {
	if value, ok := resource.Spec.Field(e.weights); ok {
		weights, isMap := value.(map[string]interface{})
		if !isMap {
			return Evaluation{Status: core.HealthDegraded, Message: "weights field is not a map", Terminal: true}
		}
		total := int64(0)
		for _, weight := range weights {
			typed, _ := weight.(int64)
			if typed < 0 || typed > 100 {
				return Evaluation{Status: core.HealthDegraded, Message: fmt.Sprintf("weight %d out of range", typed), Terminal: true}
			}
			total += typed
		}
		if total != 100 {
			return Evaluation{Status: core.HealthDegraded, Message: fmt.Sprintf("weights sum to %d", total), Terminal: true}
		}
	}
	for _, condition := range conditions(resource) {
		if condition["type"] == "Ready" && condition["status"] == "False" {
			return Evaluation{Status: core.HealthProgressing, Message: fmt.Sprint(condition["message"])}
		}
	}
	return Evaluation{Status: core.HealthHealthy}
}

// failureCondition detects terminal workload failures.
func failureCondition(resource core.LiveResource) (string, bool) {
	for _, condition := range conditions(resource) {
		reason, _ := condition["reason"].(string)
		switch {
		case reason == "ProgressDeadlineExceeded":
			return "progress deadline exceeded", true
		case reason == "CrashLoopBackOff":
			return "containers are crash looping", true
		case condition["type"] == "ReplicaFailure" && condition["status"] == "True":
			return fmt.Sprintf("replica failure: %v", condition["message"]), true
		}
	}
	return "", false
}

func conditions(resource core.LiveResource) []map[string]interface{} {
	raw, ok := resource.StatusField("conditions")
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range items {
		if condition, ok := item.(map[string]interface{}); ok {
			out = append(out, condition)
		}
	}
	return out
}

func intField(status map[string]interface{}, name string) (int64, bool) {
	value, ok := status[name]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return typed, true
	case float64:
		return int64(typed), true
	case int:
		return int64(typed), true
	default:
		return 0, false
	}
}
