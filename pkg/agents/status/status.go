package status

import (
	"fmt"
	"time"

	"gitopsdelivery/pkg/agents/summary"
	"gitopsdelivery/pkg/core"
)

// SyncStatus is the externally visible state of the reconciliation loop. Every cycle assesses
// health, including ticks that find no drift, so Health and Conditions can change between
// cycles that write nothing.
type SyncStatus struct {
	Revision       string               `json:"revision,omitempty"`
	LastSyncTime   string               `json:"lastSyncTime,omitempty"`
	Health         core.HealthStatus    `json:"health"`
	DesiredCount   int32                `json:"desiredCount"`
	SyncedCount    int32                `json:"syncedCount"`
	OutOfSyncCount int32                `json:"outOfSyncCount"`
	OutOfSync      []core.OutOfSyncItem `json:"outOfSync,omitempty"`
	Conditions     []core.Condition     `json:"conditions,omitempty"`
}

// Compute builds a SyncStatus from the provided summary and error.
func Compute(previous SyncStatus, sum *summary.Summary, cycleErr error, now time.Time) SyncStatus {
	status := previous
	timestamp := now.UTC().Format(time.RFC3339)
	status.LastSyncTime = timestamp
	if sum != nil {
		status.Revision = sum.Revision
		status.Health = sum.Health
		status.DesiredCount = int32(len(sum.Desired))
		status.OutOfSyncCount = int32(sum.OutOfSyncCount())
		status.SyncedCount = int32(sum.SyncedCount())
		status.OutOfSync = sum.SortedOutOfSync()
	}
	if status.Health == "" {
		status.Health = core.HealthUnknown
	}
	status.Conditions = mergeConditions(previous.Conditions, desiredConditions(sum, cycleErr, timestamp))
	return status
}

// Find returns the condition of type conditionType.
func Find(conditions []core.Condition, conditionType string) (core.Condition, bool) {
	for _, condition := range conditions {
		if condition.Type == conditionType {
			return condition, true
		}
	}
	return core.Condition{}, false
}

func desiredConditions(sum *summary.Summary, cycleErr error, timestamp string) map[string]core.Condition {
	ready := core.Condition{Type: core.CondReady, Status: "False", Reason: "Reconciling", Message: "waiting for reconciliation", LastTransitionTime: timestamp}
	progressing := core.Condition{Type: core.CondProgressing, Status: "False", Reason: "Idle", Message: "no pending work", LastTransitionTime: timestamp}
	degraded := core.Condition{Type: core.CondDegraded, Status: "False", Reason: "Healthy", Message: "no errors", LastTransitionTime: timestamp}

	switch {
	case cycleErr != nil:
		ready.Reason = "Error"
		ready.Message = fmt.Sprintf("cycle failed: %v", cycleErr)
		degraded.Status = "True"
		degraded.Reason = "Error"
		degraded.Message = fmt.Sprintf("cycle failed: %v", cycleErr)
		progressing.Reason = "Error"
		progressing.Message = "paused due to error"
	case sum != nil && sum.Health == core.HealthDegraded:
		ready.Reason = "Degraded"
		ready.Message = "one or more resources are degraded"
		degraded.Status = "True"
		degraded.Reason = "Degraded"
		degraded.Message = "one or more resources are degraded"
		if sum.OutOfSyncCount() > 0 {
			progressing.Status = "True"
			progressing.Reason = "OutOfSync"
			progressing.Message = fmt.Sprintf("reconciling %d resources", sum.OutOfSyncCount())
		}
	case sum != nil && sum.OutOfSyncCount() > 0:
		ready.Reason = "OutOfSync"
		ready.Message = fmt.Sprintf("%d resources out of sync", sum.OutOfSyncCount())
		progressing.Status = "True"
		progressing.Reason = "OutOfSync"
		progressing.Message = fmt.Sprintf("reconciling %d resources", sum.OutOfSyncCount())
		degraded.Reason = "OutOfSync"
		degraded.Message = "waiting for convergence"
	case sum != nil && sum.Health != core.HealthHealthy:
		ready.Reason = "Progressing"
		ready.Message = "waiting for resources to become healthy"
		progressing.Status = "True"
		progressing.Reason = "Progressing"
		progressing.Message = "resources are converging"
	default:
		ready.Status = "True"
		ready.Reason = "Reconciled"
		if sum != nil {
			ready.Message = fmt.Sprintf("%d resources in sync at revision %s", len(sum.Desired), sum.Revision)
		} else {
			ready.Message = "reconciliation succeeded"
		}
		progressing.Reason = "Reconciled"
		progressing.Message = "all resources in sync"
	}

	return map[string]core.Condition{
		core.CondReady:       ready,
		core.CondProgressing: progressing,
		core.CondDegraded:    degraded,
	}
}

func mergeConditions(previous []core.Condition, desired map[string]core.Condition) []core.Condition {
	byType := map[string]core.Condition{}
	for _, cond := range previous {
		byType[cond.Type] = cond
	}
	result := make([]core.Condition, 0, len(desired))
	for _, conditionType := range []string{core.CondReady, core.CondProgressing, core.CondDegraded} {
		cond := desired[conditionType]
		if prev, ok := byType[cond.Type]; ok {
			if prev.Status == cond.Status && prev.Reason == cond.Reason && prev.Message == cond.Message {
				cond.LastTransitionTime = prev.LastTransitionTime
			}
		}
		result = append(result, cond)
	}
	return result
}
