package v1alpha1

import (
	"gitopsdelivery/pkg/agents/status"
	"gitopsdelivery/pkg/core"
)

// ApplySyncStatus records the latest drift loop status.
func (application *Application) ApplySyncStatus(sync status.SyncStatus, paused bool) {
	application.Status.Sync = sync
	application.Status.Sync.OutOfSync = append([]core.OutOfSyncItem(nil), sync.OutOfSync...)
	application.Status.Sync.Conditions = append([]core.Condition(nil), sync.Conditions...)
	application.Status.Paused = paused
}

// ApplyRolloutStatus records the delivery phase and the version serving traffic.
func (application *Application) ApplyRolloutStatus(phase, activeVersion string) {
	application.Status.RolloutPhase = phase
	application.Status.ActiveVersion = activeVersion
}

// ApplyAutoscaleDecisions records the latest decision per workload.
func (application *Application) ApplyAutoscaleDecisions(decisions []core.AutoscaleDecision) {
	application.Status.Autoscale = append([]core.AutoscaleDecision(nil), decisions...)
}

// Ready reports the Ready condition of the last sync.
func (application *Application) Ready() bool {
	condition, ok := status.Find(application.Status.Sync.Conditions, core.CondReady)
	return ok && condition.Status == "True"
}
