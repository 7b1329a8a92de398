package drift

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/agents/status"
	"gitopsdelivery/pkg/agents/summary"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/executor"
	"gitopsdelivery/pkg/history"
	"gitopsdelivery/pkg/observability/tracing"
)

// RunCycle runs one full Diff → Sync → Assess pass. Automatic triggers return ErrPaused while
// the loop is paused. A failed source fetch leaves live state untouched.
func (c *Controller) RunCycle(ctx context.Context, trigger Trigger) (*summary.Summary, error) {
	if trigger != TriggerOperator && c.isPaused() {
		return nil, ErrPaused
	}

	c.cycleMutex.Lock()
	defer c.cycleMutex.Unlock()

	cycleID := uuid.NewString()
	sum := &summary.Summary{CycleID: cycleID, Trigger: string(trigger), StartedAt: c.cfg.Clock.Now()}

	ctx, span := tracing.StartCycleSpan(ctx, "Drift.Cycle", cycleID, "", string(trigger))
	defer span.End()
	log := tracing.LoggerWithTrace(ctx, c.cfg.Log.WithValues("cycle", cycleID, "trigger", string(trigger)))

	c.setPhase(PhaseDiffing)
	defer c.setPhase(PhaseIdle)

	desired, err := c.fetchDesired(ctx)
	if err != nil {
		c.cfg.Recorder.ObserveSourceError()
		return sum, c.fail(sum, span, log, fmt.Errorf("fetch desired state: %w", err))
	}
	sum.Revision = desired.Revision()
	span.SetAttributes(attribute.String("delivery.revision", sum.Revision))

	synced := desired.Filter(func(_ core.ResourceKey, spec core.ResourceSpec) bool { return !core.IsReleaseTemplate(spec) })
	sum.Desired = synced.Keys()

	live, owned, err := c.fetchLive(ctx, synced.Keys())
	if err != nil {
		return sum, c.fail(sum, span, log, err)
	}

	result := c.cfg.Differ.Diff(synced, live, owned)
	for _, warning := range result.Warnings {
		sum.OutOfSync = append(sum.OutOfSync, core.OutOfSyncItem{Key: warning.Key, Reason: core.ReasonOwnershipViolation, Message: warning.Err.Error()})
		c.cfg.Events.Emit(events.Event{CycleID: cycleID, Key: warning.Key, Reason: events.ReasonOwnership, Message: warning.Err.Error(), Warning: true})
	}
	for _, key := range result.Unreadable {
		sum.OutOfSync = append(sum.OutOfSync, core.OutOfSyncItem{Key: key, Reason: core.ReasonUnreadable, Message: live.Errors[key].Error()})
	}

	deltas, held := c.admit(result.Deltas, synced, trigger)
	sum.OutOfSync = append(sum.OutOfSync, held...)

	if len(deltas) > 0 {
		c.setPhase(PhaseSyncing)
		sum.Results = c.sync(ctx, cycleID, sum.Revision, deltas, synced, blockedKeys(held))
		sum.OutOfSync = append(sum.OutOfSync, summary.FromResults(sum.Results)...)

		// Re-read so health reflects what was just written.
		live, _, err = c.fetchLive(ctx, synced.Keys())
		if err != nil {
			return sum, c.fail(sum, span, log, err)
		}
		for _, delta := range deltas {
			if delta.Type == core.DeltaDelete {
				c.cfg.Assessor.Forget(delta.Key)
			}
		}
	}

	c.setPhase(PhaseAssessing)
	report := c.cfg.Assessor.Assess(live, synced.Keys())
	sum.Health = report.Aggregate
	c.haltDegraded(cycleID, trigger, synced, report.Keys(core.HealthDegraded), log)

	sum.Duration = c.cfg.Clock.Since(sum.StartedAt)
	c.finish(sum, nil, len(deltas) > 0)

	if len(deltas) == 0 {
		c.cfg.Recorder.ObserveIdle(sum.Health, sum.Duration)
	} else {
		c.cfg.Recorder.ObserveCycle(sum.Results, sum.OutOfSyncCount(), sum.Health, sum.Duration, nil)
	}

	log.V(1).Info("cycle finished", "revision", sum.Revision, "deltas", len(deltas),
		"outOfSync", sum.OutOfSyncCount(), "health", string(sum.Health), "duration", sum.Duration.String())

	if sum.OutOfSyncCount() == 0 && sum.Health == core.HealthHealthy {
		c.notify(Snapshot{CycleID: cycleID, Revision: sum.Revision, Desired: desired, Live: live, Health: sum.Health, At: c.cfg.Clock.Now()})
	}
	return sum, nil
}

func (c *Controller) fetchDesired(ctx context.Context) (core.DesiredState, error) {
	ctx, span := tracing.StartChildSpan(ctx, "Drift.FetchDesired")
	defer span.End()

	var desired core.DesiredState
	_, err := c.sourceBackoff.Retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Policy.Timeout)
		defer cancel()

		fetched, err := c.cfg.Source.FetchDesired(callCtx)
		if err != nil {
			return err
		}
		desired = fetched
		return nil
	}, func(err error) bool { return core.ClassifyError(err) != core.ErrorCategoryValidation })
	tracing.RecordSpanError(span, err)
	return desired, err
}

func (c *Controller) fetchLive(ctx context.Context, keys []core.ResourceKey) (adapters.LiveSnapshot, []core.LiveResource, error) {
	ctx, span := tracing.StartChildSpan(ctx, "Drift.FetchLive")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Policy.Timeout)
	defer cancel()

	live, err := c.cfg.Store.FetchLive(ctx, keys)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return adapters.LiveSnapshot{}, nil, fmt.Errorf("fetch live state: %w", err)
	}
	owned, err := c.cfg.Store.ListOwned(ctx, c.cfg.Owner)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return adapters.LiveSnapshot{}, nil, fmt.Errorf("list owned resources: %w", err)
	}
	return live, owned, nil
}

// admit filters deltas by policy and returns the held-back ones as out-of-sync items.
func (c *Controller) admit(deltas []core.Delta, desired core.DesiredState, trigger Trigger) ([]core.Delta, []core.OutOfSyncItem) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	manual := trigger == TriggerOperator
	revisionUnchanged := c.appliedRevision != "" && c.appliedRevision == desired.Revision()
	if manual {
		c.halted = map[core.ResourceKey]string{}
	}

	var admitted []core.Delta
	var held []core.OutOfSyncItem
	hold := func(delta core.Delta, reason, message string) {
		held = append(held, core.OutOfSyncItem{Key: delta.Key, Reason: reason, Message: message})
	}

	for _, delta := range deltas {
		hash := ""
		if spec, ok := desired.Spec(delta.Key); ok {
			hash = core.HashSpec(spec)
		}

		if rejectedHash, ok := c.rejected[delta.Key]; ok {
			if rejectedHash == hash {
				hold(delta, core.ReasonAwaitingChange, "last apply was rejected; waiting for a desired-state change")
				continue
			}
			delete(c.rejected, delta.Key)
		}

		if haltedHash, ok := c.halted[delta.Key]; ok {
			if haltedHash == hash {
				hold(delta, core.ReasonHalted, "resource degraded with self-heal disabled")
				continue
			}
			delete(c.halted, delta.Key)
		}

		if delta.Type == core.DeltaDelete && !c.cfg.Policy.PruneEnabled() {
			hold(delta, core.ReasonPruneDisabled, "resource no longer desired; prune disabled")
			continue
		}

		if !c.cfg.Policy.SelfHealEnabled() && revisionUnchanged && !manual {
			hold(delta, core.ReasonSelfHealDisabled, fmt.Sprintf("drift on %s not applied; self-heal disabled", diffSummary(delta)))
			continue
		}

		admitted = append(admitted, delta)
	}
	return admitted, held
}

// blockedKeys returns the held keys that stay away from their desired state until desired state
// changes, so their dependents are skipped instead of applied against a missing prerequisite.
func blockedKeys(held []core.OutOfSyncItem) []core.ResourceKey {
	var keys []core.ResourceKey
	for _, item := range held {
		if item.Reason == core.ReasonAwaitingChange || item.Reason == core.ReasonHalted {
			keys = append(keys, item.Key)
		}
	}
	return keys
}

func diffSummary(delta core.Delta) string {
	if delta.Type == core.DeltaUpdate && len(delta.Fields) > 0 {
		return fmt.Sprintf("%v", delta.FieldNames())
	}
	return string(delta.Type)
}

func (c *Controller) sync(ctx context.Context, cycleID, revision string, deltas []core.Delta, desired core.DesiredState, blocked []core.ResourceKey) []core.SyncResult {
	report := c.cfg.Executor.Apply(ctx, deltas, executor.ApplyOptions{
		OnResult: func(result core.SyncResult) {
			c.cfg.Events.Emit(events.FromResult(cycleID, result))
		},
		Blocked: blocked,
	})

	now := c.cfg.Clock.Now()
	entries := make([]history.Entry, 0, len(report.Results))
	for _, result := range report.Results {
		entries = append(entries, history.FromResult(cycleID, revision, result, now))
	}
	if err := c.cfg.History.Record(ctx, entries...); err != nil {
		c.cfg.Log.Info("recording sync history failed", "cycle", cycleID, "error", err.Error())
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, result := range report.Results {
		if result.Reason != core.ReasonValidationRejected {
			continue
		}
		hash := ""
		if spec, ok := desired.Spec(result.Key); ok {
			hash = core.HashSpec(spec)
		}
		c.rejected[result.Key] = hash
	}
	c.appliedRevision = revision
	return report.Results
}

// haltDegraded halts every degraded key when self-heal is disabled and raises one alert per key.
func (c *Controller) haltDegraded(cycleID string, trigger Trigger, desired core.DesiredState, degraded []core.ResourceKey, log logr.Logger) {
	if c.cfg.Policy.SelfHealEnabled() || len(degraded) == 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, key := range degraded {
		spec, ok := desired.Spec(key)
		if !ok {
			continue
		}
		hash := core.HashSpec(spec)
		if c.halted[key] == hash {
			continue
		}
		c.halted[key] = hash
		message := fmt.Sprintf("%s is degraded; automatic sync halted until desired state changes or an operator sync", key)
		c.raiseAlert(Alert{Key: key, Reason: events.ReasonSelfHealHalted, Message: message, RaisedAt: c.cfg.Clock.Now()})
		c.cfg.Events.Emit(events.Event{CycleID: cycleID, Key: key, Health: core.HealthDegraded, Reason: events.ReasonSelfHealHalted, Message: message, Warning: true})
		log.Info("halted degraded resource", "resource", key.String(), "trigger", string(trigger))
	}
}

func (c *Controller) fail(sum *summary.Summary, span trace.Span, log logr.Logger, err error) error {
	tracing.RecordSpanError(span, err)
	sum.Duration = c.cfg.Clock.Since(sum.StartedAt)
	c.finish(sum, err, false)
	c.cfg.Recorder.ObserveCycle(nil, 0, core.HealthUnknown, sum.Duration, err)
	c.cfg.Events.Emit(events.Event{CycleID: sum.CycleID, Reason: events.ReasonCycleFailed, Message: err.Error(), Warning: true})
	log.Error(err, "cycle failed")
	return err
}

func (c *Controller) finish(sum *summary.Summary, cycleErr error, synced bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	report := &CycleReport{
		ID:        sum.CycleID,
		Trigger:   Trigger(sum.Trigger),
		Revision:  sum.Revision,
		StartedAt: sum.StartedAt,
		Duration:  sum.Duration.String(),
		Applied:   sum.Count(core.OutcomeApplied),
		Failed:    sum.Count(core.OutcomeFailed),
		Skipped:   sum.Count(core.OutcomeSkipped),
		Idle:      cycleErr == nil && !synced,
	}
	if cycleErr != nil {
		report.Error = cycleErr.Error()
		c.syncStatus = status.Compute(c.syncStatus, nil, cycleErr, c.cfg.Clock.Now())
	} else {
		c.syncStatus = status.Compute(c.syncStatus, sum, nil, c.cfg.Clock.Now())
		c.revision = sum.Revision
		c.health = sum.Health
		if c.appliedRevision == "" {
			c.appliedRevision = sum.Revision
		}
	}
	c.lastCycle = report
}

func (c *Controller) notify(snapshot Snapshot) {
	c.mutex.Lock()
	c.inSync = &snapshot
	c.mutex.Unlock()

	for _, consumer := range c.cfg.Consumers {
		consumer.Notify(snapshot)
	}
}
