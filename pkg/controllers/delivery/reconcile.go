package delivery

import (
	"context"
	"fmt"

	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/core"
)

func (c *Controller) reconcileLocked(ctx context.Context) error {
	if c.snapshot == nil {
		return nil
	}
	templates := releaseTemplates(c.snapshot.Desired)
	if len(templates) == 0 {
		return nil
	}
	if !c.state.recovered {
		if err := c.recover(ctx); err != nil {
			return err
		}
	}

	version := versionOf(templates)
	switch c.state.phase {
	case PhaseProgressing:
		if version != c.state.candidateVersion {
			return c.begin(ctx, templates, version)
		}
		return c.progress(ctx, templates)
	case PhaseShifting:
		if version != c.state.candidateVersion {
			if err := c.abort(ctx, fmt.Sprintf("superseded by version %s", version)); err != nil {
				return err
			}
			return c.begin(ctx, templates, version)
		}
		return c.shift(ctx)
	case PhaseBaking:
		if version != c.state.activeVersion && version != c.state.failedVersion {
			if err := c.retire(ctx); err != nil {
				return err
			}
			return c.begin(ctx, templates, version)
		}
		return c.bake(ctx)
	default:
		if version == c.state.activeVersion || version == c.state.failedVersion {
			return nil
		}
		return c.begin(ctx, templates, version)
	}
}

// recover rebuilds the active track from live track labels and route weights.
func (c *Controller) recover(ctx context.Context) error {
	tracks, err := c.listTracks(ctx)
	if err != nil {
		return err
	}
	weights, err := c.readWeights(ctx)
	if err != nil {
		return err
	}
	c.state.weights = weights
	c.state.recovered = true

	var best int32
	for name, track := range tracks {
		if weights[name] > best {
			best = weights[name]
			c.state.active = name
			c.state.activeVersion = track.version
		}
	}
	for name, track := range tracks {
		c.state.keys[name] = track.keys
	}
	if c.state.active == "" {
		return nil
	}

	c.setPhase(PhaseCompleted, fmt.Sprintf("recovered active track %s at version %s", c.state.active, c.state.activeVersion))
	if idle, ok := tracks[c.state.active.Other()]; ok {
		c.state.retiring = c.state.active.Other()
		c.state.retiringVersion = idle.version
		c.state.bakeUntil = c.cfg.Clock.Now().Add(c.cfg.Policy.BakePeriod)
		c.setPhase(PhaseBaking, fmt.Sprintf("retaining track %s until %s", c.state.retiring, c.state.bakeUntil.Format(timeFormat)))
	}
	return nil
}

// begin stands up the candidate track at weight zero.
func (c *Controller) begin(ctx context.Context, templates map[core.ResourceKey]core.ResourceSpec, version string) error {
	candidate := core.TrackBlue
	if c.state.active != "" {
		candidate = c.state.active.Other()
	}
	if c.state.retiring == candidate {
		c.state.retiring = ""
		c.state.retiringVersion = ""
	}

	if c.state.candidate == candidate && c.state.candidateVersion != "" {
		c.assessor.Forget(c.state.keys[candidate]...)
	}
	c.state.candidate = candidate
	c.state.candidateVersion = version
	c.state.health[candidate] = core.HealthProgressing
	c.planner.Forget(c.cfg.Policy.Route)

	keys, err := c.syncTrack(ctx, templates, candidate, version)
	if err != nil {
		return fmt.Errorf("stand up track %s: %w", candidate, err)
	}
	c.state.keys[candidate] = keys

	message := fmt.Sprintf("track %s deployed at version %s with weight 0", candidate, version)
	c.setPhase(PhaseProgressing, message)
	c.emit(events.ReasonRolloutStarted, message, false)
	c.cfg.Log.Info("rollout started", "track", string(candidate), "version", version, "strategy", c.cfg.Policy.Strategy)

	return c.progress(ctx, templates)
}

// progress waits for the candidate to turn Healthy before traffic moves.
func (c *Controller) progress(ctx context.Context, templates map[core.ResourceKey]core.ResourceSpec) error {
	keys, err := c.syncTrack(ctx, templates, c.state.candidate, c.state.candidateVersion)
	if err != nil {
		return fmt.Errorf("converge track %s: %w", c.state.candidate, err)
	}
	c.state.keys[c.state.candidate] = keys

	status, message, err := c.assessTrack(ctx, c.state.candidate)
	if err != nil {
		return err
	}

	switch status {
	case core.HealthDegraded:
		return c.abort(ctx, message)
	case core.HealthHealthy:
		if c.cfg.Policy.Strategy == core.StrategyCanary && c.state.activeVersion != "" {
			return c.startShifting(ctx)
		}
		return c.cutover(ctx)
	default:
		c.state.message = fmt.Sprintf("waiting for track %s: %s", c.state.candidate, message)
		return nil
	}
}

func (c *Controller) startShifting(ctx context.Context) error {
	index, done := c.planner.Plan(c.cfg.Policy.Route, c.state.candidateVersion, c.cfg.Policy.Steps)
	if done {
		return c.cutover(ctx)
	}
	return c.applyStep(ctx, index)
}

func (c *Controller) applyStep(ctx context.Context, index int) error {
	step := c.cfg.Policy.Steps[index]
	if err := c.writeWeights(ctx, core.SplitWeights(c.state.candidate.Other(), c.state.candidate, step.Weight)); err != nil {
		return err
	}
	c.state.step = index
	c.state.stepSince = c.cfg.Clock.Now()

	message := fmt.Sprintf("step %d/%d: track %s at weight %d", index+1, len(c.cfg.Policy.Steps), c.state.candidate, step.Weight)
	c.setPhase(PhaseShifting, message)
	c.emit(events.ReasonRolloutShifted, message, false)
	return nil
}

// shift advances one canary step once its bake elapsed with the candidate still Healthy.
func (c *Controller) shift(ctx context.Context) error {
	status, message, err := c.assessTrack(ctx, c.state.candidate)
	if err != nil {
		return err
	}
	if status == core.HealthDegraded {
		return c.abort(ctx, message)
	}

	step := c.cfg.Policy.Steps[c.state.step]
	if status != core.HealthHealthy || c.cfg.Clock.Since(c.state.stepSince) < step.Bake {
		return nil
	}

	c.planner.MarkCompleted(c.cfg.Policy.Route, c.state.candidateVersion, c.state.step)
	index, done := c.planner.Plan(c.cfg.Policy.Route, c.state.candidateVersion, c.cfg.Policy.Steps)
	if done {
		return c.cutover(ctx)
	}
	return c.applyStep(ctx, index)
}

// cutover moves all traffic to the candidate in one write and starts the bake.
func (c *Controller) cutover(ctx context.Context) error {
	previous := c.state.candidate.Other()
	if err := c.writeWeights(ctx, core.SplitWeights(previous, c.state.candidate, 100)); err != nil {
		return err
	}
	c.planner.Complete(c.cfg.Policy.Route, c.state.candidateVersion, c.cfg.Policy.Steps)

	hadActive := c.state.activeVersion != ""
	c.state.retiring, c.state.retiringVersion = "", ""
	if hadActive {
		c.state.retiring = c.state.active
		c.state.retiringVersion = c.state.activeVersion
	}
	c.state.active = c.state.candidate
	c.state.activeVersion = c.state.candidateVersion
	c.state.candidate, c.state.candidateVersion = "", ""

	message := fmt.Sprintf("track %s serving version %s", c.state.active, c.state.activeVersion)
	c.emit(events.ReasonRolloutShifted, message, false)
	c.cfg.Log.Info("traffic cut over", "track", string(c.state.active), "version", c.state.activeVersion)

	if !hadActive {
		c.setPhase(PhaseCompleted, message)
		c.emit(events.ReasonRolloutCompleted, message, false)
		return nil
	}
	c.state.bakeUntil = c.cfg.Clock.Now().Add(c.cfg.Policy.BakePeriod)
	c.setPhase(PhaseBaking, fmt.Sprintf("%s; retaining track %s until %s", message, c.state.retiring, c.state.bakeUntil.Format(timeFormat)))
	return nil
}

// bake keeps the previous track for instant rollback, then deletes it.
func (c *Controller) bake(ctx context.Context) error {
	status, message, err := c.assessTrack(ctx, c.state.active)
	if err != nil {
		return err
	}
	if status == core.HealthDegraded {
		return c.reverse(ctx, message)
	}
	if c.cfg.Clock.Now().Before(c.state.bakeUntil) {
		return nil
	}
	return c.retire(ctx)
}

// retire deletes the previous track and completes the rollout.
func (c *Controller) retire(ctx context.Context) error {
	if c.state.retiring != "" {
		if err := c.deleteTrack(ctx, c.state.retiring); err != nil {
			return fmt.Errorf("retire track %s: %w", c.state.retiring, err)
		}
		c.state.retiring, c.state.retiringVersion = "", ""
	}
	message := fmt.Sprintf("track %s serving version %s", c.state.active, c.state.activeVersion)
	c.setPhase(PhaseCompleted, message)
	c.emit(events.ReasonRolloutCompleted, message, false)
	return nil
}

// abort restores the pre-rollout split and deletes the candidate.
func (c *Controller) abort(ctx context.Context, reason string) error {
	candidate := c.state.candidate
	if c.state.activeVersion != "" {
		if err := c.writeWeights(ctx, core.SplitWeights(c.state.active, candidate, 0)); err != nil {
			return err
		}
	}
	if err := c.deleteTrack(ctx, candidate); err != nil {
		return fmt.Errorf("delete track %s: %w", candidate, err)
	}
	c.planner.Forget(c.cfg.Policy.Route)

	c.state.failedVersion = c.state.candidateVersion
	c.state.candidate, c.state.candidateVersion = "", ""

	message := fmt.Sprintf("version %s rolled back: %s", c.state.failedVersion, reason)
	c.setPhase(PhaseRolledBack, message)
	c.emit(events.ReasonRolloutAborted, message, true)
	c.cfg.Log.Info("rollout rolled back", "version", c.state.failedVersion, "reason", reason)
	return nil
}

// reverse re-reverses the cutover during a bake in one weights write.
func (c *Controller) reverse(ctx context.Context, reason string) error {
	failed := c.state.active
	restored := c.state.retiring
	if restored == "" {
		return fmt.Errorf("%w: no previous track retained", core.ErrNotFound)
	}
	if err := c.writeWeights(ctx, core.SplitWeights(failed, restored, 100)); err != nil {
		return err
	}
	if err := c.deleteTrack(ctx, failed); err != nil {
		return fmt.Errorf("delete track %s: %w", failed, err)
	}

	c.state.failedVersion = c.state.activeVersion
	c.state.active = restored
	c.state.activeVersion = c.state.retiringVersion
	c.state.retiring, c.state.retiringVersion = "", ""

	message := fmt.Sprintf("version %s rolled back to %s: %s", c.state.failedVersion, c.state.activeVersion, reason)
	c.setPhase(PhaseRolledBack, message)
	c.emit(events.ReasonRolloutAborted, message, true)
	c.cfg.Log.Info("rollout reversed", "failed", c.state.failedVersion, "restored", c.state.activeVersion, "reason", reason)
	return nil
}
