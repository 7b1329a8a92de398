package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/executor"
)

const (
	timeFormat    = time.RFC3339
	versionLength = 12
)

type liveTrack struct {
	version string
	keys    []core.ResourceKey
	owned   []core.LiveResource
}

func releaseTemplates(desired core.DesiredState) map[core.ResourceKey]core.ResourceSpec {
	templates := map[core.ResourceKey]core.ResourceSpec{}
	for _, key := range desired.Keys() {
		spec, _ := desired.Spec(key)
		if core.IsReleaseTemplate(spec) {
			templates[key] = spec
		}
	}
	return templates
}

func versionOf(templates map[core.ResourceKey]core.ResourceSpec) string {
	return core.HashSpecs(templates)[:versionLength]
}

// TrackKey returns the key of template's instance on track.
func TrackKey(template core.ResourceKey, track core.TrackName) core.ResourceKey {
	return core.ResourceKey{Kind: template.Kind, Namespace: template.Namespace, Name: template.Name + "-" + string(track)}
}

// instantiate renders a release template for one track. Workload pod templates and selectors
// gain the track label so the route can address each track separately.
func instantiate(template core.ResourceKey, spec core.ResourceSpec, track core.TrackName, version string) (core.ResourceKey, core.ResourceSpec) {
	key := TrackKey(template, track)
	body := spec.DeepCopy()

	_ = body.SetField(core.FieldPath{"metadata", "name"}, key.Name)
	body.RemoveField(core.FieldPath{"metadata", "annotations", core.ReleaseTemplateAnnotation})
	_ = body.SetField(core.FieldPath{"metadata", "annotations", core.ReleaseVersionAnnotation}, version)
	_ = body.SetField(core.FieldPath{"metadata", "labels", core.TrackLabel}, string(track))

	if core.IsWorkload(template.Kind) {
		_ = body.SetField(core.FieldPath{"spec", "template", "metadata", "labels", core.TrackLabel}, string(track))
		if _, ok := body.Field(core.FieldPath{"spec", "selector", "matchLabels"}); ok {
			_ = body.SetField(core.FieldPath{"spec", "selector", "matchLabels", core.TrackLabel}, string(track))
		}
	}
	return key, body
}

// listTracks groups live resources owned by the delivery identity by track label.
func (c *Controller) listTracks(ctx context.Context) (map[core.TrackName]liveTrack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	owned, err := c.cfg.Store.ListOwned(ctx, core.DeliveryOwner(c.cfg.Owner))
	if err != nil {
		return nil, fmt.Errorf("list track resources: %w", err)
	}

	tracks := map[core.TrackName]liveTrack{}
	for _, resource := range owned {
		name := core.TrackName(resource.Labels[core.TrackLabel])
		if name != core.TrackBlue && name != core.TrackGreen {
			continue
		}
		track := tracks[name]
		track.keys = append(track.keys, resource.Key)
		track.owned = append(track.owned, resource)
		if version := resource.Spec.Annotations()[core.ReleaseVersionAnnotation]; version != "" {
			track.version = version
		}
		tracks[name] = track
	}
	for name, track := range tracks {
		core.SortKeys(track.keys)
		tracks[name] = track
	}
	return tracks, nil
}

// syncTrack converges one track onto the rendered templates through the differ and executor.
func (c *Controller) syncTrack(ctx context.Context, templates map[core.ResourceKey]core.ResourceSpec, track core.TrackName, version string) ([]core.ResourceKey, error) {
	resources := make(map[core.ResourceKey]core.ResourceSpec, len(templates))
	for template, spec := range templates {
		key, body := instantiate(template, spec, track, version)
		resources[key] = body
	}
	desired := core.NewDesiredState(version, resources)

	tracks, err := c.listTracks(ctx)
	if err != nil {
		return nil, err
	}
	live, err := c.fetch(ctx, desired.Keys())
	if err != nil {
		return nil, err
	}

	result := c.differ.Diff(desired, live, tracks[track].owned)
	if len(result.Warnings) > 0 {
		return nil, result.Warnings[0].Err
	}
	if len(result.Unreadable) > 0 {
		return nil, fmt.Errorf("track %s: %s unreadable: %w", track, result.Unreadable[0], live.Errors[result.Unreadable[0]])
	}
	if !result.Empty() {
		report := c.executor.Apply(ctx, result.Deltas, executor.ApplyOptions{})
		if report.Err != nil {
			return nil, report.Err
		}
		if !report.Succeeded() {
			return nil, fmt.Errorf("track %s: %d of %d changes did not apply", track, len(report.Results)-report.Counts()[core.OutcomeApplied], len(report.Results))
		}
	}
	return desired.Keys(), nil
}

// deleteTrack removes every resource of track.
func (c *Controller) deleteTrack(ctx context.Context, track core.TrackName) error {
	tracks, err := c.listTracks(ctx)
	if err != nil {
		return err
	}

	var deltas []core.Delta
	for _, resource := range tracks[track].owned {
		deltas = append(deltas, core.Delta{
			Key:         resource.Key,
			Type:        core.DeltaDelete,
			FromSpec:    resource.Spec,
			FromVersion: resource.Version,
		})
	}
	if len(deltas) > 0 {
		report := c.executor.Apply(ctx, deltas, executor.ApplyOptions{})
		if report.Err != nil {
			return report.Err
		}
	}

	c.assessor.Forget(c.state.keys[track]...)
	delete(c.state.keys, track)
	delete(c.state.health, track)
	return nil
}

// assessTrack scores a track's resources together with the route.
func (c *Controller) assessTrack(ctx context.Context, track core.TrackName) (core.HealthStatus, string, error) {
	keys := append([]core.ResourceKey{c.cfg.Policy.Route}, c.state.keys[track]...)
	live, err := c.fetch(ctx, keys)
	if err != nil {
		return core.HealthUnknown, "", err
	}

	report := c.assessor.Assess(live, keys)
	c.state.health[track] = report.Aggregate

	var messages []string
	for _, key := range keys {
		assessment := report.PerKey[key]
		if assessment.Status == core.HealthHealthy || assessment.Message == "" {
			continue
		}
		messages = append(messages, fmt.Sprintf("%s: %s", key, assessment.Message))
	}
	sort.Strings(messages)
	return report.Aggregate, strings.Join(messages, "; "), nil
}

// readWeights returns the route's current traffic split.
func (c *Controller) readWeights(ctx context.Context) (map[core.TrackName]int32, error) {
	route, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	weights := map[core.TrackName]int32{}
	value, ok := route.Spec.Field(c.cfg.Policy.WeightsPath())
	if !ok {
		return weights, nil
	}
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: %s is not a map", c.cfg.Policy.Route, c.cfg.Policy.WeightsField)
	}
	for name, weight := range raw {
		switch typed := weight.(type) {
		case int64:
			weights[core.TrackName(name)] = int32(typed)
		case float64:
			weights[core.TrackName(name)] = int32(typed)
		}
	}
	return weights, nil
}

// writeWeights writes the full weights map as one targeted delta so both tracks change together.
func (c *Controller) writeWeights(ctx context.Context, weights map[core.TrackName]int32) error {
	route, err := c.route(ctx)
	if err != nil {
		return err
	}

	split := map[string]interface{}{}
	for track, weight := range weights {
		split[string(track)] = int64(weight)
	}
	desired := core.ResourceSpec{}
	if err := desired.SetField(c.cfg.Policy.WeightsPath(), split); err != nil {
		return err
	}

	delta, err := c.differ.DiffFields(c.cfg.Policy.Route, desired, &route, []core.FieldPath{c.cfg.Policy.WeightsPath()})
	if err != nil {
		return err
	}
	if delta.Type != core.DeltaNoOp {
		report := c.executor.Apply(ctx, []core.Delta{delta}, executor.ApplyOptions{})
		if report.Err != nil {
			return fmt.Errorf("shift traffic on %s: %w", c.cfg.Policy.Route, report.Err)
		}
	}

	c.state.weights = weights
	return nil
}

func (c *Controller) route(ctx context.Context) (core.LiveResource, error) {
	live, err := c.fetch(ctx, []core.ResourceKey{c.cfg.Policy.Route})
	if err != nil {
		return core.LiveResource{}, err
	}
	if readErr, failed := live.Errors[c.cfg.Policy.Route]; failed {
		return core.LiveResource{}, readErr
	}
	route, ok := live.Get(c.cfg.Policy.Route)
	if !ok {
		return core.LiveResource{}, fmt.Errorf("%w: route %s", core.ErrNotFound, c.cfg.Policy.Route)
	}
	return route, nil
}

func (c *Controller) fetch(ctx context.Context, keys []core.ResourceKey) (adapters.LiveSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	live, err := c.cfg.Store.FetchLive(ctx, keys)
	if err != nil {
		return adapters.LiveSnapshot{}, fmt.Errorf("fetch live state: %w", err)
	}
	return live, nil
}
