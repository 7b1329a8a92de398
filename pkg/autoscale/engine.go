// Package autoscale recommends replica counts from observed utilization and writes them as
// targeted spec.replicas deltas.
package autoscale

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
	"gitopsdelivery/pkg/executor"
	"gitopsdelivery/pkg/observability/metrics"
	"gitopsdelivery/pkg/observability/tracing"
)

// DefaultInterval is how often policies are evaluated when no interval is configured.
const DefaultInterval = 30 * time.Second

// Config wires an Engine.
type Config struct {
	Policies []core.AutoscalePolicy
	Store    adapters.LiveStore
	Metrics  adapters.MetricsSource
	Differ   *diff.Differ
	Executor *executor.Executor
	Interval time.Duration
	// Timeout bounds each store or metrics call.
	Timeout  time.Duration
	Clock    clock.Clock
	Log      logr.Logger
	Events   events.Sink
	Recorder *metrics.Recorder
}

// Engine evaluates autoscale policies. Last decisions and scale times live in memory only.
type Engine struct {
	cfg     Config
	trigger chan struct{}

	mutex      sync.Mutex
	decisions  map[core.ResourceKey]core.AutoscaleDecision
	lastScaled map[core.ResourceKey]time.Time
}

// NewEngine returns an Engine with policies defaulted.
func NewEngine(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = adapters.DefaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	policies := make([]core.AutoscalePolicy, 0, len(cfg.Policies))
	for _, policy := range cfg.Policies {
		core.DefaultAutoscalePolicy(&policy)
		policies = append(policies, policy)
	}
	cfg.Policies = policies

	return &Engine{
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		decisions:  map[core.ResourceKey]core.AutoscaleDecision{},
		lastScaled: map[core.ResourceKey]time.Time{},
	}
}

// Start evaluates on every interval and whenever Notify is called, until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.cfg.Log.Info("starting autoscale engine", "policies", len(e.cfg.Policies), "interval", e.cfg.Interval.String())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.trigger:
				e.Evaluate(ctx)
			}
		}
	}()

	wait.JitterUntilWithContext(ctx, func(ctx context.Context) { e.Evaluate(ctx) }, e.cfg.Interval, 0.1, true)
	return nil
}

// Notify requests an evaluation outside the interval.
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Decisions returns the last applied decision per workload, sorted by key.
func (e *Engine) Decisions() []core.AutoscaleDecision {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	out := make([]core.AutoscaleDecision, 0, len(e.decisions))
	for _, decision := range e.decisions {
		out = append(out, decision)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Decide recommends a replica count for policy. It returns false when the recommendation is
// unchanged, inside the cooldown window after the last scale, or below the minimum relative change.
func (e *Engine) Decide(policy core.AutoscalePolicy, current int32, samples map[string]float64, now time.Time) (core.AutoscaleDecision, bool) {
	desired, reason := Recommend(policy, current, samples)
	if desired == current {
		return core.AutoscaleDecision{}, false
	}

	e.mutex.Lock()
	last, scaled := e.lastScaled[policy.Target]
	e.mutex.Unlock()
	if scaled && now.Sub(last) < policy.Cooldown {
		return core.AutoscaleDecision{}, false
	}

	outOfBounds := current < policy.MinReplicas || current > policy.MaxReplicas
	if !outOfBounds && current > 0 {
		change := math.Abs(float64(desired-current)) / float64(current)
		if change < policy.MinRelativeChange() {
			return core.AutoscaleDecision{}, false
		}
	}

	return core.AutoscaleDecision{
		Key:             policy.Target,
		CurrentReplicas: current,
		DesiredReplicas: desired,
		Reason:          reason,
		DecidedAt:       now,
	}, true
}

// Recommend computes ceil(current × observed / target) per metric, takes the maximum, and
// clamps it to the policy bounds. Metrics without a finite sample are ignored.
func Recommend(policy core.AutoscalePolicy, current int32, samples map[string]float64) (int32, string) {
	names := make([]string, 0, len(policy.MetricTargets))
	for name := range policy.MetricTargets {
		names = append(names, name)
	}
	sort.Strings(names)

	desired := 0.0
	var driver string
	for _, name := range names {
		observed, ok := samples[name]
		if !ok || math.IsNaN(observed) || math.IsInf(observed, 0) {
			continue
		}
		target := policy.MetricTargets[name]
		recommended := math.Ceil(float64(current) * observed / target)
		if math.IsNaN(recommended) {
			continue
		}
		if driver == "" || recommended > desired {
			desired = recommended
			driver = fmt.Sprintf("%s %.2f/%.2f", name, observed, target)
		}
	}

	if driver == "" {
		desired = float64(current)
	}

	bounded := math.Min(math.Max(desired, float64(policy.MinReplicas)), float64(policy.MaxReplicas))
	clamped := int32(bounded)

	var reason strings.Builder
	switch {
	case clamped > current:
		reason.WriteString("scale up")
	case clamped < current:
		reason.WriteString("scale down")
	default:
		reason.WriteString("steady")
	}
	if driver != "" {
		reason.WriteString(": " + driver)
	}
	if bounded != desired {
		fmt.Fprintf(&reason, " (clamped to [%d,%d])", policy.MinReplicas, policy.MaxReplicas)
	}
	return clamped, reason.String()
}

// Evaluate runs every policy once and returns the decisions that were applied.
func (e *Engine) Evaluate(ctx context.Context) []core.AutoscaleDecision {
	ctx, span := tracing.StartChildSpan(ctx, "Autoscale.Evaluate")
	defer span.End()

	var applied []core.AutoscaleDecision
	for _, policy := range e.cfg.Policies {
		if ctx.Err() != nil {
			break
		}
		decision, ok, err := e.evaluateOne(ctx, policy)
		if err != nil {
			tracing.RecordSpanError(span, err)
			e.cfg.Log.Info("autoscale evaluation failed", "resource", policy.Target.String(), "error", err.Error())
			continue
		}
		if ok {
			applied = append(applied, decision)
		}
	}
	return applied
}

func (e *Engine) evaluateOne(ctx context.Context, policy core.AutoscalePolicy) (core.AutoscaleDecision, bool, error) {
	live, err := e.fetch(ctx, policy.Target)
	if err != nil {
		return core.AutoscaleDecision{}, false, err
	}

	value, found := live.Spec.Field(core.ParseFieldPath(core.ReplicasField))
	if !found {
		return core.AutoscaleDecision{}, false, fmt.Errorf("%s has no %s", policy.Target, core.ReplicasField)
	}
	current, err := replicas(value)
	if err != nil {
		return core.AutoscaleDecision{}, false, fmt.Errorf("%s: %w", policy.Target, err)
	}

	samples, err := e.utilization(ctx, policy)
	if err != nil {
		return core.AutoscaleDecision{}, false, err
	}

	decision, ok := e.Decide(policy, current, samples, e.cfg.Clock.Now())
	if !ok {
		return core.AutoscaleDecision{}, false, nil
	}

	desired := core.ResourceSpec{}
	_ = desired.SetField(core.ParseFieldPath(core.ReplicasField), int64(decision.DesiredReplicas))
	delta, err := e.cfg.Differ.DiffFields(policy.Target, desired, &live, []core.FieldPath{core.ParseFieldPath(core.ReplicasField)})
	if err != nil {
		return core.AutoscaleDecision{}, false, err
	}
	if delta.Type == core.DeltaNoOp {
		return core.AutoscaleDecision{}, false, nil
	}

	report := e.cfg.Executor.Apply(ctx, []core.Delta{delta}, executor.ApplyOptions{})
	if !report.Succeeded() {
		return core.AutoscaleDecision{}, false, fmt.Errorf("apply replicas for %s: %w", policy.Target, report.Err)
	}

	e.mutex.Lock()
	e.decisions[policy.Target] = decision
	e.lastScaled[policy.Target] = decision.DecidedAt
	e.mutex.Unlock()

	e.cfg.Recorder.ObserveAutoscale(decision)
	if e.cfg.Events != nil {
		e.cfg.Events.Emit(events.Event{
			Key:       policy.Target,
			DeltaType: core.DeltaUpdate,
			Outcome:   core.OutcomeApplied,
			Reason:    events.ReasonAutoscaled,
			Message:   fmt.Sprintf("replicas %d -> %d, %s", decision.CurrentReplicas, decision.DesiredReplicas, decision.Reason),
		})
	}
	e.cfg.Log.Info("scaled workload", "resource", policy.Target.String(), "from", decision.CurrentReplicas, "to", decision.DesiredReplicas, "reason", decision.Reason)

	return decision, true, nil
}

func (e *Engine) fetch(ctx context.Context, key core.ResourceKey) (core.LiveResource, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	snapshot, err := e.cfg.Store.FetchLive(ctx, []core.ResourceKey{key})
	if err != nil {
		return core.LiveResource{}, err
	}
	if readErr, failed := snapshot.Errors[key]; failed {
		return core.LiveResource{}, readErr
	}
	live, ok := snapshot.Get(key)
	if !ok {
		return core.LiveResource{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return live, nil
}

func (e *Engine) utilization(ctx context.Context, policy core.AutoscalePolicy) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	names := make([]string, 0, len(policy.MetricTargets))
	for name := range policy.MetricTargets {
		names = append(names, name)
	}
	sort.Strings(names)

	samples, err := e.cfg.Metrics.Utilization(ctx, policy.Target, names)
	if err != nil {
		return nil, fmt.Errorf("utilization for %s: %w", policy.Target, err)
	}
	return samples, nil
}

func replicas(value interface{}) (int32, error) {
	switch typed := value.(type) {
	case int64:
		return int32(typed), nil
	case int32:
		return typed, nil
	case int:
		return int32(typed), nil
	case float64:
		return int32(typed), nil
	default:
		return 0, fmt.Errorf("unexpected replicas value %v", value)
	}
}
