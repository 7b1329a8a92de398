// Package executor applies deltas to live state in dependency order with retry, skip
// propagation, and stale-write protection.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
	"gitopsdelivery/pkg/observability/tracing"
)

// ApplyOptions tune one Apply call.
type ApplyOptions struct {
	// Backoff overrides the executor's retry strategy.
	Backoff *core.BackoffStrategy
	// OnResult is called after each delta settles, in apply order.
	OnResult func(core.SyncResult)
	// Blocked lists keys held back from this batch while not at their desired state. Deltas that
	// depend on them are Skipped.
	Blocked []core.ResourceKey
}

// Report aggregates the results of one Apply call in apply order.
type Report struct {
	Results []core.SyncResult
	// Err joins every failure; nil when nothing failed.
	Err error
}

// Counts returns the number of results per outcome.
func (r Report) Counts() map[core.SyncOutcome]int {
	counts := map[core.SyncOutcome]int{}
	for _, result := range r.Results {
		counts[result.Outcome]++
	}
	return counts
}

// Partial reports whether some deltas applied while others failed or were skipped.
func (r Report) Partial() bool {
	counts := r.Counts()
	return counts[core.OutcomeApplied] > 0 && (counts[core.OutcomeFailed] > 0 || counts[core.OutcomeSkipped] > 0)
}

// Succeeded reports whether every delta applied.
func (r Report) Succeeded() bool {
	return len(r.Results) == r.Counts()[core.OutcomeApplied]
}

// Result returns the result for key.
func (r Report) Result(key core.ResourceKey) (core.SyncResult, bool) {
	for _, result := range r.Results {
		if result.Key == key {
			return result, true
		}
	}
	return core.SyncResult{}, false
}

// Executor applies deltas through a LiveStore.
type Executor struct {
	store   adapters.LiveStore
	differ  *diff.Differ
	locks   *KeyLocker
	backoff core.BackoffStrategy
	clock   clock.PassiveClock
	log     logr.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithBackoff sets the default retry strategy.
func WithBackoff(backoff core.BackoffStrategy) Option {
	return func(e *Executor) { e.backoff = backoff }
}

// WithClock sets the clock used for AppliedAt stamps.
func WithClock(clk clock.PassiveClock) Option {
	return func(e *Executor) { e.clock = clk }
}

// WithLocker shares a KeyLocker between executors writing the same store.
func WithLocker(locks *KeyLocker) Option {
	return func(e *Executor) { e.locks = locks }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// New returns an Executor writing through store and re-diffing lost writes with differ.
func New(store adapters.LiveStore, differ *diff.Differ, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		differ:  differ,
		locks:   NewKeyLocker(),
		backoff: core.DefaultBackoff(),
		clock:   clock.RealClock{},
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs deltas in dependency order. A failure never aborts independent deltas; deltas that
// depend on a failed or skipped one are Skipped. Cancelling ctx marks the remaining deltas Skipped
// and leaves applied ones in place.
func (e *Executor) Apply(ctx context.Context, deltas []core.Delta, opts ApplyOptions) Report {
	ordered := Order(deltas)
	backoff := e.backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	report := Report{Results: make([]core.SyncResult, 0, len(ordered))}
	blocked := make(map[core.ResourceKey]bool, len(opts.Blocked))
	for _, key := range opts.Blocked {
		blocked[key] = true
	}
	var errs []error

	for _, delta := range ordered {
		var result core.SyncResult

		switch {
		case ctx.Err() != nil:
			result = skipped(delta, core.ReasonCanceled, nil)
		case blockedBy(delta, ordered, blocked) != nil:
			dependency := blockedBy(delta, ordered, blocked)
			result = skipped(delta, core.ReasonDependencyFailed, fmt.Errorf("dependency %s did not apply", *dependency))
		default:
			result = e.applyOne(ctx, delta, backoff)
		}

		if result.Outcome != core.OutcomeApplied {
			blocked[delta.Key] = true
		}
		if result.Outcome == core.OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s %s: %w", delta.Type, delta.Key, result.Err))
		}

		report.Results = append(report.Results, result)
		if opts.OnResult != nil {
			opts.OnResult(result)
		}
	}

	report.Err = utilerrors.NewAggregate(errs)
	return report
}

func blockedBy(delta core.Delta, batch []core.Delta, blocked map[core.ResourceKey]bool) *core.ResourceKey {
	for _, dependency := range dependencies(delta, batch) {
		if blocked[dependency] {
			key := dependency
			return &key
		}
	}
	return nil
}

func skipped(delta core.Delta, reason string, err error) core.SyncResult {
	return core.SyncResult{Key: delta.Key, DeltaType: delta.Type, Outcome: core.OutcomeSkipped, Reason: reason, Err: err}
}

func (e *Executor) applyOne(ctx context.Context, delta core.Delta, backoff core.BackoffStrategy) core.SyncResult {
	ctx, span := tracing.StartResourceSpan(ctx, "Executor.Apply", delta.Key)
	defer span.End()

	log := e.log.WithValues("resource", delta.Key.String(), "delta", string(delta.Type))

	unlock, err := e.locks.Lock(ctx, delta.Key)
	if err != nil {
		return skipped(delta, core.ReasonCanceled, err)
	}
	defer unlock()

	if delta.Type == core.DeltaCreate || delta.Type == core.DeltaUpdate {
		size := core.CheckSpecSize(delta.ToSpec)
		if size.Block {
			err := fmt.Errorf("%w: %d bytes exceeds the %d byte object limit", core.ErrValidationRejected, size.Bytes, core.ObjectSizeLimitBytes)
			log.Info("delta rejected", "reason", core.ReasonValidationRejected, "bytes", size.Bytes)
			return core.SyncResult{Key: delta.Key, DeltaType: delta.Type, Outcome: core.OutcomeFailed, Reason: core.ReasonValidationRejected, Err: err}
		}
		if size.Warn {
			log.Info("desired object is close to the size limit", "bytes", size.Bytes)
		}
	}

	current := delta
	reason := core.ReasonApplied

	attempts, err := backoff.Retry(ctx, func(ctx context.Context) error {
		next, inSync, err := e.revalidate(ctx, current)
		if err != nil {
			return err
		}
		current = next
		if inSync {
			reason = core.ReasonAlreadyInSync
			return nil
		}
		return e.write(ctx, current)
	}, core.IsRetryable)

	result := core.SyncResult{Key: delta.Key, DeltaType: delta.Type, Attempts: attempts}

	if err == nil {
		result.Outcome = core.OutcomeApplied
		result.Reason = reason
		result.AppliedAt = e.clock.Now()
		log.V(1).Info("delta applied", "attempts", attempts, "reason", reason)
		return result
	}

	tracing.RecordSpanError(span, err)

	if ctx.Err() != nil {
		return skipped(delta, core.ReasonCanceled, err)
	}

	result.Outcome = core.OutcomeFailed
	result.Err = err
	result.Reason = failureReason(err)
	log.Info("delta failed", "attempts", attempts, "reason", result.Reason, "error", err.Error())
	return result
}

// revalidate re-reads the live resource and re-diffs delta when the live version moved. It
// reports inSync when the intended change is already present.
func (e *Executor) revalidate(ctx context.Context, delta core.Delta) (core.Delta, bool, error) {
	snapshot, err := e.store.FetchLive(ctx, []core.ResourceKey{delta.Key})
	if err != nil {
		return delta, false, err
	}
	if readErr, failed := snapshot.Errors[delta.Key]; failed {
		return delta, false, readErr
	}

	var fresh *core.LiveResource
	if resource, ok := snapshot.Get(delta.Key); ok {
		fresh = &resource
	}

	if !stale(delta, fresh) {
		return delta, false, nil
	}

	rediffed, err := e.differ.Rediff(delta, fresh)
	if err != nil {
		return delta, false, err
	}
	if rediffed.Type == core.DeltaNoOp {
		return rediffed, true, nil
	}
	return rediffed, false, nil
}

func stale(delta core.Delta, fresh *core.LiveResource) bool {
	switch delta.Type {
	case core.DeltaCreate:
		return fresh != nil
	default:
		return fresh == nil || fresh.Version != delta.FromVersion
	}
}

func (e *Executor) write(ctx context.Context, delta core.Delta) error {
	switch delta.Type {
	case core.DeltaCreate:
		_, err := e.store.Write(ctx, delta.Key, delta.ToSpec, "")
		return err
	case core.DeltaUpdate:
		_, err := e.store.Write(ctx, delta.Key, delta.ToSpec, delta.FromVersion)
		return err
	case core.DeltaDelete:
		return e.store.Delete(ctx, delta.Key, delta.FromVersion)
	default:
		return nil
	}
}

func failureReason(err error) string {
	switch core.ClassifyError(err) {
	case core.ErrorCategoryValidation:
		return core.ReasonValidationRejected
	case core.ErrorCategoryRBAC:
		return core.ReasonPermissionDenied
	case core.ErrorCategoryTransient, core.ErrorCategoryConflict:
		return core.ReasonRetriesExhausted
	}
	if errors.Is(err, core.ErrOwnershipViolation) {
		return core.ReasonOwnershipViolation
	}
	return core.ReasonFailed
}
