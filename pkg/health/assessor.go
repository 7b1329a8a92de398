// Package health scores live resources and rolls them up into an application health.
package health

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
)

// Assessment is the health of one resource.
type Assessment struct {
	Status  core.HealthStatus
	Message string
	Err     error
}

// Report is the outcome of one Assess call.
type Report struct {
	PerKey    map[core.ResourceKey]Assessment
	Aggregate core.HealthStatus
}

// Keys returns the assessed keys with status.
func (r Report) Keys(status core.HealthStatus) []core.ResourceKey {
	var keys []core.ResourceKey
	for key, assessment := range r.PerKey {
		if assessment.Status == status {
			keys = append(keys, key)
		}
	}
	core.SortKeys(keys)
	return keys
}

// Options configure an Assessor.
type Options struct {
	// Grace bounds how long a resource may stay Progressing before it is Degraded.
	Grace        time.Duration
	RouteKind    string
	WeightsField core.FieldPath
	Clock        clock.PassiveClock
}

type progressMark struct {
	since time.Time
	hash  string
}

// Assessor evaluates resources and tracks how long each has been progressing.
type Assessor struct {
	grace        time.Duration
	routeKind    string
	weightsField core.FieldPath
	clock        clock.PassiveClock

	mutex    sync.Mutex
	progress map[core.ResourceKey]progressMark
}

// NewAssessor returns an Assessor for opts.
func NewAssessor(opts Options) *Assessor {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.RouteKind == "" {
		opts.RouteKind = core.DefaultRouteKind
	}
	if len(opts.WeightsField) == 0 {
		opts.WeightsField = core.ParseFieldPath(core.DefaultWeightsField)
	}
	return &Assessor{
		grace:        opts.Grace,
		routeKind:    opts.RouteKind,
		weightsField: opts.WeightsField,
		clock:        opts.Clock,
		progress:     map[core.ResourceKey]progressMark{},
	}
}

// Assess scores every key. Missing resources are Progressing, unreadable ones Unknown.
func (a *Assessor) Assess(live adapters.LiveSnapshot, keys []core.ResourceKey) Report {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	now := a.clock.Now()
	report := Report{PerKey: make(map[core.ResourceKey]Assessment, len(keys))}

	for _, key := range keys {
		if err, failed := live.Errors[key]; failed {
			report.PerKey[key] = Assessment{Status: core.HealthUnknown, Message: "unreadable", Err: err}
			continue
		}

		var evaluation Evaluation
		hash := ""
		if resource, ok := live.Get(key); ok {
			evaluation = evaluatorFor(key.Kind, a.routeKind, a.weightsField).Evaluate(resource)
			hash = contentHash(resource.Spec)
		} else {
			evaluation = Evaluation{Status: core.HealthProgressing, Message: "resource not found"}
		}

		report.PerKey[key] = a.applyGrace(key, hash, evaluation, now)
	}

	report.Aggregate = Aggregate(report.PerKey)
	return report
}

func (a *Assessor) applyGrace(key core.ResourceKey, hash string, evaluation Evaluation, now time.Time) Assessment {
	assessment := Assessment{Status: evaluation.Status, Message: evaluation.Message}

	switch evaluation.Status {
	case core.HealthProgressing:
		mark, tracked := a.progress[key]
		if !tracked || mark.hash != hash {
			mark = progressMark{since: now, hash: hash}
			a.progress[key] = mark
		}
		if a.grace > 0 && now.Sub(mark.since) > a.grace {
			assessment.Status = core.HealthDegraded
			assessment.Err = fmt.Errorf("%w: %s progressing for %s: %s", core.ErrHealthTimeout, key, now.Sub(mark.since).Round(time.Second), evaluation.Message)
			assessment.Message = assessment.Err.Error()
		}
	case core.HealthDegraded:
		if evaluation.Terminal {
			assessment.Err = fmt.Errorf("%s: %s", key, evaluation.Message)
		}
	default:
		delete(a.progress, key)
	}

	return assessment
}

// contentHash ignores metadata so status writes and resourceVersion bumps keep the progress mark.
func contentHash(spec core.ResourceSpec) string {
	content := spec.DeepCopy()
	delete(content, "metadata")
	delete(content, "status")
	return core.HashSpec(content)
}

// Forget drops progress tracking for keys.
func (a *Assessor) Forget(keys ...core.ResourceKey) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, key := range keys {
		delete(a.progress, key)
	}
}

// Aggregate rolls per-key health up: any Degraded wins, then any Progressing or Unknown, else
// Healthy. An empty set is Healthy.
func Aggregate(perKey map[core.ResourceKey]Assessment) core.HealthStatus {
	aggregate := core.HealthHealthy
	for _, assessment := range perKey {
		switch assessment.Status {
		case core.HealthDegraded:
			return core.HealthDegraded
		case core.HealthProgressing, core.HealthUnknown:
			aggregate = core.HealthProgressing
		}
	}
	return aggregate
}
