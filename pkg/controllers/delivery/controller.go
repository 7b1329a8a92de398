// Package delivery shifts traffic between the blue and green release tracks of an application,
// gating each shift on health and rolling back on failure.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/controllers/drift"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
	"gitopsdelivery/pkg/executor"
	"gitopsdelivery/pkg/health"
	"gitopsdelivery/pkg/observability/metrics"
)

// Phase is the rollout lifecycle position.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseProgressing Phase = "Progressing"
	PhaseShifting    Phase = "Shifting"
	PhaseBaking      Phase = "Baking"
	PhaseCompleted   Phase = "Completed"
	PhaseRolledBack  Phase = "RolledBack"
)

// inFlight reports whether an operator may promote or roll back.
func (p Phase) inFlight() bool {
	return p == PhaseProgressing || p == PhaseShifting || p == PhaseBaking
}

// Status is the externally visible rollout state.
type Status struct {
	Phase         Phase               `json:"phase"`
	Strategy      string              `json:"strategy"`
	Route         core.ResourceKey    `json:"route"`
	ActiveTrack   core.TrackName      `json:"activeTrack,omitempty"`
	ActiveVersion string              `json:"activeVersion,omitempty"`
	TargetVersion string              `json:"targetVersion,omitempty"`
	FailedVersion string              `json:"failedVersion,omitempty"`
	Step          int                 `json:"step,omitempty"`
	Steps         int                 `json:"steps,omitempty"`
	BakeUntil     *time.Time          `json:"bakeUntil,omitempty"`
	Tracks        []core.ReleaseTrack `json:"tracks"`
	Message       string              `json:"message,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Config wires a Controller.
type Config struct {
	// Owner is the drift owner; track resources are owned by core.DeliveryOwner(Owner).
	Owner  string
	Policy core.RolloutPolicy
	Store  adapters.LiveStore
	// Locks is shared with the other writers of Store.
	Locks    *executor.KeyLocker
	Backoff  *core.BackoffStrategy
	Timeout  time.Duration
	Events   events.Sink
	Recorder *metrics.Recorder
	Clock    clock.Clock
	Log      logr.Logger
}

type rollout struct {
	phase            Phase
	active           core.TrackName
	activeVersion    string
	candidate        core.TrackName
	candidateVersion string
	failedVersion    string
	retiring         core.TrackName
	retiringVersion  string
	step             int
	stepSince        time.Time
	bakeUntil        time.Time
	weights          map[core.TrackName]int32
	health           map[core.TrackName]core.HealthStatus
	keys             map[core.TrackName][]core.ResourceKey
	message          string
	updatedAt        time.Time
	recovered        bool
}

// Controller drives one application's release tracks. Reconcile and operator actions are
// serialized; an operator action arriving while another runs fails with core.ErrConflict.
type Controller struct {
	cfg      Config
	differ   *diff.Differ
	executor *executor.Executor
	assessor *health.Assessor
	planner  *core.StepPlanner
	trigger  chan struct{}

	mutex    sync.Mutex
	state    rollout
	snapshot *drift.Snapshot

	statusMutex sync.Mutex
	status      Status
}

var _ manager.Runnable = (*Controller)(nil)

// New returns a Controller for cfg with rollout defaults applied.
func New(cfg Config) (*Controller, error) {
	core.DefaultRolloutPolicy(&cfg.Policy)
	if err := core.ValidateRolloutPolicy(&cfg.Policy); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewLogSink(cfg.Log)
	}
	if cfg.Locks == nil {
		cfg.Locks = executor.NewKeyLocker()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = adapters.DefaultStoreTimeout
	}

	weights := cfg.Policy.WeightsPath()
	differ := diff.New(diff.Options{
		Owner:        core.DeliveryOwner(cfg.Owner),
		RouteKind:    cfg.Policy.Route.Kind,
		WeightsField: weights,
	})
	opts := []executor.Option{executor.WithLocker(cfg.Locks), executor.WithClock(cfg.Clock), executor.WithLogger(cfg.Log)}
	if cfg.Backoff != nil {
		opts = append(opts, executor.WithBackoff(*cfg.Backoff))
	}

	c := &Controller{
		cfg:      cfg,
		differ:   differ,
		executor: executor.New(cfg.Store, differ, opts...),
		assessor: health.NewAssessor(health.Options{
			Grace:        cfg.Policy.HealthTimeout,
			RouteKind:    cfg.Policy.Route.Kind,
			WeightsField: weights,
			Clock:        cfg.Clock,
		}),
		planner: core.NewStepPlanner(),
		trigger: make(chan struct{}, 1),
		state: rollout{
			phase:   PhaseIdle,
			weights: map[core.TrackName]int32{},
			health:  map[core.TrackName]core.HealthStatus{},
			keys:    map[core.TrackName][]core.ResourceKey{},
		},
	}
	c.publishLocked()
	return c, nil
}

// Start reconciles on the rollout interval and after every in-sync notification.
func (c *Controller) Start(ctx context.Context) error {
	c.cfg.Log.Info("starting delivery controller", "strategy", c.cfg.Policy.Strategy, "route", c.cfg.Policy.Route.String())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.trigger:
				c.reconcileAndLog(ctx)
			}
		}
	}()

	wait.JitterUntilWithContext(ctx, c.reconcileAndLog, c.cfg.Policy.Interval, 0.1, true)
	return nil
}

func (c *Controller) reconcileAndLog(ctx context.Context) {
	if err := c.Reconcile(ctx); err != nil {
		c.cfg.Log.Info("delivery reconcile failed", "error", err.Error())
	}
}

// Notify implements drift.Consumer.
func (c *Controller) Notify(snapshot drift.Snapshot) {
	c.mutex.Lock()
	c.snapshot = &snapshot
	c.mutex.Unlock()

	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Reconcile advances the rollout one step against the latest in-sync snapshot.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	defer c.publishLocked()

	return c.reconcileLocked(ctx)
}

// Promote skips the remaining gates: an unfinished rollout cuts over now and a bake ends now.
func (c *Controller) Promote(ctx context.Context) error {
	if !c.mutex.TryLock() {
		return fmt.Errorf("%w: another rollout action is running", core.ErrConflict)
	}
	defer c.mutex.Unlock()
	defer c.publishLocked()

	switch c.state.phase {
	case PhaseProgressing, PhaseShifting:
		c.cfg.Log.Info("operator promoted rollout", "version", c.state.candidateVersion)
		return c.cutover(ctx)
	case PhaseBaking:
		c.cfg.Log.Info("operator ended bake", "version", c.state.activeVersion)
		return c.retire(ctx)
	default:
		return fmt.Errorf("%w: no rollout in progress", core.ErrNotFound)
	}
}

// Rollback aborts an unfinished rollout or re-reverses traffic during a bake.
func (c *Controller) Rollback(ctx context.Context) error {
	if !c.mutex.TryLock() {
		return fmt.Errorf("%w: another rollout action is running", core.ErrConflict)
	}
	defer c.mutex.Unlock()
	defer c.publishLocked()

	switch c.state.phase {
	case PhaseProgressing, PhaseShifting:
		return c.abort(ctx, "rolled back by operator")
	case PhaseBaking:
		return c.reverse(ctx, "rolled back by operator")
	default:
		return fmt.Errorf("%w: no rollout in progress", core.ErrNotFound)
	}
}

// Status returns the last published rollout state.
func (c *Controller) Status() Status {
	c.statusMutex.Lock()
	defer c.statusMutex.Unlock()

	copied := c.status
	copied.Tracks = append([]core.ReleaseTrack(nil), c.status.Tracks...)
	return copied
}

func (c *Controller) publishLocked() {
	state := c.state
	status := Status{
		Phase:         state.phase,
		Strategy:      c.cfg.Policy.Strategy,
		Route:         c.cfg.Policy.Route,
		ActiveTrack:   state.active,
		ActiveVersion: state.activeVersion,
		FailedVersion: state.failedVersion,
		Message:       state.message,
		UpdatedAt:     state.updatedAt,
	}
	if state.phase == PhaseProgressing || state.phase == PhaseShifting {
		status.TargetVersion = state.candidateVersion
	}
	if state.phase == PhaseShifting {
		status.Step = state.step + 1
		status.Steps = len(c.cfg.Policy.Steps)
	}
	if state.phase == PhaseBaking {
		bakeUntil := state.bakeUntil
		status.BakeUntil = &bakeUntil
	}

	for _, name := range []core.TrackName{core.TrackBlue, core.TrackGreen} {
		track := core.ReleaseTrack{
			Name:      name,
			Weight:    state.weights[name],
			Health:    state.health[name],
			Resources: append([]core.ResourceKey(nil), state.keys[name]...),
		}
		switch name {
		case state.active:
			track.Version = state.activeVersion
		case state.candidate:
			if state.phase == PhaseProgressing || state.phase == PhaseShifting {
				track.Version = state.candidateVersion
			}
		}
		if name == state.retiring {
			track.Version = state.retiringVersion
		}
		if track.Health == "" {
			track.Health = core.HealthUnknown
		}
		status.Tracks = append(status.Tracks, track)
	}

	c.cfg.Recorder.SetRollout(string(status.Phase), status.ActiveVersion, state.weights)

	c.statusMutex.Lock()
	c.status = status
	c.statusMutex.Unlock()
}

func (c *Controller) setPhase(phase Phase, message string) {
	c.state.phase = phase
	c.state.message = message
	c.state.updatedAt = c.cfg.Clock.Now()
}

func (c *Controller) emit(reason, message string, warning bool) {
	c.cfg.Events.Emit(events.Event{Key: c.cfg.Policy.Route, Reason: reason, Message: message, Warning: warning})
}
