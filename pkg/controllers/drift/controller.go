// Package drift runs the reconciliation loop that keeps live state converged on the desired
// snapshot: Idle → Diffing → Syncing → Assessing → Idle.
package drift

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/agents/status"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
	"gitopsdelivery/pkg/executor"
	"gitopsdelivery/pkg/health"
	"gitopsdelivery/pkg/history"
	"gitopsdelivery/pkg/observability/metrics"
)

// ErrPaused is returned for automatic cycles requested while the loop is paused.
var ErrPaused = errors.New("drift loop paused")

// Phase is the loop's position in a cycle.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseDiffing   Phase = "Diffing"
	PhaseSyncing   Phase = "Syncing"
	PhaseAssessing Phase = "Assessing"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerWebhook  Trigger = "webhook"
	// TriggerOperator is a manual sync. It applies drift with self-heal disabled, releases
	// halted keys, and runs while paused.
	TriggerOperator Trigger = "operator"
)

func (t Trigger) priority() int {
	switch t {
	case TriggerOperator:
		return 2
	case TriggerWebhook:
		return 1
	default:
		return 0
	}
}

// Snapshot is the state handed to consumers after a cycle ends converged and Healthy.
type Snapshot struct {
	CycleID  string
	Revision string
	// Desired includes release templates, which the loop itself never syncs.
	Desired core.DesiredState
	Live    adapters.LiveSnapshot
	Health  core.HealthStatus
	At      time.Time
}

// Consumer is notified with every in-sync snapshot.
type Consumer interface {
	Notify(snapshot Snapshot)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(Snapshot)

// Notify implements Consumer.
func (f ConsumerFunc) Notify(snapshot Snapshot) { f(snapshot) }

// Alert is raised when a resource is halted after ending Degraded with self-heal disabled.
type Alert struct {
	Key      core.ResourceKey `json:"key"`
	Reason   string           `json:"reason"`
	Message  string           `json:"message"`
	RaisedAt time.Time        `json:"raisedAt"`
}

// CycleReport describes the last completed cycle.
type CycleReport struct {
	ID        string    `json:"id"`
	Trigger   Trigger   `json:"trigger"`
	Revision  string    `json:"revision,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Idle      bool      `json:"idle"`
	Error     string    `json:"error,omitempty"`
}

// Status is the externally visible state of the loop.
type Status struct {
	Phase           Phase              `json:"phase"`
	Paused          bool               `json:"paused"`
	Revision        string             `json:"revision,omitempty"`
	AppliedRevision string             `json:"appliedRevision,omitempty"`
	Health          core.HealthStatus  `json:"health"`
	Sync            status.SyncStatus  `json:"sync"`
	LastCycle       *CycleReport       `json:"lastCycle,omitempty"`
	Halted          []core.ResourceKey `json:"halted,omitempty"`
	Alerts          []Alert            `json:"alerts,omitempty"`
}

// Config wires a Controller.
type Config struct {
	// Owner is the ownership label value for resources this loop manages.
	Owner    string
	Policy   core.SyncPolicy
	Source   adapters.DesiredSource
	Store    adapters.LiveStore
	Differ   *diff.Differ
	Executor *executor.Executor
	Assessor *health.Assessor
	History  history.Store
	Events   events.Sink
	Recorder *metrics.Recorder
	Clock    clock.Clock
	Log      logr.Logger
	// SourceBackoff overrides the retry strategy for desired-state fetches. Apply retries
	// follow the Executor's own strategy.
	SourceBackoff *core.BackoffStrategy
	Consumers     []Consumer
}

// Controller is the drift loop. Cycles never overlap.
type Controller struct {
	cfg           Config
	queue         *core.WorkQueue[Trigger]
	sourceBackoff core.BackoffStrategy

	cycleMutex sync.Mutex

	mutex           sync.Mutex
	phase           Phase
	paused          bool
	revision        string
	appliedRevision string
	health          core.HealthStatus
	syncStatus      status.SyncStatus
	lastCycle       *CycleReport
	halted          map[core.ResourceKey]string
	rejected        map[core.ResourceKey]string
	alerts          []Alert
	inSync          *Snapshot
}

var _ manager.Runnable = (*Controller)(nil)

// New returns a Controller for cfg with sync policy defaults applied.
func New(cfg Config) *Controller {
	core.DefaultSyncPolicy(&cfg.Policy)
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	if cfg.History == nil {
		cfg.History = history.NewMemoryStore(core.DefaultHistoryWindow)
	}
	if cfg.Events == nil {
		cfg.Events = events.NewLogSink(cfg.Log)
	}

	sourceBackoff := core.BackoffFromPolicy(cfg.Policy.Retry)
	if cfg.SourceBackoff != nil {
		sourceBackoff = *cfg.SourceBackoff
	}

	return &Controller{
		cfg:           cfg,
		queue:         core.NewWorkQueue[Trigger](),
		sourceBackoff: sourceBackoff,
		phase:         PhaseIdle,
		health:        core.HealthUnknown,
		halted:        map[core.ResourceKey]string{},
		rejected:      map[core.ResourceKey]string{},
	}
}

// Start runs cycles on the sync interval and on queued triggers until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.cfg.Log.Info("starting drift loop", "owner", c.cfg.Owner, "interval", c.cfg.Policy.Interval.String())

	go wait.JitterUntilWithContext(ctx, func(context.Context) { c.Trigger(TriggerInterval) }, c.cfg.Policy.Interval, 0.1, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.queue.Signal():
			trigger, ok := strongest(c.queue.Drain())
			if !ok {
				continue
			}
			if _, err := c.RunCycle(ctx, trigger); err != nil && !errors.Is(err, ErrPaused) {
				c.cfg.Log.Info("cycle failed", "trigger", string(trigger), "error", err.Error())
			}
		}
	}
}

// strongest collapses a burst of triggers into the one with the broadest effect.
func strongest(triggers []Trigger) (Trigger, bool) {
	if len(triggers) == 0 {
		return "", false
	}
	best := triggers[0]
	for _, trigger := range triggers[1:] {
		if trigger.priority() > best.priority() {
			best = trigger
		}
	}
	return best, true
}

// Trigger queues a cycle. Repeated triggers of one kind collapse into a single cycle.
func (c *Controller) Trigger(reason Trigger) {
	c.queue.Add(reason)
}

// Pause stops automatic cycles. Operator syncs still run.
func (c *Controller) Pause() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.paused = true
}

// Resume re-enables automatic cycles and queues one.
func (c *Controller) Resume() {
	c.mutex.Lock()
	c.paused = false
	c.mutex.Unlock()
	c.Trigger(TriggerInterval)
}

// Status returns a copy of the loop status.
func (c *Controller) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	halted := make([]core.ResourceKey, 0, len(c.halted))
	for key := range c.halted {
		halted = append(halted, key)
	}
	core.SortKeys(halted)

	var lastCycle *CycleReport
	if c.lastCycle != nil {
		copied := *c.lastCycle
		lastCycle = &copied
	}

	return Status{
		Phase:           c.phase,
		Paused:          c.paused,
		Revision:        c.revision,
		AppliedRevision: c.appliedRevision,
		Health:          c.health,
		Sync:            c.syncStatus,
		LastCycle:       lastCycle,
		Halted:          halted,
		Alerts:          append([]Alert(nil), c.alerts...),
	}
}

// InSyncSnapshot returns the last snapshot that ended converged and Healthy.
func (c *Controller) InSyncSnapshot() (Snapshot, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.inSync == nil {
		return Snapshot{}, false
	}
	return *c.inSync, true
}

// History returns the recorded results for key, newest first.
func (c *Controller) History(ctx context.Context, key core.ResourceKey) ([]history.Entry, error) {
	return c.cfg.History.List(ctx, key)
}

func (c *Controller) setPhase(phase Phase) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.phase = phase
}

func (c *Controller) isPaused() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.paused
}

func (c *Controller) raiseAlert(alert Alert) {
	c.alerts = append(c.alerts, alert)
	if len(c.alerts) > core.DefaultHistoryWindow {
		c.alerts = c.alerts[len(c.alerts)-core.DefaultHistoryWindow:]
	}
}

func sortedKeys(set map[core.ResourceKey]bool) []core.ResourceKey {
	keys := make([]core.ResourceKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
