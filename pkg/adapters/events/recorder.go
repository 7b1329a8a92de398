package events

import (
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"

	"gitopsdelivery/pkg/core"
)

// Event reasons emitted outside of per-key sync results.
const (
	ReasonCycleFailed      = "CycleFailed"
	ReasonSelfHealHalted   = "SelfHealHalted"
	ReasonOwnership        = "OwnershipViolation"
	ReasonRolloutStarted   = "RolloutStarted"
	ReasonRolloutShifted   = "TrafficShifted"
	ReasonRolloutCompleted = "RolloutCompleted"
	ReasonRolloutAborted   = "RolloutRolledBack"
	ReasonAutoscaled       = "Autoscaled"
)

// Event is one structured observation about a reconciliation cycle.
type Event struct {
	CycleID   string
	Key       core.ResourceKey
	DeltaType core.DeltaType
	Outcome   core.SyncOutcome
	Health    core.HealthStatus
	Reason    string
	Message   string
	Warning   bool
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(event Event)
}

// FromResult builds an event for one sync result.
func FromResult(cycleID string, result core.SyncResult) Event {
	return Event{
		CycleID:   cycleID,
		Key:       result.Key,
		DeltaType: result.DeltaType,
		Outcome:   result.Outcome,
		Reason:    result.Reason,
		Message:   result.Message(),
		Warning:   result.Outcome == core.OutcomeFailed,
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log logr.Logger
}

// NewLogSink returns a sink logging through log.
func NewLogSink(log logr.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit implements Sink.
func (s *LogSink) Emit(event Event) {
	if s == nil {
		return
	}
	values := []interface{}{"cycle", event.CycleID, "reason", event.Reason}
	if event.Key != (core.ResourceKey{}) {
		values = append(values, "resource", event.Key.String())
	}
	if event.DeltaType != "" {
		values = append(values, "delta", string(event.DeltaType))
	}
	if event.Outcome != "" {
		values = append(values, "outcome", string(event.Outcome))
	}
	if event.Health != "" {
		values = append(values, "health", string(event.Health))
	}
	if event.Warning {
		s.log.Info("warning: "+event.Message, values...)
		return
	}
	s.log.V(1).Info(event.Message, values...)
}

// Recorder forwards events to a Kubernetes EventRecorder anchored on one object.
//
// The methods guard against nil receivers so tests can pass a nil recorder when event
// emission is not under test.
type Recorder struct {
	recorder record.EventRecorder
	anchor   runtime.Object
}

// NewRecorder constructs a Recorder that attaches events to anchor.
func NewRecorder(rec record.EventRecorder, anchor runtime.Object) *Recorder {
	return &Recorder{recorder: rec, anchor: anchor}
}

// Emit implements Sink. Applied and skipped results are Normal events, failures are Warnings.
func (r *Recorder) Emit(event Event) {
	if r == nil || r.recorder == nil || r.anchor == nil {
		return
	}
	eventType := corev1.EventTypeNormal
	if event.Warning {
		eventType = corev1.EventTypeWarning
	}
	reason := event.Reason
	if reason == "" {
		reason = string(event.Outcome)
	}
	if event.Key == (core.ResourceKey{}) {
		r.recorder.Event(r.anchor, eventType, reason, event.Message)
		return
	}
	r.recorder.Eventf(r.anchor, eventType, reason, "%s %s: %s", event.DeltaType, event.Key, event.Message)
}

// Multi fans events out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// Collector keeps every event in memory.
type Collector struct {
	events chan Event
}

// NewCollector returns a collector buffering up to size events; later events are dropped.
func NewCollector(size int) *Collector {
	return &Collector{events: make(chan Event, size)}
}

// Emit implements Sink.
func (c *Collector) Emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}

// Drain returns the buffered events.
func (c *Collector) Drain() []Event {
	var drained []Event
	for {
		select {
		case event := <-c.events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

// Describe formats an event for display.
func Describe(event Event) string {
	if event.Key == (core.ResourceKey{}) {
		return fmt.Sprintf("%s: %s", event.Reason, event.Message)
	}
	return fmt.Sprintf("%s %s %s: %s", event.Reason, event.DeltaType, event.Key, event.Message)
}
