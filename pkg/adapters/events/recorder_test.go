package events

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"

	"gitopsdelivery/pkg/core"
)

func TestRecorderEmitsResultEvents(t *testing.T) {
	fake := record.NewFakeRecorder(10)
	anchor := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: "delivery", Name: "shop-desired"}}
	rec := NewRecorder(fake, anchor)
	key := core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}

	rec.Emit(FromResult("c1", core.SyncResult{Key: key, DeltaType: core.DeltaUpdate, Outcome: core.OutcomeApplied, Reason: core.ReasonApplied}))
	rec.Emit(FromResult("c1", core.SyncResult{Key: key, DeltaType: core.DeltaUpdate, Outcome: core.OutcomeFailed, Reason: core.ReasonValidationRejected, Err: errors.New("bad replicas")}))
	rec.Emit(Event{CycleID: "c1", Reason: ReasonCycleFailed, Message: "source unavailable", Warning: true})

	first := <-fake.Events
	if !strings.HasPrefix(first, corev1.EventTypeNormal+" "+core.ReasonApplied) {
		t.Fatalf("unexpected applied event %q", first)
	}
	second := <-fake.Events
	if !strings.HasPrefix(second, corev1.EventTypeWarning+" "+core.ReasonValidationRejected) || !strings.Contains(second, "bad replicas") {
		t.Fatalf("unexpected failure event %q", second)
	}
	third := <-fake.Events
	if third != corev1.EventTypeWarning+" "+ReasonCycleFailed+" source unavailable" {
		t.Fatalf("unexpected cycle event %q", third)
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	rec.Emit(Event{Message: "ignored"})
	NewRecorder(nil, nil).Emit(Event{Message: "ignored"})
	var sink *LogSink
	sink.Emit(Event{Message: "ignored"})
}

func TestMultiAndCollector(t *testing.T) {
	collector := NewCollector(1)
	multi := Multi{NewLogSink(logr.Discard()), collector, nil}

	multi.Emit(Event{Reason: ReasonAutoscaled, Message: "2 -> 4"})
	multi.Emit(Event{Reason: ReasonAutoscaled, Message: "dropped"})

	drained := collector.Drain()
	if len(drained) != 1 || drained[0].Message != "2 -> 4" {
		t.Fatalf("unexpected drained events %+v", drained)
	}
	if got := Describe(drained[0]); got != "Autoscaled: 2 -> 4" {
		t.Fatalf("unexpected description %q", got)
	}
}
