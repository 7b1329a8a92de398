package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"gitopsdelivery/pkg/core"
)

// Recorder exposes helpers for recording Prometheus metrics about reconciliation, delivery,
// and autoscaling. A nil Recorder records nothing.
type Recorder struct {
	cycles        *prometheus.CounterVec
	results       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	outOfSync     prometheus.Gauge
	health        *prometheus.GaugeVec
	sourceErrors  prometheus.Counter
	rolloutPhase  *prometheus.GaugeVec
	trackWeight   *prometheus.GaugeVec
	autoscale     *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the Recorder registered on controller-runtime's metrics registry, served by
// the manager's metrics endpoint.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(ctrlmetrics.Registry)
	})
	return defaultRecorder
}

// NewRecorder constructs a Recorder and registers the metrics with reg.
// If reg is nil the default Prometheus registerer is used.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Recorder{
		cycles: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitopsdelivery_sync_cycles_total",
			Help: "Total number of drift loop cycles grouped by result.",
		}, []string{"result"})),
		results: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitopsdelivery_sync_results_total",
			Help: "Total number of delta applies grouped by delta type and outcome.",
		}, []string{"delta", "outcome"})),
		cycleDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitopsdelivery_sync_cycle_duration_seconds",
			Help:    "Histogram of drift loop cycle duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})),
		outOfSync: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitopsdelivery_out_of_sync_resources",
			Help: "Number of resources that remain out of sync after the last cycle.",
		})),
		health: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitopsdelivery_application_health",
			Help: "Aggregate application health. The active status is 1, others 0.",
		}, []string{"status"})),
		sourceErrors: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gitopsdelivery_source_errors_total",
			Help: "Total number of failed desired-state fetches after retries.",
		})),
		rolloutPhase: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitopsdelivery_rollout_phase_info",
			Help: "Info-style metric for the progressive delivery phase. Always 1.",
		}, []string{"phase", "version"})),
		trackWeight: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitopsdelivery_track_weight",
			Help: "Traffic weight currently routed to each release track.",
		}, []string{"track"})),
		autoscale: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitopsdelivery_autoscale_decisions_total",
			Help: "Total number of autoscale decisions grouped by direction.",
		}, []string{"direction"})),
	}
}

// ObserveCycle records a finished drift loop cycle.
func (r *Recorder) ObserveCycle(results []core.SyncResult, outOfSync int, health core.HealthStatus, duration time.Duration, cycleErr error) {
	if r == nil {
		return
	}

	outcome := "success"
	if cycleErr != nil {
		outcome = "error"
	}
	r.cycles.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(duration.Seconds())

	for _, result := range results {
		r.results.WithLabelValues(string(result.DeltaType), string(result.Outcome)).Inc()
	}

	r.outOfSync.Set(float64(outOfSync))
	r.SetHealth(health)
}

// ObserveIdle records a cycle that found no drift.
func (r *Recorder) ObserveIdle(health core.HealthStatus, duration time.Duration) {
	r.ObserveCycle(nil, 0, health, duration, nil)
}

// ObserveSourceError increments the failed fetch counter.
func (r *Recorder) ObserveSourceError() {
	if r == nil {
		return
	}
	r.sourceErrors.Inc()
	r.cycles.WithLabelValues("error").Inc()
}

// SetHealth marks status as the active aggregate health.
func (r *Recorder) SetHealth(status core.HealthStatus) {
	if r == nil || status == "" {
		return
	}
	for _, candidate := range []core.HealthStatus{core.HealthUnknown, core.HealthProgressing, core.HealthHealthy, core.HealthDegraded} {
		value := 0.0
		if candidate == status {
			value = 1
		}
		r.health.WithLabelValues(string(candidate)).Set(value)
	}
}

// SetRollout records the delivery phase and per-track weights. Old phase labels are removed.
func (r *Recorder) SetRollout(phase, version string, weights map[core.TrackName]int32) {
	if r == nil {
		return
	}
	r.rolloutPhase.Reset()
	r.rolloutPhase.WithLabelValues(phase, version).Set(1)
	for track, weight := range weights {
		r.trackWeight.WithLabelValues(string(track)).Set(float64(weight))
	}
}

// ObserveAutoscale counts one scale decision.
func (r *Recorder) ObserveAutoscale(decision core.AutoscaleDecision) {
	if r == nil {
		return
	}
	direction := "up"
	if decision.DesiredReplicas < decision.CurrentReplicas {
		direction = "down"
	}
	r.autoscale.WithLabelValues(direction).Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}
