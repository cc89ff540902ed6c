// Package metrics exports capture, restore and replay activity to Prometheus by
// following the event bus.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/internal/events"
)

const namespace = "scalpel_state"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Observer turns bus events into Prometheus series.
type Observer struct {
	events          *prometheus.CounterVec
	captureDuration prometheus.Histogram
	domainFailures  *prometheus.CounterVec
	restoreSteps    *prometheus.CounterVec
	restoreDuration *prometheus.HistogramVec
	replayActions   *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
	regressions     prometheus.Counter
	logger          *zap.Logger
}

// NewObserver registers the series with reg. Registering twice against the same registry
// reuses the existing collectors.
func NewObserver(reg prometheus.Registerer, logger *zap.Logger) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{logger: logger.Named("metrics")}
	var err error

	if o.events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Events published on the bus, by type.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if o.captureDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "duration_seconds",
		Help:      "Time taken to capture a snapshot.",
		Buckets:   prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}
	if o.domainFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "domain_failures_total",
		Help:      "State domains that could not be captured.",
	}, []string{"domain", "category"})); err != nil {
		return nil, err
	}
	if o.restoreSteps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "restore",
		Name:      "steps_total",
		Help:      "Restoration steps executed, by step type and outcome.",
	}, []string{"step", "outcome"})); err != nil {
		return nil, err
	}
	if o.restoreDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "restore",
		Name:      "duration_seconds",
		Help:      "Time taken to apply a restoration plan.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if o.replayActions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "actions_total",
		Help:      "Replayed actions, by action type and outcome.",
	}, []string{"type", "outcome"})); err != nil {
		return nil, err
	}
	if o.recoveries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "recoveries_total",
		Help:      "Recovery attempts, by strategy.",
	}, []string{"strategy"})); err != nil {
		return nil, err
	}
	if o.regressions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "screenshot_regressions_total",
		Help:      "Replay screenshots that fell below the similarity threshold.",
	})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register metric: %w", err)
	}
	return c, nil
}

func outcome(ok bool) string {
	if ok {
		return outcomeSuccess
	}
	return outcomeFailure
}

// Observe records a single event.
func (o *Observer) Observe(e events.Event) {
	o.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.CaptureCompleted:
		o.captureDuration.Observe(e.Duration.Seconds())
	case events.CaptureDomainFailed:
		o.domainFailures.WithLabelValues(e.Attrs["domain"], e.Attrs["category"]).Inc()
	case events.RestoreStepCompleted:
		o.restoreSteps.WithLabelValues(e.Attrs["step"], outcome(e.Success)).Inc()
	case events.RestoreCompleted:
		o.restoreDuration.WithLabelValues(outcome(e.Success)).Observe(e.Duration.Seconds())
	case events.ReplayActionCompleted:
		o.replayActions.WithLabelValues(e.Attrs["type"], outcome(e.Success)).Inc()
	case events.ReplayRecovery:
		o.recoveries.WithLabelValues(e.Attrs["strategy"]).Inc()
	case events.ReplayRegression:
		o.regressions.Inc()
	}
}

// Run subscribes to every event on bus and records them until ctx is done or the bus shuts down.
func (o *Observer) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	o.logger.Debug("Metrics observer started.")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			o.Observe(e)
		}
	}
}
