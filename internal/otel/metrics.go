package otel

import (
	"context"

	"github.com/basket/go-foreman/internal/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all Foreman metric instruments.
type Metrics struct {
	JobDuration        metric.Float64Histogram
	DispatchDuration   metric.Float64Histogram
	VerdictsTotal      metric.Int64Counter
	AdmissionDeferred  metric.Int64Counter
	AdmissionBlocked   metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	LaneWIP            metric.Int64Gauge
	OldestReadyAge     metric.Float64Gauge
	JobTimeouts        metric.Int64Counter
	WatchdogKills      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("foreman.job.duration",
		metric.WithDescription("Executor job wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("foreman.dispatch.duration",
		metric.WithDescription("Time from admission grant to executor start in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerdictsTotal, err = meter.Int64Counter("foreman.verdicts",
		metric.WithDescription("Verdicts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionDeferred, err = meter.Int64Counter("foreman.admission.deferred",
		metric.WithDescription("Admissions deferred by lane WIP ceilings"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionBlocked, err = meter.Int64Counter("foreman.admission.blocked",
		metric.WithDescription("Admissions blocked by policy or degradation"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("foreman.breaker.transitions",
		metric.WithDescription("Executor circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.LaneWIP, err = meter.Int64Gauge("foreman.lane.wip",
		metric.WithDescription("In-progress tasks per lane"),
	)
	if err != nil {
		return nil, err
	}

	m.OldestReadyAge, err = meter.Float64Gauge("foreman.lane.oldest_ready_age",
		metric.WithDescription("Age of the oldest ready task per lane in seconds (fairness advisory)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobTimeouts, err = meter.Int64Counter("foreman.job.timeouts",
		metric.WithDescription("Jobs terminated at their wall-clock timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchdogKills, err = meter.Int64Counter("foreman.watchdog.kills",
		metric.WithDescription("Stuck jobs force-cancelled by the watchdog"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveBus counts breaker state transitions published on the event bus.
// It blocks until ctx ends; run it in its own goroutine.
func (m *Metrics) ObserveBus(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicBreakerStateChanged)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			be, ok := ev.Payload.(bus.BreakerEvent)
			if !ok {
				continue
			}
			m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("executor", be.Executor),
				attribute.String("to", be.To),
			))
		}
	}
}
