// Package observability wires the durable execution engine's Observer
// hook (internal/engine/observe) to OpenTelemetry tracing and metrics,
// grounded in the teacher's internal/observability instrumentation and
// senpuki/telemetry.py's producer/consumer span pairing (spec §9 design
// notes).
package observability

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yungbote/dflow/internal/platform/logger"
)

// Metrics holds the OTel metric instruments exercised by the worker and
// dispatcher: dispatch/claim/outcome/retry counters (with queue and step
// labels), lease renewals, and an in-flight gauge. A zero Metrics is safe
// to use; every method no-ops if the instrument failed to register
// (best-effort observability, never a hard dependency of the engine's
// correctness).
type Metrics struct {
	dispatchTotal metric.Int64Counter
	claimTotal    metric.Int64Counter
	claimMiss     metric.Int64Counter
	taskCompleted metric.Int64Counter
	taskFailed    metric.Int64Counter
	taskRetried   metric.Int64Counter
	leaseRenewed  metric.Int64Counter
	leaseLost     metric.Int64Counter
	inFlightTasks metric.Int64UpDownCounter
}

var (
	initOnce sync.Once
	instance *Metrics
)

// NewMetrics builds (once per process) the metric instrument set under
// the meter named "dflow". Registration failures are logged and leave
// the corresponding instrument nil; callers never need to check for nil
// themselves since every record* method guards internally.
func NewMetrics(log *logger.Logger) *Metrics {
	initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dflow")
		m := &Metrics{}

		var err error
		if m.dispatchTotal, err = meter.Int64Counter("dflow.dispatch.total",
			metric.WithDescription("executions dispatched")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.dispatch.total", "error", err)
		}
		if m.claimTotal, err = meter.Int64Counter("dflow.claim.total",
			metric.WithDescription("tasks successfully claimed")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.claim.total", "error", err)
		}
		if m.claimMiss, err = meter.Int64Counter("dflow.claim.miss",
			metric.WithDescription("claim_next calls that found no eligible task")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.claim.miss", "error", err)
		}
		if m.taskCompleted, err = meter.Int64Counter("dflow.task.completed",
			metric.WithDescription("tasks that reached state=completed")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.task.completed", "error", err)
		}
		if m.taskFailed, err = meter.Int64Counter("dflow.task.failed",
			metric.WithDescription("tasks that reached state=failed")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.task.failed", "error", err)
		}
		if m.taskRetried, err = meter.Int64Counter("dflow.task.retried",
			metric.WithDescription("tasks scheduled for retry")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.task.retried", "error", err)
		}
		if m.leaseRenewed, err = meter.Int64Counter("dflow.lease.renewed",
			metric.WithDescription("successful lease renewals")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.lease.renewed", "error", err)
		}
		if m.leaseLost, err = meter.Int64Counter("dflow.lease.lost",
			metric.WithDescription("lease renewals that failed")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.lease.lost", "error", err)
		}
		if m.inFlightTasks, err = meter.Int64UpDownCounter("dflow.worker.in_flight",
			metric.WithDescription("tasks currently claimed by this worker process")); err != nil && log != nil {
			log.Warn("metric registration failed", "instrument", "dflow.worker.in_flight", "error", err)
		}
		instance = m
	})
	return instance
}

func (m *Metrics) RecordDispatch(ctx context.Context, procedureName string) {
	if m == nil || m.dispatchTotal == nil {
		return
	}
	m.dispatchTotal.Add(ctx, 1, metric.WithAttributes(procedureAttr(procedureName)))
}

func (m *Metrics) RecordClaim(ctx context.Context, hit bool, queue string) {
	if m == nil {
		return
	}
	if hit {
		if m.claimTotal != nil {
			m.claimTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
		}
		return
	}
	if m.claimMiss != nil {
		m.claimMiss.Add(ctx, 1)
	}
}

func (m *Metrics) RecordTaskOutcome(ctx context.Context, stepName string, completed bool) {
	if m == nil {
		return
	}
	if completed {
		if m.taskCompleted != nil {
			m.taskCompleted.Add(ctx, 1, metric.WithAttributes(stepAttr(stepName)))
		}
		return
	}
	if m.taskFailed != nil {
		m.taskFailed.Add(ctx, 1, metric.WithAttributes(stepAttr(stepName)))
	}
}

func (m *Metrics) RecordRetry(ctx context.Context, stepName string) {
	if m == nil || m.taskRetried == nil {
		return
	}
	m.taskRetried.Add(ctx, 1, metric.WithAttributes(stepAttr(stepName)))
}

func (m *Metrics) RecordLeaseRenewal(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	if ok {
		if m.leaseRenewed != nil {
			m.leaseRenewed.Add(ctx, 1)
		}
		return
	}
	if m.leaseLost != nil {
		m.leaseLost.Add(ctx, 1)
	}
}

func (m *Metrics) AdjustInFlight(ctx context.Context, delta int64) {
	if m == nil || m.inFlightTasks == nil {
		return
	}
	m.inFlightTasks.Add(ctx, delta)
}

func procedureAttr(name string) attribute.KeyValue { return attribute.String("procedure_name", name) }
func stepAttr(name string) attribute.KeyValue      { return attribute.String("step_name", name) }
func queueAttr(name string) attribute.KeyValue {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	return attribute.String("queue", name)
}
