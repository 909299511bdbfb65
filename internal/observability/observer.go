package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/observe"
)

// tracerName matches the meter name in metrics.go so every dflow span
// and instrument shows up under one instrumentation scope.
const tracerName = "dflow"

// Observer implements observe.Observer by wrapping Dispatch and
// HandleTask with OTel spans, the same two seams senpuki/telemetry.py
// instruments: a PRODUCER span around dispatch, a CONSUMER span around
// _handle_task, with span status set from the task's terminal state.
type Observer struct {
	metrics *Metrics
}

// NewObserver builds an Observer. metrics may be nil, in which case only
// tracing is recorded.
func NewObserver(metrics *Metrics) *Observer {
	return &Observer{metrics: metrics}
}

func (o *Observer) Dispatch(ctx context.Context, executionID, procedureName string) (context.Context, func(err error)) {
	tracer := otel.Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, "dflow.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("procedure_name", procedureName)),
	)
	if o.metrics != nil {
		o.metrics.RecordDispatch(ctx, procedureName)
	}
	return spanCtx, func(err error) {
		if executionID != "" {
			span.SetAttributes(attribute.String("execution_id", executionID))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (o *Observer) HandleTask(ctx context.Context, executionID, taskID, stepName, workerID string) (context.Context, func(state model.TaskState, err error)) {
	tracer := otel.Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, "dflow.handle_task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
			attribute.String("task_id", taskID),
			attribute.String("step_name", stepName),
			attribute.String("worker_id", workerID),
		),
	)
	o.metrics.AdjustInFlight(ctx, 1)
	return spanCtx, func(state model.TaskState, err error) {
		o.metrics.AdjustInFlight(ctx, -1)
		span.SetAttributes(attribute.String("task_state", string(state)))
		if o.metrics != nil {
			switch state {
			case model.TaskCompleted:
				o.metrics.RecordTaskOutcome(ctx, stepName, true)
			case model.TaskFailed:
				o.metrics.RecordTaskOutcome(ctx, stepName, false)
			case model.TaskScheduledRetry:
				o.metrics.RecordRetry(ctx, stepName)
			}
		}
		if err != nil {
			if enginerr.IsTimeout(err) {
				span.SetAttributes(attribute.Bool("timeout", true))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (o *Observer) Claim(ctx context.Context, hit bool, queue string) {
	o.metrics.RecordClaim(ctx, hit, queue)
}

func (o *Observer) LeaseRenewal(ctx context.Context, ok bool) {
	o.metrics.RecordLeaseRenewal(ctx, ok)
}

var _ observe.Observer = (*Observer)(nil)
