// Package observe declares the observer hook points named in spec §9's
// design notes (start_task, end_task, dispatch_emitted) as a first-class
// interface at the worker/dispatcher boundary, so the engine core stays
// free of any concrete tracing dependency. internal/observability
// provides the OTel-backed implementation, mirroring how
// senpuki/telemetry.py wraps dispatch and _handle_task with
// producer/consumer spans.
package observe

import (
	"context"

	"github.com/yungbote/dflow/internal/engine/model"
)

// Observer is notified around the two places spec.md calls out as the
// core's only observability seam: emitting a dispatch, and handling a
// claimed task.
type Observer interface {
	// Dispatch wraps a call to the dispatcher. It returns a (possibly
	// decorated) context and a function to call when the dispatch
	// completes, reporting the resulting error (nil on success).
	Dispatch(ctx context.Context, executionID, procedureName string) (context.Context, func(err error))

	// HandleTask wraps a single worker invocation of a task's body. It
	// returns a (possibly decorated) context and a function to call with
	// the task's outcome once handle_task finishes.
	HandleTask(ctx context.Context, executionID, taskID, stepName, workerID string) (context.Context, func(state model.TaskState, err error))

	// Claim is notified after every claim_next call: hit reports whether
	// a task was claimed, queue is the claimed task's queue label ("" on
	// a miss).
	Claim(ctx context.Context, hit bool, queue string)

	// LeaseRenewal is notified after every renew_lease call.
	LeaseRenewal(ctx context.Context, ok bool)
}

// Nop is the default Observer: every hook is a no-op. Used when no
// tracing backend is configured.
type Nop struct{}

func (Nop) Dispatch(ctx context.Context, executionID, procedureName string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (Nop) HandleTask(ctx context.Context, executionID, taskID, stepName, workerID string) (context.Context, func(model.TaskState, error)) {
	return ctx, func(model.TaskState, error) {}
}

func (Nop) Claim(ctx context.Context, hit bool, queue string) {}

func (Nop) LeaseRenewal(ctx context.Context, ok bool) {}

var _ Observer = Nop{}
