// Package dispatcher implements the dispatch surface of spec §4.5 and
// §6: converting a (procedure-reference, args) call into a persisted
// Execution + root orchestrator Task, and the read-only query surface
// (state_of, result_of, list_executions) layered over the backend.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dflow/internal/engine/backend"
	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/observe"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/result"
	"github.com/yungbote/dflow/internal/engine/wake"
)

// Dispatcher is the entry point clients use to start a durable
// execution. It is safe for concurrent use.
type Dispatcher struct {
	Backend  backend.Backend
	Registry *registry.Registry
	Observer observe.Observer
	Wake     *wake.Channel
}

// New builds a Dispatcher. A nil observer defaults to observe.Nop{}. A
// nil wakeChannel is fine; Dispatch simply won't short-circuit a
// worker's poll_interval.
func New(be backend.Backend, reg *registry.Registry, observer observe.Observer, wakeChannel *wake.Channel) *Dispatcher {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Dispatcher{Backend: be, Registry: reg, Observer: observer, Wake: wakeChannel}
}

// Dispatch resolves procedureName through the registry and inserts a new
// Execution (state=pending) and root orchestrator Task (state=ready) in
// one atomic write, returning the new execution id (spec §4.5).
func (d *Dispatcher) Dispatch(ctx context.Context, procedureName string, args any) (string, error) {
	ctx, finish := d.Observer.Dispatch(ctx, "", procedureName)
	var dispatchErr error
	defer func() { finish(dispatchErr) }()

	desc, err := d.Registry.Lookup(procedureName)
	if err != nil {
		dispatchErr = err
		return "", err
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		dispatchErr = fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
		return "", dispatchErr
	}
	policyJSON, err := json.Marshal(desc.RetryPolicy)
	if err != nil {
		dispatchErr = fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
		return "", dispatchErr
	}

	now := time.Now().UTC()
	exec := &model.Execution{
		ID:            uuid.NewString(),
		ProcedureName: procedureName,
		Args:          rawArgs,
		State:         model.ExecutionPending,
		Queue:         desc.Queue,
		Tags:          model.StringSlice(desc.Tags),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	root := &model.Task{
		ID:            uuid.NewString(),
		Kind:          model.KindOrchestrator,
		StepName:      "root",
		State:         model.TaskReady,
		Retries:       0,
		RetryPolicy:   policyJSON,
		NextAttemptAt: now,
		Queue:         desc.Queue,
		Tags:          model.StringSlice(desc.Tags),
		Args:          rawArgs,
	}

	if err := d.Backend.InsertExecution(ctx, exec, root); err != nil {
		dispatchErr = err
		return "", err
	}
	d.Wake.Publish(ctx)
	return exec.ID, nil
}

// ExecutionView is the read model returned by StateOf (spec §6's
// "state_of(execution_id) → ExecutionView").
type ExecutionView struct {
	ID          string            `json:"id"`
	State       model.ExecutionState `json:"state"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Progress    []model.Progress  `json:"progress"`
	ProgressStr string            `json:"progress_str"`
	Result      *result.Result    `json:"-"`
}

// StateOf returns the current view of an execution, including its full
// progress log and a human-readable one-line-per-step rendering
// (progress_str — named by spec.md's ExecutionView but left undefined
// there; rendered the way the original CLI renders step status icons).
func (d *Dispatcher) StateOf(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := d.Backend.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	progress, err := d.Backend.ListProgress(ctx, executionID)
	if err != nil {
		return nil, err
	}
	view := &ExecutionView{
		ID:          exec.ID,
		State:       exec.State,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		Progress:    progress,
		ProgressStr: renderProgressStr(progress),
	}
	if len(exec.Result) > 0 {
		r, err := result.Unmarshal([]byte(exec.Result))
		if err == nil {
			view.Result = &r
		}
	}
	return view, nil
}

func renderProgressStr(progress []model.Progress) string {
	lines := make([]string, 0, len(progress))
	for _, p := range progress {
		icon := "?"
		switch p.Status {
		case model.ProgressStarted:
			icon = ">"
		case model.ProgressCompleted:
			icon = "+"
		case model.ProgressFailed:
			icon = "x"
		case model.ProgressRetrying:
			icon = "~"
		}
		line := fmt.Sprintf("%s %s", icon, p.Step)
		if p.Detail != "" {
			line += ": " + p.Detail
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ResultOf returns the execution's Result if it has reached a terminal
// state, non-blocking per spec §6 ("the core exposes the non-blocking
// variant; polling is the caller's concern").
func (d *Dispatcher) ResultOf(ctx context.Context, executionID string) (result.Result, bool, error) {
	exec, err := d.Backend.GetExecution(ctx, executionID)
	if err != nil {
		return result.Result{}, false, err
	}
	if !exec.State.IsTerminal() || len(exec.Result) == 0 {
		return result.Result{}, false, nil
	}
	r, err := result.Unmarshal([]byte(exec.Result))
	if err != nil {
		return result.Result{}, false, fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
	}
	return r, true, nil
}

// ListExecutions lists executions most recently created first, optionally
// filtered by state (spec §6).
func (d *Dispatcher) ListExecutions(ctx context.Context, limit int, state model.ExecutionState) ([]*model.Execution, error) {
	return d.Backend.ListExecutions(ctx, limit, state)
}
