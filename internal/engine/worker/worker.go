// Package worker implements the worker loop of spec §4.6: a pool of
// cooperative workers that claim eligible tasks, invoke bodies, persist
// outcomes, and schedule retries. Adapted from the teacher's
// internal/jobs/worker.Worker (ticker-driven claim loop, heartbeat/renew
// goroutine, panic recovery at the task boundary), generalized from a
// single job-queue poller into the replay-aware orchestrator/activity
// dispatch spec.md requires, and built on golang.org/x/sync's
// semaphore/errgroup for the pool's max_concurrency bound instead of the
// teacher's fixed goroutine-per-worker-slot loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/dflow/internal/engine/backend"
	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/observe"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/result"
	"github.com/yungbote/dflow/internal/engine/retry"
	"github.com/yungbote/dflow/internal/engine/runtime"
	"github.com/yungbote/dflow/internal/engine/wake"
	"github.com/yungbote/dflow/internal/platform/logger"
)

// Config parameterizes a Worker per spec §4.6 / §6 "Worker surface".
type Config struct {
	WorkerID       string
	Queues         []string
	Tags           []string
	PollInterval   time.Duration
	MaxConcurrency int
	LeaseDuration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	return c
}

// Worker is a pool of up to cfg.MaxConcurrency concurrently executing
// tasks against one backend and registry.
type Worker struct {
	cfg      Config
	be       backend.Backend
	reg      *registry.Registry
	observer observe.Observer
	log      *logger.Logger
	wake     *wake.Channel

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds a Worker. A nil observer defaults to observe.Nop{}. A nil
// wakeChannel is fine: the worker simply polls on a fixed interval.
func New(cfg Config, be backend.Backend, reg *registry.Registry, observer observe.Observer, log *logger.Logger, wakeChannel *wake.Channel) *Worker {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Worker{
		cfg:      cfg,
		be:       be,
		reg:      reg,
		observer: observer,
		log:      log,
		wake:     wakeChannel,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		inFlight: make(map[string]struct{}),
	}
}

// Serve runs the claim/execute/checkpoint loop until ctx is cancelled.
// It blocks until every in-flight task reaches a checkpoint before
// returning, per spec §4.6 step 3.
func (w *Worker) Serve(ctx context.Context) error {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go w.renewLoop(renewCtx)

	var wakeCh <-chan struct{}
	if w.wake != nil {
		var stopListen func()
		wakeCh, stopListen = w.wake.Listen(ctx)
		defer stopListen()
	}

	var group errgroup.Group

claimLoop:
	for {
		if ctx.Err() != nil {
			break claimLoop
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break claimLoop
		}

		task, err := w.be.ClaimNext(ctx, backend.ClaimFilter{Queues: w.cfg.Queues, Tags: w.cfg.Tags}, w.cfg.WorkerID, w.cfg.LeaseDuration, time.Now().UTC())
		if err != nil {
			w.sem.Release(1)
			w.log.Error("claim_next failed", "worker_id", w.cfg.WorkerID, "error", err)
			if !w.sleep(ctx, w.cfg.PollInterval, wakeCh) {
				break claimLoop
			}
			continue
		}
		if task == nil {
			w.sem.Release(1)
			w.observer.Claim(ctx, false, "")
			if !w.sleep(ctx, w.cfg.PollInterval, wakeCh) {
				break claimLoop
			}
			continue
		}
		w.observer.Claim(ctx, true, task.Queue)

		w.track(task.ID)
		t := task
		group.Go(func() error {
			defer w.sem.Release(1)
			defer w.untrack(t.ID)
			w.handleTask(ctx, t)
			return nil
		})
	}

	_ = group.Wait()
	return nil
}

// sleep waits for poll_interval to elapse, but returns early if wakeCh
// fires — the redis-backed wake.Channel notification named in
// SPEC_FULL.md's domain stack, letting a worker pick up freshly
// dispatched or unblocked tasks well before its next scheduled poll. A
// nil wakeCh degrades to a plain poll-interval timer.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeCh <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wakeCh:
		return true
	}
}

func (w *Worker) track(taskID string) {
	w.mu.Lock()
	w.inFlight[taskID] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) untrack(taskID string) {
	w.mu.Lock()
	delete(w.inFlight, taskID)
	w.mu.Unlock()
}

func (w *Worker) snapshotInFlight() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		out = append(out, id)
	}
	return out
}

// renewLoop periodically renews every in-flight task's lease, every
// lease_duration/3 as named in spec §4.6 step 2.
func (w *Worker) renewLoop(ctx context.Context) {
	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expires := time.Now().UTC().Add(w.cfg.LeaseDuration)
			for _, id := range w.snapshotInFlight() {
				err := w.be.RenewLease(ctx, id, w.cfg.WorkerID, expires)
				w.observer.LeaseRenewal(ctx, err == nil)
				if err != nil {
					w.log.Warn("renew_lease failed", "task_id", id, "error", err)
				}
			}
		}
	}
}

// handleTask realizes spec §4.6's handle_task, steps a-g.
func (w *Worker) handleTask(parentCtx context.Context, task *model.Task) {
	execution, err := w.be.GetExecution(parentCtx, task.ExecutionID)
	if err != nil {
		w.log.Error("get_execution failed mid-claim", "task_id", task.ID, "error", err)
		return
	}

	hCtx, finish := w.observer.HandleTask(parentCtx, task.ExecutionID, task.ID, task.StepName, w.cfg.WorkerID)

	startedAt := time.Now().UTC()
	if err := w.be.AppendProgress(hCtx, task.ExecutionID, model.Progress{
		Step: task.StepName, Status: model.ProgressStarted, StartedAt: &startedAt,
	}); err != nil {
		w.log.Warn("append_progress(started) failed", "task_id", task.ID, "error", err)
	}

	// The root task's step_name is "root"; its body is the procedure the
	// execution was dispatched with. Child tasks carry their procedure
	// name as step_name.
	procedureName := task.StepName
	if task.ParentTaskID == nil {
		procedureName = execution.ProcedureName
	}
	desc, err := w.reg.Lookup(procedureName)
	if err != nil {
		finish(w.finishFailure(hCtx, task, err, false), err)
		return
	}

	bodyCtx := hCtx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(hCtx, desc.Timeout)
		defer cancel()
	}

	children, err := w.childrenOf(bodyCtx, task)
	if err != nil {
		finish(w.finishFailure(hCtx, task, err, false), err)
		return
	}

	rctx := runtime.New(bodyCtx, w.be, w.reg, execution, task, children, w.wake)
	outcome, bodyErr, suspend := invokeBody(desc, rctx)

	if suspend != nil {
		state := model.TaskWaitingChildren
		if err := w.checkpoint(hCtx, task.ID, backend.TaskPatch{
			State:      &state,
			Children:   suspend.Children,
			ClearLease: true,
		}); err != nil && !errors.Is(err, enginerr.ErrLeaseLost) {
			w.log.Error("checkpoint(waiting_children) failed", "task_id", task.ID, "error", err)
		}
		finish(model.TaskWaitingChildren, nil)
		return
	}

	if parentCtx.Err() != nil {
		// Worker shutdown in flight: revert silently (spec §5
		// cancellation policy; §7 "cancelled" kind), no retry counted.
		// The revert checkpoint runs on a detached context — hCtx is
		// already cancelled, and the whole point is to persist the
		// release before the process exits.
		state := model.TaskReady
		_ = w.checkpoint(context.WithoutCancel(hCtx), task.ID, backend.TaskPatch{State: &state, ClearLease: true})
		finish(task.State, enginerr.ErrCancelled)
		return
	}

	isTimeout := desc.Timeout > 0 && bodyCtx.Err() == context.DeadlineExceeded
	if isTimeout {
		bodyErr = &enginerr.TimeoutError{Step: task.StepName, Err: bodyErr}
	}

	if bodyErr != nil {
		finish(w.finishFailure(hCtx, task, bodyErr, isTimeout), bodyErr)
		return
	}

	r := toResult(outcome)
	w.finishSuccess(hCtx, task, r)
	finish(model.TaskCompleted, nil)
}

// childrenOf returns task's existing children in creation order (runtime.New
// sorts them by ordinal), used to seed runtime.Context for replay-safe
// sub-dispatch memoization.
func (w *Worker) childrenOf(ctx context.Context, task *model.Task) ([]*model.Task, error) {
	all, err := w.be.ListTasksForExecution(ctx, task.ExecutionID)
	if err != nil {
		return nil, err
	}
	var children []*model.Task
	for _, t := range all {
		if t.ParentTaskID != nil && *t.ParentTaskID == task.ID {
			children = append(children, t)
		}
	}
	return children, nil
}

// invokeBody runs desc.Body under panic recovery: a *runtime.Suspend
// panic is the orchestrator's suspension signal (spec §4.7); any other
// panic is converted into a body error, matching the teacher's worker
// panic-to-failure recovery in internal/jobs/worker.
func invokeBody(desc registry.Descriptor, rctx *runtime.Context) (outcome any, bodyErr error, suspend *runtime.Suspend) {
	defer func() {
		if r := recover(); r != nil {
			if s, ok := r.(*runtime.Suspend); ok {
				suspend = s
				return
			}
			bodyErr = fmt.Errorf("panic in task body: %v", r)
		}
	}()
	outcome, bodyErr = desc.Body(rctx)
	return
}

func toResult(outcome any) result.Result {
	if r, ok := outcome.(result.Result); ok {
		return r
	}
	return result.Ok(outcome)
}

// checkpoint applies patch through the backend with a bounded local retry
// on storage errors (spec §7: storage-error is retried with bounded
// backoff; after exhaustion the task is left at its previous persisted
// state for lease expiry to recover). ErrLeaseLost passes straight
// through without retrying — the lease is not coming back.
func (w *Worker) checkpoint(ctx context.Context, taskID string, patch backend.TaskPatch) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = w.be.CheckpointTask(ctx, taskID, w.cfg.WorkerID, patch)
		if err == nil || errors.Is(err, enginerr.ErrLeaseLost) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}

// finishFailure implements spec §4.6 step e: schedule a retry if the
// policy allows it, else terminate as failed. If the lease was lost the
// outcome is abandoned silently — the new owner re-executes, and writing
// progress here would double the terminal record it is about to write
// (property P2). It returns the state the failure resolves to
// (scheduled_retry or failed) for the observer.
func (w *Worker) finishFailure(ctx context.Context, task *model.Task, bodyErr error, isTimeout bool) model.TaskState {
	policy := decodePolicy(task)
	now := time.Now().UTC()
	detail := bodyErr.Error()

	if policy.CanRetry(task.Retries) {
		retries := task.Retries + 1
		nextAttemptAt := now.Add(policy.Delay(retries))
		state := model.TaskScheduledRetry
		if err := w.checkpoint(ctx, task.ID, backend.TaskPatch{
			State:         &state,
			Retries:       &retries,
			NextAttemptAt: &nextAttemptAt,
			ClearLease:    true,
		}); err != nil {
			if !errors.Is(err, enginerr.ErrLeaseLost) {
				w.log.Error("checkpoint(scheduled_retry) failed", "task_id", task.ID, "error", err)
			}
			return state
		}
		if err := w.be.AppendProgress(ctx, task.ExecutionID, model.Progress{
			Step: task.StepName, Status: model.ProgressRetrying, Detail: detail,
		}); err != nil {
			w.log.Warn("append_progress(retrying) failed", "task_id", task.ID, "error", err)
		}
		return state
	}

	r := result.Err(bodyErr)
	raw, err := r.Marshal()
	if err != nil {
		w.log.Error("result marshal failed", "task_id", task.ID, "error", err)
	}
	state := model.TaskFailed
	if err := w.checkpoint(ctx, task.ID, backend.TaskPatch{
		State:      &state,
		Result:     raw,
		Error:      &detail,
		ClearLease: true,
		IsTimeout:  isTimeout,
	}); err != nil {
		if !errors.Is(err, enginerr.ErrLeaseLost) {
			w.log.Error("checkpoint(failed) failed", "task_id", task.ID, "error", err)
		}
		return state
	}
	completedAt := now
	if err := w.be.AppendProgress(ctx, task.ExecutionID, model.Progress{
		Step: task.StepName, Status: model.ProgressFailed, CompletedAt: &completedAt, Detail: detail,
	}); err != nil {
		w.log.Warn("append_progress(failed) failed", "task_id", task.ID, "error", err)
	}
	w.onChildTerminalIfNeeded(ctx, task, true)
	return state
}

// finishSuccess implements spec §4.6 step f. Like finishFailure, a lost
// lease abandons the result silently.
func (w *Worker) finishSuccess(ctx context.Context, task *model.Task, r result.Result) {
	raw, err := r.Marshal()
	if err != nil {
		w.log.Error("result marshal failed", "task_id", task.ID, "error", err)
		w.finishFailure(ctx, task, fmt.Errorf("%w: %v", enginerr.ErrSerialization, err), false)
		return
	}
	state := model.TaskCompleted
	if err := w.checkpoint(ctx, task.ID, backend.TaskPatch{
		State:      &state,
		Result:     raw,
		ClearLease: true,
	}); err != nil {
		if !errors.Is(err, enginerr.ErrLeaseLost) {
			w.log.Error("checkpoint(completed) failed", "task_id", task.ID, "error", err)
		}
		return
	}
	completedAt := time.Now().UTC()
	if err := w.be.AppendProgress(ctx, task.ExecutionID, model.Progress{
		Step: task.StepName, Status: model.ProgressCompleted, CompletedAt: &completedAt,
	}); err != nil {
		w.log.Warn("append_progress(completed) failed", "task_id", task.ID, "error", err)
	}
	w.onChildTerminalIfNeeded(ctx, task, true)
}

// onChildTerminalIfNeeded implements spec §4.6 step g: notify the
// parent, if any, once this task reaches a terminal state.
func (w *Worker) onChildTerminalIfNeeded(ctx context.Context, task *model.Task, terminal bool) {
	if !terminal || task.ParentTaskID == nil {
		return
	}
	if err := w.be.OnChildTerminal(ctx, task.ID); err != nil {
		w.log.Error("on_child_terminal failed", "task_id", task.ID, "error", err)
		return
	}
	w.wake.Publish(ctx)
}

func decodePolicy(task *model.Task) retry.Policy {
	var p retry.Policy
	if len(task.RetryPolicy) == 0 {
		return retry.Default()
	}
	if err := json.Unmarshal([]byte(task.RetryPolicy), &p); err != nil {
		return retry.Default()
	}
	return p.Normalize()
}
