// Package enginetest exercises the engine end to end — dispatcher,
// worker, registry, and the sqlite backend wired together — against the
// literal scenarios named in spec §8 (S1-S6) plus the quantified
// invariants (P1-P6) and boundary behaviors (B1-B3) that don't fit
// cleanly inside a single package's unit tests. Grounded in the
// teacher's own integration-style tests under internal/jobs, which spin
// up a real sqlite-backed repo rather than mocking it.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/dflow/internal/engine/backend"
	_ "github.com/yungbote/dflow/internal/engine/backend/sqlite"
	"github.com/yungbote/dflow/internal/engine/dispatcher"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/worker"
	"github.com/yungbote/dflow/internal/examples"
	"github.com/yungbote/dflow/internal/platform/logger"
)

// harness bundles a fresh backend + registry + dispatcher, every sample
// procedure registered with a per-test AttemptCounter so retry state
// never leaks between tests.
type harness struct {
	be  backend.Backend
	reg *registry.Registry
	d   *dispatcher.Dispatcher
	log *logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	be, err := backend.Open(":memory:", backend.Options{})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = be.Close() })

	reg := registry.New()
	if err := examples.Register(reg, examples.NewAttemptCounter(), nil); err != nil {
		t.Fatalf("register examples: %v", err)
	}

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	d := dispatcher.New(be, reg, nil, nil)
	return &harness{be: be, reg: reg, d: d, log: log}
}

// runWorker starts a worker with the given config (queue/tag filter,
// lease duration) and returns its context and cancel func; the worker is
// stopped at test cleanup.
func (h *harness) runWorker(t *testing.T, cfg worker.Config) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := worker.New(cfg, h.be, h.reg, nil, h.log, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop after cancel")
		}
	})
	return ctx, cancel
}

// waitTerminal polls state_of until the execution reaches a terminal
// state or the deadline elapses.
func (h *harness) waitTerminal(t *testing.T, execID string, timeout time.Duration) *dispatcher.ExecutionView {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		view, err := h.d.StateOf(context.Background(), execID)
		if err != nil {
			t.Fatalf("state_of: %v", err)
		}
		if view.State.IsTerminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state within %s", execID, timeout)
	return nil
}

func defaultWorkerConfig(id string) worker.Config {
	return worker.Config{
		WorkerID:       id,
		PollInterval:   20 * time.Millisecond,
		MaxConcurrency: 8,
		LeaseDuration:  2 * time.Second,
	}
}

// S1: simple_task(21) -> completed, result=Ok(42).
func TestSimpleTaskCompletes(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "simple_task", examples.SimpleArgs{X: 21})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 2*time.Second)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}
	r, ok, err := h.d.ResultOf(context.Background(), execID)
	if err != nil || !ok {
		t.Fatalf("result_of: ok=%v err=%v", ok, err)
	}
	if !r.IsOk() {
		t.Fatalf("result = Err(%s), want Ok", r.ErrorMessage())
	}
	var got float64
	if err := r.Bind(&got); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got != 42 {
		t.Fatalf("result = %v, want 42", got)
	}
}

// S2: failing_task raises "I failed" -> failed, progress contains a
// failed record whose detail contains the message.
func TestFailingTaskFails(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "failing_task", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 2*time.Second)
	if view.State != model.ExecutionFailed {
		t.Fatalf("state = %s, want failed", view.State)
	}
	found := false
	for _, p := range view.Progress {
		if p.Status == model.ProgressFailed && strings.Contains(p.Detail, "I failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no failed progress record with detail containing %q: %+v", "I failed", view.Progress)
	}
}

// S3: stateful_retry_task(key) fails on attempts 1 and 2, succeeds on 3;
// result=Ok(3), root task's retries field = 2.
func TestStatefulRetrySucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "stateful_retry_task", examples.StatefulRetryArgs{Key: "s3"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 3*time.Second)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed (progress=%s)", view.State, view.ProgressStr)
	}
	r, ok, err := h.d.ResultOf(context.Background(), execID)
	if err != nil || !ok {
		t.Fatalf("result_of: ok=%v err=%v", ok, err)
	}
	var n int
	if err := r.Bind(&n); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if n != 3 {
		t.Fatalf("result = %d, want 3", n)
	}

	tasks, err := h.be.ListTasksForExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("list_tasks_for_execution: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1 (no sub-dispatch in this scenario)", len(tasks))
	}
	if tasks[0].Retries != 2 {
		t.Fatalf("root task retries = %d, want 2", tasks[0].Retries)
	}
}

// B1: max_attempts=1 failure transitions directly to failed, no retry.
func TestMaxAttemptsOneNoRetry(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "failing_task", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 2*time.Second)
	if view.State != model.ExecutionFailed {
		t.Fatalf("state = %s, want failed", view.State)
	}
	retrying := 0
	for _, p := range view.Progress {
		if p.Status == model.ProgressRetrying {
			retrying++
		}
	}
	if retrying != 0 {
		t.Fatalf("retrying progress records = %d, want 0 (max_attempts=1)", retrying)
	}
}

// S4: queue routing. A worker filtered to "high" only advances hp_task;
// lp_task stays pending until a worker filtered to "low" runs.
func TestQueueFilterRouting(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, worker.Config{
		WorkerID: "hp-worker", Queues: []string{"high"},
		PollInterval: 20 * time.Millisecond, MaxConcurrency: 4, LeaseDuration: 2 * time.Second,
	})

	hpID, err := h.d.Dispatch(context.Background(), "hp_task", nil)
	if err != nil {
		t.Fatalf("dispatch hp_task: %v", err)
	}
	lpID, err := h.d.Dispatch(context.Background(), "lp_task", nil)
	if err != nil {
		t.Fatalf("dispatch lp_task: %v", err)
	}

	hpView := h.waitTerminal(t, hpID, 2*time.Second)
	if hpView.State != model.ExecutionCompleted {
		t.Fatalf("hp_task state = %s, want completed", hpView.State)
	}

	lpView, err := h.d.StateOf(context.Background(), lpID)
	if err != nil {
		t.Fatalf("state_of(lp): %v", err)
	}
	if lpView.State != model.ExecutionPending {
		t.Fatalf("lp_task state = %s, want still pending", lpView.State)
	}

	h.runWorker(t, worker.Config{
		WorkerID: "lp-worker", Queues: []string{"low"},
		PollInterval: 20 * time.Millisecond, MaxConcurrency: 4, LeaseDuration: 2 * time.Second,
	})
	lpView = h.waitTerminal(t, lpID, 2*time.Second)
	if lpView.State != model.ExecutionCompleted {
		t.Fatalf("lp_task state = %s, want completed", lpView.State)
	}
}

// S5 / B2: fan-out of N=4 sleepers running concurrently, summed by the
// parent orchestrator on replay. Degenerate fan-in (zero children) is
// covered implicitly by N=0 below.
func TestFanOutSumsChildren(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	start := time.Now()
	execID, err := h.d.Dispatch(context.Background(), "fan_out_sum", examples.FanOutArgs{N: 4, Seconds: 0.3})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 3*time.Second)
	elapsed := time.Since(start)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed (progress=%s)", view.State, view.ProgressStr)
	}
	if elapsed >= 4*300*time.Millisecond {
		t.Fatalf("fan-out took %s, expected concurrent execution well under sequential 1.2s", elapsed)
	}
	r, ok, err := h.d.ResultOf(context.Background(), execID)
	if err != nil || !ok {
		t.Fatalf("result_of: ok=%v err=%v", ok, err)
	}
	var sum float64
	if err := r.Bind(&sum); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if sum != 1.2 {
		t.Fatalf("sum = %v, want 1.2", sum)
	}
}

// B2: a body that sub-dispatches zero children completes in one
// invocation without ever suspending.
func TestFanOutZeroChildrenCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "fan_out_sum", examples.FanOutArgs{N: 0, Seconds: 0.1})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 2*time.Second)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}
	r, _, _ := h.d.ResultOf(context.Background(), execID)
	var sum float64
	_ = r.Bind(&sum)
	if sum != 0 {
		t.Fatalf("sum = %v, want 0", sum)
	}
}

// B3 / S6: a worker killed mid-execution leaves its task in state=running
// under a lease; another worker claims it once the lease expires, and the
// execution still completes with exactly one terminal progress record per
// task (P2).
func TestLeaseExpiryRecoversAfterWorkerDeath(t *testing.T) {
	h := newHarness(t)

	execID, err := h.d.Dispatch(context.Background(), "sleeper", examples.SleeperArgs{Seconds: 0.4})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The doomed worker claims the task and dies without ever
	// checkpointing: the row stays running under a short lease, which is
	// what a process crash leaves behind (a cancelled Worker.Serve would
	// instead revert the task to ready on its way out).
	claimed, err := h.be.ClaimNext(context.Background(), backend.ClaimFilter{}, "doomed-worker", 150*time.Millisecond, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("doomed claim: task=%+v err=%v", claimed, err)
	}

	// A fresh worker starts against the same backend, claims the task
	// once the lease has expired, and completes the execution.
	h.runWorker(t, defaultWorkerConfig("survivor-worker"))

	view := h.waitTerminal(t, execID, 3*time.Second)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed (progress=%s)", view.State, view.ProgressStr)
	}

	completedCount := 0
	for _, p := range view.Progress {
		if p.Status == model.ProgressCompleted {
			completedCount++
		}
	}
	if completedCount != 1 {
		t.Fatalf("completed progress records = %d, want exactly 1 (P2)", completedCount)
	}
}

// A body that exceeds its descriptor timeout surfaces as a failure with
// kind=timeout: the execution lands in timed_out, distinguishable from a
// plain failure only by that tagging.
func TestTimeoutTaskTimesOut(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "slow_task", examples.SleeperArgs{Seconds: 2})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 3*time.Second)
	if view.State != model.ExecutionTimedOut {
		t.Fatalf("state = %s, want timed_out (progress=%s)", view.State, view.ProgressStr)
	}
	found := false
	for _, p := range view.Progress {
		if p.Status == model.ProgressFailed && strings.Contains(p.Detail, "timed out") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no failed progress record mentioning the timeout: %+v", view.Progress)
	}
}

// P2/P4 under contention: several workers against one backend complete
// every execution with exactly one terminal progress record each and no
// task ever runs under two owners (double-ownership would show up as a
// duplicated terminal record).
func TestConcurrentWorkersCompleteAllWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.runWorker(t, defaultWorkerConfig(fmt.Sprintf("w%d", i)))
	}

	const n = 10
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		execID, err := h.d.Dispatch(context.Background(), "simple_task", examples.SimpleArgs{X: i})
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		ids = append(ids, execID)
	}

	for i, execID := range ids {
		view := h.waitTerminal(t, execID, 5*time.Second)
		if view.State != model.ExecutionCompleted {
			t.Fatalf("execution %d state = %s, want completed", i, view.State)
		}
		terminal := 0
		for _, p := range view.Progress {
			if p.Status == model.ProgressCompleted || p.Status == model.ProgressFailed {
				terminal++
			}
		}
		if terminal != 1 {
			t.Fatalf("execution %d has %d terminal progress records, want exactly 1 (P2)", i, terminal)
		}
	}
}

// P6: fan_out_sum's orchestrator body runs again once its children finish
// (the parent is flipped back to ready after its first suspension), and
// that replay resolves awaits to the already-recorded children instead of
// re-dispatching new ones.
func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.runWorker(t, defaultWorkerConfig("w1"))

	execID, err := h.d.Dispatch(context.Background(), "fan_out_sum", examples.FanOutArgs{N: 2, Seconds: 0.05})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view := h.waitTerminal(t, execID, 2*time.Second)
	if view.State != model.ExecutionCompleted {
		t.Fatalf("state = %s, want completed", view.State)
	}

	tasks, err := h.be.ListTasksForExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("list_tasks_for_execution: %v", err)
	}
	children := 0
	for _, tk := range tasks {
		if tk.ParentTaskID != nil {
			children++
		}
	}
	if children != 2 {
		t.Fatalf("children = %d, want exactly 2 even though the orchestrator body replayed at least once", children)
	}
}
