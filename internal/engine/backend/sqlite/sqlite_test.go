package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dflow/internal/engine/backend"
	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// seed inserts one execution with its root task and returns both.
func seed(t *testing.T, b *Backend, queue string, tags []string) (*model.Execution, *model.Task) {
	t.Helper()
	exec := &model.Execution{
		ID:            uuid.NewString(),
		ProcedureName: "proc",
		State:         model.ExecutionPending,
		Queue:         queue,
		Tags:          model.StringSlice(tags),
	}
	root := &model.Task{
		ID:            uuid.NewString(),
		Kind:          model.KindOrchestrator,
		StepName:      "root",
		State:         model.TaskReady,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
		Queue:         queue,
		Tags:          model.StringSlice(tags),
	}
	if err := b.InsertExecution(context.Background(), exec, root); err != nil {
		t.Fatalf("insert_execution: %v", err)
	}
	return exec, root
}

func TestClaimSetsLeaseAndStartsExecution(t *testing.T) {
	b := newBackend(t)
	exec, root := seed(t, b, "default", nil)

	now := time.Now().UTC()
	got, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got == nil || got.ID != root.ID {
		t.Fatalf("claimed %+v, want root task", got)
	}
	if got.State != model.TaskRunning || got.LeaseOwner == nil || *got.LeaseOwner != "w1" {
		t.Fatalf("claimed task not running under w1: %+v", got)
	}
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.After(now) {
		t.Fatalf("lease_expires_at not in the future: %+v", got.LeaseExpiresAt)
	}

	e, err := b.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get_execution: %v", err)
	}
	if e.State != model.ExecutionRunning || e.StartedAt == nil {
		t.Fatalf("execution should be running with started_at set: %+v", e)
	}
}

func TestClaimRespectsNextAttemptAt(t *testing.T) {
	b := newBackend(t)
	_, root := seed(t, b, "default", nil)

	future := time.Now().UTC().Add(time.Hour)
	if err := b.db.Model(&model.Task{}).Where("id = ?", root.ID).
		Update("next_attempt_at", future).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %+v, want nil for a future next_attempt_at", got)
	}
}

func TestClaimQueueFilter(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "low", nil)
	_, hpRoot := seed(t, b, "high", nil)

	got, err := b.ClaimNext(context.Background(), backend.ClaimFilter{Queues: []string{"high"}}, "w1", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got == nil || got.ID != hpRoot.ID {
		t.Fatalf("claimed %+v, want the high-queue task", got)
	}
	got, err = b.ClaimNext(context.Background(), backend.ClaimFilter{Queues: []string{"high"}}, "w1", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got != nil {
		t.Fatalf("second high-queue claim should miss, got %+v", got)
	}
}

func TestClaimTagFilter(t *testing.T) {
	b := newBackend(t)
	_, tagged := seed(t, b, "default", []string{"gpu"})

	got, err := b.ClaimNext(context.Background(), backend.ClaimFilter{Tags: []string{"tpu"}}, "w1", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got != nil {
		t.Fatalf("tpu filter should not match a gpu-tagged task, got %+v", got)
	}
	got, err = b.ClaimNext(context.Background(), backend.ClaimFilter{Tags: []string{"gpu", "tpu"}}, "w1", time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if got == nil || got.ID != tagged.ID {
		t.Fatalf("claimed %+v, want the gpu-tagged task", got)
	}
}

func TestClaimStealsExpiredRunningLease(t *testing.T) {
	b := newBackend(t)
	_, root := seed(t, b, "default", nil)

	now := time.Now().UTC()
	first, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", 50*time.Millisecond, now)
	if err != nil || first == nil {
		t.Fatalf("first claim: task=%+v err=%v", first, err)
	}

	// Unexpired lease: not claimable by anyone else.
	got, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w2", time.Minute, now)
	if err != nil {
		t.Fatalf("claim during lease: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed a task whose lease has not expired: %+v", got)
	}

	// Expired lease on a still-running row (owner died without
	// checkpointing): claimable.
	later := now.Add(time.Second)
	got, err = b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w2", time.Minute, later)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if got == nil || got.ID != root.ID || *got.LeaseOwner != "w2" {
		t.Fatalf("lease steal failed: %+v", got)
	}
}

func TestRenewAndCheckpointRejectLostLease(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "default", nil)

	now := time.Now().UTC()
	claimed, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", time.Minute, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%+v err=%v", claimed, err)
	}

	if err := b.RenewLease(context.Background(), claimed.ID, "w2", now.Add(time.Minute)); !errors.Is(err, enginerr.ErrLeaseLost) {
		t.Fatalf("renew by non-owner: err = %v, want ErrLeaseLost", err)
	}
	state := model.TaskCompleted
	err = b.CheckpointTask(context.Background(), claimed.ID, "w2", backend.TaskPatch{State: &state})
	if !errors.Is(err, enginerr.ErrLeaseLost) {
		t.Fatalf("checkpoint by non-owner: err = %v, want ErrLeaseLost", err)
	}
	if err := b.RenewLease(context.Background(), claimed.ID, "w1", now.Add(time.Minute)); err != nil {
		t.Fatalf("renew by owner: %v", err)
	}
}

func TestRootTerminalCheckpointPropagatesToExecution(t *testing.T) {
	b := newBackend(t)
	exec, _ := seed(t, b, "default", nil)

	claimed, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", time.Minute, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%+v err=%v", claimed, err)
	}
	state := model.TaskCompleted
	raw := []byte(`{"ok":true,"value":42}`)
	if err := b.CheckpointTask(context.Background(), claimed.ID, "w1", backend.TaskPatch{
		State: &state, Result: raw, ClearLease: true,
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	e, err := b.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get_execution: %v", err)
	}
	if e.State != model.ExecutionCompleted {
		t.Fatalf("execution state = %s, want completed", e.State)
	}
	if e.CompletedAt == nil || len(e.Result) == 0 {
		t.Fatalf("execution result/completed_at missing: %+v", e)
	}
}

func TestTimeoutFailureMarksExecutionTimedOut(t *testing.T) {
	b := newBackend(t)
	exec, _ := seed(t, b, "default", nil)

	claimed, err := b.ClaimNext(context.Background(), backend.ClaimFilter{}, "w1", time.Minute, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%+v err=%v", claimed, err)
	}
	state := model.TaskFailed
	msg := "deadline exceeded"
	if err := b.CheckpointTask(context.Background(), claimed.ID, "w1", backend.TaskPatch{
		State: &state, Error: &msg, ClearLease: true, IsTimeout: true,
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	e, err := b.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get_execution: %v", err)
	}
	if e.State != model.ExecutionTimedOut {
		t.Fatalf("execution state = %s, want timed_out", e.State)
	}
}

func TestInsertChildAndOnChildTerminal(t *testing.T) {
	b := newBackend(t)
	exec, root := seed(t, b, "default", nil)

	child := &model.Task{
		ExecutionID:   exec.ID,
		Kind:          model.KindActivity,
		StepName:      "leaf",
		State:         model.TaskReady,
		NextAttemptAt: time.Now().UTC(),
		Queue:         "default",
	}
	if err := b.InsertChildTask(context.Background(), root.ID, child); err != nil {
		t.Fatalf("insert_child_task: %v", err)
	}

	parent, err := b.GetTask(context.Background(), root.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if len(parent.Children) != 1 || parent.Children[0] != child.ID {
		t.Fatalf("parent children = %v, want [%s]", parent.Children, child.ID)
	}

	// Park the parent the way the worker does before OnChildTerminal runs.
	waiting := model.TaskWaitingChildren
	if err := b.db.Model(&model.Task{}).Where("id = ?", root.ID).
		Update("state", waiting).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := b.OnChildTerminal(context.Background(), child.ID); err != nil {
		t.Fatalf("on_child_terminal: %v", err)
	}
	parent, err = b.GetTask(context.Background(), root.ID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if parent.State != model.TaskReady {
		t.Fatalf("parent state = %s, want ready after last child terminal", parent.State)
	}
	if len(parent.Children) != 0 {
		t.Fatalf("parent children = %v, want empty", parent.Children)
	}
	if parent.LeaseOwner != nil {
		t.Fatalf("parent lease should be cleared, got %v", *parent.LeaseOwner)
	}
}

func TestAppendProgressSequencesMonotonically(t *testing.T) {
	b := newBackend(t)
	exec, _ := seed(t, b, "default", nil)

	for _, status := range []model.ProgressStatus{model.ProgressStarted, model.ProgressRetrying, model.ProgressCompleted} {
		if err := b.AppendProgress(context.Background(), exec.ID, model.Progress{Step: "root", Status: status}); err != nil {
			t.Fatalf("append_progress(%s): %v", status, err)
		}
	}
	records, err := b.ListProgress(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("list_progress: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(progress) = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Seq != uint(i+1) {
			t.Fatalf("progress[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
}

func TestListExecutionsFilterAndLimit(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "default", nil)
	seed(t, b, "default", nil)
	exec3, _ := seed(t, b, "default", nil)

	if err := b.db.Model(&model.Execution{}).Where("id = ?", exec3.ID).
		Update("state", model.ExecutionCompleted).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := b.ListExecutions(context.Background(), 0, "")
	if err != nil {
		t.Fatalf("list_executions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	limited, err := b.ListExecutions(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("list_executions limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len = %d, want 2", len(limited))
	}
	completed, err := b.ListExecutions(context.Background(), 0, model.ExecutionCompleted)
	if err != nil {
		t.Fatalf("list_executions state: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != exec3.ID {
		t.Fatalf("completed = %+v, want only exec3", completed)
	}
}
