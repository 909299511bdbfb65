// Package backend declares the durable storage contract of spec §4.4:
// the only component that touches durable storage, atomic with respect
// to concurrent callers. Two realizations are provided as sibling
// packages (backend/sqlite, backend/postgres); each registers itself
// here at init time the way database/sql drivers register themselves,
// which keeps this package free of a dependency on either concrete
// implementation and avoids an import cycle.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/dflow/internal/engine/model"
)

// ClaimFilter narrows claim_next to tasks matching a queue/tag routing
// filter (spec §4.4, §6 "Worker surface"). Empty Queues/Tags match
// everything.
type ClaimFilter struct {
	Queues []string
	Tags   []string
}

// TaskPatch is the field update applied by checkpoint_task. Only
// non-nil/non-zero-sentinel fields are applied; the backend must verify
// lease ownership before applying any of them (spec §4.4, §4.6).
type TaskPatch struct {
	State          *model.TaskState
	Retries        *int
	NextAttemptAt  *time.Time
	Result         []byte
	Error          *string
	Children       []string
	ClearLease     bool
	LeaseExpiresAt *time.Time
	// IsTimeout tags a State=TaskFailed transition as caused by a
	// per-task timeout (spec §7, kind=timeout) rather than a body error;
	// when the task being checkpointed is a root orchestrator, the
	// backend uses it to set the owning Execution's terminal state to
	// timed_out instead of failed, in the same transaction (invariant
	// I6).
	IsTimeout bool
}

// Backend is the durable storage contract every operation in spec §4.4
// maps onto 1:1.
type Backend interface {
	// Init creates schema if absent. Idempotent.
	Init(ctx context.Context) error

	// InsertExecution writes a new execution and its root orchestrator
	// task in one transaction.
	InsertExecution(ctx context.Context, exec *model.Execution, root *model.Task) error

	// ClaimNext selects and atomically claims one ready task matching
	// filter, or returns (nil, nil) on a miss.
	ClaimNext(ctx context.Context, filter ClaimFilter, workerID string, leaseDuration time.Duration, now time.Time) (*model.Task, error)

	// RenewLease extends a task's lease iff workerID still owns it.
	RenewLease(ctx context.Context, taskID, workerID string, leaseExpiresAt time.Time) error

	// CheckpointTask applies patch to taskID iff workerID still owns it.
	// Returns enginerr.ErrLeaseLost if ownership was lost.
	CheckpointTask(ctx context.Context, taskID, workerID string, patch TaskPatch) error

	// AppendProgress appends a progress record for execID. Progress is
	// append-only (invariant I5).
	AppendProgress(ctx context.Context, execID string, rec model.Progress) error

	// InsertChildTask inserts child (state=ready) under parentTaskID and
	// adds its id to the parent's children set, in one transaction.
	InsertChildTask(ctx context.Context, parentTaskID string, child *model.Task) error

	// OnChildTerminal removes childTaskID from its parent's children
	// set; if the set becomes empty and the parent is waiting_children,
	// flips it back to ready with next_attempt_at=now and a cleared
	// lease, in one transaction.
	OnChildTerminal(ctx context.Context, childTaskID string) error

	// GetExecution returns the execution by id.
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// ListExecutions lists executions, most recent first, optionally
	// filtered by state. limit <= 0 means no limit.
	ListExecutions(ctx context.Context, limit int, stateFilter model.ExecutionState) ([]*model.Execution, error)

	// ListTasksForExecution returns every task belonging to execID.
	ListTasksForExecution(ctx context.Context, execID string) ([]*model.Task, error)

	// GetTask returns a single task by id.
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// ListProgress returns the append-only progress log for execID, in
	// append order.
	ListProgress(ctx context.Context, execID string) ([]model.Progress, error)

	// Close releases any held resources (connection pool, file handle).
	Close() error
}

// Options configures a backend at Open time.
type Options struct {
	// Logger-free: neither this surface nor the concrete constructors
	// (sqlite.Open, postgres.Open) take a logger; backends report
	// failures through returned errors and do no logging of their own.
}

// Factory constructs a Backend from a DSN. Concrete packages register one
// per driver name at init time via Register.
type Factory func(dsn string, opts Options) (Backend, error)

var factories = map[string]Factory{}

// Register installs factory under driverName. Called from the init()
// function of each concrete backend package.
func Register(driverName string, factory Factory) {
	factories[driverName] = factory
}

// Open selects a backend by inspecting dsn per spec §6 "Backend
// selection": a DSN containing "://" or the substring "postgres" selects
// the networked backend; otherwise the embedded file backend is used
// with dsn as a file path.
func Open(dsn string, opts Options) (Backend, error) {
	driver := "sqlite"
	if strings.Contains(dsn, "://") || strings.Contains(dsn, "postgres") {
		driver = "postgres"
	}
	factory, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("backend: driver %q not registered (missing blank import of backend/%s?)", driver, driver)
	}
	return factory(dsn, opts)
}
