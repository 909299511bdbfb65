// Package model defines the persisted shape of executions, tasks, and
// progress records (spec §3) shared by both backend realizations.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionState is one of the values spec §3 assigns to Execution.state.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionTimedOut  ExecutionState = "timed_out"
	ExecutionCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether the state is one execution/tasks settle into
// permanently (invariant I1 relates this to the root task's terminality).
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TaskKind distinguishes an orchestrator (replayable, may fan out) from a
// leaf activity (not replayed after completion).
type TaskKind string

const (
	KindOrchestrator TaskKind = "orchestrator"
	KindActivity     TaskKind = "activity"
)

// TaskState is one of the states in the §4.7 state machine.
type TaskState string

const (
	TaskReady           TaskState = "ready"
	TaskRunning         TaskState = "running"
	TaskCompleted       TaskState = "completed"
	TaskFailed          TaskState = "failed"
	TaskWaitingChildren TaskState = "waiting_children"
	TaskScheduledRetry  TaskState = "scheduled_retry"
)

// IsTerminal reports whether a task will never be claimed again.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ProgressStatus is one of the values spec §3 assigns to Progress.status.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressRetrying  ProgressStatus = "retrying"
)

// StringSlice is the JSON-array column type used for tags and the
// orchestrator's outstanding-children set.
type StringSlice = datatypes.JSONSlice[string]

// Execution is the logical top-level invocation (spec §3, "Execution").
type Execution struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	ProcedureName string         `gorm:"index;size:255;not null" json:"procedure_name"`
	Args          datatypes.JSON `json:"args"`
	State         ExecutionState `gorm:"index;size:32;not null" json:"state"`
	Result        datatypes.JSON `json:"result,omitempty"`
	Queue         string         `gorm:"index;size:128" json:"queue"`
	Tags          StringSlice    `json:"tags"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Execution) TableName() string { return "executions" }

// Task is a unit of work a worker claims and executes (spec §3, "Task").
type Task struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	ExecutionID   string         `gorm:"index;size:36;not null" json:"execution_id"`
	ParentTaskID  *string        `gorm:"index;size:36" json:"parent_task_id,omitempty"`
	Kind          TaskKind       `gorm:"size:32;not null" json:"kind"`
	StepName      string         `gorm:"size:255;not null" json:"step_name"`
	Ordinal       int            `json:"ordinal"`
	Args          datatypes.JSON `json:"args"`
	State         TaskState      `gorm:"index:idx_tasks_claim,priority:1;size:32;not null" json:"state"`
	Retries       int            `json:"retries"`
	RetryPolicy   datatypes.JSON `json:"retry_policy"`
	NextAttemptAt time.Time      `gorm:"index:idx_tasks_claim,priority:2" json:"next_attempt_at"`
	LeaseOwner    *string        `gorm:"size:255" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	Queue         string         `gorm:"index:idx_tasks_claim,priority:3;size:128" json:"queue"`
	Tags          StringSlice    `json:"tags"`
	Result        datatypes.JSON `json:"result,omitempty"`
	Error         string         `gorm:"type:text" json:"error,omitempty"`
	Children      StringSlice    `json:"children"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// Progress is an append-only audit record attached to an execution
// (spec §3, "Progress"; invariant I5).
type Progress struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecutionID string         `gorm:"index:idx_progress_exec,priority:1;size:36;not null" json:"execution_id"`
	Seq         uint           `gorm:"index:idx_progress_exec,priority:2" json:"seq"`
	Step        string         `gorm:"size:255;not null" json:"step"`
	Status      ProgressStatus `gorm:"size:32;not null" json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Detail      string         `gorm:"type:text" json:"detail,omitempty"`
}

func (Progress) TableName() string { return "progress" }

// AllModels lists every table for AutoMigrate, in dependency order.
func AllModels() []any {
	return []any{&Execution{}, &Task{}, &Progress{}}
}
