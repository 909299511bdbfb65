// Package sqlite implements the embedded single-file backend named in
// spec §4.4, grounded in the teacher's gorm.io/driver/sqlite wiring and
// the open question in spec §9: "implementer SHOULD assume single-process
// access for the embedded backend". Atomicity across the claim/checkpoint
// operations is realized with a single in-process writer mutex serializing
// transactions, rather than relying on SQLite's own locking, since
// mattn/go-sqlite3 connections are not safe for concurrent writers without
// one.
package sqlite

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/dflow/internal/engine/backend"
	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
)

func init() {
	backend.Register("sqlite", func(dsn string, opts backend.Options) (backend.Backend, error) {
		return Open(dsn)
	})
}

// Backend is the embedded file-backed store.
type Backend struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite file at path and migrates
// the schema.
func Open(path string) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, enginerr.Storage("open", err)
	}
	// One connection only: the writer mutex already serializes all access,
	// and a pool would break ":memory:" databases, where every new
	// connection opens a fresh, empty store.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, enginerr.Storage("open", err)
	}
	sqlDB.SetMaxOpenConns(1)
	b := &Backend{db: db}
	if err := b.Init(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.WithContext(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return enginerr.Storage("init", err)
	}
	return nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) InsertExecution(ctx context.Context, exec *model.Execution, root *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	root.ExecutionID = exec.ID
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return err
		}
		return tx.Create(root).Error
	})
	if err != nil {
		return enginerr.Storage("insert_execution", err)
	}
	return nil
}

func (b *Backend) ClaimNext(ctx context.Context, filter backend.ClaimFilter, workerID string, leaseDuration time.Duration, now time.Time) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var claimed *model.Task
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A task left in state=running by a worker that died without
		// checkpointing (killed mid-execution, never reached the ready
		// revert) must still become reclaimable once its lease expires —
		// this is the lease-stealing path spec §4.4/§8 B3 describes
		// ("a worker killed mid-execution yields a task another worker
		// can claim after lease_expires_at"). ready/scheduled_retry with
		// a null lease are claimable unconditionally; running is only
		// claimable once its lease has actually expired.
		q := tx.Model(&model.Task{}).
			Where("next_attempt_at <= ?", now).
			Where(
				"(state IN ? AND (lease_owner IS NULL OR lease_expires_at < ?)) OR (state = ? AND lease_expires_at < ?)",
				[]model.TaskState{model.TaskReady, model.TaskScheduledRetry}, now, model.TaskRunning, now,
			)
		q = applyClaimFilter(q, filter)

		var t model.Task
		if err := q.Order("created_at ASC").First(&t).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}

		owner := workerID
		expires := now.Add(leaseDuration)
		updates := map[string]any{
			"state":            model.TaskRunning,
			"lease_owner":      owner,
			"lease_expires_at": expires,
		}
		if err := tx.Model(&model.Task{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
			return err
		}
		if t.ParentTaskID == nil {
			if err := tx.Model(&model.Execution{}).
				Where("id = ? AND state = ?", t.ExecutionID, model.ExecutionPending).
				Updates(map[string]any{"state": model.ExecutionRunning, "started_at": now}).Error; err != nil {
				return err
			}
		}
		t.State = model.TaskRunning
		t.LeaseOwner = &owner
		t.LeaseExpiresAt = &expires
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, enginerr.Storage("claim_next", err)
	}
	return claimed, nil
}

func applyClaimFilter(q *gorm.DB, filter backend.ClaimFilter) *gorm.DB {
	if len(filter.Queues) > 0 {
		q = q.Where("queue IN ?", filter.Queues)
	}
	if len(filter.Tags) > 0 {
		// SQLite has no array-overlap operator; tags are matched with a
		// LIKE scan over the JSON column, sufficient for the embedded
		// backend's intended single-process, modest-volume use.
		like := make([]string, 0, len(filter.Tags))
		args := make([]any, 0, len(filter.Tags))
		for _, t := range filter.Tags {
			like = append(like, "tags LIKE ?")
			args = append(args, "%\""+t+"\"%")
		}
		clause := like[0]
		for _, c := range like[1:] {
			clause += " OR " + c
		}
		q = q.Where(clause, args...)
	}
	return q
}

func (b *Backend) RenewLease(ctx context.Context, taskID, workerID string, leaseExpiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := b.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND lease_owner = ?", taskID, workerID).
		Update("lease_expires_at", leaseExpiresAt)
	if res.Error != nil {
		return enginerr.Storage("renew_lease", res.Error)
	}
	if res.RowsAffected == 0 {
		return enginerr.ErrLeaseLost
	}
	return nil
}

func (b *Backend) CheckpointTask(ctx context.Context, taskID, workerID string, patch backend.TaskPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Task
		res := tx.Where("id = ? AND lease_owner = ?", taskID, workerID).First(&t)
		if res.Error == gorm.ErrRecordNotFound {
			return enginerr.ErrLeaseLost
		}
		if res.Error != nil {
			return res.Error
		}
		updates := patchToUpdates(patch)
		if err := tx.Model(&model.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
			return err
		}
		return propagateRootTerminal(tx, &t, patch)
	})
	if err == enginerr.ErrLeaseLost {
		return enginerr.ErrLeaseLost
	}
	if err != nil {
		return enginerr.Storage("checkpoint_task", err)
	}
	return nil
}

// propagateRootTerminal writes Execution.result/state/completed_at in the
// same transaction as a root task's terminal checkpoint, honoring
// invariant I6 ("An execution's result is written before its state
// transitions to a terminal value, same atomic commit").
func propagateRootTerminal(tx *gorm.DB, t *model.Task, patch backend.TaskPatch) error {
	if t.ParentTaskID != nil || patch.State == nil {
		return nil
	}
	var execState model.ExecutionState
	switch *patch.State {
	case model.TaskCompleted:
		execState = model.ExecutionCompleted
	case model.TaskFailed:
		if patch.IsTimeout {
			execState = model.ExecutionTimedOut
		} else {
			execState = model.ExecutionFailed
		}
	default:
		return nil
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"state":        execState,
		"completed_at": now,
	}
	if patch.Result != nil {
		updates["result"] = patch.Result
	}
	return tx.Model(&model.Execution{}).Where("id = ?", t.ExecutionID).Updates(updates).Error
}

func patchToUpdates(patch backend.TaskPatch) map[string]any {
	updates := map[string]any{}
	if patch.State != nil {
		updates["state"] = *patch.State
	}
	if patch.Retries != nil {
		updates["retries"] = *patch.Retries
	}
	if patch.NextAttemptAt != nil {
		updates["next_attempt_at"] = *patch.NextAttemptAt
	}
	if patch.Result != nil {
		updates["result"] = patch.Result
	}
	if patch.Error != nil {
		updates["error"] = *patch.Error
	}
	if patch.Children != nil {
		updates["children"] = model.StringSlice(patch.Children)
	}
	if patch.ClearLease {
		updates["lease_owner"] = nil
		updates["lease_expires_at"] = nil
	} else if patch.LeaseExpiresAt != nil {
		updates["lease_expires_at"] = *patch.LeaseExpiresAt
	}
	return updates
}

func (b *Backend) AppendProgress(ctx context.Context, execID string, rec model.Progress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec.ExecutionID = execID
	if err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq uint
		if err := tx.Model(&model.Progress{}).Where("execution_id = ?", execID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		rec.Seq = maxSeq + 1
		return tx.Create(&rec).Error
	}); err != nil {
		return enginerr.Storage("append_progress", err)
	}
	return nil
}

func (b *Backend) InsertChildTask(ctx context.Context, parentTaskID string, child *model.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if child.ID == "" {
		child.ID = uuid.NewString()
	}
	parentID := parentTaskID
	child.ParentTaskID = &parentID
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(child).Error; err != nil {
			return err
		}
		var parent model.Task
		if err := tx.Where("id = ?", parentTaskID).First(&parent).Error; err != nil {
			return err
		}
		children := append([]string(parent.Children), child.ID)
		return tx.Model(&model.Task{}).Where("id = ?", parentTaskID).
			Update("children", model.StringSlice(children)).Error
	})
	if err != nil {
		return enginerr.Storage("insert_child_task", err)
	}
	return nil
}

func (b *Backend) OnChildTerminal(ctx context.Context, childTaskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var child model.Task
		if err := tx.Where("id = ?", childTaskID).First(&child).Error; err != nil {
			return err
		}
		if child.ParentTaskID == nil {
			return nil
		}
		var parent model.Task
		if err := tx.Where("id = ?", *child.ParentTaskID).First(&parent).Error; err != nil {
			return err
		}
		remaining := make([]string, 0, len(parent.Children))
		for _, id := range parent.Children {
			if id != childTaskID {
				remaining = append(remaining, id)
			}
		}
		updates := map[string]any{"children": model.StringSlice(remaining)}
		if len(remaining) == 0 && parent.State == model.TaskWaitingChildren {
			updates["state"] = model.TaskReady
			updates["next_attempt_at"] = time.Now().UTC()
			updates["lease_owner"] = nil
			updates["lease_expires_at"] = nil
		}
		return tx.Model(&model.Task{}).Where("id = ?", parent.ID).Updates(updates).Error
	})
	if err != nil {
		return enginerr.Storage("on_child_terminal", err)
	}
	return nil
}

func (b *Backend) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var e model.Execution
	if err := b.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, enginerr.Storage("get_execution", err)
	}
	return &e, nil
}

func (b *Backend) ListExecutions(ctx context.Context, limit int, stateFilter model.ExecutionState) ([]*model.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.db.WithContext(ctx).Order("created_at DESC")
	if stateFilter != "" {
		q = q.Where("state = ?", stateFilter)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*model.Execution
	if err := q.Find(&out).Error; err != nil {
		return nil, enginerr.Storage("list_executions", err)
	}
	return out, nil
}

func (b *Backend) ListTasksForExecution(ctx context.Context, execID string) ([]*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Task
	if err := b.db.WithContext(ctx).Where("execution_id = ?", execID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, enginerr.Storage("list_tasks_for_execution", err)
	}
	return out, nil
}

func (b *Backend) GetTask(ctx context.Context, id string) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var t model.Task
	if err := b.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, enginerr.Storage("get_task", err)
	}
	return &t, nil
}

func (b *Backend) ListProgress(ctx context.Context, execID string) ([]model.Progress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Progress
	if err := b.db.WithContext(ctx).Where("execution_id = ?", execID).Order("seq ASC").Find(&out).Error; err != nil {
		return nil, enginerr.Storage("list_progress", err)
	}
	return out, nil
}

var _ backend.Backend = (*Backend)(nil)
