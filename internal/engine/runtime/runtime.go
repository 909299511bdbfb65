// Package runtime implements the per-task execution context bodies
// receive when invoked, realizing the re-architecture guidance of spec
// §9: "expose dispatch_child/await_child primitives that check the
// persisted store first" so an orchestrator body can be replayed from
// the start on every resumption and still observe deterministic,
// memoized results for sub-dispatches it already issued.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yungbote/dflow/internal/engine/backend"
	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/result"
	"github.com/yungbote/dflow/internal/engine/wake"
)

// Handle is a type alias for registry.Handle, kept so callers within this
// package can write the shorter, domain-local name.
type Handle = registry.Handle

// Suspend is the control-flow signal an orchestrator body raises (via
// panic, recovered by package worker) when it awaits one or more children
// that have not yet reached a terminal state. This is the Go realization
// of the suspension point described in spec §4.7: the body's local
// continuation is not preserved, only the fact that it is waiting on
// Children.
type Suspend struct {
	Children []string
}

func (s *Suspend) Error() string {
	return fmt.Sprintf("dflow: suspended awaiting %d child task(s)", len(s.Children))
}

// Context is the per-invocation execution context passed to a registered
// Body. It is re-constructed fresh on every invocation (including
// replays), loading whichever children were already sub-dispatched so
// that repeated SubDispatch calls at the same ordinal resolve to the
// already-persisted child instead of re-enqueuing (property P6).
type Context struct {
	ctx       context.Context
	be        backend.Backend
	reg       *registry.Registry
	execution *model.Execution
	task      *model.Task
	rawArgs   []byte
	wake      *wake.Channel

	children    []*model.Task
	nextOrdinal int
}

// New builds a Context for invoking task's body. existingChildren must be
// every task whose ParentTaskID equals task.ID, ordered by Ordinal
// ascending. wakeChannel may be nil.
func New(ctx context.Context, be backend.Backend, reg *registry.Registry, execution *model.Execution, task *model.Task, existingChildren []*model.Task, wakeChannel *wake.Channel) *Context {
	sorted := make([]*model.Task, len(existingChildren))
	copy(sorted, existingChildren)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	return &Context{
		ctx:       ctx,
		be:        be,
		reg:       reg,
		execution: execution,
		task:      task,
		rawArgs:   []byte(task.Args),
		wake:      wakeChannel,
		children:  sorted,
	}
}

// Ctx is the cancellation-and-timeout scope the body runs under (spec
// §4.6 step c).
func (c *Context) Ctx() context.Context { return c.ctx }

// ExecutionID is the owning execution's id.
func (c *Context) ExecutionID() string { return c.execution.ID }

// TaskID is the current task's id.
func (c *Context) TaskID() string { return c.task.ID }

// StepName is the current task's step_name.
func (c *Context) StepName() string { return c.task.StepName }

// BindArgs decodes the task's persisted arguments into target (a
// pointer), per the opaque round-tripping encoding named in spec §6.
func (c *Context) BindArgs(target any) error {
	if len(c.rawArgs) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.rawArgs, target); err != nil {
		return fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
	}
	return nil
}

// Sleep is the suspension-point primitive named in spec §5. It blocks
// the current task's goroutine (safe under the pool concurrency model,
// since other tasks run on their own goroutines) until d elapses or the
// context is cancelled.
func (c *Context) Sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return enginerr.ErrCancelled
	}
}

// SubDispatch inserts a child task under the current task (dispatch_child
// in spec §9's terminology), content-addressed by the call's ordinal
// position among this task's sub-dispatches. A replay's Nth SubDispatch
// call returns the handle to the child already recorded at ordinal N
// instead of enqueuing a duplicate.
func (c *Context) SubDispatch(procedureName string, args any) (Handle, error) {
	ordinal := c.nextOrdinal
	c.nextOrdinal++

	if ordinal < len(c.children) {
		return Handle{TaskID: c.children[ordinal].ID, Ordinal: ordinal}, nil
	}

	desc, err := c.reg.Lookup(procedureName)
	if err != nil {
		return Handle{}, err
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
	}
	policyJSON, err := json.Marshal(desc.RetryPolicy)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
	}

	kind := model.KindActivity
	if desc.Orchestrator {
		kind = model.KindOrchestrator
	}

	child := &model.Task{
		ExecutionID:   c.execution.ID,
		Kind:          kind,
		StepName:      procedureName,
		Ordinal:       ordinal,
		Args:          rawArgs,
		State:         model.TaskReady,
		RetryPolicy:   policyJSON,
		NextAttemptAt: time.Now().UTC(),
		Queue:         desc.Queue,
		Tags:          model.StringSlice(desc.Tags),
	}
	if err := c.be.InsertChildTask(c.ctx, c.task.ID, child); err != nil {
		return Handle{}, err
	}
	c.children = append(c.children, child)
	c.wake.Publish(c.ctx)
	return Handle{TaskID: child.ID, Ordinal: ordinal}, nil
}

// Await is the fan-in suspension point (await_child in spec §9's
// terminology). If every handle refers to a terminal child, it returns
// their Results in handle order and a non-nil error equal to the first
// (lowest-indexed) child's failure, if any (spec §4.7's partial-failure
// policy) — callers may ignore the error and inspect each Result
// individually to "catch and continue". If any handle is still
// outstanding, Await panics with *Suspend, which package worker recovers
// to transition the task to waiting_children.
func (c *Context) Await(handles ...Handle) ([]result.Result, error) {
	results := make([]result.Result, len(handles))
	var outstanding []string
	var firstErr error

	for i, h := range handles {
		child := c.findChild(h.TaskID)
		if child == nil {
			return nil, fmt.Errorf("dflow: await: unknown child task %s", h.TaskID)
		}
		if !child.State.IsTerminal() {
			outstanding = append(outstanding, child.ID)
			continue
		}
		r, err := result.Unmarshal([]byte(child.Result))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", enginerr.ErrSerialization, err)
		}
		results[i] = r
		if !r.IsOk() && firstErr == nil {
			firstErr = errors.New(r.ErrorMessage())
		}
	}

	if len(outstanding) > 0 {
		panic(&Suspend{Children: outstanding})
	}
	return results, firstErr
}

func (c *Context) findChild(taskID string) *model.Task {
	for _, t := range c.children {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

var _ registry.BodyContext = (*Context)(nil)
