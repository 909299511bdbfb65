// Package registry implements the process-wide procedure registry of
// spec §4.1, adapted from the teacher's internal/jobs/runtime job-type
// registry: a name -> descriptor map guarded by a mutex, idempotent under
// re-registration of the same body, fatal on a conflicting one.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/result"
	"github.com/yungbote/dflow/internal/engine/retry"
)

// Handle is an opaque reference to a sub-dispatched child task, returned
// by BodyContext.SubDispatch and consumed by BodyContext.Await. Declared
// here rather than in package runtime so a Body's signature does not
// require importing runtime, avoiding a cycle (runtime imports registry
// to resolve a task's descriptor).
type Handle struct {
	TaskID  string
	Ordinal int
}

// BodyContext is the per-invocation surface a registered procedure body
// runs against: payload access plus the dispatch_child/await_child
// primitives of spec §9. package runtime provides the concrete
// implementation; this package only declares the shape, so Body values
// can be written without importing runtime.
type BodyContext interface {
	Ctx() context.Context
	ExecutionID() string
	TaskID() string
	StepName() string
	BindArgs(target any) error
	Sleep(d time.Duration) error
	SubDispatch(procedureName string, args any) (Handle, error)
	Await(handles ...Handle) ([]result.Result, error)
}

// Body is the signature every registered procedure implements.
type Body func(ctx BodyContext) (any, error)

// Descriptor is the registered metadata for one procedure (spec §4.1,
// §6 "Registration surface").
type Descriptor struct {
	Name         string
	Body         Body
	Queue        string
	Tags         []string
	RetryPolicy  retry.Policy
	Timeout      time.Duration
	// Orchestrator marks a procedure whose body may sub-dispatch and
	// await children (spec §3's Task.kind=orchestrator); false marks a
	// leaf activity. The root task of every execution is always an
	// orchestrator regardless of this flag.
	Orchestrator bool
}

// Registry is a process-wide, shared-read mapping from procedure name to
// Descriptor. Zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{descs: make(map[string]Descriptor)}
}

// Register adds name -> desc. Re-registering the same name with the same
// Body function value (by pointer identity, the usual Go idiom for
// function-value comparison since func values aren't comparable) and an
// identical descriptor is a no-op. Re-registering with a different body
// is a registration conflict (spec §4.1).
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: empty procedure name", enginerr.ErrRegistrationConflict)
	}
	desc.RetryPolicy = desc.RetryPolicy.Normalize()
	if desc.Queue == "" {
		desc.Queue = "default"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.descs == nil {
		r.descs = make(map[string]Descriptor)
	}
	existing, ok := r.descs[desc.Name]
	if !ok {
		r.descs[desc.Name] = desc
		return nil
	}
	if sameBody(existing.Body, desc.Body) && sameDescriptor(existing, desc) {
		return nil
	}
	return fmt.Errorf("%w: procedure %q already registered with a different body or descriptor", enginerr.ErrRegistrationConflict, desc.Name)
}

// Lookup returns the descriptor registered under name, or
// enginerr.ErrUnknownProcedure.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", enginerr.ErrUnknownProcedure, name)
	}
	return d, nil
}

// Names returns every registered procedure name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descs))
	for n := range r.descs {
		out = append(out, n)
	}
	return out
}

func sameBody(a, b Body) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameDescriptor(a, b Descriptor) bool {
	if a.Queue != b.Queue || a.Timeout != b.Timeout || a.Orchestrator != b.Orchestrator {
		return false
	}
	if a.RetryPolicy != b.RetryPolicy {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
