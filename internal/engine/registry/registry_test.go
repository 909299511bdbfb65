package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/yungbote/dflow/internal/engine/enginerr"
	"github.com/yungbote/dflow/internal/engine/retry"
)

func noopBody(ctx BodyContext) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	desc := Descriptor{
		Name:        "greet",
		Body:        noopBody,
		Queue:       "hello",
		Tags:        []string{"a"},
		RetryPolicy: retry.Policy{MaxAttempts: 2},
		Timeout:     time.Second,
	}
	if err := r.Register(desc); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := r.Lookup("greet")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Queue != "hello" || got.Timeout != time.Second {
		t.Fatalf("descriptor mismatch: %+v", got)
	}
}

func TestLookupUnknownProcedure(t *testing.T) {
	r := New()
	if _, err := r.Lookup("nope"); !errors.Is(err, enginerr.ErrUnknownProcedure) {
		t.Fatalf("err = %v, want ErrUnknownProcedure", err)
	}
}

func TestRegisterIdempotentForSameBody(t *testing.T) {
	r := New()
	desc := Descriptor{Name: "x", Body: noopBody}
	if err := r.Register(desc); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(desc); err != nil {
		t.Fatalf("re-register with identical body/descriptor should be a no-op, got %v", err)
	}
}

func TestRegisterConflictOnDifferentBody(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "x", Body: noopBody}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	other := func(ctx BodyContext) (any, error) { return 1, nil }
	err := r.Register(Descriptor{Name: "x", Body: other})
	if !errors.Is(err, enginerr.ErrRegistrationConflict) {
		t.Fatalf("err = %v, want ErrRegistrationConflict", err)
	}
}

func TestRegisterConflictOnDifferentDescriptor(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "x", Body: noopBody, Queue: "a"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(Descriptor{Name: "x", Body: noopBody, Queue: "b"})
	if !errors.Is(err, enginerr.ErrRegistrationConflict) {
		t.Fatalf("err = %v, want ErrRegistrationConflict", err)
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Body: noopBody}); !errors.Is(err, enginerr.ErrRegistrationConflict) {
		t.Fatalf("err = %v, want ErrRegistrationConflict", err)
	}
}

func TestRegisterFillsDefaults(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "d", Body: noopBody}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := r.Lookup("d")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Queue != "default" {
		t.Fatalf("queue = %q, want default", got.Queue)
	}
	if got.RetryPolicy.MaxAttempts != 1 {
		t.Fatalf("max_attempts = %d, want normalized to 1", got.RetryPolicy.MaxAttempts)
	}
}

func TestNames(t *testing.T) {
	r := New()
	_ = r.Register(Descriptor{Name: "a", Body: noopBody})
	_ = r.Register(Descriptor{Name: "b", Body: noopBody})
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
}
