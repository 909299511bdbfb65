// Package examples registers the sample durable procedures exercised by
// the engine's tests and by the cmd/dflow process (internal/app), grounded in spec
// §8's end-to-end scenarios (S1-S6) and the original test suite's
// stateful_retry_task/simple_task/failing_task fixtures
// (original_source/senpuki/tests).
package examples

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/dflow/internal/engine/descriptoroverlay"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/retry"
)

// AttemptCounter is the external collaborator named in spec §5 and §9:
// an in-memory per-key counter used by stateful_retry_task to prove a
// body actually re-ran after each scheduled retry. It is deliberately
// not part of the engine core; tests and the cmd/dflow process own one instance
// each and inject it via closure, per the design note "Tests inject it
// via closure or a service the body calls".
type AttemptCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewAttemptCounter returns a ready-to-use counter.
func NewAttemptCounter() *AttemptCounter {
	return &AttemptCounter{counts: map[string]int{}}
}

// Increment bumps key's count and returns the new value.
func (c *AttemptCounter) Increment(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key]
}

// SimpleArgs is simple_task's argument shape (spec §8 S1).
type SimpleArgs struct {
	X int `json:"x"`
}

// StatefulRetryArgs is stateful_retry_task's argument shape (spec §8 S3).
type StatefulRetryArgs struct {
	Key string `json:"key"`
}

// SleeperArgs is the fan-out example's child argument shape (spec §8 S5).
type SleeperArgs struct {
	Seconds float64 `json:"seconds"`
}

// FanOutArgs parameterizes the fan-out orchestrator's child count (spec
// §8 S5 names N=4).
type FanOutArgs struct {
	N       int     `json:"n"`
	Seconds float64 `json:"seconds"`
}

// Register installs every sample procedure into reg, after applying ov's
// overrides (ov may be nil, meaning no overlay). counter backs
// stateful_retry_task; pass a fresh examples.NewAttemptCounter() per test
// so runs don't leak state into each other.
func Register(reg *registry.Registry, counter *AttemptCounter, ov *descriptoroverlay.Overlay) error {
	merged, err := descriptoroverlay.ApplyAll(ov, descriptors(counter))
	if err != nil {
		return err
	}
	for _, desc := range merged {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func descriptors(counter *AttemptCounter) []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name: "simple_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				var args SimpleArgs
				if err := ctx.BindArgs(&args); err != nil {
					return nil, err
				}
				return args.X * 2, nil
			},
			Queue:       "default",
			RetryPolicy: retry.Default(),
		},
		{
			Name: "failing_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				return nil, errors.New("I failed")
			},
			Queue:       "default",
			RetryPolicy: retry.Default(),
		},
		{
			Name: "stateful_retry_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				var args StatefulRetryArgs
				if err := ctx.BindArgs(&args); err != nil {
					return nil, err
				}
				n := counter.Increment(args.Key)
				if n < 3 {
					return nil, fmt.Errorf("attempt %d failed", n)
				}
				return n, nil
			},
			Queue: "default",
			RetryPolicy: retry.Policy{
				MaxAttempts:   4,
				InitialDelay:  10 * time.Millisecond,
				BackoffFactor: 1.0,
			},
		},
		{
			Name: "hp_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				return "done", nil
			},
			Queue:       "high",
			RetryPolicy: retry.Default(),
		},
		{
			Name: "lp_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				return "done", nil
			},
			Queue:       "low",
			RetryPolicy: retry.Default(),
		},
		{
			Name: "sleeper",
			Body: func(ctx registry.BodyContext) (any, error) {
				var args SleeperArgs
				if err := ctx.BindArgs(&args); err != nil {
					return nil, err
				}
				if err := ctx.Sleep(time.Duration(args.Seconds * float64(time.Second))); err != nil {
					return nil, err
				}
				return args.Seconds, nil
			},
			Queue:       "default",
			RetryPolicy: retry.Default(),
		},
		{
			Name: "slow_task",
			Body: func(ctx registry.BodyContext) (any, error) {
				var args SleeperArgs
				if err := ctx.BindArgs(&args); err != nil {
					return nil, err
				}
				if err := ctx.Sleep(time.Duration(args.Seconds * float64(time.Second))); err != nil {
					return nil, err
				}
				return "finished", nil
			},
			Queue:       "default",
			RetryPolicy: retry.Default(),
			Timeout:     100 * time.Millisecond,
		},
		{
			Name: "fan_out_sum",
			Body: func(ctx registry.BodyContext) (any, error) {
				var args FanOutArgs
				if err := ctx.BindArgs(&args); err != nil {
					return nil, err
				}
				handles := make([]registry.Handle, args.N)
				for i := 0; i < args.N; i++ {
					h, err := ctx.SubDispatch("sleeper", SleeperArgs{Seconds: args.Seconds})
					if err != nil {
						return nil, err
					}
					handles[i] = h
				}
				results, err := ctx.Await(handles...)
				if err != nil {
					return nil, err
				}
				var sum float64
				for _, r := range results {
					var v float64
					if err := r.Bind(&v); err != nil {
						return nil, err
					}
					sum += v
				}
				return sum, nil
			},
			Queue:        "default",
			RetryPolicy:  retry.Default(),
			Orchestrator: true,
		},
	}
}
