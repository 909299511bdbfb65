// Package wake implements the optional wake channel named in
// SPEC_FULL.md's domain stack: a redis pub/sub notification the
// dispatcher, the runtime and the worker publish after
// insert_execution/insert_child_task/on_child_terminal so a
// worker's claim loop short-circuits its poll_interval sleep instead of
// busy-waiting, grounded in the teacher's redis-backed SSE forwarder
// (internal/services/sse_emitter.go) which relays pub/sub messages to
// long-lived listeners the same way.
package wake

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/yungbote/dflow/internal/platform/logger"
)

// Channel is the dflow-wide wake topic. A nil *Channel is a valid no-op:
// Publish and Listen both degrade to doing nothing, so callers don't need
// to special-case an unconfigured redis client.
type Channel struct {
	client *redis.Client
	topic  string
	log    *logger.Logger
}

// New builds a Channel backed by client, or returns nil if client is nil
// (redis is an optional accelerant, never a hard dependency of the
// at-least-once guarantees the backend's claim predicate already
// provides).
func New(client *redis.Client, topic string, log *logger.Logger) *Channel {
	if client == nil {
		return nil
	}
	if topic == "" {
		topic = "dflow:wake"
	}
	return &Channel{client: client, topic: topic, log: log}
}

// Publish notifies any listening worker that new work may be ready to
// claim. Errors are logged, never returned, since a missed notification
// only costs a worker its next poll_interval tick — it is never the sole
// mechanism a task becomes claimable.
func (c *Channel) Publish(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.client.Publish(ctx, c.topic, "1").Err(); err != nil && c.log != nil {
		c.log.Warn("wake: publish failed", "topic", c.topic, "error", err)
	}
}

// Listen subscribes to the wake topic and returns a channel that receives
// a value each time a publish arrives, plus a close function. The
// returned channel is closed when ctx is cancelled or Close is called.
func (c *Channel) Listen(ctx context.Context) (<-chan struct{}, func()) {
	if c == nil {
		ch := make(chan struct{})
		return ch, func() {}
	}
	sub := c.client.Subscribe(ctx, c.topic)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		recv := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-recv:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
