// Package consumer implements the Event Consumer (C3): it routes inbound
// broker envelopes to per-topic handlers under the idempotency ledger,
// turning at-least-once broker delivery into an effectively-once handler
// invocation.
package consumer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymq/outbox/broker"
	"github.com/relaymq/outbox/idempotency"
)

// HandlerFunc processes one message's payload and reports success.
type HandlerFunc func(ctx context.Context, env broker.Envelope) bool

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

// Consumer routes inbound envelopes to registered handlers. Handler
// registration (Handle) is additive and not safe to call concurrently
// with Start, matching spec.md §4.6's "not thread-safe after start()".
type Consumer struct {
	idemStore *idempotency.Store
	handlers  map[string]HandlerFunc
	log       *zap.Logger
}

// NewConsumer creates a Consumer backed by idemStore.
func NewConsumer(idemStore *idempotency.Store, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		idemStore: idemStore,
		handlers:  make(map[string]HandlerFunc),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers handler for topic, replacing any previous registration.
func (c *Consumer) Handle(topic string, handler HandlerFunc) {
	c.handlers[topic] = handler
}

// Process runs the exact algorithm of spec.md §4.6 against one envelope:
// validate identity, short-circuit already-processed deliveries, route to
// the registered handler under mark_processing/mark_processed/mark_failed,
// and never propagate a handler panic or error past this call - it always
// resolves to a delivery outcome (true=ack, false=nack).
func (c *Consumer) Process(ctx context.Context, env broker.Envelope) (ok bool) {
	if env.MessageID == uuid.Nil || env.Topic == "" {
		c.log.Warn("consumer: invalid envelope, missing message_id or topic")
		return false
	}

	processed, err := c.idemStore.IsProcessed(ctx, env.MessageID)
	if err != nil {
		c.log.Error("consumer: is_processed check failed", zap.Stringer("message_id", env.MessageID), zap.Error(err))
		return false
	}
	if processed {
		c.log.Info("consumer: already processed", zap.Stringer("message_id", env.MessageID))
		return true
	}

	handler, registered := c.handlers[env.Topic]
	if !registered {
		c.log.Warn("consumer: no handler registered", zap.String("topic", env.Topic))
		return false
	}

	if err := c.idemStore.MarkProcessing(ctx, env.MessageID, env.Topic, env.Payload); err != nil {
		c.log.Error("consumer: mark_processing failed", zap.Stringer("message_id", env.MessageID), zap.Error(err))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("consumer: handler panicked", zap.Stringer("message_id", env.MessageID), zap.Any("recover", r))
			if _, err := c.idemStore.MarkFailed(ctx, env.MessageID, "handler panicked"); err != nil {
				c.log.Error("consumer: mark_failed failed", zap.Stringer("message_id", env.MessageID), zap.Error(err))
			}
			ok = false
		}
	}()

	if handler(ctx, env) {
		if _, err := c.idemStore.MarkProcessed(ctx, env.MessageID); err != nil {
			c.log.Error("consumer: mark_processed failed", zap.Stringer("message_id", env.MessageID), zap.Error(err))
			return false
		}
		return true
	}

	if _, err := c.idemStore.MarkFailed(ctx, env.MessageID, "handler returned false"); err != nil {
		c.log.Error("consumer: mark_failed failed", zap.Stringer("message_id", env.MessageID), zap.Error(err))
	}
	return false
}

// Start subscribes to topics (or every registered handler's topic if none
// given) and delegates to adapter.Consume with Process as the handler. It
// blocks until the adapter's consume loop terminates.
func (c *Consumer) Start(ctx context.Context, adapter broker.Adapter, topics ...string) error {
	if len(topics) == 0 {
		for topic := range c.handlers {
			topics = append(topics, topic)
		}
	}
	return adapter.Consume(ctx, topics, c.Process)
}
