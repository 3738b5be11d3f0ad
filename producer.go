package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessagePublisher is the narrow surface Producer needs for optimistic
// publishing - a single best-effort Send, not the full broker.Adapter.
type MessagePublisher interface {
	// Publish sends a message to an external system. May be invoked more
	// than once for the same message; implementations must tolerate that.
	Publish(ctx context.Context, msg *Message) error
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithOptimisticPublisher configures the Producer to attempt an immediate,
// best-effort publish right after a successful Commit, reducing the delay
// before the Dispatcher would otherwise pick the message up.
//
// This is a latency optimization only - never load-bearing for
// correctness. On failure the message stays pending for the Dispatcher.
func WithOptimisticPublisher(pub MessagePublisher) ProducerOption {
	return func(p *Producer) {
		p.optimisticPublisher = pub
	}
}

// WithOptimisticTimeout bounds the optimistic publish attempt.
// Default is 10 seconds.
func WithOptimisticTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.optimisticTimeout = timeout
	}
}

// Producer implements the Transactional Producer (C1): business code opens
// a transaction, stages one or more messages in memory, and commits them
// atomically alongside whatever business writes ran in the same host
// transaction.
//
// State machine: {idle -> inTxn -> idle}. A Producer is not safe for
// concurrent use; each in-flight request should own its own Producer
// (and, transitively, its own Store) per spec.md §5.
type Producer struct {
	store *Store

	optimisticPublisher MessagePublisher
	optimisticTimeout   time.Duration

	inTxn  bool
	staged []*Message
}

// NewProducer creates a Producer bound to the given Store.
func NewProducer(store *Store, opts ...ProducerOption) *Producer {
	p := &Producer{
		store:             store,
		optimisticTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin opens a transaction and clears any previously staged messages.
// Fails with ErrAlreadyInTransaction if one is already open.
func (p *Producer) Begin(ctx context.Context) error {
	if p.inTxn {
		return ErrAlreadyInTransaction
	}
	if err := p.store.Begin(ctx); err != nil {
		return err
	}
	p.inTxn = true
	p.staged = nil
	return nil
}

// Prepare stages a message for the in-flight transaction and returns its
// freshly generated message ID. Fails with ErrNotInTransaction outside a
// transaction.
func (p *Producer) Prepare(topic string, payload, options []byte) (uuid.UUID, error) {
	if !p.inTxn {
		return uuid.UUID{}, ErrNotInTransaction
	}
	msg := NewMessage(topic, payload, WithOptions(options))
	p.staged = append(p.staged, msg)
	return msg.ID, nil
}

// Commit persists every staged message inside the open transaction and
// commits it. If any Save fails, Commit rolls back and returns a
// *SaveFailedError wrapping the underlying *StoreFailureError; none of the
// staged messages, nor any other writes made under the same host
// transaction, become durable. On success, every staged message is
// durably visible as pending.
func (p *Producer) Commit(ctx context.Context) error {
	if !p.inTxn {
		return ErrNotInTransaction
	}

	for _, msg := range p.staged {
		if err := p.store.Save(ctx, msg); err != nil {
			_ = p.Rollback(ctx)
			return &SaveFailedError{Err: err}
		}
	}

	err := p.store.Commit(ctx)
	committed := p.staged
	p.inTxn = false
	p.staged = nil
	if err != nil {
		return err
	}

	if p.optimisticPublisher != nil {
		go p.publishOptimistically(committed)
	}

	return nil
}

// Rollback unconditionally discards the staged messages and aborts the
// transaction. Safe to call as cleanup after a failed Commit or Begin.
func (p *Producer) Rollback(ctx context.Context) error {
	p.inTxn = false
	p.staged = nil
	return p.store.Rollback(ctx)
}

func (p *Producer) publishOptimistically(msgs []*Message) {
	ctx := context.Background() // async path, never tied to the caller's context
	for _, msg := range msgs {
		func() {
			ctx, cancel := context.WithTimeout(ctx, p.optimisticTimeout)
			defer cancel()

			if err := p.optimisticPublisher.Publish(ctx, msg); err == nil {
				_, _ = p.store.MarkSent(ctx, msg.ID)
			}
			// on failure the message is left pending; the Dispatcher retries it
		}()
	}
}
