// Package broker defines the polymorphic transport boundary (§4.3) between
// the Dispatcher/Consumer and whatever message broker an embedding
// application chooses. Concrete adapters live in subpackages so that the
// core outbox/idempotency/consumer/compensation packages never import a
// specific broker client library.
package broker

import (
	"context"

	"github.com/google/uuid"
)

// Envelope is a single inbound message handed to a Consumer's handler.
type Envelope struct {
	MessageID uuid.UUID
	Topic     string
	Payload   []byte

	// RawHandle is opaque and adapter-owned: it carries whatever the
	// adapter needs to Ack/Nack this specific delivery (an amqp.Delivery,
	// a kafka.Message plus its reader, a *nats.Msg, ...).
	RawHandle any
}

// HandleFunc processes one inbound Envelope and reports whether it was
// handled successfully; Consume invokes it for each delivery and uses the
// result to decide whether to Ack or Nack.
type HandleFunc func(context.Context, Envelope) bool

// Adapter is the polymorphic broker surface every transport implements:
// AMQP-style exchanges/queues, a partitioned log, or a subject-based bus.
type Adapter interface {
	// Send publishes payload to topic, carrying messageID as the broker's
	// native dedup/correlation identity (AMQP MessageId, Kafka key, NATS
	// header) and options as adapter-specific hints (routing key, headers).
	Send(ctx context.Context, topic string, payload []byte, messageID uuid.UUID, options []byte) error

	// Consume subscribes to topics and invokes handle for each delivery
	// until ctx is canceled. Blocks the calling goroutine.
	Consume(ctx context.Context, topics []string, handle HandleFunc) error

	// Ack acknowledges a delivery identified by its RawHandle.
	Ack(ctx context.Context, rawHandle any) error

	// Nack negatively acknowledges a delivery. For brokers without a real
	// nack (partitioned logs), requeue is best-effort: the contract only
	// requires the message is eventually redelivered or surfaced as failed.
	Nack(ctx context.Context, rawHandle any, requeue bool) error

	Close() error
}
