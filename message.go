package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox Message.
type Status string

// The outbox state machine: pending -> sent | failed, failed -> compensated.
// No other transition is legal; Store rejects or no-ops anything else.
const (
	StatusPending     Status = "pending"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// Message represents a single record in the outbox: a message a producer
// has staged for durable, at-least-once delivery to a broker.
type Message struct {
	// ID uniquely identifies the message; assigned at Producer.Prepare time.
	ID uuid.UUID

	// Topic is the destination the Dispatcher publishes to.
	Topic string

	// Payload is the message body, typically JSON-encoded.
	Payload []byte

	// Options carries per-message hints to the broker adapter (headers,
	// routing keys, delivery options), typically a JSON-encoded map.
	Options []byte

	// Status is the current lifecycle state. Read-only outside Store.
	Status Status

	// Error holds the last failure reason once Status is failed.
	Error string

	// RetryCount is the number of failed publish attempts so far.
	RetryCount int32

	// CreatedAt is when the message was staged.
	CreatedAt time.Time

	// UpdatedAt is monotonic within the record; bumped on every transition.
	UpdatedAt time.Time
}

// MessageOption configures a Message at creation time.
type MessageOption func(*Message)

// WithID sets the message's unique identifier.
// If not provided, a fresh UUID is generated.
func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCreatedAt sets the message's creation timestamp.
// If not provided, the current time is used.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// WithOptions attaches broker-adapter hints (routing key, headers, etc).
func WithOptions(options []byte) MessageOption {
	return func(m *Message) {
		m.Options = options
	}
}

// NewMessage creates a new pending Message for the given topic and payload.
func NewMessage(topic string, payload []byte, opts ...MessageOption) *Message {
	now := time.Now().UTC()

	m := &Message{
		ID:         uuid.New(),
		Topic:      topic,
		Payload:    payload,
		Status:     StatusPending,
		RetryCount: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Message) formatIDForDB(c *dbContext) any {
	return c.formatIDForDB(m.ID, m.ID.String)
}
