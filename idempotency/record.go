// Package idempotency implements the consumer-side ledger (L2): a durable
// record of which inbound messages have already been handled, so the
// Event Consumer can turn at-least-once delivery from the Dispatcher into
// an effectively-once application outcome.
package idempotency

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consumption Record.
type Status string

// The consumer-side state machine: processing -> processed | failed,
// failed -> compensated.
const (
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// Record is a single entry in the idempotency ledger, one per inbound
// message ID. Topic and Payload are optional (spec.md §4.2): a zero value
// means mark_processing was called without it, stored as SQL NULL rather
// than an empty string or blob.
type Record struct {
	MessageID uuid.UUID
	Topic     string
	Payload   []byte
	Status    Status
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
