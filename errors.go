package outbox

import "fmt"

// StoreFailureError wraps any backend I/O or constraint error raised by the
// Outbox Store (constraint violation on Save, connection failure, etc).
type StoreFailureError struct {
	Op  string
	Err error
}

func (e *StoreFailureError) Error() string {
	return fmt.Sprintf("outbox store: %s: %v", e.Op, e.Err)
}

func (e *StoreFailureError) Unwrap() error { return e.Err }

// InvariantViolationError marks a programmer error: Producer.Begin while
// already in a transaction, or Producer.Prepare/Producer.Commit outside
// one. Rollback with none open is not one of these: it returns the soft
// ErrNoTransaction.
// Unlike StoreFailureError, this always crosses the API boundary.
type InvariantViolationError struct {
	Msg string
}

func (e *InvariantViolationError) Error() string { return "outbox: " + e.Msg }

// SaveFailedError is returned by Producer.Commit when persisting a staged
// message fails; it wraps the underlying StoreFailureError.
type SaveFailedError struct {
	Err error
}

func (e *SaveFailedError) Error() string { return fmt.Sprintf("commit failed to save: %v", e.Err) }

func (e *SaveFailedError) Unwrap() error { return e.Err }

var (
	// ErrAlreadyInTransaction is returned by Producer.Begin when a
	// transaction is already open.
	ErrAlreadyInTransaction = &InvariantViolationError{Msg: "already in transaction"}

	// ErrNotInTransaction is returned by Producer.Prepare and
	// Producer.Commit when called outside an open transaction.
	ErrNotInTransaction = &InvariantViolationError{Msg: "not in transaction"}

	// ErrNoTransaction is the soft failure returned by Store.Commit and
	// Store.Rollback when the nesting counter is already at depth 0.
	// Deliberately not an InvariantViolationError: spec.md §4.1 calls for
	// graceful degradation here ("soft failure"), not a hard caller error.
	ErrNoTransaction = fmt.Errorf("outbox: no transaction open")
)
