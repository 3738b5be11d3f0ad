package consumer

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/relaymq/outbox"
	"github.com/relaymq/outbox/broker"
	"github.com/relaymq/outbox/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB is a minimal idempotency.DB double. ExecContext serves
// mark_processing/mark_processed/mark_failed; QueryContext, which
// IsProcessed needs first, cannot produce *sql.Rows and always errors, so
// these tests never reach a handler.
type fakeDB struct {
	isProcessedErr error
	execErr        error
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return fakeResult{}, f.execErr
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	if f.isProcessedErr != nil {
		return nil, f.isProcessedErr
	}
	return nil, errNotConfigured{}
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func newTestConsumer() (*Consumer, *fakeDB) {
	db := &fakeDB{}
	store := idempotency.NewStoreWithDB(db, outbox.SQLDialectPostgres)
	return NewConsumer(store), db
}

type errNotConfigured struct{}

func (errNotConfigured) Error() string { return "is_processed unavailable in this fake" }

func TestProcessRejectsInvalidEnvelope(t *testing.T) {
	c, _ := newTestConsumer()
	ok := c.Process(context.Background(), broker.Envelope{})
	assert.False(t, ok)
}

func TestProcessFailsWhenIsProcessedCheckErrors(t *testing.T) {
	db := &fakeDB{} // QueryContext returns errNotConfigured; IsProcessed surfaces it as an error, not a false
	store := idempotency.NewStoreWithDB(db, outbox.SQLDialectPostgres)
	c := NewConsumer(store)

	// No handler registered for "orders.created"; IsProcessed must be
	// reached first, so this fake returns a benign "not found" via an
	// error, which Process treats as a failure-to-check, not as
	// already-processed. That's the deliberately conservative behavior:
	// an is_processed check failure never causes a handler to be skipped
	// as "already done".
	ok := c.Process(context.Background(), broker.Envelope{MessageID: uuid.New(), Topic: "orders.created"})
	assert.False(t, ok)
}

func TestHandleRegistersHandler(t *testing.T) {
	c, _ := newTestConsumer()
	called := false
	c.Handle("orders.created", func(_ context.Context, _ broker.Envelope) bool {
		called = true
		return true
	})
	_, ok := c.handlers["orders.created"]
	require.True(t, ok)
	assert.False(t, called) // registering does not invoke
}
