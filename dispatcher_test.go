package outbox

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queryRecordingDB wraps a fakeDB and records every query text handed to
// ExecContext, so tests can assert which UPDATE statement actually ran
// (increment_retry vs mark_failed) without needing a real database.
type queryRecordingDB struct {
	*fakeDB
	lastQuery string
}

func (d *queryRecordingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.lastQuery = query
	return d.fakeDB.ExecContext(ctx, query, args...)
}

// fakeSender lets tests script per-call outcomes by topic.
type fakeSender struct {
	err func(msg *Message) error
	log []string
}

func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	f.log = append(f.log, msg.Topic)
	if f.err == nil {
		return nil
	}
	return f.err(msg)
}

func TestDispatchOnceSendsAndMarksSent(t *testing.T) {
	// DispatchOnce requires a real FetchPending query, which needs a live
	// *sql.Rows; at the unit level we instead exercise the two steps
	// DispatchOnce runs for a successful send - Sender.Send, then
	// Store.MarkSent - directly (handleFailure has its own tests below),
	// the same boundary the teacher's writer_test.go draws around fakeTx.
	tx := &fakeTx{}
	db := &fakeDB{tx: tx, execResult: fakeResult{}}
	store := newTestStore(db)
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, WithMaxRetry(3))

	msg := NewMessage("orders.created", nil)
	require.NoError(t, sender.Send(context.Background(), msg))

	ok, err := store.MarkSent(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_ = d
}

func TestHandleFailureIncrementsRetryBelowMax(t *testing.T) {
	db := &queryRecordingDB{fakeDB: &fakeDB{tx: &fakeTx{}, execResult: fakeResult{}}}
	store := newTestStore(db)
	d := NewDispatcher(store, &fakeSender{}, WithMaxRetry(5))

	msg := NewMessage("orders.created", nil)
	msg.RetryCount = 1

	d.handleFailure(context.Background(), msg, errors.New("broker unavailable"))

	// increment_retry ran, not mark_failed: no error/status column touched.
	assert.Contains(t, db.lastQuery, "retry_count = retry_count + 1")
	assert.NotContains(t, db.lastQuery, "error =")
}

func TestHandleFailureMarksFailedAtMaxRetry(t *testing.T) {
	db := &queryRecordingDB{fakeDB: &fakeDB{tx: &fakeTx{}, execResult: fakeResult{}}}
	store := newTestStore(db)
	d := NewDispatcher(store, &fakeSender{}, WithMaxRetry(3))

	msg := NewMessage("orders.created", nil)
	msg.RetryCount = 2 // next attempt (3) hits max_retry

	d.handleFailure(context.Background(), msg, errors.New("broker unavailable"))

	// mark_failed ran, and it must still bump retry_count so the
	// persisted value reaches max_retry exactly when status=failed
	// (spec.md §3.1, §8 scenario 3).
	assert.True(t, strings.Contains(db.lastQuery, "error =") &&
		strings.Contains(db.lastQuery, "retry_count = retry_count + 1"),
		"expected mark_failed's UPDATE to set error and bump retry_count, got: %s", db.lastQuery)
}

func TestDispatcherDefaults(t *testing.T) {
	store := newTestStore(&fakeDB{tx: &fakeTx{}})
	d := NewDispatcher(store, &fakeSender{})

	assert.Equal(t, 100, d.batchSize)
	assert.Equal(t, 5, d.maxRetry)
}

func TestDispatcherRunRespectsMaxIterations(t *testing.T) {
	store := newTestStore(&fakeDB{tx: &fakeTx{}})
	d := NewDispatcher(store, &fakeSender{}, WithPollInterval(0))

	err := d.Run(context.Background(), 2)
	assert.NoError(t, err)
}
