package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/relaymq/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	execResult sql.Result
	execErr    error
	queryErr   error

	lastQuery string
	lastArgs  []any
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.lastQuery = query
	f.lastArgs = args
	return f.execResult, f.execErr
}

// QueryContext has no in-memory fake: *sql.Rows needs a real driver, so
// IsProcessed/FetchFailed coverage is an integration concern; this fake
// always errors rather than nil-panicking on rows.Next().
func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return nil, errors.New("fakeDB: QueryContext is not supported by this fake")
}

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

func TestMarkProcessingSucceeds(t *testing.T) {
	store := NewStoreWithDB(&fakeDB{execResult: fakeResult{rows: 1}}, outbox.SQLDialectPostgres)
	err := store.MarkProcessing(context.Background(), uuid.New(), "orders.created", []byte(`{}`))
	require.NoError(t, err)
}

func TestMarkProcessingOmitsTopicAndPayloadAsNull(t *testing.T) {
	db := &fakeDB{execResult: fakeResult{rows: 1}}
	store := NewStoreWithDB(db, outbox.SQLDialectPostgres)

	err := store.MarkProcessing(context.Background(), uuid.New(), "", nil)
	require.NoError(t, err)

	require.Contains(t, db.lastQuery, "INSERT INTO")
	// message_id, topic, data, status, created_at, updated_at
	require.Len(t, db.lastArgs, 6)
	assert.Nil(t, db.lastArgs[1], "omitted topic must bind NULL, not an empty string")
	assert.Nil(t, db.lastArgs[2], "omitted payload must bind NULL, not an empty blob")
}

func TestMarkProcessingPropagatesConstraintViolation(t *testing.T) {
	store := NewStoreWithDB(&fakeDB{execErr: errors.New("duplicate key")}, outbox.SQLDialectPostgres)
	err := store.MarkProcessing(context.Background(), uuid.New(), "orders.created", []byte(`{}`))
	require.Error(t, err)

	var sfe *StoreFailureError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "mark_processing", sfe.Op)
}

func TestMarkProcessedIdempotentOnAbsentRow(t *testing.T) {
	store := NewStoreWithDB(&fakeDB{execResult: fakeResult{rows: 0}}, outbox.SQLDialectPostgres)
	ok, err := store.MarkProcessed(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFailedSetsReason(t *testing.T) {
	db := &fakeDB{execResult: fakeResult{rows: 1}}
	store := NewStoreWithDB(db, outbox.SQLDialectPostgres)
	ok, err := store.MarkFailed(context.Background(), uuid.New(), "boom")
	require.NoError(t, err)
	assert.True(t, ok)
	// status, error, updated_at, message_id, from-status
	require.Len(t, db.lastArgs, 5)
	assert.Equal(t, "boom", db.lastArgs[1])
}

func TestMarkCompensatedTransitionsFromFailed(t *testing.T) {
	db := &fakeDB{execResult: fakeResult{rows: 1}}
	store := NewStoreWithDB(db, outbox.SQLDialectPostgres)
	ok, err := store.MarkCompensated(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
	// status, updated_at, message_id, from-status
	require.Len(t, db.lastArgs, 4)
	assert.Equal(t, string(StatusFailed), db.lastArgs[3])
}

func TestNewStorePanicsOnInvalidTableName(t *testing.T) {
	assert.Panics(t, func() {
		NewStoreWithDB(&fakeDB{}, outbox.SQLDialectPostgres, WithTableName("bad name"))
	})
}
