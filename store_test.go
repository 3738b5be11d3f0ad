package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB and fakeTx mirror the Teacher library's own test doubles: hand
// rolled, no mocking framework, one field per controllable failure mode.
type fakeDB struct {
	beginTxErr error
	tx         *fakeTx

	execResult sql.Result
	execErr    error
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return f.execResult, f.execErr
}

// QueryContext has no in-memory fake: *sql.Rows cannot be constructed
// without a real driver, so fetch-path coverage lives in dialect_test.go
// against a real database. Returning an error here (never nil, nil) keeps
// any accidental fetch call from nil-panicking on *sql.Rows instead.
func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errUnfakedQuery
}

var errUnfakedQuery = errors.New("fakeDB: QueryContext is not supported by this fake")

type fakeTx struct {
	execErr     error
	commitErr   error
	rollbackErr error

	execCalled bool
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	f.execCalled = true
	return fakeResult{}, f.execErr
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func newTestStore(db DB) *Store {
	return NewStoreWithDB(db, SQLDialectPostgres)
}

func TestStoreBeginCommitNesting(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	store := newTestStore(db)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Begin(ctx)) // nested: no second physical BeginTx
	require.Equal(t, 2, store.depth)

	require.NoError(t, store.Commit(ctx)) // inner commit: decrement only
	assert.False(t, tx.committed)

	require.NoError(t, store.Commit(ctx)) // outer commit: physical commit
	assert.True(t, tx.committed)
}

func TestStoreCommitWithNoTransactionIsSoftFailure(t *testing.T) {
	store := newTestStore(&fakeDB{tx: &fakeTx{}})
	err := store.Commit(context.Background())
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestStoreRollbackWithNoTransactionIsSoftFailure(t *testing.T) {
	store := newTestStore(&fakeDB{tx: &fakeTx{}})
	err := store.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestStoreRollbackDiscardsWholeStack(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	store := newTestStore(db)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Rollback(ctx))

	assert.True(t, tx.rolledBack)
	assert.Equal(t, 0, store.depth)
}

func TestStoreBeginErrorOnTxBegin(t *testing.T) {
	db := &fakeDB{beginTxErr: errors.New("connection refused"), tx: &fakeTx{}}
	store := newTestStore(db)

	err := store.Begin(context.Background())
	require.Error(t, err)

	var sfe *StoreFailureError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "begin", sfe.Op)
}

func TestStoreSaveRequiresOpenTransaction(t *testing.T) {
	store := newTestStore(&fakeDB{tx: &fakeTx{}})
	err := store.Save(context.Background(), NewMessage("t", nil))
	require.Error(t, err)

	var sfe *StoreFailureError
	require.ErrorAs(t, err, &sfe)
}

func TestStoreSaveSucceeds(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	store := newTestStore(db)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx))

	msg := NewMessage("orders.created", []byte(`{}`))
	require.NoError(t, store.Save(ctx, msg))

	assert.True(t, tx.execCalled)
	assert.Equal(t, StatusPending, msg.Status)
}

func TestStoreSaveErrorPropagates(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("duplicate key")}
	db := &fakeDB{tx: tx}
	store := newTestStore(db)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx))

	err := store.Save(ctx, NewMessage("t", nil))
	require.Error(t, err)

	var sfe *StoreFailureError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "save", sfe.Op)
}

func TestStoreMarkSentUsesExecContext(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}, execResult: fakeResult{}}
	store := newTestStore(db)

	ok, err := store.MarkSent(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreMarkSentIdempotentOnAbsentRow(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}, execResult: zeroRowsResult{}}
	store := newTestStore(db)

	ok, err := store.MarkSent(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

type zeroRowsResult struct{}

func (zeroRowsResult) LastInsertId() (int64, error) { return 0, nil }
func (zeroRowsResult) RowsAffected() (int64, error) { return 0, nil }

func TestNewStorePanicsOnInvalidTableName(t *testing.T) {
	assert.Panics(t, func() {
		NewStoreWithDB(&fakeDB{tx: &fakeTx{}}, SQLDialectPostgres, WithTableName("1-bad-name"))
	})
}
