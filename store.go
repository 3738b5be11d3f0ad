package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists and queries outbox Messages, and owns the logical
// transaction nesting counter described in spec.md §3.4: the physical
// database transaction opens only when the counter transitions 0->1 and
// commits only when it transitions back 1->0, so an embedding application
// can wrap Producer calls inside its own broader business transaction
// without ever opening two physical transactions.
//
// A Store is scoped to a single Producer/request and must not be shared
// across concurrent callers - see spec.md §5.
type Store struct {
	dbCtx *dbContext

	mu    sync.Mutex
	depth int
	tx    Tx

	log   *zap.Logger
	debug bool
}

// NewStore creates a Store backed by a standard *sql.DB.
func NewStore(db *sql.DB, dialect SQLDialect, opts ...StoreOption) *Store {
	return NewStoreWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewStoreWithDB creates a Store with a custom DB implementation, useful
// for tests or for database drivers not exposed through database/sql.
func NewStoreWithDB(db DB, dialect SQLDialect, opts ...StoreOption) *Store {
	c := &dbContext{
		db:        db,
		dialect:   dialect,
		tableName: "mq_messages",
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := validateTableName(c.tableName); err != nil {
		panic(err)
	}

	return &Store{dbCtx: c, log: zap.NewNop()}
}

// WithLogger attaches a structured logger used for diagnostics on soft
// failures (commit/rollback with no open transaction) when debug mode is on.
func (s *Store) WithLogger(log *zap.Logger) *Store {
	s.log = log
	return s
}

// WithDebug enables diagnostic logging of soft failures (§4.1).
func (s *Store) WithDebug(debug bool) *Store {
	s.debug = debug
	return s
}

// Begin opens a nested logical transaction. At depth 0 it opens the
// physical transaction; at depth >=1 it only increments the counter.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		tx, err := s.dbCtx.db.BeginTx(ctx, nil)
		if err != nil {
			return &StoreFailureError{Op: "begin", Err: err}
		}
		s.tx = tx
	}
	s.depth++
	return nil
}

// Commit closes one nesting level. At depth >1 it only decrements the
// counter; at depth 1 it physically commits; at depth 0 it is a soft
// failure (ErrNoTransaction), optionally logged when debug mode is on.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		s.logSoftFailure("commit", ErrNoTransaction)
		return ErrNoTransaction
	}

	s.depth--
	if s.depth > 0 {
		return nil
	}

	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return &StoreFailureError{Op: "commit", Err: err}
	}
	return nil
}

// Rollback aborts the whole nested stack regardless of depth, resetting
// the counter to 0. At depth 0 it is a soft failure (ErrNoTransaction).
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		s.logSoftFailure("rollback", ErrNoTransaction)
		return ErrNoTransaction
	}

	tx := s.tx
	s.tx = nil
	s.depth = 0
	if err := tx.Rollback(); err != nil {
		return &StoreFailureError{Op: "rollback", Err: err}
	}
	return nil
}

func (s *Store) logSoftFailure(op string, err error) {
	if s.debug {
		s.log.Debug("outbox store soft failure", zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) currentTx() (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 || s.tx == nil {
		return nil, fmt.Errorf("outbox: save requires an open transaction")
	}
	return s.tx, nil
}

// Save persists msg with Status=pending. Must run inside an open
// transaction (see Begin); fails with *StoreFailureError on constraint
// violation (duplicate message ID) or I/O error.
func (s *Store) Save(ctx context.Context, msg *Message) error {
	tx, err := s.currentTx()
	if err != nil {
		return &StoreFailureError{Op: "save", Err: err}
	}

	c := s.dbCtx
	query := fmt.Sprintf(
		"INSERT INTO %s (message_id, topic, data, options, status, retry_count, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5), c.getSQLPlaceholder(6),
		c.getSQLPlaceholder(7), c.getSQLPlaceholder(8),
	)

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, query,
		msg.formatIDForDB(c), msg.Topic, msg.Payload, msg.Options,
		string(StatusPending), 0, now, now)
	if err != nil {
		return &StoreFailureError{Op: "save", Err: err}
	}

	msg.Status = StatusPending
	msg.RetryCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// FetchPending returns up to limit pending Messages, oldest created_at
// first. Dialects that support SELECT ... FOR UPDATE SKIP LOCKED add that
// clause, but the query runs on the Store's DB outside any transaction, so
// the row locks end with the statement and do not keep a batch claimed
// while it is being sent; other dialects use a plain SELECT. On every
// dialect two Dispatcher instances can fetch and publish the same row;
// mark_sent/mark_failed only transition pending rows, so the second
// status update is a no-op.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	return s.fetchByStatus(ctx, StatusPending, "created_at", limit)
}

// FetchFailed returns up to limit failed Messages, oldest updated_at first.
func (s *Store) FetchFailed(ctx context.Context, limit int) ([]*Message, error) {
	return s.fetchByStatus(ctx, StatusFailed, "updated_at", limit)
}

func (s *Store) fetchByStatus(ctx context.Context, status Status, orderCol string, limit int) ([]*Message, error) {
	c := s.dbCtx

	lockClause := ""
	if status == StatusPending && c.dialect.supportsSkipLocked() {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}

	var query string
	switch c.dialect {
	case SQLDialectOracle:
		query = fmt.Sprintf(
			"SELECT message_id, topic, data, options, status, error, retry_count, created_at, updated_at FROM %s WHERE status = %s ORDER BY %s ASC FETCH FIRST %s ROWS ONLY",
			c.tableName, c.getSQLPlaceholder(1), orderCol, c.getSQLPlaceholder(2))
	case SQLDialectSQLServer:
		query = fmt.Sprintf(
			"SELECT TOP (%s) message_id, topic, data, options, status, error, retry_count, created_at, updated_at FROM %s WHERE status = %s ORDER BY %s ASC",
			c.getSQLPlaceholder(2), c.tableName, c.getSQLPlaceholder(1), orderCol)
	default:
		query = fmt.Sprintf(
			"SELECT message_id, topic, data, options, status, error, retry_count, created_at, updated_at FROM %s WHERE status = %s ORDER BY %s ASC LIMIT %s%s",
			c.tableName, c.getSQLPlaceholder(1), orderCol, c.getSQLPlaceholder(2), lockClause)
	}

	// limit is always bound as a real integer parameter, never interpolated -
	// see spec.md §9's note on the source bug this avoids.
	rows, err := c.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, &StoreFailureError{Op: "fetch_" + string(status), Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var rawID any
		var errText sql.NullString
		if err := rows.Scan(&rawID, &msg.Topic, &msg.Payload, &msg.Options, &msg.Status, &errText, &msg.RetryCount, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, &StoreFailureError{Op: "scan", Err: err}
		}
		msg.Error = errText.String
		id, err := scanUUID(rawID)
		if err != nil {
			return nil, &StoreFailureError{Op: "scan", Err: err}
		}
		msg.ID = id
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreFailureError{Op: "fetch_" + string(status), Err: err}
	}
	return out, nil
}

func scanUUID(raw any) (uuid.UUID, error) {
	switch v := raw.(type) {
	case []byte:
		if len(v) == 16 {
			var id uuid.UUID
			if err := id.UnmarshalBinary(v); err == nil {
				return id, nil
			}
		}
		return uuid.Parse(string(v))
	case string:
		return uuid.Parse(v)
	default:
		return uuid.UUID{}, fmt.Errorf("unsupported message_id scan type %T", raw)
	}
}

// MarkSent transitions id from pending to sent. Idempotent on absent rows:
// returns (false, nil) rather than an error.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	c := s.dbCtx
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s, updated_at = %s WHERE message_id = %s AND status = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
	res, err := c.db.ExecContext(ctx, query, string(StatusSent), time.Now().UTC(), idParam(c, id), string(StatusPending))
	return rowsAffected(res, err, "mark_sent")
}

// MarkFailed transitions id from pending to failed with the given reason,
// bumping retry_count for this final attempt so status=failed always
// implies retry_count>=max_retry (spec.md §3.1). Idempotent on absent rows.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	c := s.dbCtx
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s, error = %s, retry_count = retry_count + 1, updated_at = %s WHERE message_id = %s AND status = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4), c.getSQLPlaceholder(5))
	res, err := c.db.ExecContext(ctx, query, string(StatusFailed), reason, time.Now().UTC(), idParam(c, id), string(StatusPending))
	return rowsAffected(res, err, "mark_failed")
}

// MarkCompensated transitions id from failed to compensated.
// Idempotent on absent rows.
func (s *Store) MarkCompensated(ctx context.Context, id uuid.UUID) (bool, error) {
	c := s.dbCtx
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s, updated_at = %s WHERE message_id = %s AND status = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
	res, err := c.db.ExecContext(ctx, query, string(StatusCompensated), time.Now().UTC(), idParam(c, id), string(StatusFailed))
	return rowsAffected(res, err, "mark_compensated")
}

// IncrementRetry bumps retry_count for a pending row that failed to send
// but has not yet exhausted max_retry. Idempotent on absent rows.
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	c := s.dbCtx
	query := fmt.Sprintf(
		"UPDATE %s SET retry_count = retry_count + 1, updated_at = %s WHERE message_id = %s AND status = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))
	res, err := c.db.ExecContext(ctx, query, time.Now().UTC(), idParam(c, id), string(StatusPending))
	return rowsAffected(res, err, "increment_retry")
}

func idParam(c *dbContext, id uuid.UUID) any {
	return c.formatIDForDB(id, id.String)
}

func rowsAffected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, &StoreFailureError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StoreFailureError{Op: op, Err: err}
	}
	return n > 0, nil
}

// CreateSchema creates the outbox table if it does not already exist,
// using dialect-appropriate DDL.
func (s *Store) CreateSchema(ctx context.Context) error {
	c := s.dbCtx
	idCol := "message_id VARCHAR(64) UNIQUE NOT NULL"
	if c.dialect == SQLDialectPostgres {
		idCol = "message_id UUID UNIQUE NOT NULL"
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s,
	topic VARCHAR(255) NOT NULL,
	data TEXT NOT NULL,
	options TEXT,
	status VARCHAR(16) NOT NULL,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, c.tableName, c.autoIncrementColumn(), idCol)

	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return &StoreFailureError{Op: "create_schema", Err: err}
	}
	return nil
}

// Oracle lacks "CREATE TABLE IF NOT EXISTS"; CreateSchema's guard there is
// left to the embedding application's migration tooling, out of scope per
// spec.md §1.
