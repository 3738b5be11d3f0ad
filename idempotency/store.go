package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaymq/outbox"
)

// Store persists and queries the consumption ledger described in
// spec.md §3.2/§6.1. Unlike outbox.Store it owns no transaction: the
// Consumer calls each method as a standalone round trip, since the
// ledger entry and the handler's own side effects are not expected to
// share a physical transaction across arbitrary handler implementations.
type Store struct {
	dbCtx *dbContext
}

// NewStore creates a Store backed by a standard *sql.DB.
func NewStore(db *sql.DB, dialect outbox.SQLDialect, opts ...StoreOption) *Store {
	return NewStoreWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewStoreWithDB creates a Store with a custom DB implementation.
func NewStoreWithDB(db DB, dialect outbox.SQLDialect, opts ...StoreOption) *Store {
	c := &dbContext{
		db:        db,
		dialect:   dialect,
		tableName: "mq_consumption_records",
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := validateTableName(c.tableName); err != nil {
		panic(err)
	}
	return &Store{dbCtx: c}
}

// IsProcessed reports whether messageID already has a processed record,
// used by the Consumer to short-circuit redelivery. A record that is only
// processing (or failed) does not count.
func (s *Store) IsProcessed(ctx context.Context, messageID uuid.UUID) (bool, error) {
	c := s.dbCtx
	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE message_id = %s AND status = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))

	rows, err := c.db.QueryContext(ctx, query, c.formatIDForDB(messageID), string(StatusProcessed))
	if err != nil {
		return false, &StoreFailureError{Op: "is_processed", Err: err}
	}
	defer func() { _ = rows.Close() }()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, &StoreFailureError{Op: "is_processed", Err: err}
	}
	return found, nil
}

// MarkProcessing inserts a new ledger row in the processing state. topic
// and payload are optional per spec.md §4.2 - pass "" / nil to omit
// either, which binds SQL NULL for that column rather than an empty
// string or empty blob. Fails with *StoreFailureError on constraint
// violation (duplicate message ID, a racing consumer already claimed it)
// or I/O error.
func (s *Store) MarkProcessing(ctx context.Context, messageID uuid.UUID, topic string, payload []byte) error {
	c := s.dbCtx
	query := fmt.Sprintf(
		"INSERT INTO %s (message_id, topic, data, status, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s)",
		c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5), c.getSQLPlaceholder(6),
	)
	now := time.Now().UTC()

	var topicArg any
	if topic != "" {
		topicArg = topic
	}
	var dataArg any
	if payload != nil {
		dataArg = payload
	}

	_, err := c.db.ExecContext(ctx, query, c.formatIDForDB(messageID), topicArg, dataArg, string(StatusProcessing), now, now)
	if err != nil {
		return &StoreFailureError{Op: "mark_processing", Err: err}
	}
	return nil
}

// MarkProcessed transitions messageID from processing to processed.
// Idempotent on absent rows.
func (s *Store) MarkProcessed(ctx context.Context, messageID uuid.UUID) (bool, error) {
	return s.transition(ctx, messageID, StatusProcessing, StatusProcessed, "")
}

// MarkFailed transitions messageID from processing to failed with reason.
// Idempotent on absent rows.
func (s *Store) MarkFailed(ctx context.Context, messageID uuid.UUID, reason string) (bool, error) {
	return s.transition(ctx, messageID, StatusProcessing, StatusFailed, reason)
}

// MarkCompensated transitions messageID from failed to compensated.
// Idempotent on absent rows.
func (s *Store) MarkCompensated(ctx context.Context, messageID uuid.UUID) (bool, error) {
	return s.transition(ctx, messageID, StatusFailed, StatusCompensated, "")
}

func (s *Store) transition(ctx context.Context, messageID uuid.UUID, from, to Status, reason string) (bool, error) {
	c := s.dbCtx
	var query string
	var args []any
	if reason != "" {
		query = fmt.Sprintf(
			"UPDATE %s SET status = %s, error = %s, updated_at = %s WHERE message_id = %s AND status = %s",
			c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4), c.getSQLPlaceholder(5))
		args = []any{string(to), reason, time.Now().UTC(), c.formatIDForDB(messageID), string(from)}
	} else {
		query = fmt.Sprintf(
			"UPDATE %s SET status = %s, updated_at = %s WHERE message_id = %s AND status = %s",
			c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))
		args = []any{string(to), time.Now().UTC(), c.formatIDForDB(messageID), string(from)}
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &StoreFailureError{Op: "transition_" + string(to), Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StoreFailureError{Op: "transition_" + string(to), Err: err}
	}
	return n > 0, nil
}

// FetchFailed returns up to limit failed Records, oldest updated_at
// first, for the Compensation Scanner's consumer-side sweep.
func (s *Store) FetchFailed(ctx context.Context, limit int) ([]*Record, error) {
	c := s.dbCtx
	lockClause := ""
	if supportsSkipLocked(c.dialect) {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}

	var query string
	switch c.dialect {
	case outbox.SQLDialectOracle:
		query = fmt.Sprintf(
			"SELECT message_id, topic, data, status, error, created_at, updated_at FROM %s WHERE status = %s ORDER BY updated_at ASC FETCH FIRST %s ROWS ONLY",
			c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
	case outbox.SQLDialectSQLServer:
		query = fmt.Sprintf(
			"SELECT TOP (%s) message_id, topic, data, status, error, created_at, updated_at FROM %s WHERE status = %s ORDER BY updated_at ASC",
			c.getSQLPlaceholder(2), c.tableName, c.getSQLPlaceholder(1))
	default:
		query = fmt.Sprintf(
			"SELECT message_id, topic, data, status, error, created_at, updated_at FROM %s WHERE status = %s ORDER BY updated_at ASC LIMIT %s%s",
			c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), lockClause)
	}

	rows, err := c.db.QueryContext(ctx, query, string(StatusFailed), limit)
	if err != nil {
		return nil, &StoreFailureError{Op: "fetch_failed", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		var rawID any
		var topicText sql.NullString
		var errText sql.NullString
		if err := rows.Scan(&rawID, &topicText, &rec.Payload, &rec.Status, &errText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, &StoreFailureError{Op: "scan", Err: err}
		}
		rec.Topic = topicText.String
		rec.Error = errText.String
		id, err := scanUUID(rawID)
		if err != nil {
			return nil, &StoreFailureError{Op: "scan", Err: err}
		}
		rec.MessageID = id
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreFailureError{Op: "fetch_failed", Err: err}
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

// CreateSchema creates the consumption-records table if it does not
// already exist, using dialect-appropriate DDL.
func (s *Store) CreateSchema(ctx context.Context) error {
	c := s.dbCtx
	idCol := "message_id VARCHAR(64) UNIQUE NOT NULL"
	if c.dialect == outbox.SQLDialectPostgres {
		idCol = "message_id UUID UNIQUE NOT NULL"
	}

	// topic and data are nullable: mark_processing's topic/payload are
	// optional per spec.md §4.2, unlike the Outbox table's mandatory
	// columns (store.go's CreateSchema).
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s,
	topic VARCHAR(255),
	data TEXT,
	status VARCHAR(16) NOT NULL,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, c.tableName, c.autoIncrementColumn(), idCol)

	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return &StoreFailureError{Op: "create_schema", Err: err}
	}
	return nil
}
