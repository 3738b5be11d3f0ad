package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// supportsSkipLocked reports whether the dialect supports
// SELECT ... FOR UPDATE SKIP LOCKED, which FetchPending then appends to
// its query (see FetchPending for how long those locks last).
func (d SQLDialect) supportsSkipLocked() bool {
	switch d {
	case SQLDialectPostgres, SQLDialectMySQL, SQLDialectMariaDB:
		return true
	default:
		return false
	}
}

// Queryer represents a query executor. Both *sql.DB and *sql.Tx satisfy it.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction. It is compatible with *sql.Tx.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection. It is compatible with *sql.DB.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// dbContext holds the database connection, the SQL dialect, and the
// outbox table name. It centralizes every dialect-specific concern so
// that Store and Producer stay free of per-database branching.
type dbContext struct {
	db        DB
	dialect   SQLDialect
	tableName string
}

// StoreOption configures a Store.
type StoreOption func(*dbContext)

// WithTableName sets a custom name for the outbox table.
// Default is "mq_messages" per the persisted schema. The name must match
// [a-zA-Z_][a-zA-Z0-9_]*; an invalid name panics when the Store is built.
func WithTableName(tableName string) StoreOption {
	return func(c *dbContext) {
		c.tableName = tableName
	}
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", name)
	}
	return nil
}

// formatIDForDB formats a message ID for storage according to the dialect.
func (c *dbContext) formatIDForDB(id interface{ MarshalBinary() ([]byte, error) }, asString func() string) any {
	switch c.dialect {
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary() // binary UUID for compact storage
		return bytes
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id // native UUID support
	default:
		return asString()
	}
}

// getSQLPlaceholder returns the positional placeholder for the dialect.
func (c *dbContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)
	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)
	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)
	default:
		return "?"
	}
}

func (c *dbContext) getCurrentTimestampInUTC() string {
	switch c.dialect {
	case SQLDialectPostgres:
		return "CURRENT_TIMESTAMP AT TIME ZONE 'UTC'"
	case SQLDialectMySQL, SQLDialectMariaDB:
		return "UTC_TIMESTAMP()"
	case SQLDialectOracle:
		return "SYSTIMESTAMP AT TIME ZONE 'UTC'"
	case SQLDialectSQLServer:
		return "SYSUTCDATETIME()"
	default:
		return "CURRENT_TIMESTAMP"
	}
}

func (c *dbContext) autoIncrementColumn() string {
	switch c.dialect {
	case SQLDialectPostgres:
		return "id BIGSERIAL PRIMARY KEY"
	case SQLDialectMySQL, SQLDialectMariaDB:
		return "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	case SQLDialectSQLite:
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	case SQLDialectOracle:
		return "id NUMBER GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	case SQLDialectSQLServer:
		return "id BIGINT IDENTITY(1,1) PRIMARY KEY"
	default:
		return "id BIGINT PRIMARY KEY"
	}
}

// txAdapter wraps a *sql.Tx to satisfy Tx.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error   { return a.tx.Commit() }
func (a *txAdapter) Rollback() error { return a.tx.Rollback() }

// dbAdapter wraps a *sql.DB to satisfy DB.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
