package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/relaymq/outbox"
)

// Queryer and DB mirror outbox's own database abstraction so the same
// *sql.DB/*sql.Tx - or the same test doubles - work against both stores.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB represents a database connection, compatible with *sql.DB.
type DB interface {
	Queryer
}

type dbContext struct {
	db        DB
	dialect   outbox.SQLDialect
	tableName string
}

// StoreOption configures a Store.
type StoreOption func(*dbContext)

// WithTableName sets a custom name for the consumption-records table.
// Default is "mq_consumption_records".
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

func supportsSkipLocked(d outbox.SQLDialect) bool {
	switch d {
	case outbox.SQLDialectPostgres, outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return true
	default:
		return false
	}
}

func (c *dbContext) formatIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case outbox.SQLDialectMySQL, outbox.SQLDialectOracle, outbox.SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary()
		return bytes
	case outbox.SQLDialectPostgres, outbox.SQLDialectMariaDB:
		return id
	default:
		return id.String()
	}
}

func (c *dbContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case outbox.SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)
	case outbox.SQLDialectOracle:
		return fmt.Sprintf(":%d", index)
	case outbox.SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)
	default:
		return "?"
	}
}

func (c *dbContext) autoIncrementColumn() string {
	switch c.dialect {
	case outbox.SQLDialectPostgres:
		return "id BIGSERIAL PRIMARY KEY"
	case outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	case outbox.SQLDialectSQLite:
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	case outbox.SQLDialectOracle:
		return "id NUMBER GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
	case outbox.SQLDialectSQLServer:
		return "id BIGINT IDENTITY(1,1) PRIMARY KEY"
	default:
		return "id BIGINT PRIMARY KEY"
	}
}

// dbAdapter wraps a *sql.DB to satisfy DB.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
