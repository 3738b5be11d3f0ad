package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDefaults(t *testing.T) {
	msg := NewMessage("orders.created", []byte(`{"id":1}`))

	assert.NotEqual(t, uuid.UUID{}, msg.ID)
	assert.Equal(t, "orders.created", msg.Topic)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, int32(0), msg.RetryCount)
	assert.WithinDuration(t, time.Now().UTC(), msg.CreatedAt, time.Second)
	assert.Equal(t, msg.CreatedAt, msg.UpdatedAt)
}

func TestNewMessageOptions(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msg := NewMessage("orders.created", nil,
		WithID(id),
		WithCreatedAt(created),
		WithOptions([]byte(`{"routing_key":"orders"}`)))

	assert.Equal(t, id, msg.ID)
	assert.Equal(t, created, msg.CreatedAt)
	assert.Equal(t, []byte(`{"routing_key":"orders"}`), msg.Options)
}

func TestFormatIDForDBDialects(t *testing.T) {
	id := uuid.New()
	msg := NewMessage("t", nil, WithID(id))

	pg := &dbContext{dialect: SQLDialectPostgres}
	require.Equal(t, id, msg.formatIDForDB(pg))

	mysql := &dbContext{dialect: SQLDialectMySQL}
	raw, ok := msg.formatIDForDB(mysql).([]byte)
	require.True(t, ok)
	assert.Len(t, raw, 16)

	sqlite := &dbContext{dialect: SQLDialectSQLite}
	assert.Equal(t, id.String(), msg.formatIDForDB(sqlite))
}
