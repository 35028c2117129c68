package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
)

func newOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:outbox_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ddl := `
	CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE UNIQUE INDEX ux_outbox_events_event_aggregate
		ON outbox_events (event_type, aggregate_type, aggregate_id);
	`
	require.NoError(t, db.Exec(ddl).Error)
	return db
}

func TestEmit_WritesEnvelopeInsideTx(t *testing.T) {
	db := newOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)

	aggregateID := uuid.New()
	actor := &ActorRef{UserID: uuid.New()}
	tx := db.Begin()
	require.NoError(t, tx.Error)

	err := svc.Emit(context.Background(), tx, DomainEvent{
		EventType:     enums.EventOrderConfirmed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   aggregateID,
		Actor:         actor,
		Data:          map[string]string{"orderId": aggregateID.String()},
		Version:       1,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit().Error)

	var row models.OutboxEvent
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, enums.EventOrderConfirmed, row.EventType)
	assert.Equal(t, aggregateID, row.AggregateID)
	assert.Nil(t, row.PublishedAt)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, actor.UserID, envelope.Actor.UserID)
}

func TestEmit_RequiresTransaction(t *testing.T) {
	db := newOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)

	err := svc.Emit(context.Background(), nil, DomainEvent{
		EventType:     enums.EventOrderFailed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
	})
	require.Error(t, err)
}

func TestEmitIfNotExists_SkipsDuplicates(t *testing.T) {
	db := newOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)

	event := DomainEvent{
		EventType:     enums.EventPaymentFailed,
		AggregateType: enums.AggregatePayment,
		AggregateID:   uuid.New(),
		Data:          map[string]string{"reason": "card declined"},
		Version:       1,
	}

	tx := db.Begin()
	require.NoError(t, svc.EmitIfNotExists(context.Background(), tx, event))
	require.NoError(t, svc.EmitIfNotExists(context.Background(), tx, event))
	require.NoError(t, tx.Commit().Error)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestFetchUnpublished_SkipsExhaustedRows(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)

	first := seedOutboxRow(t, db, enums.EventOrderConfirmed)
	second := seedOutboxRow(t, db, enums.EventOrderFailed)

	rows, err := repo.FetchUnpublished(10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.MarkFailed(first, errors.New("publish failed")))
	}

	rows, err = repo.FetchUnpublished(10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second, rows[0].ID)

	require.NoError(t, repo.MarkPublished(second))
	rows, err = repo.FetchUnpublished(10, 3)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func seedOutboxRow(t *testing.T, db *gorm.DB, eventType enums.OutboxEventType) uuid.UUID {
	t.Helper()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1,"eventId":"x","data":{}}`),
	}
	require.NoError(t, db.Create(&row).Error)
	return row.ID
}
