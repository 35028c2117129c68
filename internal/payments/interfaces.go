package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/pkg/db/models"
)

// Repository defines persistence operations for payment rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// SavePoint and RollbackTo guard writes that may trip a unique
	// constraint: Postgres aborts the whole transaction on a violation, so
	// recovering in-tx requires rolling back to a savepoint first.
	SavePoint(name string) error
	RollbackTo(name string) error
	Create(ctx context.Context, payment *models.Payment) (*models.Payment, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	UpdateByID(ctx context.Context, id uuid.UUID, updates map[string]any) error
	FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.Payment, error)
}
