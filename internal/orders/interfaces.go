package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/pkg/db/models"
)

// Repository defines persistence operations for order rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// SavePoint and RollbackTo guard writes that may trip a unique
	// constraint: Postgres aborts the whole transaction on a violation, so
	// recovering in-tx requires rolling back to a savepoint first.
	SavePoint(name string) error
	RollbackTo(name string) error
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateByID(ctx context.Context, id uuid.UUID, updates map[string]any) error
}
