package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/internal/payments"
	dbpkg "github.com/angelmondragon/payflow-backend/pkg/db"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/payflow-backend/pkg/errors"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/outbox/payloads"
)

// ReplayMessage is returned when an idempotency key resolves to an order
// that already settled.
const ReplayMessage = "Order already processed (idempotent)"

const replayFailedMessage = "Order previously failed (idempotent)"

// replayInFlightMessage is served when the key resolves to an order another
// submission is still settling. The caller gets that row's current view
// instead of an error; polling the order shows the final outcome.
const replayInFlightMessage = "Order is being processed (idempotent)"

// savepointPlace guards the order insert, which may trip the idempotency
// unique constraint inside the order transaction.
const savepointPlace = "order_place"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// PaymentProcessor settles an order's payment inside the order transaction.
type PaymentProcessor interface {
	ProcessPaymentTx(ctx context.Context, tx *gorm.DB, input payments.ProcessPaymentInput) (*payments.Result, error)
}

// Service composes order placement with its payment so both commit or
// neither does.
type Service interface {
	// CreateOrder places an order and settles its payment in a single
	// transaction. The returned effects run only after the caller sees a
	// nil error, which means the transaction committed.
	CreateOrder(ctx context.Context, input CreateOrderInput) (*Result, []Effect, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	payments PaymentProcessor
	outbox   outboxPublisher
	log      *logger.Logger
}

// NewService builds an order service with the required dependencies.
func NewService(repo Repository, tx txRunner, processor PaymentProcessor, publisher outboxPublisher, log *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if processor == nil {
		return nil, fmt.Errorf("payment processor required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		payments: processor,
		outbox:   publisher,
		log:      log,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Result, []Effect, error) {
	input = normalize(input)
	if err := validate(input); err != nil {
		return nil, nil, err
	}

	key := input.IdempotencyKey
	if key == "" {
		key = NewIdempotencyKey(input.UserID)
	}

	var (
		result     *Result
		effects    []Effect
		paymentErr error
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindByIdempotencyKey(ctx, key)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by idempotency key")
		}
		if existing != nil {
			result, err = resolveExisting(existing)
			return err
		}

		order := &models.Order{
			ID:             uuid.New(),
			UserID:         input.UserID,
			IdempotencyKey: key,
			TotalAmount:    input.TotalAmount,
			Currency:       input.Currency,
			Items:          input.Items,
			Status:         enums.OrderStatusPendingPayment,
		}
		if err := repo.SavePoint(savepointPlace); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set place savepoint")
		}
		if _, err := repo.Create(ctx, order); err != nil {
			if dbpkg.IsUniqueViolation(err, "uq_orders_idempotency_key") {
				// Lost the insert race: the winner's row is authoritative.
				// The violation aborted the enclosing transaction, so roll
				// back to the savepoint before reading it.
				if rbErr := repo.RollbackTo(savepointPlace); rbErr != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "recover from place race")
				}
				winner, readErr := repo.FindByIdempotencyKey(ctx, key)
				if readErr != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, readErr, "load winning order")
				}
				result, err = resolveExisting(winner)
				return err
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		payRes, err := s.payments.ProcessPaymentTx(ctx, tx, payments.ProcessPaymentInput{
			UserID:         input.UserID,
			Amount:         input.TotalAmount,
			Currency:       input.Currency,
			IdempotencyKey: DerivedPaymentKey(order.ID),
			SourceID:       input.SourceID,
			Note:           input.Note,
		})
		if err != nil {
			if rollbackOn(err) {
				return err
			}
			// The charge failed terminally: commit the failed order and
			// the failed payment row so a replay serves this outcome.
			if failErr := s.markFailed(ctx, tx, repo, order, err.Error()); failErr != nil {
				return failErr
			}
			result = &Result{Order: order}
			paymentErr = err
			return nil
		}

		if payRes.Payment.Status != enums.PaymentStatusCompleted {
			// A replayed in-flight charge cannot confirm the order; abort
			// so the caller retries once the charge settles.
			return pkgerrors.New(pkgerrors.CodeConflict, "order payment is still being processed")
		}

		// Confirmation records the payment link on the order; the unique
		// constraint keeps one payment from settling two orders.
		if err := repo.UpdateByID(ctx, order.ID, map[string]any{
			"status":     enums.OrderStatusConfirmed,
			"payment_id": payRes.Payment.ID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "confirm order")
		}
		order.Status = enums.OrderStatusConfirmed
		paymentID := payRes.Payment.ID
		order.PaymentID = &paymentID
		order.Payment = payRes.Payment

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderConfirmed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Actor:         &outbox.ActorRef{UserID: order.UserID},
			Data: payloads.OrderConfirmedEvent{
				OrderID:       order.ID,
				UserID:        order.UserID,
				PaymentID:     payRes.Payment.ID,
				TransactionID: derefString(payRes.Payment.TransactionID),
				TotalAmount:   order.TotalAmount,
				Currency:      order.Currency,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		result = &Result{Order: order, Payment: payRes.Payment}
		effects = append(effects, s.confirmationEffect(order))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if paymentErr != nil {
		// The failed state is durable; the charge error surfaces unchanged.
		return nil, nil, paymentErr
	}
	return result, effects, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) markFailed(ctx context.Context, tx *gorm.DB, repo Repository, order *models.Order, reason string) error {
	if err := repo.UpdateByID(ctx, order.ID, map[string]any{"status": enums.OrderStatusFailed}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order failed")
	}
	order.Status = enums.OrderStatusFailed
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderFailed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Version:       1,
		Actor:         &outbox.ActorRef{UserID: order.UserID},
		Data: payloads.OrderFailedEvent{
			OrderID: order.ID,
			UserID:  order.UserID,
			Reason:  reason,
		},
	})
}

func (s *service) confirmationEffect(order *models.Order) Effect {
	return func(ctx context.Context) {
		if s.log == nil {
			return
		}
		ctx = s.log.WithOrderID(ctx, order.ID.String())
		s.log.Info(ctx, "order confirmation notification queued")
	}
}

// rollbackOn reports whether a payment error should abort the whole
// transaction instead of committing the order as failed. Request-shaped
// errors never wrote a payment row, so there is no outcome to persist.
func rollbackOn(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return true
	}
	switch typed.Code() {
	case pkgerrors.CodeValidation, pkgerrors.CodeConflict, pkgerrors.CodeInternal, pkgerrors.CodeNotFound:
		return true
	default:
		return false
	}
}

// resolveExisting maps a stored order to its replay outcome.
func resolveExisting(order *models.Order) (*Result, error) {
	switch order.Status {
	case enums.OrderStatusConfirmed, enums.OrderStatusCancelled:
		return &Result{Order: order, Payment: order.Payment, Replayed: true, Message: ReplayMessage}, nil
	case enums.OrderStatusFailed:
		return &Result{Order: order, Payment: order.Payment, Replayed: true, Message: replayFailedMessage}, nil
	default:
		// A concurrent submission owns the order. Return its row as-is
		// rather than erroring: the key already maps to exactly one order.
		return &Result{Order: order, Payment: order.Payment, Replayed: true, Message: replayInFlightMessage}, nil
	}
}

func normalize(input CreateOrderInput) CreateOrderInput {
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	input.SourceID = strings.TrimSpace(input.SourceID)
	if input.Currency == "" {
		input.Currency = enums.CurrencyUSD
	}
	if input.TotalAmount.IsZero() && len(input.Items) > 0 {
		input.TotalAmount = input.Items.Total()
	}
	return input
}

func validate(input CreateOrderInput) error {
	if input.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one item required")
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "item quantity must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return pkgerrors.New(pkgerrors.CodeValidation, "item price must not be negative")
		}
	}
	if !input.TotalAmount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "total amount must be positive")
	}
	if !input.TotalAmount.Equal(input.Items.Total()) {
		return pkgerrors.New(pkgerrors.CodeValidation, "total amount does not match items")
	}
	if !input.Currency.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency")
	}
	return nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
