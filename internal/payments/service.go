package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/payflow-backend/pkg/db"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/payflow-backend/pkg/errors"
	"github.com/angelmondragon/payflow-backend/pkg/gateway"
	"github.com/angelmondragon/payflow-backend/pkg/metrics"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/payflow-backend/pkg/retry"
)

// ReplayMessage is returned when an idempotency key resolves to a charge that
// already settled.
const ReplayMessage = "Payment already processed (idempotent)"

const replayFailedMessage = "Payment previously failed (idempotent)"

// replayInFlightMessage is served when the key resolves to a charge another
// submission is still settling. The caller gets that row's current view
// instead of an error; polling the payment shows the final outcome.
const replayInFlightMessage = "Payment is being processed (idempotent)"

// Savepoint names for writes that may trip a unique constraint in-tx.
const (
	savepointClaim    = "payment_claim"
	savepointFinalize = "payment_finalize"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ChargeGateway abstracts the external payment gateway.
type ChargeGateway interface {
	Charge(ctx context.Context, params gateway.ChargeParams) (*gateway.ChargeResult, error)
}

// Service settles payments idempotently against the external gateway.
type Service interface {
	// ProcessPayment runs standalone: each state transition commits on its
	// own, so a processing row survives a crash mid-charge.
	ProcessPayment(ctx context.Context, input ProcessPaymentInput) (*Result, error)
	// ProcessPaymentTx runs nested inside the caller's transaction: nothing
	// is visible until the caller commits.
	ProcessPaymentTx(ctx context.Context, tx *gorm.DB, input ProcessPaymentInput) (*Result, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

type service struct {
	repo          Repository
	tx            txRunner
	gateway       ChargeGateway
	outbox        outboxPublisher
	retrier       *retry.Executor
	metrics       *metrics.GatewayMetrics
	defaultSource string
}

// NewService builds a payment service with the required dependencies.
func NewService(repo Repository, tx txRunner, gw ChargeGateway, publisher outboxPublisher, retrier *retry.Executor, gwMetrics *metrics.GatewayMetrics, defaultSource string) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if gw == nil {
		return nil, fmt.Errorf("charge gateway required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if retrier == nil {
		return nil, fmt.Errorf("retry executor required")
	}
	return &service{
		repo:          repo,
		tx:            tx,
		gateway:       gw,
		outbox:        publisher,
		retrier:       retrier,
		metrics:       gwMetrics,
		defaultSource: defaultSource,
	}, nil
}

func (s *service) ProcessPayment(ctx context.Context, input ProcessPaymentInput) (*Result, error) {
	return s.process(ctx, nil, input)
}

func (s *service) ProcessPaymentTx(ctx context.Context, tx *gorm.DB, input ProcessPaymentInput) (*Result, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	return s.process(ctx, tx, input)
}

func (s *service) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	return payment, nil
}

// process implements both commit modes. A nil tx means standalone: every
// write autocommits and failure bookkeeping runs in its own transaction.
func (s *service) process(ctx context.Context, tx *gorm.DB, input ProcessPaymentInput) (*Result, error) {
	input = normalize(input)
	if err := validate(input); err != nil {
		return nil, err
	}

	key := input.IdempotencyKey
	if key == "" {
		key = NewIdempotencyKey(input.UserID)
	}

	repo := s.repo.WithTx(tx)

	payment, result, err := s.claim(ctx, repo, key, input)
	if result != nil || err != nil {
		return result, err
	}

	chargeRes, chargeErr := s.charge(ctx, payment, input)
	if chargeErr != nil {
		if failErr := s.markFailed(ctx, tx, payment, chargeErr.Error()); failErr != nil {
			return nil, failErr
		}
		// The final attempt's error surfaces unchanged so callers keep
		// the gateway's domain code.
		return nil, chargeErr
	}

	if err := s.complete(ctx, tx, repo, payment, chargeRes); err != nil {
		return nil, err
	}
	return &Result{Payment: payment}, nil
}

// claim resolves the idempotency key to a payment row this call owns. A
// non-nil Result short-circuits with a recorded outcome.
func (s *service) claim(ctx context.Context, repo Repository, key string, input ProcessPaymentInput) (*models.Payment, *Result, error) {
	existing, err := repo.FindByIdempotencyKey(ctx, key)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment by idempotency key")
	}

	if existing != nil {
		result, resume, resErr := resolveExisting(existing)
		if !resume {
			return nil, result, resErr
		}
		if err := repo.UpdateByID(ctx, existing.ID, map[string]any{"status": enums.PaymentStatusProcessing}); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim pending payment")
		}
		existing.Status = enums.PaymentStatusProcessing
		return existing, nil, nil
	}

	payment := &models.Payment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		IdempotencyKey: key,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusProcessing,
	}
	if err := repo.SavePoint(savepointClaim); err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set claim savepoint")
	}
	if _, err := repo.Create(ctx, payment); err != nil {
		if dbpkg.IsUniqueViolation(err, "uq_payments_idempotency_key") {
			// Lost the insert race: the winner's row is authoritative. The
			// violation aborted the enclosing transaction, so roll back to
			// the savepoint before reading it.
			if rbErr := repo.RollbackTo(savepointClaim); rbErr != nil {
				return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "recover from claim race")
			}
			winner, readErr := repo.FindByIdempotencyKey(ctx, key)
			if readErr != nil {
				return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, readErr, "load winning payment")
			}
			result, resume, resErr := resolveExisting(winner)
			if !resume {
				return nil, result, resErr
			}
			if err := repo.UpdateByID(ctx, winner.ID, map[string]any{"status": enums.PaymentStatusProcessing}); err != nil {
				return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim pending payment")
			}
			winner.Status = enums.PaymentStatusProcessing
			return winner, nil, nil
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}
	return payment, nil, nil
}

func (s *service) charge(ctx context.Context, payment *models.Payment, input ProcessPaymentInput) (*gateway.ChargeResult, error) {
	source := input.SourceID
	if source == "" {
		source = s.defaultSource
	}
	params := gateway.ChargeParams{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		SourceID:       source,
		IdempotencyKey: payment.IdempotencyKey,
		Note:           input.Note,
		ReferenceID:    payment.ID.String(),
	}

	var result *gateway.ChargeResult
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		started := time.Now()
		res, err := s.gateway.Charge(ctx, params)
		if err != nil {
			code := errorOutcome(err)
			s.metrics.ObserveCharge(code, time.Since(started))
			if pkgerrors.IsRetryable(err) {
				s.metrics.IncRetry(code)
			}
			return err
		}
		s.metrics.ObserveCharge("success", time.Since(started))
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) complete(ctx context.Context, tx *gorm.DB, repo Repository, payment *models.Payment, res *gateway.ChargeResult) error {
	// Dedup guard: a transaction id already owned by another payment means
	// the gateway deduplicated this charge against a previous one.
	owner, err := repo.FindByTransactionID(ctx, res.TransactionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check transaction id")
	}
	if owner != nil && owner.ID != payment.ID {
		return s.failDuplicateTransaction(ctx, tx, payment)
	}

	updates := map[string]any{
		"status":         enums.PaymentStatusCompleted,
		"transaction_id": res.TransactionID,
	}
	if len(res.Raw) > 0 {
		raw := string(res.Raw)
		updates["gateway_response"] = raw
	}
	if err := repo.SavePoint(savepointFinalize); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set finalize savepoint")
	}
	if err := repo.UpdateByID(ctx, payment.ID, updates); err != nil {
		// The pre-check can still race a concurrent finalize; the unique
		// constraint is the backstop. Roll back to the savepoint so the
		// failure bookkeeping below runs on a live transaction.
		if dbpkg.IsUniqueViolation(err, "uq_payments_transaction_id") {
			if rbErr := repo.RollbackTo(savepointFinalize); rbErr != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "recover from duplicate transaction")
			}
			return s.failDuplicateTransaction(ctx, tx, payment)
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize payment")
	}
	payment.Status = enums.PaymentStatusCompleted
	transactionID := res.TransactionID
	payment.TransactionID = &transactionID
	if len(res.Raw) > 0 {
		raw := string(res.Raw)
		payment.GatewayResponse = &raw
	}
	return nil
}

func (s *service) failDuplicateTransaction(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	dupErr := pkgerrors.New(pkgerrors.CodeDuplicateCharge, "transaction already recorded for another payment")
	if failErr := s.markFailed(ctx, tx, payment, dupErr.Message()); failErr != nil {
		return failErr
	}
	return dupErr
}

func (s *service) markFailed(ctx context.Context, tx *gorm.DB, payment *models.Payment, reason string) error {
	apply := func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		updates := map[string]any{
			"status":         enums.PaymentStatusFailed,
			"failure_reason": reason,
		}
		if err := repo.UpdateByID(ctx, payment.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment failed")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Actor:         &outbox.ActorRef{UserID: payment.UserID},
			Data: payloads.PaymentFailedEvent{
				PaymentID: payment.ID,
				UserID:    payment.UserID,
				Reason:    reason,
			},
		})
	}

	var err error
	if tx != nil {
		err = apply(tx)
	} else {
		err = s.tx.WithTx(ctx, apply)
	}
	if err != nil {
		return err
	}
	payment.Status = enums.PaymentStatusFailed
	failureReason := reason
	payment.FailureReason = &failureReason
	return nil
}

// resolveExisting maps a stored payment to its replay outcome. resume is true
// only for pending rows, which a new submission may pick up and settle.
func resolveExisting(payment *models.Payment) (result *Result, resume bool, err error) {
	switch payment.Status {
	case enums.PaymentStatusCompleted:
		return &Result{Payment: payment, Replayed: true, Message: ReplayMessage}, false, nil
	case enums.PaymentStatusFailed:
		return &Result{Payment: payment, Replayed: true, Message: replayFailedMessage}, false, nil
	case enums.PaymentStatusProcessing:
		// A concurrent submission owns the charge. Return its row as-is
		// rather than erroring: the key already maps to exactly one charge.
		return &Result{Payment: payment, Replayed: true, Message: replayInFlightMessage}, false, nil
	default:
		return nil, true, nil
	}
}

func normalize(input ProcessPaymentInput) ProcessPaymentInput {
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	input.SourceID = strings.TrimSpace(input.SourceID)
	if input.Currency == "" {
		input.Currency = enums.CurrencyUSD
	}
	return input
}

func validate(input ProcessPaymentInput) error {
	if input.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if !input.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.Currency.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency")
	}
	return nil
}

func errorOutcome(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return "error"
}
