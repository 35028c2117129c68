package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/payflow-backend/pkg/config"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/payflow-backend/pkg/errors"
	"github.com/angelmondragon/payflow-backend/pkg/gateway"
	"github.com/angelmondragon/payflow-backend/pkg/outbox"
	"github.com/angelmondragon/payflow-backend/pkg/retry"
)

type stubPaymentsRepo struct {
	byKey      map[string]*models.Payment
	byID       map[uuid.UUID]*models.Payment
	updates    []map[string]any
	savepoints []string
	rollbacks  []string

	create     func(ctx context.Context, payment *models.Payment) (*models.Payment, error)
	findByKey  func(ctx context.Context, key string) (*models.Payment, error)
	updateByID func(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

func newStubPaymentsRepo() *stubPaymentsRepo {
	return &stubPaymentsRepo{
		byKey: make(map[string]*models.Payment),
		byID:  make(map[uuid.UUID]*models.Payment),
	}
}

func (s *stubPaymentsRepo) WithTx(tx *gorm.DB) Repository {
	return s
}

func (s *stubPaymentsRepo) SavePoint(name string) error {
	s.savepoints = append(s.savepoints, name)
	return nil
}

func (s *stubPaymentsRepo) RollbackTo(name string) error {
	s.rollbacks = append(s.rollbacks, name)
	return nil
}

func (s *stubPaymentsRepo) Create(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	if s.create != nil {
		return s.create(ctx, payment)
	}
	if _, exists := s.byKey[payment.IdempotencyKey]; exists {
		return nil, errors.New(`duplicate key value violates unique constraint "uq_payments_idempotency_key"`)
	}
	s.byKey[payment.IdempotencyKey] = payment
	s.byID[payment.ID] = payment
	return payment, nil
}

func (s *stubPaymentsRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, ok := s.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return payment, nil
}

func (s *stubPaymentsRepo) FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	if s.findByKey != nil {
		return s.findByKey(ctx, key)
	}
	payment, ok := s.byKey[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return payment, nil
}

func (s *stubPaymentsRepo) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	for _, payment := range s.byID {
		if payment.TransactionID != nil && *payment.TransactionID == transactionID {
			return payment, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubPaymentsRepo) UpdateByID(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if s.updateByID != nil {
		return s.updateByID(ctx, id, updates)
	}
	s.updates = append(s.updates, updates)
	payment, ok := s.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if status, ok := updates["status"].(enums.PaymentStatus); ok {
		payment.Status = status
	}
	if txnID, ok := updates["transaction_id"].(string); ok {
		payment.TransactionID = &txnID
	}
	if reason, ok := updates["failure_reason"].(string); ok {
		payment.FailureReason = &reason
	}
	return nil
}

func (s *stubPaymentsRepo) FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.Payment, error) {
	return nil, nil
}

type stubTxRunner struct {
	calls int
}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.calls++
	return fn(&gorm.DB{})
}

type stubGateway struct {
	calls     int
	responses []stubChargeResponse
}

type stubChargeResponse struct {
	result *gateway.ChargeResult
	err    error
}

func (s *stubGateway) Charge(ctx context.Context, params gateway.ChargeParams) (*gateway.ChargeResult, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]
	return resp.result, resp.err
}

type stubOutbox struct {
	events []outbox.DomainEvent
}

func (s *stubOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

func testRetrier() *retry.Executor {
	return retry.New(config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}, pkgerrors.IsRetryable)
}

func newTestService(t *testing.T, repo Repository, gw ChargeGateway, publisher *stubOutbox) Service {
	t.Helper()
	svc, err := NewService(repo, &stubTxRunner{}, gw, publisher, testRetrier(), nil, "cnon:card-nonce-ok")
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func successGateway(transactionID string) *stubGateway {
	return &stubGateway{responses: []stubChargeResponse{
		{result: &gateway.ChargeResult{TransactionID: transactionID, Status: "COMPLETED"}},
	}}
}

func validInput() ProcessPaymentInput {
	return ProcessPaymentInput{
		UserID:         uuid.New(),
		Amount:         decimal.RequireFromString("49.99"),
		Currency:       enums.CurrencyUSD,
		IdempotencyKey: "pay_test_key_1",
	}
}

func TestProcessPayment_Success(t *testing.T) {
	repo := newStubPaymentsRepo()
	gw := successGateway("txn_abc")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPayment(context.Background(), validInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Replayed {
		t.Fatal("fresh payment must not be marked replayed")
	}
	if result.Payment.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Payment.Status)
	}
	if result.Payment.TransactionID == nil || *result.Payment.TransactionID != "txn_abc" {
		t.Fatalf("expected transaction id recorded, got %v", result.Payment.TransactionID)
	}
	if gw.calls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.calls)
	}
}

func TestProcessPayment_SynthesizesKeyWhenMissing(t *testing.T) {
	repo := newStubPaymentsRepo()
	svc := newTestService(t, repo, successGateway("txn_gen"), &stubOutbox{})

	input := validInput()
	input.IdempotencyKey = ""
	result, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantPrefix := "pay_" + input.UserID.String() + "_"
	if !strings.HasPrefix(result.Payment.IdempotencyKey, wantPrefix) {
		t.Fatalf("synthesized key %q missing prefix %q", result.Payment.IdempotencyKey, wantPrefix)
	}
}

func TestProcessPayment_ReplaysCompletedPayment(t *testing.T) {
	repo := newStubPaymentsRepo()
	gw := successGateway("txn_first")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	input := validInput()
	first, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	second, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replayed result")
	}
	if second.Message != ReplayMessage {
		t.Fatalf("unexpected replay message %q", second.Message)
	}
	if second.Payment.ID != first.Payment.ID {
		t.Fatal("replay must return the original payment")
	}
	if gw.calls != 1 {
		t.Fatalf("replay must not re-charge: gateway called %d times", gw.calls)
	}
}

func TestProcessPayment_ReturnsInFlightPaymentWithoutRecharge(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()
	inflight := &models.Payment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusProcessing,
	}
	repo.byKey[input.IdempotencyKey] = inflight
	repo.byID[inflight.ID] = inflight

	gw := successGateway("txn_x")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Replayed || result.Payment.ID != inflight.ID {
		t.Fatalf("expected in-flight payment returned, got %+v", result)
	}
	if result.Payment.Status != enums.PaymentStatusProcessing {
		t.Fatalf("in-flight view must keep processing status, got %s", result.Payment.Status)
	}
	if result.Message != replayInFlightMessage {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if gw.calls != 0 {
		t.Fatal("in-flight key must not trigger a charge")
	}
}

func TestProcessPayment_ReplaysFailedPaymentWithoutRecharge(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()
	reason := "card declined"
	failed := &models.Payment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusFailed,
		FailureReason:  &reason,
	}
	repo.byKey[input.IdempotencyKey] = failed
	repo.byID[failed.ID] = failed

	gw := successGateway("txn_y")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Replayed || result.Payment.Status != enums.PaymentStatusFailed {
		t.Fatalf("expected replayed failed payment, got %+v", result)
	}
	if gw.calls != 0 {
		t.Fatal("terminal failure must not be retried")
	}
}

func TestProcessPayment_RetriesTransientThenSucceeds(t *testing.T) {
	repo := newStubPaymentsRepo()
	timeout := pkgerrors.New(pkgerrors.CodeGatewayTimeout, "gateway create payment timed out")
	gw := &stubGateway{responses: []stubChargeResponse{
		{err: timeout},
		{err: timeout},
		{result: &gateway.ChargeResult{TransactionID: "txn_retry", Status: "COMPLETED"}},
	}}
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPayment(context.Background(), validInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gw.calls)
	}
	if result.Payment.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Payment.Status)
	}
}

func TestProcessPayment_ExhaustsRetriesAndKeepsLastError(t *testing.T) {
	repo := newStubPaymentsRepo()
	lastErr := pkgerrors.New(pkgerrors.CodeGatewayTimeout, "still timing out")
	gw := &stubGateway{responses: []stubChargeResponse{
		{err: pkgerrors.New(pkgerrors.CodeDependency, "gateway unavailable")},
		{err: pkgerrors.New(pkgerrors.CodeDependency, "gateway unavailable")},
		{err: lastErr},
	}}
	publisher := &stubOutbox{}
	svc := newTestService(t, repo, gw, publisher)

	input := validInput()
	_, err := svc.ProcessPayment(context.Background(), input)
	if gw.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", gw.calls)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected last attempt error unchanged, got %v", err)
	}

	stored := repo.byKey[input.IdempotencyKey]
	if stored.Status != enums.PaymentStatusFailed {
		t.Fatalf("expected payment failed, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason == "" {
		t.Fatal("expected failure reason recorded")
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != enums.EventPaymentFailed {
		t.Fatalf("expected payment_failed event, got %+v", publisher.events)
	}
}

func TestProcessPayment_DeclinedFailsWithoutRetry(t *testing.T) {
	repo := newStubPaymentsRepo()
	declined := pkgerrors.New(pkgerrors.CodeDeclined, "card declined")
	gw := &stubGateway{responses: []stubChargeResponse{{err: declined}}}
	publisher := &stubOutbox{}
	svc := newTestService(t, repo, gw, publisher)

	input := validInput()
	_, err := svc.ProcessPayment(context.Background(), input)
	if gw.calls != 1 {
		t.Fatalf("declined charge must not retry, got %d attempts", gw.calls)
	}
	if !errors.Is(err, declined) {
		t.Fatalf("expected declined error unchanged, got %v", err)
	}
	if repo.byKey[input.IdempotencyKey].Status != enums.PaymentStatusFailed {
		t.Fatal("expected payment marked failed")
	}
}

func TestProcessPayment_DuplicateTransactionDetectedBeforeFinalize(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()

	// Another payment already owns the transaction id the gateway returns:
	// it deduplicated this charge against a previous one.
	txnID := "txn_dup"
	ownerKey := "pay_other_key"
	owner := &models.Payment{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		IdempotencyKey: ownerKey,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusCompleted,
		TransactionID:  &txnID,
	}
	repo.byKey[ownerKey] = owner
	repo.byID[owner.ID] = owner

	gw := successGateway(txnID)
	publisher := &stubOutbox{}
	svc := newTestService(t, repo, gw, publisher)

	_, err := svc.ProcessPayment(context.Background(), input)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDuplicateCharge {
		t.Fatalf("expected duplicate charge error, got %v", err)
	}
	if repo.byKey[input.IdempotencyKey].Status != enums.PaymentStatusFailed {
		t.Fatal("expected payment marked failed after duplicate transaction")
	}
	for _, updates := range repo.updates {
		if _, isCompletion := updates["transaction_id"]; isCompletion {
			t.Fatal("duplicate transaction must be caught before the finalize write")
		}
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected payment_failed event, got %d", len(publisher.events))
	}
}

func TestProcessPayment_DuplicateTransactionRaceRecoversInTransaction(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()

	// The dedup lookup misses, the finalize write trips the constraint, and
	// every later statement fails until the savepoint rollback lands. The
	// failure bookkeeping must still commit inside the same transaction.
	violated := false
	repo.updateByID = func(ctx context.Context, id uuid.UUID, updates map[string]any) error {
		if _, isCompletion := updates["transaction_id"]; isCompletion {
			violated = true
			return errors.New(`duplicate key value violates unique constraint "uq_payments_transaction_id"`)
		}
		if violated && len(repo.rollbacks) == 0 {
			return errors.New("current transaction is aborted, commands ignored until end of transaction block")
		}
		if payment, ok := repo.byID[id]; ok {
			if status, ok := updates["status"].(enums.PaymentStatus); ok {
				payment.Status = status
			}
		}
		return nil
	}
	gw := successGateway("txn_racy")
	publisher := &stubOutbox{}
	svc := newTestService(t, repo, gw, publisher)

	_, err := svc.ProcessPaymentTx(context.Background(), &gorm.DB{}, input)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDuplicateCharge {
		t.Fatalf("expected duplicate charge error, got %v", err)
	}
	if len(repo.rollbacks) != 1 || repo.rollbacks[0] != savepointFinalize {
		t.Fatalf("expected rollback to %q, got %v", savepointFinalize, repo.rollbacks)
	}
	if repo.byKey[input.IdempotencyKey].Status != enums.PaymentStatusFailed {
		t.Fatal("expected payment marked failed after duplicate transaction")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected payment_failed event, got %d", len(publisher.events))
	}
}

func TestProcessPayment_InsertRaceRecoversInAbortedTransaction(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()

	winner := &models.Payment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusCompleted,
	}
	raced := false
	repo.create = func(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
		raced = true
		return nil, errors.New(`duplicate key value violates unique constraint "uq_payments_idempotency_key"`)
	}
	// After the violation every statement fails until the savepoint rollback
	// lands; only then is the winner's row readable.
	repo.findByKey = func(ctx context.Context, key string) (*models.Payment, error) {
		if !raced {
			return nil, gorm.ErrRecordNotFound
		}
		if len(repo.rollbacks) == 0 {
			return nil, errors.New("current transaction is aborted, commands ignored until end of transaction block")
		}
		return winner, nil
	}

	gw := successGateway("txn_never")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPaymentTx(context.Background(), &gorm.DB{}, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Replayed || result.Payment.ID != winner.ID {
		t.Fatalf("expected winner replay, got %+v", result)
	}
	if len(repo.savepoints) == 0 || repo.savepoints[0] != savepointClaim {
		t.Fatalf("expected savepoint %q before the insert, got %v", savepointClaim, repo.savepoints)
	}
	if len(repo.rollbacks) != 1 || repo.rollbacks[0] != savepointClaim {
		t.Fatalf("expected rollback to %q, got %v", savepointClaim, repo.rollbacks)
	}
	if gw.calls != 0 {
		t.Fatal("loser of the insert race must not charge")
	}
}

func TestProcessPayment_InsertRaceReplaysWinner(t *testing.T) {
	repo := newStubPaymentsRepo()
	input := validInput()

	winner := &models.Payment{
		ID:             uuid.New(),
		UserID:         input.UserID,
		IdempotencyKey: input.IdempotencyKey,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         enums.PaymentStatusCompleted,
	}
	repo.create = func(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
		// Simulate a concurrent insert landing between the lookup and
		// this create.
		repo.byKey[input.IdempotencyKey] = winner
		repo.byID[winner.ID] = winner
		return nil, errors.New(`duplicate key value violates unique constraint "uq_payments_idempotency_key"`)
	}

	gw := successGateway("txn_z")
	svc := newTestService(t, repo, gw, &stubOutbox{})

	result, err := svc.ProcessPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Replayed || result.Payment.ID != winner.ID {
		t.Fatalf("expected winner replay, got %+v", result)
	}
	if gw.calls != 0 {
		t.Fatal("loser of the insert race must not charge")
	}
}

func TestProcessPayment_Validation(t *testing.T) {
	repo := newStubPaymentsRepo()
	svc := newTestService(t, repo, successGateway("txn"), &stubOutbox{})

	cases := []struct {
		name  string
		input ProcessPaymentInput
	}{
		{"missing user", ProcessPaymentInput{Amount: decimal.NewFromInt(10)}},
		{"zero amount", ProcessPaymentInput{UserID: uuid.New()}},
		{"negative amount", ProcessPaymentInput{UserID: uuid.New(), Amount: decimal.NewFromInt(-5)}},
		{"bad currency", ProcessPaymentInput{UserID: uuid.New(), Amount: decimal.NewFromInt(10), Currency: enums.Currency("XYZ")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ProcessPayment(context.Background(), tc.input)
			typed := pkgerrors.As(err)
			if typed == nil || typed.Code() != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestProcessPaymentTx_RequiresTransaction(t *testing.T) {
	repo := newStubPaymentsRepo()
	svc := newTestService(t, repo, successGateway("txn"), &stubOutbox{})

	_, err := svc.ProcessPaymentTx(context.Background(), nil, validInput())
	if err == nil {
		t.Fatal("expected error for nil transaction")
	}
}
