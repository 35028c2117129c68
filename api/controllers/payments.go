package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/payflow-backend/api/responses"
	"github.com/angelmondragon/payflow-backend/api/validators"
	"github.com/angelmondragon/payflow-backend/internal/payments"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/payflow-backend/pkg/errors"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
)

type createPaymentRequest struct {
	UserID         string          `json:"user_id" validate:"required,uuid"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Currency       string          `json:"currency,omitempty"`
	SourceID       string          `json:"source_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Note           string          `json:"note,omitempty" validate:"omitempty,max=500"`
}

type paymentResponse struct {
	ID             uuid.UUID           `json:"id"`
	IdempotencyKey string              `json:"idempotency_key"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       enums.Currency      `json:"currency"`
	Status         enums.PaymentStatus `json:"status"`
	TransactionID  *string             `json:"transaction_id,omitempty"`
	FailureReason  *string             `json:"failure_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	Message        string              `json:"message,omitempty"`
}

func newPaymentResponse(payment *models.Payment, message string) paymentResponse {
	return paymentResponse{
		ID:             payment.ID,
		IdempotencyKey: payment.IdempotencyKey,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Status:         payment.Status,
		TransactionID:  payment.TransactionID,
		FailureReason:  payment.FailureReason,
		CreatedAt:      payment.CreatedAt,
		Message:        message,
	}
}

// PaymentCreate settles a charge idempotently.
func PaymentCreate(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var req createPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user id"))
			return
		}

		input := payments.ProcessPaymentInput{
			UserID:         userID,
			Amount:         req.Amount,
			Currency:       enums.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
			SourceID:       req.SourceID,
			IdempotencyKey: idempotencyKeyFor(r, req.IdempotencyKey),
			Note:           req.Note,
		}

		result, err := svc.ProcessPayment(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, newPaymentResponse(result.Payment, result.Message))
	}
}

// PaymentDetail returns a single payment by id.
func PaymentDetail(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		raw := strings.TrimSpace(chi.URLParam(r, "paymentId"))
		paymentID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment id"))
			return
		}

		payment, err := svc.GetPayment(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentResponse(payment, ""))
	}
}

// idempotencyKeyFor prefers the Idempotency-Key header over the body field.
func idempotencyKeyFor(r *http.Request, bodyKey string) string {
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		return header
	}
	return strings.TrimSpace(bodyKey)
}
