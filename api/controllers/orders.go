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
	"github.com/angelmondragon/payflow-backend/internal/orders"
	"github.com/angelmondragon/payflow-backend/pkg/db/models"
	"github.com/angelmondragon/payflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/payflow-backend/pkg/errors"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/types"
)

type orderItemRequest struct {
	SKU       string          `json:"sku" validate:"required"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"required"`
}

type createOrderRequest struct {
	UserID         string             `json:"user_id" validate:"required,uuid"`
	Items          []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalAmount    decimal.Decimal    `json:"total_amount,omitempty"`
	Currency       string             `json:"currency,omitempty"`
	SourceID       string             `json:"source_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

type orderResponse struct {
	ID             uuid.UUID         `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         enums.OrderStatus `json:"status"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	Currency       enums.Currency    `json:"currency"`
	Items          types.OrderItems  `json:"items,omitempty"`
	PaymentID      *uuid.UUID        `json:"payment_id,omitempty"`
	TransactionID  *string           `json:"transaction_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Message        string            `json:"message,omitempty"`
}

func newOrderResponse(order *models.Order, payment *models.Payment, message string) orderResponse {
	resp := orderResponse{
		ID:             order.ID,
		IdempotencyKey: order.IdempotencyKey,
		Status:         order.Status,
		TotalAmount:    order.TotalAmount,
		Currency:       order.Currency,
		Items:          order.Items,
		CreatedAt:      order.CreatedAt,
		Message:        message,
	}
	if payment == nil {
		payment = order.Payment
	}
	if payment != nil {
		paymentID := payment.ID
		resp.PaymentID = &paymentID
		resp.TransactionID = payment.TransactionID
	}
	return resp
}

// OrderCreate places an order and settles its payment atomically.
func OrderCreate(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user id"))
			return
		}

		items := make(types.OrderItems, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, types.OrderItem{
				SKU:       item.SKU,
				Name:      item.Name,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			})
		}

		input := orders.CreateOrderInput{
			UserID:         userID,
			Items:          items,
			TotalAmount:    req.TotalAmount,
			Currency:       enums.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
			SourceID:       req.SourceID,
			IdempotencyKey: idempotencyKeyFor(r, req.IdempotencyKey),
		}

		result, effects, err := svc.CreateOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orders.RunEffects(r.Context(), effects)

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, newOrderResponse(result.Order, result.Payment, result.Message))
	}
}

// OrderDetail returns a single order with its payment by id.
func OrderDetail(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
		orderID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id"))
			return
		}

		order, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderResponse(order, nil, ""))
	}
}
