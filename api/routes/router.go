package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/payflow-backend/api/controllers"
	"github.com/angelmondragon/payflow-backend/api/middleware"
	"github.com/angelmondragon/payflow-backend/internal/orders"
	"github.com/angelmondragon/payflow-backend/internal/payments"
	"github.com/angelmondragon/payflow-backend/pkg/config"
	"github.com/angelmondragon/payflow-backend/pkg/logger"
	"github.com/angelmondragon/payflow-backend/pkg/redis"
)

// RouterParams carry everything the HTTP surface depends on.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    *redis.Client
	Payments payments.Service
	Orders   orders.Service
	Metrics  prometheus.Gatherer
}

func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(params.Logger),
		middleware.RequestID(params.Logger),
		middleware.Logging(params.Logger),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(params.Config))
		r.Get("/ready", controllers.HealthReady(params.Config, params.Logger, params.DB, params.Redis))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(params.Redis, params.Logger))

		r.Post("/payments", controllers.PaymentCreate(params.Payments, params.Logger))
		r.Get("/payments/{paymentId}", controllers.PaymentDetail(params.Payments, params.Logger))
		r.Post("/orders", controllers.OrderCreate(params.Orders, params.Logger))
		r.Get("/orders/{orderId}", controllers.OrderDetail(params.Orders, params.Logger))
	})

	return r
}
