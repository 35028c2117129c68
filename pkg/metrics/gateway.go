package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks charge attempts against the external gateway.
type GatewayMetrics struct {
	duration *prometheus.HistogramVec
	attempts *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

// NewGatewayMetrics registers the gateway metrics on the provided registerer.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		return &GatewayMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_charge_duration_seconds",
		Help:    "Duration of gateway charge calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_charge_attempts",
		Help: "Gateway charge attempts by outcome.",
	}, []string{"outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_charge_retries",
		Help: "Retried gateway charge attempts by error code.",
	}, []string{"code"})
	reg.MustRegister(duration, attempts, retries)
	return &GatewayMetrics{
		duration: duration,
		attempts: attempts,
		retries:  retries,
	}
}

// ObserveCharge records a finished charge call with its outcome label.
func (g *GatewayMetrics) ObserveCharge(outcome string, duration time.Duration) {
	if g == nil || g.duration == nil {
		return
	}
	label := normalizeLabel(outcome)
	g.duration.WithLabelValues(label).Observe(duration.Seconds())
	g.attempts.WithLabelValues(label).Inc()
}

// IncRetry increments the retry counter for the given error code.
func (g *GatewayMetrics) IncRetry(code string) {
	if g == nil || g.retries == nil {
		return
	}
	g.retries.WithLabelValues(normalizeLabel(code)).Inc()
}
