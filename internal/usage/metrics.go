package usage

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus registry for gateway usage and
// routing observability: one struct of pre-registered vectors, built once
// at startup and threaded through the request path instead of touching
// the default global registry.
type Metrics struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestLatencyMS   *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	CostUSDTotal       *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	AdmissionRejected  *prometheus.CounterVec
	CacheLookupsTotal  *prometheus.CounterVec
	ProviderHealth     *prometheus.GaugeVec
	InFlightRequests   prometheus.Gauge
}

// NewMetrics builds and registers every gateway metric against a private
// registry, so tests can construct independent Metrics instances without
// colliding on prometheus's package-level default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_requests_total",
			Help: "Total chat completion requests routed through the gateway",
		}, []string{"intent", "strategy", "provider", "model", "status"}),
		RequestLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omen_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"intent", "strategy", "provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_tokens_total",
			Help: "Total tokens consumed",
		}, []string{"provider", "model", "direction"}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_cost_usd_total",
			Help: "Estimated USD cost attributed to completed requests",
		}, []string{"provider", "model", "principal_id"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_rate_limited_total",
			Help: "Requests rejected by the per-principal rate limiter",
		}, []string{"principal_id"}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_admission_rejected_total",
			Help: "Requests rejected at admission, by reason",
		}, []string{"reason"}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omen_cache_lookups_total",
			Help: "Response cache lookups, by outcome",
		}, []string{"outcome"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omen_provider_health",
			Help: "Provider health state (0=down, 1=degraded, 2=healthy)",
		}, []string{"provider"}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omen_in_flight_requests",
			Help: "Requests currently being served",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatencyMS,
		m.TokensTotal,
		m.CostUSDTotal,
		m.RateLimitedTotal,
		m.AdmissionRejected,
		m.CacheLookupsTotal,
		m.ProviderHealth,
		m.InFlightRequests,
	)
	return m
}

// Handler exposes the registry in Prometheus text exposition format for
// the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// HealthGaugeValue maps a registry health state name to the gauge value
// ProviderHealth expects.
func HealthGaugeValue(state string) float64 {
	switch state {
	case "healthy":
		return 2
	case "degraded":
		return 1
	default:
		return 0
	}
}
