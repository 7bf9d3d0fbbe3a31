package middleware

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the audit query server.
const (
	MetricRateLimitRequests     = "guardrail_http_rate_limit_requests_total"
	MetricRateLimitBlocked      = "guardrail_http_rate_limit_blocked_total"
	MetricRateLimitStoreErrors  = "guardrail_http_rate_limit_store_errors_total"
	MetricHTTPRequestDuration   = "guardrail_http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "guardrail_http_requests_total"
	MetricHTTPResponseSizeBytes = "guardrail_http_response_size_bytes"
)

var httpLabels = []string{"method", "route", "status"}

// Metrics holds the HTTP collectors. Create with NewMetrics, then Register.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitStoreErrors prometheus.Counter
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpResponseSize     *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Rate limit checks per route.",
		}, []string{"route"}),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests answered 429 per route.",
		}, []string{"route"}),
		rateLimitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitStoreErrors,
			Help: "Rate limit store failures; the request was let through.",
		}),
		// Ledger export and verification are the slow paths, hence the
		// 10s and 30s buckets.
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "Request latency by route pattern.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30},
		}, httpLabels),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "Requests by route pattern and status.",
		}, httpLabels),
		httpResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "Response body size by route pattern.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, httpLabels),
	}
}

// Register adds every collector to reg and reports all failures together.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) IncRateLimitRequests(route string) {
	m.rateLimitRequests.WithLabelValues(route).Inc()
}

func (m *Metrics) IncRateLimitBlocked(route string) {
	m.rateLimitBlocked.WithLabelValues(route).Inc()
}

func (m *Metrics) IncRateLimitStoreErrors() {
	m.rateLimitStoreErrors.Inc()
}

// ObserveHTTPRequest records one finished request. route is the chi
// pattern, never the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, seconds float64, size int64) {
	m.httpRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpResponseSize.WithLabelValues(method, route, status).Observe(float64(size))
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitStoreErrors,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpResponseSize,
	}
}
