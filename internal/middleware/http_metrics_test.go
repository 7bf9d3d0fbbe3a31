package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func newMetricsRouter(m *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(HTTPMetrics(m))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"` + chi.URLParam(r, "id") + `"}`))
	})
	r.Get("/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return r
}

func TestHTTPMetrics_RouteLabels(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantRoute  string
		wantStatus string
	}{
		{name: "parameterised route", path: "/runs/run-1", wantRoute: "/runs/{id}", wantStatus: "200"},
		{name: "explicit status", path: "/audit/verify", wantRoute: "/audit/verify", wantStatus: "409"},
		{name: "unmatched path", path: "/nope/123", wantRoute: unmatchedRoute, wantStatus: "404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			handler := newMetricsRouter(m)

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			labels := prometheus.Labels{"method": "GET", "route": tt.wantRoute, "status": tt.wantStatus}
			if got := getCounterVecValue(t, m.httpRequestsTotal, labels); got != 1 {
				t.Errorf("requests%v = %v, want 1", labels, got)
			}
			if got := getHistogramCount(t, m.httpRequestDuration, labels); got != 1 {
				t.Errorf("duration samples%v = %d, want 1", labels, got)
			}
		})
	}
}

func TestHTTPMetrics_DistinctIDsShareSeries(t *testing.T) {
	m := NewMetrics()
	handler := newMetricsRouter(m)

	for _, id := range []string{"a", "b", "c"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
	}

	labels := prometheus.Labels{"method": "GET", "route": "/runs/{id}", "status": "200"}
	if got := getCounterVecValue(t, m.httpRequestsTotal, labels); got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
}

func TestHTTPMetrics_SkipsHealth(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	handler := newMetricsRouter(m)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == MetricHTTPRequestsTotal && len(mf.GetMetric()) > 0 {
			t.Errorf("health check recorded %d series", len(mf.GetMetric()))
		}
	}
}
