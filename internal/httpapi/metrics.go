package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Admin routes. They double as the only values of the route label.
const (
	routeModels   = "/models"
	routeStatus   = "/status"
	routeLoad     = "/models/{id}/load"
	routeUnload   = "/models/{id}/unload"
	routeDownload = "/downloads/{filename}"
	routeHealthz  = "/healthz"
	routeReadyz   = "/readyz"
	routeMetrics  = "/metrics"

	routeUnmatched = "unmatched"
)

var adminRoutes = map[string]bool{
	routeModels: true, routeStatus: true, routeLoad: true, routeUnload: true,
	routeDownload: true, routeHealthz: true, routeReadyz: true, routeMetrics: true,
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	// loads counts POST /models/{id}/load by outcome.
	loads *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	return &httpMetrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localmodeld",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localmodeld",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request latency by route.",
			// Loads can take minutes while weights are read.
			Buckets: []float64{.005, .05, .25, 1, 5, 15, 60, 180},
		}, []string{"route", "method"})),
		inflight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmodeld",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Admin HTTP requests being served.",
		})),
		loads: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localmodeld",
			Subsystem: "http",
			Name:      "load_requests_total",
			Help:      "Load requests by outcome.",
		}, []string{"outcome"})),
	}
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so several muxes can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inflight.Inc()
		defer m.inflight.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		route := routeLabel(r)
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(sr.status)).Inc()
		m.duration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routeLabel maps a request to its admin route once chi has matched it.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); adminRoutes[p] {
			return p
		}
	}
	return routeUnmatched
}

// loadOutcome names the result of a load for the load counter.
func loadOutcome(status int) string {
	switch status {
	case http.StatusOK:
		return "loaded"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	case statusClientClosed:
		return "client_gone"
	}
	return "error"
}

// statusRecorder captures the response status for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
