// Package metrics exports winvblock dispatch metrics to Prometheus and
// serves them, with a health probe, over HTTP.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/irp"
)

// Metrics tracks dispatched requests.  It implements driver.Metrics.
//
// All metrics use the winvblock_ prefix.
type Metrics struct {
	// RequestsTotal counts requests by major and final status.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks how long dispatch took, by major.  For pending
	// requests this is the time until the handler deferred completion.
	RequestDuration *prometheus.HistogramVec

	// Started is 1 while the driver is registered as in use.
	Started prometheus.Gauge
}

var (
	_ driver.Metrics       = &Metrics{}
	_ driver.StateNotifier = &Metrics{}
)

// New creates Metrics registered with reg.  It panics if registration
// fails.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "winvblock_requests_total",
				Help: "Total dispatched requests by major and status",
			},
			[]string{"major", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "winvblock_dispatch_duration_seconds",
				Help:    "Request dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"major"},
		),
		Started: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "winvblock_driver_started",
				Help: "Whether the driver is started",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Started)
	return m
}

// RecordDispatch implements driver.Metrics.
func (m *Metrics) RecordDispatch(major irp.Major, status irp.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(major.String(), status.String()).Inc()
	m.RequestDuration.WithLabelValues(major.String()).Observe(d.Seconds())
}

// Register implements driver.StateNotifier.
func (m *Metrics) Register() (func(), error) {
	m.Started.Set(1)
	return func() { m.Started.Set(0) }, nil
}

// Health reports whether the driver is up.
type Health interface {
	Started() bool
}

// NewRouter returns the HTTP handler serving:
//   - GET /metrics - Prometheus metrics gathered from g
//   - GET /health - 200 when h is started, 503 otherwise
func NewRouter(g prometheus.Gatherer, h Health) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		status, code := "ok", http.StatusOK
		if !h.Started() {
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	return r
}
