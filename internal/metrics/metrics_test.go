package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgwjifeng/winvblock/irp"
)

type health bool

func (h health) Started() bool { return bool(h) }

func TestRecordDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDispatch(irp.MajorRead, irp.StatusSuccess, time.Millisecond)
	m.RecordDispatch(irp.MajorRead, irp.StatusSuccess, time.Millisecond)
	m.RecordDispatch(irp.MajorPnP, irp.StatusNoSuchDevice, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("READ", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("PNP", "NO_SUCH_DEVICE")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordDispatch(irp.MajorRead, irp.StatusSuccess, 0)
	})
}

func TestRegister(t *testing.T) {
	m := New(prometheus.NewRegistry())

	unregister, err := m.Register()
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Started))

	unregister()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Started))
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordDispatch(irp.MajorCreate, irp.StatusSuccess, time.Millisecond)

	tests := []struct {
		name    string
		path    string
		started bool
		code    int
		body    string
	}{
		{name: "metrics", path: "/metrics", started: true, code: http.StatusOK, body: `winvblock_requests_total{major="CREATE",status="SUCCESS"} 1`},
		{name: "healthy", path: "/health", started: true, code: http.StatusOK, body: `"ok"`},
		{name: "unhealthy", path: "/health", started: false, code: http.StatusServiceUnavailable, body: `"unavailable"`},
		{name: "not found", path: "/nope", started: true, code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(reg, health(tt.started)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}
