package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/channelhub/pkg/config"
)

func TestPrometheusProviderCounters(t *testing.T) {
	p := NewPrometheusProvider(&Config{Namespace: "test"})

	p.RecordTransportCall("subscribe", "success", 2*time.Millisecond)
	p.RecordTransportCall("subscribe", "error", time.Millisecond)
	p.RecordTransportCall("unsubscribe", "success", time.Millisecond)
	p.RecordPublish("success")
	p.RecordDelivery("delivered")
	p.RecordDelivery("delivered")
	p.RecordDelivery("dropped")
	p.UpdateChannels(3)
	p.UpdateSubscriptions(7)
	p.UpdateConnections(2)
	p.RecordPanic("Handler")

	assert.Equal(t, 1.0, testutil.ToFloat64(p.transportTotal.WithLabelValues("subscribe", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transportTotal.WithLabelValues("subscribe", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.publishTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.deliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.deliveriesTotal.WithLabelValues("dropped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.channels))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.subscriptions))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.panicsTotal.WithLabelValues("Handler")))
}

func TestPrometheusProvidersAreIndependent(t *testing.T) {
	a := NewPrometheusProvider(nil)
	b := NewPrometheusProvider(nil)

	a.RecordPublish("success")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.publishTotal.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.publishTotal.WithLabelValues("success")))
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheusProvider(&Config{Namespace: "hub"})
	p.UpdateChannels(1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "hub_channels_active 1")
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	p := NewPrometheusProvider(nil)
	handler := p.Middleware(func(r *http.Request) string { return "/api/channels/{channel}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels/game-1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requestTotal.WithLabelValues("GET", "/api/channels/{channel}", "418")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.requestsInFlight))
}

func TestNoOpProviderHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	(&NoOpProvider{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGlobalProvider(t *testing.T) {
	SetProvider(nil)
	assert.IsType(t, &NoOpProvider{}, GetProvider())

	p := NewPrometheusProvider(nil)
	SetProvider(p)
	t.Cleanup(func() { SetProvider(nil) })
	assert.Same(t, p, GetProvider())
}

func TestNewProviderFromConfig(t *testing.T) {
	assert.IsType(t, &NoOpProvider{}, NewProviderFromConfig(config.MetricsConfig{Enabled: false}))
	assert.IsType(t, &NoOpProvider{}, NewProviderFromConfig(config.MetricsConfig{Enabled: true, Provider: "noop"}))
	assert.IsType(t, &PrometheusProvider{}, NewProviderFromConfig(config.MetricsConfig{Enabled: true, Provider: "prometheus"}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.TransportBuckets)
	assert.NotEmpty(t, cfg.HTTPRequestBuckets)
}
