package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProvider implements the Provider interface using Prometheus.
// Each provider owns its registry so several can coexist in one process.
type PrometheusProvider struct {
	registry *prometheus.Registry

	transportDuration *prometheus.HistogramVec
	transportTotal    *prometheus.CounterVec
	publishTotal      *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	channels          prometheus.Gauge
	subscriptions     prometheus.Gauge
	connections       prometheus.Gauge
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	requestsInFlight  prometheus.Gauge
	panicsTotal       *prometheus.CounterVec
}

// NewPrometheusProvider creates a new Prometheus metrics provider.
// A nil config uses DefaultConfig.
func NewPrometheusProvider(cfg *Config) *PrometheusProvider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	ns := cfg.Namespace

	p := &PrometheusProvider{
		registry: prometheus.NewRegistry(),
		transportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "transport_call_duration_seconds",
				Help:      "Pub/sub transport call duration in seconds",
				Buckets:   cfg.TransportBuckets,
			},
			[]string{"operation"},
		),
		transportTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "transport_calls_total",
				Help:      "Total number of pub/sub transport calls",
			},
			[]string{"operation", "status"},
		),
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "publish_total",
				Help:      "Total number of publish requests",
			},
			[]string{"status"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "deliveries_total",
				Help:      "Total number of per-identity message deliveries by outcome",
			},
			[]string{"outcome"},
		),
		channels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "channels_active",
				Help:      "Number of channels with an active transport subscription",
			},
		),
		subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "subscriptions_active",
				Help:      "Number of tracked identity/channel subscriptions",
			},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "gateway_connections",
				Help:      "Number of live gateway connections",
			},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   cfg.HTTPRequestBuckets,
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		panicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"method"},
		),
	}

	p.registry.MustRegister(
		p.transportDuration,
		p.transportTotal,
		p.publishTotal,
		p.deliveriesTotal,
		p.channels,
		p.subscriptions,
		p.connections,
		p.requestDuration,
		p.requestTotal,
		p.requestsInFlight,
		p.panicsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// Registry exposes the underlying registry, mainly for tests
func (p *PrometheusProvider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusProvider) RecordTransportCall(operation, status string, duration time.Duration) {
	p.transportDuration.WithLabelValues(operation).Observe(duration.Seconds())
	p.transportTotal.WithLabelValues(operation, status).Inc()
}

func (p *PrometheusProvider) RecordPublish(status string) {
	p.publishTotal.WithLabelValues(status).Inc()
}

func (p *PrometheusProvider) RecordDelivery(outcome string) {
	p.deliveriesTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusProvider) UpdateChannels(count int) {
	p.channels.Set(float64(count))
}

func (p *PrometheusProvider) UpdateSubscriptions(count int) {
	p.subscriptions.Set(float64(count))
}

func (p *PrometheusProvider) UpdateConnections(count int) {
	p.connections.Set(float64(count))
}

func (p *PrometheusProvider) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	p.requestTotal.WithLabelValues(method, path, status).Inc()
}

func (p *PrometheusProvider) RecordPanic(methodName string) {
	p.panicsTotal.WithLabelValues(methodName).Inc()
}

// Handler serves this provider's registry
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ResponseWriter wraps http.ResponseWriter to capture status code
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// StatusCode returns the captured status code
func (rw *ResponseWriter) StatusCode() int {
	return rw.statusCode
}

// Middleware returns an HTTP middleware that collects request metrics.
// pathLabel maps a request to a low-cardinality label (e.g. the route template).
func (p *PrometheusProvider) Middleware(pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			p.requestsInFlight.Inc()
			defer p.requestsInFlight.Dec()

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if pathLabel != nil {
				path = pathLabel(r)
			}
			p.RecordHTTPRequest(r.Method, path, strconv.Itoa(rw.statusCode), time.Since(start))
		})
	}
}
