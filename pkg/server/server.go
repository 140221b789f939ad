// Package server runs the HTTP listener with request draining, health and
// readiness endpoints and ordered shutdown callbacks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/bitechdev/channelhub/pkg/config"
	"github.com/bitechdev/channelhub/pkg/logger"
)

// ShutdownCallback is called during shutdown before the listener closes
type ShutdownCallback func(context.Context) error

// ReadyCheck reports whether the process can take traffic
type ReadyCheck func() bool

// GracefulServer wraps http.Server with request draining
type GracefulServer struct {
	server           *http.Server
	shutdownTimeout  time.Duration
	drainTimeout     time.Duration
	inFlightRequests atomic.Int64
	isShuttingDown   atomic.Bool
	shutdownOnce     sync.Once
	shutdownErr      error
	shutdownComplete chan struct{}

	mu        sync.Mutex
	callbacks []ShutdownCallback
	ready     ReadyCheck
}

// Config holds configuration for the graceful server
type Config struct {
	Addr    string
	Handler http.Handler
	GZIP    bool

	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests. Default: 25 seconds
	DrainTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FromServerConfig builds a Config from the process configuration
func FromServerConfig(sc config.ServerConfig, handler http.Handler) Config {
	return Config{
		Addr:            sc.Addr,
		Handler:         handler,
		GZIP:            sc.GZIP,
		ShutdownTimeout: sc.ShutdownTimeout,
		DrainTimeout:    sc.DrainTimeout,
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     sc.IdleTimeout,
	}
}

// NewGracefulServer creates a new graceful server
func NewGracefulServer(cfg Config) *GracefulServer {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 25 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	// WriteTimeout stays 0 when unset: it would cut long-lived WebSocket
	// connections.

	handler := cfg.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if cfg.GZIP {
		handler = gzhttp.GzipHandler(handler)
	}

	gs := &GracefulServer{
		shutdownTimeout:  cfg.ShutdownTimeout,
		drainTimeout:     cfg.DrainTimeout,
		shutdownComplete: make(chan struct{}),
	}
	gs.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      gs.TrackRequestsMiddleware(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return gs
}

// SetReadyCheck installs the readiness probe used by ReadinessHandler
func (gs *GracefulServer) SetReadyCheck(check ReadyCheck) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.ready = check
}

// RegisterShutdownCallback adds a callback run, in registration order, when
// Shutdown starts
func (gs *GracefulServer) RegisterShutdownCallback(cb ShutdownCallback) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.callbacks = append(gs.callbacks, cb)
}

// TrackRequestsMiddleware counts in-flight requests and rejects new ones
// during shutdown
func (gs *GracefulServer) TrackRequestsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gs.isShuttingDown.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"service_unavailable","message":"Server is shutting down"}`))
			return
		}

		gs.inFlightRequests.Add(1)
		defer gs.inFlightRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// ListenAndServe listens on the configured address and blocks until the
// server stops. It returns nil after a graceful shutdown.
func (gs *GracefulServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", gs.server.Addr, err)
	}
	return gs.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (gs *GracefulServer) Serve(ln net.Listener) error {
	logger.Info("Starting server on %s", ln.Addr().String())
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown runs the shutdown callbacks, drains in-flight requests and closes
// the listener. Only the first call does any work.
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	gs.shutdownOnce.Do(func() {
		logger.Info("Starting graceful shutdown...")
		gs.isShuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(ctx, gs.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := gs.runCallbacks(shutdownCtx); err != nil {
			errs = append(errs, err)
		}

		drainCtx, drainCancel := context.WithTimeout(shutdownCtx, gs.drainTimeout)
		defer drainCancel()
		if err := gs.drainRequests(drainCtx); err != nil {
			logger.Error("Error draining requests: %v", err)
			errs = append(errs, err)
		}

		logger.Info("Shutting down HTTP server...")
		if err := gs.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down server: %v", err)
			errs = append(errs, err)
		}

		gs.shutdownErr = errors.Join(errs...)
		logger.Info("Graceful shutdown complete")
		close(gs.shutdownComplete)
	})
	return gs.shutdownErr
}

func (gs *GracefulServer) runCallbacks(ctx context.Context) error {
	gs.mu.Lock()
	callbacks := make([]ShutdownCallback, len(gs.callbacks))
	copy(callbacks, gs.callbacks)
	gs.mu.Unlock()

	var errs []error
	for i, cb := range callbacks {
		logger.Debug("Executing shutdown callback %d/%d", i+1, len(callbacks))
		if err := cb(ctx); err != nil {
			logger.Error("Shutdown callback %d failed: %v", i+1, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (gs *GracefulServer) drainRequests(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for {
		inFlight := gs.inFlightRequests.Load()
		if inFlight == 0 {
			logger.Info("All requests drained in %v", time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("Drain timeout exceeded with %d requests still in flight", inFlight)
			return fmt.Errorf("drain timeout exceeded: %d requests still in flight", inFlight)
		case <-ticker.C:
			logger.Debug("Waiting for %d in-flight requests to complete...", inFlight)
		}
	}
}

// InFlightRequests returns the current number of in-flight requests
func (gs *GracefulServer) InFlightRequests() int64 {
	return gs.inFlightRequests.Load()
}

// IsShuttingDown reports whether Shutdown has started
func (gs *GracefulServer) IsShuttingDown() bool {
	return gs.isShuttingDown.Load()
}

// Wait blocks until shutdown is complete
func (gs *GracefulServer) Wait() {
	<-gs.shutdownComplete
}

// HealthCheckHandler responds 200 while serving and 503 once shutdown starts
func (gs *GracefulServer) HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if gs.IsShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"shutting_down"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
			logger.Warn("Failed to write. %v", err)
		}
	}
}

// ReadinessHandler responds 200 when the ready check passes and the server is
// not shutting down
func (gs *GracefulServer) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if gs.IsShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false,"reason":"shutting_down"}`))
			return
		}

		gs.mu.Lock()
		check := gs.ready
		gs.mu.Unlock()
		if check != nil && !check() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false,"reason":"not_ready"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"in_flight_requests":%d}`, gs.InFlightRequests())
	}
}
