package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/channelhub/pkg/config"
)

func TestGracefulServerTrackRequests(t *testing.T) {
	release := make(chan struct{})
	srv := NewGracefulServer(Config{
		Addr: ":0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.WriteHeader(http.StatusOK)
		}),
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.server.Handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
		}()
	}

	assert.Eventually(t, func() bool { return srv.InFlightRequests() == 5 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int64(0), srv.InFlightRequests())
}

func TestGracefulServerRejectsRequestsDuringShutdown(t *testing.T) {
	srv := NewGracefulServer(Config{
		Addr: ":0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	srv.isShuttingDown.Store(true)

	w := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "service_unavailable")
}

func TestHealthCheckHandler(t *testing.T) {
	srv := NewGracefulServer(Config{Addr: ":0"})
	handler := srv.HealthCheckHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	srv.isShuttingDown.Store(true)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessHandler(t *testing.T) {
	srv := NewGracefulServer(Config{Addr: ":0"})
	ready := false
	srv.SetReadyCheck(func() bool { return ready })
	handler := srv.ReadinessHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not_ready")

	ready = true
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ready":true,"in_flight_requests":0}`, w.Body.String())

	srv.isShuttingDown.Store(true)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shutting_down")
}

func TestShutdownRunsCallbacksInOrder(t *testing.T) {
	srv := NewGracefulServer(Config{Addr: ":0"})

	var order []int
	srv.RegisterShutdownCallback(func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	srv.RegisterShutdownCallback(func(ctx context.Context) error {
		order = append(order, 2)
		return errors.New("flush failed")
	})
	srv.RegisterShutdownCallback(func(ctx context.Context) error {
		order = append(order, 3)
		return nil
	})

	err := srv.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.True(t, srv.IsShuttingDown())

	// Second call is a no-op returning the same result
	assert.Equal(t, err, srv.Shutdown(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, order)
	srv.Wait()
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewGracefulServer(Config{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "hello")
		}),
		DrainTimeout: time.Second,
	})

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hello", string(body))

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestDrainTimeout(t *testing.T) {
	srv := NewGracefulServer(Config{Addr: ":0", DrainTimeout: 50 * time.Millisecond})
	srv.inFlightRequests.Add(1)

	err := srv.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout exceeded")
}

func TestGZIP(t *testing.T) {
	payload := strings.Repeat("channelhub ", 200)
	srv := NewGracefulServer(FromServerConfig(config.ServerConfig{Addr: ":0", GZIP: true},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, payload)
		})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(w, req)

	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Less(t, w.Body.Len(), len(payload))
}

func TestFromServerConfig(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{
		Addr:            ":9000",
		ShutdownTimeout: 5 * time.Second,
		DrainTimeout:    4 * time.Second,
	}, nil)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 4*time.Second, cfg.DrainTimeout)

	srv := NewGracefulServer(cfg)
	assert.Equal(t, 5*time.Second, srv.shutdownTimeout)
	assert.Equal(t, time.Duration(0), srv.server.WriteTimeout)
}
