package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/channelhub/pkg/registry"
	"github.com/bitechdev/channelhub/pkg/transport"
)

func newTestRouter(t *testing.T) (*mux.Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(transport.NewMemoryTransport(transport.MemoryOptions{}))
	require.NoError(t, reg.Init(context.Background()))
	t.Cleanup(func() { _ = reg.Teardown(context.Background()) })

	router := NewRouter(NewHandler(reg), RouterOptions{
		Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	return router, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestSubscribeListAndUnsubscribe(t *testing.T) {
	router, reg := newTestRouter(t)

	rec, body := do(t, router, http.MethodPut, "/api/channels/game-42/subscribers/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "subscribed", body["status"])

	rec, _ = do(t, router, http.MethodPut, "/api/channels/game-42/subscribers/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alice", "bob"}, reg.Subscribers("game-42"))

	rec, body = do(t, router, http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	channels := body["channels"].([]interface{})
	first := channels[0].(map[string]interface{})
	assert.Equal(t, "game-42", first["channel"])
	assert.Equal(t, float64(2), first["subscribers"])

	rec, body = do(t, router, http.MethodGet, "/api/channels/game-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"alice", "bob"}, body["identities"])

	rec, _ = do(t, router, http.MethodDelete, "/api/channels/game-42/subscribers/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, router, http.MethodDelete, "/api/channels/game-42/subscribers/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, router, http.MethodGet, "/api/channels/game-42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "channel_not_found", body["error"])
}

func TestPublishEndpoint(t *testing.T) {
	router, reg := newTestRouter(t)

	got := make(chan registry.Message, 4)
	require.NoError(t, reg.RegisterDeliverer("alice", registry.DelivererFunc(func(ctx context.Context, msg registry.Message) error {
		got <- msg
		return nil
	})))
	require.NoError(t, reg.Subscribe(context.Background(), "alice", "game-42"))

	rec, body := do(t, router, http.MethodPost, "/api/channels/game-42/publish", `{"message":"score-update"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["receivers"])

	select {
	case msg := <-got:
		assert.Equal(t, "score-update", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Anything else is published verbatim
	rec, _ = do(t, router, http.MethodPost, "/api/channels/game-42/publish", `{"score":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case msg := <-got:
		assert.Equal(t, `{"score":3}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, body := do(t, router, http.MethodPost, "/api/channels/empty/publish", "plain text")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["receivers"])
}

func TestStatsAndRouting(t *testing.T) {
	router, _ := newTestRouter(t)

	do(t, router, http.MethodPut, "/api/channels/a/subscribers/alice", "")

	rec, body := do(t, router, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", body["transport"])
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["channels"])
	assert.Equal(t, float64(1), stats["subscriptions"])

	rec, _ = do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, router, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])

	rec, _ = do(t, router, http.MethodPatch, "/api/channels", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// failingRegistry returns the configured error from every mutating call
type failingRegistry struct {
	err error
}

func (f *failingRegistry) Subscribe(ctx context.Context, identity, channel string) error {
	return f.err
}
func (f *failingRegistry) Unsubscribe(ctx context.Context, identity, channel string) error {
	return f.err
}
func (f *failingRegistry) Publish(ctx context.Context, channel, message string) (int64, error) {
	return 0, f.err
}
func (f *failingRegistry) Channels() []string                { return nil }
func (f *failingRegistry) Subscribers(channel string) []string { return nil }
func (f *failingRegistry) Stats() registry.Stats              { return registry.Stats{} }
func (f *failingRegistry) TransportName() string              { return "failing" }

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid identity", registry.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity"},
		{"invalid channel", registry.ErrInvalidChannel, http.StatusBadRequest, "invalid_channel"},
		{"closed", registry.ErrClosed, http.StatusServiceUnavailable, "closed"},
		{"not started", registry.ErrNotStarted, http.StatusServiceUnavailable, "not_started"},
		{"transport", &registry.TransportError{Op: "subscribe", Channel: "c", Err: errors.New("down")}, http.StatusBadGateway, "transport_error"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(NewHandler(&failingRegistry{err: tt.err}), RouterOptions{})
			rec, body := do(t, router, http.MethodPut, "/api/channels/c/subscribers/alice", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["error"])

			rec, body = do(t, router, http.MethodPost, "/api/channels/c/publish", "x")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestExtractMessage(t *testing.T) {
	assert.Equal(t, "hi", extractMessage([]byte(`{"message":"hi"}`)))
	assert.Equal(t, `{"message":42}`, extractMessage([]byte(`{"message":42}`)))
	assert.Equal(t, "raw text", extractMessage([]byte("raw text")))
	assert.Equal(t, "", extractMessage(nil))
}
