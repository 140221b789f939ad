package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/channelhub/pkg/config"
	"github.com/bitechdev/channelhub/pkg/registry"
	"github.com/bitechdev/channelhub/pkg/transport"
)

type testEnv struct {
	registry *registry.Registry
	gateway  *Gateway
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, transport.NewMemoryTransport(transport.MemoryOptions{}))
}

func newTestEnvWith(t *testing.T, tr transport.Transport) *testEnv {
	t.Helper()
	reg := registry.New(tr)
	require.NoError(t, reg.Init(context.Background()))

	gw := New(reg, config.GatewayConfig{SendBufferSize: 16})
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		gw.Shutdown()
		srv.Close()
		_ = reg.Teardown(context.Background())
	})
	return &testEnv{registry: reg, gateway: gw, server: srv}
}

func (e *testEnv) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	if identity != "" {
		url += "?identity=" + identity
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	welcome := readFrame(t, ws)
	require.Equal(t, MessageTypeWelcome, welcome.Type)
	if identity != "" {
		require.Equal(t, identity, welcome.Identity)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips frames until one of type typ arrives
func readUntil(t *testing.T, ws *websocket.Conn, typ MessageType) ServerMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readFrame(t, ws)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return ServerMessage{}
}

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func TestGateway_SubscribeAndReceive(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, ClientMessage{ID: "1", Type: MessageTypeSubscribe, Channel: "game-42"})
	resp := readUntil(t, alice, MessageTypeResponse)
	assert.Equal(t, "1", resp.ID)
	assert.True(t, resp.Success)

	send(t, bob, ClientMessage{ID: "2", Type: MessageTypeSubscribe, Channel: "game-42"})
	assert.True(t, readUntil(t, bob, MessageTypeResponse).Success)

	assert.Equal(t, []string{"alice", "bob"}, env.registry.Subscribers("game-42"))

	send(t, alice, ClientMessage{ID: "3", Type: MessageTypePublish, Channel: "game-42", Payload: "score-update"})

	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readUntil(t, ws, MessageTypeMessage)
		assert.Equal(t, "game-42", msg.Channel)
		assert.Equal(t, "score-update", msg.Payload)
	}
}

func TestGateway_PublishReportsReceivers(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "")

	send(t, ws, ClientMessage{ID: "p", Type: MessageTypePublish, Channel: "empty", Payload: "x"})
	resp := readUntil(t, ws, MessageTypeResponse)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Receivers)
	assert.Equal(t, int64(0), *resp.Receivers)
}

func TestGateway_Unsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "alice")

	send(t, ws, ClientMessage{ID: "1", Type: MessageTypeSubscribe, Channel: "lobby"})
	readUntil(t, ws, MessageTypeResponse)
	send(t, ws, ClientMessage{ID: "2", Type: MessageTypeUnsubscribe, Channel: "lobby"})
	resp := readUntil(t, ws, MessageTypeResponse)
	assert.True(t, resp.Success)

	assert.Empty(t, env.registry.Channels())
}

func TestGateway_InvalidFrames(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := readUntil(t, ws, MessageTypeResponse)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_message", resp.Error.Code)

	send(t, ws, ClientMessage{ID: "x", Type: MessageTypeSubscribe})
	resp = readUntil(t, ws, MessageTypeResponse)
	assert.Equal(t, "x", resp.ID)
	assert.Equal(t, "invalid_message", resp.Error.Code)

	send(t, ws, ClientMessage{ID: "y", Type: "explode", Channel: "c"})
	resp = readUntil(t, ws, MessageTypeResponse)
	assert.Equal(t, "invalid_message", resp.Error.Code)
}

func TestGateway_Ping(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "")

	send(t, ws, ClientMessage{ID: "ping-1", Type: MessageTypePing})
	pong := readUntil(t, ws, MessageTypePong)
	assert.Equal(t, "ping-1", pong.ID)
}

func TestGateway_DisconnectReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, ClientMessage{ID: "1", Type: MessageTypeSubscribe, Channel: "game-42"})
	readUntil(t, alice, MessageTypeResponse)
	send(t, bob, ClientMessage{ID: "2", Type: MessageTypeSubscribe, Channel: "game-42"})
	readUntil(t, bob, MessageTypeResponse)

	require.NoError(t, alice.Close())

	assert.Eventually(t, func() bool {
		return !env.registry.IsSubscribed("alice", "game-42")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bob"}, env.registry.Subscribers("game-42"))
	assert.Eventually(t, func() bool { return env.gateway.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	assert.Eventually(t, func() bool { return len(env.registry.Channels()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DuplicateIdentityRejected(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "alice")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?identity=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// gatedTransport holds transport unsubscribes until the gate is opened
type gatedTransport struct {
	*transport.MemoryTransport

	mu      sync.Mutex
	gate    chan struct{}
	entered chan string
}

func (g *gatedTransport) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedTransport) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gate)
}

func (g *gatedTransport) Unsubscribe(ctx context.Context, channel string) error {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case g.entered <- channel:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.MemoryTransport.Unsubscribe(ctx, channel)
}

func TestGateway_ReconnectWaitsForRelease(t *testing.T) {
	gated := &gatedTransport{
		MemoryTransport: transport.NewMemoryTransport(transport.MemoryOptions{}),
		entered:         make(chan string, 4),
	}
	env := newTestEnvWith(t, gated)
	ctx := context.Background()

	old := env.dial(t, "alice")
	send(t, old, ClientMessage{ID: "1", Type: MessageTypeSubscribe, Channel: "c1"})
	require.True(t, readUntil(t, old, MessageTypeResponse).Success)
	send(t, old, ClientMessage{ID: "2", Type: MessageTypeSubscribe, Channel: "c2"})
	require.True(t, readUntil(t, old, MessageTypeResponse).Success)

	gated.hold()
	require.NoError(t, old.Close())

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("release never reached the transport")
	}

	// While the old connection is still being released the identity is taken
	assert.True(t, env.gateway.manager.Has("alice"))
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?identity=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	gated.open()
	require.Eventually(t, func() bool { return !env.gateway.manager.Has("alice") }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, env.registry.Channels())

	fresh := env.dial(t, "alice")
	send(t, fresh, ClientMessage{ID: "3", Type: MessageTypeSubscribe, Channel: "c2"})
	require.True(t, readUntil(t, fresh, MessageTypeResponse).Success)
	assert.True(t, env.registry.IsSubscribed("alice", "c2"))

	_, err = env.registry.Publish(ctx, "c2", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", readUntil(t, fresh, MessageTypeMessage).Payload)
}

func TestGateway_CheckOrigin(t *testing.T) {
	gw := New(nil, config.GatewayConfig{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, gw.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, gw.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, gw.checkOrigin(req))
}

func TestErrorCode(t *testing.T) {
	code, _ := ErrorCode(registry.ErrInvalidChannel)
	assert.Equal(t, "invalid_channel", code)

	code, _ = ErrorCode(&registry.TransportError{Op: "subscribe", Channel: "c", Err: context.DeadlineExceeded})
	assert.Equal(t, "transport_error", code)

	code, _ = ErrorCode(context.Canceled)
	assert.Equal(t, "timeout", code)
}
