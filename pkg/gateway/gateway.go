// Package gateway exposes the channel registry over WebSocket. Every
// connection is a subscriber identity whose deliveries are written to the
// socket.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bitechdev/channelhub/pkg/config"
	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/metrics"
	"github.com/bitechdev/channelhub/pkg/registry"
)

// ChannelRegistry is the part of the registry the gateway drives
type ChannelRegistry interface {
	Subscribe(ctx context.Context, identity, channel string) error
	Unsubscribe(ctx context.Context, identity, channel string) error
	UnsubscribeAll(ctx context.Context, identity string) error
	Publish(ctx context.Context, channel, message string) (int64, error)
	RegisterDeliverer(identity string, d registry.Deliverer) error
	UnregisterDeliverer(identity string, d registry.Deliverer)
}

// Gateway upgrades HTTP requests to WebSocket connections and routes their frames to the registry
type Gateway struct {
	registry ChannelRegistry
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
	manager  *ConnectionManager
	metrics  metrics.Provider

	// releaseTimeout bounds the UnsubscribeAll issued when a connection closes
	releaseTimeout time.Duration
}

// New creates a gateway over reg. Zero config values are replaced with defaults.
func New(reg ChannelRegistry, cfg config.GatewayConfig) *Gateway {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}

	g := &Gateway{
		registry:       reg,
		cfg:            cfg,
		manager:        NewConnectionManager(),
		metrics:        metrics.GetProvider(),
		releaseTimeout: 10 * time.Second,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the request and starts the connection pumps.
// The identity is taken from the "identity" query parameter or generated.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = uuid.New().String()
	} else if g.manager.Has(identity) {
		http.Error(w, "identity already connected", http.StatusConflict)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Gateway failed to upgrade connection: %v", err)
		return
	}

	conn := NewConnection(identity, ws, g)
	if !g.manager.Register(conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity already connected"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	if err := g.registry.RegisterDeliverer(identity, conn); err != nil {
		g.manager.Unregister(conn)
		_ = ws.Close()
		return
	}
	g.metrics.UpdateConnections(g.manager.Count())

	welcome := &ServerMessage{Type: MessageTypeWelcome, Identity: identity, Timestamp: time.Now()}
	_ = conn.SendJSON(welcome)

	go conn.WritePump()
	go conn.ReadPump()

	logger.Info("Gateway connection established: %s", identity)
}

// HandleMessage executes one client frame and replies on conn
func (g *Gateway) HandleMessage(ctx context.Context, conn *Connection, msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		g.reply(conn, msg.ID, g.registry.Subscribe(ctx, conn.ID, msg.Channel), nil)

	case MessageTypeUnsubscribe:
		g.reply(conn, msg.ID, g.registry.Unsubscribe(ctx, conn.ID, msg.Channel), nil)

	case MessageTypePublish:
		receivers, err := g.registry.Publish(ctx, msg.Channel, msg.Payload)
		g.reply(conn, msg.ID, err, &receivers)

	case MessageTypePing:
		_ = conn.SendJSON(&ServerMessage{ID: msg.ID, Type: MessageTypePong, Timestamp: time.Now()})
	}
}

func (g *Gateway) reply(conn *Connection, id string, err error, receivers *int64) {
	if err != nil {
		code, message := ErrorCode(err)
		_ = conn.SendJSON(NewErrorResponse(id, code, message))
		return
	}
	resp := NewResponse(id)
	resp.Receivers = receivers
	_ = conn.SendJSON(resp)
}

// ErrorCode maps a registry error to a client-facing code and message
func ErrorCode(err error) (string, string) {
	var regErr *registry.RegistryError
	if errors.As(err, &regErr) {
		return regErr.Code, regErr.Message
	}
	var transportErr *registry.TransportError
	if errors.As(err, &transportErr) {
		return "transport_error", transportErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout", err.Error()
	}
	return "internal_error", err.Error()
}

// release drops everything the registry holds for conn. The identity stays
// registered with the manager until its subscriptions are gone, so a
// reconnect with the same identity is refused until then.
func (g *Gateway) release(conn *Connection) {
	g.registry.UnregisterDeliverer(conn.ID, conn)

	ctx, cancel := context.WithTimeout(context.Background(), g.releaseTimeout)
	defer cancel()
	if err := g.registry.UnsubscribeAll(ctx, conn.ID); err != nil && !errors.Is(err, registry.ErrClosed) {
		logger.Warn("Gateway failed to release subscriptions of %s: %v", conn.ID, err)
	}

	g.manager.Unregister(conn)
	g.metrics.UpdateConnections(g.manager.Count())
}

// ConnectionCount returns the number of live connections
func (g *Gateway) ConnectionCount() int {
	return g.manager.Count()
}

// Shutdown closes every live connection
func (g *Gateway) Shutdown() {
	g.manager.Shutdown()
}
