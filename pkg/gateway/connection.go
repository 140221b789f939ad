package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/registry"
)

const writeWait = 10 * time.Second

var (
	// ErrConnectionClosed is returned when sending to a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a slow client has not drained its buffer
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection is one WebSocket client. Its ID is the registry identity, and
// it is registered as that identity's Deliverer.
type Connection struct {
	// ID is the subscriber identity
	ID string

	ws      *websocket.Conn
	send    chan []byte
	gateway *Gateway

	ctx    context.Context
	cancel context.CancelFunc

	closedOnce  sync.Once
	connectedAt time.Time
}

// NewConnection wraps an upgraded WebSocket
func NewConnection(id string, ws *websocket.Conn, g *Gateway) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:          id,
		ws:          ws,
		send:        make(chan []byte, g.cfg.SendBufferSize),
		gateway:     g,
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
}

// Deliver queues a channel message for the client without blocking
func (c *Connection) Deliver(ctx context.Context, msg registry.Message) error {
	return c.SendJSON(NewDelivery(msg.Channel, msg.Payload, msg.ReceivedAt))
}

// Send queues a raw frame
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendJSON encodes and queues a frame
func (c *Connection) SendJSON(msg *ServerMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Send(data)
}

// ReadPump reads client frames until the socket fails, then closes the connection
func (c *Connection) ReadPump() {
	defer c.Close()
	defer logger.CatchPanic("gateway.Connection.ReadPump")

	pongTimeout := c.gateway.cfg.PongTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("Gateway connection %s read error: %v", c.ID, err)
			}
			return
		}
		c.handleFrame(data)
	}
}

// WritePump writes queued frames and keepalive pings. Each frame is one WebSocket message.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.gateway.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Connection) handleFrame(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		logger.Debug("Gateway connection %s sent unparsable frame: %v", c.ID, err)
		_ = c.SendJSON(NewErrorResponse("", "invalid_message", "Failed to parse message"))
		return
	}
	if !msg.IsValid() {
		_ = c.SendJSON(NewErrorResponse(msg.ID, "invalid_message", "Message validation failed"))
		return
	}
	c.gateway.HandleMessage(c.ctx, c, msg)
}

// Close tears the connection down once: the identity leaves every channel
// and stops receiving deliveries
func (c *Connection) Close() {
	c.closedOnce.Do(func() {
		c.cancel()
		c.gateway.release(c)
		_ = c.ws.Close()
		logger.Info("Gateway connection %s closed (open for %s)", c.ID, time.Since(c.connectedAt).Round(time.Second))
	})
}

// Done is closed when the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
