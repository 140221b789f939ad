package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// NATSTransport implements Transport on core NATS subjects.
// Channels map one-to-one onto subjects; NATS reports no receiver count so
// Publish always returns 0.
type NATSTransport struct {
	cfg NATSTransportConfig

	subConn *nats.Conn
	pubConn *nats.Conn

	mu            sync.RWMutex
	handler       MessageHandler
	subscriptions map[string]natsSubscription

	// flushSubscriber waits for the server to process the subscriber's commands
	flushSubscriber func(context.Context) error

	connected atomic.Bool
	closed    atomic.Bool
}

// natsSubscription is the part of *nats.Subscription the transport uses
type natsSubscription interface {
	Unsubscribe() error
}

// NATSTransportConfig configures the NATS transport
type NATSTransportConfig struct {
	URL            string
	Name           string
	Token          string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int

	// FlushTimeout bounds the server round trip after subscribe/unsubscribe
	// when the caller's context has no deadline (default 5s)
	FlushTimeout time.Duration
}

// NewNATSTransport creates an unconnected NATS transport
func NewNATSTransport(cfg NATSTransportConfig) *NATSTransport {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "channelhub"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = defaultOperationTimeout
	}
	return &NATSTransport{
		cfg:           cfg,
		subscriptions: make(map[string]natsSubscription),
	}
}

func (n *NATSTransport) Name() string { return "nats" }

func (n *NATSTransport) OnMessage(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

func (n *NATSTransport) connect(role string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(n.cfg.Name + "-" + role),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS %s connection lost: %v", role, err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS %s connection re-established (%s)", role, nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("NATS %s error on %s: %v", role, sub.Subject, err)
				return
			}
			logger.Error("NATS %s error: %v", role, err)
		}),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}
	return nats.Connect(n.cfg.URL, opts...)
}

func (n *NATSTransport) Connect(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.connected.Load() {
		return ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subConn, err := n.connect("subscriber")
	if err != nil {
		return fmt.Errorf("failed to connect NATS subscriber: %w", err)
	}
	pubConn, err := n.connect("publisher")
	if err != nil {
		subConn.Close()
		return fmt.Errorf("failed to connect NATS publisher: %w", err)
	}

	n.subConn = subConn
	n.pubConn = pubConn
	n.flushSubscriber = func(ctx context.Context) error {
		return n.flush(ctx, subConn)
	}
	n.connected.Store(true)
	logger.Info("NATS transport connected (%s)", n.cfg.URL)
	return nil
}

func (n *NATSTransport) ready() error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// flush waits for the server to process everything sent on conn
func (n *NATSTransport) flush(ctx context.Context, conn *nats.Conn) error {
	timeout, err := timeoutFrom(ctx, n.cfg.FlushTimeout)
	if err != nil {
		return err
	}
	return conn.FlushTimeout(timeout)
}

func (n *NATSTransport) Subscribe(ctx context.Context, channel string) error {
	if err := n.ready(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.subscriptions[channel]; exists {
		return nil
	}

	sub, err := n.subConn.Subscribe(channel, func(msg *nats.Msg) {
		n.mu.RLock()
		handler := n.handler
		n.mu.RUnlock()
		if handler != nil {
			handler(msg.Subject, string(msg.Data))
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := n.flushSubscriber(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	n.subscriptions[channel] = sub
	return nil
}

func (n *NATSTransport) Unsubscribe(ctx context.Context, channel string) error {
	if err := n.ready(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sub, exists := n.subscriptions[channel]
	if !exists {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", channel, err)
	}
	delete(n.subscriptions, channel)

	// The client stops delivering as soon as Unsubscribe returns, so the
	// channel is gone locally even if the server has not confirmed it yet
	if err := n.flushSubscriber(ctx); err != nil {
		logger.Warn("NATS unsubscribe %s not confirmed by server: %v", channel, err)
	}
	return nil
}

func (n *NATSTransport) Publish(ctx context.Context, channel, message string) (int64, error) {
	if err := n.ready(); err != nil {
		return 0, err
	}
	if err := n.pubConn.Publish(channel, []byte(message)); err != nil {
		return 0, fmt.Errorf("nats publish %s: %w", channel, err)
	}
	if err := n.flush(ctx, n.pubConn); err != nil {
		return 0, fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return 0, nil
}

func (n *NATSTransport) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !n.connected.Load() {
		return nil
	}

	n.mu.Lock()
	n.subscriptions = make(map[string]natsSubscription)
	n.mu.Unlock()

	var firstErr error
	if err := n.subConn.Drain(); err != nil {
		firstErr = fmt.Errorf("failed to drain NATS subscriber: %w", err)
	}
	n.pubConn.Close()
	n.connected.Store(false)
	logger.Info("NATS transport closed")
	return firstErr
}
