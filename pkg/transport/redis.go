package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// RedisTransport implements Transport on Redis pub/sub.
// A connection in subscribe mode cannot issue PUBLISH, so the transport keeps
// one client for SUBSCRIBE/UNSUBSCRIBE and a second one for PUBLISH.
type RedisTransport struct {
	cfg RedisTransportConfig

	subscriber *redis.Client
	publisher  *redis.Client
	pubsub     *redis.PubSub

	mu      sync.RWMutex
	handler MessageHandler

	wg        sync.WaitGroup
	connected atomic.Bool
	closed    atomic.Bool
}

// RedisTransportConfig configures the Redis transport
type RedisTransportConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolSize       int

	// ChannelSize is the buffer between the socket reader and the handler (default 100)
	ChannelSize int
}

// Addr returns host:port
func (c RedisTransportConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewRedisTransport creates an unconnected Redis transport
func NewRedisTransport(cfg RedisTransportConfig) *RedisTransport {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.ChannelSize == 0 {
		cfg.ChannelSize = 100
	}
	return &RedisTransport{cfg: cfg}
}

func (r *RedisTransport) Name() string { return "redis" }

func (r *RedisTransport) OnMessage(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *RedisTransport) newClient(role string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         r.cfg.Addr(),
		Username:     r.cfg.Username,
		Password:     r.cfg.Password,
		DB:           r.cfg.DB,
		DialTimeout:  r.cfg.ConnectTimeout,
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		PoolSize:     r.cfg.PoolSize,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Info("Redis %s connection established (%s)", role, r.cfg.Addr())
			return nil
		},
	})
}

// Connect creates both clients, verifies them with PING and starts the receive loop
func (r *RedisTransport) Connect(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.connected.Load() {
		return ErrAlreadyConnected
	}

	redis.SetLogger(redisLogger{})

	subscriber := r.newClient("subscriber")
	publisher := r.newClient("publisher")

	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	if err := subscriber.Ping(pingCtx).Err(); err != nil {
		_ = subscriber.Close()
		_ = publisher.Close()
		return fmt.Errorf("failed to connect Redis subscriber: %w", err)
	}
	if err := publisher.Ping(pingCtx).Err(); err != nil {
		_ = subscriber.Close()
		_ = publisher.Close()
		return fmt.Errorf("failed to connect Redis publisher: %w", err)
	}

	// No channels yet: subscriptions are added one at a time by the registry
	pubsub := subscriber.Subscribe(ctx)

	r.subscriber = subscriber
	r.publisher = publisher
	r.pubsub = pubsub

	msgs := pubsub.Channel(redis.WithChannelSize(r.cfg.ChannelSize))
	r.wg.Add(1)
	go r.receiveLoop(msgs)

	r.connected.Store(true)
	logger.Info("Redis transport connected (%s, db %d)", r.cfg.Addr(), r.cfg.DB)
	return nil
}

func (r *RedisTransport) ready() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (r *RedisTransport) Subscribe(ctx context.Context, channel string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.pubsub.Subscribe(ctx, channel); err != nil {
		// go-redis records the channel before the write, and would
		// resubscribe it on reconnect
		rollbackCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
		_ = r.pubsub.Unsubscribe(rollbackCtx, channel)
		cancel()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	return nil
}

func (r *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (r *RedisTransport) Publish(ctx context.Context, channel, message string) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	receivers, err := r.publisher.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return receivers, nil
}

func (r *RedisTransport) receiveLoop(msgs <-chan *redis.Message) {
	defer r.wg.Done()
	defer logger.CatchPanic("RedisTransport.receiveLoop")

	for msg := range msgs {
		r.mu.RLock()
		handler := r.handler
		r.mu.RUnlock()

		if handler == nil {
			continue
		}
		handler(msg.Channel, msg.Payload)
	}
	logger.Debug("Redis receive loop stopped")
}

// Close closes the pub/sub handle and both clients, then waits for the receive loop
func (r *RedisTransport) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !r.connected.Load() {
		return nil
	}

	var firstErr error
	if err := r.pubsub.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close Redis pubsub: %w", err)
	}
	if err := r.subscriber.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close Redis subscriber: %w", err)
	}
	if err := r.publisher.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close Redis publisher: %w", err)
	}

	r.wg.Wait()
	r.connected.Store(false)
	logger.Info("Redis transport closed")
	return firstErr
}

// redisLogger routes go-redis internal messages (dial failures, reconnects) to the process logger
type redisLogger struct{}

func (redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	logger.Warn("redis: "+format, v...)
}
