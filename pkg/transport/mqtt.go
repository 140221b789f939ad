package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// MQTTTransport implements Transport on an MQTT broker using topics as channels.
// With Embedded set it also runs a broker in-process and connects to it.
// MQTT reports no receiver count so Publish always returns 0.
type MQTTTransport struct {
	cfg MQTTTransportConfig

	broker *mqtt.Server
	client pahomqtt.Client

	mu      sync.RWMutex
	handler MessageHandler
	topics  map[string]struct{}

	connected atomic.Bool
	closed    atomic.Bool
}

// MQTTTransportConfig configures the MQTT transport
type MQTTTransportConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration

	// OperationTimeout bounds token waits when the caller's context has no deadline
	OperationTimeout time.Duration

	// Embedded broker settings
	Embedded     bool
	EmbeddedHost string
	EmbeddedPort int
}

// NewMQTTTransport creates an unconnected MQTT transport
func NewMQTTTransport(cfg MQTTTransportConfig) *MQTTTransport {
	if cfg.ClientID == "" {
		cfg.ClientID = "channelhub-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.Embedded {
		if cfg.EmbeddedHost == "" {
			cfg.EmbeddedHost = "127.0.0.1"
		}
		if cfg.EmbeddedPort == 0 {
			cfg.EmbeddedPort = 1883
		}
		if cfg.BrokerURL == "" {
			cfg.BrokerURL = fmt.Sprintf("tcp://%s:%d", cfg.EmbeddedHost, cfg.EmbeddedPort)
		}
	}
	return &MQTTTransport{
		cfg:    cfg,
		topics: make(map[string]struct{}),
	}
}

func (m *MQTTTransport) Name() string { return "mqtt" }

func (m *MQTTTransport) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *MQTTTransport) startBroker() error {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("failed to add broker auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: fmt.Sprintf("%s:%d", m.cfg.EmbeddedHost, m.cfg.EmbeddedPort),
	})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to add TCP listener: %w", err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			logger.Error("Embedded MQTT broker error: %v", err)
		}
	}()

	m.broker = server
	logger.Info("Embedded MQTT broker started on %s:%d", m.cfg.EmbeddedHost, m.cfg.EmbeddedPort)
	return nil
}

func (m *MQTTTransport) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.connected.Load() {
		return ErrAlreadyConnected
	}

	if m.cfg.Embedded {
		if err := m.startBroker(); err != nil {
			return err
		}
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(m.cfg.BrokerURL)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(m.cfg.ReconnectDelay)
	opts.SetOrderMatters(true)

	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	// A clean session drops broker-side subscriptions, so restore them on every reconnect
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logger.Info("Connected to MQTT broker %s", m.cfg.BrokerURL)
		if m.connected.Load() {
			m.resubscribeAll()
		}
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	timeout, err := timeoutFrom(ctx, m.cfg.ConnectTimeout)
	if err != nil {
		m.stopBroker()
		return err
	}
	if !token.WaitTimeout(timeout) {
		m.stopBroker()
		return fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		m.stopBroker()
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	m.client = client
	m.connected.Store(true)
	logger.Info("MQTT transport connected (%s, client %s)", m.cfg.BrokerURL, m.cfg.ClientID)
	return nil
}

func (m *MQTTTransport) ready() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// wait blocks on token until it completes or the operation deadline passes
func (m *MQTTTransport) wait(ctx context.Context, op, topic string, token pahomqtt.Token) error {
	timeout, err := timeoutFrom(ctx, m.cfg.OperationTimeout)
	if err != nil {
		return fmt.Errorf("mqtt %s %s: %w", op, topic, err)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s %s: timed out after %s", op, topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s %s: %w", op, topic, err)
	}
	return nil
}

func (m *MQTTTransport) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(msg.Topic(), string(msg.Payload()))
	}
}

// checkTopic rejects the MQTT wildcards: a wildcard subscription would
// receive concrete topics the registry does not track
func checkTopic(channel string) error {
	if strings.ContainsAny(channel, "+#") {
		return fmt.Errorf("%w: %q", ErrWildcardChannel, channel)
	}
	return nil
}

func (m *MQTTTransport) Subscribe(ctx context.Context, channel string) error {
	if err := checkTopic(channel); err != nil {
		return err
	}
	if err := m.ready(); err != nil {
		return err
	}
	token := m.client.Subscribe(channel, m.cfg.QoS, m.onMessage)
	if err := m.wait(ctx, "subscribe", channel, token); err != nil {
		return err
	}

	m.mu.Lock()
	m.topics[channel] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MQTTTransport) Unsubscribe(ctx context.Context, channel string) error {
	if err := m.ready(); err != nil {
		return err
	}
	token := m.client.Unsubscribe(channel)
	if err := m.wait(ctx, "unsubscribe", channel, token); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.topics, channel)
	m.mu.Unlock()
	return nil
}

func (m *MQTTTransport) Publish(ctx context.Context, channel, message string) (int64, error) {
	if err := checkTopic(channel); err != nil {
		return 0, err
	}
	if err := m.ready(); err != nil {
		return 0, err
	}
	token := m.client.Publish(channel, m.cfg.QoS, false, []byte(message))
	if err := m.wait(ctx, "publish", channel, token); err != nil {
		return 0, err
	}
	return 0, nil
}

func (m *MQTTTransport) resubscribeAll() {
	m.mu.RLock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.mu.RUnlock()

	for _, topic := range topics {
		token := m.client.Subscribe(topic, m.cfg.QoS, m.onMessage)
		if !token.WaitTimeout(m.cfg.OperationTimeout) {
			logger.Error("MQTT resubscribe to %s timed out", topic)
			continue
		}
		if err := token.Error(); err != nil {
			logger.Error("MQTT resubscribe to %s failed: %v", topic, err)
		}
	}
	if len(topics) > 0 {
		logger.Info("MQTT resubscribed to %d topics", len(topics))
	}
}

func (m *MQTTTransport) stopBroker() {
	if m.broker == nil {
		return
	}
	if err := m.broker.Close(); err != nil {
		logger.Error("Error closing embedded MQTT broker: %v", err)
	}
	m.broker = nil
	logger.Info("Embedded MQTT broker stopped")
}

func (m *MQTTTransport) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.connected.Load() && m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(uint(m.cfg.OperationTimeout.Milliseconds()))
	}
	m.stopBroker()

	m.mu.Lock()
	m.topics = make(map[string]struct{})
	m.mu.Unlock()

	m.connected.Store(false)
	logger.Info("MQTT transport closed")
	return nil
}
