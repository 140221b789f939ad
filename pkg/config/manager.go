package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Manager handles configuration loading from file, environment and defaults
type Manager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager with defaults
func NewManager() *Manager {
	v := viper.New()

	v.SetConfigName("channelhub")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/channelhub")
	v.AddConfigPath("$HOME/.channelhub")

	v.SetEnvPrefix("CHANNELHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Manager{v: v}
}

// NewManagerWithOptions creates a new configuration manager with custom options
func NewManagerWithOptions(opts ...Option) *Manager {
	m := NewManager()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithConfigFile sets a specific config file path
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.v.SetConfigFile(path)
	}
}

// WithConfigName sets the config file name (without extension)
func WithConfigName(name string) Option {
	return func(m *Manager) {
		m.v.SetConfigName(name)
	}
}

// WithConfigPath adds a path to search for config files
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.v.AddConfigPath(path)
	}
}

// WithEnvPrefix sets the environment variable prefix
func WithEnvPrefix(prefix string) Option {
	return func(m *Manager) {
		m.v.SetEnvPrefix(prefix)
	}
}

// Load reads the config file if one exists. A missing file is not an error.
func (m *Manager) Load() error {
	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

func (m *Manager) Get(key string) interface{} {
	return m.v.Get(key)
}

func (m *Manager) GetString(key string) string {
	return m.v.GetString(key)
}

func (m *Manager) GetInt(key string) int {
	return m.v.GetInt(key)
}

func (m *Manager) GetBool(key string) bool {
	return m.v.GetBool(key)
}

// Set overrides a configuration value
func (m *Manager) Set(key string, value interface{}) {
	m.v.Set(key, value)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.gzip", false)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.drain_timeout", "25s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "0s") // WebSocket connections are long-lived
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("logger.dev", false)
	v.SetDefault("logger.path", "")

	v.SetDefault("error_tracking.enabled", false)
	v.SetDefault("error_tracking.provider", "noop")
	v.SetDefault("error_tracking.environment", "development")
	v.SetDefault("error_tracking.sample_rate", 1.0)
	v.SetDefault("error_tracking.traces_sample_rate", 0.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.provider", "prometheus")
	v.SetDefault("metrics.namespace", "channelhub")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "channelhub")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("middleware.rate_limit_rps", 100.0)
	v.SetDefault("middleware.rate_limit_burst", 200)
	v.SetDefault("middleware.max_request_size", 1048576) // 1MB

	v.SetDefault("transport.provider", "redis")
	v.SetDefault("transport.operation_timeout", "5s")

	v.SetDefault("transport.redis.host", "localhost")
	v.SetDefault("transport.redis.port", 6379)
	v.SetDefault("transport.redis.username", "")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.connect_timeout", "10s")
	v.SetDefault("transport.redis.read_timeout", "3s")
	v.SetDefault("transport.redis.write_timeout", "3s")
	v.SetDefault("transport.redis.pool_size", 10)

	v.SetDefault("transport.nats.url", "nats://localhost:4222")
	v.SetDefault("transport.nats.name", "channelhub")
	v.SetDefault("transport.nats.connect_timeout", "5s")
	v.SetDefault("transport.nats.reconnect_wait", "2s")
	v.SetDefault("transport.nats.max_reconnects", -1)

	v.SetDefault("transport.mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("transport.mqtt.client_id", "")
	v.SetDefault("transport.mqtt.qos", 1)
	v.SetDefault("transport.mqtt.keep_alive", "30s")
	v.SetDefault("transport.mqtt.connect_timeout", "10s")
	v.SetDefault("transport.mqtt.reconnect_delay", "5s")
	v.SetDefault("transport.mqtt.embedded", false)
	v.SetDefault("transport.mqtt.embedded_host", "localhost")
	v.SetDefault("transport.mqtt.embedded_port", 1883)

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.send_buffer_size", 256)
	v.SetDefault("gateway.read_buffer_size", 1024)
	v.SetDefault("gateway.write_buffer_size", 1024)
	v.SetDefault("gateway.ping_interval", "54s")
	v.SetDefault("gateway.pong_timeout", "60s")
	v.SetDefault("gateway.allowed_origins", []string{"*"})
}
