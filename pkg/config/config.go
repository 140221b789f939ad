package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Middleware    MiddlewareConfig    `mapstructure:"middleware"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GZIP            bool          `mapstructure:"gzip"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Dev  bool   `mapstructure:"dev"`
	Path string `mapstructure:"path"`
}

// ErrorTrackingConfig holds error tracking configuration
type ErrorTrackingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Provider         string  `mapstructure:"provider"`           // sentry, noop
	DSN              string  `mapstructure:"dsn"`                // Sentry DSN
	Environment      string  `mapstructure:"environment"`        // e.g., production, staging, development
	Release          string  `mapstructure:"release"`            // Application version/release
	Debug            bool    `mapstructure:"debug"`              // Enable SDK debug output
	SampleRate       float64 `mapstructure:"sample_rate"`        // Error sample rate (0.0-1.0)
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"` // Traces sample rate (0.0-1.0)
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"` // prometheus, noop
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Endpoint       string `mapstructure:"endpoint"`
}

// MiddlewareConfig holds HTTP middleware configuration
type MiddlewareConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxRequestSize int64   `mapstructure:"max_request_size"`
}

// TransportConfig selects and configures the pub/sub transport
type TransportConfig struct {
	Provider         string        `mapstructure:"provider"` // redis, nats, mqtt, memory
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Redis            RedisConfig   `mapstructure:"redis"`
	NATS             NATSConfig    `mapstructure:"nats"`
	MQTT             MQTTConfig    `mapstructure:"mqtt"`
}

// RedisConfig holds Redis connection settings shared by the subscriber and
// publisher connections
type RedisConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PoolSize       int           `mapstructure:"pool_size"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	Token          string        `mapstructure:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

// MQTTConfig holds MQTT client settings and the optional embedded broker
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	Embedded       bool          `mapstructure:"embedded"`
	EmbeddedHost   string        `mapstructure:"embedded_host"`
	EmbeddedPort   int           `mapstructure:"embedded_port"`
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Validate checks the configuration for values the process cannot start with
func (c *Config) Validate() error {
	switch c.Transport.Provider {
	case "redis":
		if c.Transport.Redis.Port <= 0 || c.Transport.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d (must be 1-65535)", c.Transport.Redis.Port)
		}
		if c.Transport.Redis.DB < 0 {
			return fmt.Errorf("invalid redis db index: %d", c.Transport.Redis.DB)
		}
	case "nats":
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("nats url cannot be empty")
		}
	case "mqtt":
		if c.Transport.MQTT.BrokerURL == "" && !c.Transport.MQTT.Embedded {
			return fmt.Errorf("mqtt broker_url is required unless embedded is enabled")
		}
		if c.Transport.MQTT.QoS > 2 {
			return fmt.Errorf("invalid mqtt qos: %d", c.Transport.MQTT.QoS)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown transport provider: %q", c.Transport.Provider)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Gateway.Enabled && c.Gateway.SendBufferSize <= 0 {
		return fmt.Errorf("gateway.send_buffer_size must be positive")
	}
	return nil
}
