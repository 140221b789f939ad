package transport

import (
	"fmt"

	"github.com/bitechdev/channelhub/pkg/config"
)

// NewFromConfig creates an unconnected transport for the configured provider
func NewFromConfig(cfg config.TransportConfig) (Transport, error) {
	switch cfg.Provider {
	case "redis", "":
		return NewRedisTransport(RedisTransportConfig{
			Host:           cfg.Redis.Host,
			Port:           cfg.Redis.Port,
			Username:       cfg.Redis.Username,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
			ReadTimeout:    cfg.Redis.ReadTimeout,
			WriteTimeout:   cfg.Redis.WriteTimeout,
			PoolSize:       cfg.Redis.PoolSize,
		}), nil

	case "nats":
		return NewNATSTransport(NATSTransportConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			Token:          cfg.NATS.Token,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			FlushTimeout:   cfg.OperationTimeout,
		}), nil

	case "mqtt":
		return NewMQTTTransport(MQTTTransportConfig{
			BrokerURL:        cfg.MQTT.BrokerURL,
			ClientID:         cfg.MQTT.ClientID,
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			QoS:              cfg.MQTT.QoS,
			KeepAlive:        cfg.MQTT.KeepAlive,
			ConnectTimeout:   cfg.MQTT.ConnectTimeout,
			ReconnectDelay:   cfg.MQTT.ReconnectDelay,
			OperationTimeout: cfg.OperationTimeout,
			Embedded:         cfg.MQTT.Embedded,
			EmbeddedHost:     cfg.MQTT.EmbeddedHost,
			EmbeddedPort:     cfg.MQTT.EmbeddedPort,
		}), nil

	case "memory":
		return NewMemoryTransport(MemoryOptions{}), nil

	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Provider)
	}
}
