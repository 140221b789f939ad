package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/channelhub/pkg/config"
)

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantName string
		wantErr  bool
	}{
		{name: "default is redis", provider: "", wantName: "redis"},
		{name: "redis", provider: "redis", wantName: "redis"},
		{name: "nats", provider: "nats", wantName: "nats"},
		{name: "mqtt", provider: "mqtt", wantName: "mqtt"},
		{name: "memory", provider: "memory", wantName: "memory"},
		{name: "unknown", provider: "kafka", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewFromConfig(config.TransportConfig{Provider: tt.provider})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, tr.Name())
		})
	}
}

func TestNewFromConfig_RedisSettings(t *testing.T) {
	tr, err := NewFromConfig(config.TransportConfig{
		Provider: "redis",
		Redis:    config.RedisConfig{Host: "cache.internal", Port: 6380, DB: 2, PoolSize: 4},
	})
	require.NoError(t, err)

	rt, ok := tr.(*RedisTransport)
	require.True(t, ok)
	assert.Equal(t, "cache.internal", rt.cfg.Host)
	assert.Equal(t, 6380, rt.cfg.Port)
	assert.Equal(t, 2, rt.cfg.DB)
	assert.Equal(t, 4, rt.cfg.PoolSize)
	assert.Equal(t, "cache.internal:6380", rt.cfg.Addr())
}

func TestNewMQTTTransport_EmbeddedDefaults(t *testing.T) {
	tr := NewMQTTTransport(MQTTTransportConfig{Embedded: true, EmbeddedPort: 18830})
	assert.Equal(t, "tcp://127.0.0.1:18830", tr.cfg.BrokerURL)
	assert.Contains(t, tr.cfg.ClientID, "channelhub-")
}
