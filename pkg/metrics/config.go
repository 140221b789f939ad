package metrics

import "github.com/bitechdev/channelhub/pkg/config"

// Config holds configuration for the metrics provider
type Config struct {
	// Namespace is an optional prefix for all metric names
	Namespace string

	// TransportBuckets defines histogram buckets for transport call duration (in seconds)
	TransportBuckets []float64

	// HTTPRequestBuckets defines histogram buckets for HTTP request duration (in seconds)
	HTTPRequestBuckets []float64
}

// DefaultConfig returns a Config with the default buckets
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in any missing values
func (c *Config) ApplyDefaults() {
	// Redis round trips are usually sub-millisecond on a LAN
	if len(c.TransportBuckets) == 0 {
		c.TransportBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	}
	if len(c.HTTPRequestBuckets) == 0 {
		c.HTTPRequestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
}

// NewProviderFromConfig returns the provider selected by the configuration
func NewProviderFromConfig(cfg config.MetricsConfig) Provider {
	if !cfg.Enabled || cfg.Provider == "noop" {
		return &NoOpProvider{}
	}
	return NewPrometheusProvider(&Config{Namespace: cfg.Namespace})
}
