package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// Provider defines the interface for metric collection
type Provider interface {
	// RecordTransportCall records a subscribe/unsubscribe/publish/connect call against the transport
	RecordTransportCall(operation, status string, duration time.Duration)

	// RecordPublish records the outcome of a publish request
	RecordPublish(status string)

	// RecordDelivery records the outcome of delivering one message to one identity
	// (delivered, logged, failed, dropped)
	RecordDelivery(outcome string)

	// UpdateChannels sets the number of channels with an active transport subscription
	UpdateChannels(count int)

	// UpdateSubscriptions sets the number of (identity, channel) pairs tracked
	UpdateSubscriptions(count int)

	// UpdateConnections sets the number of live gateway connections
	UpdateConnections(count int)

	// RecordHTTPRequest records metrics for an HTTP request
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// RecordPanic records a recovered panic
	RecordPanic(methodName string)

	// Handler returns an HTTP handler exposing the metrics
	Handler() http.Handler
}

var (
	globalProvider Provider
	providerMu     sync.RWMutex
)

// SetProvider sets the global metrics provider
func SetProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	globalProvider = p
}

// GetProvider returns the current metrics provider, or a no-op one
func GetProvider() Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if globalProvider == nil {
		return &NoOpProvider{}
	}
	return globalProvider
}

// NoOpProvider is a no-op implementation of Provider
type NoOpProvider struct{}

func (n *NoOpProvider) RecordTransportCall(operation, status string, duration time.Duration) {}
func (n *NoOpProvider) RecordPublish(status string)                                         {}
func (n *NoOpProvider) RecordDelivery(outcome string)                                       {}
func (n *NoOpProvider) UpdateChannels(count int)                                            {}
func (n *NoOpProvider) UpdateSubscriptions(count int)                                       {}
func (n *NoOpProvider) UpdateConnections(count int)                                         {}
func (n *NoOpProvider) RecordHTTPRequest(method, path, status string, duration time.Duration) {
}
func (n *NoOpProvider) RecordPanic(methodName string) {}
func (n *NoOpProvider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Metrics provider not configured"))
		if err != nil {
			logger.Warn("Failed to write. %v", err)
		}
	})
}
