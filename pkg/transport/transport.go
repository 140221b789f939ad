// Package transport defines the pub/sub boundary the channel registry talks
// to and provides Redis, NATS, MQTT and in-process implementations.
//
// A transport only understands "subscribe to this channel" and "unsubscribe
// from this channel"; it has no notion of who is interested. Reference
// counting lives in the registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageHandler receives every message the transport delivers for a
// subscribed channel. It is called from the transport's receive goroutine
// and must not block for long.
type MessageHandler func(channel, payload string)

// Transport is a pub/sub client holding a subscribe-mode handle and a
// publish handle for its whole lifetime.
type Transport interface {
	// Name returns the provider name (redis, nats, mqtt, memory)
	Name() string

	// Connect establishes the subscriber and publisher handles
	Connect(ctx context.Context) error

	// Subscribe subscribes the subscriber handle to channel
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe removes the subscription for channel
	Unsubscribe(ctx context.Context, channel string) error

	// Publish sends message on the publisher handle and returns the number of
	// receivers reported by the broker. Providers that cannot report a count return 0.
	Publish(ctx context.Context, channel, message string) (int64, error)

	// OnMessage installs the handler for incoming messages. Call before Connect.
	OnMessage(handler MessageHandler)

	// Close releases both handles
	Close() error
}

var (
	// ErrNotConnected is returned when an operation runs before Connect succeeded
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned when an operation runs after Close
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadyConnected is returned by a second Connect
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrWildcardChannel is returned for channel names the transport would
	// treat as a pattern rather than a single channel
	ErrWildcardChannel = errors.New("transport: channel name contains a wildcard")
)

const defaultOperationTimeout = 5 * time.Second

// timeoutFrom returns the time left before ctx expires, or fallback when ctx has no deadline
func timeoutFrom(ctx context.Context, fallback time.Duration) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback, nil
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0, fmt.Errorf("transport: %w", context.DeadlineExceeded)
	}
	return left, nil
}
