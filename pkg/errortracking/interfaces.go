package errortracking

import (
	"context"
)

// Severity represents the severity level of a captured event
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Provider defines the interface for error tracking backends
type Provider interface {
	// CaptureError captures an error with the given severity and additional context
	CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{})

	// CaptureMessage captures a message with the given severity and additional context
	CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{})

	// CapturePanic captures a recovered panic together with its stack trace
	CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{})

	// Flush waits up to timeout seconds for buffered events to be sent
	Flush(timeout int) bool

	// Close releases the provider
	Close() error
}

// ChannelContext builds the extra fields attached to registry failures so
// that events for the same channel group together in the tracker.
func ChannelContext(op, channel, identity string) map[string]interface{} {
	extra := map[string]interface{}{
		"operation": op,
	}
	if channel != "" {
		extra["channel"] = channel
	}
	if identity != "" {
		extra["identity"] = identity
	}
	return extra
}
