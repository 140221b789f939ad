package registry

import (
	"context"
	"time"
)

// Message is one incoming transport message addressed to one identity
type Message struct {
	Channel    string
	Payload    string
	Identity   string
	ReceivedAt time.Time
}

// Deliverer hands a message to the subscriber behind an identity.
// Deliver runs on the transport's receive goroutine and must not block.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, msg Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
