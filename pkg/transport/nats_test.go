package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubscription struct {
	unsubscribed bool
	err          error
}

func (s *stubSubscription) Unsubscribe() error {
	if s.err != nil {
		return s.err
	}
	s.unsubscribed = true
	return nil
}

// connectedNATS returns a transport marked connected whose subscriber flush
// returns flushErr
func connectedNATS(flushErr error) *NATSTransport {
	tr := NewNATSTransport(NATSTransportConfig{})
	tr.flushSubscriber = func(context.Context) error { return flushErr }
	tr.connected.Store(true)
	return tr
}

func TestNATSTransport_UnsubscribeUnconfirmedFlush(t *testing.T) {
	tr := connectedNATS(nats.ErrTimeout)
	sub := &stubSubscription{}
	tr.subscriptions["game-42"] = sub

	// The subscription is gone client-side, so the channel must not be reported as still held
	require.NoError(t, tr.Unsubscribe(context.Background(), "game-42"))
	assert.True(t, sub.unsubscribed)
	assert.NotContains(t, tr.subscriptions, "game-42")
}

func TestNATSTransport_UnsubscribeFailureKeepsSubscription(t *testing.T) {
	tr := connectedNATS(nil)
	sub := &stubSubscription{err: nats.ErrConnectionClosed}
	tr.subscriptions["game-42"] = sub

	err := tr.Unsubscribe(context.Background(), "game-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
	assert.Contains(t, tr.subscriptions, "game-42")
}

func TestNATSTransport_UnsubscribeUnknownChannel(t *testing.T) {
	tr := connectedNATS(nil)
	assert.NoError(t, tr.Unsubscribe(context.Background(), "nobody"))
}

func TestNATSTransport_NotConnected(t *testing.T) {
	tr := NewNATSTransport(NATSTransportConfig{})
	assert.ErrorIs(t, tr.Subscribe(context.Background(), "c"), ErrNotConnected)
	_, err := tr.Publish(context.Background(), "c", "m")
	assert.ErrorIs(t, err, ErrNotConnected)
}
