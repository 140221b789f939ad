package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/bitechdev/channelhub/pkg/transport"
)

var errBrokerDown = errors.New("broker unavailable")

// fakeTransport records every call and lets tests inject failures, block
// calls and push incoming messages
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	handler transport.MessageHandler

	connectErr     error
	subscribeErr   map[string]error
	unsubscribeErr map[string]error
	publishErr     error
	receivers      int64

	// block, when set, is received from before Subscribe/Unsubscribe return
	block chan struct{}

	subscribed map[string]bool
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subscribeErr:   make(map[string]error),
		unsubscribeErr: make(map[string]error),
		subscribed:     make(map[string]bool),
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.record("connect")
	return f.connectErr
}

func (f *fakeTransport) wait(ctx context.Context) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) error {
	f.record("subscribe:" + channel)
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subscribeErr[channel]; err != nil {
		return err
	}
	f.subscribed[channel] = true
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, channel string) error {
	f.record("unsubscribe:" + channel)
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unsubscribeErr[channel]; err != nil {
		return err
	}
	delete(f.subscribed, channel)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, channel, message string) (int64, error) {
	f.record("publish:" + channel)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	return f.receivers, nil
}

func (f *fakeTransport) OnMessage(handler transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Close() error {
	f.record("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// emit simulates the transport delivering an incoming message
func (f *fakeTransport) emit(channel, payload string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(channel, payload)
	}
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isSubscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[channel]
}

func (f *fakeTransport) setSubscribeErr(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr[channel] = err
}

func (f *fakeTransport) setUnsubscribeErr(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeErr[channel] = err
}

func (f *fakeTransport) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}
