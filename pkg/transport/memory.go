package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bitechdev/channelhub/pkg/logger"
)

// MemoryBus is an in-process broker. Transports created on the same bus see
// each other's publishes, which lets several registries share one process.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*MemoryTransport]struct{}
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]map[*MemoryTransport]struct{}),
	}
}

func (b *MemoryBus) subscribe(channel string, t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[channel]
	if !ok {
		set = make(map[*MemoryTransport]struct{})
		b.subscribers[channel] = set
	}
	set[t] = struct{}{}
}

func (b *MemoryBus) unsubscribe(channel string, t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[channel]
	if !ok {
		return
	}
	delete(set, t)
	if len(set) == 0 {
		delete(b.subscribers, channel)
	}
}

func (b *MemoryBus) publish(channel, message string) int64 {
	b.mu.RLock()
	targets := make([]*MemoryTransport, 0, len(b.subscribers[channel]))
	for t := range b.subscribers[channel] {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	var delivered int64
	for _, t := range targets {
		if t.enqueue(memoryMessage{channel: channel, payload: message}) {
			delivered++
		}
	}
	return delivered
}

type memoryMessage struct {
	channel string
	payload string
}

// MemoryTransport is an in-process Transport. Messages are dispatched on a
// single goroutine in publish order, like a broker connection would.
type MemoryTransport struct {
	bus        *MemoryBus
	bufferSize int

	mu       sync.RWMutex
	handler  MessageHandler
	channels map[string]struct{}
	queue    chan memoryMessage

	connected atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// MemoryOptions configures a MemoryTransport
type MemoryOptions struct {
	// Bus to attach to. Nil creates a private bus.
	Bus *MemoryBus

	// BufferSize is the dispatch queue length (default 1024)
	BufferSize int
}

// NewMemoryTransport creates an unconnected in-process transport
func NewMemoryTransport(opts MemoryOptions) *MemoryTransport {
	if opts.Bus == nil {
		opts.Bus = NewMemoryBus()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	return &MemoryTransport{
		bus:        opts.Bus,
		bufferSize: opts.BufferSize,
		channels:   make(map[string]struct{}),
	}
}

func (m *MemoryTransport) Name() string { return "memory" }

func (m *MemoryTransport) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *MemoryTransport) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.connected.Load() {
		return ErrAlreadyConnected
	}

	queue := make(chan memoryMessage, m.bufferSize)
	m.mu.Lock()
	m.queue = queue
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch(queue)

	m.connected.Store(true)
	logger.Info("Memory transport connected")
	return nil
}

func (m *MemoryTransport) ready() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryTransport) Subscribe(ctx context.Context, channel string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.channels[channel] = struct{}{}
	m.mu.Unlock()
	m.bus.subscribe(channel, m)
	return nil
}

func (m *MemoryTransport) Unsubscribe(ctx context.Context, channel string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.bus.unsubscribe(channel, m)
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTransport) Publish(ctx context.Context, channel, message string) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.bus.publish(channel, message), nil
}

// Subscribed reports whether the transport currently holds a subscription for channel
func (m *MemoryTransport) Subscribed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel]
	return ok
}

func (m *MemoryTransport) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	for channel := range m.channels {
		m.bus.unsubscribe(channel, m)
	}
	m.channels = make(map[string]struct{})
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()

	if queue != nil {
		close(queue)
	}
	m.wg.Wait()
	m.connected.Store(false)
	logger.Info("Memory transport closed")
	return nil
}

// enqueue hands a message to the dispatcher. Returns false if it was not accepted.
func (m *MemoryTransport) enqueue(msg memoryMessage) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.queue == nil {
		return false
	}
	select {
	case m.queue <- msg:
		return true
	default:
		logger.Warn("Memory transport queue full, dropping message on %s", msg.channel)
		return false
	}
}

func (m *MemoryTransport) dispatch(queue <-chan memoryMessage) {
	defer m.wg.Done()
	defer logger.CatchPanic("MemoryTransport.dispatch")

	for msg := range queue {
		m.mu.RLock()
		handler := m.handler
		_, subscribed := m.channels[msg.channel]
		m.mu.RUnlock()

		if handler == nil || !subscribed {
			continue
		}
		handler(msg.channel, msg.payload)
	}
}

func (m *MemoryTransport) String() string {
	return fmt.Sprintf("memory(%p)", m)
}
