package registry

import (
	"context"
	"sync"
)

// channelGates serializes transitions per channel. Each gate is a one-slot
// semaphore; waiters are released in arrival order by the runtime's channel
// send queue. Entries are reference counted and removed when unused.
type channelGates struct {
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	sem  chan struct{}
	refs int
}

func newChannelGates() *channelGates {
	return &channelGates{gates: make(map[string]*gate)}
}

// acquire blocks until the caller holds channel's gate or ctx is done.
// On success the returned func releases the gate.
func (g *channelGates) acquire(ctx context.Context, channel string) (func(), error) {
	g.mu.Lock()
	entry, ok := g.gates[channel]
	if !ok {
		entry = &gate{sem: make(chan struct{}, 1)}
		g.gates[channel] = entry
	}
	entry.refs++
	g.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			g.unref(channel, entry)
		}, nil
	case <-ctx.Done():
		g.unref(channel, entry)
		return nil, ctx.Err()
	}
}

func (g *channelGates) unref(channel string, entry *gate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.gates, channel)
	}
}

// size returns the number of channels with a holder or waiter
func (g *channelGates) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}

// refs returns the number of holders and waiters for channel
func (g *channelGates) refs(channel string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.gates[channel]; ok {
		return entry.refs
	}
	return 0
}
