// Package registry implements the channel subscription registry: a
// reference-counted map from channel name to subscriber identities that
// subscribes the transport on first interest and unsubscribes it on last
// interest.
package registry

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bitechdev/channelhub/pkg/errortracking"
	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/metrics"
	"github.com/bitechdev/channelhub/pkg/tracing"
	"github.com/bitechdev/channelhub/pkg/transport"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Registry tracks which identities are interested in which channels and
// mediates every transport subscribe, unsubscribe and publish.
//
// The subscriber map is only mutated after the matching transport call has
// returned successfully, so a channel is tracked exactly when the transport
// holds a subscription for it.
type Registry struct {
	transport        transport.Transport
	metrics          metrics.Provider
	operationTimeout time.Duration

	// lifecycle is held shared by every operation and exclusively by Init and Teardown
	lifecycle sync.RWMutex
	state     state

	mu          sync.RWMutex
	subscribers map[string]map[string]struct{}

	gates *channelGates

	delivMu    sync.RWMutex
	deliverers map[string]Deliverer

	published       atomic.Int64
	delivered       atomic.Int64
	dropped         atomic.Int64
	transportErrors atomic.Int64
}

// Stats is a point-in-time snapshot of the registry
type Stats struct {
	Channels        int   `json:"channels"`
	Subscriptions   int   `json:"subscriptions"`
	Deliverers      int   `json:"deliverers"`
	Published       int64 `json:"published"`
	Delivered       int64 `json:"delivered"`
	Dropped         int64 `json:"dropped"`
	TransportErrors int64 `json:"transport_errors"`
}

// Option configures a Registry
type Option func(*Registry)

// WithOperationTimeout bounds each transport call whose context has no deadline
func WithOperationTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.operationTimeout = d
	}
}

// WithMetrics sets the metrics provider (defaults to the global provider)
func WithMetrics(p metrics.Provider) Option {
	return func(r *Registry) {
		r.metrics = p
	}
}

// New creates a registry over t. Call Init before use.
func New(t transport.Transport, opts ...Option) *Registry {
	r := &Registry{
		transport:   t,
		subscribers: make(map[string]map[string]struct{}),
		gates:       newChannelGates(),
		deliverers:  make(map[string]Deliverer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.GetProvider()
	}
	return r
}

// Init connects the transport and installs the message handler
func (r *Registry) Init(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrClosed
	}

	r.transport.OnMessage(r.handleMessage)

	if err := r.callTransport(ctx, "connect", "", "", r.transport.Connect); err != nil {
		return err
	}

	r.state = stateRunning
	logger.Info("Channel registry started (transport: %s)", r.transport.Name())
	return nil
}

// begin admits an operation while the registry is running
func (r *Registry) begin() (func(), error) {
	r.lifecycle.RLock()
	switch r.state {
	case stateNew:
		r.lifecycle.RUnlock()
		return nil, ErrNotStarted
	case stateClosed:
		r.lifecycle.RUnlock()
		return nil, ErrClosed
	}
	return r.lifecycle.RUnlock, nil
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.operationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.operationTimeout)
}

// callTransport runs fn with the operation timeout and records its outcome
func (r *Registry) callTransport(ctx context.Context, op, channel, identity string, fn func(context.Context) error) error {
	tctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := fn(tctx)
	if err == nil {
		r.metrics.RecordTransportCall(op, "success", time.Since(start))
		return nil
	}

	r.metrics.RecordTransportCall(op, "error", time.Since(start))
	r.transportErrors.Add(1)

	terr := &TransportError{Op: op, Channel: channel, Err: err}
	tracing.RecordError(ctx, terr)
	logger.Warn("Registry: %v", terr)
	logger.CaptureError(ctx, terr, errortracking.ChannelContext(op, channel, identity))
	return terr
}

func (r *Registry) spanAttrs(channel, identity string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		tracing.ChannelKey.String(channel),
		tracing.TransportKey.String(r.transport.Name()),
	}
	if identity != "" {
		attrs = append(attrs, tracing.IdentityKey.String(identity))
	}
	return attrs
}

func validate(identity, channel string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	if channel == "" {
		return ErrInvalidChannel
	}
	return nil
}

// Subscribe registers identity's interest in channel. The first identity on a
// channel triggers a transport subscribe; later ones are local bookkeeping only.
func (r *Registry) Subscribe(ctx context.Context, identity, channel string) error {
	if err := validate(identity, channel); err != nil {
		return err
	}
	done, err := r.begin()
	if err != nil {
		return err
	}
	defer done()

	ctx, span := tracing.StartSpan(ctx, "registry.subscribe", r.spanAttrs(channel, identity)...)
	defer span.End()

	release, err := r.gates.acquire(ctx, channel)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	if set, ok := r.subscribers[channel]; ok {
		set[identity] = struct{}{}
		r.mu.Unlock()
		r.updateGauges()
		return nil
	}
	r.mu.Unlock()

	err = r.callTransport(ctx, "subscribe", channel, identity, func(ctx context.Context) error {
		return r.transport.Subscribe(ctx, channel)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.subscribers[channel] = map[string]struct{}{identity: {}}
	r.mu.Unlock()

	tracing.AddEvent(ctx, "transport.subscribed")
	logger.Debug("Subscribed to channel %s (first identity %s)", channel, identity)
	r.updateGauges()
	return nil
}

// Unsubscribe removes identity's interest in channel. Removing the last
// identity unsubscribes the transport; the channel stays tracked if that call
// fails. Unknown identities and channels are a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, identity, channel string) error {
	if err := validate(identity, channel); err != nil {
		return err
	}
	done, err := r.begin()
	if err != nil {
		return err
	}
	defer done()

	ctx, span := tracing.StartSpan(ctx, "registry.unsubscribe", r.spanAttrs(channel, identity)...)
	defer span.End()

	return r.unsubscribe(ctx, identity, channel)
}

func (r *Registry) unsubscribe(ctx context.Context, identity, channel string) error {
	release, err := r.gates.acquire(ctx, channel)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	set, ok := r.subscribers[channel]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if _, member := set[identity]; !member {
		r.mu.Unlock()
		return nil
	}
	if len(set) > 1 {
		delete(set, identity)
		r.mu.Unlock()
		r.updateGauges()
		return nil
	}
	r.mu.Unlock()

	err = r.callTransport(ctx, "unsubscribe", channel, identity, func(ctx context.Context) error {
		return r.transport.Unsubscribe(ctx, channel)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.subscribers, channel)
	r.mu.Unlock()

	tracing.AddEvent(ctx, "transport.unsubscribed")
	logger.Debug("Unsubscribed from channel %s (last identity %s)", channel, identity)
	r.updateGauges()
	return nil
}

// UnsubscribeAll removes identity from every channel it is tracked on
func (r *Registry) UnsubscribeAll(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	done, err := r.begin()
	if err != nil {
		return err
	}
	defer done()

	var errs []error
	for _, channel := range r.channelsOf(identity) {
		if err := r.unsubscribe(ctx, identity, channel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish forwards message verbatim on the publish connection and returns the
// receiver count reported by the transport. Local subscribers are not required.
func (r *Registry) Publish(ctx context.Context, channel, message string) (int64, error) {
	if channel == "" {
		return 0, ErrInvalidChannel
	}
	done, err := r.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	ctx, span := tracing.StartSpan(ctx, "registry.publish", r.spanAttrs(channel, "")...)
	defer span.End()

	var receivers int64
	err = r.callTransport(ctx, "publish", channel, "", func(ctx context.Context) error {
		n, err := r.transport.Publish(ctx, channel, message)
		receivers = n
		return err
	})
	if err != nil {
		r.metrics.RecordPublish("error")
		return 0, err
	}

	r.published.Add(1)
	r.metrics.RecordPublish("success")
	return receivers, nil
}

// handleMessage fans an incoming transport message out to the identities
// tracked for its channel at arrival time
func (r *Registry) handleMessage(channel, payload string) {
	identities := r.Subscribers(channel)
	if len(identities) == 0 {
		r.dropped.Add(1)
		r.metrics.RecordDelivery("dropped")
		logger.Debug("Dropping message on untracked channel %s", channel)
		return
	}

	ctx := context.Background()
	receivedAt := time.Now()
	for _, identity := range identities {
		r.deliver(ctx, Message{
			Channel:    channel,
			Payload:    payload,
			Identity:   identity,
			ReceivedAt: receivedAt,
		})
	}
}

func (r *Registry) deliver(ctx context.Context, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordPanic("Registry.deliver")
			r.metrics.RecordDelivery("failed")
			_ = logger.HandlePanic(ctx, "Registry.deliver", rec)
		}
	}()

	r.delivMu.RLock()
	d, ok := r.deliverers[msg.Identity]
	r.delivMu.RUnlock()

	if !ok {
		r.metrics.RecordDelivery("logged")
		logger.Info("Message on %s for %s: %s", msg.Channel, msg.Identity, msg.Payload)
		return
	}

	if err := d.Deliver(ctx, msg); err != nil {
		r.metrics.RecordDelivery("failed")
		logger.Debug("Delivery to %s on %s failed: %v", msg.Identity, msg.Channel, err)
		return
	}
	r.delivered.Add(1)
	r.metrics.RecordDelivery("delivered")
}

// RegisterDeliverer sets the delivery target for identity, replacing any previous one
func (r *Registry) RegisterDeliverer(identity string, d Deliverer) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	r.delivMu.Lock()
	defer r.delivMu.Unlock()
	r.deliverers[identity] = d
	return nil
}

// UnregisterDeliverer removes d as identity's delivery target. A nil d removes
// whatever is registered; otherwise nothing happens if d has since been
// replaced. Messages for the identity are logged afterwards.
func (r *Registry) UnregisterDeliverer(identity string, d Deliverer) {
	r.delivMu.Lock()
	defer r.delivMu.Unlock()

	current, ok := r.deliverers[identity]
	if !ok {
		return
	}
	if d != nil && !sameDeliverer(current, d) {
		return
	}
	delete(r.deliverers, identity)
}

// sameDeliverer compares two deliverers by identity. Values of
// non-comparable types (such as DelivererFunc) never match.
func sameDeliverer(a, b Deliverer) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Teardown unsubscribes every tracked channel and closes the transport.
// It waits for in-flight operations; calling it again is a no-op.
func (r *Registry) Teardown(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.state == stateClosed {
		return nil
	}
	wasRunning := r.state == stateRunning
	r.state = stateClosed

	if !wasRunning {
		return nil
	}

	var errs []error
	for _, channel := range r.Channels() {
		err := r.callTransport(ctx, "unsubscribe", channel, "", func(ctx context.Context) error {
			return r.transport.Unsubscribe(ctx, channel)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	count := len(r.subscribers)
	r.subscribers = make(map[string]map[string]struct{})
	r.mu.Unlock()

	if err := r.transport.Close(); err != nil {
		errs = append(errs, &TransportError{Op: "close", Err: err})
	}

	r.updateGauges()
	logger.Info("Channel registry stopped (%d channels released)", count)
	return errors.Join(errs...)
}

// Channels returns the tracked channel names, sorted
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.subscribers))
	for channel := range r.subscribers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Subscribers returns the identities tracked for channel, sorted
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subscribers[channel]
	identities := make([]string, 0, len(set))
	for identity := range set {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// IsSubscribed reports whether identity is tracked on channel
func (r *Registry) IsSubscribed(identity, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[channel][identity]
	return ok
}

func (r *Registry) channelsOf(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var channels []string
	for channel, set := range r.subscribers {
		if _, ok := set[identity]; ok {
			channels = append(channels, channel)
		}
	}
	sort.Strings(channels)
	return channels
}

// Stats returns a snapshot of the registry counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	channels := len(r.subscribers)
	subscriptions := 0
	for _, set := range r.subscribers {
		subscriptions += len(set)
	}
	r.mu.RUnlock()

	r.delivMu.RLock()
	deliverers := len(r.deliverers)
	r.delivMu.RUnlock()

	return Stats{
		Channels:        channels,
		Subscriptions:   subscriptions,
		Deliverers:      deliverers,
		Published:       r.published.Load(),
		Delivered:       r.delivered.Load(),
		Dropped:         r.dropped.Load(),
		TransportErrors: r.transportErrors.Load(),
	}
}

// TransportName returns the name of the underlying transport
func (r *Registry) TransportName() string {
	return r.transport.Name()
}

// Running reports whether Init succeeded and Teardown has not been called
func (r *Registry) Running() bool {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	return r.state == stateRunning
}

func (r *Registry) updateGauges() {
	stats := r.Stats()
	r.metrics.UpdateChannels(stats.Channels)
	r.metrics.UpdateSubscriptions(stats.Subscriptions)
}
