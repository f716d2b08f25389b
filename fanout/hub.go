// Package fanout delivers state-change events to every connection held by
// this instance and relays them to sibling instances over a Bus.
//
// Delivery is fire-and-forget. A sink that cannot accept a frame right now
// misses it; clients recover by refetching the full grid on reconnect. Every
// message relayed on the bus carries the publishing instance id, and a hub
// discards its own messages when they come back.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/gridsync/idgen"
)

// Message is the unit relayed between instances.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
}

// Frame is the JSON text sent to a client connection.
func (m Message) Frame() []byte {
	b, _ := json.Marshal(frame{Type: m.Type, Data: m.Payload})
	return b
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sink is one local connection. TrySend must not block: it reports false
// when the connection's buffer is full or the connection is closing.
type Sink interface {
	TrySend(frame []byte) bool
}

// Outcome is the result of handing a frame to one sink. It is counted,
// never reported to the publisher.
type Outcome int

const (
	Delivered Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "dropped"
}

// Observer receives delivery and relay outcomes, typically metrics.
type Observer interface {
	Outcome(Outcome)
	Relayed(direction string) // "out", "in" or "echo"
	RelayFailed()
}

type nopObserver struct{}

func (nopObserver) Outcome(Outcome) {}
func (nopObserver) Relayed(string)  {}
func (nopObserver) RelayFailed()    {}

// Bus carries messages between instances.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe returns a channel closed when ctx ends or the bus fails.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Applier mirrors a message from another instance into local state before
// it is delivered to local sinks.
type Applier func(ctx context.Context, typ string, payload json.RawMessage) error

// ErrQueueFull is logged when the outbound relay queue overflows.
var ErrQueueFull = errors.New("fanout: relay queue full")

// Hub is the per-instance fanout point.
type Hub struct {
	instanceID string
	bus        Bus
	logger     *slog.Logger
	observer   Observer
	apply      Applier
	queue      chan Message

	mu     sync.RWMutex
	sinks  map[uint64]Sink
	nextID uint64

	delivered atomic.Uint64
	dropped   atomic.Uint64
	echoes    atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithBus relays messages to sibling instances. Without it the hub is local.
func WithBus(b Bus) Option { return func(h *Hub) { h.bus = b } }

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option { return func(h *Hub) { h.instanceID = id } }

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option { return func(h *Hub) { h.observer = o } }

// WithApplier runs a for every message received from another instance.
// An apply error is logged and the message is still delivered.
func WithApplier(a Applier) Option { return func(h *Hub) { h.apply = a } }

// WithQueueSize bounds the outbound relay queue. Default 4096.
func WithQueueSize(n int) Option { return func(h *Hub) { h.queue = make(chan Message, n) } }

// NewHub returns a hub. Call Run to start relaying.
func NewHub(opts ...Option) *Hub {
	h := &Hub{sinks: make(map[uint64]Sink)}
	for _, o := range opts {
		o(h)
	}
	if h.instanceID == "" {
		h.instanceID = idgen.New()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	if h.queue == nil {
		h.queue = make(chan Message, 4096)
	}
	return h
}

// InstanceID returns the origin tag of this hub.
func (h *Hub) InstanceID() string { return h.instanceID }

// Register adds a sink. The returned func removes it; no frame is handed to
// the sink once it returns.
func (h *Hub) Register(s Sink) (uint64, func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.sinks[id] = s
	h.mu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// Len returns the number of registered sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Publish delivers an event to every local sink, then queues it for the bus
// in publish order. It only fails when payload cannot be encoded.
func (h *Hub) Publish(ctx context.Context, typ string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fanout: publish %s: %w", typ, err)
		}
		raw = b
	}
	m := Message{Type: typ, Payload: raw, Origin: h.instanceID}
	h.deliverLocal(m)

	if h.bus == nil {
		return nil
	}
	select {
	case h.queue <- m:
	default:
		h.observer.RelayFailed()
		h.logger.Warn("fanout: relay dropped", "type", typ, "error", ErrQueueFull)
	}
	return nil
}

func (h *Hub) deliverLocal(m Message) {
	f := m.Frame()
	// The read lock is held during delivery so an unregistered sink never
	// receives a frame after its unregister func returned.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sinks {
		if s.TrySend(f) {
			h.delivered.Add(1)
			h.observer.Outcome(Delivered)
		} else {
			h.dropped.Add(1)
			h.observer.Outcome(Dropped)
		}
	}
}

// Run relays queued messages to the bus and delivers bus messages from other
// instances locally. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	in, err := h.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("fanout: subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.relayOut(ctx)
	}()
	defer func() { <-done }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("fanout: bus subscription closed")
			}
			h.receive(ctx, m)
		}
	}
}

func (h *Hub) receive(ctx context.Context, m Message) {
	if m.Origin == h.instanceID {
		h.echoes.Add(1)
		h.observer.Relayed("echo")
		return
	}
	h.observer.Relayed("in")
	if h.apply != nil {
		if err := h.apply(ctx, m.Type, m.Payload); err != nil {
			h.logger.Warn("fanout: apply remote failed", "type", m.Type, "origin", m.Origin, "error", err)
		}
	}
	h.deliverLocal(m)
}

func (h *Hub) relayOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.queue:
			if err := h.bus.Publish(ctx, m); err != nil {
				h.observer.RelayFailed()
				h.logger.Warn("fanout: relay failed", "type", m.Type, "error", err)
				continue
			}
			h.observer.Relayed("out")
		}
	}
}

// Counters is a snapshot of hub delivery counters.
type Counters struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Echoes    uint64 `json:"echoes_suppressed"`
	Sinks     int    `json:"sinks"`
}

// Counters returns the running totals.
func (h *Hub) Counters() Counters {
	return Counters{
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Echoes:    h.echoes.Load(),
		Sinks:     h.Len(),
	}
}
