// Package transport carries protocol events between the client and the
// server. A Channel emits named events and routes inbound events to the
// handlers registered for them; WSChannel and NATSChannel implement it over
// a WebSocket connection and a NATS subject pair respectively.
package transport

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// Handler is the callback signature for an inbound event. It receives the
// raw payload so each consumer decodes only what it needs.
type Handler func(payload json.RawMessage)

// Subscription is a registered handler. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Channel is a bidirectional, multiplexed event channel to the server.
// Handlers for a single channel are invoked sequentially, in arrival order.
type Channel interface {
	Emit(event string, payload any) error
	On(event string, h Handler) Subscription
}

// Bus routes inbound events to registered handlers. Multiple handlers may be
// registered for one event; they run in registration order. A handler
// removed during dispatch is not invoked afterwards, even if the dispatch
// that removed it is still iterating.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*registration
	logger   zerolog.Logger
}

type registration struct {
	bus     *Bus
	event   string
	handler Handler
	removed bool
}

// NewBus creates an empty Bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]*registration),
		logger:   logger,
	}
}

// On registers h for event.
func (b *Bus) On(event string, h Handler) Subscription {
	r := &registration{bus: b, event: event, handler: h}
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], r)
	b.mu.Unlock()
	return r
}

// Unsubscribe removes the handler from its bus.
func (r *registration) Unsubscribe() {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.removed {
		return
	}
	r.removed = true

	regs := b.handlers[r.event]
	for i, other := range regs {
		if other == r {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(b.handlers, r.event)
	} else {
		b.handlers[r.event] = regs
	}
}

// Dispatch invokes every handler registered for event. Handlers run on the
// caller's goroutine without the bus lock held, so they may register or
// remove subscriptions.
func (b *Bus) Dispatch(event string, payload json.RawMessage) {
	b.mu.Lock()
	regs := append([]*registration(nil), b.handlers[event]...)
	b.mu.Unlock()

	if len(regs) == 0 {
		b.logger.Debug().Str("event", event).Msg("no handler for event")
		return
	}

	for _, r := range regs {
		b.mu.Lock()
		removed := r.removed
		b.mu.Unlock()
		if removed {
			continue
		}
		r.handler(payload)
	}
}

// DispatchFrame decodes a raw envelope and dispatches it. Malformed frames
// are logged and dropped.
func (b *Bus) DispatchFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Type).Inc()
	b.Dispatch(env.Type, env.Payload)
}

// Handlers returns the number of live handlers for event.
func (b *Bus) Handlers(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

// Total returns the number of live handlers across all events.
func (b *Bus) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, regs := range b.handlers {
		n += len(regs)
	}
	return n
}
