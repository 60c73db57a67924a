// Package engine keeps a client's view of one room in sync with the server.
// It negotiates the join (resolving private-room credentials first), owns
// the subscriptions that feed the message log and presence tracker while
// joined, and turns local intents into outbound events.
//
// All state changes are serialized by a single mutex. Inbound events arrive
// in order from the transport's reader, timers arrive from the clock, and
// observers are always called with the lock released.
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/credential"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/outbound"
	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

// Config holds the engine's timing settings.
type Config struct {
	TypingWindow           time.Duration
	CredentialPollInterval time.Duration
	CredentialTimeout      time.Duration
	JoinSettleDelay        time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	cred := credential.DefaultConfig()
	return Config{
		TypingWindow:           presence.DefaultTypingWindow,
		CredentialPollInterval: cred.Interval,
		CredentialTimeout:      cred.Timeout,
		JoinSettleDelay:        100 * time.Millisecond,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrefs sets the local key/value store. The default is in-memory.
func WithPrefs(store prefs.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig overrides the timings.
func WithConfig(config Config) Option {
	return func(e *Engine) { e.config = config }
}

// WithObserver registers fn to receive every Update. Observers run in
// registration order on the goroutine that caused the update.
func WithObserver(fn func(Update)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// Engine is the synchronization engine for one room membership at a time.
type Engine struct {
	ch        transport.Channel
	store     prefs.Store
	clock     clock.Clock
	config    Config
	logger    zerolog.Logger
	observers []func(Update)

	resolver *credential.Resolver
	log      *chatlog.Log
	presence *presence.Tracker
	out      *outbound.Dispatcher

	mu       sync.Mutex
	sess     session.Session
	gen      uint64
	poll     *credential.Poll
	joinSubs *transport.Set
	roomSubs *transport.Set
	settle   *clock.Timer
	changed  chan struct{}
}

// New creates an Engine that talks over ch.
func New(ch transport.Channel, opts ...Option) *Engine {
	e := &Engine{
		ch:      ch,
		store:   prefs.NewMemoryStore(),
		clock:   clock.Real(),
		config:  DefaultConfig(),
		logger:  zerolog.Nop(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()

	e.resolver = credential.NewResolver(e.store, e.clock, credential.Config{
		Interval: e.config.CredentialPollInterval,
		Timeout:  e.config.CredentialTimeout,
	}, e.logger)
	e.log = chatlog.New(e.clock)
	e.presence = presence.NewTracker(e.clock, e.config.TypingWindow, e.onTypingExpired)
	e.out = outbound.New(ch, e.logger)
	return e
}

// ---------------------------------------------------------------------------
// Read views
// ---------------------------------------------------------------------------

// State returns the current session state.
func (e *Engine) State() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.State()
}

// Session returns a copy of the current session.
func (e *Engine) Session() session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Messages returns the message log in order.
func (e *Engine) Messages() []chatlog.Entry {
	return e.log.Entries()
}

// Roster returns the participants with the local identity first.
func (e *Engine) Roster() []string {
	return e.presence.Roster()
}

// Typing returns the current typing indicator.
func (e *Engine) Typing() (presence.TypingState, bool) {
	return e.presence.Typing()
}

// PendingEdit returns the local edit in progress.
func (e *Engine) PendingEdit() (outbound.PendingEdit, bool) {
	return e.out.PendingEdit()
}

// PendingDelete returns the id awaiting delete confirmation.
func (e *Engine) PendingDelete() (string, bool) {
	return e.out.PendingDelete()
}

// ---------------------------------------------------------------------------
// Local intents
// ---------------------------------------------------------------------------

// Send sends body, or applies it to the pending edit.
func (e *Engine) Send(body string) error {
	if err := e.requireJoined(); err != nil {
		return err
	}
	return e.out.SendOrUpdate(body)
}

// BeginEdit starts editing the local participant's message id.
func (e *Engine) BeginEdit(id string) (outbound.PendingEdit, error) {
	if err := e.requireJoined(); err != nil {
		return outbound.PendingEdit{}, err
	}
	entry, err := e.log.Get(id)
	if err != nil {
		return outbound.PendingEdit{}, err
	}
	return e.out.BeginEdit(entry)
}

// CancelEdit drops the pending edit.
func (e *Engine) CancelEdit() { e.out.CancelEdit() }

// RequestDelete marks the local participant's message id for deletion.
func (e *Engine) RequestDelete(id string) error {
	if err := e.requireJoined(); err != nil {
		return err
	}
	entry, err := e.log.Get(id)
	if err != nil {
		return err
	}
	return e.out.RequestDelete(entry)
}

// ConfirmDelete sends the pending delete for id.
func (e *Engine) ConfirmDelete(id string) error {
	if err := e.requireJoined(); err != nil {
		return err
	}
	return e.out.ConfirmDelete(id)
}

// CancelDelete drops the pending delete.
func (e *Engine) CancelDelete() { e.out.CancelDelete() }

// NotifyTyping tells the room the local participant is typing.
func (e *Engine) NotifyTyping() error {
	if err := e.requireJoined(); err != nil {
		return err
	}
	return e.out.NotifyTyping()
}

func (e *Engine) requireJoined() error {
	if e.State() != session.Joined {
		return session.ErrNotJoined
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// publish delivers updates to observers. Callers must not hold e.mu.
func (e *Engine) publish(updates ...Update) {
	for _, u := range updates {
		for _, fn := range e.observers {
			fn(u)
		}
	}
}

// transitionedLocked wakes Await callers and describes the change.
func (e *Engine) transitionedLocked(t session.Transition) Update {
	close(e.changed)
	e.changed = make(chan struct{})

	ev := e.logger.Debug()
	if t.Err != nil {
		ev = e.logger.Info().Err(t.Err)
	}
	ev.Str("from", t.From.String()).Str("to", t.To.String()).Msg("session state changed")

	return Update{Kind: UpdateState, Transition: t, Err: t.Err}
}

func (e *Engine) logUpdateLocked() Update {
	entries := e.log.Entries()
	metrics.LogEntries.Set(float64(len(entries)))
	return Update{Kind: UpdateLog, Entries: entries}
}

func (e *Engine) onTypingExpired() {
	e.publish(Update{Kind: UpdateTyping})
}

// decode parses an inbound payload, logging and dropping malformed ones.
func decode[T any](e *Engine, event string, payload json.RawMessage) (T, bool) {
	var zero T
	msg, err := protocol.ParseServerPayload(event, payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed event")
		return zero, false
	}
	v, ok := msg.(T)
	return v, ok
}
