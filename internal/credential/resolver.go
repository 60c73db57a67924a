// Package credential resolves the secret for a private room. A secret is
// taken from the join request, else from the local store; when neither has
// one, the store is polled on a short interval until it appears or a
// deadline passes. A room creator's secret may be written to the store
// slightly after the join is requested, which is what the poll covers.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
)

// Config holds polling settings.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns the standard 100ms / 1s polling schedule.
func DefaultConfig() Config {
	return Config{
		Interval: 100 * time.Millisecond,
		Timeout:  1000 * time.Millisecond,
	}
}

// Resolver looks up and waits for room credentials.
type Resolver struct {
	store  prefs.Store
	clock  clock.Clock
	config Config
	logger zerolog.Logger
}

// NewResolver creates a Resolver. Non-positive config values fall back to
// the defaults.
func NewResolver(store prefs.Store, clk clock.Clock, config Config, logger zerolog.Logger) *Resolver {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Resolver{
		store:  store,
		clock:  clk,
		config: config,
		logger: logger.With().Str("component", "credential").Logger(),
	}
}

// Lookup resolves a credential without waiting. Public rooms resolve to no
// secret. It reports false when a private room has no secret yet.
func (r *Resolver) Lookup(room string, vis protocol.Visibility, supplied string) (string, bool) {
	if vis != protocol.Private {
		return "", true
	}
	if supplied != "" {
		return supplied, true
	}
	return r.stored(room, r.config.Interval)
}

// stored reads room's secret from the store, giving the read at most limit.
func (r *Resolver) stored(room string, limit time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	secret, ok, err := r.store.Get(ctx, prefs.CredentialKey(room))
	if err != nil {
		r.logger.Warn().Err(err).Str("room", room).Msg("credential lookup failed")
		return "", false
	}
	if !ok || secret == "" {
		return "", false
	}
	return secret, true
}

// Status is the state of a Poll.
type Status int

const (
	Pending Status = iota
	Resolved
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Poll is one wait for a room's credential.
type Poll struct {
	r    *Resolver
	room string
	done func(secret string, err error)

	started  time.Time
	deadline time.Time

	mu     sync.Mutex
	status Status
	timer  *clock.Timer
}

// Poll starts polling the store for room's credential. done is called
// exactly once, from a clock callback, with the secret or with
// session.ErrCredentialTimeout once the clock reaches the deadline. It is
// never called after Cancel.
func (r *Resolver) Poll(room string, done func(secret string, err error)) *Poll {
	now := r.clock.Now()
	p := &Poll{r: r, room: room, done: done, started: now, deadline: now.Add(r.config.Timeout)}
	p.mu.Lock()
	p.timer = r.clock.AfterFunc(r.config.Interval, p.tick)
	p.mu.Unlock()
	r.logger.Debug().Str("room", room).Msg("waiting for credential")
	return p
}

// Status returns the poll's current status.
func (p *Poll) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Cancel stops the poll. It reports whether the poll was still pending.
func (p *Poll) Cancel() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Pending {
		return false
	}
	p.status = Cancelled
	p.timer.Stop()
	p.timer = nil
	return true
}

func (p *Poll) tick() {
	p.mu.Lock()
	if p.status != Pending {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var (
		secret string
		ok     bool
	)
	if remaining := p.deadline.Sub(p.r.clock.Now()); remaining > 0 {
		secret, ok = p.r.stored(p.room, min(remaining, p.r.config.Interval))
	}

	p.mu.Lock()
	if p.status != Pending {
		p.mu.Unlock()
		return
	}
	now := p.r.clock.Now()
	switch {
	case ok:
		p.status = Resolved
		p.timer = nil
	case !now.Before(p.deadline):
		p.status = TimedOut
		p.timer = nil
	default:
		next := min(p.r.config.Interval, p.deadline.Sub(now))
		p.timer = p.r.clock.AfterFunc(next, p.tick)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	waited := now.Sub(p.started)
	metrics.CredentialWait.Observe(waited.Seconds())
	if ok {
		p.r.logger.Debug().Str("room", p.room).Dur("waited", waited).Msg("credential resolved")
		p.done(secret, nil)
		return
	}
	p.r.logger.Info().Str("room", p.room).Dur("waited", waited).Msg("credential timed out")
	p.done("", session.ErrCredentialTimeout)
}
