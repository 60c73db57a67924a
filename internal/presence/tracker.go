// Package presence tracks who is in the room and who is typing. The roster
// is replaced wholesale on every update. At most one participant is shown
// as typing, and that indicator clears itself after a quiet window.
package presence

import (
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/clock"
)

// DefaultTypingWindow is how long a typing indicator lasts without renewal.
const DefaultTypingWindow = 2000 * time.Millisecond

// TypingState is the current typing indicator.
type TypingState struct {
	Identity  string
	ExpiresAt time.Time
}

// Tracker holds the roster and typing indicator of one room.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	self     string
	roster   []string
	typing   *TypingState
	timer    *clock.Timer
	gen      uint64
	onExpire func()
}

// NewTracker creates a Tracker. onExpire, if set, is called outside the
// lock each time a typing indicator clears on its own.
func NewTracker(clk clock.Clock, window time.Duration, onExpire func()) *Tracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Tracker{clock: clk, window: window, onExpire: onExpire}
}

// SetSelf sets the local identity.
func (t *Tracker) SetSelf(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = identity
}

// SetRoster replaces the roster.
func (t *Tracker) SetRoster(ids []string) {
	roster := make([]string, len(ids))
	copy(roster, ids)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.roster = roster
}

// Roster returns the roster with the local identity first, if present. The
// other identities keep the order the server sent.
func (t *Tracker) Roster() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.roster))
	selfPresent := false
	for _, id := range t.roster {
		if id == t.self && t.self != "" {
			selfPresent = true
			continue
		}
		out = append(out, id)
	}
	if selfPresent {
		out = append([]string{t.self}, out...)
	}
	return out
}

// MarkTyping shows identity as typing for one window, replacing any
// previous typer and restarting the expiry timer. Events about the local
// identity are ignored; it reports whether the indicator changed.
func (t *Tracker) MarkTyping(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if identity == "" || identity == t.self {
		return false
	}

	t.timer.Stop()
	t.gen++
	gen := t.gen
	t.typing = &TypingState{Identity: identity, ExpiresAt: t.clock.Now().Add(t.window)}
	t.timer = t.clock.AfterFunc(t.window, func() { t.expire(gen) })
	return true
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.typing == nil {
		t.mu.Unlock()
		return
	}
	t.typing = nil
	t.timer = nil
	onExpire := t.onExpire
	t.mu.Unlock()

	if onExpire != nil {
		onExpire()
	}
}

// Typing returns the current indicator. An indicator whose window has
// passed is reported as absent even if its timer has not run yet.
func (t *Tracker) Typing() (TypingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.typing == nil || !t.clock.Now().Before(t.typing.ExpiresAt) {
		return TypingState{}, false
	}
	return *t.typing, true
}

// Reset cancels the expiry timer and clears the roster, the indicator and
// the local identity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer.Stop()
	t.timer = nil
	t.gen++
	t.typing = nil
	t.roster = nil
	t.self = ""
}
