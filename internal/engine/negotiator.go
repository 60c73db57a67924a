package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

// ErrNoRememberedSession is returned by Resume when the store holds no
// previous membership.
var ErrNoRememberedSession = errors.New("engine: no remembered session")

const prefsTimeout = 2 * time.Second

// Join starts joining room as identity. It returns once the join is under
// way; use Await or an observer for the outcome.
//
// Calling Join again with the same inputs while the attempt is pending is a
// no-op. Different inputs cancel the pending attempt first. A joined engine
// must Leave before joining again.
func (e *Engine) Join(identity, room string, vis protocol.Visibility, secret string) error {
	identity = strings.TrimSpace(identity)
	room = strings.TrimSpace(room)
	if identity == "" {
		return session.ErrMissingIdentity
	}
	if room == "" {
		return session.ErrMissingRoom
	}
	vis, err := protocol.ParseVisibility(string(vis))
	if err != nil {
		return err
	}

	// The store may be remote; look the secret up before taking the lock.
	resolved, haveSecret := e.resolver.Lookup(room, vis, secret)

	e.mu.Lock()
	var updates []Update
	switch st := e.sess.State(); {
	case st == session.Joined:
		e.mu.Unlock()
		return session.ErrAlreadyJoined
	case st.Pending():
		if e.sess.Matches(identity, room, vis, matchSecret(vis, secret)) {
			e.mu.Unlock()
			return nil
		}
		e.logger.Info().Str("room", e.sess.Room).Msg("cancelling pending join")
		metrics.JoinAttempts.WithLabelValues(metrics.OutcomeCancelled).Inc()
		updates = append(updates, e.teardownLocked()...)
	case st != session.Idle:
		updates = append(updates, e.teardownLocked()...)
	}

	if err := e.sess.Start(identity, room, vis, resolved); err != nil {
		e.mu.Unlock()
		e.publish(updates...)
		return err
	}
	e.gen++
	gen := e.gen
	e.presence.SetSelf(identity)
	e.out.SetSelf(identity)
	e.logger.Info().Str("room", room).Str("identity", identity).Str("visibility", string(vis)).Msg("joining room")

	if !haveSecret {
		t, _ := e.sess.Transition(session.ResolvingCredential)
		updates = append(updates, e.transitionedLocked(t))
		e.poll = e.resolver.Poll(room, func(secret string, err error) {
			e.onCredential(gen, secret, err)
		})
		e.mu.Unlock()
		e.publish(updates...)
		return nil
	}

	msg, u := e.beginJoiningLocked(gen)
	updates = append(updates, u)
	e.mu.Unlock()
	e.publish(updates...)
	return e.sendJoin(gen, msg)
}

// Resume joins the membership remembered in the store. A remembered
// private room takes its secret from the store as usual.
func (e *Engine) Resume() error {
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()

	identity, ok1, err := e.store.Get(ctx, prefs.KeyIdentity)
	if err != nil {
		return err
	}
	room, ok2, err := e.store.Get(ctx, prefs.KeyRoom)
	if err != nil {
		return err
	}
	if !ok1 || !ok2 || identity == "" || room == "" {
		return ErrNoRememberedSession
	}
	vis, _, err := e.store.Get(ctx, prefs.KeyVisibility)
	if err != nil {
		return err
	}
	return e.Join(identity, room, protocol.Visibility(vis), "")
}

// Leave sends the leave notice and then leaves the joined room. Pending
// edits and deletes are dropped and the remembered membership is
// forgotten. If the notice cannot be sent the session stays Joined.
func (e *Engine) Leave() error {
	e.mu.Lock()
	if e.sess.State() != session.Joined {
		e.mu.Unlock()
		return session.ErrNotJoined
	}
	gen := e.gen
	room := e.sess.Room
	e.mu.Unlock()

	if err := e.out.Leave(); err != nil {
		e.logger.Warn().Err(err).Str("room", room).Msg("leave notice failed")
		return err
	}

	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.Joined {
		e.mu.Unlock()
		return nil
	}
	t, _ := e.sess.Transition(session.Left)
	updates := []Update{e.transitionedLocked(t)}
	updates = append(updates, e.teardownLocked()...)
	e.mu.Unlock()

	e.publish(updates...)
	e.logger.Info().Str("room", room).Msg("left room")
	e.forget()
	return nil
}

// Reset abandons whatever the engine is doing without telling the server:
// a pending join is cancelled, a joined room is torn down locally and a
// denial is cleared. The remembered membership is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	updates := e.teardownLocked()
	e.mu.Unlock()
	e.publish(updates...)
}

// Await blocks until no join is pending and returns the resulting state.
// For Denied it also returns the cause.
func (e *Engine) Await(ctx context.Context) (session.State, error) {
	for {
		e.mu.Lock()
		st := e.sess.State()
		cause := e.sess.Cause()
		changed := e.changed
		e.mu.Unlock()

		if !st.Pending() {
			if st == session.Denied {
				return st, cause
			}
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		}
	}
}

// matchSecret drops a secret supplied for a public room, which is never
// sent and so cannot make two requests differ.
func matchSecret(vis protocol.Visibility, secret string) string {
	if vis != protocol.Private {
		return ""
	}
	return secret
}

// teardownLocked releases every resource of the current membership and
// returns the session to Idle.
func (e *Engine) teardownLocked() []Update {
	e.gen++
	if e.poll.Cancel() {
		e.logger.Debug().Msg("credential poll cancelled")
	}
	e.poll = nil
	e.joinSubs.Detach()
	e.joinSubs = nil
	e.roomSubs.Detach()
	e.roomSubs = nil
	e.settle.Stop()
	e.settle = nil

	e.presence.Reset()
	e.out.Reset()
	e.out.SetSelf("")
	hadEntries := e.log.Len() > 0
	e.log.Reset()

	var updates []Update
	if t, ok := e.sess.Reset(); ok {
		updates = append(updates, e.transitionedLocked(t))
	}
	if hadEntries {
		updates = append(updates, e.logUpdateLocked())
	}
	return updates
}

// onCredential finishes the ResolvingCredential step.
func (e *Engine) onCredential(gen uint64, secret string, err error) {
	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.ResolvingCredential {
		e.mu.Unlock()
		return
	}
	e.poll = nil

	if err != nil {
		t, _ := e.sess.Deny(err)
		e.presence.Reset()
		u := e.transitionedLocked(t)
		e.mu.Unlock()
		metrics.JoinAttempts.WithLabelValues(metrics.OutcomeTimeout).Inc()
		e.publish(u)
		return
	}

	e.sess.Credential = secret
	msg, u := e.beginJoiningLocked(gen)
	e.mu.Unlock()
	e.publish(u)
	_ = e.sendJoin(gen, msg)
}

// beginJoiningLocked moves to Joining and attaches the join-scoped
// listeners before the request is written, so the reply cannot be missed.
func (e *Engine) beginJoiningLocked(gen uint64) (protocol.JoinRoomMsg, Update) {
	t, _ := e.sess.Transition(session.Joining)
	e.joinSubs = transport.Attach(e.ch,
		transport.Route{Event: protocol.TypeMessageHistory, Handler: func(p json.RawMessage) { e.onJoinHistory(gen, p) }},
		transport.Route{Event: protocol.TypeError, Handler: func(p json.RawMessage) { e.onJoinError(gen, p) }},
		transport.Route{Event: protocol.TypeUpdateUserList, Handler: func(p json.RawMessage) { e.onRoster(gen, session.Joining, p) }},
	)

	msg := protocol.JoinRoomMsg{Identity: e.sess.Identity, Room: e.sess.Room}
	if e.sess.Visibility == protocol.Private {
		msg.Credential = e.sess.Credential
	}
	return msg, e.transitionedLocked(t)
}

// sendJoin writes join_room. A write failure denies the attempt.
func (e *Engine) sendJoin(gen uint64, msg protocol.JoinRoomMsg) error {
	err := e.ch.Emit(protocol.TypeJoinRoom, msg)
	if err == nil {
		return nil
	}
	cause := fmt.Errorf("%w: %w", session.ErrTransport, err)

	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.Joining {
		e.mu.Unlock()
		return cause
	}
	e.joinSubs.Detach()
	e.joinSubs = nil
	e.presence.Reset()
	t, _ := e.sess.Deny(cause)
	u := e.transitionedLocked(t)
	e.mu.Unlock()

	metrics.JoinAttempts.WithLabelValues(metrics.OutcomeDenied).Inc()
	e.publish(u)
	return cause
}

// onJoinHistory completes the join: the snapshot replaces the log, the
// joined-room subscriptions take over and the settle timer starts.
func (e *Engine) onJoinHistory(gen uint64, payload json.RawMessage) {
	history, ok := decode[[]protocol.MessageEntry](e, protocol.TypeMessageHistory, payload)
	if !ok {
		return
	}

	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.Joining {
		e.mu.Unlock()
		return
	}
	e.joinSubs.Detach()
	e.joinSubs = nil

	entries := make([]chatlog.Entry, len(history))
	for i, m := range history {
		entries[i] = chatlog.FromWire(m)
	}
	e.log.ReplaceAll(entries)

	t, _ := e.sess.Transition(session.Joined)
	e.roomSubs = e.attachRoomLocked(gen)
	e.settle = e.clock.AfterFunc(e.config.JoinSettleDelay, func() { e.onSettled(gen) })

	joined := e.sess
	updates := []Update{e.transitionedLocked(t), e.logUpdateLocked()}
	e.mu.Unlock()

	metrics.JoinAttempts.WithLabelValues(metrics.OutcomeJoined).Inc()
	e.logger.Info().Str("room", joined.Room).Int("history", len(entries)).Msg("joined room")
	e.publish(updates...)
	e.remember(joined)
}

// onJoinError denies the pending attempt.
func (e *Engine) onJoinError(gen uint64, payload json.RawMessage) {
	msg, ok := decode[protocol.ErrorMsg](e, protocol.TypeError, payload)
	if !ok {
		return
	}

	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.Joining {
		e.mu.Unlock()
		return
	}
	e.joinSubs.Detach()
	e.joinSubs = nil
	e.presence.Reset()
	t, _ := e.sess.Deny(session.ClassifyError(msg.Text))
	u := e.transitionedLocked(t)
	e.mu.Unlock()

	metrics.JoinAttempts.WithLabelValues(metrics.OutcomeDenied).Inc()
	e.publish(u)
}

// onSettled reports the join's initial state once the roster has had a
// chance to arrive.
func (e *Engine) onSettled(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.sess.State() != session.Joined {
		e.mu.Unlock()
		return
	}
	e.settle = nil
	u := Update{Kind: UpdateJoinSettled, Entries: e.log.Entries(), Roster: e.presence.Roster()}
	e.mu.Unlock()

	e.publish(u)
}

// remember stores the joined membership so Resume can restore it.
func (e *Engine) remember(s session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()

	values := [][2]string{
		{prefs.KeyIdentity, s.Identity},
		{prefs.KeyRoom, s.Room},
		{prefs.KeyVisibility, string(s.Visibility)},
	}
	if s.Visibility == protocol.Private && s.Credential != "" {
		values = append(values, [2]string{prefs.CredentialKey(s.Room), s.Credential})
	}
	for _, kv := range values {
		if err := e.store.Set(ctx, kv[0], kv[1]); err != nil {
			e.logger.Warn().Err(err).Str("key", kv[0]).Msg("failed to remember session")
			return
		}
	}
}

// forget drops the remembered membership. Room credentials are kept.
func (e *Engine) forget() {
	ctx, cancel := context.WithTimeout(context.Background(), prefsTimeout)
	defer cancel()

	if err := e.store.Delete(ctx, prefs.KeyIdentity, prefs.KeyRoom, prefs.KeyVisibility); err != nil {
		e.logger.Warn().Err(err).Msg("failed to forget session")
	}
}
