package engine

import (
	"encoding/json"
	"errors"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

// attachRoomLocked subscribes to every event that changes a joined room.
// The returned Set is detached as one unit on leave or teardown; handlers
// also drop events whose generation is no longer current.
func (e *Engine) attachRoomLocked(gen uint64) *transport.Set {
	return transport.Attach(e.ch,
		transport.Route{Event: protocol.TypeReceiveMessage, Handler: func(p json.RawMessage) { e.onReceive(gen, p) }},
		transport.Route{Event: protocol.TypeMessageHistory, Handler: func(p json.RawMessage) { e.onHistory(gen, p) }},
		transport.Route{Event: protocol.TypeNotification, Handler: func(p json.RawMessage) { e.onNotification(gen, p) }},
		transport.Route{Event: protocol.TypeUpdateUserList, Handler: func(p json.RawMessage) { e.onRoster(gen, session.Joined, p) }},
		transport.Route{Event: protocol.TypeTyping, Handler: func(p json.RawMessage) { e.onTyping(gen, p) }},
		transport.Route{Event: protocol.TypeMessageEdited, Handler: func(p json.RawMessage) { e.onEdited(gen, p) }},
		transport.Route{Event: protocol.TypeMessageDeleted, Handler: func(p json.RawMessage) { e.onDeleted(gen, p) }},
		transport.Route{Event: protocol.TypeError, Handler: func(p json.RawMessage) { e.onRoomError(gen, p) }},
	)
}

// lockIfCurrent takes e.mu and reports whether gen is still live in state
// want. On false the lock has been released.
func (e *Engine) lockIfCurrent(gen uint64, want session.State) bool {
	e.mu.Lock()
	if gen != e.gen || e.sess.State() != want {
		e.mu.Unlock()
		return false
	}
	return true
}

func (e *Engine) onReceive(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.MessageEntry](e, protocol.TypeReceiveMessage, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	if !e.log.Append(chatlog.FromWire(m)) {
		e.mu.Unlock()
		e.logger.Debug().Str("id", m.ID).Msg("duplicate message dropped")
		return
	}
	u := e.logUpdateLocked()
	e.mu.Unlock()
	e.publish(u)
}

// onHistory handles a snapshot pushed while already joined.
func (e *Engine) onHistory(gen uint64, payload json.RawMessage) {
	history, ok := decode[[]protocol.MessageEntry](e, protocol.TypeMessageHistory, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	entries := make([]chatlog.Entry, len(history))
	for i, m := range history {
		entries[i] = chatlog.FromWire(m)
	}
	e.log.ReplaceAll(entries)
	u := e.logUpdateLocked()
	e.mu.Unlock()
	e.publish(u)
}

func (e *Engine) onNotification(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.NotificationMsg](e, protocol.TypeNotification, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	e.log.AppendNotification(m.Text)
	u := e.logUpdateLocked()
	e.mu.Unlock()
	e.publish(u)
}

// onRoster is attached both while joining and while joined.
func (e *Engine) onRoster(gen uint64, want session.State, payload json.RawMessage) {
	ids, ok := decode[[]string](e, protocol.TypeUpdateUserList, payload)
	if !ok || !e.lockIfCurrent(gen, want) {
		return
	}
	e.presence.SetRoster(ids)
	u := Update{Kind: UpdateRoster, Roster: e.presence.Roster()}
	e.mu.Unlock()
	e.publish(u)
}

func (e *Engine) onTyping(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.TypingObservedMsg](e, protocol.TypeTyping, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	if !e.presence.MarkTyping(m.Identity) {
		e.mu.Unlock()
		return
	}
	st, _ := e.presence.Typing()
	e.mu.Unlock()
	e.publish(Update{Kind: UpdateTyping, Typing: &st})
}

func (e *Engine) onEdited(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.MessageEditedMsg](e, protocol.TypeMessageEdited, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	if !e.log.ApplyEdit(m.ID, m.Body, m.EditedAt) {
		e.mu.Unlock()
		return
	}
	e.out.EditApplied(m.ID)
	u := e.logUpdateLocked()
	e.mu.Unlock()
	e.publish(u)
}

func (e *Engine) onDeleted(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.MessageDeletedMsg](e, protocol.TypeMessageDeleted, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	e.out.TargetDeleted(m.ID)
	if !e.log.ApplyDelete(m.ID) {
		e.mu.Unlock()
		return
	}
	u := e.logUpdateLocked()
	e.mu.Unlock()
	e.publish(u)
}

// onRoomError surfaces a server error while joined. A credential error
// means the membership is no longer valid, so the room is torn down and
// the remembered membership forgotten.
func (e *Engine) onRoomError(gen uint64, payload json.RawMessage) {
	m, ok := decode[protocol.ErrorMsg](e, protocol.TypeError, payload)
	if !ok || !e.lockIfCurrent(gen, session.Joined) {
		return
	}
	cause := session.ClassifyError(m.Text)
	updates := []Update{{Kind: UpdateError, Err: cause}}

	exit := errors.Is(cause, session.ErrAuthenticationDenied)
	if exit {
		updates = append(updates, e.teardownLocked()...)
	}
	e.mu.Unlock()

	e.logger.Warn().Err(cause).Bool("exit", exit).Msg("server error")
	e.publish(updates...)
	if exit {
		e.forget()
	}
}
