// Package outbound turns local user intents (send, edit, delete, typing,
// leave) into protocol events. It never touches the local log: every change
// becomes visible only when the server echoes it back.
package outbound

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
)

var (
	// ErrNotAuthor is returned when editing or deleting someone else's
	// message.
	ErrNotAuthor = errors.New("outbound: entry was written by another participant")

	// ErrNotification is returned when a notification is targeted.
	ErrNotification = errors.New("outbound: notifications cannot be edited or deleted")

	// ErrNoPendingDelete is returned by ConfirmDelete without a matching
	// RequestDelete.
	ErrNoPendingDelete = errors.New("outbound: no pending delete for this entry")
)

// Emitter sends events to the server. transport.Channel satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}

// PendingEdit is a local edit in progress.
type PendingEdit struct {
	TargetID     string
	OriginalBody string
}

// Dispatcher holds the pending edit and delete for the local participant.
type Dispatcher struct {
	mu      sync.Mutex
	emitter Emitter
	self    string
	edit    *PendingEdit
	del     string
	logger  zerolog.Logger
}

// New creates a Dispatcher that writes to emitter.
func New(emitter Emitter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		emitter: emitter,
		logger:  logger.With().Str("component", "outbound").Logger(),
	}
}

// SetSelf sets the local identity used for authorship checks.
func (d *Dispatcher) SetSelf(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = identity
}

// SendOrUpdate sends body as a new message, or as the new body of the
// pending edit if there is one. The pending edit is cleared once the event
// has been written.
func (d *Dispatcher) SendOrUpdate(body string) error {
	body, err := ValidateBody(body)
	if err != nil {
		return err
	}

	d.mu.Lock()
	edit := d.edit
	d.mu.Unlock()

	if edit == nil {
		return d.emit(protocol.TypeSendMessage, protocol.SendMessageMsg{Body: body})
	}

	if err := d.emit(protocol.TypeEditMessage, protocol.EditMessageMsg{ID: edit.TargetID, Body: body}); err != nil {
		return err
	}
	d.mu.Lock()
	if d.edit == edit {
		d.edit = nil
	}
	d.mu.Unlock()
	return nil
}

// BeginEdit starts editing one of the local participant's messages. It
// replaces any edit already in progress.
func (d *Dispatcher) BeginEdit(e chatlog.Entry) (PendingEdit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.authorize(e); err != nil {
		return PendingEdit{}, err
	}
	d.edit = &PendingEdit{TargetID: e.ID, OriginalBody: e.Body}
	return *d.edit, nil
}

// CancelEdit drops the pending edit.
func (d *Dispatcher) CancelEdit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edit = nil
}

// PendingEdit returns the edit in progress.
func (d *Dispatcher) PendingEdit() (PendingEdit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.edit == nil {
		return PendingEdit{}, false
	}
	return *d.edit, true
}

// RequestDelete marks one of the local participant's messages for
// deletion. Nothing is sent until ConfirmDelete.
func (d *Dispatcher) RequestDelete(e chatlog.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.authorize(e); err != nil {
		return err
	}
	d.del = e.ID
	return nil
}

// PendingDelete returns the id awaiting confirmation.
func (d *Dispatcher) PendingDelete() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.del, d.del != ""
}

// ConfirmDelete sends delete_message for the requested id.
func (d *Dispatcher) ConfirmDelete(id string) error {
	d.mu.Lock()
	if d.del == "" || d.del != id {
		d.mu.Unlock()
		return ErrNoPendingDelete
	}
	d.del = ""
	d.mu.Unlock()

	return d.emit(protocol.TypeDeleteMessage, protocol.DeleteMessageMsg{ID: id})
}

// CancelDelete drops the pending delete.
func (d *Dispatcher) CancelDelete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.del = ""
}

// NotifyTyping sends a typing event. Every call sends.
func (d *Dispatcher) NotifyTyping() error {
	return d.emit(protocol.TypeTyping, protocol.TypingMsg{})
}

// Leave sends leave_room and drops all pending state.
func (d *Dispatcher) Leave() error {
	if err := d.emit(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{}); err != nil {
		return err
	}
	d.Reset()
	return nil
}

// EditApplied clears the pending edit if it targets id.
func (d *Dispatcher) EditApplied(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.edit != nil && d.edit.TargetID == id {
		d.edit = nil
	}
}

// TargetDeleted clears any pending edit or delete that targets id.
func (d *Dispatcher) TargetDeleted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.edit != nil && d.edit.TargetID == id {
		d.edit = nil
	}
	if d.del == id {
		d.del = ""
	}
}

// Reset drops the pending edit and delete.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edit = nil
	d.del = ""
}

func (d *Dispatcher) authorize(e chatlog.Entry) error {
	if e.Kind == chatlog.KindNotification || e.ID == "" {
		return ErrNotification
	}
	if d.self == "" || e.Author != d.self {
		return ErrNotAuthor
	}
	return nil
}

func (d *Dispatcher) emit(event string, payload any) error {
	if err := d.emitter.Emit(event, payload); err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
		return fmt.Errorf("%w: %w", session.ErrTransport, err)
	}
	return nil
}
