// Package lobby covers what happens before a room is joined: listing public
// rooms, creating rooms and checking a join request against the listing.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

var (
	ErrNameRequired       = errors.New("lobby: room name is required")
	ErrCredentialRequired = errors.New("lobby: password is required for private rooms")
	ErrUnknownRoom        = errors.New("lobby: selected public room does not exist")
	ErrRoomName           = errors.New("lobby: room name rejected")
	ErrCreateFailed       = errors.New("lobby: room creation failed")
	ErrListFailed         = errors.New("lobby: room listing failed")
)

// Lobby issues lobby requests over a channel. It remembers the last public
// listing for ValidateJoin.
type Lobby struct {
	ch     transport.Channel
	store  prefs.Store
	logger zerolog.Logger

	mu    sync.Mutex
	rooms []protocol.RoomInfo
}

// New creates a Lobby. store receives the secrets of private rooms created
// here, so a following join can find them.
func New(ch transport.Channel, store prefs.Store, logger zerolog.Logger) *Lobby {
	return &Lobby{
		ch:     ch,
		store:  store,
		logger: logger.With().Str("component", "lobby").Logger(),
	}
}

type reply struct {
	payload json.RawMessage
	event   string
}

// request attaches routes for the reply events, emits event and waits for
// the first reply. Routes are always detached before returning.
func (l *Lobby) request(ctx context.Context, event string, payload any, replies ...string) (reply, error) {
	out := make(chan reply, 1)
	routes := make([]transport.Route, len(replies))
	for i, name := range replies {
		name := name
		routes[i] = transport.Route{Event: name, Handler: func(p json.RawMessage) {
			select {
			case out <- reply{payload: p, event: name}:
			default:
			}
		}}
	}
	set := transport.Attach(l.ch, routes...)
	defer set.Detach()

	if err := l.ch.Emit(event, payload); err != nil {
		return reply{}, fmt.Errorf("%w: %w", session.ErrTransport, err)
	}

	select {
	case r := <-out:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// ListPublicRooms fetches the public room listing.
func (l *Lobby) ListPublicRooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	r, err := l.request(ctx, protocol.TypeGetPublicRooms, protocol.GetPublicRoomsMsg{}, protocol.TypePublicRooms, protocol.TypeError)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseServerPayload(r.event, r.payload)
	if err != nil {
		return nil, err
	}
	if e, ok := msg.(protocol.ErrorMsg); ok {
		return nil, fmt.Errorf("%w: %s", ErrListFailed, e.Text)
	}
	rooms := msg.([]protocol.RoomInfo)

	l.mu.Lock()
	l.rooms = rooms
	l.mu.Unlock()

	l.logger.Debug().Int("rooms", len(rooms)).Msg("public rooms listed")
	return rooms, nil
}

// CreateRoom creates a room. For a private room the secret is required and
// is stored locally once the server confirms.
func (l *Lobby) CreateRoom(ctx context.Context, name string, vis protocol.Visibility, secret string) (protocol.RoomInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.RoomInfo{}, ErrNameRequired
	}
	vis, err := protocol.ParseVisibility(string(vis))
	if err != nil {
		return protocol.RoomInfo{}, err
	}
	req := protocol.CreateRoomMsg{Name: name, Visibility: vis}
	if vis == protocol.Private {
		if secret == "" {
			return protocol.RoomInfo{}, ErrCredentialRequired
		}
		req.Credential = secret
	}

	r, err := l.request(ctx, protocol.TypeCreateRoom, req, protocol.TypeRoomCreated, protocol.TypeError)
	if err != nil {
		return protocol.RoomInfo{}, err
	}
	msg, err := protocol.ParseServerPayload(r.event, r.payload)
	if err != nil {
		return protocol.RoomInfo{}, err
	}
	if e, ok := msg.(protocol.ErrorMsg); ok {
		return protocol.RoomInfo{}, classifyCreateError(e.Text)
	}

	room := msg.(protocol.RoomCreatedMsg).Room
	if room.Name == "" {
		room.Name = name
	}
	if room.Visibility == "" {
		room.Visibility = vis
	}
	if vis == protocol.Private {
		if err := l.store.Set(ctx, prefs.CredentialKey(room.Name), secret); err != nil {
			return room, err
		}
	}
	l.logger.Info().Str("room", room.Name).Str("visibility", string(room.Visibility)).Msg("room created")
	return room, nil
}

// ValidateJoin checks a join request before it is sent. A public room must
// appear in the last listing.
func (l *Lobby) ValidateJoin(room string, vis protocol.Visibility) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrNameRequired
	}
	if vis == protocol.Private {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rooms {
		if r.Name == room {
			return nil
		}
	}
	return ErrUnknownRoom
}

// classifyCreateError maps server text: password problems are
// authentication errors, name problems are ErrRoomName.
func classifyCreateError(text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "password"):
		return fmt.Errorf("%w: %s", session.ErrAuthenticationDenied, text)
	case strings.Contains(lower, "name"):
		return fmt.Errorf("%w: %s", ErrRoomName, text)
	}
	return fmt.Errorf("%w: %s", ErrCreateFailed, text)
}
