package lobby

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/transport"
)

// scriptedChannel answers each emitted event with a canned reply.
type scriptedChannel struct {
	*transport.Bus
	sent    []string
	payload map[string]any
	replies map[string]func() (string, any)
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{
		Bus:     transport.NewBus(zerolog.Nop()),
		replies: make(map[string]func() (string, any)),
	}
}

func (s *scriptedChannel) Emit(event string, payload any) error {
	s.sent = append(s.sent, event)
	data, _ := json.Marshal(payload)
	s.payload = nil
	_ = json.Unmarshal(data, &s.payload)

	if fn, ok := s.replies[event]; ok {
		name, reply := fn()
		data, _ := json.Marshal(reply)
		s.Dispatch(name, data)
	}
	return nil
}

func TestListPublicRooms(t *testing.T) {
	ch := newScriptedChannel()
	ch.replies[protocol.TypeGetPublicRooms] = func() (string, any) {
		return protocol.TypePublicRooms, []protocol.RoomInfo{
			{Name: "lobby", Visibility: protocol.Public, Users: []string{"alice"}},
		}
	}
	l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

	rooms, err := l.ListPublicRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Name)
	assert.Equal(t, 0, ch.Total(), "reply listener leaked")

	assert.NoError(t, l.ValidateJoin("lobby", protocol.Public))
	assert.ErrorIs(t, l.ValidateJoin("missing", protocol.Public), ErrUnknownRoom)
	assert.NoError(t, l.ValidateJoin("missing", protocol.Private))
	assert.ErrorIs(t, l.ValidateJoin(" ", protocol.Public), ErrNameRequired)
}

func TestListPublicRoomsTimeout(t *testing.T) {
	ch := newScriptedChannel()
	l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.ListPublicRooms(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ch.Total())
}

func TestListPublicRoomsServerError(t *testing.T) {
	ch := newScriptedChannel()
	ch.replies[protocol.TypeGetPublicRooms] = func() (string, any) {
		return protocol.TypeError, protocol.ErrorMsg{Text: "Server busy"}
	}
	l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := l.ListPublicRooms(ctx)
	assert.ErrorIs(t, err, ErrListFailed)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "Server busy")
	assert.Equal(t, 0, ch.Total())
}

func TestCreatePrivateRoomStoresCredential(t *testing.T) {
	ch := newScriptedChannel()
	ch.replies[protocol.TypeCreateRoom] = func() (string, any) {
		return protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: protocol.RoomInfo{Name: "vault", Visibility: protocol.Private}}
	}
	store := prefs.NewMemoryStore()
	l := New(ch, store, zerolog.Nop())

	room, err := l.CreateRoom(context.Background(), "vault", protocol.Private, "pw")
	require.NoError(t, err)
	assert.Equal(t, "vault", room.Name)
	assert.Equal(t, "pw", ch.payload["credential"])

	v, ok, _ := store.Get(context.Background(), prefs.CredentialKey("vault"))
	assert.True(t, ok)
	assert.Equal(t, "pw", v)
}

func TestCreatePublicRoomOmitsCredential(t *testing.T) {
	ch := newScriptedChannel()
	ch.replies[protocol.TypeCreateRoom] = func() (string, any) {
		return protocol.TypeRoomCreated, protocol.RoomCreatedMsg{}
	}
	l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

	room, err := l.CreateRoom(context.Background(), "lobby", protocol.Public, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "lobby", room.Name)
	assert.Equal(t, protocol.Public, room.Visibility)
	_, present := ch.payload["credential"]
	assert.False(t, present)
}

func TestCreateRoomValidation(t *testing.T) {
	ch := newScriptedChannel()
	l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

	_, err := l.CreateRoom(context.Background(), "", protocol.Public, "")
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = l.CreateRoom(context.Background(), "vault", protocol.Private, "")
	assert.ErrorIs(t, err, ErrCredentialRequired)
	assert.Empty(t, ch.sent)
}

func TestCreateRoomServerErrors(t *testing.T) {
	cases := []struct {
		text string
		want error
	}{
		{"Room name already exists", ErrRoomName},
		{"Password too short", session.ErrAuthenticationDenied},
		{"Server busy", ErrCreateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			ch := newScriptedChannel()
			ch.replies[protocol.TypeCreateRoom] = func() (string, any) {
				return protocol.TypeError, protocol.ErrorMsg{Text: tc.text}
			}
			l := New(ch, prefs.NewMemoryStore(), zerolog.Nop())

			_, err := l.CreateRoom(context.Background(), "vault", protocol.Private, "pw")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
