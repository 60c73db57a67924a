// Package protocol defines the events exchanged between a room chat client
// and the server. Every frame is a JSON envelope carrying the event name and
// a payload whose shape depends on the event.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeJoinRoom       = "join_room"
	TypeSendMessage    = "send_message"
	TypeEditMessage    = "edit_message"
	TypeDeleteMessage  = "delete_message"
	TypeTyping         = "typing"
	TypeLeaveRoom      = "leave_room"
	TypeGetPublicRooms = "get_public_rooms"
	TypeCreateRoom     = "create_room"
)

// Server -> Client events. TypeTyping is shared by both directions.
const (
	TypeMessageHistory = "message_history"
	TypeReceiveMessage = "receive_message"
	TypeNotification   = "notification"
	TypeUpdateUserList = "update_user_list"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeError          = "error"
	TypeRoomCreated    = "room_created"
	TypePublicRooms    = "public_rooms"
)

// Visibility is a room's access mode.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ParseVisibility maps user input to a Visibility. An empty string means
// public.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "", Public:
		return Public, nil
	case Private:
		return Private, nil
	}
	return "", fmt.Errorf("protocol: unknown visibility %q", s)
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the frame format on every transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope for the given event. A nil
// payload is sent as an empty object so servers can always decode it.
func Encode(event string, payload any) ([]byte, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
		raw = data
	}
	out, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses a frame into its envelope. It rejects frames without an
// event name.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env, nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinRoomMsg asks to join a room. Credential is omitted entirely for
// public rooms.
type JoinRoomMsg struct {
	Identity   string `json:"identity"`
	Room       string `json:"room"`
	Credential string `json:"credential,omitempty"`
}

// SendMessageMsg posts a new message to the joined room.
type SendMessageMsg struct {
	Body string `json:"body"`
}

// EditMessageMsg replaces the body of one of the sender's messages.
type EditMessageMsg struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// DeleteMessageMsg removes one of the sender's messages.
type DeleteMessageMsg struct {
	ID string `json:"id"`
}

// TypingMsg signals that the sender is composing.
type TypingMsg struct{}

// LeaveRoomMsg leaves the joined room.
type LeaveRoomMsg struct{}

// GetPublicRoomsMsg requests the public room listing.
type GetPublicRoomsMsg struct{}

// CreateRoomMsg creates a room. Credential is omitted for public rooms.
type CreateRoomMsg struct {
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	Credential string     `json:"credential,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// MessageEntry is a message as the server stores it.
type MessageEntry struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitzero"`
}

// NotificationMsg is a system announcement (join, leave, ...).
type NotificationMsg struct {
	Text string `json:"text"`
}

// TypingObservedMsg reports that a participant is composing.
type TypingObservedMsg struct {
	Identity string `json:"identity"`
}

// MessageEditedMsg reports an applied edit.
type MessageEditedMsg struct {
	ID       string    `json:"id"`
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
}

// MessageDeletedMsg reports a removed message.
type MessageDeletedMsg struct {
	ID string `json:"id"`
}

// ErrorMsg carries a server-side failure as free text.
type ErrorMsg struct {
	Text string `json:"text"`
}

// RoomInfo describes a room in listings and creation replies.
type RoomInfo struct {
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	Users      []string   `json:"users,omitempty"`
}

// RoomCreatedMsg confirms a create_room request.
type RoomCreatedMsg struct {
	Room RoomInfo `json:"room"`
}

// ---------------------------------------------------------------------------
// Payload decoding
// ---------------------------------------------------------------------------

// ParseServerPayload decodes the payload of a server event into its concrete
// type. message_history yields []MessageEntry, update_user_list []string and
// public_rooms []RoomInfo; the rest yield the matching *Msg struct (value,
// not pointer). An error is returned for unknown or client-only events.
func ParseServerPayload(event string, payload json.RawMessage) (any, error) {
	var (
		msg any
		err error
	)

	switch event {
	case TypeMessageHistory:
		var m []MessageEntry
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeReceiveMessage:
		var m MessageEntry
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeNotification:
		var m NotificationMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeUpdateUserList:
		var m []string
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeTyping:
		var m TypingObservedMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeMessageEdited:
		var m MessageEditedMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeMessageDeleted:
		var m MessageDeletedMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypeRoomCreated:
		var m RoomCreatedMsg
		err = unmarshalPayload(payload, &m)
		msg = m
	case TypePublicRooms:
		var m []RoomInfo
		err = unmarshalPayload(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("protocol: unknown server event: %q", event)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", event, err)
	}
	return msg, nil
}

// unmarshalPayload treats a missing payload as the zero value.
func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}
