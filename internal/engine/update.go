package engine

import (
	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/session"
)

// UpdateKind says which part of the engine's state an Update describes.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateLog
	UpdateRoster
	UpdateTyping
	UpdateJoinSettled
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateState:
		return "state"
	case UpdateLog:
		return "log"
	case UpdateRoster:
		return "roster"
	case UpdateTyping:
		return "typing"
	case UpdateJoinSettled:
		return "join_settled"
	case UpdateError:
		return "error"
	}
	return "unknown"
}

// Update is delivered to observers after every externally visible change.
type Update struct {
	Kind UpdateKind

	// Transition is set for UpdateState.
	Transition session.Transition

	// Entries is the full log for UpdateLog and UpdateJoinSettled.
	Entries []chatlog.Entry

	// Roster is the ordered roster for UpdateRoster and UpdateJoinSettled.
	Roster []string

	// Typing is the current indicator for UpdateTyping; nil when cleared.
	Typing *presence.TypingState

	// Err is the cause of a denial, or a server error surfaced while joined.
	Err error
}
