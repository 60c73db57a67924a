// Package session holds the room membership state machine and the error
// taxonomy shared by the join path. A Session is owned by one engine and is
// not safe for concurrent use on its own.
package session

import (
	"errors"
	"fmt"

	"github.com/whisper/roomchat/internal/protocol"
)

// State is the membership state of a Session.
type State int

const (
	Idle State = iota
	ResolvingCredential
	Joining
	Joined
	Denied
	Left
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingCredential:
		return "resolving_credential"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Denied:
		return "denied"
	case Left:
		return "left"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Pending reports whether a join attempt is in flight.
func (s State) Pending() bool {
	return s == ResolvingCredential || s == Joining
}

// transitions lists the allowed edges. Every non-idle state may fall back
// to Idle on teardown.
var transitions = map[State][]State{
	Idle:                {ResolvingCredential, Joining},
	ResolvingCredential: {Joining, Denied, Idle},
	Joining:             {Joined, Denied, Idle},
	Joined:              {Left, Idle},
	Left:                {Idle},
	Denied:              {Idle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for an edge outside the table.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Transition records one state change. Err is set on entering Denied.
type Transition struct {
	From State
	To   State
	Err  error
}

// Session is one room membership.
type Session struct {
	Identity   string
	Room       string
	Visibility protocol.Visibility
	Credential string

	state State
	cause error
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Cause returns the error that moved the session to Denied, if any. It is
// kept until the next attempt starts.
func (s *Session) Cause() error { return s.cause }

// Transition moves the session to state to.
func (s *Session) Transition(to State) (Transition, error) {
	if !CanTransition(s.state, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	t := Transition{From: s.state, To: to}
	s.state = to
	if to != Idle {
		s.cause = nil
	}
	return t, nil
}

// Deny moves a pending session to Denied and clears its membership data.
func (s *Session) Deny(cause error) (Transition, error) {
	t, err := s.Transition(Denied)
	if err != nil {
		return t, err
	}
	s.cause = cause
	t.Err = cause
	s.clear()
	return t, nil
}

// Reset returns the session to Idle from any state and clears its data.
// It reports false if the session was already Idle.
func (s *Session) Reset() (Transition, bool) {
	if s.state == Idle {
		s.clear()
		return Transition{}, false
	}
	t := Transition{From: s.state, To: Idle}
	s.state = Idle
	s.clear()
	return t, true
}

// Start records the inputs of a new attempt. It only succeeds from Idle.
func (s *Session) Start(identity, room string, vis protocol.Visibility, credential string) error {
	if s.state != Idle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}
	s.Identity = identity
	s.Room = room
	s.Visibility = vis
	s.Credential = credential
	s.cause = nil
	return nil
}

// Matches reports whether the session was started with these inputs.
func (s *Session) Matches(identity, room string, vis protocol.Visibility, credential string) bool {
	return s.Identity == identity && s.Room == room && s.Visibility == vis &&
		(credential == "" || credential == s.Credential)
}

func (s *Session) clear() {
	s.Identity = ""
	s.Room = ""
	s.Visibility = ""
	s.Credential = ""
}
