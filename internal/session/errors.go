package session

import (
	"errors"
	"fmt"
	"strings"
)

// Failure taxonomy for the join path.
var (
	ErrCredentialTimeout    = errors.New("session: credential not available before timeout")
	ErrAuthenticationDenied = errors.New("session: authentication denied")
	ErrJoinFailed           = errors.New("session: join failed")
	ErrTransport            = errors.New("session: transport failure")
	ErrAlreadyJoined        = errors.New("session: already joined")
	ErrNotJoined            = errors.New("session: not joined")
	ErrMissingIdentity      = errors.New("session: identity is required")
	ErrMissingRoom          = errors.New("session: room is required")
)

// ClassifyError maps server error text to the taxonomy. Any text that
// mentions a password is an authentication failure; everything else is a
// generic join failure. The server text is kept in the message.
func ClassifyError(text string) error {
	if strings.Contains(strings.ToLower(text), "password") {
		return fmt.Errorf("%w: %s", ErrAuthenticationDenied, text)
	}
	return fmt.Errorf("%w: %s", ErrJoinFailed, text)
}
