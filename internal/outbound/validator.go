package outbound

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // 4KB max frame payload
	MaxBodyChars = 2000 // max character count
)

// ErrEmptyBody is returned for a body that is empty after trimming.
var ErrEmptyBody = errors.New("outbound: message body is empty")

// ValidateBody checks that a message body meets content requirements and
// returns it trimmed.
func ValidateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if len(body) == 0 {
		return "", ErrEmptyBody
	}
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("outbound: message contains invalid UTF-8")
	}
	if len(body) > MaxBodyBytes {
		return "", fmt.Errorf("outbound: message exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return "", fmt.Errorf("outbound: message exceeds %d character limit", MaxBodyChars)
	}
	return body, nil
}
