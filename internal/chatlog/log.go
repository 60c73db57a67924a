// Package chatlog is the local, ordered copy of a room's message log. Entries
// keep arrival order; they are only replaced in place on edit and removed on
// delete. A history snapshot replaces the whole log.
package chatlog

import (
	"errors"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/protocol"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("chatlog: entry not found")

// Kind distinguishes user messages from system notifications.
type Kind int

const (
	KindMessage Kind = iota
	KindNotification
)

func (k Kind) String() string {
	if k == KindNotification {
		return "notification"
	}
	return "message"
}

// Entry is one line of the log. Notifications have no ID.
type Entry struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
	EditedAt  time.Time
	IsEdited  bool
	Kind      Kind
}

// FromWire converts a server message into a log entry.
func FromWire(m protocol.MessageEntry) Entry {
	return Entry{
		ID:        m.ID,
		Author:    m.Author,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
		IsEdited:  !m.EditedAt.IsZero(),
		Kind:      KindMessage,
	}
}

// Log holds the entries of one room. It is goroutine-safe.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	ids     map[string]struct{}
	clock   clock.Clock
}

// New creates an empty Log. clk stamps notifications with their local
// receipt time.
func New(clk clock.Clock) *Log {
	return &Log{
		ids:   make(map[string]struct{}),
		clock: clk,
	}
}

// ReplaceAll swaps the log for a snapshot. Repeated ids in the snapshot
// keep their first occurrence.
func (l *Log) ReplaceAll(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]Entry, 0, len(entries))
	l.ids = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			if _, dup := l.ids[e.ID]; dup {
				continue
			}
			l.ids[e.ID] = struct{}{}
		}
		l.entries = append(l.entries, e)
	}
}

// Append adds e at the end. It reports false, leaving the log unchanged,
// when an entry with the same id is already present.
func (l *Log) Append(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID != "" {
		if _, dup := l.ids[e.ID]; dup {
			return false
		}
		l.ids[e.ID] = struct{}{}
	}
	l.entries = append(l.entries, e)
	return true
}

// AppendNotification adds a system notification stamped with the current
// time. Notifications are never deduplicated.
func (l *Log) AppendNotification(text string) Entry {
	e := Entry{
		Body:      text,
		CreatedAt: l.clock.Now(),
		Kind:      KindNotification,
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// ApplyEdit replaces the body of the entry with id. It reports false for an
// unknown id. Applying the same edit twice leaves the same result.
func (l *Log) ApplyEdit(id, body string, editedAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(id)
	if i < 0 {
		return false
	}
	e := &l.entries[i]
	e.Body = body
	e.EditedAt = editedAt
	e.IsEdited = true
	return true
}

// ApplyDelete removes the entry with id. It reports false for an unknown id.
func (l *Log) ApplyDelete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(id)
	if i < 0 {
		return false
	}
	l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
	delete(l.ids, id)
	return true
}

// Get returns the entry with id.
func (l *Log) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := l.index(id)
	if i < 0 {
		return Entry{}, ErrNotFound
	}
	return l.entries[i], nil
}

// Entries returns a copy of the log in order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.ids = make(map[string]struct{})
}

func (l *Log) index(id string) int {
	if id == "" {
		return -1
	}
	if _, ok := l.ids[id]; !ok {
		return -1
	}
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}
