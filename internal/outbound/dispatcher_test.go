package outbound

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/session"
)

type sent struct {
	event   string
	payload string
}

type recorder struct {
	events []sent
	fail   error
}

func (r *recorder) Emit(event string, payload any) error {
	if r.fail != nil {
		return r.fail
	}
	data, _ := json.Marshal(payload)
	r.events = append(r.events, sent{event, string(data)})
	return nil
}

func newTestDispatcher(self string) (*Dispatcher, *recorder) {
	rec := &recorder{}
	d := New(rec, zerolog.Nop())
	d.SetSelf(self)
	return d, rec
}

func entry(id, author, body string) chatlog.Entry {
	return chatlog.Entry{ID: id, Author: author, Body: body, Kind: chatlog.KindMessage}
}

func TestSendOrUpdate_Send(t *testing.T) {
	d, rec := newTestDispatcher("alice")

	if err := d.SendOrUpdate("  hello  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	if rec.events[0].event != protocol.TypeSendMessage || rec.events[0].payload != `{"body":"hello"}` {
		t.Errorf("unexpected event %+v", rec.events[0])
	}
}

func TestSendOrUpdate_EmptyRejected(t *testing.T) {
	d, rec := newTestDispatcher("alice")
	for _, body := range []string{"", "   ", "\n\t"} {
		if err := d.SendOrUpdate(body); !errors.Is(err, ErrEmptyBody) {
			t.Errorf("body %q: expected ErrEmptyBody, got %v", body, err)
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("expected no events, got %v", rec.events)
	}
}

func TestSendOrUpdate_EditFlow(t *testing.T) {
	d, rec := newTestDispatcher("alice")

	pe, err := d.BeginEdit(entry("m1", "alice", "old"))
	if err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if pe.TargetID != "m1" || pe.OriginalBody != "old" {
		t.Errorf("unexpected pending edit %+v", pe)
	}

	if err := d.SendOrUpdate("new"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.events[0].event != protocol.TypeEditMessage || rec.events[0].payload != `{"id":"m1","body":"new"}` {
		t.Errorf("unexpected event %+v", rec.events[0])
	}
	if _, ok := d.PendingEdit(); ok {
		t.Error("pending edit not cleared after dispatch")
	}

	_ = d.SendOrUpdate("next")
	if rec.events[1].event != protocol.TypeSendMessage {
		t.Errorf("expected plain send after edit, got %q", rec.events[1].event)
	}
}

func TestSendOrUpdate_TransportErrorKeepsEdit(t *testing.T) {
	d, rec := newTestDispatcher("alice")
	_, _ = d.BeginEdit(entry("m1", "alice", "old"))
	rec.fail = errors.New("broken pipe")

	err := d.SendOrUpdate("new")
	if !errors.Is(err, session.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if _, ok := d.PendingEdit(); !ok {
		t.Error("pending edit lost on failed write")
	}
}

func TestAuthorization(t *testing.T) {
	d, rec := newTestDispatcher("alice")

	if _, err := d.BeginEdit(entry("m1", "bob", "x")); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("edit: expected ErrNotAuthor, got %v", err)
	}
	if err := d.RequestDelete(entry("m1", "bob", "x")); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("delete: expected ErrNotAuthor, got %v", err)
	}
	note := chatlog.Entry{Body: "bob joined", Kind: chatlog.KindNotification}
	if _, err := d.BeginEdit(note); !errors.Is(err, ErrNotification) {
		t.Errorf("edit notification: expected ErrNotification, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("refused intents emitted events: %v", rec.events)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	d, rec := newTestDispatcher("alice")

	if err := d.RequestDelete(entry("m1", "alice", "x")); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatal("request alone must not emit")
	}
	if err := d.ConfirmDelete("m2"); !errors.Is(err, ErrNoPendingDelete) {
		t.Errorf("expected ErrNoPendingDelete for another id, got %v", err)
	}
	if err := d.ConfirmDelete("m1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].payload != `{"id":"m1"}` {
		t.Errorf("unexpected events %v", rec.events)
	}
	if err := d.ConfirmDelete("m1"); !errors.Is(err, ErrNoPendingDelete) {
		t.Errorf("second confirm should fail, got %v", err)
	}
}

func TestCancelDelete(t *testing.T) {
	d, rec := newTestDispatcher("alice")
	_ = d.RequestDelete(entry("m1", "alice", "x"))
	d.CancelDelete()

	if err := d.ConfirmDelete("m1"); !errors.Is(err, ErrNoPendingDelete) {
		t.Errorf("expected ErrNoPendingDelete after cancel, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("cancelled delete emitted %v", rec.events)
	}
}

func TestTargetDeletedClearsPendingState(t *testing.T) {
	d, _ := newTestDispatcher("alice")
	_, _ = d.BeginEdit(entry("m1", "alice", "x"))
	_ = d.RequestDelete(entry("m1", "alice", "x"))

	d.TargetDeleted("m1")

	if _, ok := d.PendingEdit(); ok {
		t.Error("pending edit survived target deletion")
	}
	if _, ok := d.PendingDelete(); ok {
		t.Error("pending delete survived target deletion")
	}
}

func TestEditApplied(t *testing.T) {
	d, _ := newTestDispatcher("alice")
	_, _ = d.BeginEdit(entry("m1", "alice", "x"))

	d.EditApplied("other")
	if _, ok := d.PendingEdit(); !ok {
		t.Fatal("unrelated edit cleared the pending edit")
	}
	d.EditApplied("m1")
	if _, ok := d.PendingEdit(); ok {
		t.Error("pending edit not cleared by its confirmation")
	}
}

func TestTypingAndLeave(t *testing.T) {
	d, rec := newTestDispatcher("alice")
	_, _ = d.BeginEdit(entry("m1", "alice", "x"))

	_ = d.NotifyTyping()
	_ = d.NotifyTyping()
	_ = d.Leave()

	if len(rec.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(rec.events))
	}
	if rec.events[0].event != protocol.TypeTyping || rec.events[1].event != protocol.TypeTyping {
		t.Error("expected one typing event per call")
	}
	if rec.events[2].event != protocol.TypeLeaveRoom || rec.events[2].payload != `{}` {
		t.Errorf("unexpected leave event %+v", rec.events[2])
	}
	if _, ok := d.PendingEdit(); ok {
		t.Error("leave kept the pending edit")
	}
}

func TestValidateBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"plain", "hi", false},
		{"max chars", strings.Repeat("a", MaxBodyChars), false},
		{"too many chars", strings.Repeat("a", MaxBodyChars+1), true},
		{"too many bytes", strings.Repeat("é", 2049), true},
		{"invalid utf8", "a\xffb", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateBody(tc.body)
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLeaveFailureKeepsPendingState(t *testing.T) {
	d, rec := newTestDispatcher("alice")
	_, _ = d.BeginEdit(entry("m1", "alice", "x"))
	rec.fail = errors.New("closed")

	if err := d.Leave(); !errors.Is(err, session.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if _, ok := d.PendingEdit(); !ok {
		t.Error("failed leave dropped the pending edit")
	}
}
