package transport

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestBus_DispatchInRegistrationOrder(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var order []string
	b.On("notification", func(json.RawMessage) { order = append(order, "first") })
	b.On("notification", func(json.RawMessage) { order = append(order, "second") })

	b.Dispatch("notification", json.RawMessage(`{}`))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected [first second], got %v", order)
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus(zerolog.Nop())
	calls := 0
	sub := b.On("typing", func(json.RawMessage) { calls++ })

	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Dispatch("typing", nil)

	if calls != 0 {
		t.Errorf("expected no calls after unsubscribe, got %d", calls)
	}
	if n := b.Handlers("typing"); n != 0 {
		t.Errorf("expected 0 handlers, got %d", n)
	}
}

func TestBus_HandlerRemovedDuringDispatchIsSkipped(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var second Subscription
	secondCalled := false

	b.On("error", func(json.RawMessage) { second.Unsubscribe() })
	second = b.On("error", func(json.RawMessage) { secondCalled = true })

	b.Dispatch("error", nil)

	if secondCalled {
		t.Error("handler removed mid-dispatch was still invoked")
	}
}

func TestBus_DispatchFrame(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var got string
	b.On("notification", func(p json.RawMessage) { got = string(p) })

	b.DispatchFrame([]byte(`{"type":"notification","payload":{"text":"hi"}}`))
	b.DispatchFrame([]byte(`not json`))
	b.DispatchFrame([]byte(`{"payload":{}}`))

	if got != `{"text":"hi"}` {
		t.Errorf("unexpected payload %q", got)
	}
}

func TestBus_Total(t *testing.T) {
	b := NewBus(zerolog.Nop())
	b.On("a", func(json.RawMessage) {})
	s := b.On("b", func(json.RawMessage) {})
	b.On("b", func(json.RawMessage) {})

	if n := b.Total(); n != 3 {
		t.Fatalf("expected 3 handlers, got %d", n)
	}
	s.Unsubscribe()
	if n := b.Total(); n != 2 {
		t.Errorf("expected 2 handlers, got %d", n)
	}
}

func TestSet_DetachRemovesEveryRoute(t *testing.T) {
	b := NewBus(zerolog.Nop())
	noop := func(json.RawMessage) {}
	s := Attach(busChannel{b}, Route{"receive_message", noop}, Route{"typing", noop}, Route{"notification", noop})

	if n := b.Total(); n != 3 {
		t.Fatalf("expected 3 handlers after attach, got %d", n)
	}
	s.Detach()
	s.Detach()
	if n := b.Total(); n != 0 {
		t.Errorf("expected 0 handlers after detach, got %d", n)
	}

	var nilSet *Set
	nilSet.Detach()
}

// busChannel adapts a *Bus to the Channel interface for tests that only
// exercise handler registration.
type busChannel struct{ *Bus }

func (busChannel) Emit(string, any) error { return nil }
