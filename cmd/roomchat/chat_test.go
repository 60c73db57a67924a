package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/transport"
)

func TestRendererPrintsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	at := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	first := []chatlog.Entry{
		{ID: "m1", Author: "alice", Body: "hi", CreatedAt: at, Kind: chatlog.KindMessage},
		{Body: "bob joined", Kind: chatlog.KindNotification},
	}
	r.Observe(engine.Update{Kind: engine.UpdateLog, Entries: first})
	out := buf.String()
	if !strings.Contains(out, "[m1] 12:30 alice: hi") || !strings.Contains(out, "* bob joined") {
		t.Fatalf("unexpected output %q", out)
	}

	buf.Reset()
	r.Observe(engine.Update{Kind: engine.UpdateLog, Entries: first})
	if buf.Len() != 0 {
		t.Errorf("unchanged log printed again: %q", buf.String())
	}

	edited := []chatlog.Entry{
		{ID: "m1", Author: "alice", Body: "hello", CreatedAt: at, IsEdited: true, Kind: chatlog.KindMessage},
		first[1],
	}
	r.Observe(engine.Update{Kind: engine.UpdateLog, Entries: edited})
	if !strings.Contains(buf.String(), "hello (edited)") {
		t.Errorf("expected edit, got %q", buf.String())
	}

	buf.Reset()
	r.Observe(engine.Update{Kind: engine.UpdateLog, Entries: edited[1:]})
	if !strings.Contains(buf.String(), "message m1 deleted") {
		t.Errorf("expected delete, got %q", buf.String())
	}
}

func TestRendererTypingPrintsOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	ts := &presence.TypingState{Identity: "bob"}
	r.Observe(engine.Update{Kind: engine.UpdateTyping, Typing: ts})
	r.Observe(engine.Update{Kind: engine.UpdateTyping, Typing: ts})
	if got := strings.Count(buf.String(), "bob is typing"); got != 1 {
		t.Errorf("expected one typing line, got %d", got)
	}

	r.Observe(engine.Update{Kind: engine.UpdateTyping})
	r.Observe(engine.Update{Kind: engine.UpdateTyping, Typing: ts})
	if got := strings.Count(buf.String(), "bob is typing"); got != 2 {
		t.Errorf("expected typing to print again after clearing, got %d", got)
	}
}

// droppedConn is a connection that is already gone.
type droppedConn struct {
	*transport.Bus
	done chan struct{}
	err  error
}

func newDroppedConn(err error) *droppedConn {
	c := &droppedConn{Bus: transport.NewBus(zerolog.Nop()), done: make(chan struct{}), err: err}
	close(c.done)
	return c
}

func (c *droppedConn) Emit(string, any) error { return transport.ErrClosed }
func (c *droppedConn) Done() <-chan struct{}  { return c.done }
func (c *droppedConn) Err() error             { return c.err }
func (c *droppedConn) Close() error           { return nil }

func TestInputLoopStopsWhenConnectionDrops(t *testing.T) {
	ch := newDroppedConn(io.ErrUnexpectedEOF)
	eng := engine.New(ch)
	lines := make(chan string)

	errc := make(chan error, 1)
	go func() { errc <- inputLoop(context.Background(), ch, eng, newRenderer(io.Discard), lines) }()

	select {
	case err := <-errc:
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("expected the connection error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("input loop kept running after the connection dropped")
	}
}

func TestConnectionLostWithoutCause(t *testing.T) {
	err := connectionLost(newDroppedConn(nil))
	if err == nil || err.Error() != "connection lost" {
		t.Errorf("unexpected error %v", err)
	}
}
