package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/chatlog"
	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/session"
)

const helpText = `commands:
  /edit ID      edit your message ID; the next line replaces its text
  /delete ID    mark your message ID for deletion
  /confirm      delete the marked message
  /cancel       drop a pending edit or delete
  /who          show who is in the room
  /history      print the whole log
  /leave        leave the room and forget it
  /quit         exit, keeping the room for resume`

// chat creates an engine, starts a join with start and runs the input loop
// until the user leaves, the session ends or ctx is cancelled.
func chat(ctx context.Context, ch conn, store prefs.Store, cfg *config.Config, logger zerolog.Logger, start func(*engine.Engine) error) error {
	r := newRenderer(os.Stdout)
	eng := engine.New(ch,
		engine.WithPrefs(store),
		engine.WithLogger(logger),
		engine.WithConfig(cfg.Engine),
		engine.WithObserver(r.Observe),
	)
	defer eng.Reset()

	if err := start(eng); err != nil {
		return err
	}
	st, err := eng.Await(ctx)
	if err != nil {
		return err
	}
	if st != session.Joined {
		return fmt.Errorf("join ended in state %s", st)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return inputLoop(ctx, ch, eng, r, lines)
}

// inputLoop handles lines until the user stops, the session ends, the
// connection is lost or ctx is cancelled.
func inputLoop(ctx context.Context, ch conn, eng *engine.Engine, r *renderer, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.Done():
			return connectionLost(ch)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(eng, r, line)
			if err != nil {
				r.Printf("! %v\n", err)
			}
			if done {
				return nil
			}
			if eng.State() != session.Joined {
				return fmt.Errorf("session ended: %s", eng.State())
			}
		}
	}
}

// connectionLost reports a connection that ended while in a room.
func connectionLost(ch conn) error {
	if err := ch.Err(); err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	return errors.New("connection lost")
}

// handleLine runs one line of input. It reports whether the loop should stop.
func handleLine(eng *engine.Engine, r *renderer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_ = eng.NotifyTyping()
		return false, eng.Send(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		r.Printf("%s\n", helpText)
	case "/edit":
		pending, err := eng.BeginEdit(arg)
		if err != nil {
			return false, err
		}
		r.Printf("editing %s: %s\n", pending.TargetID, pending.OriginalBody)
	case "/delete":
		if err := eng.RequestDelete(arg); err != nil {
			return false, err
		}
		r.Printf("delete %s? /confirm or /cancel\n", arg)
	case "/confirm":
		id, ok := eng.PendingDelete()
		if !ok {
			return false, fmt.Errorf("nothing to confirm")
		}
		return false, eng.ConfirmDelete(id)
	case "/cancel":
		eng.CancelEdit()
		eng.CancelDelete()
	case "/who":
		r.Printf("in room: %s\n", strings.Join(eng.Roster(), ", "))
	case "/history":
		r.PrintLog(eng.Messages())
	case "/leave":
		return true, eng.Leave()
	case "/quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

// renderer prints engine updates as they arrive. It remembers what it has
// printed so a log update only prints what changed.
type renderer struct {
	mu            sync.Mutex
	out           io.Writer
	bodies        map[string]string
	notifications int
	typing        string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, bodies: make(map[string]string)}
}

func (r *renderer) Printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// PrintLog prints every entry of entries.
func (r *renderer) PrintLog(entries []chatlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.printEntry(e, "")
	}
}

// Observe is the engine observer.
func (r *renderer) Observe(u engine.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case engine.UpdateState:
		t := u.Transition
		switch t.To {
		case session.ResolvingCredential:
			fmt.Fprintln(r.out, "* waiting for room password")
		case session.Joining:
			fmt.Fprintln(r.out, "* joining")
		case session.Joined:
			fmt.Fprintln(r.out, "* joined (/help for commands)")
		case session.Denied:
			fmt.Fprintf(r.out, "* join denied: %v\n", t.Err)
		case session.Left:
			fmt.Fprintln(r.out, "* left room")
		case session.Idle:
			r.bodies = make(map[string]string)
			r.notifications = 0
		}
	case engine.UpdateLog, engine.UpdateJoinSettled:
		r.diffLog(u.Entries)
	case engine.UpdateRoster:
		fmt.Fprintf(r.out, "* in room: %s\n", strings.Join(u.Roster, ", "))
	case engine.UpdateTyping:
		if u.Typing == nil {
			r.typing = ""
			return
		}
		if u.Typing.Identity != r.typing {
			r.typing = u.Typing.Identity
			fmt.Fprintf(r.out, "* %s is typing...\n", r.typing)
		}
	case engine.UpdateError:
		fmt.Fprintf(r.out, "! %v\n", u.Err)
	}
}

func (r *renderer) diffLog(entries []chatlog.Entry) {
	present := make(map[string]bool, len(entries))
	notifications := 0
	for _, e := range entries {
		if e.Kind == chatlog.KindNotification {
			notifications++
			if notifications > r.notifications {
				r.printEntry(e, "")
			}
			continue
		}
		present[e.ID] = true
		body, seen := r.bodies[e.ID]
		switch {
		case !seen:
			r.printEntry(e, "")
		case body != e.Body:
			r.printEntry(e, " (edited)")
		}
		r.bodies[e.ID] = e.Body
	}
	r.notifications = notifications

	for id := range r.bodies {
		if !present[id] {
			fmt.Fprintf(r.out, "* message %s deleted\n", id)
			delete(r.bodies, id)
		}
	}
}

func (r *renderer) printEntry(e chatlog.Entry, suffix string) {
	if e.Kind == chatlog.KindNotification {
		fmt.Fprintf(r.out, "* %s\n", e.Body)
		return
	}
	if e.IsEdited && suffix == "" {
		suffix = " (edited)"
	}
	fmt.Fprintf(r.out, "[%s] %s %s: %s%s\n", e.ID, e.CreatedAt.Format("15:04"), e.Author, e.Body, suffix)
}
