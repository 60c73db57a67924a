package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// ErrClosed is returned by Emit after the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// WSChannel is a Channel over a single WebSocket connection. One background
// goroutine reads frames and dispatches them in arrival order.
type WSChannel struct {
	*Bus

	conn      net.Conn
	br        *bufio.Reader
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	logger    zerolog.Logger
}

// DialWS connects to the WebSocket server at url and starts the read loop.
func DialWS(ctx context.Context, url string, logger zerolog.Logger) (*WSChannel, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	id := uuid.NewString()
	logger = logger.With().Str("component", "transport").Str("client", id).Logger()

	c := &WSChannel{
		Bus:    NewBus(logger),
		conn:   conn,
		br:     br,
		done:   make(chan struct{}),
		logger: logger,
	}

	logger.Info().Str("url", url).Msg("connected")
	go c.readLoop()

	return c, nil
}

// Emit encodes payload as an event envelope and writes it as one text
// frame. It is goroutine-safe.
func (c *WSChannel) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", event, err)
	}
	metrics.EventsSent.WithLabelValues(event).Inc()
	return nil
}

// Done is closed when the read loop exits, after Close or when the server
// drops the connection.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the read loop, if any.
func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Info().Msg("connection closed")
	})
	return err
}

// readLoop reads text frames until the connection fails or is closed.
// Control frames (ping, close) are answered by wsutil.
func (c *WSChannel) readLoop() {
	var r io.Reader = c.conn
	if c.br != nil {
		r = c.br
		defer ws.PutReader(c.br)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			c.logger.Warn().Err(err).Msg("read loop stopped")
			c.closeOnce.Do(func() {
				close(c.done)
				_ = c.conn.Close()
			})
			return
		}
		c.DispatchFrame(data)
	}
}

// lockedWriter serializes control frame replies with Emit.
type lockedWriter struct {
	c *WSChannel
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
