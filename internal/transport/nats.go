package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// NATS subject layout. A gateway relays each client's frames between its
// up subject and the chat server, and publishes server frames on the
// client's down subject.
const (
	SubjectUp   = "up"   // <prefix>.up.<client_id>
	SubjectDown = "down" // <prefix>.down.<client_id>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Prefix        string        // subject prefix
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "roomchat",
		Prefix:        "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSChannel is a Channel over a pair of NATS subjects. nats.go delivers
// messages of one subscription sequentially, which preserves event order.
type NATSChannel struct {
	*Bus

	conn   *nats.Conn
	sub    *nats.Subscription
	up     string
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

// DialNATS connects to NATS and subscribes to this client's down subject.
func DialNATS(config NATSConfig, logger zerolog.Logger) (*NATSChannel, error) {
	id := uuid.NewString()
	logger = logger.With().Str("component", "transport").Str("client", id).Logger()
	done := make(chan struct{})
	var closeOnce sync.Once

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			} else {
				logger.Warn().Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats connection closed")
			closeOnce.Do(func() { close(done) })
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect: %w", err)
	}

	c := &NATSChannel{
		Bus:    NewBus(logger),
		conn:   nc,
		up:     config.Prefix + "." + SubjectUp + "." + id,
		done:   done,
		logger: logger,
	}

	down := config.Prefix + "." + SubjectDown + "." + id
	sub, err := nc.Subscribe(down, func(msg *nats.Msg) {
		c.DispatchFrame(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: nats subscribe %s: %w", down, err)
	}
	c.sub = sub

	logger.Info().Str("url", nc.ConnectedUrl()).Str("down", down).Msg("connected")
	return c, nil
}

// Emit publishes the event envelope on the up subject.
func (c *NATSChannel) Emit(event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.up, data); err != nil {
		return fmt.Errorf("transport: nats publish %s: %w", event, err)
	}
	metrics.EventsSent.WithLabelValues(event).Inc()
	return nil
}

// Done is closed once the NATS connection is closed for good, either by
// Close or after reconnects are exhausted.
func (c *NATSChannel) Done() <-chan struct{} { return c.done }

// Err returns the last error reported by the NATS connection, if any.
func (c *NATSChannel) Err() error { return c.conn.LastError() }

// Close drains the subscription and the connection.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.sub.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("subscription drain")
	}
	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("transport: nats drain: %w", err)
	}
	return nil
}
