// roomchat is a line-oriented client for the room chat service.
//
//	roomchat list
//	roomchat create --room NAME [--private --password SECRET]
//	roomchat join --name IDENTITY --room NAME [--private [--password SECRET]]
//	roomchat resume
//
// While joined, plain lines are sent as messages and lines starting with a
// slash are commands (/help lists them).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/lobby"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/prefs"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/transport"
)

const requestTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// conn is a transport channel the client owns and must close. Done is
// closed when the connection is gone; Err then reports why.
type conn interface {
	transport.Channel
	Done() <-chan struct{}
	Err() error
	Close() error
}

func run(args []string) error {
	cfg, cfgErr := config.Load()

	var (
		identity string
		room     string
		password string
		private  bool
	)
	flagSet := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "WebSocket server URL")
	flagSet.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: ws or nats")
	flagSet.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL (nats transport)")
	flagSet.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "keep preferences in Redis at this address")
	flagSet.StringVar(&cfg.PrefsFile, "prefs", cfg.PrefsFile, "preferences file (when --redis is not set)")
	flagSet.StringVar(&cfg.Profile, "profile", cfg.Profile, "preferences profile")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flagSet.StringVarP(&identity, "name", "n", "", "your display name")
	flagSet.StringVarP(&room, "room", "r", "", "room name")
	flagSet.StringVarP(&password, "password", "p", "", "room password (private rooms)")
	flagSet.BoolVar(&private, "private", false, "the room is private")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Msg("invalid configuration values, using defaults")
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: roomchat [flags] list|create|join|resume")
		flagSet.PrintDefaults()
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openPrefs(cfg)
	if err != nil {
		return err
	}

	ch, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	vis := protocol.Public
	if private {
		vis = protocol.Private
	}
	lb := lobby.New(ch, store, logger)

	switch rest[0] {
	case "list":
		return listRooms(ctx, lb)

	case "create":
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		created, err := lb.CreateRoom(reqCtx, room, vis, password)
		if err != nil {
			return err
		}
		fmt.Printf("created %s room %q\n", created.Visibility, created.Name)
		return nil

	case "join":
		if vis == protocol.Public {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			_, err := lb.ListPublicRooms(reqCtx)
			cancel()
			if err != nil {
				return err
			}
			if err := lb.ValidateJoin(room, vis); err != nil {
				return err
			}
		}
		return chat(ctx, ch, store, cfg, logger, func(eng *engine.Engine) error {
			return eng.Join(identity, room, vis, password)
		})

	case "resume":
		return chat(ctx, ch, store, cfg, logger, func(eng *engine.Engine) error {
			return eng.Resume()
		})
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func listRooms(ctx context.Context, lb *lobby.Lobby) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	rooms, err := lb.ListPublicRooms(reqCtx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("no public rooms")
		return nil
	}
	for _, r := range rooms {
		fmt.Printf("%-24s %d online  %s\n", r.Name, len(r.Users), strings.Join(r.Users, ", "))
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func openPrefs(cfg *config.Config) (prefs.Store, error) {
	if cfg.RedisAddr != "" {
		return prefs.DialRedisStore(cfg.RedisAddr, cfg.Profile)
	}
	return prefs.NewFileStore(cfg.PrefsFile), nil
}

func dial(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (conn, error) {
	if cfg.Transport == config.TransportNATS {
		natsConfig := transport.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		return transport.DialNATS(natsConfig, logger)
	}
	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return transport.DialWS(dialCtx, cfg.ServerURL, logger)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
