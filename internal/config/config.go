package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/roomchat/internal/engine"
)

// Transport names.
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
)

// Config holds all configuration for the client.
type Config struct {
	Env         string
	LogLevel    string
	Transport   string // ws | nats
	ServerURL   string
	NATSURL     string
	RedisAddr   string // preferences in Redis when set
	PrefsFile   string // preferences in a YAML file when RedisAddr is empty
	Profile     string
	MetricsAddr string // empty disables the metrics endpoint

	Engine engine.Config
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Env:       "development",
		LogLevel:  "info",
		Transport: TransportWS,
		ServerURL: "ws://localhost:8080/ws",
		NATSURL:   "nats://localhost:4222",
		PrefsFile: defaultPrefsFile(),
		Profile:   "default",
		Engine:    engine.DefaultConfig(),
	}
}

// Load overlays environment variables on the defaults. A .env file in the
// working directory is read first if present. Invalid values keep their
// defaults and are reported in the returned error; the Config is always
// usable.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.Env = getEnv("ROOMCHAT_ENV", cfg.Env)
	cfg.LogLevel = getEnv("ROOMCHAT_LOG_LEVEL", cfg.LogLevel)
	cfg.Transport = getEnv("ROOMCHAT_TRANSPORT", cfg.Transport)
	cfg.ServerURL = getEnv("ROOMCHAT_SERVER_URL", cfg.ServerURL)
	cfg.NATSURL = getEnv("ROOMCHAT_NATS_URL", cfg.NATSURL)
	cfg.RedisAddr = getEnv("ROOMCHAT_REDIS_ADDR", cfg.RedisAddr)
	cfg.PrefsFile = getEnv("ROOMCHAT_PREFS_FILE", cfg.PrefsFile)
	cfg.Profile = getEnv("ROOMCHAT_PROFILE", cfg.Profile)
	cfg.MetricsAddr = getEnv("ROOMCHAT_METRICS_ADDR", cfg.MetricsAddr)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ROOMCHAT_TYPING_WINDOW", &cfg.Engine.TypingWindow},
		{"ROOMCHAT_CREDENTIAL_POLL", &cfg.Engine.CredentialPollInterval},
		{"ROOMCHAT_CREDENTIAL_TIMEOUT", &cfg.Engine.CredentialTimeout},
		{"ROOMCHAT_JOIN_SETTLE", &cfg.Engine.JoinSettleDelay},
	}
	for _, d := range durations {
		if err := getDuration(d.key, d.dst); err != nil {
			errs = append(errs, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
		cfg.Transport = TransportWS
	}
	return cfg, errors.Join(errs...)
}

// Validate checks values that have a fixed set of choices.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWS, TransportNATS:
		return nil
	}
	return fmt.Errorf("config: unknown transport %q", c.Transport)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration parses key into dst. Unset keys leave dst untouched.
func getDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fmt.Errorf("config: invalid %s %q", key, value)
	}
	*dst = d
	return nil
}

func defaultPrefsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "roomchat.yaml"
	}
	return dir + string(os.PathSeparator) + "roomchat" + string(os.PathSeparator) + "prefs.yaml"
}
