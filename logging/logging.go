// Package logging builds the zerolog loggers shared by the server, transport and CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLevel overrides Config.Level when set.
const EnvLevel = "TCHANNEL_LOG_LEVEL"

// Config selects the level, encoding and destination of log output.
type Config struct {
	App    string
	Level  string    // trace, debug, info, warn, error; default info
	Format string    // console or json; default console
	Out    io.Writer // default os.Stderr
}

// New builds a logger from cfg and installs it as the global zerolog logger.
func New(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.App != "" {
		logger = logger.With().Str("app", cfg.App).Logger()
	}
	log.Logger = logger
	return logger
}

// ParseLevel resolves the effective level: the environment first, then level, then info.
func ParseLevel(level string) zerolog.Level {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
