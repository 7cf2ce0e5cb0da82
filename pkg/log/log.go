// Package log is the process-wide logging facade. It is backed by zerolog
// and applies secret redaction to everything written, so call sites can log
// request material without leaking credentials.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config selects level, output format and redaction behaviour. The zero
// value is a usable default (info, pretty, redaction on).
type Config struct {
	Level         string // debug|info|warn|error
	Format        string // pretty|json
	RedactSecrets bool
}

var logger = newLogger(Config{RedactSecrets: true}, os.Stderr)

// Setup replaces the global logger. The LOG_LEVEL environment variable is
// the fallback when cfg.Level is empty.
func Setup(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = os.Getenv("LOG_LEVEL")
	}
	logger = newLogger(cfg, os.Stderr)
}

// SetWriter redirects log output, mainly for tests.
func SetWriter(cfg Config, w io.Writer) {
	logger = newLogger(cfg, w)
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	if cfg.RedactSecrets {
		out = &redactingWriter{out: out}
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the configured zerolog logger for callers that need
// structured fields.
func Logger() *zerolog.Logger {
	return &logger
}

func Debugf(format string, a ...any) {
	logger.Debug().Msgf(format, a...)
}

func Infof(format string, a ...any) {
	logger.Info().Msgf(format, a...)
}

func Warnf(format string, a ...any) {
	logger.Warn().Msgf(format, a...)
}

func Errorf(format string, a ...any) {
	logger.Error().Msgf(format, a...)
}
