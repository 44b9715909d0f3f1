// Package logging configures the zerolog logger shared by the puller components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the minimum severity written to the output.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"

	// LevelDisabled silences all output. Used by tests and --quiet runs.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr so stdout stays free for the final summary.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel (case-insensitive) to a zerolog.Level.
// Unknown values fall back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForServer derives a logger that tags every line with the appliance name.
func ForServer(logger zerolog.Logger, server string) zerolog.Logger {
	return logger.With().Str("server", server).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - token cache hit/miss
//   - each page fetched (cursor, page size)
//
// Info: normal progress
//   - pull started / completed per server
//   - progress every few pages (retrieved, total, progress_pct)
//   - output file written
//
// Warn: recoverable conditions
//   - token refresh after a 4xx during continuation
//   - total does not match the number of events retrieved
//   - token cache errors (falls back to the token endpoint)
//   - pushgateway failures
//
// Error: a server's pull failed
//   - authentication failure
//   - query rejected (with the appliance error code and message)
//   - contract violation, cancellation, network failure
//
// Context Fields:
//   - run_id: identifier shared by all lines of one invocation
//   - server: appliance host name or IP
//   - status_code: HTTP status code
//   - error_class: client, server, network, auth, contract, cancelled
//   - retrieved / total: events pulled so far and the count reported by the appliance
