package protocol

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel converts a log level string to zerolog.Level.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger creates a zerolog logger with the specified level and format.
func InitLogger(logLevel, logFormat string) zerolog.Logger {
	return NewLogger(os.Stdout, logLevel, logFormat)
}

// NewLogger builds the process logger on an arbitrary writer. "console"
// selects the human-readable writer, anything else emits JSON lines.
func NewLogger(out io.Writer, logLevel, logFormat string) zerolog.Logger {
	level := ParseLogLevel(logLevel)
	zerolog.SetGlobalLevel(level)

	output := out
	if strings.EqualFold(logFormat, "console") {
		output = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// ParseDuration parses a duration string, supporting both "10s" format and plain seconds.
func ParseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}

	// Plain integers are seconds ("10" = 10s)
	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}

	return defaultVal
}
