package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initialized  bool
	loggerMu     sync.Mutex
)

// InitLogger initializes the global structured logger.
// Logs go to stderr so transcript output on stdout stays clean.
func InitLogger(level string, pretty bool) {
	InitLoggerWithWriter(level, pretty, os.Stderr)
}

// InitLoggerWithWriter initializes the global logger on an arbitrary writer
func InitLoggerWithWriter(level string, pretty bool, out io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if initialized {
		return
	}

	zerolog.SetGlobalLevel(ParseLevel(level))

	if pretty {
		// Pretty console output for interactive use
		output := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
		globalLogger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		globalLogger = zerolog.New(out).With().Timestamp().Logger()
	}

	log.Logger = globalLogger

	initialized = true
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	loggerMu.Lock()
	ready := initialized
	loggerMu.Unlock()

	if !ready {
		InitLogger("info", false)
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	return globalLogger
}

// WithComponent creates a logger tagged with the emitting component
func WithComponent(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// WithSessionID creates a logger carrying a session ID
func WithSessionID(logger zerolog.Logger, sessionID string) zerolog.Logger {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	return logger.With().Str("session_id", sessionID).Logger()
}

// NewSessionID generates a new session ID
func NewSessionID() string {
	return uuid.New().String()
}
