// Package logging provides structured logging for the clinicsync agent and
// server on top of zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var (
	global *zerolog.Logger
	mu     sync.Mutex
	once   sync.Once
)

// ParseLevel converts a configuration string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger writing JSON lines to out. When pretty is set the
// human-readable console writer is used instead.
func New(out io.Writer, level LogLevel, pretty bool) zerolog.Logger {
	if pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level.zerolog()).With().Timestamp().Logger()
}

// Nop returns a disabled logger, useful in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Init initializes the process-wide logger. Only the first call takes effect.
func Init(out io.Writer, level LogLevel, pretty bool) {
	once.Do(func() {
		l := New(out, level, pretty)
		mu.Lock()
		global = &l
		mu.Unlock()
	})
}

// Get returns the process-wide logger, initializing it to info-level JSON on
// stdout when Init was never called.
func Get() zerolog.Logger {
	Init(os.Stdout, LevelInfo, false)
	mu.Lock()
	defer mu.Unlock()
	return *global
}

// Component returns the process-wide logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}
