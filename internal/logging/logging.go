package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts the level names printed by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "", "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return Info, fmt.Errorf("unknown log level %q", s)
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type Config struct {
	Level  Level
	Format string // "json" (default) or "text"
	Output io.Writer
}

// Logger is a thin leveled wrapper around zerolog.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	if c.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	zl := zerolog.New(out).Level(c.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

func NewNoOpLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that adds key=value to every entry.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l *Logger) Debugf(f string, a ...any) {
	l.zl.Debug().Msgf(f, a...)
}

func (l *Logger) Infof(f string, a ...any) {
	l.zl.Info().Msgf(f, a...)
}

func (l *Logger) Warnf(f string, a ...any) {
	l.zl.Warn().Msgf(f, a...)
}

func (l *Logger) Errorf(f string, a ...any) {
	l.zl.Error().Msgf(f, a...)
}

// Printf satisfies the minimal printf-style logger interface used by debug
// transports.
func (l *Logger) Printf(f string, a ...any) {
	l.Debugf(f, a...)
}
