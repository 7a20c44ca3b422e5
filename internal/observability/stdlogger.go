package observability

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Level orders log severities.
type Level int

const (
	// LevelDebug enables every message.
	LevelDebug Level = iota
	// LevelInfo drops debug messages.
	LevelInfo
	// LevelWarn drops debug and info messages.
	LevelWarn
	// LevelError keeps errors only.
	LevelError
)

// ParseLevel converts a configuration string into a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// StdLogger renders structured entries through a standard library logger as
// "LEVEL msg key=value ..." lines.
type StdLogger struct {
	out   *log.Logger
	level Level
}

// NewStdLogger wraps out. A nil out disables output.
func NewStdLogger(out *log.Logger, level Level) *StdLogger {
	return &StdLogger{out: out, level: level}
}

// Debug implements Logger.
func (l *StdLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, "DEBUG", msg, fields) }

// Info implements Logger.
func (l *StdLogger) Info(msg string, fields ...Field) { l.emit(LevelInfo, "INFO", msg, fields) }

// Warn implements Logger.
func (l *StdLogger) Warn(msg string, fields ...Field) { l.emit(LevelWarn, "WARN", msg, fields) }

// Error implements Logger.
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit(LevelError, "ERROR", msg, fields) }

func (l *StdLogger) emit(level Level, tag, msg string, fields []Field) {
	if l == nil || l.out == nil || level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	l.out.Print(b.String())
}

func formatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return "<nil>"
	case string:
		if typed == "" || strings.ContainsAny(typed, " \t\"=") {
			return strconv.Quote(typed)
		}
		return typed
	case error:
		return strconv.Quote(typed.Error())
	case fmt.Stringer:
		return formatValue(typed.String())
	default:
		return fmt.Sprint(typed)
	}
}
