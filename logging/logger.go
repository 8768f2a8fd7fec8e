// Package logging provides the minimal printf-style logging contract used
// across the module, backed by log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

var (
	defaultOnce    sync.Once
	defaultHandler slog.Handler
)

// defaultSlogHandler builds the process-wide handler from TASKQ_LOG_LEVEL
// (debug, info, warn, error) and TASKQ_LOG_FORMAT (json, text).
func defaultSlogHandler() slog.Handler {
	defaultOnce.Do(func() {
		defaultHandler = NewHandler(os.Stderr, os.Getenv("TASKQ_LOG_LEVEL"), os.Getenv("TASKQ_LOG_FORMAT"))
	})
	return defaultHandler
}

// NewHandler builds a slog handler writing to w with the given level and
// format names. Unknown names fall back to info / text.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewComponentLogger returns the default logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &slogLogger{logger: slog.New(defaultSlogHandler()).With("component", component)}
}

// NewWithHandler returns a logger scoped to a component on a custom handler.
// Used mainly by tests that capture output.
func NewWithHandler(handler slog.Handler, component string) Logger {
	return &slogLogger{logger: slog.New(handler).With("component", component)}
}
