package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"
)

// New creates a structured logger with configurable level and format.
// level: "debug", "info", "warn", "error" (defaults to info if invalid)
// format: "json" for JSON output, anything else for human-readable text
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and CLIs
// running in quiet mode.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AsynqLevel maps the service log level onto asynq's own level type.
func AsynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// AsynqAdapter wraps slog.Logger to implement the asynq.Logger interface.
type AsynqAdapter struct {
	Logger *slog.Logger
}

func (a *AsynqAdapter) Debug(args ...interface{}) {
	a.Logger.Debug(fmt.Sprint(args...))
}

func (a *AsynqAdapter) Info(args ...interface{}) {
	a.Logger.Info(fmt.Sprint(args...))
}

func (a *AsynqAdapter) Warn(args ...interface{}) {
	a.Logger.Warn(fmt.Sprint(args...))
}

func (a *AsynqAdapter) Error(args ...interface{}) {
	a.Logger.Error(fmt.Sprint(args...))
}

func (a *AsynqAdapter) Fatal(args ...interface{}) {
	a.Logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}
