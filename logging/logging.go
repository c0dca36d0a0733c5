// Package logging builds the slog loggers of the topocorrect binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps DEBUG, INFO, WARN and ERROR, in any case, to a slog level.
// Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger on stdout tagged with appName.
func New(level, appName string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, appName)
}

// NewWithWriter is New writing to w. Source locations are added at debug level.
func NewWithWriter(w io.Writer, level, appName string) *slog.Logger {
	programLevel := ParseLevel(level)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
