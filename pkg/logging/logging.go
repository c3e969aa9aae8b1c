package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New builds a colored slog logger writing to stderr.
func New(level slog.Level, addSource bool) *slog.Logger {
	return NewWithWriter(os.Stderr, level, addSource, false)
}

// NewWithWriter is New for an arbitrary writer. Colors are off when noColor
// is set, e.g. when w is not a terminal.
func NewWithWriter(w io.Writer, level slog.Level, addSource, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  addSource,
		NoColor:    noColor,
	})
	return slog.New(handler)
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}
