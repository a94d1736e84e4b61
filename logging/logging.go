// Package logging builds the slog loggers used across canvasd.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/canvasd/errors"
)

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New returns a logger writing to w. format is "json" or "text"; level is
// one of debug, info, warn, error.
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level), ReplaceAttr: redactAttr}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// TraceFile is a debug-level JSON logger appending to a file, used by the
// --trace flag.
type TraceFile struct {
	Logger *slog.Logger
	Path   string
	Close  func() error
}

func OpenTrace(path string) (TraceFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return TraceFile{}, errors.Wrapf(err, "creating trace directory")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return TraceFile{}, errors.Wrapf(err, "opening trace file %s", path)
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		AddSource:   true,
		ReplaceAttr: redactAttr,
	})
	return TraceFile{Logger: slog.New(handler), Path: path, Close: file.Close}, nil
}

// Tee fans records out to both loggers' handlers.
func Tee(a, b *slog.Logger) *slog.Logger {
	return slog.New(teeHandler{a.Handler(), b.Handler()})
}
