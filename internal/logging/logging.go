// Package logging builds the application's slog loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 50
	maxLogBackups = 3
)

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New returns a text logger writing to stderr, or to a rotated file when
// file is set. The returned closer releases the file.
func New(level, file string) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			LocalTime:  true,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})), closer
}

// ForProfile derives the logger of one feed profile. Verbose profiles log
// everything the base logger allows; quiet ones only errors.
func ForProfile(base *slog.Logger, name string, verbose bool) *slog.Logger {
	floor := slog.LevelError
	if verbose {
		floor = slog.LevelDebug
	}
	h := &floorHandler{floor: floor, next: base.Handler()}
	return slog.New(h).With("profile", name)
}

type floorHandler struct {
	floor slog.Level
	next  slog.Handler
}

func (h *floorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.floor && h.next.Enabled(ctx, l)
}

func (h *floorHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *floorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &floorHandler{floor: h.floor, next: h.next.WithAttrs(attrs)}
}

func (h *floorHandler) WithGroup(name string) slog.Handler {
	return &floorHandler{floor: h.floor, next: h.next.WithGroup(name)}
}
