// Package apphook carries the explicit, non-global context every DiskArc
// entry point takes: a logging sink and a small option dictionary.
//
// Nothing in this module reaches for package-level state. Where the
// original inspiration reached for a single well-known environment
// variable (see the teacher's memlimit.go), AppHook generalizes that to a
// small whitelist read once in FromEnvironment.
package apphook

import (
	"context"
	"log/slog"
	"os"
	"strconv"
)

// discardHandler drops every record; used as the zero-value logger so an
// AppHook is always safe to log through, even in tests that don't care.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// AppHook is passed explicitly to every engine entry point. Log is
// read-only after construction. Callers configure Options before the first
// call and engine code reads it, except that WorkTree.SaveUpdates sets or
// removes the "worktree.compress" key; concurrent use is safe only while no
// SaveUpdates call is running.
type AppHook struct {
	Log     *slog.Logger
	Options map[string]string

	// MemLimitBytes bounds how much a single operation will buffer in
	// memory (e.g. decompressing a NuFX thread to stage a commit) before
	// spilling to a temp file. Zero means "use the built-in default".
	MemLimitBytes int64
}

const defaultMemLimitBytes = 1024 * 1024 * 1024 // 1 GiB, matches the teacher's calcMemLimit default

// New returns an AppHook with a no-op discard logger and no options set.
func New() *AppHook {
	return &AppHook{
		Log:           slog.New(discardHandler{}),
		Options:       make(map[string]string),
		MemLimitBytes: defaultMemLimitBytes,
	}
}

// FromEnvironment builds an AppHook from a small whitelist of DISKARC_*
// environment variables: DISKARC_MEMLIMIT (bytes), DISKARC_LOGLEVEL
// (debug|info|warn|error).
func FromEnvironment() *AppHook {
	h := New()

	level := slog.LevelWarn
	switch os.Getenv("DISKARC_LOGLEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	h.Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if v := os.Getenv("DISKARC_MEMLIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			h.MemLimitBytes = n
		}
	}
	return h
}

// Option reads a string option, returning ok=false when unset.
func (h *AppHook) Option(key string) (string, bool) {
	if h == nil || h.Options == nil {
		return "", false
	}
	v, ok := h.Options[key]
	return v, ok
}

// Logf is a convenience wrapper that logs at Debug and tolerates a nil hook,
// for call sites deep in the codec layer that may run in tests without one.
func (h *AppHook) Logf(layer, msg string, args ...any) {
	if h == nil || h.Log == nil {
		return
	}
	h.Log.Debug(msg, append([]any{"layer", layer}, args...)...)
}

// Warnf logs at Warn level; used for Notes-worthy mount-time complaints.
func (h *AppHook) Warnf(layer, msg string, args ...any) {
	if h == nil || h.Log == nil {
		return
	}
	h.Log.Warn(msg, append([]any{"layer", layer}, args...)...)
}
