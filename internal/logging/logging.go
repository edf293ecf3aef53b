// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured loggers used across the stage runtime.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// =============================================================================
// LEVEL
// =============================================================================

var level = new(slog.LevelVar)

// ParseLevel converts a level name (debug, info, warn, error) into a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// SetLevel changes the level of every logger built by New.
func SetLevel(name string) error {
	l, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

// Level returns the current shared level.
func Level() slog.Level {
	return level.Level()
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// Options selects the sinks of a logger.
type Options struct {
	// Writer receives human readable text output. Defaults to stderr.
	Writer io.Writer

	// JSONFile, when set, also appends JSON records to this path.
	JSONFile string

	// Level is the initial level name.
	Level string
}

// New builds a logger that fans records out to every configured sink.
// The returned closer releases the JSON file sink, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if err := SetLevel(opts.Level); err != nil {
		return nil, nil, err
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
	}

	var closer io.Closer = nopCloser{}
	if opts.JSONFile != "" {
		f, err := os.OpenFile(opts.JSONFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toFieldKey(a.Key)
				return a
			},
		}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Component tags l with the component attribute.
func Component(l *slog.Logger, name string) *slog.Logger {
	return OrDiscard(l).With("component", name)
}

func toFieldKey(str string) string {
	str = strings.ToLower(str)
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
