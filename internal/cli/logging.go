// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/jeranaias/convobot/internal/config"
)

// LogLevel resolves the effective level. --verbose and --quiet win over
// the configured level.
func LogLevel(cfg config.LogConfig, args Args) slog.Level {
	switch {
	case args.Verbose:
		return slog.LevelDebug
	case args.Quiet:
		return slog.LevelWarn
	}
	switch strings.ToLower(cfg.Level) {
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

// NewLogger builds the process logger from the log section and flags.
func NewLogger(w io.Writer, cfg config.LogConfig, args Args) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LogLevel(cfg, args)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
