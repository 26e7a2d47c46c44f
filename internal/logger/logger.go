// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger provides structured logging for opentalk.
//
// Interactive runs log through a zerolog console writer. The TUI owns the
// terminal, so in that mode the logger writes to a file under the data
// directory instead of stderr.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	// Level is one of: debug, info, warn, error.
	Level string

	// Pretty enables the human-readable console writer.
	Pretty bool

	// Output overrides the destination (default: stderr).
	Output io.Writer
}

// New creates a structured logger.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewFileLogger creates a logger writing to <dir>/opentalk.log. Used while
// the TUI is running, since bubbletea owns stderr.
func NewFileLogger(dir, level string) (zerolog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Nop(), err
	}
	f, err := os.OpenFile(filepath.Join(dir, "opentalk.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return zerolog.Nop(), err
	}
	return New(Config{Level: level, Output: f}), nil
}

// =============================================================================
// GLOBAL LOGGER
// =============================================================================

var (
	global   zerolog.Logger = zerolog.Nop()
	globalMu sync.RWMutex
)

// SetGlobal installs the process-wide logger.
func SetGlobal(l zerolog.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// L returns the process-wide logger.
func L() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
