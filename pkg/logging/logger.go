// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the structured loggers the engine runs on.
//
// Every component in this repository takes a *slog.Logger; this
// package is where those loggers come from. It layers destinations:
//
//   - stderr output for interactive use (text or JSON)
//   - optional JSON file logging with automatic directory creation
//
// # Basic Usage
//
// For CLI usage with stderr output:
//
//	log := logging.Default()
//	log.Info("tracking account", "account", id)
//
// # File Logging
//
// To log to a file alongside stderr:
//
//	log, err := logging.New(logging.Config{
//	    Level:   "debug",
//	    LogDir:  "~/.ledgerstate/logs",  // Supports ~ expansion
//	    Service: "ledgerstate",
//	})
//	if err != nil { ... }
//	defer log.Close()  // Important: flushes and closes the file
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Handing Loggers to Components
//
// Components want the bare *slog.Logger, which is the embedded
// field:
//
//	mgr, err := cache.NewManager(reg, cdc, cache.WithLogger(log.Logger))
//
// Child loggers for request or account scope come from slog itself:
//
//	acctLog := log.Logger.With("account", id.Short())
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe; Close is guarded by a mutex.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure keys and payload contents are not logged:
//
//	// BAD: logs key material
//	log.Info("sealing cache", "key", encKey)
//
//	// GOOD: log metadata only
//	log.Info("sealing cache", "key_present", len(encKey) > 0)
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger.
//
// All fields have working defaults. A zero-value Config creates a
// logger that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level: "debug", "info", "warn", or
	// "error". Messages below this level are discarded.
	//
	// Default: "info"
	Level string

	// Format selects the stderr encoding: "text" or "json".
	//
	// Note: file logs are always JSON regardless of this setting,
	// as they are intended for machine processing.
	//
	// Default: "text"
	Format string

	// AddSource includes the caller's file and line in every record.
	//
	// Default: false
	AddSource bool

	// LogDir enables file logging to the specified directory.
	//
	// When set, logs are written to both stderr and a file named
	// "{Service}_{YYYY-MM-DD}.log". The directory is created with
	// 0750 permissions if it doesn't exist. Supports ~ expansion:
	//   "~/.ledgerstate/logs" -> "/home/user/.ledgerstate/logs"
	//
	// Default: "" (file logging disabled)
	LogDir string

	// Service identifies the component generating logs.
	//
	// The value is included in every record as the "service"
	// attribute and prefixes log file names.
	//
	// Default: "" (no service attribute)
	Service string

	// Quiet disables stderr output, leaving only the file (if
	// LogDir is set). Useful for daemon processes where stderr
	// isn't monitored. With no file either, records are discarded.
	//
	// Default: false (stderr enabled)
	Quiet bool
}

// ParseLevel maps a config level name to its slog.Level. The empty
// string means Info.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a *slog.Logger plus ownership of the optional log file.
//
// The slog.Logger is embedded, so Logger logs directly:
//
//	log.Info("request completed", "duration_ms", elapsed.Milliseconds())
//
// Always call Close when file logging is configured to ensure the
// handle is synced and released.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger with the given configuration.
//
// Parameters:
//   - cfg: destinations and filtering (see Config)
//
// Returns:
//   - *Logger: configured logger ready for use
//   - error: non-nil on an unknown level or format, or when the log
//     file cannot be created
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		switch cfg.Format {
		case "", "text":
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		case "json":
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		default:
			return nil, fmt.Errorf("unknown log format %q", cfg.Format)
		}
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "ledgerstate"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		// Files always carry JSON for machine processing.
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Default returns a stderr-only text logger at Info level carrying
// the "ledgerstate" service attribute. Suitable wherever no Config
// is available; Close is a no-op on it.
func Default() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{
		Logger: slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", "ledgerstate")})),
	}
}

// Close syncs and closes the log file, if one is open.
//
// Returns:
//   - error: the first error encountered during cleanup
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
//
// This enables simultaneous output to stderr and file with
// potentially different formats (text vs JSON).
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands ~ to the user's home directory.
//
// Examples:
//   - "~/.ledgerstate/logs" -> "/home/user/.ledgerstate/logs"
//   - "/var/log" -> "/var/log" (unchanged)
//   - "relative/path" -> "relative/path" (unchanged)
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
