// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Level Parsing Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", "debug", slog.LevelDebug, false},
		{"info", "info", slog.LevelInfo, false},
		{"warn", "warn", slog.LevelWarn, false},
		{"error", "error", slog.LevelError, false},
		{"empty defaults to info", "", slog.LevelInfo, false},
		{"unknown", "verbose", slog.LevelInfo, true},
		{"uppercase rejected", "DEBUG", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewDefaults(t *testing.T) {
	log, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Close()

	if log.Logger == nil {
		t.Fatal("New() returned logger with nil slog.Logger")
	}
	if !log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger should enable info")
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("default logger should not enable debug")
	}
}

func TestNewDebugLevel(t *testing.T) {
	log, err := New(Config{Level: "debug"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Close()

	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("New() should reject unknown level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Config{Format: "yaml"}); err == nil {
		t.Error("New() should reject unknown format")
	}
}

func TestNewQuietWithoutFileDiscards(t *testing.T) {
	log, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Close()

	// Nothing enabled at any level when there is no destination.
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Error("quiet logger with no file should discard everything")
	}
}

func TestDefault(t *testing.T) {
	log := Default()
	if log.Logger == nil {
		t.Fatal("Default() returned logger with nil slog.Logger")
	}
	if err := log.Close(); err != nil {
		t.Errorf("Close() on Default() error = %v", err)
	}
}

// =============================================================================
// File Logging Tests
// =============================================================================

func TestFileLoggingCreatesFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{LogDir: dir, Service: "testsvc", Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info("file destination check", "attempt", 1)
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d log files, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "testsvc_") || !strings.HasSuffix(name, ".log") {
		t.Errorf("log file name = %q, want testsvc_{date}.log", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log file is not JSON: %v", err)
	}
	if entry["msg"] != "file destination check" {
		t.Errorf("msg = %v, want %q", entry["msg"], "file destination check")
	}
	if entry["service"] != "testsvc" {
		t.Errorf("service = %v, want %q", entry["service"], "testsvc")
	}
	if entry["attempt"] != float64(1) {
		t.Errorf("attempt = %v, want 1", entry["attempt"])
	}
}

func TestFileLoggingCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	log, err := New(Config{LogDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer log.Close()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("log directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log path is not a directory")
	}
}

func TestFileLoggingDefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{LogDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("got %d log files, want 1", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "ledgerstate_") {
		t.Errorf("log file name = %q, want ledgerstate_ prefix", entries[0].Name())
	}
}

func TestFileLoggingAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		log, err := New(Config{LogDir: dir, Service: "appender", Quiet: true})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		log.Info("round", "i", i)
		log.Close()
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("got %d log files, want 1 (appended)", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("got %d log lines, want 2", len(lines))
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestCloseWithoutFile(t *testing.T) {
	log, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Close() without file error = %v", err)
	}
}

func TestCloseTwice(t *testing.T) {
	log, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandlerFanout(t *testing.T) {
	var bufA, bufB bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&bufA, nil),
		slog.NewJSONHandler(&bufB, nil),
	}}

	slog.New(h).Info("fanout check")

	if bufA.Len() == 0 {
		t.Error("first handler received nothing")
	}
	if bufB.Len() == 0 {
		t.Error("second handler received nothing")
	}
}

func TestMultiHandlerRespectsLevels(t *testing.T) {
	var quiet, chatty bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewJSONHandler(&chatty, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled() should be true when any handler accepts the level")
	}

	slog.New(h).Info("level routing check")

	if quiet.Len() != 0 {
		t.Error("error-level handler received an info record")
	}
	if chatty.Len() == 0 {
		t.Error("debug-level handler received nothing")
	}
}

func TestMultiHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{slog.NewJSONHandler(&buf, nil)}}

	child := h.WithAttrs([]slog.Attr{slog.String("component", "sync")})
	slog.New(child).Info("attr check")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "sync" {
		t.Errorf("component = %v, want %q", entry["component"], "sync")
	}
}

func TestMultiHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{slog.NewJSONHandler(&buf, nil)}}

	grouped := h.WithGroup("cache")
	slog.New(grouped).Info("group check", "hits", 3)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	group, ok := entry["cache"].(map[string]any)
	if !ok {
		t.Fatalf("cache group missing, entry = %v", entry)
	}
	if group["hits"] != float64(3) {
		t.Errorf("cache.hits = %v, want 3", group["hits"])
	}
}

// =============================================================================
// Path Expansion Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"tilde expands", "~/logs", filepath.Join(home, "logs")},
		{"absolute unchanged", "/var/log", "/var/log"},
		{"relative unchanged", "logs/here", "logs/here"},
		{"empty unchanged", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandPath(tt.input); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
