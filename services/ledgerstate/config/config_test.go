// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerstate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
cache:
  max_entries: 500
sync:
  poll_interval: 45s
ledger:
  source: dir
  dir: /var/lib/ledgerstate/records
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Cache.MaxEntries != 500 {
		t.Errorf("cache.max_entries = %d, want 500", cfg.Cache.MaxEntries)
	}
	if got := cfg.Sync.PollInterval.Std(); got != 45*time.Second {
		t.Errorf("sync.poll_interval = %v, want 45s", got)
	}
	if cfg.Ledger.Source != "dir" {
		t.Errorf("ledger.source = %q, want dir", cfg.Ledger.Source)
	}

	def := Default()
	if cfg.Cache.MaxBytes != def.Cache.MaxBytes {
		t.Errorf("untouched cache.max_bytes = %d, want default %d", cfg.Cache.MaxBytes, def.Cache.MaxBytes)
	}
	if cfg.Query.TTL != def.Query.TTL {
		t.Errorf("untouched query.ttl = %v, want default %v", cfg.Query.TTL, def.Query.TTL)
	}
	if !cfg.Sync.Subscriptions {
		t.Error("untouched sync.subscriptions lost its default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() accepted a missing file")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "cache:\n  max_entires: 500\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a misspelled key")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "query:\n  ttl: soonish\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() accepted a malformed duration")
	}
	if !strings.Contains(err.Error(), "soonish") {
		t.Errorf("error %q does not name the bad value", err)
	}
}

func TestDurationAcceptsBareNanos(t *testing.T) {
	path := writeConfig(t, "query:\n  ttl: 1000000000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := cfg.Query.TTL.Std(); got != time.Second {
		t.Errorf("ttl = %v, want 1s", got)
	}
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "workers above pool bound",
			mutate: func(c *Config) { c.Cache.Workers = 7 },
			want:   "Workers",
		},
		{
			name:   "workers below pool bound",
			mutate: func(c *Config) { c.Cache.Workers = 1 },
			want:   "Workers",
		},
		{
			name:   "bad eviction order",
			mutate: func(c *Config) { c.Index.EvictionOrder = "noise" },
			want:   "EvictionOrder",
		},
		{
			name:   "dir source without dir",
			mutate: func(c *Config) { c.Ledger.Source = "dir" },
			want:   "Dir",
		},
		{
			name:   "ws source without url",
			mutate: func(c *Config) { c.Ledger.Source = "ws" },
			want:   "URL",
		},
		{
			name:   "zero retry delay",
			mutate: func(c *Config) { c.Sync.RetryDelay = 0 },
			want:   "RetryDelay",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "loud" },
			want:   "Level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not name field %s", err, tc.want)
			}
		})
	}
}

func TestEnsureDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ledgerstate.yaml")
	if err := EnsureDefault(path); err != nil {
		t.Fatalf("EnsureDefault() failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of the written default failed: %v", err)
	}
	if cfg != Default() {
		t.Error("written default does not round-trip")
	}
}

func TestEnsureDefaultKeepsExisting(t *testing.T) {
	path := writeConfig(t, "cache:\n  max_entries: 9\n")
	if err := EnsureDefault(path); err != nil {
		t.Fatalf("EnsureDefault() failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Cache.MaxEntries != 9 {
		t.Errorf("existing config was overwritten: max_entries = %d", cfg.Cache.MaxEntries)
	}
}
