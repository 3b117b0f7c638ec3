// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the YAML-backed engine configuration.
//
// Load merges a file over Default(), so a config file only needs the
// keys it changes. Validation runs on the merged result; see the
// validate tags for the accepted ranges.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/query"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/syncer"
)

// Duration wraps time.Duration so YAML reads and writes "250ms" style
// strings. Bare integers are accepted as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full engine configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Cache     CacheConfig     `yaml:"cache"`
	Index     IndexConfig     `yaml:"index"`
	Query     QueryConfig     `yaml:"query"`
	Sync      SyncConfig      `yaml:"sync"`
	Migration MigrationConfig `yaml:"migration"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=text json"`
	AddSource bool   `yaml:"add_source"`

	// Dir, when set, adds a JSON file handler writing dated log files
	// under it.
	Dir string `yaml:"dir"`
}

type LedgerConfig struct {
	// Source selects the ledger boundary implementation.
	Source string `yaml:"source" validate:"oneof=memory dir ws"`

	// Dir is the watched record directory for the dir source.
	Dir string `yaml:"dir" validate:"required_if=Source dir"`

	// URL is the websocket endpoint for the ws source.
	URL string `yaml:"url" validate:"required_if=Source ws"`
}

type CacheConfig struct {
	MaxBytes       int64    `yaml:"max_bytes" validate:"gte=0"`
	MaxEntries     int      `yaml:"max_entries" validate:"gte=0"`
	MaxAge         Duration `yaml:"max_age" validate:"gte=0"`
	UpdateAgeOnGet bool     `yaml:"update_age_on_get"`

	// Compression seals stored entries with DEFLATE.
	Compression bool `yaml:"compression"`

	// EncryptionKeyFile points at the raw key material for sealed
	// entries. Empty disables encryption.
	EncryptionKeyFile string `yaml:"encryption_key_file"`

	Workers     int      `yaml:"workers" validate:"gte=2,lte=4"`
	TaskTimeout Duration `yaml:"task_timeout" validate:"gt=0"`

	// SnapshotPath is the BadgerDB directory for cache snapshots.
	// Empty disables persistence.
	SnapshotPath     string   `yaml:"snapshot_path"`
	SnapshotInterval Duration `yaml:"snapshot_interval" validate:"gte=0"`
}

type IndexConfig struct {
	// MaxEntries bounds each schema's index. Zero is unbounded.
	MaxEntries       int    `yaml:"max_entries" validate:"gte=0"`
	EvictionOrder    string `yaml:"eviction_order" validate:"oneof=insertion recency"`
	EvictNewestFirst bool   `yaml:"evict_newest_first"`
}

type QueryConfig struct {
	TTL             Duration `yaml:"ttl" validate:"gt=0"`
	DefaultPageSize int      `yaml:"default_page_size" validate:"gte=1"`
	Parallelism     int      `yaml:"parallelism" validate:"gte=1"`
	SweepInterval   Duration `yaml:"sweep_interval" validate:"gt=0"`

	// NegativeTTL bounds how long a loader failure is remembered.
	// Zero disables failure memory.
	NegativeTTL Duration `yaml:"negative_ttl" validate:"gte=0"`
}

type SyncConfig struct {
	MaxRetries int      `yaml:"max_retries" validate:"gte=0"`
	RetryDelay Duration `yaml:"retry_delay" validate:"gt=0"`

	// PollInterval enables fixed-interval polling. Zero disables.
	PollInterval Duration `yaml:"poll_interval" validate:"gte=0"`

	// ReadLimit and ReadBurst pace ledger source reads across every
	// tracked account.
	ReadLimit float64 `yaml:"read_limit" validate:"gt=0"`
	ReadBurst int     `yaml:"read_burst" validate:"gte=1"`

	// Subscriptions attaches push subscriptions on the source.
	Subscriptions bool `yaml:"subscriptions"`
}

type MigrationConfig struct {
	StrictNarrowing bool     `yaml:"strict_narrowing"`
	StepRetries     int      `yaml:"step_retries" validate:"gte=0"`
	RetryDelay      Duration `yaml:"retry_delay" validate:"gte=0"`
	StepTimeout     Duration `yaml:"step_timeout" validate:"gte=0"`
}

type TelemetryConfig struct {
	// MetricsAddr is the promhttp listen address. Empty disables the
	// metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// StdoutTraces writes spans to stdout, for development.
	StdoutTraces bool `yaml:"stdout_traces"`

	ServiceName string `yaml:"service_name" validate:"required"`
}

// Default returns the production defaults. Every component default
// here mirrors the zero-option behavior of the package it configures.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Ledger: LedgerConfig{
			Source: "memory",
		},
		Cache: CacheConfig{
			MaxBytes:         cache.DefaultMaxBytes,
			MaxEntries:       cache.DefaultMaxEntries,
			MaxAge:           Duration(cache.DefaultMaxAge),
			UpdateAgeOnGet:   true,
			Workers:          4,
			TaskTimeout:      Duration(cache.DefaultTaskTimeout),
			SnapshotInterval: Duration(cache.DefaultSnapshotInterval),
		},
		Index: IndexConfig{
			EvictionOrder: "insertion",
		},
		Query: QueryConfig{
			TTL:             Duration(query.DefaultTTL),
			DefaultPageSize: query.DefaultPageSize,
			Parallelism:     query.DefaultParallelism,
			SweepInterval:   Duration(query.DefaultSweepInterval),
			NegativeTTL:     Duration(query.DefaultNegativeTTL),
		},
		Sync: SyncConfig{
			MaxRetries:    syncer.DefaultMaxRetries,
			RetryDelay:    Duration(syncer.DefaultRetryDelay),
			ReadLimit:     float64(syncer.DefaultReadLimit),
			ReadBurst:     syncer.DefaultReadBurst,
			Subscriptions: true,
		},
		Migration: MigrationConfig{
			StepRetries: 0,
			RetryDelay:  Duration(50 * time.Millisecond),
			StepTimeout: Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9464",
			ServiceName: "ledgerstate",
		},
	}
}
