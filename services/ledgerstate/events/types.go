// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts state changes from the ledger mirror to
// subscribers.
//
// Events let external systems observe schema registrations, record
// updates, cache activity, and migrations without coupling to the
// components that produce them. Producers receive a Publisher by
// injection; nothing in this package is process-global.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeSchemaRegistered is emitted when a schema version registers.
	TypeSchemaRegistered Type = "schema_registered"

	// TypeRecordUpdated is emitted when a tracked record commits a
	// newer version of its data.
	TypeRecordUpdated Type = "record_updated"

	// TypeSyncStale is emitted when an update is discarded because
	// its slot does not advance the tracked record.
	TypeSyncStale Type = "sync_stale"

	// TypeSyncError is emitted when synchronization of a record
	// fails.
	TypeSyncError Type = "sync_error"

	// TypeSyncStopped is emitted when a record stops being tracked.
	TypeSyncStopped Type = "sync_stopped"

	// TypeIndexUpdated is emitted when an index entry is inserted or
	// replaced.
	TypeIndexUpdated Type = "index_updated"

	// TypeIndexEvicted is emitted when capacity pressure drops an
	// index entry.
	TypeIndexEvicted Type = "index_evicted"

	// TypeQueryCacheSwept is emitted after a sweep of expired query
	// results.
	TypeQueryCacheSwept Type = "query_cache_swept"

	// TypeCacheEvicted is emitted when the record cache drops an
	// entry.
	TypeCacheEvicted Type = "cache_evicted"

	// TypeCacheSnapshot is emitted after a cache snapshot persists.
	TypeCacheSnapshot Type = "cache_snapshot"

	// TypeMigrationCompleted is emitted when a migration reaches its
	// target version.
	TypeMigrationCompleted Type = "migration_completed"

	// TypeMigrationRolledBack is emitted when a failed migration
	// restores the original record.
	TypeMigrationRolledBack Type = "migration_rolled_back"
)

// Event is a single observed state change.
//
// The Data field holds the typed payload matching the event's Type:
// SchemaRegisteredData, RecordUpdateData, StaleUpdateData,
// SyncErrorData, IndexUpdateData, EvictionData, SweepData,
// SnapshotData, or MigrationData. Events are immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data contains the event-specific payload.
	Data any `json:"data,omitempty"`

	// Metadata contains additional context for the event.
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata carries optional context attached to an event.
type Metadata struct {
	// Source identifies the component that produced the event.
	Source string `json:"source,omitempty"`

	// Tags are key-value pairs for categorization.
	Tags map[string]string `json:"tags,omitempty"`
}

// SchemaRegisteredData is the payload for schema registration events.
type SchemaRegisteredData struct {
	Schema  string `json:"schema"`
	Version uint32 `json:"version"`
}

// RecordUpdateData is the payload for record update events.
type RecordUpdateData struct {
	Account string `json:"account"`
	Schema  string `json:"schema"`
	Slot    uint64 `json:"slot"`

	// Changes lists the fields that differ from the previous record
	// state, empty on first materialization.
	Changes []record.FieldChange `json:"changes,omitempty"`
}

// StaleUpdateData is the payload for discarded stale updates.
type StaleUpdateData struct {
	Account     string `json:"account"`
	Slot        uint64 `json:"slot"`
	CurrentSlot uint64 `json:"current_slot"`
}

// SyncErrorData is the payload for synchronization failures.
type SyncErrorData struct {
	Account string `json:"account"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// SyncStopData is the payload emitted when tracking of an account ends.
type SyncStopData struct {
	Account string `json:"account"`
	Schema  string `json:"schema"`
}

// IndexUpdateData is the payload for index insert/replace events.
type IndexUpdateData struct {
	Schema  string `json:"schema"`
	Account string `json:"account"`
}

// EvictionData is the payload for index and cache eviction events.
type EvictionData struct {
	Schema  string `json:"schema,omitempty"`
	Account string `json:"account,omitempty"`
	Key     string `json:"key,omitempty"`
	Reason  string `json:"reason"`
}

// SweepData is the payload for query cache sweep events.
type SweepData struct {
	Expired   int `json:"expired"`
	Remaining int `json:"remaining"`
}

// SnapshotData is the payload for cache snapshot events.
type SnapshotData struct {
	Entries int           `json:"entries"`
	Bytes   int           `json:"bytes"`
	Took    time.Duration `json:"took"`
}

// MigrationData is the payload for migration lifecycle events.
type MigrationData struct {
	ID          string `json:"id"`
	Schema      string `json:"schema"`
	Account     string `json:"account"`
	FromVersion uint32 `json:"from_version"`
	ToVersion   uint32 `json:"to_version"`
	Steps       int    `json:"steps"`
	Error       string `json:"error,omitempty"`
}
