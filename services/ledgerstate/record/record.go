// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"sort"
	"time"
)

// Metadata carries the provenance of a decoded record.
type Metadata struct {
	// SchemaName and SchemaVersion identify the schema the payload was
	// decoded against.
	SchemaName    string
	SchemaVersion uint32

	// LastUpdate is when the engine last replaced this record.
	LastUpdate time.Time

	// Slot is the source sequence number the payload was observed at.
	// Updates carrying a slot at or below this one are stale.
	Slot uint64

	// Owner is the program or authority that owns the account on the
	// ledger, when the source reports one.
	Owner AccountID
}

// Record is one decoded ledger account held by the engine.
//
// Description:
//
//	Records are immutable by convention: the synchronizer and the
//	migration engine replace the whole record rather than mutating
//	fields in place, so readers holding a *Record never observe a
//	partial update. Value is always a struct-kind Value keyed by the
//	schema's field names.
type Record struct {
	Account AccountID
	Value   Value
	Meta    Metadata
}

// Clone returns a deep copy sharing no mutable storage with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Value = r.Value.Clone()
	return &out
}

// ByteSize estimates the record's in-memory footprint for cache
// accounting.
func (r *Record) ByteSize() int {
	if r == nil {
		return 0
	}
	return AccountIDLen + len(r.Meta.SchemaName) + 48 + r.Value.ByteSize()
}

// FieldChange describes one field-level difference between two
// versions of a record's value.
type FieldChange struct {
	Field string
	Old   Value // invalid kind when the field was added
	New   Value // invalid kind when the field was removed
}

// Diff compares two struct values field by field and returns the
// changes sorted by field name. Unchanged fields are omitted. The
// synchronizer attaches the result to its change events.
func Diff(oldValue, newValue Value) []FieldChange {
	oldFields := oldValue.Fields()
	newFields := newValue.Fields()

	names := make(map[string]struct{}, len(oldFields)+len(newFields))
	for name := range oldFields {
		names[name] = struct{}{}
	}
	for name := range newFields {
		names[name] = struct{}{}
	}

	changes := make([]FieldChange, 0, len(names))
	for name := range names {
		ov, oldOK := oldFields[name]
		nv, newOK := newFields[name]
		switch {
		case oldOK && newOK:
			if !ov.Equal(nv) {
				changes = append(changes, FieldChange{Field: name, Old: ov, New: nv})
			}
		case oldOK:
			changes = append(changes, FieldChange{Field: name, Old: ov})
		default:
			changes = append(changes, FieldChange{Field: name, New: nv})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}
