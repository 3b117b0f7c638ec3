// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout derives the binary memory layout of a schema: the
// offset, size, alignment, and padding of every field, and the total
// record size.
//
// A layout is a pure function of the schema. Two computations over the
// same schema always produce identical layouts, which is what lets
// encoded records round-trip across processes and restarts. Layouts
// are derived on demand and memoized; they are never persisted.
package layout

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

// DiscriminatorSize is the space reserved at offset 0 for the schema
// discriminator tag when one is declared.
const DiscriminatorSize = 8

// Error reports a schema construct the layout engine cannot place.
type Error struct {
	Schema string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("layout %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("layout %s: field %s: %s", e.Schema, e.Field, e.Reason)
}

// FieldLayout places a single field inside its enclosing struct.
//
// Offset is absolute within the enclosing layout. Padding counts the
// bytes inserted before the field to satisfy its alignment.
type FieldLayout struct {
	Name      string
	Offset    int
	Size      int
	Alignment int
	Padding   int

	// Nested holds the sub-layout of a struct field, with offsets
	// relative to this field's own offset.
	Nested *Layout

	// Array geometry. Count is the fixed length, or the reserved
	// capacity when Dynamic. Stride is the aligned per-element slot.
	// Elem describes one element with Offset 0.
	Count   int
	Stride  int
	Dynamic bool
	Elem    *FieldLayout
}

// Layout is the computed placement of every field of one schema
// version.
//
// Invariants: each field offset is a multiple of the field's
// alignment, and TotalSize is a multiple of Alignment (the maximum
// field alignment). Layouts returned by the engine are shared and must
// be treated as read-only.
type Layout struct {
	Name    string
	Version uint32

	TotalSize int
	Alignment int

	// HasDiscriminator reserves the first DiscriminatorSize bytes
	// for the schema tag; field offsets already account for it.
	HasDiscriminator bool

	Fields []FieldLayout

	index map[string]int
}

// FieldByName returns the placement of a named field.
func (l *Layout) FieldByName(name string) (*FieldLayout, bool) {
	i, ok := l.index[name]
	if !ok {
		return nil, false
	}
	return &l.Fields[i], true
}

// String renders a fixed-width offset table for diagnostics.
func (l *Layout) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d size=%d align=%d\n", l.Name, l.Version, l.TotalSize, l.Alignment)
	if l.HasDiscriminator {
		fmt.Fprintf(&b, "  %-24s off=%-5d size=%-5d align=%d\n", "(discriminator)", 0, DiscriminatorSize, 8)
	}
	for _, f := range l.Fields {
		fmt.Fprintf(&b, "  %-24s off=%-5d size=%-5d align=%d", f.Name, f.Offset, f.Size, f.Alignment)
		if f.Padding > 0 {
			fmt.Fprintf(&b, " pad=%d", f.Padding)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// padFor returns the bytes needed to advance offset to the next
// multiple of align.
func padFor(offset, align int) int {
	return (align - offset%align) % align
}

func alignUp(n, align int) int {
	return n + padFor(n, align)
}

// Compute derives the layout of a schema without memoization. Most
// callers want Engine.Compute instead.
func Compute(s *schema.Schema) (*Layout, error) {
	if s == nil {
		return nil, &Error{Schema: "", Reason: "nil schema"}
	}
	return computeSchema(s)
}

func computeSchema(s *schema.Schema) (*Layout, error) {
	l := &Layout{
		Name:    s.Name,
		Version: s.Version,
	}

	offset := 0
	maxAlign := 1
	if s.HasDiscriminator() {
		l.HasDiscriminator = true
		offset = DiscriminatorSize
		maxAlign = 8
	}

	l.Fields = make([]FieldLayout, 0, len(s.Fields))
	l.index = make(map[string]int, len(s.Fields))
	for _, f := range s.Fields {
		fl, err := computeField(s.Name, f)
		if err != nil {
			return nil, err
		}
		fl.Padding = padFor(offset, fl.Alignment)
		offset += fl.Padding
		fl.Offset = offset
		offset += fl.Size
		if fl.Alignment > maxAlign {
			maxAlign = fl.Alignment
		}
		l.index[fl.Name] = len(l.Fields)
		l.Fields = append(l.Fields, *fl)
	}

	l.Alignment = maxAlign
	l.TotalSize = alignUp(offset, maxAlign)
	return l, nil
}

func computeField(schemaName string, f schema.Field) (*FieldLayout, error) {
	fl := &FieldLayout{Name: f.Name}

	switch f.Type.Kind {
	case record.KindU8, record.KindI8, record.KindBool:
		fl.Size, fl.Alignment = 1, 1
	case record.KindU16, record.KindI16:
		fl.Size, fl.Alignment = 2, 2
	case record.KindU32, record.KindI32:
		fl.Size, fl.Alignment = 4, 4
	case record.KindU64, record.KindI64:
		fl.Size, fl.Alignment = 8, 8
	case record.KindAccount:
		fl.Size, fl.Alignment = record.AccountIDLen, 1
	case record.KindString, record.KindBytes:
		// 4-byte LE length prefix, then the reserved payload slot.
		fl.Size, fl.Alignment = 4+f.PayloadCap(), 4
	case record.KindStruct:
		if f.Type.Schema == nil {
			return nil, &Error{Schema: schemaName, Field: f.Name, Reason: fmt.Sprintf("unresolved definition reference %q", f.Type.Ref)}
		}
		sub, err := computeSchema(f.Type.Schema)
		if err != nil {
			return nil, err
		}
		fl.Nested = sub
		fl.Size = sub.TotalSize
		fl.Alignment = sub.Alignment
	case record.KindArray:
		if f.Type.Elem == nil {
			return nil, &Error{Schema: schemaName, Field: f.Name, Reason: "array without an element type"}
		}
		elem, err := computeField(schemaName, schema.Field{Name: f.Name + "[]", Type: *f.Type.Elem})
		if err != nil {
			return nil, err
		}
		fl.Elem = elem
		fl.Stride = alignUp(elem.Size, elem.Alignment)
		fl.Count = f.ArrayCap()
		if f.Type.Len > 0 {
			fl.Size = fl.Count * fl.Stride
			fl.Alignment = elem.Alignment
		} else {
			// Runtime-length arrays carry a 4-byte LE element count
			// ahead of the reserved slots.
			fl.Dynamic = true
			fl.Size = 4 + fl.Count*fl.Stride
			fl.Alignment = elem.Alignment
			if fl.Alignment < 4 {
				fl.Alignment = 4
			}
		}
	default:
		return nil, &Error{Schema: schemaName, Field: f.Name, Reason: fmt.Sprintf("unsupported kind %s", f.Type.Kind)}
	}
	return fl, nil
}
