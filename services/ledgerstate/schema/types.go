// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema owns versioned record schema definitions: the Schema
// and Field model, the fluent builder, the YAML loader, the registry,
// and the version compatibility rules.
//
// A Schema is immutable once registered under a (name, version) pair.
// Evolving a record type means registering a new version and, when the
// change is not compatible under the lattice in compat.go, migrating
// stored records through the migration engine.
package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

const (
	// MaxSchemaBytes bounds the canonical serialized size of one schema
	// definition at registration time.
	MaxSchemaBytes = 10 * 1024

	// MaxArrayLen is the hard cap on a fixed array length.
	MaxArrayLen = 1024

	// DefaultPayloadCap is the reserved capacity for string and bytes
	// fields that declare no length constraint.
	DefaultPayloadCap = 256

	// maxPayloadCap bounds how much space a single string or bytes
	// field may reserve in a record layout.
	maxPayloadCap = 1 << 20

	// DefaultArrayCap is the reserved element capacity for
	// runtime-length arrays that declare no length constraint.
	DefaultArrayCap = 16
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldType describes the type of one field.
//
// Exactly one of the following shapes is valid:
//   - a scalar: Kind is an integer/bool/string/bytes/account kind
//   - a nested schema: Kind is KindStruct and Schema is set
//   - a definition reference: Kind is KindStruct and Ref names an
//     entry in the top-level schema's Definitions (Schema is filled in
//     when the reference is resolved)
//   - an array: Kind is KindArray, Elem describes the element type,
//     and Len is the fixed length (0 means runtime length)
type FieldType struct {
	Kind   record.Kind
	Schema *Schema
	Ref    string
	Elem   *FieldType
	Len    int
}

// ScalarType returns a FieldType for a scalar kind.
func ScalarType(k record.Kind) FieldType {
	return FieldType{Kind: k}
}

// NestedType returns a FieldType embedding a sub-schema.
func NestedType(sub *Schema) FieldType {
	return FieldType{Kind: record.KindStruct, Schema: sub}
}

// RefType returns a FieldType referencing a named definition.
func RefType(name string) FieldType {
	return FieldType{Kind: record.KindStruct, Ref: name}
}

// ArrayType returns a FieldType for an array of elem. length 0 means
// the array carries a runtime length up to the element cap.
func ArrayType(elem FieldType, length int) FieldType {
	e := elem
	return FieldType{Kind: record.KindArray, Elem: &e, Len: length}
}

// IsScalar reports whether the type is a plain scalar kind.
func (ft FieldType) IsScalar() bool {
	switch ft.Kind {
	case record.KindStruct, record.KindArray, record.KindInvalid:
		return false
	default:
		return true
	}
}

// String renders a compact human form used in violations and logs.
func (ft FieldType) String() string {
	switch ft.Kind {
	case record.KindStruct:
		if ft.Ref != "" {
			return fmt.Sprintf("ref(%s)", ft.Ref)
		}
		if ft.Schema != nil {
			return fmt.Sprintf("struct(%s)", ft.Schema.Name)
		}
		return "struct(?)"
	case record.KindArray:
		elem := "?"
		if ft.Elem != nil {
			elem = ft.Elem.String()
		}
		if ft.Len > 0 {
			return fmt.Sprintf("array<%s,%d>", elem, ft.Len)
		}
		return fmt.Sprintf("array<%s>", elem)
	default:
		return ft.Kind.String()
	}
}

func (ft FieldType) clone() FieldType {
	out := ft
	if ft.Schema != nil {
		out.Schema = ft.Schema.Clone()
	}
	if ft.Elem != nil {
		e := ft.Elem.clone()
		out.Elem = &e
	}
	return out
}

// Constraints restricts the values a field accepts. All members are
// optional.
type Constraints struct {
	// Min and Max bound numeric fields (inclusive).
	Min *int64
	Max *int64

	// Length caps the byte length of string and bytes payloads and
	// doubles as the reserved capacity in the record layout.
	Length *int

	// Pattern is a regular expression string values must match.
	Pattern string

	re *regexp.Regexp
}

// Compile prepares the pattern for matching. Called during validation;
// an invalid pattern is a schema violation, not a runtime error.
func (c *Constraints) Compile() error {
	if c == nil || c.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return err
	}
	c.re = re
	return nil
}

// MatchString reports whether s satisfies the compiled pattern. A
// missing or uncompiled pattern matches everything.
func (c *Constraints) MatchString(s string) bool {
	if c == nil || c.Pattern == "" {
		return true
	}
	if c.re == nil {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return false
		}
		c.re = re
	}
	return c.re.MatchString(s)
}

func (c *Constraints) clone() *Constraints {
	if c == nil {
		return nil
	}
	out := &Constraints{Pattern: c.Pattern, re: c.re}
	if c.Min != nil {
		v := *c.Min
		out.Min = &v
	}
	if c.Max != nil {
		v := *c.Max
		out.Max = &v
	}
	if c.Length != nil {
		v := *c.Length
		out.Length = &v
	}
	return out
}

// Field is one named member of a schema.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Constraints *Constraints

	// Default seeds the field during migration when an older record
	// gains it. The zero Value means no default.
	Default record.Value
}

// PayloadCap returns the reserved capacity for a string or bytes
// field.
func (f Field) PayloadCap() int {
	if f.Constraints != nil && f.Constraints.Length != nil {
		return *f.Constraints.Length
	}
	return DefaultPayloadCap
}

// ArrayCap returns the reserved element capacity for an array field.
// Fixed arrays reserve exactly their declared length; runtime-length
// arrays reserve the length constraint, or DefaultArrayCap without
// one.
func (f Field) ArrayCap() int {
	if f.Type.Len > 0 {
		return f.Type.Len
	}
	if f.Constraints != nil && f.Constraints.Length != nil {
		return *f.Constraints.Length
	}
	return DefaultArrayCap
}

func (f Field) clone() Field {
	out := f
	out.Type = f.Type.clone()
	out.Constraints = f.Constraints.clone()
	out.Default = f.Default.Clone()
	return out
}

// Schema is a versioned record type definition.
//
// Description:
//
//	Fields are ordered; the layout engine walks them in declared order
//	and the codec writes them at the computed offsets. Definitions
//	holds named sub-schemas that fields may reference; references are
//	inlined when the schema is built or registered, so downstream
//	consumers never see an unresolved reference.
//
// Thread Safety:
//
//	A Schema returned by the registry or a builder must be treated as
//	immutable. The registry stores a private deep copy at registration
//	so later caller mutations cannot leak in.
type Schema struct {
	Name    string
	Version uint32

	// Discriminator is the optional 64-bit tag written at offset 0 of
	// every encoded record of this schema.
	Discriminator *uint64

	Fields      []Field
	Metadata    map[string]string
	Definitions map[string]*Schema
}

// Key returns the registry key "name@version".
func (s *Schema) Key() string {
	return fmt.Sprintf("%s@%d", s.Name, s.Version)
}

// FieldByName returns the named field. Lookup is case-sensitive; name
// uniqueness is enforced case-insensitively at validation time.
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the field names in declared order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// HasDiscriminator reports whether encoded records carry a leading
// 8-byte tag.
func (s *Schema) HasDiscriminator() bool {
	return s != nil && s.Discriminator != nil
}

// Clone returns a deep copy sharing no mutable storage with s.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Name: s.Name, Version: s.Version}
	if s.Discriminator != nil {
		d := *s.Discriminator
		out.Discriminator = &d
	}
	out.Fields = make([]Field, len(s.Fields))
	for i, f := range s.Fields {
		out.Fields[i] = f.clone()
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Definitions != nil {
		out.Definitions = make(map[string]*Schema, len(s.Definitions))
		for k, v := range s.Definitions {
			out.Definitions[k] = v.Clone()
		}
	}
	return out
}

// DeriveDiscriminator computes the conventional account tag for a
// schema name: the first 8 bytes of SHA-256("account:" + name) read as
// a little-endian u64. This matches the tag convention of the ledger
// programs the engine mirrors.
func DeriveDiscriminator(name string) uint64 {
	sum := sha256.Sum256([]byte("account:" + name))
	return binary.LittleEndian.Uint64(sum[:8])
}

// sortedDefinitionNames returns definition names in stable order for
// deterministic validation output.
func (s *Schema) sortedDefinitionNames() []string {
	names := make([]string, 0, len(s.Definitions))
	for name := range s.Definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lowerName normalizes a field name for case-insensitive uniqueness
// checks.
func lowerName(name string) string {
	return strings.ToLower(name)
}
