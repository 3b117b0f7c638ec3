// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// FieldOption customizes a field added through the builder.
type FieldOption func(*Field)

// Required marks the field as mandatory in every record.
func Required() FieldOption {
	return func(f *Field) { f.Required = true }
}

// WithDefault attaches the value used when a migration adds this field
// to an older record.
func WithDefault(v record.Value) FieldOption {
	return func(f *Field) { f.Default = v }
}

// WithMin sets the inclusive lower bound for a numeric field.
func WithMin(min int64) FieldOption {
	return func(f *Field) { ensureConstraints(f).Min = &min }
}

// WithMax sets the inclusive upper bound for a numeric field.
func WithMax(max int64) FieldOption {
	return func(f *Field) { ensureConstraints(f).Max = &max }
}

// WithPattern sets the regular expression a string field must match.
func WithPattern(pattern string) FieldOption {
	return func(f *Field) { ensureConstraints(f).Pattern = pattern }
}

func ensureConstraints(f *Field) *Constraints {
	if f.Constraints == nil {
		f.Constraints = &Constraints{}
	}
	return f.Constraints
}

// Builder assembles a Schema fluently. Build validates the result and
// returns every violation at once, mirroring what the registry would
// report at registration time.
//
// Usage:
//
//	s, err := schema.NewBuilder("Token", 1).
//		AutoDiscriminator().
//		Account("mint", schema.Required()).
//		U64("supply", schema.Required()).
//		U8("decimals", schema.WithDefault(record.U8(6))).
//		Build()
type Builder struct {
	schema Schema
	strict bool
}

// NewBuilder starts a schema definition for (name, version).
func NewBuilder(name string, version uint32) *Builder {
	return &Builder{schema: Schema{Name: name, Version: version}}
}

// Discriminator sets an explicit 64-bit record tag.
func (b *Builder) Discriminator(tag uint64) *Builder {
	d := tag
	b.schema.Discriminator = &d
	return b
}

// AutoDiscriminator derives the tag from the schema name using the
// ledger account convention (see DeriveDiscriminator).
func (b *Builder) AutoDiscriminator() *Builder {
	d := DeriveDiscriminator(b.schema.Name)
	b.schema.Discriminator = &d
	return b
}

// Metadata attaches one metadata key/value pair.
func (b *Builder) Metadata(key, value string) *Builder {
	if b.schema.Metadata == nil {
		b.schema.Metadata = map[string]string{}
	}
	b.schema.Metadata[key] = value
	return b
}

// Define registers a named sub-schema that fields may reference with
// Ref.
func (b *Builder) Define(name string, sub *Schema) *Builder {
	if b.schema.Definitions == nil {
		b.schema.Definitions = map[string]*Schema{}
	}
	b.schema.Definitions[name] = sub
	return b
}

// Strict makes Build additionally reject unreferenced definitions.
func (b *Builder) Strict() *Builder {
	b.strict = true
	return b
}

// U8 adds an unsigned 8-bit field.
func (b *Builder) U8(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindU8), opts)
}

// U16 adds an unsigned 16-bit field.
func (b *Builder) U16(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindU16), opts)
}

// U32 adds an unsigned 32-bit field.
func (b *Builder) U32(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindU32), opts)
}

// U64 adds an unsigned 64-bit field.
func (b *Builder) U64(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindU64), opts)
}

// I8 adds a signed 8-bit field.
func (b *Builder) I8(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindI8), opts)
}

// I16 adds a signed 16-bit field.
func (b *Builder) I16(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindI16), opts)
}

// I32 adds a signed 32-bit field.
func (b *Builder) I32(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindI32), opts)
}

// I64 adds a signed 64-bit field.
func (b *Builder) I64(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindI64), opts)
}

// Bool adds a boolean field.
func (b *Builder) Bool(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindBool), opts)
}

// Account adds a 32-byte account identifier field.
func (b *Builder) Account(name string, opts ...FieldOption) *Builder {
	return b.add(name, ScalarType(record.KindAccount), opts)
}

// String adds a UTF-8 string field. maxLen caps the payload and sizes
// the layout slot; pass 0 for the default cap.
func (b *Builder) String(name string, maxLen int, opts ...FieldOption) *Builder {
	f := Field{Name: name, Type: ScalarType(record.KindString)}
	if maxLen > 0 {
		n := maxLen
		ensureConstraints(&f).Length = &n
	}
	return b.addField(f, opts)
}

// Bytes adds a variable-length binary field. maxLen caps the payload
// and sizes the layout slot; pass 0 for the default cap.
func (b *Builder) Bytes(name string, maxLen int, opts ...FieldOption) *Builder {
	f := Field{Name: name, Type: ScalarType(record.KindBytes)}
	if maxLen > 0 {
		n := maxLen
		ensureConstraints(&f).Length = &n
	}
	return b.addField(f, opts)
}

// Nested adds a field embedding a sub-schema inline.
func (b *Builder) Nested(name string, sub *Schema, opts ...FieldOption) *Builder {
	return b.add(name, NestedType(sub), opts)
}

// Ref adds a field referencing a named definition.
func (b *Builder) Ref(name, definition string, opts ...FieldOption) *Builder {
	return b.add(name, RefType(definition), opts)
}

// Array adds an array field. length > 0 fixes the element count;
// length 0 declares a runtime-length array.
func (b *Builder) Array(name string, elem FieldType, length int, opts ...FieldOption) *Builder {
	return b.add(name, ArrayType(elem, length), opts)
}

// Add appends a fully constructed field.
func (b *Builder) Add(f Field) *Builder {
	b.schema.Fields = append(b.schema.Fields, f)
	return b
}

func (b *Builder) add(name string, ft FieldType, opts []FieldOption) *Builder {
	return b.addField(Field{Name: name, Type: ft}, opts)
}

func (b *Builder) addField(f Field, opts []FieldOption) *Builder {
	for _, opt := range opts {
		opt(&f)
	}
	b.schema.Fields = append(b.schema.Fields, f)
	return b
}

// Build validates the assembled schema and returns it with all
// definition references inlined.
//
// Outputs:
//   - *Schema: the finished schema, detached from the builder.
//   - error: a *ValidationError listing every violation when any
//     schema invariant is broken.
func (b *Builder) Build() (*Schema, error) {
	s := b.schema.Clone()
	if violations := Validate(s, b.strict); len(violations) > 0 {
		return nil, &ValidationError{Schema: s.Name, Version: s.Version, Violations: violations}
	}
	return Inline(s), nil
}
