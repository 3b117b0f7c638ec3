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
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// yamlDoc mirrors the on-disk schema definition format.
//
// Fields are a list, not a map, so declaration order survives parsing.
// The discriminator accepts either the literal string "auto" (derive
// from the schema name) or an explicit integer.
type yamlDoc struct {
	Name          string              `yaml:"name"`
	Version       uint32              `yaml:"version"`
	Discriminator *yaml.Node          `yaml:"discriminator"`
	Metadata      map[string]string   `yaml:"metadata"`
	Definitions   map[string]yamlBody `yaml:"definitions"`
	Fields        []yamlField         `yaml:"fields"`
}

type yamlBody struct {
	Fields []yamlField `yaml:"fields"`
}

type yamlField struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Elem     string     `yaml:"elem"`
	Len      int        `yaml:"len"`
	Required bool       `yaml:"required"`
	Length   *int       `yaml:"length"`
	Min      *int64     `yaml:"min"`
	Max      *int64     `yaml:"max"`
	Pattern  string     `yaml:"pattern"`
	Default  *yaml.Node `yaml:"default"`
}

var scalarKinds = map[string]record.Kind{
	"u8":      record.KindU8,
	"u16":     record.KindU16,
	"u32":     record.KindU32,
	"u64":     record.KindU64,
	"i8":      record.KindI8,
	"i16":     record.KindI16,
	"i32":     record.KindI32,
	"i64":     record.KindI64,
	"bool":    record.KindBool,
	"string":  record.KindString,
	"bytes":   record.KindBytes,
	"account": record.KindAccount,
}

// FromYAML parses a schema definition document, validates it, and
// returns the schema with definition references inlined. The error is
// a *ValidationError carrying every structural violation when the
// document parses but breaks an invariant.
func FromYAML(data []byte) (*Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc yamlDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse schema yaml: empty document")
		}
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}

	s := &Schema{
		Name:     doc.Name,
		Version:  doc.Version,
		Metadata: doc.Metadata,
	}

	if doc.Discriminator != nil {
		tag, err := parseDiscriminator(doc.Discriminator, doc.Name)
		if err != nil {
			return nil, err
		}
		s.Discriminator = &tag
	}

	if len(doc.Definitions) > 0 {
		s.Definitions = make(map[string]*Schema, len(doc.Definitions))
		for name, body := range doc.Definitions {
			fields, err := parseFields(body.Fields)
			if err != nil {
				return nil, fmt.Errorf("definition %q: %w", name, err)
			}
			s.Definitions[name] = &Schema{Name: name, Fields: fields}
		}
	}

	fields, err := parseFields(doc.Fields)
	if err != nil {
		return nil, err
	}
	s.Fields = fields

	if violations := Validate(s, false); len(violations) > 0 {
		return nil, &ValidationError{Schema: s.Name, Version: s.Version, Violations: violations}
	}
	return Inline(s), nil
}

// FromYAMLFile loads and parses a schema definition file.
func FromYAMLFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	s, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return s, nil
}

// ValueFromYAML parses a YAML document into a struct value shaped by
// the schema.
//
// Description:
//
//	Walks the document against the schema's fields: scalars decode
//	through the same conversions the definition parser uses for
//	defaults, nested definitions recurse, and arrays honor a fixed
//	length when the schema declares one. Absent fields take their
//	declared default when one exists; absent required fields without
//	a default are an error. Keys the schema does not name are
//	rejected so typos surface here rather than as silently zeroed
//	slots.
//
// Inputs:
//   - s: the schema describing the document. References are resolved
//     against its definitions.
//   - data: the YAML document.
//
// Outputs:
//   - record.Value: a struct-kind value ready for the codec.
//   - error: parse or shape failures, with the offending field path.
//
// Thread Safety:
//   - Safe for concurrent use; the schema is not mutated.
func ValueFromYAML(s *Schema, data []byte) (record.Value, error) {
	if s == nil {
		return record.Value{}, fmt.Errorf("nil schema")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return record.Value{}, fmt.Errorf("parse record yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return record.Value{}, fmt.Errorf("parse record yaml: empty document")
	}
	return structFromNode(Inline(s), doc.Content[0], "")
}

func structFromNode(s *Schema, node *yaml.Node, path string) (record.Value, error) {
	node = deref(node)
	if node.Kind != yaml.MappingNode {
		return record.Value{}, fmt.Errorf("%s: expected a mapping", pathOrRoot(path))
	}

	byName := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		byName[node.Content[i].Value] = node.Content[i+1]
	}
	known := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		known[s.Fields[i].Name] = true
	}
	for name := range byName {
		if !known[name] {
			return record.Value{}, fmt.Errorf("%s: unknown field %q", pathOrRoot(path), name)
		}
	}

	out := make(map[string]record.Value, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		fp := joinPath(path, f.Name)
		vn, ok := byName[f.Name]
		if !ok {
			if f.Default.IsValid() {
				out[f.Name] = f.Default
				continue
			}
			if f.Required {
				return record.Value{}, fmt.Errorf("%s: required field is absent", fp)
			}
			continue
		}
		v, err := valueFromNode(f.Type, vn, fp)
		if err != nil {
			return record.Value{}, err
		}
		out[f.Name] = v
	}
	return record.Struct(out), nil
}

func valueFromNode(ft FieldType, node *yaml.Node, path string) (record.Value, error) {
	node = deref(node)
	switch ft.Kind {
	case record.KindStruct:
		if ft.Schema == nil {
			return record.Value{}, fmt.Errorf("%s: unresolved reference %q", path, ft.Ref)
		}
		return structFromNode(ft.Schema, node, path)
	case record.KindArray:
		if node.Kind != yaml.SequenceNode {
			return record.Value{}, fmt.Errorf("%s: expected a sequence", path)
		}
		if ft.Len > 0 && len(node.Content) != ft.Len {
			return record.Value{}, fmt.Errorf("%s: %d elements, fixed length is %d", path, len(node.Content), ft.Len)
		}
		items := make([]record.Value, 0, len(node.Content))
		for k, elem := range node.Content {
			v, err := valueFromNode(*ft.Elem, elem, fmt.Sprintf("%s[%d]", path, k))
			if err != nil {
				return record.Value{}, err
			}
			items = append(items, v)
		}
		return record.Array(items), nil
	default:
		v, err := scalarFromNode(node, ft)
		if err != nil {
			return record.Value{}, fmt.Errorf("%s: %w", path, err)
		}
		return v, nil
	}
}

// deref follows an alias to its anchor so shape checks see the real
// node. Decode does this on its own for scalars.
func deref(node *yaml.Node) *yaml.Node {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		return node.Alias
	}
	return node
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func pathOrRoot(path string) string {
	if path == "" {
		return "record"
	}
	return path
}

func parseDiscriminator(node *yaml.Node, schemaName string) (uint64, error) {
	var auto string
	if err := node.Decode(&auto); err == nil && auto == "auto" {
		return DeriveDiscriminator(schemaName), nil
	}
	var tag uint64
	if err := node.Decode(&tag); err != nil {
		return 0, fmt.Errorf("discriminator must be \"auto\" or an unsigned integer: %w", err)
	}
	return tag, nil
}

func parseFields(in []yamlField) ([]Field, error) {
	out := make([]Field, 0, len(in))
	for _, yf := range in {
		f, err := parseField(yf)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", yf.Name, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseField(yf yamlField) (Field, error) {
	ft, err := parseFieldType(yf)
	if err != nil {
		return Field{}, err
	}

	f := Field{Name: yf.Name, Type: ft, Required: yf.Required}
	if yf.Min != nil || yf.Max != nil || yf.Length != nil || yf.Pattern != "" {
		f.Constraints = &Constraints{
			Min:     yf.Min,
			Max:     yf.Max,
			Length:  yf.Length,
			Pattern: yf.Pattern,
		}
	}
	if yf.Default != nil {
		def, err := parseDefault(yf.Default, ft)
		if err != nil {
			return Field{}, err
		}
		f.Default = def
	}
	return f, nil
}

func parseFieldType(yf yamlField) (FieldType, error) {
	if yf.Type == "" {
		return FieldType{}, fmt.Errorf("missing type")
	}
	if yf.Type == "array" {
		if yf.Elem == "" {
			return FieldType{}, fmt.Errorf("array field needs an elem type")
		}
		var elem FieldType
		if kind, ok := scalarKinds[yf.Elem]; ok {
			elem = ScalarType(kind)
		} else {
			elem = RefType(yf.Elem)
		}
		return ArrayType(elem, yf.Len), nil
	}
	if kind, ok := scalarKinds[yf.Type]; ok {
		return ScalarType(kind), nil
	}
	// Anything else is a reference to a named definition; resolution
	// is checked during validation.
	return RefType(yf.Type), nil
}

func parseDefault(node *yaml.Node, ft FieldType) (record.Value, error) {
	switch ft.Kind {
	case record.KindStruct, record.KindArray:
		return record.Value{}, fmt.Errorf("defaults are supported for scalar fields only, not %s", ft)
	}
	v, err := scalarFromNode(node, ft)
	if err != nil {
		return record.Value{}, fmt.Errorf("default: %w", err)
	}
	return v, nil
}

func scalarFromNode(node *yaml.Node, ft FieldType) (record.Value, error) {
	switch ft.Kind {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64:
		var u uint64
		if err := node.Decode(&u); err != nil {
			return record.Value{}, err
		}
		return makeUnsigned(ft.Kind, u)
	case record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		var i int64
		if err := node.Decode(&i); err != nil {
			return record.Value{}, err
		}
		return makeSigned(ft.Kind, i)
	case record.KindBool:
		var b bool
		if err := node.Decode(&b); err != nil {
			return record.Value{}, err
		}
		return record.Bool(b), nil
	case record.KindString:
		var s string
		if err := node.Decode(&s); err != nil {
			return record.Value{}, err
		}
		return record.String(s), nil
	case record.KindBytes:
		var s string
		if err := node.Decode(&s); err != nil {
			return record.Value{}, err
		}
		return record.Bytes([]byte(s)), nil
	case record.KindAccount:
		var s string
		if err := node.Decode(&s); err != nil {
			return record.Value{}, err
		}
		id, err := record.ParseAccountID(s)
		if err != nil {
			return record.Value{}, err
		}
		return record.Account(id), nil
	default:
		return record.Value{}, fmt.Errorf("unsupported scalar kind %s", ft)
	}
}

func makeUnsigned(kind record.Kind, u uint64) (record.Value, error) {
	limit := uint64(math.MaxUint64)
	switch kind {
	case record.KindU8:
		limit = math.MaxUint8
	case record.KindU16:
		limit = math.MaxUint16
	case record.KindU32:
		limit = math.MaxUint32
	}
	if u > limit {
		return record.Value{}, fmt.Errorf("%d overflows %s", u, kind)
	}
	switch kind {
	case record.KindU8:
		return record.U8(uint8(u)), nil
	case record.KindU16:
		return record.U16(uint16(u)), nil
	case record.KindU32:
		return record.U32(uint32(u)), nil
	default:
		return record.U64(u), nil
	}
}

func makeSigned(kind record.Kind, i int64) (record.Value, error) {
	var lo, hi int64 = math.MinInt64, math.MaxInt64
	switch kind {
	case record.KindI8:
		lo, hi = math.MinInt8, math.MaxInt8
	case record.KindI16:
		lo, hi = math.MinInt16, math.MaxInt16
	case record.KindI32:
		lo, hi = math.MinInt32, math.MaxInt32
	}
	if i < lo || i > hi {
		return record.Value{}, fmt.Errorf("%d overflows %s", i, kind)
	}
	switch kind {
	case record.KindI8:
		return record.I8(int8(i)), nil
	case record.KindI16:
		return record.I16(int16(i)), nil
	case record.KindI32:
		return record.I32(int32(i)), nil
	default:
		return record.I64(i), nil
	}
}
