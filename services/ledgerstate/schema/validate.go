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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Rule names attached to violations. Callers branch on these rather
// than parsing detail strings.
const (
	RuleBadName         = "bad_name"
	RuleDuplicateField  = "duplicate_field"
	RuleNoFields        = "no_fields"
	RuleInvalidType     = "invalid_type"
	RuleUnknownRef      = "unknown_reference"
	RuleCycle           = "cycle"
	RuleArrayLength     = "bad_array_length"
	RuleBadConstraint   = "bad_constraint"
	RuleBadDefault      = "bad_default"
	RuleTooLarge        = "definition_too_large"
	RuleNestedDefs      = "nested_definitions"
	RuleUnreferencedDef = "unreferenced_definition"
)

// Validate runs the full structural rule set against a schema
// definition and returns every violation found. It never stops at the
// first problem; a schema with N independent defects yields at least N
// violations.
//
// Inputs:
//   - s: the schema to validate. May be a builder product or a
//     caller-constructed literal.
//   - strict: additionally reject definitions that no field references.
//
// Outputs:
//   - []Violation: empty when the schema is well formed.
func Validate(s *Schema, strict bool) []Violation {
	var out []Violation
	if s == nil {
		return []Violation{{Rule: RuleInvalidType, Detail: "schema is nil"}}
	}

	if s.Name == "" || !identRe.MatchString(s.Name) {
		out = append(out, Violation{
			Rule:   RuleBadName,
			Detail: fmt.Sprintf("schema name %q must match %s", s.Name, identRe.String()),
		})
	}

	for _, name := range s.sortedDefinitionNames() {
		def := s.Definitions[name]
		if !identRe.MatchString(name) {
			out = append(out, Violation{
				Rule:   RuleBadName,
				Detail: fmt.Sprintf("definition name %q must match %s", name, identRe.String()),
			})
		}
		if def == nil {
			out = append(out, Violation{
				Rule:   RuleInvalidType,
				Detail: fmt.Sprintf("definition %q is nil", name),
			})
			continue
		}
		if len(def.Definitions) > 0 {
			out = append(out, Violation{
				Rule:   RuleNestedDefs,
				Detail: fmt.Sprintf("definition %q declares its own definitions; only the top-level schema may", name),
			})
		}
		out = append(out, validateFields("definitions."+name, def.Fields, s, map[string]bool{name: true}, map[*Schema]bool{def: true})...)
	}

	if len(s.Fields) == 0 {
		out = append(out, Violation{Rule: RuleNoFields, Detail: "schema declares no fields"})
	}
	out = append(out, validateFields("", s.Fields, s, map[string]bool{}, map[*Schema]bool{s: true})...)

	if strict {
		referenced := map[string]bool{}
		collectRefs(s.Fields, s, referenced)
		for _, name := range s.sortedDefinitionNames() {
			if !referenced[name] {
				out = append(out, Violation{
					Rule:   RuleUnreferencedDef,
					Detail: fmt.Sprintf("definition %q is referenced by no field", name),
				})
			}
		}
	}

	if len(out) == 0 {
		if raw, err := CanonicalJSON(s); err != nil {
			out = append(out, Violation{Rule: RuleTooLarge, Detail: fmt.Sprintf("definition not encodable: %v", err)})
		} else if len(raw) > MaxSchemaBytes {
			out = append(out, Violation{
				Rule:   RuleTooLarge,
				Detail: fmt.Sprintf("serialized definition is %d bytes, limit %d", len(raw), MaxSchemaBytes),
			})
		}
	}
	return out
}

// validateFields checks one level of fields and recurses through field
// types. refStack and ptrStack carry the definition names and schema
// pointers on the current walk path for cycle detection.
func validateFields(prefix string, fields []Field, root *Schema, refStack map[string]bool, ptrStack map[*Schema]bool) []Violation {
	var out []Violation
	seen := map[string]string{}
	for _, f := range fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}

		if f.Name == "" || !identRe.MatchString(f.Name) {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleBadName,
				Detail: fmt.Sprintf("field name %q must match %s", f.Name, identRe.String()),
			})
		}
		if prev, dup := seen[lowerName(f.Name)]; dup {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleDuplicateField,
				Detail: fmt.Sprintf("name collides case-insensitively with field %q", prev),
			})
		} else {
			seen[lowerName(f.Name)] = f.Name
		}

		out = append(out, validateType(path, f.Type, root, refStack, ptrStack)...)
		out = append(out, validateConstraints(path, f)...)
		out = append(out, validateDefault(path, f)...)
	}
	return out
}

func validateType(path string, ft FieldType, root *Schema, refStack map[string]bool, ptrStack map[*Schema]bool) []Violation {
	switch ft.Kind {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64,
		record.KindI8, record.KindI16, record.KindI32, record.KindI64,
		record.KindBool, record.KindString, record.KindBytes, record.KindAccount:
		return nil

	case record.KindStruct:
		if ft.Ref != "" {
			def, ok := root.Definitions[ft.Ref]
			if !ok || def == nil {
				return []Violation{{
					Field:  path,
					Rule:   RuleUnknownRef,
					Detail: fmt.Sprintf("references undefined definition %q", ft.Ref),
				}}
			}
			if refStack[ft.Ref] {
				return []Violation{{
					Field:  path,
					Rule:   RuleCycle,
					Detail: fmt.Sprintf("reference cycle through definition %q", ft.Ref),
				}}
			}
			// Walk only the types below the referenced definition.
			// Its field names and constraints are validated once, in
			// the definitions pass.
			refStack[ft.Ref] = true
			var out []Violation
			for _, sub := range def.Fields {
				out = append(out, validateType(path+"."+sub.Name, sub.Type, root, refStack, ptrStack)...)
			}
			delete(refStack, ft.Ref)
			return out
		}
		if ft.Schema == nil {
			return []Violation{{
				Field:  path,
				Rule:   RuleInvalidType,
				Detail: "struct type carries neither a nested schema nor a reference",
			}}
		}
		if ptrStack[ft.Schema] {
			return []Violation{{
				Field:  path,
				Rule:   RuleCycle,
				Detail: fmt.Sprintf("nested schema %q forms a cycle", ft.Schema.Name),
			}}
		}
		ptrStack[ft.Schema] = true
		out := validateFields(path, ft.Schema.Fields, root, refStack, ptrStack)
		delete(ptrStack, ft.Schema)
		return out

	case record.KindArray:
		var out []Violation
		if ft.Elem == nil {
			return []Violation{{Field: path, Rule: RuleInvalidType, Detail: "array type has no element type"}}
		}
		if ft.Len < 0 {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleArrayLength,
				Detail: fmt.Sprintf("fixed length %d is negative", ft.Len),
			})
		}
		if ft.Len > MaxArrayLen {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleArrayLength,
				Detail: fmt.Sprintf("fixed length %d exceeds cap %d", ft.Len, MaxArrayLen),
			})
		}
		out = append(out, validateType(path+"[]", *ft.Elem, root, refStack, ptrStack)...)
		return out

	default:
		return []Violation{{
			Field:  path,
			Rule:   RuleInvalidType,
			Detail: fmt.Sprintf("unsupported field kind %s", ft.Kind),
		}}
	}
}

func validateConstraints(path string, f Field) []Violation {
	c := f.Constraints
	if c == nil {
		return nil
	}
	var out []Violation

	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		out = append(out, Violation{
			Field:  path,
			Rule:   RuleBadConstraint,
			Detail: fmt.Sprintf("min %d exceeds max %d", *c.Min, *c.Max),
		})
	}
	if (c.Min != nil || c.Max != nil) && !f.Type.Kind.IsNumeric() {
		out = append(out, Violation{
			Field:  path,
			Rule:   RuleBadConstraint,
			Detail: fmt.Sprintf("min/max apply to numeric fields, not %s", f.Type),
		})
	}
	if c.Length != nil {
		switch {
		case f.Type.Kind == record.KindString || f.Type.Kind == record.KindBytes:
			if *c.Length < 1 || *c.Length > maxPayloadCap {
				out = append(out, Violation{
					Field:  path,
					Rule:   RuleBadConstraint,
					Detail: fmt.Sprintf("length %d outside [1, %d]", *c.Length, maxPayloadCap),
				})
			}
		case f.Type.Kind == record.KindArray && f.Type.Len == 0:
			// Caps the element count of a runtime-length array.
			if *c.Length < 1 || *c.Length > MaxArrayLen {
				out = append(out, Violation{
					Field:  path,
					Rule:   RuleBadConstraint,
					Detail: fmt.Sprintf("length %d outside [1, %d]", *c.Length, MaxArrayLen),
				})
			}
		default:
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleBadConstraint,
				Detail: fmt.Sprintf("length applies to string, bytes, and dynamic array fields, not %s", f.Type),
			})
		}
	}
	if c.Pattern != "" {
		if f.Type.Kind != record.KindString {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleBadConstraint,
				Detail: fmt.Sprintf("pattern applies to string fields, not %s", f.Type),
			})
		} else if err := c.Compile(); err != nil {
			out = append(out, Violation{
				Field:  path,
				Rule:   RuleBadConstraint,
				Detail: fmt.Sprintf("pattern does not compile: %v", err),
			})
		}
	}
	return out
}

func validateDefault(path string, f Field) []Violation {
	if !f.Default.IsValid() {
		return nil
	}
	if f.Default.Kind() != f.Type.Kind {
		return []Violation{{
			Field:  path,
			Rule:   RuleBadDefault,
			Detail: fmt.Sprintf("default is %s, field type is %s", f.Default.Kind(), f.Type),
		}}
	}
	var out []Violation
	if detail, ok := f.Constraints.CheckNumeric(f.Default); !ok {
		out = append(out, Violation{Field: path, Rule: RuleBadDefault, Detail: "default " + detail})
	}
	if f.Type.Kind == record.KindString || f.Type.Kind == record.KindBytes {
		if detail, ok := f.Constraints.CheckLength(f.Default.Len()); !ok {
			out = append(out, Violation{Field: path, Rule: RuleBadDefault, Detail: "default " + detail})
		}
	}
	return out
}

// CheckNumeric verifies a numeric value against min/max bounds.
// Non-numeric values and absent bounds pass. Returns a detail string
// and false when the value is out of range.
func (c *Constraints) CheckNumeric(v record.Value) (string, bool) {
	if c == nil || (c.Min == nil && c.Max == nil) {
		return "", true
	}
	if u, ok := v.Uint(); ok {
		if c.Min != nil && *c.Min > 0 && u < uint64(*c.Min) {
			return fmt.Sprintf("value %d below min %d", u, *c.Min), false
		}
		if c.Max != nil {
			if *c.Max < 0 || u > uint64(*c.Max) {
				return fmt.Sprintf("value %d above max %d", u, *c.Max), false
			}
		}
		return "", true
	}
	if i, ok := v.Int(); ok {
		if c.Min != nil && i < *c.Min {
			return fmt.Sprintf("value %d below min %d", i, *c.Min), false
		}
		if c.Max != nil && i > *c.Max {
			return fmt.Sprintf("value %d above max %d", i, *c.Max), false
		}
	}
	return "", true
}

// CheckLength verifies a payload length against the length constraint.
func (c *Constraints) CheckLength(n int) (string, bool) {
	if c == nil || c.Length == nil {
		return "", true
	}
	if n > *c.Length {
		return fmt.Sprintf("length %d exceeds cap %d", n, *c.Length), false
	}
	return "", true
}

func collectRefs(fields []Field, root *Schema, out map[string]bool) {
	for _, f := range fields {
		collectTypeRefs(f.Type, root, out)
	}
}

func collectTypeRefs(ft FieldType, root *Schema, out map[string]bool) {
	switch ft.Kind {
	case record.KindStruct:
		if ft.Ref != "" {
			if out[ft.Ref] {
				return
			}
			out[ft.Ref] = true
			if def := root.Definitions[ft.Ref]; def != nil {
				collectRefs(def.Fields, root, out)
			}
			return
		}
		if ft.Schema != nil {
			collectRefs(ft.Schema.Fields, root, out)
		}
	case record.KindArray:
		if ft.Elem != nil {
			collectTypeRefs(*ft.Elem, root, out)
		}
	}
}

// Inline returns a deep copy of s with every definition reference
// replaced by an inlined copy of the referenced definition. Call only
// after Validate reported no violations; an unresolved or cyclic
// reference makes the walk meaningless.
func Inline(s *Schema) *Schema {
	out := s.Clone()
	for i := range out.Fields {
		inlineType(&out.Fields[i].Type, out)
	}
	return out
}

func inlineType(ft *FieldType, root *Schema) {
	switch ft.Kind {
	case record.KindStruct:
		if ft.Ref != "" && ft.Schema == nil {
			def := root.Definitions[ft.Ref]
			if def == nil {
				return
			}
			sub := def.Clone()
			if sub.Name == "" {
				sub.Name = ft.Ref
			}
			for i := range sub.Fields {
				inlineType(&sub.Fields[i].Type, root)
			}
			ft.Schema = sub
			return
		}
		if ft.Schema != nil {
			for i := range ft.Schema.Fields {
				inlineType(&ft.Schema.Fields[i].Type, root)
			}
		}
	case record.KindArray:
		if ft.Elem != nil {
			inlineType(ft.Elem, root)
		}
	}
}

// =============================================================================
// Canonical encoding
// =============================================================================

type jsonSchema struct {
	Name          string                 `json:"name"`
	Version       uint32                 `json:"version"`
	Discriminator *uint64                `json:"discriminator,omitempty"`
	Fields        []jsonField            `json:"fields"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	Definitions   map[string]*jsonSchema `json:"definitions,omitempty"`
}

type jsonField struct {
	Name     string    `json:"name"`
	Type     *jsonType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Min      *int64    `json:"min,omitempty"`
	Max      *int64    `json:"max,omitempty"`
	Length   *int      `json:"length,omitempty"`
	Pattern  string    `json:"pattern,omitempty"`
	Default  any       `json:"default,omitempty"`
}

type jsonType struct {
	Kind   string      `json:"kind"`
	Ref    string      `json:"ref,omitempty"`
	Len    int         `json:"len,omitempty"`
	Elem   *jsonType   `json:"elem,omitempty"`
	Fields []jsonField `json:"fields,omitempty"`
}

// CanonicalJSON renders the schema definition in a deterministic JSON
// form. The registry uses the encoded size for the definition size
// limit; the CLI uses it for display.
func CanonicalJSON(s *Schema) ([]byte, error) {
	return json.Marshal(schemaJSON(s))
}

func schemaJSON(s *Schema) *jsonSchema {
	if s == nil {
		return nil
	}
	out := &jsonSchema{
		Name:          s.Name,
		Version:       s.Version,
		Discriminator: s.Discriminator,
		Fields:        fieldsJSON(s.Fields),
		Metadata:      s.Metadata,
	}
	if len(s.Definitions) > 0 {
		out.Definitions = make(map[string]*jsonSchema, len(s.Definitions))
		for name, def := range s.Definitions {
			out.Definitions[name] = schemaJSON(def)
		}
	}
	return out
}

func fieldsJSON(fields []Field) []jsonField {
	out := make([]jsonField, len(fields))
	for i, f := range fields {
		jf := jsonField{Name: f.Name, Type: typeJSON(f.Type), Required: f.Required}
		if f.Constraints != nil {
			jf.Min = f.Constraints.Min
			jf.Max = f.Constraints.Max
			jf.Length = f.Constraints.Length
			jf.Pattern = f.Constraints.Pattern
		}
		if f.Default.IsValid() {
			jf.Default = valueJSON(f.Default)
		}
		out[i] = jf
	}
	return out
}

func typeJSON(ft FieldType) *jsonType {
	out := &jsonType{Kind: ft.Kind.String()}
	switch ft.Kind {
	case record.KindStruct:
		out.Ref = ft.Ref
		if ft.Schema != nil {
			out.Fields = fieldsJSON(ft.Schema.Fields)
		}
	case record.KindArray:
		out.Len = ft.Len
		if ft.Elem != nil {
			out.Elem = typeJSON(*ft.Elem)
		}
	}
	return out
}

func valueJSON(v record.Value) any {
	switch v.Kind() {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64:
		u, _ := v.Uint()
		return u
	case record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		i, _ := v.Int()
		return i
	case record.KindBool:
		b, _ := v.AsBool()
		return b
	case record.KindString:
		s, _ := v.AsString()
		return s
	case record.KindBytes:
		b, _ := v.AsBytes()
		return b
	case record.KindAccount:
		id, _ := v.AsAccount()
		return id.String()
	case record.KindStruct:
		out := map[string]any{}
		for name, fv := range v.Fields() {
			out[name] = valueJSON(fv)
		}
		return out
	case record.KindArray:
		items := v.Items()
		out := make([]any, len(items))
		for i := range items {
			out[i] = valueJSON(items[i])
		}
		return out
	default:
		return nil
	}
}
