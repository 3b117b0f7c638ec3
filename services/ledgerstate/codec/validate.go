// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

// Validate applies schema rules to a decoded value: required fields
// present, no undeclared fields, kinds matching, numeric ranges,
// payload lengths, patterns, and array lengths. Violations are
// collected exhaustively, never fail-fast, so one pass reports every
// problem.
func (c *Codec) Validate(s *schema.Schema, v record.Value) error {
	if s == nil {
		return fmt.Errorf("validate: nil schema")
	}
	violations := validateStruct(s, "", v)
	if len(violations) == 0 {
		return nil
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Rule < violations[j].Rule
	})
	return &DataValidationError{Schema: s.Name, Violations: violations}
}

func validateStruct(s *schema.Schema, prefix string, v record.Value) []schema.Violation {
	if v.Kind() != record.KindStruct {
		return []schema.Violation{{
			Field:  prefix,
			Rule:   RuleKindMismatch,
			Detail: fmt.Sprintf("value kind %s, want struct", v.Kind()),
		}}
	}

	var out []schema.Violation
	declared := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = true
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		fv, ok := v.Field(f.Name)
		if !ok || !fv.IsValid() {
			if f.Required {
				out = append(out, schema.Violation{Field: path, Rule: RuleMissingRequired, Detail: "required field is absent"})
			}
			continue
		}
		out = append(out, validateField(f, path, fv)...)
	}

	for name := range v.Fields() {
		if !declared[name] {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			out = append(out, schema.Violation{Field: path, Rule: RuleUnknownField, Detail: "not declared by the schema"})
		}
	}
	return out
}

func validateField(f schema.Field, path string, fv record.Value) []schema.Violation {
	if fv.Kind() != f.Type.Kind {
		return []schema.Violation{{
			Field:  path,
			Rule:   RuleKindMismatch,
			Detail: fmt.Sprintf("value kind %s, want %s", fv.Kind(), f.Type),
		}}
	}

	var out []schema.Violation
	switch f.Type.Kind {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64,
		record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		if detail, ok := f.Constraints.CheckNumeric(fv); !ok {
			out = append(out, schema.Violation{Field: path, Rule: RuleOutOfRange, Detail: detail})
		}
	case record.KindString:
		str, _ := fv.AsString()
		if n, capacity := len(str), f.PayloadCap(); n > capacity {
			out = append(out, schema.Violation{
				Field:  path,
				Rule:   RuleTooLong,
				Detail: fmt.Sprintf("%d bytes exceeds cap %d", n, capacity),
			})
		}
		if f.Constraints != nil && f.Constraints.Pattern != "" && !f.Constraints.MatchString(str) {
			out = append(out, schema.Violation{
				Field:  path,
				Rule:   RulePattern,
				Detail: fmt.Sprintf("%q does not match %q", str, f.Constraints.Pattern),
			})
		}
	case record.KindBytes:
		if n, capacity := fv.Len(), f.PayloadCap(); n > capacity {
			out = append(out, schema.Violation{
				Field:  path,
				Rule:   RuleTooLong,
				Detail: fmt.Sprintf("%d bytes exceeds cap %d", n, capacity),
			})
		}
	case record.KindStruct:
		if f.Type.Schema != nil {
			out = append(out, validateStruct(f.Type.Schema, path, fv)...)
		}
	case record.KindArray:
		out = append(out, validateArray(f, path, fv)...)
	}
	return out
}

func validateArray(f schema.Field, path string, fv record.Value) []schema.Violation {
	var out []schema.Violation
	items := fv.Items()

	if f.Type.Len > 0 {
		if len(items) != f.Type.Len {
			out = append(out, schema.Violation{
				Field:  path,
				Rule:   RuleArrayLength,
				Detail: fmt.Sprintf("%d elements, fixed length is %d", len(items), f.Type.Len),
			})
		}
	} else if capacity := f.ArrayCap(); len(items) > capacity {
		out = append(out, schema.Violation{
			Field:  path,
			Rule:   RuleArrayLength,
			Detail: fmt.Sprintf("%d elements exceed capacity %d", len(items), capacity),
		})
	}

	if f.Type.Elem == nil {
		return out
	}
	elemField := schema.Field{Type: *f.Type.Elem}
	for k, item := range items {
		out = append(out, validateField(elemField, fmt.Sprintf("%s[%d]", path, k), item)...)
	}
	return out
}
