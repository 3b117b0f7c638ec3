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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// BreakingReason classifies why a schema change cannot be applied
// without an explicit migration.
type BreakingReason string

const (
	BreakingRemovedRequired BreakingReason = "removed_required_field"
	BreakingNarrowing       BreakingReason = "narrowing_type_change"
	BreakingArrayShrunk     BreakingReason = "array_length_reduction"
	BreakingBecameRequired  BreakingReason = "field_became_required"
	BreakingTypeChanged     BreakingReason = "incompatible_type_change"
)

// BreakingChange is one incompatibility between two schema versions.
type BreakingChange struct {
	Field  string
	Reason BreakingReason
	Detail string
}

func (b BreakingChange) String() string {
	return fmt.Sprintf("%s: %s (%s)", b.Field, b.Reason, b.Detail)
}

// Compatibility reports the field-level difference between two schema
// versions and whether records can move between them without data
// loss.
type Compatibility struct {
	Compatible      bool
	AddedFields     []string
	RemovedFields   []string
	ModifiedFields  []string
	BreakingChanges []BreakingChange
}

// Check computes compatibility from schema a to schema b.
//
// Description:
//
//	The lattice: a narrower integer is compatible with a wider integer
//	of the same signedness; identical non-numeric scalars are
//	compatible; nested structs and arrays recurse. Everything else
//	needs an explicit migration step. Breaking classifications follow
//	the field diff: a removed required field, a narrowing type change,
//	an array-length reduction, and a field becoming required (including
//	a new required field with no default) each break compatibility.
//
// Inputs:
//   - a: the source schema. Must be non-nil.
//   - b: the target schema. Must be non-nil.
//
// Outputs:
//   - *Compatibility: the full report. Compatible is true exactly when
//     BreakingChanges is empty.
func Check(a, b *Schema) *Compatibility {
	out := &Compatibility{}

	bFields := make(map[string]Field, len(b.Fields))
	for _, f := range b.Fields {
		bFields[f.Name] = f
	}
	aFields := make(map[string]Field, len(a.Fields))
	for _, f := range a.Fields {
		aFields[f.Name] = f
	}

	for _, af := range a.Fields {
		bf, ok := bFields[af.Name]
		if !ok {
			out.RemovedFields = append(out.RemovedFields, af.Name)
			if af.Required {
				out.BreakingChanges = append(out.BreakingChanges, BreakingChange{
					Field:  af.Name,
					Reason: BreakingRemovedRequired,
					Detail: "required field removed",
				})
			}
			continue
		}

		out.BreakingChanges = append(out.BreakingChanges, typeCompat(af.Name, af.Type, bf.Type)...)
		if bf.Required && !af.Required {
			out.BreakingChanges = append(out.BreakingChanges, BreakingChange{
				Field:  af.Name,
				Reason: BreakingBecameRequired,
				Detail: "optional field became required",
			})
		}
		if !fieldEquivalent(af, bf) {
			out.ModifiedFields = append(out.ModifiedFields, af.Name)
		}
	}

	for _, bf := range b.Fields {
		if _, ok := aFields[bf.Name]; ok {
			continue
		}
		out.AddedFields = append(out.AddedFields, bf.Name)
		if bf.Required && !bf.Default.IsValid() {
			out.BreakingChanges = append(out.BreakingChanges, BreakingChange{
				Field:  bf.Name,
				Reason: BreakingBecameRequired,
				Detail: "added as required without a default",
			})
		}
	}

	sort.Strings(out.AddedFields)
	sort.Strings(out.RemovedFields)
	sort.Strings(out.ModifiedFields)
	out.Compatible = len(out.BreakingChanges) == 0
	return out
}

// typeCompat applies the lattice to one field's type transition.
func typeCompat(field string, from, to FieldType) []BreakingChange {
	switch {
	case from.Kind.IsNumeric() && to.Kind.IsNumeric():
		if from.Kind.IsUnsigned() != to.Kind.IsUnsigned() {
			return []BreakingChange{{
				Field:  field,
				Reason: BreakingTypeChanged,
				Detail: fmt.Sprintf("signedness change %s -> %s", from, to),
			}}
		}
		if to.Kind.Bits() < from.Kind.Bits() {
			return []BreakingChange{{
				Field:  field,
				Reason: BreakingNarrowing,
				Detail: fmt.Sprintf("%s -> %s narrows the width", from, to),
			}}
		}
		return nil

	case from.Kind == record.KindStruct && to.Kind == record.KindStruct:
		if from.Schema == nil || to.Schema == nil {
			// Unresolved references compare by name only.
			if from.Ref != "" && from.Ref == to.Ref {
				return nil
			}
			return []BreakingChange{{
				Field:  field,
				Reason: BreakingTypeChanged,
				Detail: fmt.Sprintf("nested type changed %s -> %s", from, to),
			}}
		}
		sub := Check(from.Schema, to.Schema)
		out := make([]BreakingChange, 0, len(sub.BreakingChanges))
		for _, bc := range sub.BreakingChanges {
			out = append(out, BreakingChange{
				Field:  field + "." + bc.Field,
				Reason: bc.Reason,
				Detail: bc.Detail,
			})
		}
		return out

	case from.Kind == record.KindArray && to.Kind == record.KindArray:
		var out []BreakingChange
		fromLen, toLen := from.Len, to.Len
		switch {
		case fromLen == 0 && toLen > 0:
			out = append(out, BreakingChange{
				Field:  field,
				Reason: BreakingArrayShrunk,
				Detail: fmt.Sprintf("runtime-length array fixed to %d elements", toLen),
			})
		case fromLen > 0 && toLen > 0 && toLen < fromLen:
			out = append(out, BreakingChange{
				Field:  field,
				Reason: BreakingArrayShrunk,
				Detail: fmt.Sprintf("fixed length reduced %d -> %d", fromLen, toLen),
			})
		}
		if from.Elem != nil && to.Elem != nil {
			out = append(out, typeCompat(field+"[]", *from.Elem, *to.Elem)...)
		}
		return out

	case from.Kind == to.Kind:
		return nil

	default:
		return []BreakingChange{{
			Field:  field,
			Reason: BreakingTypeChanged,
			Detail: fmt.Sprintf("%s -> %s requires an explicit migration", from, to),
		}}
	}
}

// fieldEquivalent reports whether two fields are identical for the
// purposes of the ModifiedFields list.
func fieldEquivalent(a, b Field) bool {
	if a.Required != b.Required {
		return false
	}
	if !typeEqual(a.Type, b.Type) {
		return false
	}
	if !constraintsEqual(a.Constraints, b.Constraints) {
		return false
	}
	if a.Default.IsValid() != b.Default.IsValid() {
		return false
	}
	if a.Default.IsValid() && !a.Default.Equal(b.Default) {
		return false
	}
	return true
}

func typeEqual(a, b FieldType) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case record.KindStruct:
		if a.Ref != b.Ref {
			return false
		}
		if (a.Schema == nil) != (b.Schema == nil) {
			return false
		}
		if a.Schema == nil {
			return true
		}
		if len(a.Schema.Fields) != len(b.Schema.Fields) {
			return false
		}
		for i := range a.Schema.Fields {
			if a.Schema.Fields[i].Name != b.Schema.Fields[i].Name {
				return false
			}
			if !fieldEquivalent(a.Schema.Fields[i], b.Schema.Fields[i]) {
				return false
			}
		}
		return true
	case record.KindArray:
		if a.Len != b.Len {
			return false
		}
		if (a.Elem == nil) != (b.Elem == nil) {
			return false
		}
		if a.Elem == nil {
			return true
		}
		return typeEqual(*a.Elem, *b.Elem)
	default:
		return true
	}
}

func constraintsEqual(a, b *Constraints) bool {
	normalize := func(c *Constraints) (int64, int64, int, string, uint8) {
		var min, max int64
		var length int
		var mask uint8
		if c == nil {
			return 0, 0, 0, "", 0
		}
		if c.Min != nil {
			min, mask = *c.Min, mask|1
		}
		if c.Max != nil {
			max, mask = *c.Max, mask|2
		}
		if c.Length != nil {
			length, mask = *c.Length, mask|4
		}
		return min, max, length, c.Pattern, mask
	}
	aMin, aMax, aLen, aPat, aMask := normalize(a)
	bMin, bMax, bLen, bPat, bMask := normalize(b)
	return aMin == bMin && aMax == bMax && aLen == bLen && aPat == bPat && aMask == bMask
}
