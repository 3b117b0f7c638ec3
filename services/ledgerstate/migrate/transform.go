// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"fmt"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

// applyStep rewrites a struct value from the step's source shape into
// its target shape: drops first, then conversions, then seeded
// additions. The input value is never mutated.
func applyStep(step *Step, v record.Value, strict bool) (record.Value, error) {
	return applyFields(step.To, step.Adds, step.Drops, step.Converts, v, strict)
}

func applyFields(to *schema.Schema, adds []schema.Field, drops []string, converts []Conversion, v record.Value, strict bool) (record.Value, error) {
	out := make(map[string]record.Value, len(v.Fields())+len(adds))
	for name, fv := range v.Fields() {
		out[name] = fv
	}

	for _, name := range drops {
		delete(out, name)
	}

	for i := range converts {
		cnv := &converts[i]
		old, ok := out[cnv.To.Name]
		if !ok {
			continue
		}
		nv, err := applyConversion(cnv, old, strict)
		if err != nil {
			return record.Value{}, err
		}
		out[cnv.To.Name] = nv
	}

	for i := range adds {
		f := &adds[i]
		if _, present := out[f.Name]; present {
			continue
		}
		if f.Default.IsValid() {
			out[f.Name] = f.Default.Clone()
		} else if f.Required {
			out[f.Name] = zeroValue(*f)
		}
	}

	// Fields that became required keep whatever value they carried;
	// when they carried none, seed them like an addition.
	for i := range to.Fields {
		f := &to.Fields[i]
		if !f.Required {
			continue
		}
		if _, present := out[f.Name]; present {
			continue
		}
		if f.Default.IsValid() {
			out[f.Name] = f.Default.Clone()
		} else {
			out[f.Name] = zeroValue(*f)
		}
	}

	return record.Struct(out), nil
}

func applyConversion(cnv *Conversion, old record.Value, strict bool) (record.Value, error) {
	switch cnv.To.Type.Kind {
	case record.KindStruct:
		if cnv.Nested == nil || cnv.To.Type.Schema == nil {
			return old, nil
		}
		return applyFields(cnv.To.Type.Schema, cnv.Nested.Adds, cnv.Nested.Drops, cnv.Nested.Converts, old, strict)
	case record.KindArray:
		return convertArray(cnv, old, strict)
	default:
		return convertNumeric(cnv.To.Name, old, cnv.To.Type.Kind, strict)
	}
}

func convertArray(cnv *Conversion, old record.Value, strict bool) (record.Value, error) {
	items := old.Items()
	converted := make([]record.Value, 0, len(items))
	for _, item := range items {
		if cnv.Elem != nil {
			nv, err := applyConversion(cnv.Elem, item, strict)
			if err != nil {
				return record.Value{}, err
			}
			item = nv
		}
		converted = append(converted, item)
	}

	elemField := schema.Field{Name: cnv.To.Name + "[]"}
	if cnv.To.Type.Elem != nil {
		elemField.Type = *cnv.To.Type.Elem
	}

	if fixed := cnv.To.Type.Len; fixed > 0 {
		if len(converted) > fixed {
			if strict {
				return record.Value{}, &Error{
					Field:  cnv.To.Name,
					Reason: fmt.Sprintf("%d elements do not fit the reduced length %d", len(converted), fixed),
				}
			}
			converted = converted[:fixed]
		}
		for len(converted) < fixed {
			converted = append(converted, zeroValue(elemField))
		}
		return record.Array(converted), nil
	}

	if capacity := cnv.To.ArrayCap(); len(converted) > capacity {
		if strict {
			return record.Value{}, &Error{
				Field:  cnv.To.Name,
				Reason: fmt.Sprintf("%d elements exceed the reduced capacity %d", len(converted), capacity),
			}
		}
		converted = converted[:capacity]
	}
	return record.Array(converted), nil
}

// convertNumeric re-kinds an integer value. Widening is exact;
// narrowing keeps the low bits of the two's complement representation
// unless strict mode rejects the loss.
func convertNumeric(field string, v record.Value, to record.Kind, strict bool) (record.Value, error) {
	if v.Kind() == to {
		return v, nil
	}

	if to.IsUnsigned() {
		u, ok := v.Uint()
		if !ok {
			return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("cannot convert %s to %s", v.Kind(), to)}
		}
		if bits := to.Bits(); bits < 64 {
			mask := uint64(1)<<bits - 1
			if u > mask {
				if strict {
					return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("value %d does not fit %s", u, to)}
				}
				u &= mask
			}
		}
		switch to {
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

	i, ok := v.Int()
	if !ok {
		return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("cannot convert %s to %s", v.Kind(), to)}
	}
	switch to {
	case record.KindI8:
		if strict && int64(int8(i)) != i {
			return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("value %d does not fit %s", i, to)}
		}
		return record.I8(int8(i)), nil
	case record.KindI16:
		if strict && int64(int16(i)) != i {
			return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("value %d does not fit %s", i, to)}
		}
		return record.I16(int16(i)), nil
	case record.KindI32:
		if strict && int64(int32(i)) != i {
			return record.Value{}, &Error{Field: field, Reason: fmt.Sprintf("value %d does not fit %s", i, to)}
		}
		return record.I32(int32(i)), nil
	default:
		return record.I64(i), nil
	}
}

// zeroValue builds a schema-shaped zero: scalar zeros, fully zeroed
// nested structs, and fixed arrays at their declared length.
func zeroValue(f schema.Field) record.Value {
	switch f.Type.Kind {
	case record.KindStruct:
		if f.Type.Schema == nil {
			return record.Struct(nil)
		}
		fields := make(map[string]record.Value, len(f.Type.Schema.Fields))
		for _, sub := range f.Type.Schema.Fields {
			fields[sub.Name] = zeroValue(sub)
		}
		return record.Struct(fields)
	case record.KindArray:
		if f.Type.Len <= 0 || f.Type.Elem == nil {
			return record.Array(nil)
		}
		elemField := schema.Field{Name: f.Name + "[]", Type: *f.Type.Elem}
		items := make([]record.Value, f.Type.Len)
		for i := range items {
			items[i] = zeroValue(elemField)
		}
		return record.Array(items)
	default:
		return record.ZeroOf(f.Type.Kind)
	}
}
