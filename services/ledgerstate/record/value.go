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
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Kind tags the variant held by a Value.
//
// Every site that consumes a Value (codec, index comparison, migration
// conversion) switches over Kind exhaustively, so adding a kind is a
// compile-visible change rather than a runtime surprise.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindBool
	KindString
	KindBytes
	KindAccount
	KindStruct
	KindArray
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindI8:
		return "i8"
	case KindI16:
		return "i16"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindAccount:
		return "account"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsUnsigned reports whether k is an unsigned integer kind.
func (k Kind) IsUnsigned() bool {
	switch k {
	case KindU8, KindU16, KindU32, KindU64:
		return true
	default:
		return false
	}
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	switch k {
	case KindI8, KindI16, KindI32, KindI64:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether k is an integer kind of either signedness.
func (k Kind) IsNumeric() bool {
	return k.IsUnsigned() || k.IsSigned()
}

// Bits returns the width of a numeric kind, or 0 for non-numeric kinds.
func (k Kind) Bits() int {
	switch k {
	case KindU8, KindI8:
		return 8
	case KindU16, KindI16:
		return 16
	case KindU32, KindI32:
		return 32
	case KindU64, KindI64:
		return 64
	default:
		return 0
	}
}

// Value is a tagged union over every field type the engine can store.
//
// Description:
//
//	A Value replaces the dynamically typed payloads of the system this
//	engine mirrors. The zero Value has KindInvalid and matches nothing.
//	Values are cheap to copy; only struct, array, and bytes variants
//	share backing storage, and Clone exists for the call sites that
//	must not alias (migration rollback, cache snapshots).
//
// Thread Safety:
//
//	A Value is immutable through its accessors. Callers that reach the
//	backing map or slice via Fields/Items/AsBytes must treat it as
//	read-only.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
	arr  []Value
	obj  map[string]Value
}

// =============================================================================
// Constructors
// =============================================================================

// U8 wraps an unsigned 8-bit integer.
func U8(v uint8) Value { return Value{kind: KindU8, num: uint64(v)} }

// U16 wraps an unsigned 16-bit integer.
func U16(v uint16) Value { return Value{kind: KindU16, num: uint64(v)} }

// U32 wraps an unsigned 32-bit integer.
func U32(v uint32) Value { return Value{kind: KindU32, num: uint64(v)} }

// U64 wraps an unsigned 64-bit integer.
func U64(v uint64) Value { return Value{kind: KindU64, num: v} }

// I8 wraps a signed 8-bit integer. Negative values are stored
// sign-extended.
func I8(v int8) Value { return Value{kind: KindI8, num: uint64(int64(v))} }

// I16 wraps a signed 16-bit integer.
func I16(v int16) Value { return Value{kind: KindI16, num: uint64(int64(v))} }

// I32 wraps a signed 32-bit integer.
func I32(v int32) Value { return Value{kind: KindI32, num: uint64(int64(v))} }

// I64 wraps a signed 64-bit integer.
func I64(v int64) Value { return Value{kind: KindI64, num: uint64(v)} }

// Bool wraps a boolean.
func Bool(v bool) Value {
	n := uint64(0)
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// String wraps a UTF-8 string.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Bytes wraps variable-length binary data. The slice is not copied.
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }

// Account wraps an account identifier.
func Account(id AccountID) Value {
	raw := make([]byte, AccountIDLen)
	copy(raw, id[:])
	return Value{kind: KindAccount, raw: raw}
}

// Struct wraps a field-name to Value mapping. The map is not copied.
func Struct(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindStruct, obj: fields}
}

// Array wraps an ordered list of Values. The slice is not copied.
func Array(items []Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// ZeroOf returns the type-appropriate zero value for a kind: 0, false,
// the empty string, empty bytes, the all-zero account, an empty struct,
// or an empty array. Used when a migration adds a field without a
// declared default.
func ZeroOf(k Kind) Value {
	switch k {
	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64:
		return Value{kind: k}
	case KindBool:
		return Value{kind: KindBool}
	case KindString:
		return Value{kind: KindString}
	case KindBytes:
		return Value{kind: KindBytes, raw: []byte{}}
	case KindAccount:
		return Account(AccountID{})
	case KindStruct:
		return Struct(nil)
	case KindArray:
		return Array(nil)
	default:
		return Value{}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value holds any variant at all.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsU8 returns the u8 payload when the kind matches.
func (v Value) AsU8() (uint8, bool) {
	if v.kind != KindU8 {
		return 0, false
	}
	return uint8(v.num), true
}

// AsU16 returns the u16 payload when the kind matches.
func (v Value) AsU16() (uint16, bool) {
	if v.kind != KindU16 {
		return 0, false
	}
	return uint16(v.num), true
}

// AsU32 returns the u32 payload when the kind matches.
func (v Value) AsU32() (uint32, bool) {
	if v.kind != KindU32 {
		return 0, false
	}
	return uint32(v.num), true
}

// AsU64 returns the u64 payload when the kind matches.
func (v Value) AsU64() (uint64, bool) {
	if v.kind != KindU64 {
		return 0, false
	}
	return v.num, true
}

// AsI8 returns the i8 payload when the kind matches.
func (v Value) AsI8() (int8, bool) {
	if v.kind != KindI8 {
		return 0, false
	}
	return int8(v.num), true
}

// AsI16 returns the i16 payload when the kind matches.
func (v Value) AsI16() (int16, bool) {
	if v.kind != KindI16 {
		return 0, false
	}
	return int16(v.num), true
}

// AsI32 returns the i32 payload when the kind matches.
func (v Value) AsI32() (int32, bool) {
	if v.kind != KindI32 {
		return 0, false
	}
	return int32(v.num), true
}

// AsI64 returns the i64 payload when the kind matches.
func (v Value) AsI64() (int64, bool) {
	if v.kind != KindI64 {
		return 0, false
	}
	return int64(v.num), true
}

// Uint widens any unsigned integer kind to uint64.
func (v Value) Uint() (uint64, bool) {
	if !v.kind.IsUnsigned() {
		return 0, false
	}
	return v.num, true
}

// Int widens any signed integer kind to int64.
func (v Value) Int() (int64, bool) {
	if !v.kind.IsSigned() {
		return 0, false
	}
	return int64(v.num), true
}

// AsBool returns the boolean payload when the kind matches.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.num != 0, true
}

// AsString returns the string payload when the kind matches.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBytes returns the binary payload when the kind matches. The slice
// is the backing storage; callers must not modify it.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// AsAccount returns the account identifier payload when the kind
// matches.
func (v Value) AsAccount() (AccountID, bool) {
	if v.kind != KindAccount || len(v.raw) != AccountIDLen {
		return AccountID{}, false
	}
	var id AccountID
	copy(id[:], v.raw)
	return id, true
}

// Field returns the named member of a struct value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindStruct {
		return Value{}, false
	}
	fv, ok := v.obj[name]
	return fv, ok
}

// Fields returns the backing map of a struct value, or nil for any
// other kind. Callers must treat the map as read-only.
func (v Value) Fields() map[string]Value {
	if v.kind != KindStruct {
		return nil
	}
	return v.obj
}

// Items returns the backing slice of an array value, or nil for any
// other kind. Callers must treat the slice as read-only.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Len returns the element count for array, struct, bytes, and string
// kinds, and 0 for everything else.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindStruct:
		return len(v.obj)
	case KindBytes:
		return len(v.raw)
	case KindString:
		return len(v.str)
	default:
		return 0
	}
}

// =============================================================================
// Comparison
// =============================================================================

// Equal reports deep equality. Values of different kinds are never
// equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64, KindBool:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBytes, KindAccount:
		return bytes.Equal(v.raw, o.raw)
	case KindStruct:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for name, fv := range v.obj {
			ov, ok := o.obj[name]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindInvalid:
		return true
	default:
		return false
	}
}

// Compare orders two values. Within one kind the order is the natural
// one (numeric order, byte order, false<true, element-wise for arrays,
// sorted-field-wise for structs). Values of different kinds order by
// kind tag so the relation stays total, which keeps multi-key sorts
// deterministic even on mixed input.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64, KindBool:
		switch {
		case v.num < o.num:
			return -1
		case v.num > o.num:
			return 1
		default:
			return 0
		}
	case KindI8, KindI16, KindI32, KindI64:
		a, b := int64(v.num), int64(o.num)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case KindString:
		return strings.Compare(v.str, o.str)
	case KindBytes, KindAccount:
		return bytes.Compare(v.raw, o.raw)
	case KindArray:
		n := len(v.arr)
		if len(o.arr) < n {
			n = len(o.arr)
		}
		for i := 0; i < n; i++ {
			if c := v.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		return len(v.arr) - len(o.arr)
	case KindStruct:
		names := make([]string, 0, len(v.obj)+len(o.obj))
		seen := map[string]struct{}{}
		for name := range v.obj {
			names = append(names, name)
			seen[name] = struct{}{}
		}
		for name := range o.obj {
			if _, ok := seen[name]; !ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			av, aok := v.obj[name]
			bv, bok := o.obj[name]
			if !aok {
				return -1
			}
			if !bok {
				return 1
			}
			if c := av.Compare(bv); c != 0 {
				return c
			}
		}
		return 0
	case KindInvalid:
		return 0
	default:
		return 0
	}
}

// =============================================================================
// Utilities
// =============================================================================

// Clone returns a deep copy that shares no mutable storage with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64, KindBool, KindString, KindInvalid:
		return v
	case KindBytes, KindAccount:
		raw := make([]byte, len(v.raw))
		copy(raw, v.raw)
		return Value{kind: v.kind, raw: raw}
	case KindStruct:
		obj := make(map[string]Value, len(v.obj))
		for name, fv := range v.obj {
			obj[name] = fv.Clone()
		}
		return Value{kind: KindStruct, obj: obj}
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i := range v.arr {
			arr[i] = v.arr[i].Clone()
		}
		return Value{kind: KindArray, arr: arr}
	default:
		return v
	}
}

// ByteSize estimates the in-memory footprint in bytes. The cache uses
// it for its byte-bounded capacity accounting; it is an estimate, not
// an exact allocation measurement.
func (v Value) ByteSize() int {
	const header = 16
	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64, KindI8, KindI16, KindI32, KindI64, KindBool, KindInvalid:
		return header
	case KindString:
		return header + len(v.str)
	case KindBytes, KindAccount:
		return header + len(v.raw)
	case KindStruct:
		n := header
		for name, fv := range v.obj {
			n += len(name) + fv.ByteSize()
		}
		return n
	case KindArray:
		n := header
		for i := range v.arr {
			n += v.arr[i].ByteSize()
		}
		return n
	default:
		return header
	}
}

// String renders a debug form. Structs print fields in sorted order so
// log lines stay stable.
func (v Value) String() string {
	switch v.kind {
	case KindU8, KindU16, KindU32, KindU64:
		return fmt.Sprintf("%s(%d)", v.kind, v.num)
	case KindI8, KindI16, KindI32, KindI64:
		return fmt.Sprintf("%s(%d)", v.kind, int64(v.num))
	case KindBool:
		return fmt.Sprintf("bool(%t)", v.num != 0)
	case KindString:
		return fmt.Sprintf("string(%q)", v.str)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	case KindAccount:
		id, _ := v.AsAccount()
		return fmt.Sprintf("account(%s)", id.Short())
	case KindStruct:
		names := make([]string, 0, len(v.obj))
		for name := range v.obj {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("struct{")
		for i, name := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", name, v.obj[name])
		}
		b.WriteString("}")
		return b.String()
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.arr))
	case KindInvalid:
		return "invalid"
	default:
		return v.kind.String()
	}
}
