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
	"testing"
)

func TestValueAccessors(t *testing.T) {
	t.Run("unsigned widths round trip", func(t *testing.T) {
		if got, ok := U8(200).AsU8(); !ok || got != 200 {
			t.Errorf("AsU8() = %d, %t; want 200, true", got, ok)
		}
		if got, ok := U16(65535).AsU16(); !ok || got != 65535 {
			t.Errorf("AsU16() = %d, %t; want 65535, true", got, ok)
		}
		if got, ok := U64(1<<63 + 7).AsU64(); !ok || got != 1<<63+7 {
			t.Errorf("AsU64() = %d, %t", got, ok)
		}
	})

	t.Run("negative signed values survive storage", func(t *testing.T) {
		if got, ok := I8(-1).AsI8(); !ok || got != -1 {
			t.Errorf("AsI8() = %d, %t; want -1, true", got, ok)
		}
		if got, ok := I32(-123456).AsI32(); !ok || got != -123456 {
			t.Errorf("AsI32() = %d, %t; want -123456, true", got, ok)
		}
		if got, ok := I32(-5).Int(); !ok || got != -5 {
			t.Errorf("Int() = %d, %t; want -5, true", got, ok)
		}
	})

	t.Run("kind mismatch fails closed", func(t *testing.T) {
		if _, ok := U8(1).AsI8(); ok {
			t.Error("AsI8 on a u8 value should not succeed")
		}
		if _, ok := String("x").AsU64(); ok {
			t.Error("AsU64 on a string value should not succeed")
		}
		if Struct(nil).Items() != nil {
			t.Error("Items on a struct value should be nil")
		}
	})

	t.Run("account round trip", func(t *testing.T) {
		var id AccountID
		for i := range id {
			id[i] = byte(i + 1)
		}
		got, ok := Account(id).AsAccount()
		if !ok || got != id {
			t.Errorf("AsAccount() = %s, %t; want %s", got, ok, id)
		}
	})
}

func TestValueEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same u64", U64(5), U64(5), true},
		{"different u64", U64(5), U64(6), false},
		{"same number different kind", U8(5), U16(5), false},
		{"signed vs unsigned", I64(5), U64(5), false},
		{"strings", String("mint"), String("mint"), true},
		{"bools", Bool(true), Bool(false), false},
		{
			"structs ignore map iteration order",
			Struct(map[string]Value{"a": U8(1), "b": String("x")}),
			Struct(map[string]Value{"b": String("x"), "a": U8(1)}),
			true,
		},
		{
			"struct with extra field",
			Struct(map[string]Value{"a": U8(1)}),
			Struct(map[string]Value{"a": U8(1), "b": U8(2)}),
			false,
		},
		{
			"arrays element-wise",
			Array([]Value{U8(1), U8(2)}),
			Array([]Value{U8(1), U8(2)}),
			true,
		},
		{
			"arrays length mismatch",
			Array([]Value{U8(1)}),
			Array([]Value{U8(1), U8(2)}),
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Errorf("%s.Equal(%s) = %t, want %t", tc.a, tc.b, got, tc.want)
			}
			if got := tc.b.Equal(tc.a); got != tc.want {
				t.Errorf("Equal not symmetric for %s / %s", tc.a, tc.b)
			}
		})
	}
}

func TestValueCompare(t *testing.T) {
	t.Run("numeric order", func(t *testing.T) {
		if U32(3).Compare(U32(9)) >= 0 {
			t.Error("3 should order before 9")
		}
		if I16(-4).Compare(I16(2)) >= 0 {
			t.Error("-4 should order before 2")
		}
		if U64(7).Compare(U64(7)) != 0 {
			t.Error("equal values should compare 0")
		}
	})

	t.Run("strings byte order", func(t *testing.T) {
		if String("alpha").Compare(String("beta")) >= 0 {
			t.Error("alpha should order before beta")
		}
	})

	t.Run("mixed kinds stay total", func(t *testing.T) {
		a, b := U8(200), String("a")
		if a.Compare(b) == 0 {
			t.Error("distinct kinds should not compare equal")
		}
		if a.Compare(b) != -b.Compare(a) {
			t.Error("Compare should be antisymmetric across kinds")
		}
	})
}

func TestValueClone(t *testing.T) {
	inner := map[string]Value{"supply": U64(1000), "tags": Array([]Value{String("a")})}
	orig := Struct(inner)
	clone := orig.Clone()

	inner["supply"] = U64(0)
	if got, _ := clone.Field("supply"); !got.Equal(U64(1000)) {
		t.Errorf("clone observed mutation of original: %s", got)
	}
	if !clone.Equal(Struct(map[string]Value{"supply": U64(1000), "tags": Array([]Value{String("a")})})) {
		t.Errorf("clone lost structure: %s", clone)
	}
}

func TestZeroOf(t *testing.T) {
	for _, k := range []Kind{KindU8, KindU64, KindI32, KindBool, KindString, KindBytes, KindAccount, KindStruct, KindArray} {
		z := ZeroOf(k)
		if z.Kind() != k {
			t.Errorf("ZeroOf(%s).Kind() = %s", k, z.Kind())
		}
	}
	if id, ok := ZeroOf(KindAccount).AsAccount(); !ok || !id.IsZero() {
		t.Error("ZeroOf(account) should be the all-zero identifier")
	}
}
