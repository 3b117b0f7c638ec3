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
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

func tokenV1(t *testing.T) *Schema {
	t.Helper()
	s, err := NewBuilder("Token", 1).
		AutoDiscriminator().
		Account("mint", Required()).
		U64("supply", Required()).
		Build()
	if err != nil {
		t.Fatalf("build Token v1: %v", err)
	}
	return s
}

func TestRegistryRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	if err := reg.Register(ctx, tokenV1(t), RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("latest by name", func(t *testing.T) {
		got, err := reg.Get("Token")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != 1 || len(got.Fields) != 2 {
			t.Errorf("Get returned %s with %d fields", got.Key(), len(got.Fields))
		}
	})

	t.Run("specific version", func(t *testing.T) {
		if _, err := reg.GetVersion("Token", 1); err != nil {
			t.Errorf("GetVersion(1): %v", err)
		}
		if _, err := reg.GetVersion("Token", 9); !errors.Is(err, ErrVersionNotFound) {
			t.Errorf("GetVersion(9) = %v, want ErrVersionNotFound", err)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		if _, err := reg.Get("Nope"); !errors.Is(err, ErrSchemaNotFound) {
			t.Errorf("Get(Nope) = %v, want ErrSchemaNotFound", err)
		}
		if _, err := reg.Versions("Nope"); !errors.Is(err, ErrSchemaNotFound) {
			t.Errorf("Versions(Nope) = %v, want ErrSchemaNotFound", err)
		}
	})

	t.Run("duplicate version rejected", func(t *testing.T) {
		err := reg.Register(ctx, tokenV1(t), RegisterOptions{})
		if !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("re-register = %v, want ErrAlreadyRegistered", err)
		}
	})

	t.Run("versions sorted ascending", func(t *testing.T) {
		v3, err := NewBuilder("Token", 3).Account("mint").U64("supply").Build()
		if err != nil {
			t.Fatalf("build v3: %v", err)
		}
		v2, err := NewBuilder("Token", 2).Account("mint").U64("supply").Build()
		if err != nil {
			t.Fatalf("build v2: %v", err)
		}
		if err := reg.Register(ctx, v3, RegisterOptions{}); err != nil {
			t.Fatalf("register v3: %v", err)
		}
		if err := reg.Register(ctx, v2, RegisterOptions{}); err != nil {
			t.Fatalf("register v2: %v", err)
		}
		versions, err := reg.Versions("Token")
		if err != nil {
			t.Fatalf("Versions: %v", err)
		}
		want := []uint32{1, 2, 3}
		if len(versions) != len(want) {
			t.Fatalf("Versions = %v, want %v", versions, want)
		}
		for i := range want {
			if versions[i] != want[i] {
				t.Errorf("Versions = %v, want %v", versions, want)
			}
		}
		latest, _ := reg.Get("Token")
		if latest.Version != 3 {
			t.Errorf("latest = %d, want 3", latest.Version)
		}
	})
}

func TestRegistryImmutability(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	s := tokenV1(t)
	if err := reg.Register(ctx, s, RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Mutating the caller's copy after registration must not leak into
	// the registry.
	s.Fields[0].Name = "corrupted"
	s.Fields = append(s.Fields, Field{Name: "extra", Type: ScalarType(record.KindU8)})

	got, err := reg.Get("Token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Fields) != 2 || got.Fields[0].Name != "mint" {
		t.Errorf("registered schema was mutated through the caller: %+v", got.FieldNames())
	}
}

func TestRegisterValidationIsExhaustive(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	min, max := int64(10), int64(2)
	bad := &Schema{
		Name: "bad name", // violates the identifier rule
		Fields: []Field{
			{Name: "9lead", Type: ScalarType(record.KindU8)},                                    // bad field name
			{Name: "Supply", Type: ScalarType(record.KindU64)},                                  // collides below
			{Name: "supply", Type: ScalarType(record.KindU64)},                                  // duplicate (case-insensitive)
			{Name: "count", Type: ScalarType(record.KindU32), Constraints: &Constraints{Min: &min, Max: &max}}, // min > max
		},
	}

	err := reg.Register(ctx, bad, RegisterOptions{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Register = %v, want *ValidationError", err)
	}
	if len(verr.Violations) < 4 {
		t.Fatalf("got %d violations, want at least 4: %v", len(verr.Violations), verr)
	}

	rules := map[string]bool{}
	for _, v := range verr.Violations {
		rules[v.Rule] = true
	}
	for _, want := range []string{RuleBadName, RuleDuplicateField, RuleBadConstraint} {
		if !rules[want] {
			t.Errorf("missing violation rule %q in %v", want, verr)
		}
	}
}

func TestRegisterRejectsOversizedDefinition(t *testing.T) {
	b := NewBuilder("Huge", 1)
	for i := 0; i < 400; i++ {
		b.U64(fmt.Sprintf("field_%03d_padding_padding_padding", i))
	}
	_, err := b.Build()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Build = %v, want *ValidationError", err)
	}
	found := false
	for _, v := range verr.Violations {
		if v.Rule == RuleTooLarge {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a %s violation, got %v", RuleTooLarge, verr)
	}
}

func TestRegisterDetectsCycles(t *testing.T) {
	t.Run("pointer cycle", func(t *testing.T) {
		s := &Schema{Name: "Loop", Version: 1}
		s.Fields = []Field{{Name: "self", Type: NestedType(s)}}

		err := NewRegistry().Register(context.Background(), s, RegisterOptions{})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Register = %v, want *ValidationError", err)
		}
		if !hasRule(verr, RuleCycle) {
			t.Errorf("expected a cycle violation, got %v", verr)
		}
	})

	t.Run("reference cycle", func(t *testing.T) {
		s := &Schema{
			Name:    "RefLoop",
			Version: 1,
			Fields:  []Field{{Name: "head", Type: RefType("a")}},
			Definitions: map[string]*Schema{
				"a": {Fields: []Field{{Name: "next", Type: RefType("b")}}},
				"b": {Fields: []Field{{Name: "back", Type: RefType("a")}}},
			},
		}
		err := NewRegistry().Register(context.Background(), s, RegisterOptions{})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Register = %v, want *ValidationError", err)
		}
		if !hasRule(verr, RuleCycle) {
			t.Errorf("expected a cycle violation, got %v", verr)
		}
	})
}

func TestStrictModeRejectsUnreferencedDefinitions(t *testing.T) {
	s := &Schema{
		Name:    "Asset",
		Version: 1,
		Fields:  []Field{{Name: "info", Type: RefType("used")}},
		Definitions: map[string]*Schema{
			"used":   {Fields: []Field{{Name: "symbol", Type: ScalarType(record.KindString)}}},
			"orphan": {Fields: []Field{{Name: "x", Type: ScalarType(record.KindU8)}}},
		},
	}

	if err := NewRegistry().Register(context.Background(), s.Clone(), RegisterOptions{}); err != nil {
		t.Fatalf("non-strict registration should pass: %v", err)
	}

	err := NewRegistry().Register(context.Background(), s, RegisterOptions{Strict: true})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("strict Register = %v, want *ValidationError", err)
	}
	if !hasRule(verr, RuleUnreferencedDef) {
		t.Errorf("expected an unreferenced-definition violation, got %v", verr)
	}
}

func hasRule(verr *ValidationError, rule string) bool {
	for _, v := range verr.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
