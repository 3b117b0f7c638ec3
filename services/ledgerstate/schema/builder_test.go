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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

func TestBuilderToken(t *testing.T) {
	s, err := NewBuilder("Token", 1).
		AutoDiscriminator().
		Account("mint", Required()).
		U64("supply", Required()).
		U8("decimals", WithDefault(record.U8(9))).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "Token", s.Name)
	assert.Equal(t, uint32(1), s.Version)
	require.True(t, s.HasDiscriminator())
	assert.Equal(t, DeriveDiscriminator("Token"), *s.Discriminator)

	require.Len(t, s.Fields, 3)
	assert.Equal(t, []string{"mint", "supply", "decimals"}, s.FieldNames())

	mint := s.FieldByName("mint")
	require.NotNil(t, mint)
	assert.True(t, mint.Required)
	assert.Equal(t, record.KindAccount, mint.Type.Kind)

	decimals := s.FieldByName("decimals")
	require.NotNil(t, decimals)
	assert.False(t, decimals.Required)
	got, ok := decimals.Default.AsU8()
	require.True(t, ok)
	assert.Equal(t, uint8(9), got)
}

func TestBuilderConstraints(t *testing.T) {
	s, err := NewBuilder("PriceFeed", 1).
		U64("price", Required(), WithMin(1)).
		I32("exponent", WithMin(-12), WithMax(12)).
		String("symbol", 16, Required(), WithPattern(`^[A-Z]{2,10}$`)).
		Build()
	require.NoError(t, err)

	exp := s.FieldByName("exponent")
	require.NotNil(t, exp)
	require.NotNil(t, exp.Constraints)
	assert.Equal(t, int64(-12), *exp.Constraints.Min)
	assert.Equal(t, int64(12), *exp.Constraints.Max)

	sym := s.FieldByName("symbol")
	require.NotNil(t, sym)
	require.NotNil(t, sym.Constraints)
	require.NotNil(t, sym.Constraints.Length)
	assert.Equal(t, 16, *sym.Constraints.Length)
	assert.True(t, sym.Constraints.MatchString("USDC"))
	assert.False(t, sym.Constraints.MatchString("usdc"))
	assert.Equal(t, 16, sym.PayloadCap())
}

func TestBuilderValidationFailure(t *testing.T) {
	t.Run("bad field name", func(t *testing.T) {
		_, err := NewBuilder("S", 1).U64("9supply").Build()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Len(t, verr.Violations, 1)
		assert.Equal(t, RuleBadName, verr.Violations[0].Rule)
	})

	t.Run("no fields", func(t *testing.T) {
		_, err := NewBuilder("S", 1).Build()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, RuleNoFields, verr.Violations[0].Rule)
	})

	t.Run("default constraint violation", func(t *testing.T) {
		_, err := NewBuilder("S", 1).U8("decimals", WithMax(12), WithDefault(record.U8(200))).Build()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		found := false
		for _, v := range verr.Violations {
			if v.Rule == RuleBadDefault {
				found = true
			}
		}
		assert.True(t, found, "expected %s among %v", RuleBadDefault, verr.Violations)
	})

	t.Run("mismatched default kind", func(t *testing.T) {
		_, err := NewBuilder("S", 1).U64("supply", WithDefault(record.String("many"))).Build()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestBuilderDefinitionsAreInlined(t *testing.T) {
	info := &Schema{Fields: []Field{
		{Name: "symbol", Type: ScalarType(record.KindString), Constraints: &Constraints{Length: intPtr(10)}},
		{Name: "cap", Type: ScalarType(record.KindU64)},
	}}

	s, err := NewBuilder("Asset", 1).
		Define("AssetInfo", info).
		Account("issuer", Required()).
		Ref("info", "AssetInfo").
		Build()
	require.NoError(t, err)

	field := s.FieldByName("info")
	require.NotNil(t, field)
	require.Equal(t, record.KindStruct, field.Type.Kind)
	require.NotNil(t, field.Type.Schema, "ref must be resolved to a nested schema after build")
	assert.Equal(t, "AssetInfo", field.Type.Schema.Name)
	assert.Equal(t, []string{"symbol", "cap"}, field.Type.Schema.FieldNames())
}

func TestBuilderRefToUnknownDefinition(t *testing.T) {
	_, err := NewBuilder("Asset", 1).Ref("info", "Missing").Build()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RuleUnknownRef, verr.Violations[0].Rule)
}

func TestBuilderResultIsIndependent(t *testing.T) {
	b := NewBuilder("S", 1).U64("supply")
	first, err := b.Build()
	require.NoError(t, err)

	// Extending the builder after a build must not leak into the
	// previously returned schema.
	b.U8("decimals")
	second, err := b.Build()
	require.NoError(t, err)

	assert.Len(t, first.Fields, 1)
	assert.Len(t, second.Fields, 2)
}

func TestBuilderArrayBounds(t *testing.T) {
	_, err := NewBuilder("S", 1).Array("holders", ScalarType(record.KindAccount), MaxArrayLen+1).Build()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RuleArrayLength, verr.Violations[0].Rule)

	s, err := NewBuilder("S", 1).Array("holders", ScalarType(record.KindAccount), MaxArrayLen).Build()
	require.NoError(t, err)
	assert.Equal(t, MaxArrayLen, s.FieldByName("holders").Type.Len)
}

func TestBuilderStrictMode(t *testing.T) {
	orphan := &Schema{Fields: []Field{{Name: "x", Type: ScalarType(record.KindU8)}}}

	_, err := NewBuilder("S", 1).Strict().Define("Orphan", orphan).U64("supply").Build()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, RuleUnreferencedDef, verr.Violations[0].Rule)

	_, err = NewBuilder("S", 1).Define("Orphan", orphan).U64("supply").Build()
	assert.NoError(t, err, "non-strict builds tolerate unreferenced definitions")
}

func intPtr(n int) *int { return &n }
