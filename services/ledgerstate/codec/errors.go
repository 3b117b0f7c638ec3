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
	"strings"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

// Violation rules reported by Validate. They classify how a value
// breaks its schema so callers can branch without parsing messages.
const (
	RuleMissingRequired = "missing_required_field"
	RuleUnknownField    = "unknown_field"
	RuleKindMismatch    = "kind_mismatch"
	RuleOutOfRange      = "out_of_range"
	RuleTooLong         = "payload_too_long"
	RulePattern         = "pattern_mismatch"
	RuleArrayLength     = "array_length"
)

// SerializationError reports a value the encoder could not place into
// its layout slot.
type SerializationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *SerializationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("encode %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("encode %s: field %s: %s", e.Schema, e.Field, e.Reason)
}

// DeserializationError reports a buffer the decoder refused: wrong
// length, wrong discriminator, or a corrupt prefix.
type DeserializationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *DeserializationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("decode %s: field %s: %s", e.Schema, e.Field, e.Reason)
}

// DataValidationError carries every way a value breaks its schema.
// Encode refuses values with any violation rather than truncating or
// coercing.
type DataValidationError struct {
	Schema     string
	Violations []schema.Violation
}

func (e *DataValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid data for schema %s: %d violation(s)", e.Schema, len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	return b.String()
}
