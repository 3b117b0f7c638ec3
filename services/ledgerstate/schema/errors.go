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
	"fmt"
	"strings"
)

// Sentinel errors returned by the registry.
var (
	// ErrSchemaNotFound indicates no schema is registered under the
	// requested name.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrVersionNotFound indicates the schema name exists but the
	// requested version does not.
	ErrVersionNotFound = errors.New("schema version not found")

	// ErrAlreadyRegistered indicates a (name, version) pair is already
	// taken. Registered schemas are immutable; re-registration is
	// always a caller bug.
	ErrAlreadyRegistered = errors.New("schema version already registered")
)

// Violation is a single rule breach found while validating a schema
// definition.
type Violation struct {
	// Field is the dotted path of the offending field ("holders.len",
	// "info.symbol"), or empty for schema-level problems.
	Field string

	// Rule is a short machine-readable rule name for callers that
	// branch on violation class.
	Rule string

	// Detail is the human-readable explanation with expected vs actual.
	Detail string
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("%s: field %q: %s", v.Rule, v.Field, v.Detail)
}

// ValidationError reports every violation found in one validation
// pass. Validation is exhaustive rather than fail-fast so a single
// registration attempt surfaces all problems at once.
type ValidationError struct {
	Schema     string
	Version    uint32
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema %s@%d invalid: %d violation(s)", e.Schema, e.Version, len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	return b.String()
}
