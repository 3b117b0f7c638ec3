// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownField marks an index declaration naming a field the
	// schema does not define.
	ErrUnknownField = errors.New("field is not defined by the schema")

	// ErrUnindexableKind marks an index declaration on a struct or
	// array field; secondary keys exist only for scalar kinds.
	ErrUnindexableKind = errors.New("field kind cannot back a secondary index")

	// ErrNotFound marks a removal for an identifier the index does
	// not hold.
	ErrNotFound = errors.New("identifier is not indexed")
)

// QueryError reports a malformed or unevaluable predicate.
type QueryError struct {
	Field  string
	Op     Op
	Reason string
}

func (e *QueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("query: %s", e.Reason)
	}
	return fmt.Sprintf("query: field %q op %q: %s", e.Field, e.Op, e.Reason)
}
