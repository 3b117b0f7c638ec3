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
	"sort"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Op is a predicate operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Where restricts candidates to entries whose field satisfies the
// operator. OpIn matches against Values; every other operator
// matches against Value. An entry without the field never matches.
type Where struct {
	Field  string
	Op     Op
	Value  record.Value
	Values []record.Value
}

// Sort orders results by one field. Entries without the field sort
// before entries that have it.
type Sort struct {
	Field string
	Desc  bool
}

// Query selects, orders, and pages index entries. Multiple Where
// clauses AND together. OrderBy is a stable multi-key comparison:
// ties fall through to the next key and fully tied entries keep
// their insertion order. Offset and Limit apply last; a zero Limit
// means unlimited.
type Query struct {
	Where   []Where
	OrderBy []Sort
	Limit   int
	Offset  int
}

// usesFastPath reports whether the clause can seed candidates from a
// secondary index instead of a full scan.
func (w *Where) usesFastPath() bool {
	return w.Op == OpEq || w.Op == OpIn
}

func (w *Where) validate() error {
	switch w.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		if !w.Value.IsValid() {
			return &QueryError{Field: w.Field, Op: w.Op, Reason: "missing comparison value"}
		}
	case OpIn:
		for _, v := range w.Values {
			if !v.IsValid() {
				return &QueryError{Field: w.Field, Op: w.Op, Reason: "invalid value in membership list"}
			}
		}
	default:
		return &QueryError{Field: w.Field, Op: w.Op, Reason: "unknown operator"}
	}
	if w.Field == "" {
		return &QueryError{Op: w.Op, Reason: "missing field name"}
	}
	return nil
}

// match evaluates the clause against one entry value.
func (w *Where) match(v record.Value) (bool, error) {
	fv, ok := v.Field(w.Field)
	if !ok {
		return false, nil
	}

	switch w.Op {
	case OpEq:
		return fv.Equal(w.Value), nil
	case OpNe:
		return !fv.Equal(w.Value), nil
	case OpIn:
		for _, cand := range w.Values {
			if fv.Equal(cand) {
				return true, nil
			}
		}
		return false, nil
	}

	// Ordering operators require matching kinds; comparing a u64
	// field against a string literal is a caller bug, not a miss.
	if fv.Kind() != w.Value.Kind() {
		return false, &QueryError{
			Field:  w.Field,
			Op:     w.Op,
			Reason: "cannot order " + fv.Kind().String() + " against " + w.Value.Kind().String(),
		}
	}
	c := fv.Compare(w.Value)
	switch w.Op {
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	}
	return false, &QueryError{Field: w.Field, Op: w.Op, Reason: "unknown operator"}
}

// sortEntries applies the multi-key ordering in place. The sort is
// stable, so entries tied on every key keep their relative order.
func sortEntries(entries []*Entry, orderBy []Sort) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(entries, func(i, j int) bool {
		for _, key := range orderBy {
			c := compareField(entries[i].Value, entries[j].Value, key.Field)
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareField(a, b record.Value, field string) int {
	av, aok := a.Field(field)
	bv, bok := b.Field(field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return av.Compare(bv)
}

// page slices entries by offset and limit.
func page(entries []*Entry, offset, limit int) []*Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []*Entry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
