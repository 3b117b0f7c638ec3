// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record defines the data model shared by every engine
// component: the fixed-size account identifier, the tagged-union Value
// type carried by decoded records, and the Record envelope with its
// provenance metadata.
//
// The package is a leaf: it imports no other engine package, so the
// registry, codec, indexer, cache, and synchronizer can all agree on
// one representation without import cycles.
package record

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// AccountIDLen is the byte length of a ledger account identifier.
const AccountIDLen = 32

// AccountID is a fixed-size ledger account identifier.
//
// The text form is base58, matching the convention of the ledger the
// engine mirrors. The zero value is a valid array but never a real
// account; use IsZero to test for it.
type AccountID [AccountIDLen]byte

// ParseAccountID decodes a base58-encoded account identifier.
//
// Inputs:
//   - s: base58 text form of a 32-byte identifier.
//
// Outputs:
//   - AccountID: the decoded identifier.
//   - error: non-nil if s is not valid base58 or decodes to the wrong
//     length.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("decode account id %q: %w", s, err)
	}
	if len(raw) != AccountIDLen {
		return id, fmt.Errorf("account id %q: got %d bytes, want %d", s, len(raw), AccountIDLen)
	}
	copy(id[:], raw)
	return id, nil
}

// AccountIDFromBytes copies raw into an AccountID.
func AccountIDFromBytes(raw []byte) (AccountID, error) {
	var id AccountID
	if len(raw) != AccountIDLen {
		return id, fmt.Errorf("account id: got %d bytes, want %d", len(raw), AccountIDLen)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the base58 text form.
func (id AccountID) String() string {
	return base58.Encode(id[:])
}

// MarshalText implements encoding.TextMarshaler using the base58
// form, so identifiers read as text in JSON and YAML.
func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Short returns a truncated base58 form for log lines.
func (id AccountID) Short() string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// IsZero reports whether id is the all-zero identifier.
func (id AccountID) IsZero() bool {
	return id == AccountID{}
}

// Bytes returns a copy of the raw identifier bytes.
func (id AccountID) Bytes() []byte {
	out := make([]byte, AccountIDLen)
	copy(out, id[:])
	return out
}
