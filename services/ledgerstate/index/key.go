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
	"encoding/binary"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// EncodeKey renders a scalar value as a secondary-index key whose
// lexicographic byte order matches the value order.
//
// Description:
//
//	Unsigned integers and bools encode big-endian at full width.
//	Signed integers sign-extend to 64 bits and flip the sign bit,
//	which maps the int64 range onto the uint64 range
//	order-preservingly. Strings and bytes are their raw contents;
//	account identifiers their raw 32 bytes. Structs and arrays have
//	no key form.
//
// Outputs:
//   - []byte: the key, always a fresh slice.
//   - error: ErrUnindexableKind for struct, array, or invalid values.
func EncodeKey(v record.Value) ([]byte, error) {
	switch v.Kind() {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64:
		u, _ := v.Uint()
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], u)
		return buf[:], nil

	case record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		i, _ := v.Int()
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i)^(1<<63))
		return buf[:], nil

	case record.KindBool:
		b, _ := v.AsBool()
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case record.KindString:
		s, _ := v.AsString()
		return []byte(s), nil

	case record.KindBytes:
		raw, _ := v.AsBytes()
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil

	case record.KindAccount:
		id, _ := v.AsAccount()
		return id.Bytes(), nil

	default:
		return nil, ErrUnindexableKind
	}
}
