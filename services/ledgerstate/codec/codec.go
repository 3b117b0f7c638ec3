// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec converts between decoded record values and the fixed
// binary layout their schema prescribes.
//
// The wire form is little-endian throughout. Integers sit at their
// computed offsets; strings and bytes carry a 4-byte LE length prefix
// inside a fixed reserved slot with the slack zeroed; account
// identifiers are 32 raw bytes; nested structs recurse into their
// slice window; arrays stride by the aligned element size, and
// runtime-length arrays carry a 4-byte LE element count. Decode is the
// exact inverse and refuses buffers whose length or discriminator does
// not match the schema.
package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/layout"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.codec")

// Codec encodes and decodes records against registered schemas. It
// shares a layout engine so repeated operations on the same schema
// reuse the memoized placement.
type Codec struct {
	layouts *layout.Engine
	logger  *slog.Logger
}

// Option adjusts codec construction.
type Option func(*Codec)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a codec. A nil layout engine gets a private one.
func New(layouts *layout.Engine, opts ...Option) *Codec {
	c := &Codec{layouts: layouts, logger: slog.Default()}
	if c.layouts == nil {
		c.layouts = layout.NewEngine()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serializes a struct value into the fixed binary form of its
// schema.
//
// Description:
//
//	Validates the value first and refuses any violation; the encoder
//	never truncates or coerces. The returned buffer is exactly the
//	layout's total size with all slack bytes zero, so encoding is
//	deterministic byte-for-byte.
//
// Inputs:
//   - ctx: carries the trace span.
//   - s: the schema the value claims to follow.
//   - v: a struct-kind value.
//
// Outputs:
//   - []byte: the encoded record, owned by the caller.
//   - error: *DataValidationError, *SerializationError, or a layout
//     error.
//
// Thread Safety:
//   - Safe for concurrent use.
func (c *Codec) Encode(ctx context.Context, s *schema.Schema, v record.Value) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "codec.encode")
	defer span.End()

	if s == nil {
		err := &SerializationError{Reason: "nil schema"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("schema.name", s.Name))

	if err := c.Validate(s, v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "value rejected")
		return nil, err
	}

	l, err := c.layouts.Compute(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "layout unavailable")
		return nil, err
	}

	buf := make([]byte, l.TotalSize)
	if err := encodeInto(s, l, v, buf); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("record.bytes", len(buf)))
	return buf, nil
}

// Decode deserializes a binary record back into a struct value.
//
// Description:
//
//	Verifies the buffer length against the layout's total size and
//	the discriminator tag before trusting any field data. Every
//	schema field materializes in the result; fields absent at encode
//	time come back as their kind's zero value.
//
// Inputs:
//   - ctx: carries the trace span.
//   - s: the schema to decode against.
//   - buf: the encoded record.
//
// Outputs:
//   - record.Value: a struct-kind value.
//   - error: *DeserializationError or a layout error.
//
// Thread Safety:
//   - Safe for concurrent use.
func (c *Codec) Decode(ctx context.Context, s *schema.Schema, buf []byte) (record.Value, error) {
	ctx, span := tracer.Start(ctx, "codec.decode")
	defer span.End()

	if s == nil {
		err := &DeserializationError{Reason: "nil schema"}
		span.SetStatus(codes.Error, err.Error())
		return record.Value{}, err
	}
	span.SetAttributes(
		attribute.String("schema.name", s.Name),
		attribute.Int("record.bytes", len(buf)),
	)

	l, err := c.layouts.Compute(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "layout unavailable")
		return record.Value{}, err
	}

	v, err := decodeInto(s, l, buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return record.Value{}, err
	}
	return v, nil
}

// =============================================================================
// Encoding
// =============================================================================

func encodeInto(s *schema.Schema, l *layout.Layout, v record.Value, buf []byte) error {
	if l.HasDiscriminator {
		tag := uint64(0)
		if s.Discriminator != nil {
			tag = *s.Discriminator
		}
		binary.LittleEndian.PutUint64(buf[:layout.DiscriminatorSize], tag)
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		fl := &l.Fields[i]
		fv, ok := v.Field(f.Name)
		if !ok {
			// Optional field absent: the slot stays zero.
			continue
		}
		window := buf[fl.Offset : fl.Offset+fl.Size]
		if err := encodeValue(s.Name, f.Name, f.Type, fl, fv, window); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(schemaName, path string, ft schema.FieldType, fl *layout.FieldLayout, fv record.Value, window []byte) error {
	switch ft.Kind {
	case record.KindU8, record.KindU16, record.KindU32, record.KindU64:
		u, ok := fv.Uint()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want %s", fv.Kind(), ft.Kind)}
		}
		putUint(window, fl.Size, u)
	case record.KindI8, record.KindI16, record.KindI32, record.KindI64:
		i, ok := fv.Int()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want %s", fv.Kind(), ft.Kind)}
		}
		putUint(window, fl.Size, uint64(i))
	case record.KindBool:
		b, ok := fv.AsBool()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want bool", fv.Kind())}
		}
		if b {
			window[0] = 1
		}
	case record.KindAccount:
		id, ok := fv.AsAccount()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want account", fv.Kind())}
		}
		copy(window[:record.AccountIDLen], id[:])
	case record.KindString:
		str, ok := fv.AsString()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want string", fv.Kind())}
		}
		return encodePayload(schemaName, path, []byte(str), window)
	case record.KindBytes:
		raw, ok := fv.AsBytes()
		if !ok {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want bytes", fv.Kind())}
		}
		return encodePayload(schemaName, path, raw, window)
	case record.KindStruct:
		if ft.Schema == nil || fl.Nested == nil {
			return &SerializationError{Schema: schemaName, Field: path, Reason: "unresolved nested schema"}
		}
		return encodeInto(ft.Schema, fl.Nested, fv, window)
	case record.KindArray:
		return encodeArray(schemaName, path, ft, fl, fv, window)
	default:
		return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("unsupported kind %s", ft.Kind)}
	}
	return nil
}

func encodePayload(schemaName, path string, payload, window []byte) error {
	capacity := len(window) - 4
	if len(payload) > capacity {
		return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("payload %d bytes exceeds slot capacity %d", len(payload), capacity)}
	}
	binary.LittleEndian.PutUint32(window[:4], uint32(len(payload)))
	copy(window[4:], payload)
	return nil
}

func encodeArray(schemaName, path string, ft schema.FieldType, fl *layout.FieldLayout, fv record.Value, window []byte) error {
	if fv.Kind() != record.KindArray {
		return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("value kind %s, want array", fv.Kind())}
	}
	items := fv.Items()

	base := 0
	if fl.Dynamic {
		if len(items) > fl.Count {
			return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("%d elements exceed capacity %d", len(items), fl.Count)}
		}
		binary.LittleEndian.PutUint32(window[:4], uint32(len(items)))
		base = 4
	} else if len(items) != fl.Count {
		return &SerializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("%d elements, fixed length is %d", len(items), fl.Count)}
	}

	for k, item := range items {
		start := base + k*fl.Stride
		elemWindow := window[start : start+fl.Elem.Size]
		elemPath := fmt.Sprintf("%s[%d]", path, k)
		if err := encodeValue(schemaName, elemPath, *ft.Elem, fl.Elem, item, elemWindow); err != nil {
			return err
		}
	}
	return nil
}

func putUint(window []byte, size int, u uint64) {
	switch size {
	case 1:
		window[0] = byte(u)
	case 2:
		binary.LittleEndian.PutUint16(window[:2], uint16(u))
	case 4:
		binary.LittleEndian.PutUint32(window[:4], uint32(u))
	default:
		binary.LittleEndian.PutUint64(window[:8], u)
	}
}

// =============================================================================
// Decoding
// =============================================================================

func decodeInto(s *schema.Schema, l *layout.Layout, buf []byte) (record.Value, error) {
	if len(buf) != l.TotalSize {
		return record.Value{}, &DeserializationError{
			Schema: s.Name,
			Reason: fmt.Sprintf("buffer is %d bytes, layout requires %d", len(buf), l.TotalSize),
		}
	}
	if l.HasDiscriminator && s.Discriminator != nil {
		got := binary.LittleEndian.Uint64(buf[:layout.DiscriminatorSize])
		if got != *s.Discriminator {
			return record.Value{}, &DeserializationError{
				Schema: s.Name,
				Reason: fmt.Sprintf("discriminator %#x, want %#x", got, *s.Discriminator),
			}
		}
	}

	fields := make(map[string]record.Value, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		fl := &l.Fields[i]
		window := buf[fl.Offset : fl.Offset+fl.Size]
		fv, err := decodeValue(s.Name, f.Name, f.Type, fl, window)
		if err != nil {
			return record.Value{}, err
		}
		fields[f.Name] = fv
	}
	return record.Struct(fields), nil
}

func decodeValue(schemaName, path string, ft schema.FieldType, fl *layout.FieldLayout, window []byte) (record.Value, error) {
	switch ft.Kind {
	case record.KindU8:
		return record.U8(window[0]), nil
	case record.KindU16:
		return record.U16(binary.LittleEndian.Uint16(window[:2])), nil
	case record.KindU32:
		return record.U32(binary.LittleEndian.Uint32(window[:4])), nil
	case record.KindU64:
		return record.U64(binary.LittleEndian.Uint64(window[:8])), nil
	case record.KindI8:
		return record.I8(int8(window[0])), nil
	case record.KindI16:
		return record.I16(int16(binary.LittleEndian.Uint16(window[:2]))), nil
	case record.KindI32:
		return record.I32(int32(binary.LittleEndian.Uint32(window[:4]))), nil
	case record.KindI64:
		return record.I64(int64(binary.LittleEndian.Uint64(window[:8]))), nil
	case record.KindBool:
		return record.Bool(window[0] != 0), nil
	case record.KindAccount:
		id, err := record.AccountIDFromBytes(window[:record.AccountIDLen])
		if err != nil {
			return record.Value{}, &DeserializationError{Schema: schemaName, Field: path, Reason: err.Error()}
		}
		return record.Account(id), nil
	case record.KindString:
		payload, err := decodePayload(schemaName, path, window)
		if err != nil {
			return record.Value{}, err
		}
		return record.String(string(payload)), nil
	case record.KindBytes:
		payload, err := decodePayload(schemaName, path, window)
		if err != nil {
			return record.Value{}, err
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return record.Bytes(out), nil
	case record.KindStruct:
		if ft.Schema == nil || fl.Nested == nil {
			return record.Value{}, &DeserializationError{Schema: schemaName, Field: path, Reason: "unresolved nested schema"}
		}
		return decodeInto(ft.Schema, fl.Nested, window)
	case record.KindArray:
		return decodeArray(schemaName, path, ft, fl, window)
	default:
		return record.Value{}, &DeserializationError{Schema: schemaName, Field: path, Reason: fmt.Sprintf("unsupported kind %s", ft.Kind)}
	}
}

func decodePayload(schemaName, path string, window []byte) ([]byte, error) {
	n := int(binary.LittleEndian.Uint32(window[:4]))
	if n > len(window)-4 {
		return nil, &DeserializationError{
			Schema: schemaName,
			Field:  path,
			Reason: fmt.Sprintf("length prefix %d exceeds slot capacity %d", n, len(window)-4),
		}
	}
	return window[4 : 4+n], nil
}

func decodeArray(schemaName, path string, ft schema.FieldType, fl *layout.FieldLayout, window []byte) (record.Value, error) {
	count := fl.Count
	base := 0
	if fl.Dynamic {
		count = int(binary.LittleEndian.Uint32(window[:4]))
		if count > fl.Count {
			return record.Value{}, &DeserializationError{
				Schema: schemaName,
				Field:  path,
				Reason: fmt.Sprintf("element count %d exceeds capacity %d", count, fl.Count),
			}
		}
		base = 4
	}

	items := make([]record.Value, 0, count)
	for k := 0; k < count; k++ {
		start := base + k*fl.Stride
		elemWindow := window[start : start+fl.Elem.Size]
		item, err := decodeValue(schemaName, fmt.Sprintf("%s[%d]", path, k), *ft.Elem, fl.Elem, elemWindow)
		if err != nil {
			return record.Value{}, err
		}
		items = append(items, item)
	}
	return record.Array(items), nil
}
