// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.layout")

// defaultMemoLimit bounds the layout memo. Schemas are small and few;
// 256 entries covers hundreds of registered versions.
const defaultMemoLimit = 256

// Engine computes layouts and memoizes them by schema key.
//
// The memo assumes schemas are frozen after registration, which the
// schema registry guarantees. Callers computing layouts for ad-hoc
// schemas must not mutate them afterwards.
type Engine struct {
	mu    sync.Mutex
	ll    *list.List
	memo  map[string]*list.Element
	limit int

	logger *slog.Logger
}

type memoEntry struct {
	key    string
	layout *Layout
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMemoLimit overrides the memo capacity.
func WithMemoLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// NewEngine builds a layout engine with an empty memo.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		ll:     list.New(),
		memo:   make(map[string]*list.Element),
		limit:  defaultMemoLimit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute returns the layout for a schema, deriving it on the first
// request and serving the memoized copy afterwards.
//
// Description:
//
//	Derives field offsets in declaration order: each field is padded
//	to its own alignment, and the total size is padded to the maximum
//	alignment so records pack contiguously. A declared discriminator
//	occupies the first 8 bytes.
//
// Inputs:
//   - ctx: carries the trace span. Computation itself never blocks.
//   - s: the schema to place. Must not be mutated afterwards.
//
// Outputs:
//   - *Layout: the shared, read-only placement.
//   - error: an *Error naming the field the engine could not place.
//
// Thread Safety:
//   - Safe for concurrent use.
func (e *Engine) Compute(ctx context.Context, s *schema.Schema) (*Layout, error) {
	_, span := tracer.Start(ctx, "layout.compute")
	defer span.End()

	if s == nil {
		err := &Error{Reason: "nil schema"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("schema.name", s.Name),
		attribute.Int64("schema.version", int64(s.Version)),
	)

	key := s.Key()
	if l, ok := e.lookup(key); ok {
		span.SetAttributes(attribute.Bool("layout.memo_hit", true))
		return l, nil
	}

	l, err := computeSchema(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "layout computation failed")
		return nil, err
	}
	e.store(key, l, span)

	e.logger.Debug("layout computed",
		"schema", key,
		"total_size", l.TotalSize,
		"alignment", l.Alignment,
	)
	return l, nil
}

func (e *Engine) lookup(key string) (*Layout, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.memo[key]
	if !ok {
		return nil, false
	}
	e.ll.MoveToFront(el)
	return el.Value.(*memoEntry).layout, true
}

func (e *Engine) store(key string, l *Layout, span oteltrace.Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.memo[key]; ok {
		// Lost a race with a concurrent compute; keep the first.
		e.ll.MoveToFront(el)
		return
	}
	e.memo[key] = e.ll.PushFront(&memoEntry{key: key, layout: l})
	if e.ll.Len() > e.limit {
		oldest := e.ll.Back()
		if oldest != nil {
			e.ll.Remove(oldest)
			delete(e.memo, oldest.Value.(*memoEntry).key)
			span.SetAttributes(attribute.Bool("layout.memo_evicted", true))
		}
	}
	span.SetAttributes(
		attribute.Int("layout.total_size", l.TotalSize),
		attribute.Int("layout.memo_len", e.ll.Len()),
	)
}
