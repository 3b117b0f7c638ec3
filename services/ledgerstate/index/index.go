// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index maintains queryable in-memory indexes over decoded
// records. Each schema gets a primary map keyed by account identifier
// plus declared secondary indexes on scalar fields. Equality and
// membership predicates on an indexed field seed candidates from the
// secondary index; every other operator scans the primary map. Writes
// to one identifier are serialized through a per-key queue, and a
// configurable capacity bound evicts the oldest entries.
package index

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/keyqueue"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.index")

// EvictionOrder selects which age the capacity bound measures.
type EvictionOrder int

const (
	// EvictInsertion evicts by insertion age; replacing an entry does
	// not refresh its position.
	EvictInsertion EvictionOrder = iota

	// EvictRecency evicts by update age; replacing an entry moves it
	// to the young end.
	EvictRecency
)

// Entry is one indexed record. Entries are immutable snapshots:
// an update replaces the entry object, it never mutates one.
type Entry struct {
	Account       record.AccountID
	Value         record.Value
	SchemaVersion uint32
	Slot          uint64
	UpdatedAt     time.Time
}

// schemaIndex holds one schema's primary map, eviction order, and
// secondary indexes (field -> encoded key -> account set).
type schemaIndex struct {
	primary   map[record.AccountID]*Entry
	elems     map[record.AccountID]*list.Element
	order     *list.List
	secondary map[string]map[string]map[record.AccountID]struct{}
}

func newSchemaIndex() *schemaIndex {
	return &schemaIndex{
		primary:   make(map[record.AccountID]*Entry),
		elems:     make(map[record.AccountID]*list.Element),
		order:     list.New(),
		secondary: make(map[string]map[string]map[record.AccountID]struct{}),
	}
}

// Option configures an Indexer at construction.
type Option func(*Indexer)

// WithPublisher sets the event publisher. Defaults to a no-op.
func WithPublisher(bus events.Publisher) Option {
	return func(i *Indexer) { i.bus = bus }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(i *Indexer) { i.logger = logger }
}

// WithQueue shares a per-identifier queue with other components so
// one identifier is serialized engine-wide, not just per index.
func WithQueue(q *keyqueue.Queue) Option {
	return func(i *Indexer) { i.queue = q }
}

// WithMaxEntries bounds the entry count per schema. Zero means
// unbounded.
func WithMaxEntries(n int) Option {
	return func(i *Indexer) {
		if n >= 0 {
			i.maxEntries = n
		}
	}
}

// WithEvictionOrder selects insertion or recency age for eviction.
func WithEvictionOrder(order EvictionOrder) Option {
	return func(i *Indexer) { i.evictOrder = order }
}

// WithEvictNewestFirst flips the eviction direction from oldest-first
// to newest-first.
func WithEvictNewestFirst(newest bool) Option {
	return func(i *Indexer) { i.evictNewestFirst = newest }
}

// Indexer indexes decoded records per schema.
//
// Thread Safety:
//
//	Safe for concurrent use. Reads hold the RWMutex read side;
//	writes for one identifier additionally serialize through the
//	per-key queue so a second update awaits the first.
type Indexer struct {
	registry *schema.Registry
	codec    *codec.Codec
	queue    *keyqueue.Queue
	bus      events.Publisher
	logger   *slog.Logger

	maxEntries       int
	evictOrder       EvictionOrder
	evictNewestFirst bool

	mu      sync.RWMutex
	schemas map[string]*schemaIndex
}

// NewIndexer constructs an indexer. The registry and codec are only
// needed for CreateIndex field validation and IndexRaw decoding; both
// may be nil when records arrive pre-decoded.
func NewIndexer(registry *schema.Registry, c *codec.Codec, opts ...Option) *Indexer {
	i := &Indexer{
		registry: registry,
		codec:    c,
		bus:      events.Nop{},
		logger:   slog.Default(),
		schemas:  make(map[string]*schemaIndex),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.queue == nil {
		i.queue = keyqueue.New(keyqueue.WithLogger(i.logger))
	}
	return i
}

// CreateIndex declares secondary indexes on the named fields.
//
// Description:
//
//	When a registry is wired, each field must exist on the schema's
//	latest version and be a scalar kind. Declaring an index after
//	records arrived backfills it from the primary map; re-declaring
//	an existing index is a no-op.
func (i *Indexer) CreateIndex(ctx context.Context, schemaName string, fields ...string) error {
	_, span := tracer.Start(ctx, "index.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("schema.name", schemaName),
		attribute.Int("index.fields", len(fields)),
	)

	if i.registry != nil {
		s, err := i.registry.Get(schemaName)
		if err != nil {
			span.SetStatus(codes.Error, "unknown schema")
			return fmt.Errorf("create index on %s: %w", schemaName, err)
		}
		for _, field := range fields {
			f, ok := s.FieldByName(field)
			if !ok {
				span.SetStatus(codes.Error, "unknown field")
				return fmt.Errorf("create index on %s.%s: %w", schemaName, field, ErrUnknownField)
			}
			switch f.Type.Kind {
			case record.KindStruct, record.KindArray:
				span.SetStatus(codes.Error, "unindexable kind")
				return fmt.Errorf("create index on %s.%s (%s): %w", schemaName, field, f.Type.Kind, ErrUnindexableKind)
			}
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	si := i.ensureLocked(schemaName)
	for _, field := range fields {
		if _, exists := si.secondary[field]; exists {
			continue
		}
		keys := make(map[string]map[record.AccountID]struct{})
		for acct, e := range si.primary {
			fv, ok := e.Value.Field(field)
			if !ok {
				continue
			}
			k, err := EncodeKey(fv)
			if err != nil {
				continue
			}
			addKey(keys, string(k), acct)
		}
		si.secondary[field] = keys
		i.logger.Debug("secondary index created",
			"schema", schemaName,
			"field", field,
			"backfilled", len(si.primary),
		)
	}
	return nil
}

// IndexRecord inserts or replaces the entry for a record's account.
//
// Description:
//
//	Updates for one identifier are serialized: a second call for an
//	account mid-update awaits the first, so concurrent updates are
//	never interleaved or lost. Past the capacity bound, the oldest
//	entries are evicted and removed from every secondary index they
//	participate in.
func (i *Indexer) IndexRecord(ctx context.Context, rec *record.Record) error {
	ctx, span := tracer.Start(ctx, "index.record")
	defer span.End()

	if rec == nil || rec.Meta.SchemaName == "" {
		err := fmt.Errorf("index: record without a schema name")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.String("schema.name", rec.Meta.SchemaName),
		attribute.String("account", rec.Account.Short()),
	)

	key := rec.Meta.SchemaName + "/" + rec.Account.String()
	return i.queue.Do(ctx, key, func(context.Context) error {
		i.apply(rec)
		return nil
	})
}

// IndexRaw decodes a raw buffer against the schema's latest version,
// then indexes it like IndexRecord.
func (i *Indexer) IndexRaw(ctx context.Context, id record.AccountID, schemaName string, buf []byte) error {
	ctx, span := tracer.Start(ctx, "index.raw")
	defer span.End()

	if i.registry == nil || i.codec == nil {
		err := fmt.Errorf("index: raw indexing requires a registry and codec")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s, err := i.registry.Get(schemaName)
	if err != nil {
		span.SetStatus(codes.Error, "unknown schema")
		return fmt.Errorf("index raw %s: %w", schemaName, err)
	}
	v, err := i.codec.Decode(ctx, s, buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("index raw %s: %w", schemaName, err)
	}
	return i.IndexRecord(ctx, &record.Record{
		Account: id,
		Value:   v,
		Meta: record.Metadata{
			SchemaName:    s.Name,
			SchemaVersion: s.Version,
			LastUpdate:    time.Now(),
		},
	})
}

// apply performs the locked insert/replace plus capacity eviction.
// Events are collected under the lock and emitted after it drops so
// a handler can query the index without deadlocking.
func (i *Indexer) apply(rec *record.Record) {
	updatedAt := rec.Meta.LastUpdate
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	entry := &Entry{
		Account:       rec.Account,
		Value:         rec.Value.Clone(),
		SchemaVersion: rec.Meta.SchemaVersion,
		Slot:          rec.Meta.Slot,
		UpdatedAt:     updatedAt,
	}
	name := rec.Meta.SchemaName

	var evicted []record.AccountID

	i.mu.Lock()
	si := i.ensureLocked(name)

	if old, exists := si.primary[rec.Account]; exists {
		si.removeFromSecondaries(old)
		if i.evictOrder == EvictRecency {
			si.order.MoveToBack(si.elems[rec.Account])
		}
	} else {
		si.elems[rec.Account] = si.order.PushBack(rec.Account)
	}
	si.primary[rec.Account] = entry
	si.addToSecondaries(entry)

	for i.maxEntries > 0 && len(si.primary) > i.maxEntries {
		victim := i.victimLocked(si)
		if victim == nil {
			break
		}
		evicted = append(evicted, victim.Account)
		si.removeLocked(victim.Account)
	}

	indexUpdates.WithLabelValues(name).Inc()
	indexEntries.WithLabelValues(name).Set(float64(len(si.primary)))
	indexEvictions.WithLabelValues(name).Add(float64(len(evicted)))
	i.mu.Unlock()

	i.bus.Emit(events.TypeIndexUpdated, events.IndexUpdateData{
		Schema:  name,
		Account: rec.Account.String(),
	})
	for _, acct := range evicted {
		i.logger.Debug("index entry evicted",
			"schema", name,
			"account", acct.Short(),
			"reason", "capacity",
		)
		i.bus.Emit(events.TypeIndexEvicted, events.EvictionData{
			Schema:  name,
			Account: acct.String(),
			Reason:  "capacity",
		})
	}
}

// victimLocked picks the next entry to evict per the configured
// order and direction.
func (i *Indexer) victimLocked(si *schemaIndex) *Entry {
	var elem *list.Element
	if i.evictNewestFirst {
		elem = si.order.Back()
	} else {
		elem = si.order.Front()
	}
	if elem == nil {
		return nil
	}
	return si.primary[elem.Value.(record.AccountID)]
}

// Remove deletes an account's entry from the primary map and every
// secondary index.
func (i *Indexer) Remove(ctx context.Context, schemaName string, id record.AccountID) error {
	ctx, span := tracer.Start(ctx, "index.remove")
	defer span.End()
	span.SetAttributes(
		attribute.String("schema.name", schemaName),
		attribute.String("account", id.Short()),
	)

	key := schemaName + "/" + id.String()
	return i.queue.Do(ctx, key, func(context.Context) error {
		i.mu.Lock()
		defer i.mu.Unlock()
		si, ok := i.schemas[schemaName]
		if !ok {
			return fmt.Errorf("remove %s from %s: %w", id.Short(), schemaName, ErrNotFound)
		}
		if _, ok := si.primary[id]; !ok {
			return fmt.Errorf("remove %s from %s: %w", id.Short(), schemaName, ErrNotFound)
		}
		si.removeLocked(id)
		indexEntries.WithLabelValues(schemaName).Set(float64(len(si.primary)))
		return nil
	})
}

// Query evaluates predicates, ordering, and paging over one schema's
// entries.
//
// Description:
//
//	Candidates seed from a secondary index only for an eq/in clause
//	on an indexed field; any other shape walks the primary map.
//	Candidates carry insertion order, all clauses AND together,
//	ordering is a stable multi-key sort, and offset/limit slice
//	last. Returned entries are immutable snapshots.
//
// Outputs:
//   - []*Entry: matching entries, never nil.
//   - error: *QueryError for malformed or unevaluable predicates.
func (i *Indexer) Query(ctx context.Context, schemaName string, q Query) ([]*Entry, error) {
	_, span := tracer.Start(ctx, "index.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("schema.name", schemaName),
		attribute.Int("query.where", len(q.Where)),
	)

	for idx := range q.Where {
		if err := q.Where[idx].validate(); err != nil {
			span.SetStatus(codes.Error, "invalid predicate")
			return nil, err
		}
	}

	start := time.Now()
	candidates, path := i.collect(schemaName, q)

	out := make([]*Entry, 0, len(candidates))
	for _, e := range candidates {
		matched := true
		for idx := range q.Where {
			ok, err := q.Where[idx].match(e.Value)
			if err != nil {
				span.SetStatus(codes.Error, "unevaluable predicate")
				return nil, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}

	sortEntries(out, q.OrderBy)
	out = page(out, q.Offset, q.Limit)

	queryDuration.WithLabelValues(schemaName, path).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("query.path", path),
		attribute.Int("query.results", len(out)),
	)
	return out, nil
}

// collect snapshots the candidate entries in insertion order, seeding
// from a secondary index when an eq/in clause allows it.
func (i *Indexer) collect(schemaName string, q Query) ([]*Entry, string) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	si, ok := i.schemas[schemaName]
	if !ok {
		return nil, "scan"
	}

	var seed map[record.AccountID]struct{}
	path := "scan"
	for idx := range q.Where {
		w := &q.Where[idx]
		if !w.usesFastPath() {
			continue
		}
		keys, indexed := si.secondary[w.Field]
		if !indexed {
			continue
		}
		seed = make(map[record.AccountID]struct{})
		values := w.Values
		if w.Op == OpEq {
			values = []record.Value{w.Value}
		}
		for _, v := range values {
			k, err := EncodeKey(v)
			if err != nil {
				// The clause value can never equal a scalar field
				// value, so it contributes no candidates.
				continue
			}
			for acct := range keys[string(k)] {
				seed[acct] = struct{}{}
			}
		}
		path = "secondary"
		break
	}

	out := make([]*Entry, 0, len(si.primary))
	for elem := si.order.Front(); elem != nil; elem = elem.Next() {
		acct := elem.Value.(record.AccountID)
		if seed != nil {
			if _, ok := seed[acct]; !ok {
				continue
			}
		}
		out = append(out, si.primary[acct])
	}
	return out, path
}

// Len returns the entry count for one schema.
func (i *Indexer) Len(schemaName string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if si, ok := i.schemas[schemaName]; ok {
		return len(si.primary)
	}
	return 0
}

func (i *Indexer) ensureLocked(schemaName string) *schemaIndex {
	si, ok := i.schemas[schemaName]
	if !ok {
		si = newSchemaIndex()
		i.schemas[schemaName] = si
	}
	return si
}

// =============================================================================
// schemaIndex internals
// =============================================================================

func (si *schemaIndex) addToSecondaries(e *Entry) {
	for field, keys := range si.secondary {
		fv, ok := e.Value.Field(field)
		if !ok {
			continue
		}
		k, err := EncodeKey(fv)
		if err != nil {
			continue
		}
		addKey(keys, string(k), e.Account)
	}
}

func (si *schemaIndex) removeFromSecondaries(e *Entry) {
	for field, keys := range si.secondary {
		fv, ok := e.Value.Field(field)
		if !ok {
			continue
		}
		k, err := EncodeKey(fv)
		if err != nil {
			continue
		}
		if set, ok := keys[string(k)]; ok {
			delete(set, e.Account)
			if len(set) == 0 {
				delete(keys, string(k))
			}
		}
	}
}

// removeLocked drops one account from the primary map, the eviction
// order, and every secondary index.
func (si *schemaIndex) removeLocked(acct record.AccountID) {
	e, ok := si.primary[acct]
	if !ok {
		return
	}
	si.removeFromSecondaries(e)
	if elem, ok := si.elems[acct]; ok {
		si.order.Remove(elem)
		delete(si.elems, acct)
	}
	delete(si.primary, acct)
}

func addKey(keys map[string]map[record.AccountID]struct{}, k string, acct record.AccountID) {
	set, ok := keys[k]
	if !ok {
		set = make(map[record.AccountID]struct{})
		keys[k] = set
	}
	set[acct] = struct{}{}
}
