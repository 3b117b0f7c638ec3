// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query layers pagination, result caching, and record
// materialization on top of index lookups.
//
// A Manager answers the same predicate language the index speaks, but
// returns full records in fixed-size pages. Identical queries within
// the cache TTL are served from a result cache; concurrent identical
// queries collapse into a single index pass. Materialization either
// rebuilds records from the indexed snapshots or goes through a
// caller-supplied loader, sequentially or with bounded parallelism.
// Loader failures are remembered briefly, so a hot query against a
// broken loader stops hammering it.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/index"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

var tracer = otel.Tracer("ledgerstate.query")

const (
	// DefaultTTL bounds how long a cached result stays servable.
	DefaultTTL = 30 * time.Second

	// DefaultPageSize applies when a request leaves PageSize unset.
	DefaultPageSize = 50

	// DefaultParallelism bounds concurrent loader calls during
	// parallel materialization.
	DefaultParallelism = 4

	// DefaultSweepInterval is how often expired cache entries are
	// collected.
	DefaultSweepInterval = time.Minute

	// DefaultNegativeTTL is how long a loader failure is remembered.
	// Short on purpose: it only has to outlast a hot retry loop.
	DefaultNegativeTTL = 5 * time.Second
)

// RecordLoader resolves an index entry to a full record. The manager
// uses it during materialization when set; when nil, records are
// rebuilt from the indexed snapshot directly.
type RecordLoader func(ctx context.Context, e *index.Entry) (*record.Record, error)

// Request describes one paginated query.
type Request struct {
	// Where and OrderBy use the index predicate language verbatim.
	Where   []index.Where
	OrderBy []index.Sort

	// Page is 1-based; values below 1 are treated as 1.
	Page int

	// PageSize limits records per page; non-positive values fall back
	// to the manager default.
	PageSize int

	// Parallel materializes the page's records concurrently through
	// the loader. It does not change the response contents.
	Parallel bool
}

// Response is one page of query results.
type Response struct {
	Data     []*record.Record
	Total    int
	Page     int
	PageSize int
	HasMore  bool

	// ExecutionTime is the latency this caller observed, whether the
	// page was executed or served from cache.
	ExecutionTime time.Duration

	// Cached reports whether the page came from the result cache.
	Cached bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoader sets the record loader used during materialization.
func WithLoader(l RecordLoader) Option {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithPublisher routes manager events to bus.
func WithPublisher(bus events.Publisher) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTTL sets how long cached results stay servable.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithDefaultPageSize sets the page size used when requests leave it
// unset.
func WithDefaultPageSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithParallelism bounds concurrent loader calls during parallel
// materialization.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithSweepInterval sets how often the expired-entry sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithNegativeTTL sets how long a loader failure is remembered. Zero
// disables failure memory entirely.
func WithNegativeTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.negTTL = d
		}
	}
}

// Manager executes paginated queries against an index, caching pages
// by their full query shape.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	idx    *index.Indexer
	loader RecordLoader
	bus    events.Publisher
	logger *slog.Logger

	cache    *resultCache
	failures *failCache
	flight   singleflight.Group
	stats    rollingStats

	ttl         time.Duration
	negTTL      time.Duration
	pageSize    int
	parallelism int
	sweepEvery  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a manager over idx and starts its background sweeper.
// A nil idx gets a private, empty indexer. Callers own the returned
// manager and must Close it to stop the sweeper.
func New(idx *index.Indexer, opts ...Option) *Manager {
	m := &Manager{
		idx:         idx,
		bus:         events.Nop{},
		logger:      slog.Default(),
		ttl:         DefaultTTL,
		negTTL:      DefaultNegativeTTL,
		pageSize:    DefaultPageSize,
		parallelism: DefaultParallelism,
		sweepEvery:  DefaultSweepInterval,
		stopCh:      make(chan struct{}),
	}
	if m.idx == nil {
		m.idx = index.NewIndexer(nil, nil)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = newResultCache(m.ttl)
	m.failures = newFailCache(m.negTTL)

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper and waits for it to exit. The
// manager must not be queried after Close returns.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Query runs one paginated query.
//
// Description: normalizes the page window, consults the result cache,
// and on a miss executes the query once even under concurrent
// identical callers. A query whose loader failed within the negative
// TTL returns the remembered error without re-executing. Every caller
// gets its own response copy with its own observed latency.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	schemaName - Schema whose index to query.
//	req - Predicates, ordering, page window, and materialization mode.
//
// Outputs:
//
//	*Response - One page of records plus pagination bookkeeping.
//	error - Index validation failures or loader errors.
func (m *Manager) Query(ctx context.Context, schemaName string, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "query.page")
	defer span.End()

	start := time.Now()
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size <= 0 {
		size = m.pageSize
	}
	span.SetAttributes(
		attribute.String("schema.name", schemaName),
		attribute.Int("query.page", page),
		attribute.Int("query.page_size", size),
	)

	key := cacheKey(schemaName, req.Where, req.OrderBy, page, size)
	if resp, ok := m.cache.get(key); ok {
		m.stats.hit()
		queriesTotal.WithLabelValues(schemaName, "hit").Inc()
		span.SetAttributes(attribute.Bool("query.cached", true))

		out := *resp
		out.Cached = true
		out.ExecutionTime = time.Since(start)
		return &out, nil
	}
	if m.negTTL > 0 {
		if remembered, ok := m.failures.remembered(key); ok {
			m.stats.negativeHit()
			queriesTotal.WithLabelValues(schemaName, "negative").Inc()
			span.SetStatus(codes.Error, "remembered failure")
			return nil, remembered
		}
	}
	m.stats.miss()
	queriesTotal.WithLabelValues(schemaName, "miss").Inc()
	span.SetAttributes(attribute.Bool("query.cached", false))

	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.execute(ctx, schemaName, req, key, page, size)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}

	out := *(v.(*Response))
	out.Cached = false
	out.ExecutionTime = time.Since(start)
	return &out, nil
}

// Invalidate drops every cached result and every remembered failure.
// Callers invalidate after committing record updates so later pages
// see the new state.
func (m *Manager) Invalidate() {
	m.cache.clear()
	m.failures.clear()
	cacheEntries.Set(0)
}

// Stats returns a snapshot of the rolling counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot(m.cache.len())
}

// execute runs one uncached query end to end: index pass, page
// window, materialization, cache fill. Loader failures are remembered
// for the negative TTL; index errors are not, so a bad filter fails
// fresh every time.
func (m *Manager) execute(ctx context.Context, schemaName string, req Request, key string, page, size int) (*Response, error) {
	started := time.Now()

	entries, err := m.idx.Query(ctx, schemaName, index.Query{
		Where:   req.Where,
		OrderBy: req.OrderBy,
	})
	if err != nil {
		return nil, err
	}

	total := len(entries)
	lo := (page - 1) * size
	if lo > total {
		lo = total
	}
	hi := lo + size
	if hi > total {
		hi = total
	}

	data, err := m.materialize(ctx, schemaName, entries[lo:hi], req.Parallel)
	if err != nil {
		// A caller's own cancellation is not the loader's fault; only
		// genuine loader failures are remembered.
		if m.negTTL > 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.failures.put(key, err)
		}
		return nil, err
	}

	elapsed := time.Since(started)
	m.stats.executedIn(elapsed)
	executeDuration.WithLabelValues(schemaName).Observe(elapsed.Seconds())

	resp := &Response{
		Data:          data,
		Total:         total,
		Page:          page,
		PageSize:      size,
		HasMore:       hi < total,
		ExecutionTime: elapsed,
	}
	m.cache.put(key, resp)
	cacheEntries.Set(float64(m.cache.len()))

	m.logger.Debug("query executed",
		"schema", schemaName,
		"total", total,
		"page", page,
		"returned", len(data),
		"duration", elapsed,
	)
	return resp, nil
}

// materialize turns the page's index entries into records. With no
// loader configured, records are rebuilt from the indexed snapshots.
func (m *Manager) materialize(ctx context.Context, schemaName string, entries []*index.Entry, parallel bool) ([]*record.Record, error) {
	out := make([]*record.Record, len(entries))

	if m.loader == nil {
		for i, e := range entries {
			out[i] = entryRecord(schemaName, e)
		}
		return out, nil
	}

	if !parallel || len(entries) < 2 {
		for i, e := range entries {
			rec, err := m.loader(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("materialize %s: %w", e.Account.Short(), err)
			}
			out[i] = rec
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for i, e := range entries {
		g.Go(func() error {
			rec, err := m.loader(gctx, e)
			if err != nil {
				return fmt.Errorf("materialize %s: %w", e.Account.Short(), err)
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// entryRecord rebuilds a record from an indexed snapshot. Entries are
// immutable once published, so the value is shared, not cloned.
func entryRecord(schemaName string, e *index.Entry) *record.Record {
	return &record.Record{
		Account: e.Account,
		Value:   e.Value,
		Meta: record.Metadata{
			SchemaName:    schemaName,
			SchemaVersion: e.SchemaVersion,
			Slot:          e.Slot,
			LastUpdate:    e.UpdatedAt,
		},
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.failures.sweep()
			expired, remaining := m.cache.sweep()
			cacheEntries.Set(float64(remaining))
			if expired == 0 {
				continue
			}
			cacheSweeps.Add(float64(expired))
			m.logger.Debug("query cache swept",
				"expired", expired,
				"remaining", remaining,
			)
			m.bus.Emit(events.TypeQueryCacheSwept, events.SweepData{
				Expired:   expired,
				Remaining: remaining,
			})
		}
	}
}
