// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds decoded ledger records in a bounded LRU for
// fast repeated reads.
//
// The cache is bounded three ways: total accounted bytes, entry
// count, and entry age. Reads refresh both recency and, by default,
// age. Entries can be sealed before storage - deflate-compressed,
// AES-256-GCM encrypted under an HKDF subkey, or both - with the
// CPU work running on a small worker pool under a hard per-task
// deadline. With a SnapshotStore configured, the cache persists a
// full snapshot periodically and on shutdown, and can re-hydrate
// from it after verifying every entry.
package cache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.cache")

const (
	// DefaultMaxBytes bounds the cache's accounted footprint.
	DefaultMaxBytes = 64 << 20

	// DefaultMaxEntries bounds the live entry count.
	DefaultMaxEntries = 10_000

	// DefaultMaxAge bounds how long an entry stays servable. Reads
	// refresh the age unless WithUpdateAgeOnGet(false) is set.
	DefaultMaxAge = 30 * time.Minute

	// DefaultTaskTimeout is the hard deadline for one seal pool task.
	DefaultTaskTimeout = 5 * time.Second

	// DefaultSnapshotInterval is how often a configured store
	// receives a full snapshot.
	DefaultSnapshotInterval = 5 * time.Minute

	// sweepInterval is how often expired entries are collected in
	// bulk; lookups also drop them lazily.
	sweepInterval = time.Minute
)

// entry is one cached record. Plain mode keeps the decoded record;
// sealed mode keeps the envelope and decodes on read. Entries are
// replaced whole on update, except storedAt which the lock guards.
type entry struct {
	key      record.AccountID
	meta     record.Metadata
	rec      *record.Record
	sealed   []byte
	size     int
	storedAt time.Time
}

type evicted struct {
	key    record.AccountID
	schema string
	reason string
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Entries      int
	Bytes        int64
	Hits         int64
	Misses       int64
	Evictions    int64
	LastSnapshot time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBytes bounds the accounted footprint. Zero disables the
// byte bound.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxBytes = n
		}
	}
}

// WithMaxEntries bounds the entry count. Zero disables the count
// bound.
func WithMaxEntries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxEntries = n
		}
	}
}

// WithMaxAge bounds entry age. Zero disables age eviction.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.maxAge = d
		}
	}
}

// WithUpdateAgeOnGet controls whether reads restart an entry's age
// countdown. Defaults to true.
func WithUpdateAgeOnGet(refresh bool) Option {
	return func(m *Manager) {
		m.refreshOnGet = refresh
	}
}

// WithCompression deflate-compresses payloads before storage.
func WithCompression() Option {
	return func(m *Manager) {
		m.compress = true
	}
}

// WithEncryption encrypts payloads under key before storage. The key
// is a master secret; per-entry subkeys are derived from it.
func WithEncryption(key []byte) Option {
	return func(m *Manager) {
		m.encrypt = true
		m.key = key
	}
}

// WithWorkers sets the seal pool size, clamped to 2 through 4.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithTaskTimeout sets the hard deadline for one seal pool task.
func WithTaskTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.taskTimeout = d
		}
	}
}

// WithSnapshotStore enables persistence through store.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithSnapshotInterval sets the periodic snapshot cadence.
func WithSnapshotInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.snapEvery = d
		}
	}
}

// WithPublisher routes cache events to bus.
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

// Manager is the bounded record cache.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	registry *schema.Registry
	codec    *codec.Codec
	bus      events.Publisher
	logger   *slog.Logger

	compress    bool
	encrypt     bool
	key         []byte
	workers     int
	taskTimeout time.Duration
	sealer      *sealer

	store     SnapshotStore
	snapEvery time.Duration

	maxBytes     int64
	maxEntries   int
	maxAge       time.Duration
	refreshOnGet bool

	mu    sync.Mutex
	items map[record.AccountID]*list.Element
	order *list.List // Front = most recent, Back = least recent
	bytes int64

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	lastSnapshot atomic.Int64

	lifeMu sync.RWMutex
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a cache. Nil registry and codec get private
// instances; sealing and snapshotting need the shared ones so stored
// payloads decode against the same schemas.
//
// Outputs:
//
//	*Manager - The cache. Callers own it and must Close it.
//	error - Non-nil when encryption is requested with an empty key.
func NewManager(registry *schema.Registry, c *codec.Codec, opts ...Option) (*Manager, error) {
	m := &Manager{
		registry:     registry,
		codec:        c,
		bus:          events.Nop{},
		logger:       slog.Default(),
		workers:      4,
		taskTimeout:  DefaultTaskTimeout,
		snapEvery:    DefaultSnapshotInterval,
		maxBytes:     DefaultMaxBytes,
		maxEntries:   DefaultMaxEntries,
		maxAge:       DefaultMaxAge,
		refreshOnGet: true,
		items:        make(map[record.AccountID]*list.Element),
		order:        list.New(),
		stopCh:       make(chan struct{}),
	}
	if m.registry == nil {
		m.registry = schema.NewRegistry()
	}
	if m.codec == nil {
		m.codec = codec.New(nil)
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.encrypt && len(m.key) == 0 {
		return nil, errors.New("cache: encryption requires a non-empty key")
	}
	if m.compress || m.encrypt {
		m.sealer = newSealer(m.compress, m.key, m.workers, m.taskTimeout)
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

// begin gates a public operation on the manager being open. The
// returned release must be called when the operation finishes.
func (m *Manager) begin() error {
	m.lifeMu.RLock()
	if m.closed {
		m.lifeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (m *Manager) end() {
	m.lifeMu.RUnlock()
}

// Put stores rec, replacing any previous entry for the account.
// Sealing, when configured, runs on the worker pool before the entry
// lands; a seal failure leaves the cache unchanged.
func (m *Manager) Put(ctx context.Context, rec *record.Record) error {
	ctx, span := tracer.Start(ctx, "cache.put")
	defer span.End()

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	if rec == nil {
		return &OpError{Op: "put", Cause: errors.New("nil record")}
	}
	span.SetAttributes(
		attribute.String("account.id", rec.Account.Short()),
		attribute.String("schema.name", rec.Meta.SchemaName),
	)

	e := &entry{key: rec.Account, meta: rec.Meta, storedAt: time.Now()}
	if m.sealer != nil {
		blob, err := m.sealRecord(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "seal failed")
			return &OpError{Op: "put", Key: rec.Account.Short(), Cause: err}
		}
		e.sealed = blob
		e.size = len(blob)
	} else {
		e.rec = rec
		e.size = rec.ByteSize()
	}

	m.mu.Lock()
	if elem, ok := m.items[e.key]; ok {
		old := elem.Value.(*entry)
		m.bytes += int64(e.size) - int64(old.size)
		elem.Value = e
		m.order.MoveToFront(elem)
	} else {
		m.items[e.key] = m.order.PushFront(e)
		m.bytes += int64(e.size)
	}
	dropped := m.evictLocked()
	m.gaugesLocked()
	m.mu.Unlock()

	m.announce(dropped)
	return nil
}

// Get returns the cached record for id. Expired entries miss and are
// dropped. A hit refreshes recency, and age when configured.
func (m *Manager) Get(ctx context.Context, id record.AccountID) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "cache.get")
	defer span.End()

	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.end()

	now := time.Now()
	m.mu.Lock()
	elem, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		m.misses.Add(1)
		cacheReads.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	e := elem.Value.(*entry)
	if m.maxAge > 0 && now.Sub(e.storedAt) > m.maxAge {
		m.removeLocked(elem, e)
		m.evictions.Add(1)
		m.gaugesLocked()
		m.mu.Unlock()
		m.misses.Add(1)
		cacheReads.WithLabelValues("miss").Inc()
		cacheEvictionsTotal.WithLabelValues("expired").Inc()
		m.announce([]evicted{{key: e.key, schema: e.meta.SchemaName, reason: "expired"}})
		return nil, ErrNotFound
	}
	m.order.MoveToFront(elem)
	if m.refreshOnGet {
		e.storedAt = now
	}
	rec := e.rec
	sealed := e.sealed
	meta := e.meta
	m.mu.Unlock()

	if rec == nil {
		r, err := m.unsealRecord(ctx, id, meta, sealed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unseal failed")
			return nil, &OpError{Op: "get", Key: id.Short(), Cause: err}
		}
		rec = r
	}

	m.hits.Add(1)
	cacheReads.WithLabelValues("hit").Inc()
	return rec, nil
}

// Delete removes the entry for id.
func (m *Manager) Delete(id record.AccountID) bool {
	if err := m.begin(); err != nil {
		return false
	}
	defer m.end()

	m.mu.Lock()
	elem, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e := elem.Value.(*entry)
	m.removeLocked(elem, e)
	m.gaugesLocked()
	m.mu.Unlock()

	m.announce([]evicted{{key: id, schema: e.meta.SchemaName, reason: "invalidated"}})
	return true
}

// Purge drops every entry and resets the counters.
func (m *Manager) Purge() {
	if err := m.begin(); err != nil {
		return
	}
	defer m.end()

	m.mu.Lock()
	m.items = make(map[record.AccountID]*list.Element)
	m.order.Init()
	m.bytes = 0
	m.gaugesLocked()
	m.mu.Unlock()

	m.hits.Store(0)
	m.misses.Store(0)
	m.evictions.Store(0)
}

// Len returns the live entry count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Keys returns the ids of every live entry, sorted by their base58
// form. Entries past their age limit are skipped the same way Get
// would skip them.
func (m *Manager) Keys() []record.AccountID {
	m.mu.Lock()
	ids := make([]record.AccountID, 0, len(m.items))
	now := time.Now()
	for id, elem := range m.items {
		e := elem.Value.(*entry)
		if m.maxAge > 0 && now.Sub(e.storedAt) > m.maxAge {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries := m.order.Len()
	bytes := m.bytes
	m.mu.Unlock()

	st := Stats{
		Entries:   entries,
		Bytes:     bytes,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
	if ns := m.lastSnapshot.Load(); ns > 0 {
		st.LastSnapshot = time.Unix(0, ns)
	}
	return st
}

// Close stops the background loop, flushes a final snapshot when a
// store is configured, and shuts the seal pool down. The manager
// must not be used after Close returns.
func (m *Manager) Close(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeMu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	var err error
	if m.store != nil {
		err = m.snapshot(ctx)
	}
	if m.sealer != nil {
		m.sealer.close()
	}
	return err
}

// sealRecord encodes rec against its schema and runs the envelope
// work on the pool.
func (m *Manager) sealRecord(ctx context.Context, rec *record.Record) ([]byte, error) {
	s, err := m.registry.GetVersion(rec.Meta.SchemaName, rec.Meta.SchemaVersion)
	if err != nil {
		return nil, err
	}
	payload, err := m.codec.Encode(ctx, s, rec.Value)
	if err != nil {
		return nil, err
	}
	return m.sealer.sealIn(ctx, payload)
}

// unsealRecord opens the envelope on the pool and decodes the
// payload back into a record.
func (m *Manager) unsealRecord(ctx context.Context, id record.AccountID, meta record.Metadata, sealed []byte) (*record.Record, error) {
	payload, err := m.sealer.openIn(ctx, sealed)
	if err != nil {
		return nil, err
	}
	s, err := m.registry.GetVersion(meta.SchemaName, meta.SchemaVersion)
	if err != nil {
		return nil, err
	}
	val, err := m.codec.Decode(ctx, s, payload)
	if err != nil {
		return nil, err
	}
	return &record.Record{Account: id, Value: val, Meta: meta}, nil
}

// evictLocked drops least-recent entries until the capacity bounds
// hold. Caller must hold mu.
func (m *Manager) evictLocked() []evicted {
	var out []evicted
	for (m.maxEntries > 0 && m.order.Len() > m.maxEntries) ||
		(m.maxBytes > 0 && m.bytes > m.maxBytes) {
		elem := m.order.Back()
		if elem == nil {
			break
		}
		e := elem.Value.(*entry)
		m.removeLocked(elem, e)
		m.evictions.Add(1)
		cacheEvictionsTotal.WithLabelValues("capacity").Inc()
		out = append(out, evicted{key: e.key, schema: e.meta.SchemaName, reason: "capacity"})
	}
	return out
}

// removeLocked drops one entry from the map, the list, and the byte
// account. Caller must hold mu.
func (m *Manager) removeLocked(elem *list.Element, e *entry) {
	m.order.Remove(elem)
	delete(m.items, e.key)
	m.bytes -= int64(e.size)
}

// gaugesLocked refreshes the size gauges. Caller must hold mu.
func (m *Manager) gaugesLocked() {
	cacheEntriesGauge.Set(float64(m.order.Len()))
	cacheBytesGauge.Set(float64(m.bytes))
}

// announce emits eviction events outside the lock; synchronous
// handlers may call back into the cache.
func (m *Manager) announce(dropped []evicted) {
	for _, d := range dropped {
		m.logger.Debug("cache entry evicted",
			"account", d.key.Short(),
			"schema", d.schema,
			"reason", d.reason,
		)
		m.bus.Emit(events.TypeCacheEvicted, events.EvictionData{
			Schema:  d.schema,
			Account: d.key.String(),
			Reason:  d.reason,
		})
	}
}

// sweepExpired drops every over-age entry in one pass.
func (m *Manager) sweepExpired() {
	if m.maxAge <= 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	var dropped []evicted
	var next *list.Element
	for elem := m.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*entry)
		if now.Sub(e.storedAt) > m.maxAge {
			m.removeLocked(elem, e)
			m.evictions.Add(1)
			cacheEvictionsTotal.WithLabelValues("expired").Inc()
			dropped = append(dropped, evicted{key: e.key, schema: e.meta.SchemaName, reason: "expired"})
		}
	}
	m.gaugesLocked()
	m.mu.Unlock()

	m.announce(dropped)
}

func (m *Manager) loop() {
	defer m.wg.Done()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	var snapC <-chan time.Time
	if m.store != nil {
		snap := time.NewTicker(m.snapEvery)
		defer snap.Stop()
		snapC = snap.C
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-sweep.C:
			m.sweepExpired()
		case <-snapC:
			if err := m.snapshot(context.Background()); err != nil {
				m.logger.Error("cache snapshot failed", "error", err)
			}
		}
	}
}
