// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledgerstate assembles the account state engine.
//
// The Service wires the registry, layout engine, codec, cache,
// indexer, query manager, and synchronizer over a ledger.Source and
// an events.Emitter. Every component is explicitly constructed and
// explicitly owned; nothing in this package or below reaches for a
// global.
//
// Typical usage:
//
//	src := ledger.NewMemorySource()
//	svc, err := ledgerstate.New(config.Default(), src)
//	if err != nil { ... }
//	if err := svc.RegisterSchema(ctx, tokenSchema, schema.RegisterOptions{}); err != nil { ... }
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Close(ctx)
//
//	svc.Track(ctx, mintAccount, "Token")
//	resp, err := svc.Query(ctx, "Token", query.Request{...})
//
// Schemas must be registered before Start: snapshot entries restored
// at startup are decoded through the registry, and records of
// unknown schemas cannot be revived.
package ledgerstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/config"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/index"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/keyqueue"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/layout"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/migrate"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/query"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
	badgerstore "github.com/AleutianAI/AleutianLedger/services/ledgerstate/storage/badger"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/syncer"
)

var tracer = otel.Tracer("ledgerstate.service")

var (
	// ErrClosed is returned by lifecycle operations after Close.
	ErrClosed = errors.New("service is closed")

	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("service already started")
)

// =============================================================================
// Options
// =============================================================================

// Option configures a Service at construction.
type Option func(*Service)

// WithEmitter replaces the event bus. The caller keeps the emitter
// and may subscribe to it before or after Start.
func WithEmitter(bus *events.Emitter) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSnapshotStore replaces the snapshot store the cache persists
// through. The caller owns the store's lifecycle; Close will not
// touch it. Overrides the cache.snapshot_path config stanza.
func WithSnapshotStore(store cache.SnapshotStore) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
			s.ownsStore = false
		}
	}
}

// =============================================================================
// Service
// =============================================================================

// Service is the engine facade.
//
// Thread Safety:
//
//	Safe for concurrent use. Delegated operations inherit the
//	component's own locking; Start and Close serialize on the
//	service mutex.
type Service struct {
	cfg    config.Config
	source ledger.Source
	bus    *events.Emitter
	logger *slog.Logger

	registry *schema.Registry
	layouts  *layout.Engine
	codec    *codec.Codec
	cache    *cache.Manager
	index    *index.Indexer
	queries  *query.Manager
	syncer   *syncer.Manager
	migrator *migrate.Engine
	queue    *keyqueue.Queue

	store     cache.SnapshotStore
	ownsStore bool
	badger    *badgerstore.Store

	invalidateSub string

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires a Service from cfg over source.
//
// The source is borrowed: the caller constructed it and the caller
// closes it. Everything the Service builds itself (cache, indexer,
// query manager, syncer, and a BadgerDB snapshot store when
// cache.snapshot_path is set) is torn down by Close.
func New(cfg config.Config, source ledger.Source, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, errors.New("ledgerstate: source must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		source: source,
		bus:    events.NewEmitter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = schema.NewRegistry(schema.WithLogger(s.logger))
	s.layouts = layout.NewEngine()
	s.codec = codec.New(s.layouts)
	s.queue = keyqueue.New(keyqueue.WithLogger(s.logger))

	if s.store == nil && cfg.Cache.SnapshotPath != "" {
		bs, err := badgerstore.NewStore(badgerstore.DefaultConfig(cfg.Cache.SnapshotPath))
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		s.store = bs
		s.badger = bs
		s.ownsStore = true
	}

	cacheOpts := []cache.Option{
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithMaxAge(cfg.Cache.MaxAge.Std()),
		cache.WithUpdateAgeOnGet(cfg.Cache.UpdateAgeOnGet),
		cache.WithWorkers(cfg.Cache.Workers),
		cache.WithTaskTimeout(cfg.Cache.TaskTimeout.Std()),
		cache.WithSnapshotInterval(cfg.Cache.SnapshotInterval.Std()),
		cache.WithPublisher(s.bus),
		cache.WithLogger(s.logger),
	}
	if cfg.Cache.Compression {
		cacheOpts = append(cacheOpts, cache.WithCompression())
	}
	if cfg.Cache.EncryptionKeyFile != "" {
		key, err := loadKey(cfg.Cache.EncryptionKeyFile)
		if err != nil {
			s.teardownStore()
			return nil, err
		}
		cacheOpts = append(cacheOpts, cache.WithEncryption(key))
	}
	if s.store != nil {
		cacheOpts = append(cacheOpts, cache.WithSnapshotStore(s.store))
	}

	store, err := cache.NewManager(s.registry, s.codec, cacheOpts...)
	if err != nil {
		s.teardownStore()
		return nil, err
	}
	s.cache = store

	s.index = index.NewIndexer(s.registry, s.codec,
		index.WithMaxEntries(cfg.Index.MaxEntries),
		index.WithEvictionOrder(evictionOrder(cfg.Index.EvictionOrder)),
		index.WithEvictNewestFirst(cfg.Index.EvictNewestFirst),
		index.WithQueue(s.queue),
		index.WithPublisher(s.bus),
		index.WithLogger(s.logger),
	)

	s.queries = query.New(s.index,
		query.WithTTL(cfg.Query.TTL.Std()),
		query.WithDefaultPageSize(cfg.Query.DefaultPageSize),
		query.WithParallelism(cfg.Query.Parallelism),
		query.WithSweepInterval(cfg.Query.SweepInterval.Std()),
		query.WithNegativeTTL(cfg.Query.NegativeTTL.Std()),
		query.WithPublisher(s.bus),
		query.WithLogger(s.logger),
	)

	s.migrator = migrate.NewEngine(s.registry, s.codec, s.layouts,
		migrate.WithStrictNarrowing(cfg.Migration.StrictNarrowing),
		migrate.WithStepRetries(cfg.Migration.StepRetries),
		migrate.WithRetryDelay(cfg.Migration.RetryDelay.Std()),
		migrate.WithStepTimeout(cfg.Migration.StepTimeout.Std()),
		migrate.WithPublisher(s.bus),
		migrate.WithLogger(s.logger),
	)

	syncOpts := []syncer.Option{
		syncer.WithIndexer(s.index),
		syncer.WithQueue(s.queue),
		syncer.WithMaxRetries(cfg.Sync.MaxRetries),
		syncer.WithRetryDelay(cfg.Sync.RetryDelay.Std()),
		syncer.WithPollInterval(cfg.Sync.PollInterval.Std()),
		syncer.WithReadLimit(rate.Limit(cfg.Sync.ReadLimit), cfg.Sync.ReadBurst),
		syncer.WithPublisher(s.bus),
		syncer.WithLogger(s.logger),
	}
	if !cfg.Sync.Subscriptions {
		syncOpts = append(syncOpts, syncer.WithoutSubscriptions())
	}
	sm, err := syncer.New(source, s.registry, s.codec, s.cache, syncOpts...)
	if err != nil {
		s.queries.Close()
		_ = s.cache.Close(context.Background())
		s.teardownStore()
		return nil, err
	}
	s.syncer = sm

	// Committed updates, evictions, and completed migrations all
	// change what a cached query page would contain.
	s.invalidateSub = s.bus.Subscribe(func(*events.Event) {
		s.queries.Invalidate()
	}, events.TypeRecordUpdated, events.TypeCacheEvicted, events.TypeMigrationCompleted)

	return s, nil
}

// Start restores persisted state and brings the engine online.
//
// When a snapshot store is configured, the cache is restored and
// every revived record is pushed through the indexer so queries see
// the pre-restart state. A store with nothing persisted is not an
// error.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "service.start")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}

	if err := s.cache.Restore(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("restore snapshot: %w", err)
	}

	restored := 0
	for _, id := range s.cache.Keys() {
		rec, err := s.cache.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := s.index.IndexRecord(ctx, rec); err != nil {
			s.logger.Warn("restored record not indexed",
				"account", id.Short(),
				"schema", rec.Meta.SchemaName,
				"error", err)
			continue
		}
		restored++
	}
	span.SetAttributes(attribute.Int("records.restored", restored))
	s.logger.Info("snapshot restored", "records", restored)
	return nil
}

// Close tears the engine down: the synchronizer detaches from the
// source, the query sweeper stops, the cache flushes its final
// snapshot and drains, and a Service-owned snapshot store is closed.
// The ledger source itself stays open; its owner closes it. Close is
// idempotent.
func (s *Service) Close(ctx context.Context) error {
	_, span := tracer.Start(ctx, "service.close")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.Unsubscribe(s.invalidateSub)

	var errs []error
	if err := s.syncer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close syncer: %w", err))
	}
	s.queries.Close()
	if err := s.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if s.ownsStore && s.badger != nil {
		if err := s.badger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshot store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Schema operations
// =============================================================================

// RegisterSchema adds a schema version to the registry and announces
// it on the bus.
func (s *Service) RegisterSchema(ctx context.Context, sc *schema.Schema, opts schema.RegisterOptions) error {
	if err := s.registry.Register(ctx, sc, opts); err != nil {
		return err
	}
	s.bus.Emit(events.TypeSchemaRegistered, events.SchemaRegisteredData{
		Schema:  sc.Name,
		Version: sc.Version,
	})
	return nil
}

// Schema returns the latest registered version of name.
func (s *Service) Schema(name string) (*schema.Schema, error) {
	return s.registry.Get(name)
}

// SchemaVersion returns one specific registered version of name.
func (s *Service) SchemaVersion(name string, version uint32) (*schema.Schema, error) {
	return s.registry.GetVersion(name, version)
}

// CheckCompatibility reports the field-level compatibility between
// two registered versions of name.
func (s *Service) CheckCompatibility(ctx context.Context, name string, from, to uint32) (*schema.Compatibility, error) {
	return s.registry.CheckVersions(ctx, name, from, to)
}

// =============================================================================
// Sync operations
// =============================================================================

// Track starts synchronizing the account against schemaName.
func (s *Service) Track(ctx context.Context, id record.AccountID, schemaName string) error {
	return s.syncer.StartSync(ctx, id, schemaName)
}

// Untrack stops synchronizing the account. Its mirrored state stays
// queryable.
func (s *Service) Untrack(id record.AccountID) error {
	return s.syncer.StopSync(id)
}

// ForceSync bypasses retry backoff and error parking for one account.
func (s *Service) ForceSync(ctx context.Context, id record.AccountID) error {
	return s.syncer.ForceSyncAccount(ctx, id)
}

// ResyncAll refreshes every tracked account from the source.
func (s *Service) ResyncAll(ctx context.Context) error {
	return s.syncer.ResyncAll(ctx)
}

// SyncStates reports the per-account synchronization states, sorted
// by account.
func (s *Service) SyncStates() []syncer.AccountState {
	return s.syncer.States()
}

// =============================================================================
// Read operations
// =============================================================================

// CreateIndex declares secondary indexes on fields of schemaName.
func (s *Service) CreateIndex(ctx context.Context, schemaName string, fields ...string) error {
	return s.index.CreateIndex(ctx, schemaName, fields...)
}

// Query runs a filtered, sorted, paginated read over the mirrored
// records of schemaName.
func (s *Service) Query(ctx context.Context, schemaName string, req query.Request) (*query.Response, error) {
	return s.queries.Query(ctx, schemaName, req)
}

// GetRecord returns the mirrored record for id from the local cache.
// It never reaches for the ledger source; Track does that.
func (s *Service) GetRecord(ctx context.Context, id record.AccountID) (*record.Record, error) {
	return s.cache.Get(ctx, id)
}

// =============================================================================
// Migration
// =============================================================================

// Migrate rewrites the mirrored record for id to the target schema
// version, stores the result, and reindexes it.
func (s *Service) Migrate(ctx context.Context, id record.AccountID, target uint32, opts migrate.ExecuteOptions) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "service.migrate")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", id.Short()),
		attribute.Int64("target", int64(target)),
	)

	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	migrated, err := s.migrator.Migrate(ctx, rec, target, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.cache.Put(ctx, migrated); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store migrated record: %w", err)
	}
	if err := s.index.IndexRecord(ctx, migrated); err != nil {
		return nil, fmt.Errorf("reindex migrated record: %w", err)
	}
	return migrated, nil
}

// =============================================================================
// Observation
// =============================================================================

// Stats aggregates the component counters into one snapshot.
type Stats struct {
	Cache   cache.Stats    `json:"cache"`
	Query   query.Stats    `json:"query"`
	Index   map[string]int `json:"index"`
	Tracked int            `json:"tracked"`
	Schemas []string       `json:"schemas"`
}

// Stats returns a point-in-time snapshot of every component's
// counters, keyed by registered schema where per-schema.
func (s *Service) Stats() Stats {
	names := s.registry.Names()
	perSchema := make(map[string]int, len(names))
	for _, name := range names {
		perSchema[name] = s.index.Len(name)
	}
	return Stats{
		Cache:   s.cache.Stats(),
		Query:   s.queries.Stats(),
		Index:   perSchema,
		Tracked: s.syncer.Tracked(),
		Schemas: names,
	}
}

// Snapshot persists the current cache contents immediately, outside
// the periodic schedule.
func (s *Service) Snapshot(ctx context.Context) error {
	return s.cache.Snapshot(ctx)
}

// Emitter exposes the event bus for subscriptions.
func (s *Service) Emitter() *events.Emitter {
	return s.bus
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) teardownStore() {
	if s.ownsStore && s.badger != nil {
		_ = s.badger.Close()
		s.badger = nil
		s.store = nil
	}
}

// loadKey reads the sealing master key. The file's contents feed the
// HKDF expansion directly, so any non-empty byte string serves;
// surrounding whitespace is stripped for text keys.
func loadKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	key := bytes.TrimSpace(raw)
	if len(key) == 0 {
		return nil, fmt.Errorf("encryption key file %s is empty", path)
	}
	return key, nil
}

func evictionOrder(name string) index.EvictionOrder {
	if name == "recency" {
		return index.EvictRecency
	}
	return index.EvictInsertion
}
