// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer keeps the local record mirror current against a
// ledger source.
//
// The Manager tracks accounts one at a time: each tracked account gets
// a push subscription on the source, an optional fixed-interval poll,
// or both. Every update flows through a per-identifier queue, so
// commits for one account are strictly ordered while distinct accounts
// proceed in parallel. Updates carrying a slot at or below the
// committed one are discarded as stale. Failed attempts retry on a
// fixed delay up to a bounded count, after which the account parks in
// the error state until ForceSyncAccount resets it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/codec"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/events"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/index"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/keyqueue"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.syncer")

// =============================================================================
// Errors and Defaults
// =============================================================================

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("synchronizer is closed")

	// ErrAlreadyTracked is returned by StartSync for an account that
	// is already under management.
	ErrAlreadyTracked = errors.New("account is already tracked")

	// ErrNotTracked is returned when the account is not under
	// management.
	ErrNotTracked = errors.New("account is not tracked")
)

const (
	// DefaultMaxRetries bounds automatic retries after a failed
	// attempt before the account parks in the error state.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the fixed pause before each retry.
	DefaultRetryDelay = 2 * time.Second

	// DefaultReadLimit paces ledger source reads across all tracked
	// accounts so polls and resyncs cannot stampede the remote node.
	DefaultReadLimit = rate.Limit(25)

	// DefaultReadBurst is the bucket size for DefaultReadLimit.
	DefaultReadBurst = 5
)

// =============================================================================
// Options
// =============================================================================

// Option configures a Manager at construction.
type Option func(*Manager)

// WithIndexer mirrors every committed record into idx.
func WithIndexer(idx *index.Indexer) Option {
	return func(m *Manager) { m.index = idx }
}

// WithPublisher sets the event publisher. Defaults to a no-op.
func WithPublisher(bus events.Publisher) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithQueue shares a per-identifier queue with other components. The
// synchronizer keys by bare account, so a queue shared with an
// Indexer (which keys by schema-prefixed account) cannot collide.
func WithQueue(q *keyqueue.Queue) Option {
	return func(m *Manager) {
		if q != nil {
			m.queue = q
		}
	}
}

// WithMaxRetries bounds automatic retries per failure streak.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithRetryDelay sets the fixed pause before each retry.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithPollInterval enables a fixed-interval poll per tracked account.
// Zero, the default, disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithReadLimit replaces the shared pacing of ledger source reads.
func WithReadLimit(limit rate.Limit, burst int) Option {
	return func(m *Manager) {
		if limit > 0 && burst > 0 {
			m.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithoutSubscriptions disables push subscriptions, leaving polling
// as the only update path. Intended for sources that cannot push.
func WithoutSubscriptions() Option {
	return func(m *Manager) { m.subscribe = false }
}

// =============================================================================
// Manager
// =============================================================================

// tracked is the Manager's private state for one account.
//
// The per-identifier queue orders all state transitions; mu only
// makes snapshots safe for concurrent readers.
type tracked struct {
	id     record.AccountID
	schema string

	subHandle string
	stopPoll  chan struct{}

	mu         sync.Mutex
	state      AccountState
	primed     bool
	lastValue  record.Value
	retryTimer *time.Timer
	stopped    bool
}

// Manager synchronizes tracked accounts from a ledger source into the
// record cache and, when configured, the indexer.
type Manager struct {
	source   ledger.Source
	registry *schema.Registry
	codec    *codec.Codec
	cache    *cache.Manager
	index    *index.Indexer

	queue   *keyqueue.Queue
	bus     events.Publisher
	logger  *slog.Logger
	limiter *rate.Limiter

	maxRetries   int
	retryDelay   time.Duration
	pollInterval time.Duration
	subscribe    bool

	// ctx is cancelled first during Close to wake blocked waits.
	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu gates operations against Close. Write-locked only while
	// flipping closed, which drains in-flight operations.
	lifeMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	accounts map[record.AccountID]*tracked

	wg sync.WaitGroup
}

// New builds a Manager over the given source, decoding pipeline, and
// record cache.
//
// Inputs:
//   - source: ledger boundary supplying reads and notifications.
//   - registry: schema registry updates are decoded against.
//   - cdc: codec, shared with the rest of the engine.
//   - store: record cache that receives committed records.
//   - opts: optional configuration.
//
// Outputs:
//   - *Manager: ready to track accounts.
//   - error: non-nil when a required dependency is nil.
func New(source ledger.Source, registry *schema.Registry, cdc *codec.Codec, store *cache.Manager, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, errors.New("syncer: ledger source is required")
	}
	if registry == nil {
		return nil, errors.New("syncer: schema registry is required")
	}
	if cdc == nil {
		return nil, errors.New("syncer: codec is required")
	}
	if store == nil {
		return nil, errors.New("syncer: record cache is required")
	}

	m := &Manager{
		source:     source,
		registry:   registry,
		codec:      cdc,
		cache:      store,
		bus:        events.Nop{},
		logger:     slog.Default(),
		limiter:    rate.NewLimiter(DefaultReadLimit, DefaultReadBurst),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		subscribe:  true,
		accounts:   make(map[record.AccountID]*tracked),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = keyqueue.New(keyqueue.WithLogger(m.logger))
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// StartSync begins tracking an account against a registered schema.
//
// Description:
//
//	Registers the account, attaches the push subscription so no
//	update can fall between load and attach, then performs the
//	initial rate-limited load. A remote record that does not exist
//	yet is not a failure: the account stays syncing until the source
//	first reports it. A failed initial load engages the retry
//	machinery in the background; StartSync itself returns an error
//	only when tracking cannot be established.
//
// Thread Safety: safe for concurrent use.
func (m *Manager) StartSync(ctx context.Context, id record.AccountID, schemaName string) error {
	ctx, span := tracer.Start(ctx, "syncer.start", trace.WithAttributes(
		attribute.String("ledgerstate.account", id.Short()),
		attribute.String("ledgerstate.schema", schemaName),
	))
	defer span.End()

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	if _, err := m.registry.Get(schemaName); err != nil {
		return fmt.Errorf("start sync for %s: %w", id, err)
	}

	t := &tracked{
		id:       id,
		schema:   schemaName,
		stopPoll: make(chan struct{}),
		state: AccountState{
			Account: id,
			Schema:  schemaName,
			Status:  StatusSyncing,
		},
	}

	m.mu.Lock()
	if _, ok := m.accounts[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("start sync for %s: %w", id, ErrAlreadyTracked)
	}
	m.accounts[id] = t
	m.mu.Unlock()
	syncTrackedGauge.Inc()

	if m.subscribe {
		handle, err := m.source.Subscribe(ctx, id, func(_ record.AccountID, payload []byte, meta ledger.Meta) {
			m.deliver(t, payload, meta)
		})
		if err != nil {
			m.mu.Lock()
			delete(m.accounts, id)
			m.mu.Unlock()
			syncTrackedGauge.Dec()
			return fmt.Errorf("subscribe to %s: %w", id, err)
		}
		t.subHandle = handle
	}

	if err := m.refresh(ctx, t); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		m.fail(t, err)
	}

	if m.pollInterval > 0 {
		m.wg.Add(1)
		go m.pollLoop(t)
	}

	m.logger.Info("tracking account",
		"account", id.Short(),
		"schema", schemaName,
		"subscribe", m.subscribe,
		"poll", m.pollInterval)
	return nil
}

// StopSync stops tracking an account. The mirror keeps whatever the
// cache already holds.
func (m *Manager) StopSync(id record.AccountID) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	t, ok := m.accounts[id]
	if ok {
		delete(m.accounts, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop sync for %s: %w", id, ErrNotTracked)
	}

	m.release(t)
	m.bus.Emit(events.TypeSyncStopped, events.SyncStopData{
		Account: id.String(),
		Schema:  t.schema,
	})
	m.logger.Info("stopped tracking account", "account", id.Short(), "schema", t.schema)
	return nil
}

// ForceSyncAccount clears the account's failure streak and performs
// an immediate reload. This is the only way out of the error state.
//
// Outputs:
//   - error: the reload error, if the immediate attempt failed. The
//     retry machinery keeps working in the background regardless.
func (m *Manager) ForceSyncAccount(ctx context.Context, id record.AccountID) error {
	ctx, span := tracer.Start(ctx, "syncer.force", trace.WithAttributes(
		attribute.String("ledgerstate.account", id.Short()),
	))
	defer span.End()

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()
	return m.force(ctx, id)
}

// ResyncAll forces a reload of every tracked account, in identifier
// order, paced by the shared read limiter.
func (m *Manager) ResyncAll(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	m.mu.Lock()
	ids := make([]record.AccountID, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var errs []error
	for _, id := range ids {
		if err := m.force(ctx, id); err != nil && !errors.Is(err, ErrNotTracked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the state snapshot for one account.
func (m *Manager) Status(id record.AccountID) (AccountState, bool) {
	m.mu.Lock()
	t, ok := m.accounts[id]
	m.mu.Unlock()
	if !ok {
		return AccountState{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// States returns a snapshot of every tracked account, sorted by
// identifier.
func (m *Manager) States() []AccountState {
	m.mu.Lock()
	list := make([]*tracked, 0, len(m.accounts))
	for _, t := range m.accounts {
		list = append(list, t)
	}
	m.mu.Unlock()

	out := make([]AccountState, 0, len(list))
	for _, t := range list {
		t.mu.Lock()
		out = append(out, t.state)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.String() < out[j].Account.String()
	})
	return out
}

// Tracked returns the number of accounts under management.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Close stops all tracking and waits for in-flight work to drain.
// The cache and source are left for their owners to close.
func (m *Manager) Close() error {
	m.cancel()

	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeMu.Unlock()

	m.mu.Lock()
	list := make([]*tracked, 0, len(m.accounts))
	for _, t := range m.accounts {
		list = append(list, t)
	}
	m.accounts = make(map[record.AccountID]*tracked)
	m.mu.Unlock()

	for _, t := range list {
		m.release(t)
	}
	m.wg.Wait()

	m.logger.Info("synchronizer closed", "accounts", len(list))
	return nil
}

// =============================================================================
// Update Pipeline
// =============================================================================

// deliver is the push-subscription entry point.
func (m *Manager) deliver(t *tracked, payload []byte, meta ledger.Meta) {
	if err := m.begin(); err != nil {
		return
	}
	defer m.end()
	if err := m.apply(m.ctx, t, payload, meta); err != nil {
		m.fail(t, err)
	}
}

// refresh performs one rate-limited read and applies the result.
func (m *Manager) refresh(ctx context.Context, t *tracked) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	payload, meta, err := m.source.GetRecord(ctx, t.id)
	syncRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("load record %s: %w", t.id, err)
	}
	return m.apply(ctx, t, payload, meta)
}

// apply runs the commit under the account's queue slot. The key is
// the bare account, serializing notifications, polls, and forced
// reloads for one identifier against each other.
func (m *Manager) apply(ctx context.Context, t *tracked, payload []byte, meta ledger.Meta) error {
	return m.queue.Do(ctx, t.id.String(), func(ctx context.Context) error {
		return m.commit(ctx, t, payload, meta)
	})
}

// commit validates, decodes, and installs one update.
//
// Description:
//
//	Runs with the account's queue slot held, so no other commit for
//	the same identifier is concurrent. Stale updates, updates for a
//	stopped account, and updates for an account parked in the error
//	state are discarded without touching the mirror.
func (m *Manager) commit(ctx context.Context, t *tracked, payload []byte, meta ledger.Meta) error {
	ctx, span := tracer.Start(ctx, "syncer.commit", trace.WithAttributes(
		attribute.String("ledgerstate.account", t.id.Short()),
		attribute.Int64("ledgerstate.slot", int64(meta.Slot)),
	))
	defer span.End()

	t.mu.Lock()
	if t.stopped || t.state.Status == StatusError {
		t.mu.Unlock()
		m.logger.Debug("dropping update for inactive account",
			"account", t.id.Short(), "slot", meta.Slot)
		return nil
	}
	if t.primed && meta.Slot <= t.state.Slot {
		current := t.state.Slot
		t.mu.Unlock()
		syncUpdatesTotal.WithLabelValues("stale").Inc()
		m.logger.Debug("discarding stale update",
			"account", t.id.Short(), "slot", meta.Slot, "current", current)
		m.bus.Emit(events.TypeSyncStale, events.StaleUpdateData{
			Account:     t.id.String(),
			Slot:        meta.Slot,
			CurrentSlot: current,
		})
		return nil
	}
	t.mu.Unlock()

	s, err := m.registry.Get(t.schema)
	if err != nil {
		return fmt.Errorf("commit %s: %w", t.id, err)
	}
	value, err := m.codec.Decode(ctx, s, payload)
	if err != nil {
		return fmt.Errorf("decode update for %s at slot %d: %w", t.id, meta.Slot, err)
	}

	rec := &record.Record{
		Account: t.id,
		Value:   value,
		Meta: record.Metadata{
			SchemaName:    s.Name,
			SchemaVersion: s.Version,
			LastUpdate:    time.Now().UTC(),
			Slot:          meta.Slot,
			Owner:         meta.Owner,
		},
	}
	if err := m.cache.Put(ctx, rec); err != nil {
		return fmt.Errorf("cache update for %s: %w", t.id, err)
	}
	if m.index != nil {
		if err := m.index.IndexRecord(ctx, rec); err != nil {
			return fmt.Errorf("index update for %s: %w", t.id, err)
		}
	}

	t.mu.Lock()
	var changes []record.FieldChange
	if t.primed {
		changes = record.Diff(t.lastValue, value)
	}
	t.lastValue = value.Clone()
	t.primed = true
	t.state.Slot = meta.Slot
	t.state.LastUpdate = rec.Meta.LastUpdate
	t.state.Status = StatusSynchronized
	t.state.RetryCount = 0
	t.mu.Unlock()

	syncUpdatesTotal.WithLabelValues("committed").Inc()
	m.bus.Emit(events.TypeRecordUpdated, events.RecordUpdateData{
		Account: t.id.String(),
		Schema:  s.Name,
		Slot:    meta.Slot,
		Changes: changes,
	})
	m.logger.Debug("committed update",
		"account", t.id.Short(), "schema", s.Name, "slot", meta.Slot, "changes", len(changes))
	return nil
}

// fail books one failed attempt and either schedules a retry or parks
// the account in the error state.
func (m *Manager) fail(t *tracked, cause error) {
	if m.ctx.Err() != nil {
		return
	}
	if errors.Is(cause, ledger.ErrClosed) {
		m.logger.Debug("sync attempt hit a closed source", "account", t.id.Short())
		return
	}

	_ = m.queue.Do(m.ctx, t.id.String(), func(context.Context) error {
		t.mu.Lock()
		if t.stopped || t.state.Status == StatusError {
			t.mu.Unlock()
			return nil
		}
		t.state.RetryCount++
		attempt := t.state.RetryCount
		if attempt <= m.maxRetries {
			t.state.Status = StatusSyncing
			t.retryTimer = time.AfterFunc(m.retryDelay, func() { m.retry(t) })
			t.mu.Unlock()
			syncRetriesTotal.Inc()
			m.logger.Warn("sync attempt failed, retrying",
				"account", t.id.Short(),
				"attempt", attempt,
				"max", m.maxRetries,
				"delay", m.retryDelay,
				"error", cause)
			return nil
		}
		t.state.Status = StatusError
		t.mu.Unlock()
		syncUpdatesTotal.WithLabelValues("failed").Inc()
		syncErroredGauge.Inc()
		m.logger.Error("sync failed, automatic retry stopped",
			"account", t.id.Short(), "attempts", attempt, "error", cause)
		m.bus.Emit(events.TypeSyncError, events.SyncErrorData{
			Account: t.id.String(),
			Error:   cause.Error(),
			Retries: attempt,
		})
		return nil
	})
}

// retry is the delayed follow-up scheduled by fail.
func (m *Manager) retry(t *tracked) {
	if err := m.begin(); err != nil {
		return
	}
	defer m.end()

	t.mu.Lock()
	dead := t.stopped
	t.mu.Unlock()
	if dead {
		return
	}
	if err := m.refresh(m.ctx, t); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		m.fail(t, err)
	}
}

// force resets the failure streak and reloads. Callers hold the
// lifecycle gate.
func (m *Manager) force(ctx context.Context, id record.AccountID) error {
	m.mu.Lock()
	t, ok := m.accounts[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("force sync for %s: %w", id, ErrNotTracked)
	}

	err := m.queue.Do(ctx, id.String(), func(context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.state.Status == StatusError {
			syncErroredGauge.Dec()
		}
		if t.retryTimer != nil {
			t.retryTimer.Stop()
			t.retryTimer = nil
		}
		t.state.Status = StatusSyncing
		t.state.RetryCount = 0
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("forcing resync", "account", id.Short(), "schema", t.schema)
	if err := m.refresh(ctx, t); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		m.fail(t, err)
		return err
	}
	return nil
}

// pollLoop reloads the account on a fixed interval until tracking
// stops. Accounts parked in the error state are skipped so polling
// never acts as a hidden retry.
func (m *Manager) pollLoop(t *tracked) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.stopPoll:
			return
		case <-ticker.C:
			t.mu.Lock()
			skip := t.stopped || t.state.Status == StatusError
			t.mu.Unlock()
			if skip {
				continue
			}
			if err := m.begin(); err != nil {
				return
			}
			if err := m.refresh(m.ctx, t); err != nil && !errors.Is(err, ledger.ErrNotFound) {
				m.fail(t, err)
			}
			m.end()
		}
	}
}

// release detaches an account's subscription, poll loop, and pending
// retry. Safe to call once per tracked entry.
func (m *Manager) release(t *tracked) {
	t.mu.Lock()
	t.stopped = true
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	errored := t.state.Status == StatusError
	t.mu.Unlock()

	close(t.stopPoll)
	syncTrackedGauge.Dec()
	if errored {
		syncErroredGauge.Dec()
	}

	if t.subHandle != "" {
		err := m.source.Unsubscribe(t.subHandle)
		if err != nil && !errors.Is(err, ledger.ErrClosed) && !errors.Is(err, ledger.ErrUnknownSubscription) {
			m.logger.Warn("unsubscribe failed", "account", t.id.Short(), "error", err)
		}
		t.subHandle = ""
	}
}

// =============================================================================
// Lifecycle Gate
// =============================================================================

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
