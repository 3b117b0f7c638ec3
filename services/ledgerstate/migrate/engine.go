// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate plans and executes schema version migrations for
// decoded records. A plan is a chain of single-version steps; each
// step drops removed fields, converts re-typed fields, seeds added
// fields, and validates the result against the target version before
// committing. Execution tracks every migration through a small state
// machine and either reverts to the original record or keeps the
// partially migrated value, depending on the fallback policy.
package migrate

import (
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
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/layout"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

var tracer = otel.Tracer("ledgerstate.migrate")

// historyLimit bounds the number of remembered migrations.
const historyLimit = 256

// Fallback selects what Execute returns when a step fails after its
// retries are exhausted.
type Fallback int

const (
	// FallbackRevert returns the original record untouched and marks
	// the migration ROLLED_BACK.
	FallbackRevert Fallback = iota

	// FallbackContinue returns the record at the last version that
	// completed successfully and marks the migration FAILED.
	FallbackContinue
)

func (f Fallback) String() string {
	switch f {
	case FallbackRevert:
		return "revert"
	case FallbackContinue:
		return "continue"
	default:
		return fmt.Sprintf("fallback(%d)", int(f))
	}
}

// ExecuteOptions controls one execution.
type ExecuteOptions struct {
	Fallback Fallback
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPublisher sets the event publisher. Defaults to a no-op.
func WithPublisher(bus events.Publisher) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStrictNarrowing makes lossy conversions fail instead of
// truncating when strict is true.
func WithStrictNarrowing(strict bool) Option {
	return func(e *Engine) { e.strictNarrowing = strict }
}

// WithStepRetries sets how many times a failed step is re-attempted
// before the fallback policy applies. Defaults to zero.
func WithStepRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithRetryDelay sets the pause between step attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryDelay = d
		}
	}
}

// WithStepTimeout bounds one step's attempts, retries and delays
// included. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// Engine plans and executes migrations against a schema registry.
//
// Thread Safety:
//
//	Safe for concurrent use. Executions work on cloned values and
//	share only the history map, which its own mutex guards.
type Engine struct {
	registry *schema.Registry
	codec    *codec.Codec
	layouts  *layout.Engine
	bus      events.Publisher
	logger   *slog.Logger

	strictNarrowing bool
	retries         int
	retryDelay      time.Duration
	stepTimeout     time.Duration

	mu      sync.Mutex
	history map[string]*Migration
	order   []string
}

// NewEngine constructs a migration engine. The codec validates each
// step's output against the target version; the layout engine prices
// dry runs. Nil dependencies are replaced with private instances.
func NewEngine(registry *schema.Registry, c *codec.Codec, layouts *layout.Engine, opts ...Option) *Engine {
	if layouts == nil {
		layouts = layout.NewEngine()
	}
	if c == nil {
		c = codec.New(layouts)
	}
	e := &Engine{
		registry:    registry,
		codec:       c,
		layouts:     layouts,
		bus:         events.Nop{},
		logger:      slog.Default(),
		retryDelay:  50 * time.Millisecond,
		stepTimeout: 30 * time.Second,
		history:     make(map[string]*Migration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Migrate plans and executes in one call.
func (e *Engine) Migrate(ctx context.Context, rec *record.Record, target uint32, opts ExecuteOptions) (*record.Record, error) {
	plan, err := e.Plan(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, rec, plan, opts)
}

// Execute runs a plan against a record.
//
// Description:
//
//	The record is never mutated; all work happens on a clone. Steps
//	run in order, each validated against its target schema version
//	before the next starts. A step that keeps failing after the
//	configured retries triggers the fallback policy: revert returns
//	the original record, continue returns the value at the last
//	version that fully applied. The migration's lifecycle is
//	recorded in the engine's history either way.
//
// Outputs:
//   - *record.Record: the migrated record on success; the original
//     or partial record on failure, per the fallback policy.
//   - error: nil on success, otherwise the step failure wrapped in
//     an *Error carrying the step number.
func (e *Engine) Execute(ctx context.Context, rec *record.Record, plan *Plan, opts ExecuteOptions) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "migrate.execute")
	defer span.End()

	if rec == nil || plan == nil {
		err := &Error{Reason: "nil record or plan"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("migration.id", plan.ID),
		attribute.String("schema.name", plan.Schema),
		attribute.Int64("migrate.from", int64(plan.FromVersion)),
		attribute.Int64("migrate.to", int64(plan.ToVersion)),
		attribute.Int("migrate.steps", len(plan.Steps)),
	)
	if plan.FromVersion != rec.Meta.SchemaVersion {
		err := &Error{
			MigrationID: plan.ID,
			Schema:      plan.Schema,
			Reason:      fmt.Sprintf("plan starts at version %d but record is at %d", plan.FromVersion, rec.Meta.SchemaVersion),
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m := &Migration{
		ID:          plan.ID,
		Schema:      plan.Schema,
		Account:     rec.Account,
		FromVersion: plan.FromVersion,
		ToVersion:   plan.ToVersion,
		Status:      StatusPlanned,
		StartedAt:   time.Now(),
	}
	e.remember(m)
	if err := m.transition(StatusExecuting); err != nil {
		return nil, err
	}
	e.remember(m)

	current := rec.Value.Clone()
	committed := plan.FromVersion
	var stepErr error

	for i := range plan.Steps {
		step := &plan.Steps[i]
		next, err := e.applyWithRetry(ctx, step, current)
		if err != nil {
			stepErr = &Error{
				MigrationID: plan.ID,
				Schema:      plan.Schema,
				Step:        i + 1,
				Reason:      fmt.Sprintf("version %d -> %d failed", step.FromVersion, step.ToVersion),
				Cause:       err,
			}
			break
		}
		current = next
		committed = step.ToVersion
		m.StepsApplied++
	}

	if stepErr != nil {
		span.RecordError(stepErr)
		m.Err = stepErr.Error()

		if opts.Fallback == FallbackContinue {
			_ = m.transition(StatusFailed)
			e.remember(m)
			span.SetStatus(codes.Error, "migration failed, partial result kept")
			e.logger.Warn("migration failed",
				"migration_id", m.ID,
				"schema", m.Schema,
				"account", m.Account.Short(),
				"committed_version", committed,
				"error", stepErr,
			)
			partial := &record.Record{
				Account: rec.Account,
				Value:   current,
				Meta: record.Metadata{
					SchemaName:    plan.Schema,
					SchemaVersion: committed,
					LastUpdate:    time.Now(),
					Slot:          rec.Meta.Slot,
					Owner:         rec.Meta.Owner,
				},
			}
			return partial, stepErr
		}

		_ = m.transition(StatusRolledBack)
		e.remember(m)
		span.SetStatus(codes.Error, "migration rolled back")
		e.logger.Warn("migration rolled back",
			"migration_id", m.ID,
			"schema", m.Schema,
			"account", m.Account.Short(),
			"steps_applied", m.StepsApplied,
			"error", stepErr,
		)
		e.bus.Emit(events.TypeMigrationRolledBack, events.MigrationData{
			ID:          m.ID,
			Schema:      m.Schema,
			Account:     m.Account.String(),
			FromVersion: m.FromVersion,
			ToVersion:   m.ToVersion,
			Steps:       m.StepsApplied,
			Error:       stepErr.Error(),
		})
		return rec, stepErr
	}

	_ = m.transition(StatusCompleted)
	e.remember(m)
	e.bus.Emit(events.TypeMigrationCompleted, events.MigrationData{
		ID:          m.ID,
		Schema:      m.Schema,
		Account:     m.Account.String(),
		FromVersion: m.FromVersion,
		ToVersion:   m.ToVersion,
		Steps:       m.StepsApplied,
	})
	e.logger.Info("migration completed",
		"migration_id", m.ID,
		"schema", m.Schema,
		"account", m.Account.Short(),
		"from", m.FromVersion,
		"to", m.ToVersion,
		"steps", m.StepsApplied,
	)

	return &record.Record{
		Account: rec.Account,
		Value:   current,
		Meta: record.Metadata{
			SchemaName:    plan.Schema,
			SchemaVersion: plan.ToVersion,
			LastUpdate:    time.Now(),
			Slot:          rec.Meta.Slot,
			Owner:         rec.Meta.Owner,
		},
	}, nil
}

// applyWithRetry runs one step, re-attempting after a pause when
// retries are configured. The step timeout bounds all attempts and
// delays together. The step output must validate against the target
// schema version before it counts as applied.
func (e *Engine) applyWithRetry(ctx context.Context, step *Step, v record.Value) (record.Value, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return record.Value{}, ctx.Err()
			case <-timer.C:
			}
		}

		next, err := applyStep(step, v, e.strictNarrowing)
		if err == nil {
			err = e.codec.Validate(step.To, next)
			if err == nil {
				return next, nil
			}
		}
		lastErr = err
	}
	return record.Value{}, lastErr
}

// Get returns a snapshot of a tracked migration by ID.
func (e *Engine) Get(id string) (*Migration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.history[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// History returns snapshots of the tracked migrations, oldest first.
func (e *Engine) History() []*Migration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Migration, 0, len(e.order))
	for _, id := range e.order {
		if m, ok := e.history[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// remember stores a snapshot of the migration's current state,
// evicting the oldest entries past the history limit.
func (e *Engine) remember(m *Migration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.history[m.ID]; !ok {
		e.order = append(e.order, m.ID)
	}
	cp := *m
	e.history[m.ID] = &cp
	for len(e.order) > historyLimit {
		delete(e.history, e.order[0])
		e.order = e.order[1:]
	}
}
