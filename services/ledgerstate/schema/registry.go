// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ledgerstate.schema")

// RegisterOptions controls one registration call.
type RegisterOptions struct {
	// Strict additionally rejects definitions that no field references.
	Strict bool
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// Registry owns every registered schema version.
//
// Description:
//
//	The registry is the source of truth for record types. A (name,
//	version) pair is write-once: registration validates exhaustively,
//	stores a frozen deep copy with definition references inlined, and
//	never allows mutation afterward. Readers receive the stored
//	pointer and must treat it as immutable.
//
// Thread Safety:
//
//	Safe for concurrent use. A single RWMutex guards the maps; all
//	validation happens outside the critical section.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[uint32]*Schema
	latest  map[string]uint32
	logger  *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		schemas: make(map[string]map[uint32]*Schema),
		latest:  make(map[string]uint32),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a schema version.
//
// Description:
//
//	Validation is exhaustive: every structural violation in the
//	definition is reported in one *ValidationError rather than just
//	the first. On success the registry stores a frozen deep copy with
//	references inlined; the caller's schema value is never retained.
//
// Inputs:
//   - ctx: carries the trace span.
//   - s: the schema to register.
//   - opts: registration options (strict mode).
//
// Outputs:
//   - error: *ValidationError for definition problems,
//     ErrAlreadyRegistered when the (name, version) pair exists, nil
//     on success.
func (r *Registry) Register(ctx context.Context, s *Schema, opts RegisterOptions) error {
	_, span := tracer.Start(ctx, "Registry.Register")
	defer span.End()

	if s == nil {
		err := &ValidationError{Violations: Validate(nil, false)}
		span.SetStatus(codes.Error, "nil schema")
		return err
	}
	span.SetAttributes(
		attribute.String("schema.name", s.Name),
		attribute.Int64("schema.version", int64(s.Version)),
		attribute.Bool("schema.strict", opts.Strict),
	)

	if violations := Validate(s, opts.Strict); len(violations) > 0 {
		err := &ValidationError{Schema: s.Name, Version: s.Version, Violations: violations}
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return err
	}
	frozen := Inline(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.schemas[frozen.Name]
	if !ok {
		versions = make(map[uint32]*Schema)
		r.schemas[frozen.Name] = versions
	}
	if _, taken := versions[frozen.Version]; taken {
		err := fmt.Errorf("register %s: %w", frozen.Key(), ErrAlreadyRegistered)
		span.RecordError(err)
		span.SetStatus(codes.Error, "duplicate version")
		return err
	}
	versions[frozen.Version] = frozen
	if current, ok := r.latest[frozen.Name]; !ok || frozen.Version > current {
		r.latest[frozen.Name] = frozen.Version
	}

	r.logger.Info("schema registered",
		"schema", frozen.Name,
		"version", frozen.Version,
		"fields", len(frozen.Fields),
		"discriminator", frozen.HasDiscriminator(),
	)
	return nil
}

// Get returns the latest registered version of a schema.
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", name, ErrSchemaNotFound)
	}
	return r.schemas[name][version], nil
}

// GetVersion returns one specific registered version.
func (r *Registry) GetVersion(name string, version uint32) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", name, ErrSchemaNotFound)
	}
	s, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("get %s@%d: %w", name, version, ErrVersionNotFound)
	}
	return s, nil
}

// Versions returns all registered versions of a schema in ascending
// order.
func (r *Registry) Versions(name string) ([]uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("versions %q: %w", name, ErrSchemaNotFound)
	}
	out := make([]uint32, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Names returns every registered schema name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CompatibilityCheck computes the field-level compatibility report
// between two schemas under the lattice in compat.go.
func (r *Registry) CompatibilityCheck(ctx context.Context, a, b *Schema) (*Compatibility, error) {
	_, span := tracer.Start(ctx, "Registry.CompatibilityCheck")
	defer span.End()

	if a == nil || b == nil {
		err := fmt.Errorf("compatibility check: both schemas must be non-nil")
		span.SetStatus(codes.Error, "nil schema")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("schema.from", a.Key()),
		attribute.String("schema.to", b.Key()),
	)

	report := Check(a, b)
	span.SetAttributes(
		attribute.Bool("compat.compatible", report.Compatible),
		attribute.Int("compat.breaking", len(report.BreakingChanges)),
	)
	return report, nil
}

// CheckVersions fetches two registered versions of one schema and
// compares them.
func (r *Registry) CheckVersions(ctx context.Context, name string, from, to uint32) (*Compatibility, error) {
	a, err := r.GetVersion(name, from)
	if err != nil {
		return nil, err
	}
	b, err := r.GetVersion(name, to)
	if err != nil {
		return nil, err
	}
	return r.CompatibilityCheck(ctx, a, b)
}
