// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/schema"
)

// Conversion describes how one surviving field is rewritten by a
// step.
type Conversion struct {
	// From is the field's type in the source version.
	From schema.FieldType

	// To is the field's definition in the target version.
	To schema.Field

	// Narrowing marks lossy conversions: a numeric width reduction
	// or an element-count reduction. They truncate unless the engine
	// runs with strict narrowing.
	Narrowing bool

	// Elem rewrites array elements, nil when elements are unchanged.
	Elem *Conversion

	// Nested rewrites the members of a struct field, nil for scalar
	// conversions.
	Nested *Step
}

// Step moves a record one schema version forward.
type Step struct {
	FromVersion uint32
	ToVersion   uint32

	// To is the frozen target schema. Transformed values validate
	// against it before the step commits.
	To *schema.Schema

	// Adds are fields introduced by the target version. Required
	// additions and additions with defaults are seeded; optional
	// additions without defaults stay absent.
	Adds []schema.Field

	// Drops are fields the target version no longer declares.
	Drops []string

	// Converts rewrite surviving fields whose types changed.
	Converts []Conversion
}

// Plan is an ordered chain of single-version steps connecting a
// record's current schema version to a target version.
type Plan struct {
	ID          string
	Schema      string
	Account     record.AccountID
	FromVersion uint32
	ToVersion   uint32
	Steps       []Step
	CreatedAt   time.Time
}

// Counts sums the field work across all steps.
func (p *Plan) Counts() (adds, drops, converts int) {
	for i := range p.Steps {
		adds += len(p.Steps[i].Adds)
		drops += len(p.Steps[i].Drops)
		converts += len(p.Steps[i].Converts)
	}
	return adds, drops, converts
}

// Estimate is the projected cost of a plan without applying it.
type Estimate struct {
	Steps            int
	AddedFields      int
	DroppedFields    int
	ConvertedFields  int
	LossyConversions int

	// Encoded record size before and after, from the layouts of the
	// source and target schema versions.
	BytesBefore int
	BytesAfter  int
}

// Plan builds the single-version step chain from a record's current
// version to the target.
//
// Description:
//
//	Walks the registry one version at a time; every intermediate
//	version must be registered or the plan fails with ErrNoPath.
//	Each step is generated by diffing adjacent schema versions:
//	added fields seed their default or a zero value, removed fields
//	drop, and same-signedness numeric changes become conversions.
//	Signedness flips, kind changes, and anything the engine cannot
//	rewrite mechanically fail the plan.
//
// Outputs:
//   - *Plan: the executable step chain.
//   - error: ErrAlreadyAtTarget, ErrDowngrade, ErrNoPath, or an
//     *Error naming the field that cannot be converted.
func (e *Engine) Plan(ctx context.Context, rec *record.Record, target uint32) (*Plan, error) {
	_, span := tracer.Start(ctx, "migrate.plan")
	defer span.End()

	if rec == nil {
		err := &Error{Reason: "nil record"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	name := rec.Meta.SchemaName
	current := rec.Meta.SchemaVersion
	span.SetAttributes(
		attribute.String("schema.name", name),
		attribute.Int64("migrate.from", int64(current)),
		attribute.Int64("migrate.to", int64(target)),
	)

	if target == current {
		err := fmt.Errorf("%s@%d: %w", name, target, ErrAlreadyAtTarget)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if target < current {
		err := fmt.Errorf("%s %d -> %d: %w", name, current, target, ErrDowngrade)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	steps := make([]Step, 0, target-current)
	for v := current; v < target; v++ {
		from, err := e.registry.GetVersion(name, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s@%d is not registered", ErrNoPath, name, v)
		}
		to, err := e.registry.GetVersion(name, v+1)
		if err != nil {
			return nil, fmt.Errorf("%w: %s@%d is not registered", ErrNoPath, name, v+1)
		}

		adds, drops, converts, err := planFields(from, to)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unplannable step")
			return nil, fmt.Errorf("plan %s %d -> %d: %w", name, v, v+1, err)
		}
		steps = append(steps, Step{
			FromVersion: v,
			ToVersion:   v + 1,
			To:          to,
			Adds:        adds,
			Drops:       drops,
			Converts:    converts,
		})
	}

	plan := &Plan{
		ID:          uuid.NewString(),
		Schema:      name,
		Account:     rec.Account,
		FromVersion: current,
		ToVersion:   target,
		Steps:       steps,
		CreatedAt:   time.Now(),
	}

	adds, drops, converts := plan.Counts()
	span.SetAttributes(attribute.Int("migrate.steps", len(steps)))
	e.logger.Debug("migration planned",
		"migration_id", plan.ID,
		"schema", name,
		"from", current,
		"to", target,
		"steps", len(steps),
		"adds", adds,
		"drops", drops,
		"converts", converts,
	)
	return plan, nil
}

// DryRun plans a migration and estimates its cost without touching
// the record: step count, field work, lossy conversions, and the
// encoded byte-size delta between the source and target layouts.
func (e *Engine) DryRun(ctx context.Context, rec *record.Record, target uint32) (*Estimate, error) {
	ctx, span := tracer.Start(ctx, "migrate.dry_run")
	defer span.End()

	plan, err := e.Plan(ctx, rec, target)
	if err != nil {
		span.SetStatus(codes.Error, "plan failed")
		return nil, err
	}

	est := &Estimate{Steps: len(plan.Steps)}
	est.AddedFields, est.DroppedFields, est.ConvertedFields = plan.Counts()
	for i := range plan.Steps {
		for j := range plan.Steps[i].Converts {
			if plan.Steps[i].Converts[j].Narrowing {
				est.LossyConversions++
			}
		}
	}

	if fromS, err := e.registry.GetVersion(plan.Schema, plan.FromVersion); err == nil {
		if l, err := e.layouts.Compute(ctx, fromS); err == nil {
			est.BytesBefore = l.TotalSize
		}
	}
	if toS, err := e.registry.GetVersion(plan.Schema, plan.ToVersion); err == nil {
		if l, err := e.layouts.Compute(ctx, toS); err == nil {
			est.BytesAfter = l.TotalSize
		}
	}

	span.SetAttributes(
		attribute.Int("migrate.steps", est.Steps),
		attribute.Int("migrate.bytes_delta", est.BytesAfter-est.BytesBefore),
	)
	return est, nil
}

// planFields diffs two adjacent schema versions into the add, drop,
// and convert work a step must perform.
func planFields(from, to *schema.Schema) (adds []schema.Field, drops []string, converts []Conversion, err error) {
	rep := schema.Check(from, to)

	for _, name := range rep.AddedFields {
		if f, ok := to.FieldByName(name); ok {
			adds = append(adds, f)
		}
	}
	drops = append(drops, rep.RemovedFields...)

	for _, name := range rep.ModifiedFields {
		ff, okFrom := from.FieldByName(name)
		tf, okTo := to.FieldByName(name)
		if !okFrom || !okTo {
			continue
		}
		cnv, cerr := conversionFor(&ff, &tf)
		if cerr != nil {
			return nil, nil, nil, cerr
		}
		if cnv != nil {
			converts = append(converts, *cnv)
		}
	}
	return adds, drops, converts, nil
}

// conversionFor decides how a surviving field's value moves to its
// new type, or reports that no mechanical conversion exists.
func conversionFor(ff, tf *schema.Field) (*Conversion, error) {
	fk, tk := ff.Type.Kind, tf.Type.Kind

	switch {
	case fk.IsNumeric() && tk.IsNumeric():
		if fk.IsUnsigned() != tk.IsUnsigned() {
			return nil, &Error{Field: tf.Name, Reason: fmt.Sprintf("signedness change %s -> %s has no mechanical conversion", fk, tk)}
		}
		if fk == tk {
			return nil, nil
		}
		return &Conversion{From: ff.Type, To: *tf, Narrowing: tk.Bits() < fk.Bits()}, nil

	case fk == record.KindStruct && tk == record.KindStruct:
		if ff.Type.Schema == nil || tf.Type.Schema == nil {
			return nil, &Error{Field: tf.Name, Reason: "unresolved nested schema"}
		}
		adds, drops, converts, err := planFields(ff.Type.Schema, tf.Type.Schema)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", tf.Name, err)
		}
		if len(adds) == 0 && len(drops) == 0 && len(converts) == 0 {
			return nil, nil
		}
		return &Conversion{
			From:      ff.Type,
			To:        *tf,
			Narrowing: anyNarrowing(converts),
			Nested:    &Step{To: tf.Type.Schema, Adds: adds, Drops: drops, Converts: converts},
		}, nil

	case fk == record.KindArray && tk == record.KindArray:
		if ff.Type.Elem == nil || tf.Type.Elem == nil {
			return nil, &Error{Field: tf.Name, Reason: "array without an element type"}
		}
		fe := schema.Field{Name: ff.Name + "[]", Type: *ff.Type.Elem}
		te := schema.Field{Name: tf.Name + "[]", Type: *tf.Type.Elem}
		elemCnv, err := conversionFor(&fe, &te)
		if err != nil {
			return nil, err
		}

		shrunk := tf.ArrayCap() < ff.ArrayCap() || (tf.Type.Len > 0 && ff.Type.Len == 0)
		resized := ff.Type.Len != tf.Type.Len || ff.ArrayCap() != tf.ArrayCap()
		if elemCnv == nil && !resized {
			return nil, nil
		}
		return &Conversion{
			From:      ff.Type,
			To:        *tf,
			Narrowing: shrunk || (elemCnv != nil && elemCnv.Narrowing),
			Elem:      elemCnv,
		}, nil

	case fk == tk:
		// Constraint or required-flag change; values move untouched
		// and the per-step validation enforces the new rules.
		return nil, nil

	default:
		return nil, &Error{Field: tf.Name, Reason: fmt.Sprintf("kind change %s -> %s has no mechanical conversion", fk, tk)}
	}
}

func anyNarrowing(converts []Conversion) bool {
	for i := range converts {
		if converts[i].Narrowing {
			return true
		}
	}
	return false
}
