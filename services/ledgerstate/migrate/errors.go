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
	"errors"
	"fmt"
)

var (
	// ErrAlreadyAtTarget is returned when a record already carries
	// the requested schema version.
	ErrAlreadyAtTarget = errors.New("record already at target version")

	// ErrNoPath is returned when an intermediate schema version is
	// not registered, so no single-step chain reaches the target.
	ErrNoPath = errors.New("no registered path to target version")

	// ErrDowngrade is returned for targets below the record's
	// current version.
	ErrDowngrade = errors.New("downgrade migrations are not supported")

	// ErrInvalidTransition is returned for migration state changes
	// outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid migration state transition")
)

// TransitionError reports a forbidden lifecycle move.
type TransitionError struct {
	MigrationID string
	From        Status
	To          Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("migration %s: %s: %s -> %s", e.MigrationID, ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Error reports a migration that could not be planned or executed.
// Step is 1-based within the plan, 0 when the failure predates step
// execution.
type Error struct {
	MigrationID string
	Schema      string
	Step        int
	Field       string
	Reason      string

	// Cause is the underlying failure, when one exists.
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("migration %s: schema %s", e.MigrationID, e.Schema)
	if e.Step > 0 {
		msg = fmt.Sprintf("%s: step %d", msg, e.Step)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field %s", msg, e.Field)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }
