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
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Status is the lifecycle state of one migration.
//
// The state machine enforces the following transition graph:
//
//	PLANNED → EXECUTING     : Execute starts applying steps
//	EXECUTING → COMPLETED   : Every step applied and validated
//	EXECUTING → ROLLED_BACK : A step failed, original record restored
//	EXECUTING → FAILED      : A step failed, partial result kept
//
// Terminal states have no outgoing transitions.
type Status string

const (
	StatusPlanned    Status = "PLANNED"
	StatusExecuting  Status = "EXECUTING"
	StatusCompleted  Status = "COMPLETED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusFailed     Status = "FAILED"
)

// validTransitions maps (from, to) pairs that are valid.
var validTransitions = map[Status]map[Status]bool{
	StatusPlanned: {
		StatusExecuting: true,
	},
	StatusExecuting: {
		StatusCompleted:  true,
		StatusRolledBack: true,
		StatusFailed:     true,
	},
}

// CanTransition checks if a migration may move between two states.
func CanTransition(from, to Status) bool {
	if toMap, ok := validTransitions[from]; ok {
		return toMap[to]
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// Migration is the tracked lifecycle of one executed plan.
type Migration struct {
	// ID matches the plan that produced this migration.
	ID string

	Schema      string
	Account     record.AccountID
	FromVersion uint32
	ToVersion   uint32

	Status       Status
	StepsApplied int
	StartedAt    time.Time
	FinishedAt   time.Time

	// Err holds the failure message for ROLLED_BACK and FAILED
	// migrations.
	Err string
}

// transition moves the migration to a new state or returns a
// *TransitionError. The caller owns the migration; the engine's
// history only ever holds snapshots.
func (m *Migration) transition(to Status) error {
	if !CanTransition(m.Status, to) {
		return &TransitionError{MigrationID: m.ID, From: m.Status, To: to}
	}
	m.Status = to
	if to.IsTerminal() {
		m.FinishedAt = time.Now()
	}
	return nil
}
