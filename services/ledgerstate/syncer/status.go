// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

// Status describes where one tracked account sits in its sync
// lifecycle.
type Status int32

const (
	// StatusSyncing means the account is tracked but the local mirror
	// is not yet confirmed current: the initial load, a retry, or the
	// first remote materialization is still outstanding.
	StatusSyncing Status = iota

	// StatusSynchronized means the mirror holds the newest remote
	// state the source has reported.
	StatusSynchronized

	// StatusError means synchronization failed repeatedly and
	// automatic retry has stopped. Only ForceSyncAccount or a restart
	// of tracking leaves this state.
	StatusError
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusSyncing:
		return "syncing"
	case StatusSynchronized:
		return "synchronized"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether the status halts automatic retry.
func (s Status) Terminal() bool {
	return s == StatusError
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ParseStatus maps a wire name back to its Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "syncing":
		return StatusSyncing, nil
	case "synchronized":
		return StatusSynchronized, nil
	case "error":
		return StatusError, nil
	default:
		return 0, fmt.Errorf("unknown sync status %q", name)
	}
}

// AccountState is a point-in-time snapshot of one tracked account.
//
// Description:
//
//	Slot is the highest source sequence number committed to the
//	mirror, zero until the first commit. RetryCount counts failed
//	attempts since the last successful commit and resets on commit
//	and on ForceSyncAccount.
type AccountState struct {
	Account    record.AccountID `json:"account"`
	Schema     string           `json:"schema"`
	Slot       uint64           `json:"slot"`
	LastUpdate time.Time        `json:"last_update"`
	Status     Status           `json:"status"`
	RetryCount int              `json:"retry_count"`
}
