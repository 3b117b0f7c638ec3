// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the engine's read-only boundary to the remote
// record source.
//
// A Source serves point reads and change subscriptions for raw
// account payloads. The engine never constructs transactions or
// writes through this boundary; it reads and reacts. Three
// implementations ship here: MemorySource for tests and examples,
// DirSource watching a directory of record files for development,
// and WSSource speaking JSON-RPC 2.0 over a WebSocket to a live
// ledger node.
//
// Delivery is at-least-once and unordered. Duplicate and stale
// notifications are expected; consumers discard them by slot.
package ledger

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

var (
	// ErrNotFound is returned when the source has no record for the
	// requested account.
	ErrNotFound = errors.New("record not found on ledger")

	// ErrClosed is returned for operations on a closed source.
	ErrClosed = errors.New("ledger source is closed")

	// ErrUnknownSubscription is returned when unsubscribing a handle
	// the source did not issue or has already released.
	ErrUnknownSubscription = errors.New("unknown subscription handle")
)

// Meta is the provenance a source reports alongside a payload.
type Meta struct {
	// Slot is the source sequence number the payload was observed
	// at. Monotonic per account on a well-behaved source, but
	// deliveries may still arrive out of order.
	Slot uint64

	// Owner is the program or authority owning the account, when the
	// source reports one.
	Owner record.AccountID
}

// NotifyFunc receives change notifications for a subscribed account.
//
// Description:
//
//	Called from the source's delivery goroutine. Implementations
//	must not block for long and must tolerate duplicates and stale
//	slots. The payload slice is owned by the callee.
type NotifyFunc func(id record.AccountID, payload []byte, meta Meta)

// Source is a remote record source.
//
// Thread Safety: implementations are safe for concurrent use.
type Source interface {
	// GetRecord fetches the current raw payload for id, or
	// ErrNotFound.
	GetRecord(ctx context.Context, id record.AccountID) ([]byte, Meta, error)

	// Subscribe registers fn for change notifications on id and
	// returns an opaque handle.
	Subscribe(ctx context.Context, id record.AccountID, fn NotifyFunc) (string, error)

	// Unsubscribe releases a handle issued by Subscribe.
	Unsubscribe(handle string) error

	// Close releases the source. Registered callbacks are dropped.
	Close() error
}
