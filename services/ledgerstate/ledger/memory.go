// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLedger/services/ledgerstate/record"
)

type memRecord struct {
	payload []byte
	meta    Meta
}

type memSub struct {
	id record.AccountID
	fn NotifyFunc
}

// MemorySource is an in-process Source driven by SetRecord. Tests
// and examples use it as a stand-in ledger.
//
// Thread Safety: MemorySource is safe for concurrent use.
// Notifications are delivered synchronously from SetRecord's caller.
type MemorySource struct {
	mu      sync.Mutex
	records map[record.AccountID]memRecord
	subs    map[string]memSub
	closed  bool
}

// NewMemorySource builds an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		records: make(map[record.AccountID]memRecord),
		subs:    make(map[string]memSub),
	}
}

// SetRecord stores a payload for id and notifies its subscribers.
// The payload is copied; callers may reuse the slice.
func (s *MemorySource) SetRecord(id record.AccountID, payload []byte, meta Meta) {
	stored := memRecord{payload: append([]byte(nil), payload...), meta: meta}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.records[id] = stored
	var notify []NotifyFunc
	for _, sub := range s.subs {
		if sub.id == id {
			notify = append(notify, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(id, append([]byte(nil), stored.payload...), stored.meta)
	}
}

// DeleteRecord removes the stored payload for id. Subscribers are
// not notified; a vanished account surfaces as ErrNotFound on the
// next read.
func (s *MemorySource) DeleteRecord(id record.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

func (s *MemorySource) GetRecord(ctx context.Context, id record.AccountID) ([]byte, Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, Meta{}, ErrClosed
	}
	r, ok := s.records[id]
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	return append([]byte(nil), r.payload...), r.meta, nil
}

func (s *MemorySource) Subscribe(ctx context.Context, id record.AccountID, fn NotifyFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	handle := uuid.New().String()
	s.subs[handle] = memSub{id: id, fn: fn}
	return handle, nil
}

func (s *MemorySource) Unsubscribe(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[handle]; !ok {
		return ErrUnknownSubscription
	}
	delete(s.subs, handle)
	return nil
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[string]memSub)
	return nil
}

// SubscriberCount reports live subscriptions, for tests.
func (s *MemorySource) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
