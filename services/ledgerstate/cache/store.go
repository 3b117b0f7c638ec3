// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
)

// SnapshotStore persists whole cache snapshots. Implementations own
// durability; the cache owns the container format and its
// verification.
type SnapshotStore interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, data []byte) error

	// Load returns the stored snapshot, or ErrNoSnapshot when
	// nothing has been saved.
	Load(ctx context.Context) ([]byte, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is an in-process SnapshotStore for tests and ephemeral
// deployments.
//
// Thread Safety: MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
