// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keyqueue serializes work per key. At most one function runs
// for a given key at a time; callers for the same key queue in FIFO
// order, callers for different keys proceed in parallel. Entries are
// dropped as soon as the last holder or waiter for a key is gone, so
// the queue's footprint tracks live contention, not key history.
package keyqueue

import (
	"context"
	"log/slog"
	"sync"
)

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// entry is the serialization point for one key. The channel holds the
// token: a successful send acquires, draining releases. Blocked
// senders are serviced in FIFO order by the runtime, which gives
// waiters their queue position for free.
type entry struct {
	ch      chan struct{}
	waiters int
}

// Queue runs at most one function per key at a time.
//
// Thread Safety:
//
//	Safe for concurrent use. The mutex guards only the entry map;
//	waiting happens on per-key channels so contention on one key
//	never blocks another.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

// New constructs an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Do runs fn while holding the key's slot.
//
// Description:
//
//	Blocks until every earlier caller for the same key has finished,
//	then runs fn. Waiting respects the context: a cancelled caller
//	leaves the queue without running and without disturbing the
//	callers behind it. fn runs exactly once on success and not at
//	all on a cancelled wait.
//
// Outputs:
//   - error: the context error when the wait is abandoned, otherwise
//     whatever fn returns.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := q.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// acquire takes the key's slot, creating the entry on first use.
func (q *Queue) acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		q.entries[key] = e
	}
	e.waiters++
	q.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		q.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			q.drop(key, e)
		})
	}
	return release, nil
}

// drop removes one holder or waiter and deletes the entry when the
// key goes idle. The identity check covers the case where a new
// entry was created for the key after this one was already deleted.
func (q *Queue) drop(key string, e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.waiters--
	if e.waiters == 0 {
		if cur, ok := q.entries[key]; ok && cur == e {
			delete(q.entries, key)
		}
	}
}

// Len returns the number of keys with a holder or waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns how many callers currently hold or wait on a key,
// zero when the key is idle.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		return e.waiters
	}
	return 0
}
