// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keyqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSerializesSameKey(t *testing.T) {
	q := New()
	ctx := context.Background()

	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(ctx, "acct-1", func(context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					cur := atomic.LoadInt64(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Errorf("max in-flight for one key = %d, want 1", got)
	}
}

func TestDoParallelAcrossKeys(t *testing.T) {
	q := New()
	ctx := context.Background()

	// Both bodies must be running at once to release each other.
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for _, key := range []string{"acct-1", "acct-2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = q.Do(ctx, key, func(context.Context) error {
				select {
				case gate <- struct{}{}:
				case <-gate:
				}
				return nil
			})
		}(key)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("different keys blocked each other")
	}
}

func TestDoReturnsFnError(t *testing.T) {
	q := New()
	want := errors.New("boom")
	err := q.Do(context.Background(), "k", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Do = %v, want %v", err, want)
	}
}

func TestDoCancelledWaiterLeavesQueue(t *testing.T) {
	q := New()
	ctx := context.Background()

	holding := make(chan struct{})
	releaseHolder := make(chan struct{})
	go func() {
		_ = q.Do(ctx, "k", func(context.Context) error {
			close(holding)
			<-releaseHolder
			return nil
		})
	}()
	<-holding

	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(waitCtx, "k", func(context.Context) error {
			t.Error("cancelled waiter must not run")
			return nil
		})
	}()

	// Wait until the second caller is queued, then cancel it.
	for i := 0; i < 200 && q.Pending("k") < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled waiter error = %v, want context.Canceled", err)
	}

	// The holder is unaffected and the key goes idle after release.
	close(releaseHolder)
	for i := 0; i < 200 && q.Len() != 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if q.Len() != 0 {
		t.Errorf("queue should drop idle keys, still tracking %d", q.Len())
	}
}

func TestDoPreCancelledContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, "k", func(context.Context) error {
		t.Error("fn must not run with a dead context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if q.Len() != 0 {
		t.Errorf("pre-cancelled call should not leave an entry, got %d", q.Len())
	}
}

func TestPendingCounts(t *testing.T) {
	q := New()
	if q.Pending("k") != 0 {
		t.Errorf("idle key Pending = %d, want 0", q.Pending("k"))
	}

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	if got := q.Pending("k"); got != 1 {
		t.Errorf("Pending with one holder = %d, want 1", got)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
	close(release)
}

func TestDoSequentialReuseSameKey(t *testing.T) {
	q := New()
	ctx := context.Background()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if err := q.Do(ctx, "k", func(context.Context) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("Do %d: %v", i, err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if q.Len() != 0 {
		t.Errorf("no-contention key should not persist, Len = %d", q.Len())
	}
}
