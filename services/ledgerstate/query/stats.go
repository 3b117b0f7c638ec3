// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the manager's rolling counters. They exist
// for observability and are never enforced as limits.
type Stats struct {
	TotalQueries int64
	CacheHits    int64
	CacheMisses  int64

	// NegativeHits counts queries answered from a remembered loader
	// failure instead of re-driving the loader.
	NegativeHits int64

	// Execution times cover executed queries only; cache hits do not
	// contribute.
	AvgExecution time.Duration
	MinExecution time.Duration
	MaxExecution time.Duration

	CacheEntries int
}

// rollingStats accumulates counters with atomics on the hot paths
// and a mutex only around the min/max/total-duration trio.
type rollingStats struct {
	total    int64
	hits     int64
	misses   int64
	negative int64

	mu       sync.Mutex
	executed int64
	totalDur time.Duration
	minDur   time.Duration
	maxDur   time.Duration
}

func (s *rollingStats) hit() {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.hits, 1)
}

func (s *rollingStats) miss() {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.misses, 1)
}

func (s *rollingStats) negativeHit() {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.negative, 1)
}

// executedIn records one real execution. Concurrent identical queries
// collapse into a single execution, so this can run fewer times than
// miss does.
func (s *rollingStats) executedIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	s.totalDur += d
	if s.minDur == 0 || d < s.minDur {
		s.minDur = d
	}
	if d > s.maxDur {
		s.maxDur = d
	}
}

func (s *rollingStats) snapshot(cacheEntries int) Stats {
	out := Stats{
		TotalQueries: atomic.LoadInt64(&s.total),
		CacheHits:    atomic.LoadInt64(&s.hits),
		CacheMisses:  atomic.LoadInt64(&s.misses),
		NegativeHits: atomic.LoadInt64(&s.negative),
		CacheEntries: cacheEntries,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executed > 0 {
		out.AvgExecution = s.totalDur / time.Duration(s.executed)
	}
	out.MinExecution = s.minDur
	out.MaxExecution = s.maxDur
	return out
}
