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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Cache Manager
// =============================================================================

var (
	// cacheEntriesGauge tracks live entries.
	cacheEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Live record cache entries",
	})

	// cacheBytesGauge tracks the accounted footprint of live entries.
	cacheBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "bytes",
		Help:      "Accounted bytes held by the record cache",
	})

	// cacheReads counts lookups by outcome.
	// Labels: result (hit, miss)
	cacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Total cache reads by outcome",
	}, []string{"result"})

	// cacheEvictionsTotal counts dropped entries.
	// Labels: reason (capacity, expired)
	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total cache entries evicted by reason",
	}, []string{"reason"})

	// sealDuration measures pool task latency.
	// Labels: op (seal, open)
	sealDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "seal_duration_seconds",
		Help:      "Seal pool task latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"op"})

	// sealTimeouts counts abandoned pool tasks.
	// Labels: op (seal, open)
	sealTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "seal_timeouts_total",
		Help:      "Total seal pool tasks abandoned past their deadline",
	}, []string{"op"})

	// sealRejections counts tasks the full queue never accepted.
	// Labels: op (seal, open)
	sealRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "seal_rejections_total",
		Help:      "Total seal pool tasks rejected by a full queue",
	}, []string{"op"})

	// snapshotBytes tracks the size of the last persisted snapshot.
	snapshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "cache",
		Name:      "snapshot_bytes",
		Help:      "Size of the last persisted cache snapshot",
	})
)
