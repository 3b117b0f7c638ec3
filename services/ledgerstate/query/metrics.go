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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Query Manager
// =============================================================================

var (
	// queriesTotal counts queries by cache outcome.
	// Labels: schema, result (hit, miss, negative)
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Total queries by cache outcome",
	}, []string{"schema", "result"})

	// executeDuration measures executed (non-cached) query latency,
	// including record materialization.
	// Labels: schema
	executeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerstate",
		Subsystem: "query",
		Name:      "execute_duration_seconds",
		Help:      "Executed query latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"schema"})

	// cacheEntries tracks the live result cache size.
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "query",
		Name:      "cache_entries",
		Help:      "Live entries in the query result cache",
	})

	// cacheSweeps counts expired entries dropped by the background sweep.
	cacheSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "query",
		Name:      "cache_swept_total",
		Help:      "Total expired result cache entries dropped by sweeps",
	})
)
