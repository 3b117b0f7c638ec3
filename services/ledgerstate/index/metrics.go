// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Indexer
// =============================================================================

var (
	// indexEntries tracks the live entry count per schema.
	// Labels: schema
	indexEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "index",
		Name:      "entries",
		Help:      "Live index entries per schema",
	}, []string{"schema"})

	// indexUpdates counts entry inserts and replacements.
	// Labels: schema
	indexUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "index",
		Name:      "updates_total",
		Help:      "Total index entry inserts and replacements",
	}, []string{"schema"})

	// indexEvictions counts capacity evictions.
	// Labels: schema
	indexEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "index",
		Name:      "evictions_total",
		Help:      "Total entries evicted past the capacity bound",
	}, []string{"schema"})

	// queryDuration measures index query latency.
	// Labels: schema, path (secondary, scan)
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerstate",
		Subsystem: "index",
		Name:      "query_duration_seconds",
		Help:      "Index query latency in seconds",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"schema", "path"})
)
