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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Synchronizer
// =============================================================================

var (
	// syncTrackedGauge tracks accounts currently under management.
	syncTrackedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "sync",
		Name:      "tracked_accounts",
		Help:      "Accounts currently tracked by the synchronizer",
	})

	// syncErroredGauge tracks accounts whose automatic retry stopped.
	syncErroredGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerstate",
		Subsystem: "sync",
		Name:      "errored_accounts",
		Help:      "Tracked accounts stuck in the error state",
	})

	// syncUpdatesTotal counts processed updates by outcome.
	// Labels: result (committed, stale, failed)
	syncUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "sync",
		Name:      "updates_total",
		Help:      "Total remote updates processed by outcome",
	}, []string{"result"})

	// syncRetriesTotal counts scheduled retry attempts.
	syncRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerstate",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Total sync retries scheduled after failed attempts",
	})

	// syncRefreshDuration measures source read latency for initial
	// loads, polls, and forced resyncs.
	syncRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgerstate",
		Subsystem: "sync",
		Name:      "refresh_duration_seconds",
		Help:      "Latency of ledger source reads",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)
