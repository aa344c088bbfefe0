// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksIntegratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_doc_blocks_integrated_total",
		Help: "Total number of blocks integrated into documents.",
	})

	conflictsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_doc_conflicts_resolved_total",
		Help: "Total number of insertions that required a conflict scan.",
	})

	deletesAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_doc_deletes_applied_total",
		Help: "Total number of blocks tombstoned.",
	})

	pendingStashedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_doc_pending_stashed_total",
		Help: "Total number of blocks stashed while waiting for missing dependencies.",
	})

	pendingIntegratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_doc_pending_integrated_total",
		Help: "Total number of stashed blocks integrated after their dependencies arrived.",
	})

	updateApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kodiak_doc_update_apply_duration_seconds",
		Help:    "Time spent applying a remote update, including pending retries.",
		Buckets: prometheus.DefBuckets,
	})
)
