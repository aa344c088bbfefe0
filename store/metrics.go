// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	blocksInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_store_blocks_inserted_total",
		Help: "Total block records written",
	})

	blockSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_store_block_splits_total",
		Help: "Total block splits performed",
	})

	blockMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_store_block_merges_total",
		Help: "Total adjacent blocks squashed",
	})

	overflowPayloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_store_overflow_payloads_total",
		Help: "Total payloads spilled to the overflow content table",
	})

	internCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_store_intern_collisions_total",
		Help: "Total interned string hash collisions detected",
	})
)
