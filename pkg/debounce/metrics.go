// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debounce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	edgeLeading  = "leading"
	edgeTrailing = "trailing"
	edgeMaxWait  = "max_wait"
	edgeFlush    = "flush"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltarepo_debounce_calls_total",
		Help: "Total debounced calls by debouncer name",
	}, []string{"name"})

	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltarepo_debounce_invocations_total",
		Help: "Total wrapped function invocations by debouncer name and edge",
	}, []string{"name", "edge"})

	cancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltarepo_debounce_cancellations_total",
		Help: "Total pending invocations discarded by Cancel",
	}, []string{"name"})
)
