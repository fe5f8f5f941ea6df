// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("deltarepo.persist")

// Flush and save outcomes.
const (
	outcomeSaved    = "saved"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
	outcomeError    = "error"
)

var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltarepo_sync_flushes_total",
		Help: "Syncer flushes that reached the squash step, by outcome",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deltarepo_sync_retries_total",
		Help: "Flushes re-armed after a sink error",
	})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltarepo_reconcile_saves_total",
		Help: "Reconciler saves by outcome",
	}, []string{"outcome"})
)
