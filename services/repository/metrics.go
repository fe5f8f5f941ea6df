// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/AleutianAI/deltarepo/services/repository"

// Reduction modes recorded on the reductions counter.
const (
	reduceFull        = "full"
	reduceIncremental = "incremental"
)

// storeMetrics holds a ModelStore's instruments. A nil *storeMetrics
// records nothing.
type storeMetrics struct {
	reductions metric.Int64Counter
	created    metric.Int64Counter
	deleted    metric.Int64Counter
}

// newStoreMetrics creates the instruments on mp. Nil mp uses the global
// provider.
func newStoreMetrics(mp metric.MeterProvider) (*storeMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	reductions, err := meter.Int64Counter(
		"deltarepo_model_reductions_total",
		metric.WithDescription("Model materializations by reduction mode"),
	)
	if err != nil {
		return nil, err
	}
	created, err := meter.Int64Counter(
		"deltarepo_models_created_total",
		metric.WithDescription("Models that entered the live collection"),
	)
	if err != nil {
		return nil, err
	}
	deleted, err := meter.Int64Counter(
		"deltarepo_models_deleted_total",
		metric.WithDescription("Models removed from the live collection by a terminal delete"),
	)
	if err != nil {
		return nil, err
	}
	return &storeMetrics{reductions: reductions, created: created, deleted: deleted}, nil
}

func (s *storeMetrics) reduction(ctx context.Context, mode string) {
	if s == nil {
		return
	}
	s.reductions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (s *storeMetrics) modelCreated(ctx context.Context) {
	if s == nil {
		return
	}
	s.created.Add(ctx, 1)
}

func (s *storeMetrics) modelDeleted(ctx context.Context) {
	if s == nil {
		return
	}
	s.deleted.Add(ctx, 1)
}
