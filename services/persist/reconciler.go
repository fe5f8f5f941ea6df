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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/deltarepo/services/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSnapshots keeps a materialized snapshot per model after each save.
func WithSnapshots(s SnapshotStore) ReconcilerOption {
	return func(r *Reconciler) {
		r.snapshots = s
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler is the authoritative Sink.
//
// # Description
//
// Save replays the persisted stream for the delta's model into a fresh
// ModelStore, applies the candidate, and validates the result. A rejected
// model is reported through Result and nothing is written. An accepted
// model is compared with its sanitized form; any difference is persisted
// together with the candidate so that every reader converges on the
// sanitized state. Deletes are not validated.
//
// # Thread Safety
//
// Saves are serialized.
type Reconciler struct {
	log       DeltaLog
	validator Validator
	snapshots SnapshotStore
	logger    *slog.Logger

	mu sync.Mutex
}

// NewReconciler creates a Reconciler.
//
// Inputs:
//
//	log - Where accepted deltas are appended. Must not be nil.
//	v - Model validator. Nil accepts every model unchanged.
//	opts - WithSnapshots, WithReconcilerLogger.
func NewReconciler(log DeltaLog, v Validator, opts ...ReconcilerOption) (*Reconciler, error) {
	if log == nil {
		return nil, errors.New("reconciler: delta log is required")
	}
	r := &Reconciler{
		log:       log,
		validator: v,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "reconciler"))
	return r, nil
}

var _ Sink = (*Reconciler)(nil)

// Save implements Sink.
func (r *Reconciler) Save(ctx context.Context, d repository.Delta) (Result, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Save",
		trace.WithAttributes(
			attribute.String("model.id", d.ModelID),
			attribute.String("delta.type", string(d.Type)),
			attribute.Int64("delta.timestamp", d.Timestamp),
			attribute.Int("delta.fields", len(d.Payload)),
		),
	)
	defer span.End()

	res, err := r.save(ctx, d)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reconcileTotal.WithLabelValues(outcomeError).Inc()
	case !res.Success:
		span.SetAttributes(attribute.Int("validation.issues", len(res.Errors)))
		span.SetStatus(codes.Error, "validation failed")
		reconcileTotal.WithLabelValues(outcomeRejected).Inc()
	default:
		span.SetAttributes(attribute.Int64("model.updated_at", res.UpdatedAt))
		span.SetStatus(codes.Ok, "")
		reconcileTotal.WithLabelValues(outcomeSaved).Inc()
	}
	return res, err
}

func (r *Reconciler) save(ctx context.Context, d repository.Delta) (Result, error) {
	if d.ModelID == "" {
		return Result{}, repository.ErrMissingModelID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stream, err := r.loadStream(ctx, d.ModelID)
	if err != nil {
		return Result{}, err
	}

	store := repository.NewModelStore(repository.WithLogger(r.logger))
	defer store.Close()
	if len(stream) > 0 {
		store.Load(map[string][]repository.Delta{d.ModelID: stream})
	}

	model, err := store.ApplyAndAwait(ctx, d)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", d.ModelID, err)
	}

	merged, _ := store.Stream(d.ModelID)
	if merged[len(merged)-1].Type == repository.DeltaDelete {
		return r.commitDelete(ctx, d, model)
	}

	sanitized := model
	if r.validator != nil {
		var issues []Issue
		sanitized, issues, err = r.validator.Validate(ctx, d, model)
		if err != nil {
			return Result{}, fmt.Errorf("validate %s: %w", d.ModelID, err)
		}
		if len(issues) > 0 {
			r.logger.Info("model rejected",
				slog.String("model_id", d.ModelID),
				slog.String("issues", issuesSummary(issues)))
			return Result{Success: false, Errors: issues}, nil
		}
	}

	batch, err := r.correctedBatch(d, model, sanitized)
	if err != nil {
		return Result{}, err
	}
	if err := r.append(ctx, batch); err != nil {
		return Result{}, err
	}

	if r.snapshots != nil {
		snap := sanitized
		snap.ID = model.ID
		snap.UpdatedAt = model.UpdatedAt
		if err := r.snapshots.SaveSnapshot(ctx, snap); err != nil {
			return Result{}, fmt.Errorf("%w: snapshot %s: %w", ErrPersistence, d.ModelID, err)
		}
	}

	r.logger.Debug("delta saved",
		slog.String("model_id", d.ModelID),
		slog.Int("deltas", len(batch)),
		slog.Int64("updated_at", model.UpdatedAt))
	return Result{Success: true, UpdatedAt: model.UpdatedAt}, nil
}

// correctedBatch returns the deltas to append: the candidate, plus the
// difference between the model and its sanitized form.
//
// When the candidate is the newest delta the two are squashed into one. A
// late candidate is kept as-is so its timestamp is not raised above newer
// deltas, and the correction follows it at the model's timestamp.
func (r *Reconciler) correctedBatch(d repository.Delta, model, sanitized repository.Model) ([]repository.Delta, error) {
	diff, err := repository.CalculateDelta(model, sanitized)
	if err != nil {
		return nil, fmt.Errorf("diff sanitized %s: %w", d.ModelID, err)
	}
	if diff == nil {
		return []repository.Delta{d}, nil
	}

	if d.Timestamp < model.UpdatedAt {
		return []repository.Delta{d, *diff}, nil
	}

	squashed, err := repository.SquashToSingle([]repository.Delta{d, *diff})
	if err != nil {
		return nil, fmt.Errorf("squash correction for %s: %w", d.ModelID, err)
	}
	return []repository.Delta{*squashed}, nil
}

func (r *Reconciler) commitDelete(ctx context.Context, d repository.Delta, model repository.Model) (Result, error) {
	if err := r.append(ctx, []repository.Delta{d}); err != nil {
		return Result{}, err
	}
	if r.snapshots != nil {
		if err := r.snapshots.DeleteSnapshot(ctx, d.ModelID); err != nil {
			return Result{}, fmt.Errorf("%w: drop snapshot %s: %w", ErrPersistence, d.ModelID, err)
		}
	}
	r.logger.Debug("model deleted", slog.String("model_id", d.ModelID))
	return Result{Success: true, UpdatedAt: model.UpdatedAt}, nil
}

func (r *Reconciler) loadStream(ctx context.Context, modelID string) ([]repository.Delta, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.loadStream")
	defer span.End()

	stream, err := r.log.LoadStream(ctx, modelID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: load %s: %w", ErrPersistence, modelID, err)
	}
	span.SetAttributes(attribute.Int("stream.length", len(stream)))
	return stream, nil
}

func (r *Reconciler) append(ctx context.Context, batch []repository.Delta) error {
	var err error
	if len(batch) == 1 {
		err = r.log.Append(ctx, batch[0])
	} else {
		err = r.log.AppendBatch(ctx, batch)
	}
	if err != nil {
		return fmt.Errorf("%w: append %s: %w", ErrPersistence, batch[0].ModelID, err)
	}
	return nil
}
