// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist connects a repository.ModelStore to durable storage.
//
// # Description
//
// Two roles are provided:
//
//   - Syncer runs next to a client-side ModelStore. It debounces updates
//     per model, and on each flush sends the squashed deltas that are newer
//     than the model's last confirmed timestamp to a Sink.
//   - Reconciler is the authoritative Sink. It replays the persisted stream,
//     applies the candidate delta, validates the resulting model, and
//     appends the candidate plus any sanitizing correction to a DeltaLog.
//
// Storage backends implement DeltaLog and, optionally, SnapshotStore. See
// services/journal (BadgerDB) and services/filelog (JSON files).
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/deltarepo/services/repository"
)

var (
	// ErrValidationFailed is returned by Syncer.FlushModel when the sink
	// rejected the model.
	ErrValidationFailed = errors.New("validation failed")

	// ErrPersistence wraps errors returned by a Sink or DeltaLog.
	ErrPersistence = errors.New("persistence failure")
)

// DeltaLog is a durable, append-only store of deltas.
type DeltaLog interface {
	// Append stores one delta.
	Append(ctx context.Context, d repository.Delta) error

	// AppendBatch stores several deltas atomically where the backend allows.
	AppendBatch(ctx context.Context, deltas []repository.Delta) error

	// LoadStream returns the stream for one model sorted by timestamp. A
	// model with no deltas returns an empty slice and no error.
	LoadStream(ctx context.Context, modelID string) ([]repository.Delta, error)

	// LoadAll returns every stream grouped by model id.
	LoadAll(ctx context.Context) (map[string][]repository.Delta, error)
}

// SnapshotStore keeps the latest materialized model per id.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, m repository.Model) error
	DeleteSnapshot(ctx context.Context, modelID string) error
	LoadSnapshots(ctx context.Context) (map[string]repository.Model, error)
}

// Sink accepts one squashed delta per flush.
type Sink interface {
	// Save persists d. A rejected delta is reported through Result, not
	// through error; error is reserved for infrastructure failures.
	Save(ctx context.Context, d repository.Delta) (Result, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d repository.Delta) (Result, error)

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, d repository.Delta) (Result, error) {
	return f(ctx, d)
}

// Result is the outcome of a Save.
type Result struct {
	Success   bool    `json:"success"`
	UpdatedAt int64   `json:"updatedAt,omitempty"`
	Errors    []Issue `json:"errors,omitempty"`
}

// Issue describes one field-level validation problem.
type Issue struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// FlushResult is delivered to Syncer.OnResult listeners after every flush
// that reached the sink.
type FlushResult struct {
	ModelID string
	Delta   repository.Delta
	Result  Result
}

func issuesSummary(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}
