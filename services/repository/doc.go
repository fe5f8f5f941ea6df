// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository implements a delta-sourced model repository.
//
// # Description
//
// Every entity (model) is described by an append-only stream of partial,
// timestamped deltas. The current state of a model is a pure fold of its
// stream: scanning newest to oldest, the first value seen for each field
// wins. Streams are kept sorted by timestamp; deltas with equal timestamps
// keep their arrival order.
//
// The package has three layers:
//
//   - Ordering and reduction: InsertSorted, SliceAfter, ReduceToModel,
//     ReduceToModelAfter, SquashToSingle, CalculateDelta and MergeAfter are
//     pure functions over []Delta and Model.
//   - DeltaStore owns the per-model streams and notifies subscribers
//     synchronously on every push.
//   - ModelStore subscribes to a DeltaStore and keeps a materialized, ordered
//     collection of live models, with its own change notifications.
//
// # Thread Safety
//
// DeltaStore and ModelStore are safe for concurrent use. Subscriber
// callbacks run on the pushing goroutine after internal locks are released,
// so callbacks may push again.
//
// # Limitations
//
// Two deltas with the same timestamp for the same field resolve by arrival
// order. With more than one independent writer this is not deterministic
// across replicas.
package repository
