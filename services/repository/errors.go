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

import "errors"

var (
	// ErrIdentityMismatch is returned when two models with different ids
	// are diffed or merged.
	ErrIdentityMismatch = errors.New("model identity mismatch")

	// ErrEmptyBatch is returned when squashing zero deltas.
	ErrEmptyBatch = errors.New("empty delta batch")

	// ErrConflictingSquash is returned when a batch contains both a create
	// and a delete. The batch must be dropped, not persisted.
	ErrConflictingSquash = errors.New("batch contains both create and delete")

	// ErrMissingModelID is returned when a delta has no model id.
	ErrMissingModelID = errors.New("delta has no model id")

	// ErrMixedModelIDs is returned when a reduction input spans several models.
	ErrMixedModelIDs = errors.New("deltas belong to different models")
)
