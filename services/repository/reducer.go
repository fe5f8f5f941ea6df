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
	"fmt"
	"math"
	"sort"
)

// NoCutoff selects every delta when used as a cutoff.
const NoCutoff int64 = math.MinInt64

// ReduceToModel folds a whole stream into a model.
//
// Equivalent to ReduceToModelAfter(deltas, NoCutoff).
func ReduceToModel(deltas []Delta) (*Model, error) {
	return ReduceToModelAfter(deltas, NoCutoff)
}

// ReduceToModelAfter folds the deltas with a timestamp strictly greater than
// cutoff into a model.
//
// Description:
//
//	Scans from the end of the slice to the start. For each field the first
//	value seen wins, so the latest delta that touched a field decides its
//	value. UpdatedAt is the timestamp of the last delta that passed the
//	cutoff. Delta types are ignored; existence is a separate question
//	answered by DeltaStore.HasCreate.
//
// Inputs:
//
//	deltas - One model's stream, sorted by timestamp.
//	cutoff - Deltas at or before this timestamp are skipped.
//
// Outputs:
//
//	*Model - The reduced model, or nil if no delta passed the cutoff.
//	error - ErrMissingModelID or ErrMixedModelIDs for malformed input.
func ReduceToModelAfter(deltas []Delta, cutoff int64) (*Model, error) {
	id, err := streamModelID(deltas)
	if err != nil {
		return nil, err
	}

	var (
		fields    = make(Fields)
		updatedAt int64
		found     bool
	)
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		if d.Timestamp <= cutoff {
			continue
		}
		if !found {
			updatedAt = d.Timestamp
			found = true
		}
		for k, v := range d.Payload {
			if _, seen := fields[k]; !seen {
				fields[k] = cloneValue(v)
			}
		}
	}
	if !found {
		return nil, nil
	}

	return &Model{ID: id, UpdatedAt: updatedAt, Fields: fields}, nil
}

// ReduceOntoModel applies the deltas newer than model.UpdatedAt on top of a
// copy of model.
//
// Returns a copy of model unchanged when nothing is newer.
func ReduceOntoModel(model Model, deltas []Delta) (Model, error) {
	partial, err := ReduceToModelAfter(deltas, model.UpdatedAt)
	if err != nil {
		return Model{}, err
	}
	merged := model.Clone()
	if partial == nil {
		return merged, nil
	}
	if partial.ID != model.ID {
		return Model{}, fmt.Errorf("reduce onto %s with deltas for %s: %w", model.ID, partial.ID, ErrIdentityMismatch)
	}

	if merged.Fields == nil {
		merged.Fields = make(Fields, len(partial.Fields))
	}
	for k, v := range partial.Fields {
		merged.Fields[k] = v
	}
	merged.UpdatedAt = partial.UpdatedAt
	return merged, nil
}

// SquashToSingle collapses a batch into one equivalent delta.
//
// Description:
//
//	Fields merge the same way as in ReduceToModel. The result takes the
//	timestamp and model id of the last delta. Its type is create if any
//	delta is a create, else delete if any is a delete, else update.
//
// Outputs:
//
//	*Delta - The squashed delta.
//	error - ErrEmptyBatch for no input. ErrConflictingSquash when the batch
//	        holds both a create and a delete; such a batch has no meaningful
//	        single form and must be dropped by the caller.
func SquashToSingle(deltas []Delta) (*Delta, error) {
	if len(deltas) == 0 {
		return nil, ErrEmptyBatch
	}

	var (
		payload   = make(Fields)
		hasCreate bool
		hasDelete bool
	)
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		switch d.Type {
		case DeltaCreate:
			hasCreate = true
		case DeltaDelete:
			hasDelete = true
		}
		for k, v := range d.Payload {
			if _, seen := payload[k]; !seen {
				payload[k] = cloneValue(v)
			}
		}
	}

	if hasCreate && hasDelete {
		return nil, ErrConflictingSquash
	}

	last := deltas[len(deltas)-1]
	squashed := &Delta{
		ModelID:   last.ModelID,
		Timestamp: last.Timestamp,
		Type:      DeltaUpdate,
		Payload:   payload,
	}
	switch {
	case hasCreate:
		squashed.Type = DeltaCreate
	case hasDelete:
		squashed.Type = DeltaDelete
	}
	return squashed, nil
}

// CalculateDelta returns the update that turns before into after.
//
// Every field in either model is compared with ValuesEqual. A field that
// differs is included with its value from after; a field that disappeared is
// included with a nil value. UpdatedAt is not a field and never differs.
//
// Outputs:
//
//	*Delta - An update stamped with after.UpdatedAt, or nil when the payloads
//	         are equal.
//	error - ErrIdentityMismatch when the ids differ.
func CalculateDelta(before, after Model) (*Delta, error) {
	if before.ID != after.ID {
		return nil, fmt.Errorf("diff %s against %s: %w", before.ID, after.ID, ErrIdentityMismatch)
	}

	payload := make(Fields)
	for _, k := range unionKeys(before.Fields, after.Fields) {
		bv := before.Fields[k]
		av := after.Fields[k]
		if !ValuesEqual(bv, av) {
			payload[k] = cloneValue(av)
		}
	}
	if len(payload) == 0 {
		return nil, nil
	}

	return &Delta{
		ModelID:   after.ID,
		Timestamp: after.UpdatedAt,
		Type:      DeltaUpdate,
		Payload:   payload,
	}, nil
}

// MergeAfter folds the deltas after cutoff from oldest to newest into one
// flat fragment. Later deltas overwrite earlier ones.
//
// The bool is false when nothing is after cutoff.
func MergeAfter(deltas []Delta, cutoff int64) (*Model, bool) {
	after, ok := SliceAfter(deltas, cutoff)
	if !ok {
		return nil, false
	}

	last := after[len(after)-1]
	fragment := &Model{
		ID:        last.ModelID,
		UpdatedAt: last.Timestamp,
		Fields:    make(Fields),
	}
	for _, d := range after {
		for k, v := range d.Payload {
			fragment.Fields[k] = cloneValue(v)
		}
	}
	return fragment, true
}

// GroupByModel splits deltas by model id, preserving relative order.
func GroupByModel(deltas []Delta) map[string][]Delta {
	groups := make(map[string][]Delta)
	for _, d := range deltas {
		groups[d.ModelID] = append(groups[d.ModelID], d)
	}
	return groups
}

// ReduceGrouped reduces every group. Groups that reduce to nothing are
// omitted. Groups are sorted before reduction.
func ReduceGrouped(groups map[string][]Delta) (map[string]Model, error) {
	models := make(map[string]Model, len(groups))
	for id, stream := range groups {
		sorted := make([]Delta, len(stream))
		copy(sorted, stream)
		SortStable(sorted)

		m, err := ReduceToModel(sorted)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", id, err)
		}
		if m == nil {
			continue
		}
		if m.ID != id {
			return nil, fmt.Errorf("group %s holds deltas for %s: %w", id, m.ID, ErrMixedModelIDs)
		}
		models[id] = *m
	}
	return models, nil
}

// ReduceGroupedToSlice is ReduceGrouped ordered by model id.
func ReduceGroupedToSlice(groups map[string][]Delta) ([]Model, error) {
	byID, err := ReduceGrouped(groups)
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// streamModelID returns the shared model id of a stream.
func streamModelID(deltas []Delta) (string, error) {
	if len(deltas) == 0 {
		return "", nil
	}
	id := deltas[0].ModelID
	for _, d := range deltas {
		if d.ModelID == "" {
			return "", ErrMissingModelID
		}
		if d.ModelID != id {
			return "", fmt.Errorf("%q and %q: %w", id, d.ModelID, ErrMixedModelIDs)
		}
	}
	return id, nil
}

func unionKeys(a, b Fields) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
