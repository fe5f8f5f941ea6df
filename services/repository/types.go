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
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// DeltaType classifies a delta.
type DeltaType string

const (
	DeltaCreate DeltaType = "create"
	DeltaUpdate DeltaType = "update"
	DeltaDelete DeltaType = "delete"
)

// Valid reports whether t is one of the known delta types.
func (t DeltaType) Valid() bool {
	switch t {
	case DeltaCreate, DeltaUpdate, DeltaDelete:
		return true
	}
	return false
}

// Fields is a model payload keyed by field name.
//
// A key present with a nil value means "set to nothing"; an absent key means
// "no change". Iterate with Keys for a deterministic order.
type Fields map[string]any

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. Nested maps and slices are copied; other
// values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Fields:
		return val.Clone()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Delta is one timestamped, partial change to a model.
type Delta struct {
	ModelID   string    `json:"modelId"`
	Timestamp int64     `json:"timestamp"`
	Type      DeltaType `json:"type"`
	Payload   Fields    `json:"payload"`
}

// Clone returns a copy with a deep-copied payload.
func (d Delta) Clone() Delta {
	d.Payload = d.Payload.Clone()
	return d
}

// Model is a materialized view of a delta stream.
//
// JSON encoding is flat: {"id": ..., "updatedAt": ..., <fields>}.
type Model struct {
	ID        string
	UpdatedAt int64
	Fields    Fields
}

// Clone returns a copy with deep-copied fields.
func (m Model) Clone() Model {
	m.Fields = m.Fields.Clone()
	return m
}

// Get returns a field value and whether the field is present.
func (m Model) Get(field string) (any, bool) {
	v, ok := m.Fields[field]
	return v, ok
}

const (
	jsonKeyID        = "id"
	jsonKeyUpdatedAt = "updatedAt"
)

// MarshalJSON encodes the model as one flat object. Fields named "id" or
// "updatedAt" are shadowed by the model's own identity and timestamp.
func (m Model) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		flat[k] = v
	}
	flat[jsonKeyID] = m.ID
	flat[jsonKeyUpdatedAt] = m.UpdatedAt
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat object produced by MarshalJSON.
func (m *Model) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	id, _ := flat[jsonKeyID].(string)
	if id == "" {
		return fmt.Errorf("decode model: %w", ErrMissingModelID)
	}

	var updatedAt int64
	switch ts := flat[jsonKeyUpdatedAt].(type) {
	case nil:
	case float64:
		if ts != math.Trunc(ts) {
			return fmt.Errorf("decode model %s: updatedAt %v is not an integer", id, ts)
		}
		updatedAt = int64(ts)
	default:
		return fmt.Errorf("decode model %s: updatedAt has type %T", id, ts)
	}

	delete(flat, jsonKeyID)
	delete(flat, jsonKeyUpdatedAt)

	m.ID = id
	m.UpdatedAt = updatedAt
	m.Fields = Fields(flat)
	return nil
}
