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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/deltarepo/pkg/events"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
)

// PushEvent describes deltas inserted into one model's stream by a single
// push call.
type PushEvent struct {
	// ModelID is the stream that received the deltas.
	ModelID string

	// Deltas are the inserted deltas, sorted by timestamp.
	Deltas []Delta

	// Created is true when this push created the stream.
	Created bool
}

// StoreOption configures a DeltaStore or ModelStore.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock         func() int64
	newID         func() string
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

// WithClock sets the timestamp source used when a push has no explicit
// timestamp. The clock returns Unix milliseconds.
func WithClock(clock func() int64) StoreOption {
	return func(o *storeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator sets the id source used by Create.
func WithIDGenerator(newID func() string) StoreOption {
	return func(o *storeOptions) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider sets where a ModelStore records its reduction metrics.
// The default is the global otel provider.
func WithMeterProvider(mp metric.MeterProvider) StoreOption {
	return func(o *storeOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

func resolveStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		clock:  func() int64 { return time.Now().UnixMilli() },
		newID:  func() string { return ulid.Make().String() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PushOption configures a single push.
type PushOption func(*pushConfig)

type pushConfig struct {
	timestamp    int64
	hasTimestamp bool
}

// WithTimestamp stamps the delta with ts instead of the store clock.
func WithTimestamp(ts int64) PushOption {
	return func(c *pushConfig) {
		c.timestamp = ts
		c.hasTimestamp = true
	}
}

// DeltaStore owns one timestamp-ordered delta stream per model.
//
// Every push notifies subscribers synchronously, in this order: OnCreate
// (only when the stream is new), OnUpdateByID, OnAnyPush, OnPushByID.
// Within each list, handlers run in registration order.
//
// Thread Safety: Safe for concurrent use. Handlers run after the store lock
// is released and may push re-entrantly.
type DeltaStore struct {
	opts storeOptions

	mu      sync.Mutex
	streams map[string][]Delta
	order   []string

	created  *events.Listener[PushEvent]
	any      *events.Listener[PushEvent]
	updateBy *events.KeyedListener[string, PushEvent]
	pushBy   *events.KeyedListener[string, PushEvent]
}

// NewDeltaStore creates an empty store.
func NewDeltaStore(opts ...StoreOption) *DeltaStore {
	o := resolveStoreOptions(opts)
	o.logger = o.logger.With(slog.String("component", "delta_store"))

	return &DeltaStore{
		opts:     o,
		streams:  make(map[string][]Delta),
		created:  events.NewListener[PushEvent](),
		any:      events.NewListener[PushEvent](),
		updateBy: events.NewKeyedListener[string, PushEvent](),
		pushBy:   events.NewKeyedListener[string, PushEvent](),
	}
}

// Push appends a delta for modelID.
//
// Inputs:
//
//	modelID - Target model. Must not be empty.
//	fields - Changed fields. Cloned; the caller keeps ownership.
//	opts - WithTimestamp to override the store clock.
//
// Outputs:
//
//	Delta - The inserted delta. Its type is create when the stream was
//	        empty and update otherwise.
//	error - ErrMissingModelID for an empty id.
func (s *DeltaStore) Push(modelID string, fields Fields, opts ...PushOption) (Delta, error) {
	if modelID == "" {
		return Delta{}, ErrMissingModelID
	}
	return s.pushOne(modelID, "", fields, opts), nil
}

// Create starts a new model with a freshly generated, sortable id.
func (s *DeltaStore) Create(fields Fields, opts ...PushOption) Delta {
	return s.pushOne(s.opts.newID(), DeltaCreate, fields, opts)
}

// Delete appends a delete delta with an empty payload.
func (s *DeltaStore) Delete(modelID string, opts ...PushOption) (Delta, error) {
	if modelID == "" {
		return Delta{}, ErrMissingModelID
	}
	return s.pushOne(modelID, DeltaDelete, Fields{}, opts), nil
}

func (s *DeltaStore) pushOne(modelID string, typ DeltaType, fields Fields, opts []PushOption) Delta {
	var cfg pushConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	ts := cfg.timestamp
	if !cfg.hasTimestamp {
		ts = s.opts.clock()
	}
	if fields == nil {
		fields = Fields{}
	}

	s.mu.Lock()
	stream, exists := s.streams[modelID]
	if typ == "" {
		typ = DeltaUpdate
		if len(stream) == 0 {
			typ = DeltaCreate
		}
	}
	d := Delta{ModelID: modelID, Timestamp: ts, Type: typ, Payload: fields.Clone()}
	s.insertLocked(modelID, exists, d)
	s.mu.Unlock()

	s.opts.logger.Debug("delta pushed",
		slog.String("model_id", modelID),
		slog.String("type", string(typ)),
		slog.Int64("timestamp", ts))

	s.notify(PushEvent{ModelID: modelID, Deltas: []Delta{d.Clone()}, Created: !exists})
	return d.Clone()
}

// PushMany inserts a batch that may span several models.
//
// Deltas are grouped by model id in order of first appearance. Each group is
// sorted stably by timestamp, inserted, and notified once. Deltas without a
// model id are skipped and logged. The inserted deltas are returned in
// group order.
func (s *DeltaStore) PushMany(deltas []Delta) []Delta {
	var (
		order  []string
		groups = make(map[string][]Delta)
	)
	for _, d := range deltas {
		if d.ModelID == "" {
			s.opts.logger.Warn("skipping delta without model id",
				slog.Int64("timestamp", d.Timestamp))
			continue
		}
		if _, ok := groups[d.ModelID]; !ok {
			order = append(order, d.ModelID)
		}
		groups[d.ModelID] = append(groups[d.ModelID], d.Clone())
	}

	inserted := make([]Delta, 0, len(deltas))
	for _, id := range order {
		group := groups[id]
		SortStable(group)

		s.mu.Lock()
		_, exists := s.streams[id]
		for i := range group {
			if !group[i].Type.Valid() {
				group[i].Type = DeltaUpdate
				if len(s.streams[id]) == 0 {
					group[i].Type = DeltaCreate
				}
			}
			if group[i].Payload == nil {
				group[i].Payload = Fields{}
			}
			s.insertLocked(id, exists || i > 0, group[i])
		}
		s.mu.Unlock()

		event := PushEvent{ModelID: id, Deltas: cloneDeltas(group), Created: !exists}
		s.notify(event)
		inserted = append(inserted, group...)
	}
	return cloneDeltas(inserted)
}

// insertLocked inserts d. Caller must hold s.mu.
func (s *DeltaStore) insertLocked(modelID string, exists bool, d Delta) {
	if !exists {
		s.order = append(s.order, modelID)
	}
	s.streams[modelID] = InsertSorted(s.streams[modelID], d)
}

func (s *DeltaStore) notify(event PushEvent) {
	if event.Created {
		s.created.Emit(event)
	}
	s.updateBy.Emit(event.ModelID, event)
	s.any.Emit(event)
	s.pushBy.Emit(event.ModelID, event)
}

// Stream returns a copy of the stream for id.
func (s *DeltaStore) Stream(id string) ([]Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, false
	}
	return cloneDeltas(stream), true
}

// HasCreate reports whether the stream for id contains a create delta.
func (s *DeltaStore) HasCreate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.streams[id] {
		if d.Type == DeltaCreate {
			return true
		}
	}
	return false
}

// IDs returns every model id in order of first push.
func (s *DeltaStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of streams.
func (s *DeltaStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// OnCreate subscribes to the first push for every new model id.
func (s *DeltaStore) OnCreate(handler func(PushEvent), opts ...events.SubscribeOption) func() {
	return s.created.Subscribe(handler, opts...)
}

// OnUpdateByID subscribes to pushes for one model id. Runs before OnAnyPush.
func (s *DeltaStore) OnUpdateByID(id string, handler func(PushEvent), opts ...events.SubscribeOption) func() {
	return s.updateBy.Subscribe(id, handler, opts...)
}

// OnAnyPush subscribes to every push.
func (s *DeltaStore) OnAnyPush(handler func(PushEvent), opts ...events.SubscribeOption) func() {
	return s.any.Subscribe(handler, opts...)
}

// OnPushByID subscribes to pushes for one model id. Runs after OnAnyPush,
// so handlers observe state already updated by OnAnyPush subscribers such as
// ModelStore.
func (s *DeltaStore) OnPushByID(id string, handler func(PushEvent), opts ...events.SubscribeOption) func() {
	return s.pushBy.Subscribe(id, handler, opts...)
}

func cloneDeltas(in []Delta) []Delta {
	out := make([]Delta, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
