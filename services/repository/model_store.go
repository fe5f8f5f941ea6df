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
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/deltarepo/pkg/events"
)

// ModelStore keeps a materialized model for every live stream of a
// DeltaStore.
//
// # Description
//
// The store subscribes to the DeltaStore's OnAnyPush. On each push it
// re-materializes the affected model:
//
//   - First push for an id: full reduction, the model joins the live list,
//     OnModelCreate then OnModelUpdate fire.
//   - Later pushes whose deltas are all newer than the cached model: only
//     the newer deltas are reduced and merged into the cached model.
//   - Later pushes containing a delta at or before the cached UpdatedAt
//     (late or same-millisecond arrival): full re-reduction.
//   - A stream whose last delta is a delete: the model leaves the live list
//     and OnModelDelete fires. A later non-delete delta brings it back and
//     OnModelCreate fires again.
//
// OnModelUpdate and OnModelUpdateByID fire for every push, including
// deletes, and carry the freshly reduced model.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers run without internal locks held.
type ModelStore struct {
	deltas  *DeltaStore
	logger  *slog.Logger
	metrics *storeMetrics

	mu    sync.Mutex
	cache map[string]*Model
	live  []string

	onCreate   *events.Listener[Model]
	onUpdate   *events.Listener[Model]
	onDelete   *events.Listener[Model]
	onUpdateBy *events.KeyedListener[string, Model]

	detach func()
}

// NewModelStore creates a ModelStore over a new DeltaStore built with opts.
func NewModelStore(opts ...StoreOption) *ModelStore {
	return NewModelStoreFrom(NewDeltaStore(opts...), opts...)
}

// NewModelStoreFrom creates a ModelStore over an existing DeltaStore.
// Streams already present in ds are materialized immediately.
func NewModelStoreFrom(ds *DeltaStore, opts ...StoreOption) *ModelStore {
	o := resolveStoreOptions(opts)

	m := &ModelStore{
		deltas:     ds,
		logger:     o.logger.With(slog.String("component", "model_store")),
		cache:      make(map[string]*Model),
		onCreate:   events.NewListener[Model](),
		onUpdate:   events.NewListener[Model](),
		onDelete:   events.NewListener[Model](),
		onUpdateBy: events.NewKeyedListener[string, Model](),
	}
	metrics, err := newStoreMetrics(o.meterProvider)
	if err != nil {
		m.logger.Warn("model store metrics disabled", slog.String("error", err.Error()))
	}
	m.metrics = metrics
	m.detach = ds.OnAnyPush(m.handlePush)

	for _, id := range ds.IDs() {
		m.rematerialize(id)
	}
	return m
}

// Deltas returns the underlying DeltaStore.
func (m *ModelStore) Deltas() *DeltaStore {
	return m.deltas
}

// Close stops following the DeltaStore. The store keeps its last state.
func (m *ModelStore) Close() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// transition records what a push did to one model.
type transition struct {
	model   Model
	created bool
	deleted bool
	ok      bool
}

func (m *ModelStore) handlePush(event PushEvent) {
	m.apply(event.ModelID, event.Deltas)
}

// rematerialize forces a full reduction of id.
func (m *ModelStore) rematerialize(id string) {
	m.apply(id, nil)
}

// apply updates the cached model for id. newDeltas are the deltas that were
// just inserted; nil forces a full reduction.
func (m *ModelStore) apply(id string, newDeltas []Delta) {
	ctx := context.Background()

	m.mu.Lock()
	t, err := m.applyLocked(ctx, id, newDeltas)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("materialize model",
			slog.String("model_id", id),
			slog.String("error", err.Error()))
		return
	}
	if !t.ok {
		return
	}

	if t.created {
		m.metrics.modelCreated(ctx)
		m.onCreate.Emit(t.model.Clone())
	}
	if t.deleted {
		m.metrics.modelDeleted(ctx)
		m.onDelete.Emit(t.model.Clone())
	}
	m.onUpdate.Emit(t.model.Clone())
	m.onUpdateBy.Emit(id, t.model.Clone())
}

// applyLocked computes the transition. Caller must hold m.mu.
//
// The stream is read under m.mu so the last handler to take the lock always
// sees every delta inserted before it.
func (m *ModelStore) applyLocked(ctx context.Context, id string, newDeltas []Delta) (transition, error) {
	stream, ok := m.deltas.Stream(id)
	if !ok || len(stream) == 0 {
		return transition{}, nil
	}

	cached, cachedOK := m.cache[id]

	var next Model
	if cachedOK && newDeltas != nil && allAfter(newDeltas, cached.UpdatedAt) {
		merged, err := ReduceOntoModel(*cached, stream)
		if err != nil {
			return transition{}, err
		}
		next = merged
		m.metrics.reduction(ctx, reduceIncremental)
	} else {
		reduced, err := ReduceToModel(stream)
		if err != nil {
			return transition{}, err
		}
		if reduced == nil {
			return transition{}, nil
		}
		next = *reduced
		m.metrics.reduction(ctx, reduceFull)
	}

	terminalDelete := stream[len(stream)-1].Type == DeltaDelete
	t := transition{model: next, ok: true}

	switch {
	case terminalDelete && cachedOK:
		delete(m.cache, id)
		m.removeLive(id)
		t.deleted = true
		m.logger.Debug("model deleted", slog.String("model_id", id))
	case terminalDelete:
		// Never live, nothing to remove.
	case cachedOK:
		*cached = next.Clone()
	default:
		stored := next.Clone()
		m.cache[id] = &stored
		m.live = append(m.live, id)
		t.created = true
		m.logger.Debug("model created", slog.String("model_id", id))
	}
	return t, nil
}

func (m *ModelStore) removeLive(id string) {
	for i, liveID := range m.live {
		if liveID == id {
			m.live = append(m.live[:i], m.live[i+1:]...)
			return
		}
	}
}

func allAfter(deltas []Delta, cutoff int64) bool {
	for _, d := range deltas {
		if d.Timestamp <= cutoff {
			return false
		}
	}
	return true
}

// PushAndAwait pushes fields for modelID and returns the re-materialized
// model.
//
// Notification is synchronous, so the result is normally available when the
// push returns. ctx is honoured for callers that compose this with slower
// work.
func (m *ModelStore) PushAndAwait(ctx context.Context, modelID string, fields Fields, opts ...PushOption) (Model, error) {
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}

	result, unsubscribe := m.awaitUpdate(modelID)
	defer unsubscribe()

	if _, err := m.deltas.Push(modelID, fields, opts...); err != nil {
		return Model{}, fmt.Errorf("push %s: %w", modelID, err)
	}
	return awaitModel(ctx, result)
}

// ApplyAndAwait inserts existing deltas for a single model and returns the
// re-materialized model.
func (m *ModelStore) ApplyAndAwait(ctx context.Context, deltas ...Delta) (Model, error) {
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}
	if len(deltas) == 0 {
		return Model{}, ErrEmptyBatch
	}
	modelID, err := streamModelID(deltas)
	if err != nil {
		return Model{}, err
	}

	result, unsubscribe := m.awaitUpdate(modelID)
	defer unsubscribe()

	m.deltas.PushMany(deltas)
	return awaitModel(ctx, result)
}

func (m *ModelStore) awaitUpdate(modelID string) (<-chan Model, func()) {
	result := make(chan Model, 1)
	unsubscribe := m.onUpdateBy.Subscribe(modelID, func(model Model) {
		select {
		case result <- model:
		default:
		}
	}, events.Once())
	return result, unsubscribe
}

func awaitModel(ctx context.Context, result <-chan Model) (Model, error) {
	select {
	case model := <-result:
		return model, nil
	case <-ctx.Done():
		return Model{}, ctx.Err()
	}
}

// Load seeds the store with previously persisted, grouped deltas. Groups are
// applied in model id order and need not be sorted.
func (m *ModelStore) Load(groups map[string][]Delta) {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var batch []Delta
	for _, id := range ids {
		for _, d := range groups[id] {
			if d.ModelID == "" {
				d.ModelID = id
			}
			batch = append(batch, d)
		}
	}
	m.deltas.PushMany(batch)

	m.logger.Info("loaded deltas",
		slog.Int("models", len(ids)),
		slog.Int("deltas", len(batch)))
}

// Push is DeltaStore.Push, exposed for callers that do not need the model.
func (m *ModelStore) Push(modelID string, fields Fields, opts ...PushOption) (Delta, error) {
	return m.deltas.Push(modelID, fields, opts...)
}

// Create is DeltaStore.Create.
func (m *ModelStore) Create(fields Fields, opts ...PushOption) Delta {
	return m.deltas.Create(fields, opts...)
}

// Delete is DeltaStore.Delete.
func (m *ModelStore) Delete(modelID string, opts ...PushOption) (Delta, error) {
	return m.deltas.Delete(modelID, opts...)
}

// Models returns the live models in order of first creation.
func (m *ModelStore) Models() []Model {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Model, 0, len(m.live))
	for _, id := range m.live {
		out = append(out, m.cache[id].Clone())
	}
	return out
}

// Get returns the live model for id.
func (m *ModelStore) Get(id string) (Model, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.cache[id]
	if !ok {
		return Model{}, false
	}
	return cached.Clone(), true
}

// Stream returns a copy of the delta stream for id.
func (m *ModelStore) Stream(id string) ([]Delta, bool) {
	return m.deltas.Stream(id)
}

// Len returns the number of live models.
func (m *ModelStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// OnModelCreate subscribes to models entering the live collection.
func (m *ModelStore) OnModelCreate(handler func(Model), opts ...events.SubscribeOption) func() {
	return m.onCreate.Subscribe(handler, opts...)
}

// OnModelUpdate subscribes to every re-materialization.
func (m *ModelStore) OnModelUpdate(handler func(Model), opts ...events.SubscribeOption) func() {
	return m.onUpdate.Subscribe(handler, opts...)
}

// OnModelUpdateByID subscribes to re-materializations of one model.
func (m *ModelStore) OnModelUpdateByID(id string, handler func(Model), opts ...events.SubscribeOption) func() {
	return m.onUpdateBy.Subscribe(id, handler, opts...)
}

// OnModelDelete subscribes to models leaving the live collection.
func (m *ModelStore) OnModelDelete(handler func(Model), opts ...events.SubscribeOption) func() {
	return m.onDelete.Subscribe(handler, opts...)
}
