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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelStore_PushAndAwaitScenario(t *testing.T) {
	ctx := context.Background()
	s := NewModelStore()

	_, err := s.PushAndAwait(ctx, "u1", Fields{"name": "John"}, WithTimestamp(100))
	require.NoError(t, err)
	m, err := s.PushAndAwait(ctx, "u1", Fields{"name": "John Doe"}, WithTimestamp(200))
	require.NoError(t, err)

	assert.Equal(t, Model{ID: "u1", UpdatedAt: 200, Fields: Fields{"name": "John Doe"}}, m)

	got, ok := s.Get("u1")
	require.True(t, ok)
	assert.Equal(t, m, got)
}

func TestModelStore_NotificationsOnCreateAndUpdate(t *testing.T) {
	s := NewModelStore()
	var log []string

	s.OnModelCreate(func(m Model) { log = append(log, "create:"+m.ID) })
	s.OnModelUpdate(func(m Model) { log = append(log, "update:"+m.ID) })
	s.OnModelUpdateByID("a", func(m Model) { log = append(log, "update-a") })

	_, _ = s.Push("a", Fields{"v": 1})
	_, _ = s.Push("b", Fields{"v": 1})
	_, _ = s.Push("a", Fields{"v": 2})

	assert.Equal(t, []string{
		"create:a", "update:a", "update-a",
		"create:b", "update:b",
		"update:a", "update-a",
	}, log)
}

func TestModelStore_ListOrderIsFirstCreation(t *testing.T) {
	s := NewModelStore()
	_, _ = s.Push("z", Fields{"v": 1}, WithTimestamp(1))
	_, _ = s.Push("a", Fields{"v": 1}, WithTimestamp(2))
	_, _ = s.Push("z", Fields{"v": 2}, WithTimestamp(3))

	models := s.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "z", models[0].ID)
	assert.Equal(t, 2, models[0].Fields["v"], "updated in place")
	assert.Equal(t, "a", models[1].ID)
	assert.Equal(t, 2, s.Len())
}

func TestModelStore_IncrementalMergeKeepsOlderFields(t *testing.T) {
	s := NewModelStore()
	ctx := context.Background()

	_, err := s.PushAndAwait(ctx, "m", Fields{"a": 1, "b": 1}, WithTimestamp(10))
	require.NoError(t, err)
	m, err := s.PushAndAwait(ctx, "m", Fields{"b": 2}, WithTimestamp(20))
	require.NoError(t, err)

	assert.Equal(t, Fields{"a": 1, "b": 2}, m.Fields)
	assert.Equal(t, int64(20), m.UpdatedAt)
}

func TestModelStore_LateArrivalTriggersFullReduction(t *testing.T) {
	s := NewModelStore()
	ctx := context.Background()

	_, err := s.PushAndAwait(ctx, "m", Fields{"name": "new"}, WithTimestamp(300))
	require.NoError(t, err)

	// Older delta arrives late: must not overwrite the newer value.
	m, err := s.PushAndAwait(ctx, "m", Fields{"name": "old", "extra": true}, WithTimestamp(100))
	require.NoError(t, err)
	assert.Equal(t, "new", m.Fields["name"])
	assert.Equal(t, true, m.Fields["extra"])
	assert.Equal(t, int64(300), m.UpdatedAt)

	// Same-millisecond arrival: arrival order decides.
	m, err = s.PushAndAwait(ctx, "m", Fields{"name": "tie"}, WithTimestamp(300))
	require.NoError(t, err)
	assert.Equal(t, "tie", m.Fields["name"])
}

func TestModelStore_DeleteAndResurrect(t *testing.T) {
	s := NewModelStore()
	ctx := context.Background()
	var deleted, created []string

	s.OnModelDelete(func(m Model) { deleted = append(deleted, m.ID) })
	s.OnModelCreate(func(m Model) { created = append(created, m.ID) })

	_, err := s.PushAndAwait(ctx, "m", Fields{"a": 1}, WithTimestamp(1))
	require.NoError(t, err)

	_, err = s.Delete("m", WithTimestamp(2))
	require.NoError(t, err)
	_, ok := s.Get("m")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []string{"m"}, deleted)

	stream, ok := s.Stream("m")
	require.True(t, ok, "stream is retained after delete")
	assert.Len(t, stream, 2)

	m, err := s.PushAndAwait(ctx, "m", Fields{"a": 2}, WithTimestamp(3))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Fields["a"])
	assert.Equal(t, []string{"m", "m"}, created)
	assert.Equal(t, 1, s.Len())
}

func TestModelStore_DeleteFiresUpdateWithLastState(t *testing.T) {
	s := NewModelStore()
	ctx := context.Background()
	_, err := s.PushAndAwait(ctx, "m", Fields{"a": 1}, WithTimestamp(1))
	require.NoError(t, err)

	var order []string
	s.OnModelDelete(func(Model) { order = append(order, "delete") })
	s.OnModelUpdate(func(m Model) {
		order = append(order, "update")
		assert.Equal(t, 1, m.Fields["a"])
		assert.Equal(t, int64(5), m.UpdatedAt)
	})

	_, err = s.Delete("m", WithTimestamp(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "update"}, order)
}

func TestModelStore_ApplyAndAwait(t *testing.T) {
	s := NewModelStore()
	ctx := context.Background()

	m, err := s.ApplyAndAwait(ctx,
		delta("c", 200, DeltaUpdate, Fields{"hex": "#111"}),
		delta("c", 100, DeltaCreate, Fields{"hex": "#000", "alpha": 1}),
	)
	require.NoError(t, err)
	assert.Equal(t, Fields{"hex": "#111", "alpha": 1}, m.Fields)

	_, err = s.ApplyAndAwait(ctx)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = s.ApplyAndAwait(ctx, delta("x", 1, DeltaCreate, nil), delta("y", 1, DeltaCreate, nil))
	assert.ErrorIs(t, err, ErrMixedModelIDs)
}

func TestModelStore_CancelledContext(t *testing.T) {
	s := NewModelStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.PushAndAwait(ctx, "m", Fields{"a": 1})
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := s.Stream("m")
	assert.False(t, ok, "nothing pushed after cancellation")
}

func TestModelStore_Load(t *testing.T) {
	s := NewModelStore()
	s.Load(map[string][]Delta{
		"b": {
			{Timestamp: 20, Type: DeltaUpdate, Payload: Fields{"v": 2}},
			{Timestamp: 10, Type: DeltaCreate, Payload: Fields{"v": 1}},
		},
		"a": {
			{ModelID: "a", Timestamp: 5, Type: DeltaCreate, Payload: Fields{"v": 9}},
		},
		"gone": {
			{Timestamp: 1, Type: DeltaCreate, Payload: Fields{"v": 0}},
			{Timestamp: 2, Type: DeltaDelete, Payload: Fields{}},
		},
	})

	models := s.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "a", models[0].ID)
	assert.Equal(t, "b", models[1].ID)
	assert.Equal(t, 2, models[1].Fields["v"])
	assert.True(t, s.Deltas().HasCreate("gone"))
}

func TestModelStore_FromExistingDeltaStore(t *testing.T) {
	ds := NewDeltaStore()
	_, _ = ds.Push("pre", Fields{"v": 1}, WithTimestamp(1))

	s := NewModelStoreFrom(ds)
	_, ok := s.Get("pre")
	assert.True(t, ok)

	s.Close()
	_, _ = ds.Push("post", Fields{"v": 1}, WithTimestamp(2))
	_, ok = s.Get("post")
	assert.False(t, ok, "closed store no longer follows pushes")
}

func TestModelStore_ConcurrentPushes(t *testing.T) {
	s := NewModelStore()
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("m%d", i%5)
				_, err := s.Push(id, Fields{fmt.Sprintf("w%d", w): i}, WithTimestamp(int64(i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// The cache must match a fresh reduction of every stream.
	for _, id := range s.Deltas().IDs() {
		stream, _ := s.Stream(id)
		want, err := ReduceToModel(stream)
		require.NoError(t, err)
		got, ok := s.Get(id)
		require.True(t, ok)
		assert.Equal(t, want.Fields, got.Fields, "model %s", id)
		assert.Equal(t, want.UpdatedAt, got.UpdatedAt, "model %s", id)
	}
}

func TestModelStore_AwaitLeavesNoListeners(t *testing.T) {
	ctx := context.Background()
	s := NewModelStore()

	for i := range 50 {
		_, err := s.PushAndAwait(ctx, fmt.Sprintf("m%d", i), Fields{"a": i}, WithTimestamp(int64(i+1)))
		require.NoError(t, err)
	}
	_, err := s.ApplyAndAwait(ctx, Delta{ModelID: "m0", Timestamp: 100, Type: DeltaUpdate, Payload: Fields{"a": -1}})
	require.NoError(t, err)

	assert.Equal(t, 0, s.onUpdateBy.Keys())
}
