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
	"testing"

	"github.com/AleutianAI/deltarepo/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a clock that advances by one millisecond per call.
func fixedClock(start int64) func() int64 {
	now := start
	return func() int64 {
		now++
		return now
	}
}

func TestDeltaStore_PushAssignsTypeAndTimestamp(t *testing.T) {
	s := NewDeltaStore(WithClock(fixedClock(1000)))

	first, err := s.Push("m", Fields{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, DeltaCreate, first.Type)
	assert.Equal(t, int64(1001), first.Timestamp)

	second, err := s.Push("m", Fields{"a": 2}, WithTimestamp(5))
	require.NoError(t, err)
	assert.Equal(t, DeltaUpdate, second.Type)
	assert.Equal(t, int64(5), second.Timestamp)

	stream, ok := s.Stream("m")
	require.True(t, ok)
	assert.Equal(t, []int64{5, 1001}, timestamps(stream))
	assert.True(t, s.HasCreate("m"))

	_, err = s.Push("", Fields{})
	assert.ErrorIs(t, err, ErrMissingModelID)
}

func TestDeltaStore_CreateAndDelete(t *testing.T) {
	s := NewDeltaStore(WithIDGenerator(func() string { return "generated" }))

	created := s.Create(Fields{"hex": "#000"})
	assert.Equal(t, "generated", created.ModelID)
	assert.Equal(t, DeltaCreate, created.Type)

	deleted, err := s.Delete("generated", WithTimestamp(created.Timestamp+1))
	require.NoError(t, err)
	assert.Equal(t, DeltaDelete, deleted.Type)
	assert.Empty(t, deleted.Payload)

	stream, _ := s.Stream("generated")
	assert.Len(t, stream, 2)
}

func TestDeltaStore_DefaultIDsAreUnique(t *testing.T) {
	s := NewDeltaStore()
	a := s.Create(nil)
	b := s.Create(nil)
	assert.NotEqual(t, a.ModelID, b.ModelID)
	assert.Len(t, a.ModelID, 26)
}

func TestDeltaStore_NotificationOrder(t *testing.T) {
	s := NewDeltaStore()
	var got []string

	s.OnPushByID("m", func(PushEvent) { got = append(got, "push-by-id") })
	s.OnAnyPush(func(PushEvent) { got = append(got, "any") })
	s.OnUpdateByID("m", func(PushEvent) { got = append(got, "update-by-id") })
	s.OnCreate(func(e PushEvent) {
		assert.True(t, e.Created)
		got = append(got, "create")
	})

	_, err := s.Push("m", Fields{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"create", "update-by-id", "any", "push-by-id"}, got)

	got = nil
	_, err = s.Push("m", Fields{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"update-by-id", "any", "push-by-id"}, got)
}

func TestDeltaStore_OnceAndUnsubscribe(t *testing.T) {
	s := NewDeltaStore()
	once, durable := 0, 0

	s.OnAnyPush(func(PushEvent) { once++ }, events.Once())
	unsubscribe := s.OnAnyPush(func(PushEvent) { durable++ })

	_, _ = s.Push("m", nil)
	_, _ = s.Push("m", nil)
	unsubscribe()
	_, _ = s.Push("m", nil)

	assert.Equal(t, 1, once)
	assert.Equal(t, 2, durable)
}

func TestDeltaStore_ReentrantPush(t *testing.T) {
	s := NewDeltaStore()
	s.OnCreate(func(e PushEvent) {
		if e.ModelID == "parent" {
			_, _ = s.Push("child", Fields{"parent": e.ModelID})
		}
	})

	_, err := s.Push("parent", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "child"}, s.IDs())
}

func TestDeltaStore_PushMany(t *testing.T) {
	s := NewDeltaStore()
	var got []PushEvent
	s.OnAnyPush(func(e PushEvent) { got = append(got, e) })

	inserted := s.PushMany([]Delta{
		delta("b", 30, "", Fields{"v": 3}),
		delta("a", 10, DeltaCreate, Fields{"v": 1}),
		delta("b", 10, "", Fields{"v": 1}),
		delta("", 5, DeltaUpdate, nil),
		delta("b", 30, DeltaUpdate, Fields{"v": 4}),
	})

	require.Len(t, inserted, 4)
	require.Len(t, got, 2, "one notification per group")
	assert.Equal(t, "b", got[0].ModelID)
	assert.Equal(t, "a", got[1].ModelID)
	assert.True(t, got[0].Created)
	assert.Equal(t, []int64{10, 30, 30}, timestamps(got[0].Deltas))

	stream, _ := s.Stream("b")
	assert.Equal(t, DeltaCreate, stream[0].Type, "missing type inferred as create for the first delta")
	assert.Equal(t, DeltaUpdate, stream[1].Type)
	assert.Equal(t, 3, stream[1].Payload["v"])
	assert.Equal(t, 4, stream[2].Payload["v"], "equal timestamps keep batch order")
}

func TestDeltaStore_StreamIsACopy(t *testing.T) {
	s := NewDeltaStore()
	fields := Fields{"a": 1}
	_, _ = s.Push("m", fields)
	fields["a"] = 99

	stream, _ := s.Stream("m")
	stream[0].Payload["a"] = 42

	again, _ := s.Stream("m")
	assert.Equal(t, 1, again[0].Payload["a"])

	_, ok := s.Stream("missing")
	assert.False(t, ok)
	assert.False(t, s.HasCreate("missing"))
}

func TestDeltaStore_HasCreateIsIndependentOfReduction(t *testing.T) {
	s := NewDeltaStore()
	s.PushMany([]Delta{delta("m", 1, DeltaUpdate, Fields{"a": 1})})

	stream, _ := s.Stream("m")
	m, err := ReduceToModel(stream)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.False(t, s.HasCreate("m"))
}
