// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filelog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deltarepo/services/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func delta(id string, ts int64, payload repository.Fields) repository.Delta {
	return repository.Delta{ModelID: id, Timestamp: ts, Type: repository.DeltaUpdate, Payload: payload}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "colors")
	s, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())
	assert.DirExists(t, dir)

	_, err = Open("", nil)
	assert.Error(t, err)
}

func TestStore_EmptyDirectoryLoadsNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	groups, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), DeltasFile), nil, 0600))
	groups, err = s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	snaps, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestStore_AppendResortsOutOfOrderStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, delta("c1", 300, repository.Fields{"v": "c"})))
	require.NoError(t, s.Append(ctx, delta("c1", 100, repository.Fields{"v": "a"})))
	require.NoError(t, s.AppendBatch(ctx, []repository.Delta{
		delta("c1", 200, repository.Fields{"v": "b1"}),
		delta("c1", 200, repository.Fields{"v": "b2"}),
		delta("c2", 1, repository.Fields{"v": "x"}),
	}))

	stream, err := s.LoadStream(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stream, 4)

	values := make([]any, len(stream))
	for i, d := range stream {
		values[i] = d.Payload["v"]
	}
	assert.Equal(t, []any{"a", "b1", "b2", "c"}, values)

	missing, err := s.LoadStream(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_FileFormat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, repository.Delta{ModelID: "c1", Timestamp: 5, Type: repository.DeltaCreate, Payload: repository.Fields{"hex": "#fff"}}))
	require.NoError(t, s.SaveSnapshot(ctx, repository.Model{ID: "c1", UpdatedAt: 5, Fields: repository.Fields{"hex": "#fff"}}))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), DeltasFile))
	require.NoError(t, err)
	var deltas map[string][]map[string]any
	require.NoError(t, json.Unmarshal(raw, &deltas))
	require.Len(t, deltas["c1"], 1)
	assert.Equal(t, "c1", deltas["c1"][0]["modelId"])
	assert.Equal(t, "create", deltas["c1"][0]["type"])

	raw, err = os.ReadFile(filepath.Join(s.Dir(), SnapshotsFile))
	require.NoError(t, err)
	var snaps map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &snaps))
	assert.Equal(t, map[string]any{"id": "c1", "updatedAt": float64(5), "hex": "#fff"}, snaps["c1"])

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestStore_LoadAllRepairsExternalEdits(t *testing.T) {
	s := openTestStore(t)
	body := `{"c1":[{"timestamp":20,"type":"update","payload":{"v":2}},{"timestamp":10,"type":"create","payload":{"v":1}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), DeltasFile), []byte(body), 0600))

	groups, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, groups["c1"], 2)
	assert.Equal(t, int64(10), groups["c1"][0].Timestamp)
	assert.Equal(t, "c1", groups["c1"][0].ModelID)
	assert.Equal(t, "c1", groups["c1"][1].ModelID)
}

func TestStore_CorruptFileIsAnError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), DeltasFile), []byte("{not json"), 0600))

	_, err := s.LoadAll(context.Background())
	assert.Error(t, err)
	assert.Error(t, s.Append(context.Background(), delta("c1", 1, nil)))
}

func TestStore_Snapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, repository.Model{ID: "a", UpdatedAt: 1, Fields: repository.Fields{"n": 1}}))
	require.NoError(t, s.SaveSnapshot(ctx, repository.Model{ID: "b", UpdatedAt: 2}))
	require.NoError(t, s.SaveSnapshot(ctx, repository.Model{ID: "a", UpdatedAt: 3, Fields: repository.Fields{"n": 3}}))
	assert.ErrorIs(t, s.SaveSnapshot(ctx, repository.Model{}), repository.ErrMissingModelID)

	snaps, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(3), snaps["a"].UpdatedAt)
	assert.Equal(t, float64(3), snaps["a"].Fields["n"])

	require.NoError(t, s.DeleteSnapshot(ctx, "a"))
	require.NoError(t, s.DeleteSnapshot(ctx, "a"))
	snaps, err = s.LoadSnapshots(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snaps, "a")
}

func TestStore_RejectsMissingModelID(t *testing.T) {
	s := openTestStore(t)
	err := s.Append(context.Background(), delta("", 1, nil))
	assert.ErrorIs(t, err, repository.ErrMissingModelID)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, delta("c1", int64(i), repository.Fields{"i": i})))
		}(i)
	}
	wg.Wait()

	stream, err := s.LoadStream(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, stream, 20)
	assert.True(t, repository.IsSorted(stream))
}

func TestStore_WatchReloadsOnChange(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloads []map[string][]repository.Delta
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, 30*time.Millisecond, func(groups map[string][]repository.Delta) {
			mu.Lock()
			defer mu.Unlock()
			reloads = append(reloads, groups)
		})
	}()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(context.Background(), delta("c1", int64(i), repository.Fields{"i": i})))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads) >= 1 && len(reloads[len(reloads)-1]["c1"]) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestStore_WatchHandlerDoesNotOverlap(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var active, maxActive, calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, 20*time.Millisecond, func(map[string][]repository.Delta) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(150 * time.Millisecond)
			active.Add(-1)
			calls.Add(1)
		})
	}()
	time.Sleep(50 * time.Millisecond)

	// Each write settles while the previous reload is still in the handler.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(context.Background(), delta("c1", int64(i), repository.Fields{"i": i})))
		time.Sleep(60 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())

	cancel()
	<-done
}

func TestStore_WatchMissingDirectory(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))
	err := s.Watch(context.Background(), 0, func(map[string][]repository.Delta) {})
	assert.Error(t, err)
}
