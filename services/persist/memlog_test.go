// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"sync"

	"github.com/AleutianAI/deltarepo/services/repository"
)

// memLog is an in-memory DeltaLog and SnapshotStore for tests.
type memLog struct {
	mu        sync.Mutex
	streams   map[string][]repository.Delta
	snapshots map[string]repository.Model
	appends   int
	err       error
}

func newMemLog() *memLog {
	return &memLog{
		streams:   make(map[string][]repository.Delta),
		snapshots: make(map[string]repository.Model),
	}
}

func (l *memLog) Append(ctx context.Context, d repository.Delta) error {
	return l.AppendBatch(ctx, []repository.Delta{d})
}

func (l *memLog) AppendBatch(_ context.Context, deltas []repository.Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.appends++
	for _, d := range deltas {
		l.streams[d.ModelID] = repository.InsertSorted(l.streams[d.ModelID], d.Clone())
	}
	return nil
}

func (l *memLog) LoadStream(_ context.Context, modelID string) ([]repository.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	out := make([]repository.Delta, 0, len(l.streams[modelID]))
	for _, d := range l.streams[modelID] {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (l *memLog) LoadAll(ctx context.Context) (map[string][]repository.Delta, error) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.streams))
	for id := range l.streams {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	out := make(map[string][]repository.Delta, len(ids))
	for _, id := range ids {
		stream, err := l.LoadStream(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = stream
	}
	return out, nil
}

func (l *memLog) SaveSnapshot(_ context.Context, m repository.Model) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[m.ID] = m.Clone()
	return nil
}

func (l *memLog) DeleteSnapshot(_ context.Context, modelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.snapshots, modelID)
	return nil
}

func (l *memLog) LoadSnapshots(context.Context) (map[string]repository.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]repository.Model, len(l.snapshots))
	for id, m := range l.snapshots {
		out[id] = m.Clone()
	}
	return out, nil
}

func (l *memLog) stream(id string) []repository.Delta {
	s, _ := l.LoadStream(context.Background(), id)
	return s
}

func (l *memLog) appendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appends
}

func (l *memLog) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

var (
	_ DeltaLog      = (*memLog)(nil)
	_ SnapshotStore = (*memLog)(nil)
)
