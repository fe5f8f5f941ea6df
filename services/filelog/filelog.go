// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filelog persists delta streams and read models as two JSON files
// in one directory.
//
// deltas.json maps model id to its stream; read-models.json maps model id to
// its latest snapshot. Each write replaces the whole file atomically.
package filelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/repository"
)

const (
	// DeltasFile holds every stream keyed by model id.
	DeltasFile = "deltas.json"

	// SnapshotsFile holds the read model for every id.
	SnapshotsFile = "read-models.json"
)

// Store is a directory-backed DeltaLog and SnapshotStore.
//
// Thread Safety: Safe for concurrent use within one process. Concurrent
// writers in other processes are not coordinated.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

var (
	_ persist.DeltaLog      = (*Store)(nil)
	_ persist.SnapshotStore = (*Store)(nil)
)

// Open prepares dir for use, creating it when missing.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "filelog"), slog.String("dir", dir)),
	}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Append adds one delta to its stream.
func (s *Store) Append(ctx context.Context, d repository.Delta) error {
	return s.AppendBatch(ctx, []repository.Delta{d})
}

// AppendBatch adds deltas to their streams and rewrites deltas.json once.
// A stream left out of timestamp order by the append is re-sorted stably.
func (s *Store) AppendBatch(ctx context.Context, deltas []repository.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	for _, d := range deltas {
		if d.ModelID == "" {
			return fmt.Errorf("append: %w", repository.ErrMissingModelID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readDeltas()
	if err != nil {
		return err
	}
	touched := make(map[string]bool)
	for _, d := range deltas {
		groups[d.ModelID] = append(groups[d.ModelID], d.Clone())
		touched[d.ModelID] = true
	}
	for id := range touched {
		if !repository.IsSorted(groups[id]) {
			repository.SortStable(groups[id])
			s.logger.Debug("re-sorted stream after append", slog.String("model_id", id))
		}
	}
	return s.writeJSON(DeltasFile, groups)
}

// LoadStream returns one stream in timestamp order, or nil when absent.
func (s *Store) LoadStream(ctx context.Context, modelID string) ([]repository.Delta, error) {
	groups, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return groups[modelID], nil
}

// LoadAll returns every stream. Streams edited out of order on disk are
// sorted, and entries missing a model id take it from their key.
func (s *Store) LoadAll(ctx context.Context) (map[string][]repository.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readDeltas()
	if err != nil {
		return nil, err
	}
	for id, stream := range groups {
		for i := range stream {
			if stream[i].ModelID == "" {
				stream[i].ModelID = id
			}
		}
		if !repository.IsSorted(stream) {
			repository.SortStable(stream)
		}
	}
	return groups, nil
}

// SaveSnapshot replaces the read model for m.ID.
func (s *Store) SaveSnapshot(ctx context.Context, m repository.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" {
		return fmt.Errorf("save snapshot: %w", repository.ErrMissingModelID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.readSnapshots()
	if err != nil {
		return err
	}
	snaps[m.ID] = m.Clone()
	return s.writeJSON(SnapshotsFile, snaps)
}

// DeleteSnapshot removes the read model for modelID.
func (s *Store) DeleteSnapshot(ctx context.Context, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.readSnapshots()
	if err != nil {
		return err
	}
	if _, ok := snaps[modelID]; !ok {
		return nil
	}
	delete(snaps, modelID)
	return s.writeJSON(SnapshotsFile, snaps)
}

// LoadSnapshots returns every stored read model.
func (s *Store) LoadSnapshots(ctx context.Context) (map[string]repository.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSnapshots()
}

func (s *Store) readDeltas() (map[string][]repository.Delta, error) {
	groups := make(map[string][]repository.Delta)
	if err := s.readJSON(DeltasFile, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) readSnapshots() (map[string]repository.Model, error) {
	snaps := make(map[string]repository.Model)
	if err := s.readJSON(SnapshotsFile, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// readJSON decodes name into v. A missing or empty file leaves v untouched.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// writeJSON replaces name with the encoding of v via a synced temp file and
// rename.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}

	success = true
	return nil
}
