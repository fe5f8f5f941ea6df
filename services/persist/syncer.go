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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/deltarepo/pkg/debounce"
	"github.com/AleutianAI/deltarepo/pkg/events"
	"github.com/AleutianAI/deltarepo/services/repository"
	"golang.org/x/sync/errgroup"
)

// flushParallelism bounds how many models Flush saves at once.
const flushParallelism = 8

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// Wait is the quiet period after the last update before a flush.
	Wait time.Duration

	// MaxWait caps how long a busy model can go without a flush.
	// Zero disables the cap.
	MaxWait time.Duration

	// MaxRetries is how many times a flush is re-armed after a sink error.
	MaxRetries int

	// Name labels the debounce metrics.
	Name string
}

// DefaultSyncerConfig returns a 1s debounce with a 10s cap and 3 retries.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Wait:       time.Second,
		MaxWait:    10 * time.Second,
		MaxRetries: 3,
		Name:       "syncer",
	}
}

// Syncer persists a ModelStore's changes through a Sink.
//
// # Description
//
// Every delta pushed into the store is queued as unconfirmed for its model
// and schedules a debounced flush keyed by model id. A flush takes the
// queue as it is at flush time, squashes it and saves it. Deltas pushed
// while a flush is pending or running stay queued for the next one, and
// deltas that arrive late or share a timestamp are queued like any other.
//
// Outcomes:
//
//   - Saved: the sent deltas leave the queue and the cursor moves to the
//     squashed delta's timestamp if that is newer.
//   - Rejected by validation: the queue stays, OnResult listeners see the
//     issues, and the next update resends the whole queue.
//   - Sink error: the queue stays and the flush is re-armed, up to
//     MaxRetries times in a row.
//   - Create and delete in one batch: the batch is dropped from the queue.
//
// Flushes for one model run one at a time.
//
// # Thread Safety
//
// Safe for concurrent use. Load must not run concurrently with pushes to
// the same store.
type Syncer struct {
	store  *repository.ModelStore
	sink   Sink
	config SyncerConfig
	logger *slog.Logger

	debounce *debounce.Keyed[string, struct{}]
	results  *events.Listener[FlushResult]

	mu       sync.Mutex
	unsent   map[string][]repository.Delta
	cursors  map[string]int64
	retries  map[string]int
	flushing map[string]*sync.Mutex
	loading  bool
	detach   func()
}

// NewSyncer creates a Syncer and starts following store.
func NewSyncer(store *repository.ModelStore, sink Sink, config SyncerConfig, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Name == "" {
		config.Name = "syncer"
	}

	s := &Syncer{
		store:    store,
		sink:     sink,
		config:   config,
		logger:   logger.With(slog.String("component", "syncer")),
		results:  events.NewListener[FlushResult](),
		unsent:   make(map[string][]repository.Delta),
		cursors:  make(map[string]int64),
		retries:  make(map[string]int),
		flushing: make(map[string]*sync.Mutex),
	}
	s.debounce = debounce.NewKeyed(s.flushScheduled, config.Wait, &debounce.Options{
		Name:     config.Name,
		Trailing: true,
		MaxWait:  config.MaxWait,
	})
	s.detach = store.Deltas().OnAnyPush(s.handlePush)
	return s
}

func (s *Syncer) handlePush(event repository.PushEvent) {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return
	}
	for _, d := range event.Deltas {
		s.unsent[event.ModelID] = append(s.unsent[event.ModelID], d.Clone())
	}
	s.mu.Unlock()

	s.debounce.Call(event.ModelID, struct{}{})
}

// Load seeds the store from log. Everything loaded counts as confirmed, so
// it is not flushed back to the sink.
func (s *Syncer) Load(ctx context.Context, log DeltaLog) error {
	groups, err := log.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load all: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	for id, stream := range groups {
		for _, d := range stream {
			if cur, ok := s.cursors[id]; !ok || d.Timestamp > cur {
				s.cursors[id] = d.Timestamp
			}
		}
	}
	s.loading = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()
	s.store.Load(groups)
	return nil
}

// Cursor returns the newest confirmed timestamp for id.
func (s *Syncer) Cursor(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.cursors[id]
	return ts, ok
}

// Unsent returns how many deltas of id the sink has not confirmed.
func (s *Syncer) Unsent(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsent[id])
}

// Pending reports whether any flush is scheduled.
func (s *Syncer) Pending() bool {
	return s.debounce.Pending()
}

// OnResult subscribes to sink results.
func (s *Syncer) OnResult(handler func(FlushResult), opts ...events.SubscribeOption) func() {
	return s.results.Subscribe(handler, opts...)
}

// Flush runs every scheduled flush now and returns their combined errors.
func (s *Syncer) Flush(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(flushParallelism)
	for _, id := range s.debounce.Keys() {
		if !s.debounce.PendingKey(id) {
			continue
		}
		s.debounce.CancelKey(id)
		g.Go(func() error {
			if _, err := s.FlushModel(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.debounce.Prune()
	return errors.Join(errs...)
}

// Close stops following the store and flushes what is scheduled.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	err := s.Flush(ctx)
	s.debounce.Cancel()
	return err
}

func (s *Syncer) flushScheduled(id string, _ struct{}) {
	// Errors are logged and counted inside flush.
	_, _ = s.FlushModel(context.Background(), id)
}

// FlushModel saves the unconfirmed deltas of one model now. It waits for a
// flush of the same model that is already running.
//
// Outputs:
//
//	int - Number of deltas the sink confirmed. Zero when nothing was
//	      queued or the batch was dropped.
//	error - ErrValidationFailed or ErrPersistence when the save failed.
func (s *Syncer) FlushModel(ctx context.Context, id string) (int, error) {
	lock := s.flushLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.flush(ctx, id)
}

func (s *Syncer) flushLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.flushing[id]
	if !ok {
		lock = &sync.Mutex{}
		s.flushing[id] = lock
	}
	return lock
}

// flush sends the queue for id. Caller must hold the flush lock for id, so
// the queue only grows at its tail while the save runs.
func (s *Syncer) flush(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	queued := len(s.unsent[id])
	batch := make([]repository.Delta, queued)
	for i, d := range s.unsent[id] {
		batch[i] = d.Clone()
	}
	s.mu.Unlock()
	if queued == 0 {
		return 0, nil
	}

	repository.SortStable(batch)
	squashed, err := repository.SquashToSingle(batch)
	if errors.Is(err, repository.ErrConflictingSquash) {
		last := batch[len(batch)-1].Timestamp
		s.confirm(id, queued, last)
		flushesTotal.WithLabelValues(outcomeDropped).Inc()
		s.logger.Warn("dropping create+delete batch",
			slog.String("model_id", id),
			slog.Int("deltas", queued),
			slog.Int64("cursor", last))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("squash %s: %w", id, err)
	}

	res, err := s.sink.Save(ctx, *squashed)
	if err != nil {
		flushesTotal.WithLabelValues(outcomeError).Inc()
		s.retry(id, err)
		return 0, fmt.Errorf("%w: save %s: %w", ErrPersistence, id, err)
	}
	s.resetRetries(id)

	s.results.Emit(FlushResult{ModelID: id, Delta: *squashed, Result: res})

	if !res.Success {
		flushesTotal.WithLabelValues(outcomeRejected).Inc()
		s.logger.Warn("sink rejected model",
			slog.String("model_id", id),
			slog.String("issues", issuesSummary(res.Errors)))
		return 0, fmt.Errorf("save %s: %w: %s", id, ErrValidationFailed, issuesSummary(res.Errors))
	}

	s.confirm(id, queued, squashed.Timestamp)
	flushesTotal.WithLabelValues(outcomeSaved).Inc()
	s.logger.Debug("flushed",
		slog.String("model_id", id),
		slog.Int("deltas", queued),
		slog.Int64("timestamp", squashed.Timestamp))
	return queued, nil
}

// confirm removes the first n queued deltas of id and moves the cursor
// forward, never back.
func (s *Syncer) confirm(id string, n int, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := s.unsent[id][n:]
	if len(rest) == 0 {
		delete(s.unsent, id)
	} else {
		s.unsent[id] = append([]repository.Delta(nil), rest...)
	}
	if cur, ok := s.cursors[id]; !ok || ts > cur {
		s.cursors[id] = ts
	}
}

func (s *Syncer) retry(id string, cause error) {
	s.mu.Lock()
	s.retries[id]++
	attempt := s.retries[id]
	if attempt > s.config.MaxRetries {
		delete(s.retries, id)
	}
	s.mu.Unlock()

	if attempt > s.config.MaxRetries {
		s.logger.Error("giving up on flush until next update",
			slog.String("model_id", id),
			slog.Int("attempts", attempt),
			slog.String("error", cause.Error()))
		return
	}

	retriesTotal.Inc()
	s.logger.Warn("flush failed, re-armed",
		slog.String("model_id", id),
		slog.Int("attempt", attempt),
		slog.String("error", cause.Error()))
	s.debounce.Call(id, struct{}{})
}

func (s *Syncer) resetRetries(id string) {
	s.mu.Lock()
	delete(s.retries, id)
	s.mu.Unlock()
}
