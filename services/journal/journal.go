// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal stores delta streams and read-model snapshots in BadgerDB.
//
// Every entry is checksummed. A journal opened with AllowDegraded keeps
// running without storage when BadgerDB cannot be opened: writes fail with
// ErrDegraded and loads return nothing.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/repository"
	"github.com/AleutianAI/deltarepo/services/storage/badger"
)

var (
	// ErrClosed is returned when operations are called on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when an entry fails its integrity check.
	ErrCorrupted = errors.New("journal entry corrupted")

	// ErrDegraded is returned by writes while the journal has no storage.
	ErrDegraded = errors.New("journal operating in degraded mode")

	// ErrInvalidModelID is returned for empty ids or ids containing NUL.
	ErrInvalidModelID = errors.New("invalid model id")
)

var tracer = otel.Tracer("deltarepo.journal")

// Config configures a Journal.
type Config struct {
	// Path is the BadgerDB directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// Group scopes every key so several logical repositories can share
	// one database.
	Group string `yaml:"group"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// InMemory keeps the database in RAM.
	InMemory bool `yaml:"in_memory"`

	// AllowDegraded lets Open succeed when BadgerDB is unavailable.
	AllowDegraded bool `yaml:"allow_degraded"`

	// SkipCorrupted drops entries that fail their checksum instead of
	// failing the load.
	SkipCorrupted bool `yaml:"skip_corrupted"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a durable configuration for the "default" group.
func DefaultConfig() Config {
	return Config{
		Group:      "default",
		SyncWrites: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required unless in_memory is set")
	}
	if c.Group == "" {
		return errors.New("group must not be empty")
	}
	if strings.ContainsAny(c.Group, "/\x00") {
		return fmt.Errorf("group %q must not contain '/' or NUL", c.Group)
	}
	return nil
}

// Stats is a point-in-time view of journal activity since Open.
type Stats struct {
	// Appended is the number of deltas written.
	Appended int64

	// Bytes is the number of encoded bytes written.
	Bytes int64

	// LastSeq is the most recent arrival sequence number.
	LastSeq uint64

	// Corrupted is the number of entries skipped on load.
	Corrupted int64

	// Degraded reports whether the journal is running without storage.
	Degraded bool
}

// Journal is a BadgerDB-backed DeltaLog and SnapshotStore.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    Config
	keys   keys
	logger *slog.Logger

	seq       atomic.Uint64
	appended  atomic.Int64
	bytes     atomic.Int64
	corrupted atomic.Int64
	degraded  atomic.Bool
	closed    atomic.Bool
}

var (
	_ persist.DeltaLog      = (*Journal)(nil)
	_ persist.SnapshotStore = (*Journal)(nil)
)

// Open opens or creates the journal described by cfg.
//
// Outputs:
//
//	*Journal - Call Close when done.
//	error - Invalid config, or BadgerDB failure when AllowDegraded is false.
func Open(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	j := &Journal{
		cfg:    cfg,
		keys:   keys{group: cfg.Group},
		logger: cfg.Logger.With(slog.String("component", "journal"), slog.String("group", cfg.Group)),
	}

	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.InMemory = cfg.InMemory
	dbCfg.SyncWrites = cfg.SyncWrites
	dbCfg.Logger = cfg.Logger

	db, err := badger.Open(dbCfg)
	if err != nil {
		if cfg.AllowDegraded {
			j.logger.Warn("BadgerDB unavailable, operating in degraded mode",
				slog.String("path", cfg.Path),
				slog.String("error", err.Error()))
			j.degraded.Store(true)
			return j, nil
		}
		return nil, fmt.Errorf("open badger: %w", err)
	}
	j.db = db

	if err := j.loadSeq(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	j.logger.Info("journal opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Uint64("last_seq", j.seq.Load()))
	return j, nil
}

func (j *Journal) loadSeq() error {
	return j.db.View(context.Background(), func(txn *dgbadger.Txn) error {
		item, err := txn.Get(j.keys.seq())
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: sequence value has %d bytes", ErrCorrupted, len(val))
			}
			j.seq.Store(binary.BigEndian.Uint64(val))
			return nil
		})
	})
}

// maxAppendAttempts bounds retries of an AppendBatch that lost a race on
// the sequence key.
const maxAppendAttempts = 10

// storeSeq writes the highest sequence handed out so far. The stored value
// is read first so a concurrent commit of the key aborts this transaction
// with ErrConflict instead of leaving a lower value behind.
func (j *Journal) storeSeq(txn *dgbadger.Txn) error {
	var stored uint64
	item, err := txn.Get(j.keys.seq())
	switch {
	case errors.Is(err, dgbadger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				stored = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	next := max(stored, j.seq.Load())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	return txn.Set(j.keys.seq(), buf[:])
}

// Append writes one delta.
func (j *Journal) Append(ctx context.Context, d repository.Delta) error {
	return j.AppendBatch(ctx, []repository.Delta{d})
}

// AppendBatch writes deltas in one transaction. Deltas sharing a model id and
// timestamp are read back in the order given.
func (j *Journal) AppendBatch(ctx context.Context, deltas []repository.Delta) error {
	ctx, span, err := j.begin(ctx, "journal.AppendBatch", attribute.Int("count", len(deltas)))
	if err != nil {
		return err
	}
	defer span.End()

	if j.degraded.Load() {
		span.SetStatus(codes.Error, "degraded mode")
		return ErrDegraded
	}
	if len(deltas) == 0 {
		return nil
	}

	values := make([][]byte, len(deltas))
	for i, d := range deltas {
		if !validModelID(d.ModelID) {
			span.SetStatus(codes.Error, "invalid model id")
			return fmt.Errorf("%w: %q", ErrInvalidModelID, d.ModelID)
		}
		v, err := encodeValue(d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode failed")
			return fmt.Errorf("encode delta for %s: %w", d.ModelID, err)
		}
		values[i] = v
	}

	var written int64
	for attempt := 1; ; attempt++ {
		written = 0
		err = j.db.Update(ctx, func(txn *dgbadger.Txn) error {
			for i, d := range deltas {
				if err := txn.Set(j.keys.delta(d.ModelID, d.Timestamp, j.seq.Add(1)), values[i]); err != nil {
					return err
				}
				written += int64(len(values[i]))
			}
			return j.storeSeq(txn)
		})
		if !errors.Is(err, dgbadger.ErrConflict) || attempt == maxAppendAttempts {
			break
		}
		j.logger.Debug("sequence conflict, retrying append", slog.Int("attempt", attempt))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write deltas: %w", err)
	}

	j.appended.Add(int64(len(deltas)))
	j.bytes.Add(written)

	span.SetAttributes(
		attribute.Int64("last_seq", int64(j.seq.Load())),
		attribute.Int64("bytes", written),
	)
	j.logger.Debug("deltas appended",
		slog.Int("count", len(deltas)),
		slog.Int64("bytes", written))
	return nil
}

// LoadStream returns the stream for one model in timestamp order.
func (j *Journal) LoadStream(ctx context.Context, modelID string) ([]repository.Delta, error) {
	ctx, span, err := j.begin(ctx, "journal.LoadStream", attribute.String("model_id", modelID))
	if err != nil {
		return nil, err
	}
	defer span.End()

	if !validModelID(modelID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
	}
	if j.degraded.Load() {
		span.SetAttributes(attribute.Bool("degraded", true))
		return nil, nil
	}

	var stream []repository.Delta
	err = j.db.View(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, j.keys.streamPrefix(modelID), func(key, value []byte) error {
			d, ok, err := j.decodeDelta(key, value)
			if err != nil || !ok {
				return err
			}
			stream = append(stream, d)
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load stream %s: %w", modelID, err)
	}

	span.SetAttributes(attribute.Int("deltas", len(stream)))
	return stream, nil
}

// LoadAll returns every stream in the group keyed by model id.
func (j *Journal) LoadAll(ctx context.Context) (map[string][]repository.Delta, error) {
	ctx, span, err := j.begin(ctx, "journal.LoadAll")
	if err != nil {
		return nil, err
	}
	defer span.End()

	groups := make(map[string][]repository.Delta)
	if j.degraded.Load() {
		span.SetAttributes(attribute.Bool("degraded", true))
		return groups, nil
	}

	total := 0
	err = j.db.View(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, j.keys.deltaRoot(), func(key, value []byte) error {
			d, ok, err := j.decodeDelta(key, value)
			if err != nil || !ok {
				return err
			}
			groups[d.ModelID] = append(groups[d.ModelID], d)
			total++
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load all streams: %w", err)
	}

	span.SetAttributes(
		attribute.Int("models", len(groups)),
		attribute.Int("deltas", total),
	)
	return groups, nil
}

// decodeDelta returns ok=false for a corrupted entry that was skipped.
func (j *Journal) decodeDelta(key, value []byte) (repository.Delta, bool, error) {
	modelID, ts, err := j.keys.parseDeltaKey(key)
	if err == nil {
		var d repository.Delta
		if err = decodeValue(value, &d); err == nil {
			d.ModelID = modelID
			d.Timestamp = ts
			return d, true, nil
		}
	}
	if j.cfg.SkipCorrupted && errors.Is(err, ErrCorrupted) {
		j.corrupted.Add(1)
		j.logger.Warn("skipping corrupted delta",
			slog.String("key", fmt.Sprintf("%q", key)),
			slog.String("error", err.Error()))
		return repository.Delta{}, false, nil
	}
	return repository.Delta{}, false, err
}

// SaveSnapshot stores the read model for m.ID, replacing any previous one.
func (j *Journal) SaveSnapshot(ctx context.Context, m repository.Model) error {
	ctx, span, err := j.begin(ctx, "journal.SaveSnapshot", attribute.String("model_id", m.ID))
	if err != nil {
		return err
	}
	defer span.End()

	if j.degraded.Load() {
		span.SetStatus(codes.Error, "degraded mode")
		return ErrDegraded
	}
	if !validModelID(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidModelID, m.ID)
	}

	value, err := encodeValue(m)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode snapshot %s: %w", m.ID, err)
	}
	err = j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.keys.snapshot(m.ID), value)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write snapshot %s: %w", m.ID, err)
	}
	return nil
}

// DeleteSnapshot removes the read model for modelID. Missing ids are ignored.
func (j *Journal) DeleteSnapshot(ctx context.Context, modelID string) error {
	ctx, span, err := j.begin(ctx, "journal.DeleteSnapshot", attribute.String("model_id", modelID))
	if err != nil {
		return err
	}
	defer span.End()

	if j.degraded.Load() {
		span.SetStatus(codes.Error, "degraded mode")
		return ErrDegraded
	}
	if !validModelID(modelID) {
		return fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
	}

	err = j.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(j.keys.snapshot(modelID))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("delete snapshot %s: %w", modelID, err)
	}
	return nil
}

// LoadSnapshots returns every stored read model keyed by id.
func (j *Journal) LoadSnapshots(ctx context.Context) (map[string]repository.Model, error) {
	ctx, span, err := j.begin(ctx, "journal.LoadSnapshots")
	if err != nil {
		return nil, err
	}
	defer span.End()

	out := make(map[string]repository.Model)
	if j.degraded.Load() {
		span.SetAttributes(attribute.Bool("degraded", true))
		return out, nil
	}

	err = j.db.View(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, j.keys.snapshotRoot(), func(key, value []byte) error {
			var m repository.Model
			if err := decodeValue(value, &m); err != nil {
				if j.cfg.SkipCorrupted && errors.Is(err, ErrCorrupted) {
					j.corrupted.Add(1)
					j.logger.Warn("skipping corrupted snapshot", slog.String("key", string(key)))
					return nil
				}
				return err
			}
			out[m.ID] = m
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	span.SetAttributes(attribute.Int("models", len(out)))
	return out, nil
}

// begin checks the journal is usable and starts a span.
func (j *Journal) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, error) {
	if err := ctx.Err(); err != nil {
		return ctx, nil, err
	}
	if j.closed.Load() {
		return ctx, nil, ErrClosed
	}
	attrs = append(attrs, attribute.String("group", j.cfg.Group))
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, nil
}

// IsDegraded reports whether the journal is running without storage.
func (j *Journal) IsDegraded() bool {
	return j.degraded.Load()
}

// Stats returns journal statistics.
func (j *Journal) Stats() Stats {
	return Stats{
		Appended:  j.appended.Load(),
		Bytes:     j.bytes.Load(),
		LastSeq:   j.seq.Load(),
		Corrupted: j.corrupted.Load(),
		Degraded:  j.degraded.Load(),
	}
}

// Sync flushes pending writes.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	if j.db == nil {
		return nil
	}
	return j.db.Sync()
}

// Close syncs and releases the database. Safe to call more than once.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.logger.Info("closing journal")
	if j.db == nil {
		return nil
	}
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}
