// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deltarepo/pkg/ux"
	"github.com/AleutianAI/deltarepo/services/filelog"
	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/repository"
	"github.com/AleutianAI/deltarepo/services/themes"
)

var (
	// errRejected is returned when the validator refuses an edit.
	errRejected = errors.New("edit rejected")

	// errNotPersisted is returned when an edit is still unconfirmed after
	// the final flush.
	errNotPersisted = errors.New("edit not persisted")
)

func newModelsCmd(a *app) *cobra.Command {
	var snapshots bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the live models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var models []repository.Model
			if snapshots {
				snaps, err := a.store.LoadSnapshots(cmd.Context())
				if err != nil {
					return err
				}
				for _, m := range snaps {
					models = append(models, m)
				}
				sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
			} else {
				store, err := a.loadModels(cmd.Context())
				if err != nil {
					return err
				}
				models = store.Models()
			}

			if a.printer.Mode == ux.ModeJSON {
				return a.printer.Data(models)
			}
			a.printer.Title("Models")
			for _, m := range models {
				a.printer.Record(m.ID, modelFields(m))
			}
			a.printer.Muted("%d models", len(models))
			return nil
		},
	}
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "read the stored snapshots instead of reducing the streams")
	return cmd
}

func newStreamCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <model-id>",
		Short: "Print the delta stream of one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := a.store.LoadStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.printer.Mode == ux.ModeJSON {
				if stream == nil {
					stream = []repository.Delta{}
				}
				return a.printer.Data(stream)
			}
			a.printer.Title("Stream " + args[0])
			for _, d := range stream {
				title := fmt.Sprintf("%d %s", d.Timestamp, d.Type)
				a.printer.Record(title, payloadFields(d.Payload))
			}
			a.printer.Muted("%d deltas", len(stream))
			return nil
		},
	}
}

func newPushCmd(a *app) *cobra.Command {
	var (
		create bool
		at     int64
	)
	cmd := &cobra.Command{
		Use:   "push <model-id> key=value...",
		Short: "Apply a partial update to a model",
		Long: `Apply a partial update to a model. Values are parsed as JSON when
possible and taken as strings otherwise; key=null clears a field.
With --new the model id is generated and every argument is a field.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if !create {
				id, args = args[0], args[1:]
			}
			fields, err := parseFields(args)
			if err != nil {
				return err
			}
			if create && a.opts.schema == "color" {
				for k, v := range themes.NewColor("") {
					if _, ok := fields[k]; !ok {
						fields[k] = v
					}
				}
			}

			return a.edit(cmd.Context(), func(store *repository.ModelStore, opts []repository.PushOption) (repository.Delta, error) {
				if create {
					return store.Create(fields, opts...), nil
				}
				return store.Push(id, fields, opts...)
			}, at)
		},
	}
	cmd.Flags().BoolVar(&create, "new", false, "create a model with a generated id")
	cmd.Flags().Int64Var(&at, "at", 0, "explicit delta timestamp in milliseconds (default now)")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var at int64
	cmd := &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.edit(cmd.Context(), func(store *repository.ModelStore, opts []repository.PushOption) (repository.Delta, error) {
				return store.Delete(args[0], opts...)
			}, at)
		},
	}
	cmd.Flags().Int64Var(&at, "at", 0, "explicit delta timestamp in milliseconds (default now)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write every stream as JSON keyed by model id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := a.store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return a.printer.Data(groups)
			}
			data, err := json.MarshalIndent(groups, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0600); err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			a.printer.Success("exported %d models to %s", len(groups), args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Append streams from an export file and refresh snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var groups map[string][]repository.Delta
			if err := json.Unmarshal(data, &groups); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			ids := make([]string, 0, len(groups))
			for id := range groups {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			var batch []repository.Delta
			for _, id := range ids {
				stream := groups[id]
				for i := range stream {
					stream[i].ModelID = id
					if !stream[i].Type.Valid() {
						return fmt.Errorf("model %s: delta %d has type %q", id, i, stream[i].Type)
					}
				}
				repository.SortStable(stream)
				batch = append(batch, stream...)
			}
			if err := a.store.AppendBatch(ctx, batch); err != nil {
				return err
			}

			store, err := a.loadModels(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if m, ok := store.Get(id); ok {
					err = a.store.SaveSnapshot(ctx, m)
				} else {
					err = a.store.DeleteSnapshot(ctx, id)
				}
				if err != nil {
					return err
				}
			}
			a.printer.Success("imported %d deltas for %d models", len(batch), len(ids))
			return nil
		},
	}
}

func newCSSCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "css",
		Short: "Render the live color models as CSS custom properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.loadModels(cmd.Context())
			if err != nil {
				return err
			}
			models := store.Models()
			sort.SliceStable(models, func(i, j int) bool { return models[i].UpdatedAt < models[j].UpdatedAt })

			css, err := themes.ExportCSS(models)
			if err != nil {
				return err
			}
			if output == "" {
				a.printer.Raw(css + "\n")
				return nil
			}
			if err := os.WriteFile(output, []byte(css+"\n"), 0600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			a.printer.Success("wrote %d colors to %s", len(models), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the models whenever the file backend changes on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs, ok := a.store.(*filelog.Store)
			if !ok {
				return errors.New("watch requires the file backend")
			}
			a.printer.Muted("watching %s", fs.Dir())
			return fs.Watch(cmd.Context(), a.cfg.Sync.Wait, func(groups map[string][]repository.Delta) {
				store := repository.NewModelStore(repository.WithLogger(a.logger.Slog()))
				store.Load(groups)
				models := store.Models()
				if a.printer.Mode == ux.ModeJSON {
					_ = a.printer.Data(models)
					return
				}
				a.printer.Success("reloaded %d models", len(models))
				for _, m := range models {
					a.printer.Record(m.ID, modelFields(m))
				}
			})
		},
	}
}

// loadModels materializes every stream in the backend.
func (a *app) loadModels(ctx context.Context) (*repository.ModelStore, error) {
	groups, err := a.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	store := repository.NewModelStore(repository.WithLogger(a.logger.Slog()))
	store.Load(groups)
	return store, nil
}

// edit applies one local change and pushes it through the syncer and the
// reconciler, the same path an editor client takes.
func (a *app) edit(ctx context.Context, change func(*repository.ModelStore, []repository.PushOption) (repository.Delta, error), at int64) error {
	v, err := a.validator()
	if err != nil {
		return err
	}
	reconciler, err := persist.NewReconciler(a.store, v,
		persist.WithSnapshots(a.store),
		persist.WithReconcilerLogger(a.logger.Slog()))
	if err != nil {
		return err
	}

	client := repository.NewModelStore(repository.WithLogger(a.logger.Slog()))
	syncer := persist.NewSyncer(client, reconciler, a.cfg.Syncer(), a.logger.Slog())

	var (
		mu      sync.Mutex
		results []persist.FlushResult
	)
	syncer.OnResult(func(r persist.FlushResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	if err := syncer.Load(ctx, a.store); err != nil {
		return err
	}

	var opts []repository.PushOption
	if at != 0 {
		opts = append(opts, repository.WithTimestamp(at))
	}
	d, err := change(client, opts)
	if err != nil {
		return err
	}
	flushErr := syncer.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	for _, r := range results {
		if !r.Result.Success {
			if a.printer.Mode == ux.ModeJSON {
				_ = a.printer.Data(r.Result)
			}
			for _, issue := range r.Result.Errors {
				a.printer.Error("%s", issue.String())
			}
			return fmt.Errorf("%w: %s", errRejected, r.ModelID)
		}
	}
	if flushErr != nil {
		return flushErr
	}
	if n := syncer.Unsent(d.ModelID); n > 0 {
		return fmt.Errorf("%w: %d deltas for %s", errNotPersisted, n, d.ModelID)
	}

	if a.printer.Mode == ux.ModeJSON {
		res := persist.Result{Success: true, UpdatedAt: d.Timestamp}
		if len(results) > 0 {
			res = results[len(results)-1].Result
		}
		return a.printer.Data(struct {
			ModelID string `json:"modelId"`
			persist.Result
		}{ModelID: d.ModelID, Result: res})
	}
	a.printer.Success("%s %s at %d", d.Type, d.ModelID, d.Timestamp)
	return nil
}

func modelFields(m repository.Model) []ux.Field {
	fields := []ux.Field{{Key: "updatedAt", Value: strconv.FormatInt(m.UpdatedAt, 10)}}
	return append(fields, payloadFields(m.Fields)...)
}

func payloadFields(f repository.Fields) []ux.Field {
	out := make([]ux.Field, 0, len(f))
	for _, k := range f.Keys() {
		out = append(out, ux.Field{Key: k, Value: formatValue(f[k])})
	}
	return out
}
