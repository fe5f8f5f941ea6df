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
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deltarepo/pkg/logging"
	"github.com/AleutianAI/deltarepo/pkg/ux"
	"github.com/AleutianAI/deltarepo/services/config"
	"github.com/AleutianAI/deltarepo/services/filelog"
	"github.com/AleutianAI/deltarepo/services/journal"
	"github.com/AleutianAI/deltarepo/services/persist"
	"github.com/AleutianAI/deltarepo/services/themes"
)

// backend is a storage implementation the CLI can drive.
type backend interface {
	persist.DeltaLog
	persist.SnapshotStore
}

type options struct {
	configPath string
	logLevel   string
	backend    string
	path       string
	inMemory   bool
	schema     string
	trace      bool
	metrics    string
	json       bool
}

// app holds what PersistentPreRunE sets up for a command.
type app struct {
	opts    options
	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
	store   backend

	closers []func(context.Context) error
}

// run executes the CLI with args and always releases what setup opened.
func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	a := &app{}
	root := newRootCmd(a, out, errOut)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "deltarepo",
		Short: "Inspect and edit a delta-sourced model repository",
		Long: `deltarepo reads and writes per-model delta streams, materializes
them into read models, and pushes edits through validation before they are
persisted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(out, errOut)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.opts.backend, "backend", "", "storage backend (badger, file)")
	flags.StringVar(&a.opts.path, "path", "", "storage directory")
	flags.BoolVar(&a.opts.inMemory, "in-memory", false, "use an in-memory badger journal")
	flags.StringVar(&a.opts.schema, "schema", "color", "model schema to validate against (color, none)")
	flags.BoolVar(&a.opts.trace, "trace", false, "print OpenTelemetry spans to stderr")
	flags.StringVar(&a.opts.metrics, "metrics", "", "print metrics to stderr on exit (stdout, prometheus)")
	flags.BoolVar(&a.opts.json, "json", false, "write machine-readable JSON to stdout")

	root.AddCommand(
		newModelsCmd(a),
		newStreamCmd(a),
		newPushCmd(a),
		newDeleteCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newCSSCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(out, errOut io.Writer) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.Logging.Level = a.opts.logLevel
	}
	if a.opts.backend != "" {
		cfg.Storage.Backend = a.opts.backend
	}
	if a.opts.path != "" {
		cfg.Storage.Path = a.opts.path
	}
	if a.opts.inMemory {
		cfg.Storage.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := cfg.Logger()
	logCfg.Output = errOut
	a.logger = logging.New(logCfg)
	a.closers = append(a.closers, func(context.Context) error { return a.logger.Close() })

	a.printer = ux.NewPrinter(out, errOut, ux.DetectMode(out, a.opts.json))

	if a.opts.trace {
		if err := a.installTracing(errOut); err != nil {
			return err
		}
	}
	if a.opts.metrics != "" {
		if err := a.installMetrics(a.opts.metrics, errOut); err != nil {
			return err
		}
	}
	return a.openStore()
}

func (a *app) openStore() error {
	logger := a.logger.Slog()
	switch a.cfg.Storage.Backend {
	case config.BackendFile:
		s, err := filelog.Open(config.ExpandHome(a.cfg.Storage.Path), logger)
		if err != nil {
			return err
		}
		a.store = s
	default:
		jcfg := a.cfg.Journal()
		jcfg.Logger = logger
		j, err := journal.Open(jcfg)
		if err != nil {
			return err
		}
		if j.IsDegraded() {
			a.printer.Warning("journal is degraded: reads are empty and writes fail")
		}
		a.store = j
		a.closers = append(a.closers, func(context.Context) error { return j.Close() })
	}
	return nil
}

// validator returns the model validator for --schema.
func (a *app) validator() (persist.Validator, error) {
	switch a.opts.schema {
	case "color":
		return themes.NewValidator(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schema %q", a.opts.schema)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
