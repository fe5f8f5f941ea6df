// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads deltarepo settings with priority env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/deltarepo/pkg/logging"
	"github.com/AleutianAI/deltarepo/services/journal"
	"github.com/AleutianAI/deltarepo/services/persist"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DELTAREPO_"

// Storage backends.
const (
	BackendBadger = "badger"
	BackendFile   = "file"
)

// Config is the full deltarepo configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and configures the delta log.
type StorageConfig struct {
	// Backend is "badger" or "file".
	Backend string `yaml:"backend" validate:"oneof=badger file"`

	// Path is the BadgerDB directory or the JSON file directory.
	Path string `yaml:"path" validate:"required_without=InMemory"`

	// Group scopes journal keys.
	Group string `yaml:"group" validate:"required,excludesall=/"`

	SyncWrites    bool `yaml:"sync_writes"`
	InMemory      bool `yaml:"in_memory"`
	AllowDegraded bool `yaml:"allow_degraded"`
	SkipCorrupted bool `yaml:"skip_corrupted"`
}

// SyncConfig configures the debounced syncer.
type SyncConfig struct {
	Wait       time.Duration `yaml:"wait" validate:"gt=0"`
	MaxWait    time.Duration `yaml:"max_wait" validate:"gte=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=100"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	sync := persist.DefaultSyncerConfig()
	return Config{
		Storage: StorageConfig{
			Backend:    BackendBadger,
			Path:       "~/.deltarepo/journal",
			Group:      "default",
			SyncWrites: true,
		},
		Sync: SyncConfig{
			Wait:       sync.Wait,
			MaxWait:    sync.MaxWait,
			MaxRetries: sync.MaxRetries,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional; a missing file keeps the defaults), applies
// DELTAREPO_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from DELTAREPO_* variables. Malformed values are
// errors rather than silently ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_GROUP", &cfg.Storage.Group)
	boolean("STORAGE_SYNC_WRITES", &cfg.Storage.SyncWrites)
	boolean("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)
	boolean("STORAGE_ALLOW_DEGRADED", &cfg.Storage.AllowDegraded)
	boolean("STORAGE_SKIP_CORRUPTED", &cfg.Storage.SkipCorrupted)

	duration("SYNC_WAIT", &cfg.Sync.Wait)
	duration("SYNC_MAX_WAIT", &cfg.Sync.MaxWait)
	integer("SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_DIR", &cfg.Logging.Dir)
	boolean("LOG_JSON", &cfg.Logging.JSON)

	return errors.Join(errs...)
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Sync.MaxWait > 0 && c.Sync.MaxWait < c.Sync.Wait {
		return fmt.Errorf("sync.max_wait (%s) must not be shorter than sync.wait (%s)", c.Sync.MaxWait, c.Sync.Wait)
	}
	if c.Storage.Backend == BackendFile && c.Storage.InMemory {
		return errors.New("storage.in_memory requires the badger backend")
	}
	return nil
}

// Journal returns the journal settings. Path is expanded for ~.
func (c Config) Journal() journal.Config {
	return journal.Config{
		Path:          ExpandHome(c.Storage.Path),
		Group:         c.Storage.Group,
		SyncWrites:    c.Storage.SyncWrites,
		InMemory:      c.Storage.InMemory,
		AllowDegraded: c.Storage.AllowDegraded,
		SkipCorrupted: c.Storage.SkipCorrupted,
	}
}

// Syncer returns the syncer settings.
func (c Config) Syncer() persist.SyncerConfig {
	return persist.SyncerConfig{
		Wait:       c.Sync.Wait,
		MaxWait:    c.Sync.MaxWait,
		MaxRetries: c.Sync.MaxRetries,
		Name:       "deltarepo_sync",
	}
}

// Logger returns the logging settings. The level was validated by Load.
func (c Config) Logger() logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:  level,
		LogDir: c.Logging.Dir,
		JSON:   c.Logging.JSON,
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
