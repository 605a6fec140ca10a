// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config validates and hot-reloads the engine's settings. Recognized
// options and their fail-fast validation rules follow the storage engine's
// own startup-time sanity checks; the distinction between options safe to
// change at runtime and those requiring a restart follows the same
// precedent (the engine's own settings.go validates once at load and treats
// schema-shaping options as immutable for the process lifetime).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
)

// unsafeOptions names the fields that a running engine cannot absorb a
// change to without a full restart: they shape on-disk layout or sharding
// topology, neither of which can be migrated live.
var unsafeOptions = map[string]bool{
	"storage_path":     true,
	"vector_dimension": true,
	"num_shards":       true,
}

// Config is the full set of recognized engine options.
type Config struct {
	StoragePath       string `json:"storage_path"`
	VectorDimension   int    `json:"vector_dimension"`
	NumShards         int    `json:"num_shards"`
	WriteLogCapacity  int    `json:"write_log_capacity"`
	WALFsync          bool   `json:"wal_fsync"`
	MaxMessageSize    string `json:"max_message_size"`
	ReconcilerMinTick  string `json:"reconciler_min_tick"`
	ReconcilerBaseTick string `json:"reconciler_base_tick"`
	ReconcilerMaxTick  string `json:"reconciler_max_tick"`
	ArchiveEnabled    bool   `json:"archive_enabled"`
	ArchiveBackend    string `json:"archive_backend"` // "s3", "ceph", or "" (disabled)
	TelemetryEnabled  bool   `json:"telemetry_enabled"`
	// MaxBatchSize bounds how many write-plane entries the reconciler drains
	// in a single tick.
	MaxBatchSize int `json:"max_batch_size"`
	// MemoryThreshold is an in-memory concept count. It is validated with
	// the rest of the config; no engine component reads it.
	MemoryThreshold int `json:"memory_threshold"`
	// DiskFlushThreshold is an in-memory concept count. It is validated with
	// the rest of the config; no engine component reads it, and the durable
	// image is written only by an explicit Flush.
	DiskFlushThreshold int `json:"disk_flush_threshold"`
	// QueueWarningThreshold is the predicted write-plane utilization fraction
	// above which the reconciler treats the queue as already under pressure.
	QueueWarningThreshold float64 `json:"queue_warning_threshold"`
	// EMAAlpha smooths the reconciler's queue-depth and drain-rate readings.
	EMAAlpha float64 `json:"ema_alpha"`
	// TrendWindowSize bounds the reconciler's queue-depth history used for
	// its predictive saturation check.
	TrendWindowSize int `json:"trend_window_size"`
}

// Resolved is Config after unit parsing and defaulting, the form the rest of
// the engine actually consumes.
type Resolved struct {
	StoragePath           string
	VectorDimension       int
	NumShards             int
	WriteLogCapacity      int
	WALFsync              bool
	MaxMessageSize        int64
	ReconcilerMinTick     time.Duration
	ReconcilerBaseTick    time.Duration
	ReconcilerMaxTick     time.Duration
	ArchiveEnabled        bool
	ArchiveBackend        string
	TelemetryEnabled      bool
	MaxBatchSize          int
	MemoryThreshold       int
	DiskFlushThreshold    int
	QueueWarningThreshold float64
	EMAAlpha              float64
	TrendWindowSize       int
}

// Default returns a Config with the engine's out-of-the-box settings.
func Default() Config {
	return Config{
		VectorDimension:       768,
		NumShards:             1,
		WriteLogCapacity:      100_000,
		WALFsync:              true,
		MaxMessageSize:        "64MB",
		ReconcilerMinTick:     "5ms",
		ReconcilerBaseTick:    "50ms",
		ReconcilerMaxTick:     "1s",
		MaxBatchSize:          10_000,
		MemoryThreshold:       100_000,
		DiskFlushThreshold:    50_000,
		QueueWarningThreshold: 0.70,
		EMAAlpha:              0.3,
		TrendWindowSize:       50,
	}
}

// Validate fail-fasts on any setting that would leave the engine in an
// inconsistent state, rather than silently clamping or defaulting it.
func (c Config) Validate() error {
	if c.StoragePath == "" {
		return errors.New("config: storage_path is required")
	}
	if parent := filepath.Dir(c.StoragePath); parent != "." && parent != string(filepath.Separator) {
		if _, err := os.Stat(parent); err != nil {
			return fmt.Errorf("config: storage_path parent %q does not exist: %w", parent, err)
		}
	}
	if c.VectorDimension <= 0 {
		return errors.New("config: vector_dimension must be positive")
	}
	if c.NumShards <= 0 {
		return errors.New("config: num_shards must be positive")
	}
	if c.WriteLogCapacity <= 0 {
		return errors.New("config: write_log_capacity must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("config: max_batch_size must be positive")
	}
	if c.MemoryThreshold < 1000 {
		return errors.New("config: memory_threshold must be at least 1000")
	}
	if c.DiskFlushThreshold <= 0 {
		return errors.New("config: disk_flush_threshold must be positive")
	}
	if c.QueueWarningThreshold <= 0 || c.QueueWarningThreshold > 1 {
		return errors.New("config: queue_warning_threshold must be in (0, 1]")
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return errors.New("config: ema_alpha must be in (0, 1]")
	}
	if c.TrendWindowSize <= 0 {
		return errors.New("config: trend_window_size must be positive")
	}
	if c.ArchiveEnabled {
		if c.ArchiveBackend != "s3" && c.ArchiveBackend != "ceph" {
			return fmt.Errorf("config: archive_backend must be \"s3\" or \"ceph\" when archive_enabled is true, got %q", c.ArchiveBackend)
		}
	}
	if _, err := units.RAMInBytes(c.MaxMessageSize); err != nil {
		return fmt.Errorf("config: max_message_size: %w", err)
	}
	minTick, err := time.ParseDuration(c.ReconcilerMinTick)
	if err != nil {
		return fmt.Errorf("config: reconciler_min_tick: %w", err)
	}
	baseTick, err := time.ParseDuration(c.ReconcilerBaseTick)
	if err != nil {
		return fmt.Errorf("config: reconciler_base_tick: %w", err)
	}
	maxTick, err := time.ParseDuration(c.ReconcilerMaxTick)
	if err != nil {
		return fmt.Errorf("config: reconciler_max_tick: %w", err)
	}
	if minTick <= 0 || baseTick <= 0 || maxTick <= 0 {
		return errors.New("config: reconciler tick intervals must all be positive")
	}
	if minTick > baseTick {
		return errors.New("config: reconciler_min_tick must be <= reconciler_base_tick")
	}
	if baseTick > maxTick {
		return errors.New("config: reconciler_base_tick must be <= reconciler_max_tick")
	}
	return nil
}

// Resolve validates c and converts its human-readable unit strings into the
// concrete types the engine uses.
func (c Config) Resolve() (Resolved, error) {
	if err := c.Validate(); err != nil {
		return Resolved{}, err
	}
	maxMsg, _ := units.RAMInBytes(c.MaxMessageSize)
	minTick, _ := time.ParseDuration(c.ReconcilerMinTick)
	baseTick, _ := time.ParseDuration(c.ReconcilerBaseTick)
	maxTick, _ := time.ParseDuration(c.ReconcilerMaxTick)
	return Resolved{
		StoragePath:           c.StoragePath,
		VectorDimension:       c.VectorDimension,
		NumShards:             c.NumShards,
		WriteLogCapacity:      c.WriteLogCapacity,
		WALFsync:              c.WALFsync,
		MaxMessageSize:        maxMsg,
		ReconcilerMinTick:     minTick,
		ReconcilerBaseTick:    baseTick,
		ReconcilerMaxTick:     maxTick,
		ArchiveEnabled:        c.ArchiveEnabled,
		ArchiveBackend:        c.ArchiveBackend,
		TelemetryEnabled:      c.TelemetryEnabled,
		MaxBatchSize:          c.MaxBatchSize,
		MemoryThreshold:       c.MemoryThreshold,
		DiskFlushThreshold:    c.DiskFlushThreshold,
		QueueWarningThreshold: c.QueueWarningThreshold,
		EMAAlpha:              c.EMAAlpha,
		TrendWindowSize:       c.TrendWindowSize,
	}, nil
}

// Load reads and validates a JSON config file, filling unset fields from
// Default first.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watcher hot-reloads the safe subset of a config file's options, logging
// and ignoring any reload attempt that would change an unsafe option rather
// than applying a partial or destabilizing update.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current Config
	watcher *fsnotify.Watcher
	onWarn  func(string)
	stopCh  chan struct{}
}

// WatchFile starts watching path for changes, applying safe-subset updates
// to an in-memory copy of Config as they land. onWarn (if non-nil) receives
// a human-readable message whenever a reload is rejected or fails to parse.
func WatchFile(path string, initial Config, onWarn func(string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, current: initial, watcher: fw, onWarn: onWarn, stopCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onWarn != nil {
				w.onWarn(fmt.Sprintf("config watch error: %v", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		if w.onWarn != nil {
			w.onWarn(fmt.Sprintf("config reload rejected: %v", err))
		}
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, unsafe := range unsafeOptions {
		if unsafe && fieldChanged(w.current, next, name) {
			if w.onWarn != nil {
				w.onWarn(fmt.Sprintf("config reload ignored: %q cannot change without a restart", name))
			}
			return
		}
	}
	w.current = next
}

func fieldChanged(a, b Config, name string) bool {
	switch name {
	case "storage_path":
		return a.StoragePath != b.StoragePath
	case "vector_dimension":
		return a.VectorDimension != b.VectorDimension
	case "num_shards":
		return a.NumShards != b.NumShards
	default:
		return false
	}
}

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watch loop.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
