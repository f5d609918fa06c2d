// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the daemon's own settings: storage backend
// selection and the tunables each component exposes as CTL_* environment
// variables. It does not validate per-spider settings.yaml files; that is
// pkg/settingsconfig's job.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects which store.Backend implementation ctlmasterd runs
// against.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config is the daemon's complete runtime configuration, assembled from
// CTL_* environment variables with spec-mandated defaults.
type Config struct {
	DataRoot   string
	Backend    Backend
	DSN        string // sqlite path or postgres connection string; unused for memory
	ListenAddr string

	MaxConcurrentRuns    int
	ShortRunThresholdSec  int
	SchedulerTickSec      int
	TailPollMS            int
	IngestBatchSize       int
	IngestFlushSec        int
	BroadcastIntervalSec  int
	ReconcileIntervalSec  int
	RunWallClockSec       int
	RunMemoryMB           int
	MaxRestarts           int
	RestartWindowSec      int
}

// Default returns a Config populated with spec-mandated defaults and an
// in-memory backend. Callers typically start here and layer FromEnv on
// top.
func Default() *Config {
	return &Config{
		DataRoot:             "./data",
		Backend:              BackendMemory,
		ListenAddr:           "127.0.0.1:7337",
		MaxConcurrentRuns:    3,
		ShortRunThresholdSec: 10,
		SchedulerTickSec:     10,
		TailPollMS:           500,
		IngestBatchSize:      100,
		IngestFlushSec:       2,
		BroadcastIntervalSec: 15,
		ReconcileIntervalSec: 300,
		RunWallClockSec:      3600,
		RunMemoryMB:          500,
		MaxRestarts:          5,
		RestartWindowSec:     300,
	}
}

// FromEnv builds a Config from Default() overlaid with CTL_* environment
// variables. A malformed integer variable is reported as an error rather
// than silently ignored, so a typo'd override fails fast at startup
// instead of quietly falling back to the default.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("CTL_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("CTL_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("CTL_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("CTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"CTL_MAX_CONCURRENT_RUNS", &cfg.MaxConcurrentRuns},
		{"CTL_SHORT_RUN_THRESHOLD_SEC", &cfg.ShortRunThresholdSec},
		{"CTL_SCHEDULER_TICK_SEC", &cfg.SchedulerTickSec},
		{"CTL_TAIL_POLL_MS", &cfg.TailPollMS},
		{"CTL_INGEST_BATCH_SIZE", &cfg.IngestBatchSize},
		{"CTL_INGEST_FLUSH_SEC", &cfg.IngestFlushSec},
		{"CTL_BROADCAST_INTERVAL_SEC", &cfg.BroadcastIntervalSec},
		{"CTL_RECONCILE_INTERVAL_SEC", &cfg.ReconcileIntervalSec},
		{"CTL_RUN_WALL_CLOCK_SEC", &cfg.RunWallClockSec},
		{"CTL_RUN_MEMORY_MB", &cfg.RunMemoryMB},
		{"CTL_MAX_RESTARTS", &cfg.MaxRestarts},
		{"CTL_RESTART_WINDOW_SEC", &cfg.RestartWindowSec},
	}
	for _, i := range ints {
		raw := os.Getenv(i.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s=%q: %w", i.name, raw, err)
		}
		*i.dst = n
	}

	if cfg.SchedulerTickSec < 1 {
		return nil, fmt.Errorf("CTL_SCHEDULER_TICK_SEC must be >= 1, got %d", cfg.SchedulerTickSec)
	}

	return cfg, nil
}

// Duration helpers: each component wants a time.Duration, not a bare int
// of seconds/milliseconds.

func (c *Config) SchedulerTick() time.Duration     { return time.Duration(c.SchedulerTickSec) * time.Second }
func (c *Config) TailPoll() time.Duration          { return time.Duration(c.TailPollMS) * time.Millisecond }
func (c *Config) IngestFlush() time.Duration       { return time.Duration(c.IngestFlushSec) * time.Second }
func (c *Config) BroadcastInterval() time.Duration { return time.Duration(c.BroadcastIntervalSec) * time.Second }
func (c *Config) ReconcileInterval() time.Duration { return time.Duration(c.ReconcileIntervalSec) * time.Second }
func (c *Config) RunWallClock() time.Duration      { return time.Duration(c.RunWallClockSec) * time.Second }
func (c *Config) RestartWindow() time.Duration     { return time.Duration(c.RestartWindowSec) * time.Second }
func (c *Config) ShortRunThreshold() time.Duration {
	return time.Duration(c.ShortRunThresholdSec) * time.Second
}
