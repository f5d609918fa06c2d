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

// Package procsup watchdogs the control plane's long-lived units
// (Scheduler, Dispatcher, Worker Supervisor, Reconciliation Engine,
// Progress Broadcaster), restarting them on health-check failure within a
// bounded restart rate, and shutting them down in dependency-reverse order.
package procsup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crawlplane/ctlmaster/internal/lifecycle"
)

const (
	// DefaultMaxRestarts is the number of restarts tolerated within
	// DefaultRestartWindow before a unit is marked StableFailure.
	DefaultMaxRestarts = 5

	// DefaultRestartWindow is the sliding window over which restarts are counted.
	DefaultRestartWindow = 300 * time.Second

	// DefaultGraceful is the SIGTERM-to-SIGKILL grace period per unit.
	DefaultGraceful = 10 * time.Second

	// DefaultHealthInterval is how often a unit's health predicate is polled.
	DefaultHealthInterval = 5 * time.Second

	binNameHint = "ctlmasterd"
)

// Unit describes one supervised long-lived process. Units are started and
// health-checked independently; Supervisor only orders their shutdown.
type Unit struct {
	// Name identifies the unit in logs and PID file names.
	Name string

	// Command launches the unit, e.g. {"/path/to/ctlmasterd", "run", "--unit=scheduler"}.
	Command []string

	// Dir is the working directory for the unit's process.
	Dir string

	// PIDFile is where the unit's root PID is recorded.
	PIDFile string

	// LogFile receives the unit's stdout/stderr.
	LogFile string

	// HealthCheck reports whether the unit is currently healthy. Called on
	// HealthInterval; a non-nil error counts as unhealthy.
	HealthCheck func(ctx context.Context) error

	// HealthInterval overrides DefaultHealthInterval when positive.
	HealthInterval time.Duration

	// Graceful overrides DefaultGraceful when positive.
	Graceful time.Duration

	// DependsOn names units that must still be running when this unit
	// shuts down; Supervisor stops units in reverse dependency order so a
	// unit's dependencies outlive it during shutdown.
	DependsOn []string
}

type unitRuntime struct {
	unit     Unit
	cmd      *exec.Cmd
	pidMgr   *lifecycle.PIDFileManager
	restarts []time.Time
	stable   bool // true once StableFailure has been declared; restarts stop
	mu       sync.Mutex
}

// Supervisor runs and watchdogs a fixed set of Units.
type Supervisor struct {
	units       []*unitRuntime
	maxRestarts int
	window      time.Duration
	lifeLogger  *lifecycle.LifecycleLogger
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Supervisor for the given units.
func New(units []Unit, maxRestarts int, window time.Duration, lifecycleLogPath string, logger *slog.Logger) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	runtimes := make([]*unitRuntime, 0, len(units))
	for _, u := range units {
		runtimes = append(runtimes, &unitRuntime{
			unit:   u,
			pidMgr: lifecycle.NewPIDFileManager(u.PIDFile),
		})
	}

	return &Supervisor{
		units:       runtimes,
		maxRestarts: maxRestarts,
		window:      window,
		lifeLogger:  lifecycle.NewLifecycleLogger(lifecycleLogPath),
		logger:      logger.With("component", "procsup"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run sweeps stale PID files, starts every unit, watchdogs them until ctx
// is cancelled or Stop is called, then shuts them down in
// dependency-reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.doneCh)

	s.sweepStalePIDFiles()

	// Units have no inter-dependency at startup (only shutdown is
	// ordered), so they're launched concurrently via errgroup.
	startGroup, _ := errgroup.WithContext(ctx)
	for _, ur := range s.units {
		ur := ur
		startGroup.Go(func() error {
			if err := s.startUnit(ur); err != nil {
				return fmt.Errorf("start unit %s: %w", ur.unit.Name, err)
			}
			return nil
		})
	}
	if err := startGroup.Wait(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, ur := range s.units {
		wg.Add(1)
		go func(ur *unitRuntime) {
			defer wg.Done()
			s.watch(ctx, ur)
		}(ur)
	}

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}

	s.shutdownAll()
	wg.Wait()
	return nil
}

// Stop signals Run to begin shutdown and waits for it to finish.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sweepStalePIDFiles removes PID files whose process is no longer alive or
// no longer looks like a ctlmasterd unit, so a crashed prior run's PID
// files don't block this run's lock acquisition or fool ctl status.
func (s *Supervisor) sweepStalePIDFiles() {
	for _, ur := range s.units {
		pid, err := ur.pidMgr.Read()
		if err != nil {
			continue
		}
		if !lifecycle.IsProcessRunning(pid) || !lifecycle.IsSupervisedProcess(pid, binNameHint) {
			s.logger.Info("removing stale PID file", "unit", ur.unit.Name, "pid", pid)
			s.lifeLogger.LogStalePID(pid, "process not alive or not a ctlmasterd unit")
			_ = os.Remove(ur.unit.PIDFile)
		}
	}
}

func (s *Supervisor) startUnit(ur *unitRuntime) error {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	if len(ur.unit.LogFile) > 0 {
		if err := os.MkdirAll(filepath.Dir(ur.unit.LogFile), 0o700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	logFile, err := os.OpenFile(ur.unit.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(ur.unit.Command[0], ur.unit.Command[1:]...)
	cmd.Dir = ur.unit.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start: %w", err)
	}
	ur.cmd = cmd

	if err := ur.pidMgr.Create(cmd.Process.Pid); err != nil {
		s.logger.Warn("pid file create failed", "unit", ur.unit.Name, "error", err)
	}

	go cmd.Wait() // reap; exit is observed via the health predicate, not ExitError

	s.logger.Info("unit started", "unit", ur.unit.Name, "pid", cmd.Process.Pid)
	return nil
}

// watch polls a unit's health predicate and restarts it on failure, subject
// to the restart-rate limit.
func (s *Supervisor) watch(ctx context.Context, ur *unitRuntime) {
	if ur.unit.HealthCheck == nil {
		return
	}
	interval := ur.unit.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, interval)
			err := ur.unit.HealthCheck(hctx)
			cancel()
			if err == nil {
				continue
			}
			s.logger.Warn("unit unhealthy", "unit", ur.unit.Name, "error", err)
			s.restart(ur)
		}
	}
}

func (s *Supervisor) restart(ur *unitRuntime) {
	ur.mu.Lock()
	if ur.stable {
		ur.mu.Unlock()
		return
	}

	now := time.Now()
	cutoff := now.Add(-s.window)
	kept := ur.restarts[:0]
	for _, t := range ur.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ur.restarts = kept

	if len(ur.restarts) >= s.maxRestarts {
		ur.stable = true
		ur.mu.Unlock()
		s.logger.Error("StableFailure: unit exceeded restart rate limit, suspending restarts",
			"unit", ur.unit.Name, "max_restarts", s.maxRestarts, "window", s.window)
		return
	}
	ur.restarts = append(ur.restarts, now)
	ur.mu.Unlock()

	s.killUnit(ur, syscall.SIGKILL, 0)
	if err := s.startUnit(ur); err != nil {
		s.logger.Error("unit restart failed", "unit", ur.unit.Name, "error", err)
	}
}

// shutdownAll stops units in dependency-reverse order: a unit named in
// another's DependsOn is stopped after its dependents.
func (s *Supervisor) shutdownAll() {
	order := shutdownOrder(s.units)
	for _, ur := range order {
		graceful := ur.unit.Graceful
		if graceful <= 0 {
			graceful = DefaultGraceful
		}
		s.killUnit(ur, syscall.SIGTERM, graceful)
	}
}

func (s *Supervisor) killUnit(ur *unitRuntime, sig syscall.Signal, grace time.Duration) {
	ur.mu.Lock()
	cmd := ur.cmd
	ur.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, sig)

	if grace > 0 {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !lifecycle.IsProcessRunning(cmd.Process.Pid) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if lifecycle.IsProcessRunning(cmd.Process.Pid) {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}

	_ = ur.pidMgr.Remove()
	s.logger.Info("unit stopped", "unit", ur.unit.Name, "pid", pgid)
}

// shutdownOrder returns units such that a unit appears only after every
// other unit that depends on it, so dependents always stop first.
func shutdownOrder(units []*unitRuntime) []*unitRuntime {
	byName := make(map[string]*unitRuntime, len(units))
	for _, u := range units {
		byName[u.unit.Name] = u
	}

	var order []*unitRuntime
	visited := make(map[string]bool)

	var visit func(u *unitRuntime)
	visit = func(u *unitRuntime) {
		if visited[u.unit.Name] {
			return
		}
		visited[u.unit.Name] = true
		for _, other := range units {
			for _, dep := range other.unit.DependsOn {
				if dep == u.unit.Name {
					visit(other) // dependents stop before the dependency they rely on
				}
			}
		}
		order = append(order, u)
	}
	for _, u := range units {
		visit(u)
	}
	return order
}
