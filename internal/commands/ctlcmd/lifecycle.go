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

// Package ctlcmd implements ctl's subcommands: the PID-file based
// lifecycle surface (start/stop/restart/status/monitor) over ctlmasterd,
// and the scaffolding/dispatch commands that stand in for the
// out-of-scope API layer on a single node.
package ctlcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlplane/ctlmaster/internal/commands/shared"
	"github.com/crawlplane/ctlmaster/internal/config"
	"github.com/crawlplane/ctlmaster/internal/lifecycle"
)

const binNameHint = "ctlmasterd"

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/ctlmaster"
	}
	return filepath.Join(home, ".ctlmaster")
}

func pidFilePath() string {
	return filepath.Join(defaultStateDir(), "ctlmasterd.pid")
}

func daemonLogPath() string {
	return filepath.Join(defaultStateDir(), "ctlmasterd.log")
}

func lifecycleLogPath() string {
	return filepath.Join(defaultStateDir(), "lifecycle.log")
}

func healthURL(cfg *config.Config) string {
	return "http://" + cfg.ListenAddr + "/healthz"
}

// NewStartCommand starts ctlmasterd as a detached, PID-tracked process.
func NewStartCommand() *cobra.Command {
	var (
		foreground bool
		timeout    time.Duration
		backend    string
		dsn        string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the crawl control plane daemon",
		Long: `Start ctlmasterd in the background.

Idempotent: if ctlmasterd is already running and healthy, exits
successfully without spawning a new instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(startOptions{
				foreground: foreground,
				timeout:    timeout,
				backend:    backend,
				dsn:        dsn,
				listenAddr: listenAddr,
			})
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (no PID file)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Health check timeout")
	cmd.Flags().StringVar(&backend, "backend", "", "Storage backend (memory, sqlite, postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Backend connection string")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")

	return cmd
}

type startOptions struct {
	foreground bool
	timeout    time.Duration
	backend    string
	dsn        string
	listenAddr string
}

func runStart(opts startOptions) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.backend != "" {
		cfg.Backend = config.Backend(opts.backend)
	}
	if opts.dsn != "" {
		cfg.DSN = opts.dsn
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}

	if err := os.MkdirAll(defaultStateDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	daemonArgs := buildDaemonArgs(cfg)
	lifeLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())
	if err := lifeLog.LogStart("", daemonArgs, ""); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", err)
	}

	if opts.foreground {
		binaryPath, err := daemonBinaryPath()
		if err != nil {
			return err
		}
		fmt.Println("Starting ctlmasterd in foreground mode...")
		return execForeground(binaryPath, daemonArgs)
	}

	pidPath := pidFilePath()
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	if existingPID, err := pidMgr.Read(); err == nil {
		if lifecycle.IsProcessRunning(existingPID) && lifecycle.IsSupervisedProcess(existingPID, binNameHint) {
			if err := waitForHealthy(cfg, 5*time.Second); err == nil {
				if err := lifeLog.LogAlreadyRunning(existingPID); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", err)
				}
				fmt.Printf("ctlmasterd is already running (PID %d)\n", existingPID)
				return nil
			}
			fmt.Fprintf(os.Stderr, "warning: ctlmasterd process exists (PID %d) but is unhealthy, starting new instance\n", existingPID)
		} else {
			if err := lifeLog.LogStalePID(existingPID, "process not running"); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", err)
			}
			fmt.Fprintf(os.Stderr, "warning: removing stale PID file (process %d not running)\n", existingPID)
			if err := pidMgr.Remove(); err != nil {
				return fmt.Errorf("failed to remove stale PID file: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check existing daemon: %w", err)
	}

	binaryPath, err := daemonBinaryPath()
	if err != nil {
		return err
	}

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached(binaryPath, daemonArgs, daemonLogPath())
	if err != nil {
		if logErr := lifeLog.LogStartFailure(err); logErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to spawn ctlmasterd: %w", err)
	}

	fmt.Printf("Starting ctlmasterd (PID %d)...\n", pid)
	start := time.Now()
	if err := waitForHealthy(cfg, opts.timeout); err != nil {
		_ = lifecycle.SendSignal(pid, 15)
		if logErr := lifeLog.LogStartFailure(err); logErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("ctlmasterd failed to become healthy within %v: %w", opts.timeout, err)
	}

	if err := pidMgr.Create(pid); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", shared.RenderWarn(fmt.Sprintf("ctlmasterd started but failed to write PID file: %v", err)))
		fmt.Println(shared.RenderOK(fmt.Sprintf("ctlmasterd started successfully (PID %d)", pid)))
		return nil
	}

	if err := lifeLog.LogStartSuccess(pid, 0, time.Since(start)); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", shared.RenderWarn(fmt.Sprintf("failed to write lifecycle log: %v", err)))
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("ctlmasterd started successfully (PID %d)", pid)))
	return nil
}

func buildDaemonArgs(cfg *config.Config) []string {
	var args []string
	if cfg.Backend != "" {
		args = append(args, "--backend", string(cfg.Backend))
	}
	if cfg.DSN != "" {
		args = append(args, "--dsn", cfg.DSN)
	}
	if cfg.DataRoot != "" {
		args = append(args, "--data-root", cfg.DataRoot)
	}
	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}
	return args
}

func daemonBinaryPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "ctlmasterd")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if path, err := exec.LookPath("ctlmasterd"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("ctlmasterd binary not found next to %s or on PATH", self)
}

// execForeground runs the daemon binary inline, inheriting this
// process's standard streams, and blocks until it exits.
func execForeground(binaryPath string, args []string) error {
	c := exec.Command(binaryPath, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	return c.Run()
}

func waitForHealthy(cfg *config.Config, timeout time.Duration) error {
	checker := lifecycle.NewHealthChecker(healthURL(cfg))
	return checker.WaitUntilHealthy(timeout)
}

// NewStopCommand stops a running ctlmasterd.
func NewStopCommand() *cobra.Command {
	var force bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the crawl control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(force, timeout)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL instead of waiting for graceful shutdown")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Graceful shutdown grace period")
	return cmd
}

func runStop(force bool, timeout time.Duration) error {
	pidMgr := lifecycle.NewPIDFileManager(pidFilePath())
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("ctlmasterd is not running (no PID file)")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	lifeLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())
	if err := lifeLog.LogStop(pid, force); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", err)
	}

	start := time.Now()
	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		if logErr := lifeLog.LogStopFailure(pid, err); logErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to stop ctlmasterd (PID %d): %w", pid, err)
	}

	_ = pidMgr.Remove()
	if err := lifeLog.LogStopSuccess(pid, time.Since(start)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write lifecycle log: %v\n", err)
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("ctlmasterd (PID %d) stopped", pid)))
	return nil
}

// NewRestartCommand stops then starts ctlmasterd.
func NewRestartCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the crawl control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = runStop(false, timeout)
			return runStart(startOptions{timeout: timeout})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Health check / shutdown timeout")
	return cmd
}

// NewStatusCommand reports whether ctlmasterd is running and healthy.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the crawl control plane daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
	return cmd
}

func runStatus() error {
	pidMgr := lifecycle.NewPIDFileManager(pidFilePath())
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("ctlmasterd: not running")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) || !lifecycle.IsSupervisedProcess(pid, binNameHint) {
		fmt.Printf("ctlmasterd: stale PID file (PID %d not running)\n", pid)
		return nil
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	checker := lifecycle.NewHealthChecker(healthURL(cfg))
	result := checker.Check(context.Background())
	if result.Success {
		fmt.Printf("ctlmasterd: running (PID %d), healthy\n", pid)
	} else {
		fmt.Printf("ctlmasterd: running (PID %d), unhealthy: %v\n", pid, result.Error)
	}
	return nil
}

// NewMonitorCommand polls status at an interval until interrupted, for
// tailing ctlmasterd's liveness from a terminal.
func NewMonitorCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Continuously poll the daemon's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := runStatus(); err != nil {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	return cmd
}
