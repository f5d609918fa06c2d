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

// Package supervisor is the exclusive owner of crawl subprocesses: it
// forks each run into its own process group, binds a Tailer and an
// Ingest Pipeline to its output file, enforces per-run resource limits,
// and finalizes the Run row on exit.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/ingest"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/tailer"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
	"github.com/crawlplane/ctlmaster/pkg/settingsconfig"
)

const (
	// DefaultWallClock is the run wall-clock budget before stop_run is
	// invoked with reason WallClockExceeded.
	DefaultWallClock = 3600 * time.Second

	// DefaultMemoryMB is the RSS ceiling before stop_run is invoked with
	// reason MemoryExceeded.
	DefaultMemoryMB = 500

	// DefaultShutdownGrace is how long stop_run waits after SIGTERM
	// before escalating to SIGKILL.
	DefaultShutdownGrace = 10 * time.Second

	// DefaultDrainWait mirrors tailer.DefaultDrainWait; repeated here so
	// callers can read it without importing the tailer package.
	DefaultDrainWait = tailer.DefaultDrainWait

	// rssPollInterval is how often the memory-ceiling watchdog samples
	// RSS for a running subprocess.
	rssPollInterval = 5 * time.Second
)

// StopReason explains why stop_run was invoked.
type StopReason string

const (
	ReasonUserRequested   StopReason = "UserRequested"
	ReasonWallClockExceed StopReason = "WallClockExceeded"
	ReasonMemoryExceeded  StopReason = "MemoryExceeded"
)

// Config configures a Supervisor.
type Config struct {
	// Binary is the crawl tool executable, e.g. the project's own build
	// output, invoked as `<Binary> crawl <spider> -o <path> --format
	// jsonlines -s KEY=VALUE...`.
	Binary string

	DataRoot      string
	WallClock     time.Duration
	MemoryCeilMB  int64
	ShutdownGrace time.Duration
	IngestConfig  ingest.Config
	TailerConfig  tailer.Config

	// IngestBatchObserver, if set, is wired into every run's Ingest
	// Pipeline as its BatchObserver, independent of whatever the caller
	// set on IngestConfig.BatchObserver directly.
	IngestBatchObserver func(n int)
}

// StartRequest describes a run to launch.
type StartRequest struct {
	ProjectID  string
	SpiderID   string
	SpiderName string
	ProjectDir string
	ScheduleID string
	Settings   domain.Settings
}

// Supervisor owns every active run's subprocess, tailer and ingest
// pipeline.
type Supervisor struct {
	cfg    Config
	runs   store.RunStore
	lister store.RunLister
	recs   store.RecordStore
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	onFinished func(runID string)
	onProgress func(runID string)
}

type activeRun struct {
	mu      sync.Mutex // per-run critical section: one mutating action at a time
	cmd     *exec.Cmd
	tailer  *tailer.Tailer
	ingest  *ingest.Pipeline
	cancel  context.CancelFunc
	started time.Time
	stopped bool
}

// New creates a Supervisor.
func New(cfg Config, runs store.RunStore, lister store.RunLister, recs store.RecordStore, logger *slog.Logger) *Supervisor {
	if cfg.WallClock <= 0 {
		cfg.WallClock = DefaultWallClock
	}
	if cfg.MemoryCeilMB <= 0 {
		cfg.MemoryCeilMB = DefaultMemoryMB
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		runs:   runs,
		lister: lister,
		recs:   recs,
		logger: logger.With("component", "supervisor"),
		active: make(map[string]*activeRun),
	}
}

// OnFinished registers a callback invoked after a run reaches a terminal
// state and has been handed off. cmd/ctlmasterd uses it to release the
// Dispatcher's reservation and notify the Progress Broadcaster; the
// Reconciliation Engine is not notified here and reaches the run only on
// its periodic sweep.
func (s *Supervisor) OnFinished(fn func(runID string)) {
	s.onFinished = fn
}

// OnProgress registers a callback invoked after each ingest flush bumps a
// run's counters, used to feed the Progress Broadcaster.
func (s *Supervisor) OnProgress(fn func(runID string)) {
	s.onProgress = fn
}

// ActiveCount returns the number of runs currently owned by this
// supervisor, used by the Dispatcher's concurrency accounting.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// StartRun creates the Run row, forks the subprocess into a new process
// group, transitions it to RUNNING, and wires a Tailer/Ingest pair bound
// to its output file. It returns once the subprocess has been launched;
// the run then executes asynchronously.
func (s *Supervisor) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if err := settingsconfig.Validate(req.Settings); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	outputPath := filepath.Join(s.cfg.DataRoot, "runs", runID, "output.jsonl")
	logPath := filepath.Join(s.cfg.DataRoot, "runs", runID, "log.txt")

	run := &domain.Run{
		ID:         runID,
		ProjectID:  req.ProjectID,
		SpiderID:   req.SpiderID,
		ScheduleID: req.ScheduleID,
		State:      domain.RunPending,
		Settings:   req.Settings,
		OutputPath: outputPath,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}

	args := composeArgs(req.SpiderName, outputPath, req.Settings)
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Dir = req.ProjectDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("open run log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		_ = s.runs.TransitionRun(ctx, runID, domain.RunPending, domain.RunFailed, store.RunPatch{
			FinishedAt:   timePtr(time.Now()),
			ErrorMessage: strPtr(fmt.Sprintf("spawn failed: %v", err)),
		})
		return "", err
	}

	pid := cmd.Process.Pid
	startedAt := time.Now()
	if err := s.runs.TransitionRun(ctx, runID, domain.RunPending, domain.RunRunning, store.RunPatch{
		StartedAt:    &startedAt,
		SubprocessID: &pid,
	}); err != nil {
		return "", err
	}

	ingestCfg := s.cfg.IngestConfig
	ingestCfg.OnProgress = s.onProgress
	ingestCfg.FingerprintKey = ingest.FingerprintFromSettings(req.Settings)
	// Spills go to a backup directory beside this run's output file, where
	// the Reconciliation Engine looks for them; this replaces any BackupDir
	// set on s.cfg.IngestConfig.
	ingestCfg.BackupDir = filepath.Join(filepath.Dir(outputPath), "backup")
	if s.cfg.IngestBatchObserver != nil {
		ingestCfg.BatchObserver = s.cfg.IngestBatchObserver
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		cmd:     cmd,
		tailer:  tailer.New(s.cfg.TailerConfig, outputPath, s.logger),
		ingest:  ingest.New(ingestCfg, runID, s.recs, s.runs, s.logger),
		cancel:  cancel,
		started: startedAt,
	}
	s.mu.Lock()
	s.active[runID] = ar
	s.mu.Unlock()

	ar.tailer.Start(runCtx)
	ar.ingest.Start(runCtx)
	go s.pumpLines(runCtx, runID, ar)
	go s.watchResourceLimits(runCtx, runID, ar)
	go s.waitForExit(runID, ar, logFile)

	s.logger.Info("run started", "run_id", runID, "spider_id", req.SpiderID, "pid", pid)
	return runID, nil
}

// pumpLines forwards tailer lines into the ingest pipeline until the
// tailer closes its channel.
func (s *Supervisor) pumpLines(ctx context.Context, runID string, ar *activeRun) {
	for line := range ar.tailer.Lines() {
		ar.ingest.Ingest(ctx, line.Text)
	}
}

// watchResourceLimits polls the subprocess's RSS and wall-clock age,
// invoking StopRun once a configured ceiling is breached.
func (s *Supervisor) watchResourceLimits(ctx context.Context, runID string, ar *activeRun) {
	ticker := time.NewTicker(rssPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(ar.started) > s.cfg.WallClock {
				s.logger.Warn("run exceeded wall clock limit", "run_id", runID)
				s.StopRun(context.Background(), runID, ReasonWallClockExceed)
				return
			}
			rss, err := readRSSKB(ar.cmd.Process.Pid)
			if err == nil && rss > s.cfg.MemoryCeilMB*1024 {
				s.logger.Warn("run exceeded memory ceiling", "run_id", runID, "rss_kb", rss)
				s.StopRun(context.Background(), runID, ReasonMemoryExceeded)
				return
			}
		}
	}
}

// StopRun attempts graceful termination of a run's process group: SIGTERM,
// a grace period, then SIGKILL. It always stops the tailer and flushes
// the ingest pipeline regardless of which signal finally worked.
func (s *Supervisor) StopRun(ctx context.Context, runID string, reason StopReason) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "active run", ID: runID}
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.stopped {
		return nil
	}
	ar.stopped = true

	pgid := ar.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	exited := make(chan struct{})
	go func() {
		_ = ar.cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(s.cfg.ShutdownGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-exited
	}

	ar.tailer.Stop(DefaultDrainWait)
	ar.ingest.Stop()

	to := domain.RunFailed
	if reason == ReasonUserRequested {
		to = domain.RunCancelled
	}
	finishedAt := time.Now()
	err := s.runs.TransitionRun(ctx, runID, domain.RunRunning, to, store.RunPatch{
		FinishedAt:   &finishedAt,
		ErrorMessage: strPtr(string(reason)),
	})

	s.finalize(runID, ar)
	return err
}

// waitForExit blocks on the subprocess, then performs the normal
// finalize-on-exit sequence: drain the tailer, flush ingest, transition
// the run, and publish run_finished.
func (s *Supervisor) waitForExit(runID string, ar *activeRun, logFile *os.File) {
	defer logFile.Close()

	err := ar.cmd.Wait()

	ar.mu.Lock()
	alreadyStopped := ar.stopped
	ar.stopped = true
	ar.mu.Unlock()
	if alreadyStopped {
		// StopRun already finalized this run.
		return
	}

	ar.tailer.Stop(DefaultDrainWait)
	ar.ingest.Stop()

	run, getErr := s.runs.GetRun(context.Background(), runID)
	var errMsg string
	to := domain.RunFinished
	if err != nil {
		to = domain.RunFailed
		errMsg = exitErrorTail(err, ar)
	}
	if getErr == nil && run.State != domain.RunRunning {
		// Resource watchdog or a concurrent stop already transitioned it.
		s.finalize(runID, ar)
		return
	}

	finishedAt := time.Now()
	patch := store.RunPatch{FinishedAt: &finishedAt}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	if transitionErr := s.runs.TransitionRun(context.Background(), runID, domain.RunRunning, to, patch); transitionErr != nil {
		s.logger.Error("finalize transition failed", "run_id", runID, "error", transitionErr)
	}

	s.logger.Info("run finished", "run_id", runID, "state", to)
	s.finalize(runID, ar)
}

func (s *Supervisor) finalize(runID string, ar *activeRun) {
	ar.cancel()
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
	if s.onFinished != nil {
		s.onFinished(runID)
	}
}

func exitErrorTail(err error, ar *activeRun) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	return err.Error()
}

// composeArgs builds the crawl subprocess argument vector per the
// control plane's external subprocess contract.
func composeArgs(spiderName, outputPath string, settings domain.Settings) []string {
	args := []string{"crawl", spiderName, "-o", outputPath, "--format", "jsonlines"}
	for k, v := range settings.Values {
		args = append(args, "-s", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// readRSSKB reads a process's resident set size in KB from /proc. Linux
// only; returns an error on platforms without /proc (the watchdog then
// simply skips the memory check for that tick).
func readRSSKB(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 6 && line[:6] == "VmRSS:" {
			var kb int64
			_, err := fmt.Sscanf(line[6:], "%d", &kb)
			return kb, err
		}
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
