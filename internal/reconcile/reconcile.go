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

// Package reconcile cross-checks the Run Store against output files and
// the Record Store, healing divergences introduced by races between a
// run's finalization and its tailer/ingest draining.
package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/ingest"
	"github.com/crawlplane/ctlmaster/internal/store"
)

const (
	// DefaultInterval is the periodic sweep cadence.
	DefaultInterval = 5 * time.Minute

	// ShortRunThreshold is the duration below which a zero-item FINISHED
	// run is suspected of a tail/ingest race rather than a genuinely
	// empty crawl.
	ShortRunThreshold = 10 * time.Second

	// RequestFloor is the minimum requests_count assumed per item,
	// covering overhead requests (retries, pagination) a pure item count
	// would miss.
	RequestFloor = 10
)

// StatsFile mirrors the optional sibling stats.json the subprocess may
// write on exit.
type StatsFile struct {
	ItemScrapedCount       int64  `json:"item_scraped_count"`
	DownloaderRequestCount int64  `json:"downloader/request_count"`
	FinishReason           string `json:"finish_reason"`
}

// CorrectionCounter records one run corrected during a sweep. Satisfied
// by *metrics.Collector; a nil Metrics leaves this a no-op.
type CorrectionCounter interface {
	IncReconcileCorrection()
}

// Engine performs periodic and on-demand reconciliation sweeps.
type Engine struct {
	runs    store.RunStore
	lister  store.RunLister
	recs    store.RecordStore
	logger  *slog.Logger
	metrics CorrectionCounter

	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciliation Engine. metrics may be nil.
func New(interval time.Duration, runs store.RunStore, lister store.RunLister, recs store.RecordStore, metrics CorrectionCounter, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runs:     runs,
		lister:   lister,
		recs:     recs,
		logger:   logger.With("component", "reconcile"),
		metrics:  metrics,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep reconciles every terminal run returned by the store. A summary
// line is logged once per sweep so operators can see how often
// corrections are actually needed.
func (e *Engine) Sweep(ctx context.Context) {
	corrected := 0
	checked := 0

	for _, state := range []domain.RunState{domain.RunFinished, domain.RunFailed} {
		runs, err := e.lister.ListRuns(ctx, store.RunFilter{State: state, Limit: 500})
		if err != nil {
			e.logger.Error("list runs for reconciliation failed", "state", state, "error", err)
			continue
		}
		for _, run := range runs {
			checked++
			if did, err := e.ReconcileRun(ctx, run); err != nil {
				e.logger.Error("reconcile run failed", "run_id", run.ID, "error", err)
			} else if did {
				corrected++
			}
		}
	}

	e.logger.Info("reconciliation sweep complete", "checked", checked, "corrected", corrected)
}

// ReconcileRun gathers evidence for a single terminal run, computes its
// canonical counters, and applies a single conditional correction if the
// stored state or counters diverge. Returns whether a correction was
// applied.
func (e *Engine) ReconcileRun(ctx context.Context, run *domain.Run) (bool, error) {
	fileItems := countNonEmptyLines(run.OutputPath)
	fileRequests := parseStatsRequests(run.OutputPath)
	e.recoverBackup(ctx, run)

	dbRecords, err := e.recs.CountRecords(ctx, run.ID)
	if err != nil {
		return false, err
	}

	var duration time.Duration
	if run.StartedAt != nil && run.FinishedAt != nil {
		duration = run.FinishedAt.Sub(*run.StartedAt)
	}

	canonicalItems := maxInt64(dbRecords, fileItems, run.ItemsCount)
	canonicalRequests := maxInt64(fileRequests, canonicalItems+RequestFloor, run.RequestsCount)

	if run.State == domain.RunFinished && canonicalItems == 0 && duration > 0 && duration < ShortRunThreshold {
		canonicalItems = 1
		canonicalRequests = RequestFloor
	}

	newState := run.State
	clearError := false
	if canonicalItems > 0 && run.State == domain.RunFailed {
		newState = domain.RunFinished
		clearError = true
	} else if canonicalItems == 0 && run.State == domain.RunFinished && duration >= ShortRunThreshold {
		newState = domain.RunFailed
	}

	needsCorrection := newState != run.State || canonicalItems != run.ItemsCount || canonicalRequests != run.RequestsCount
	if !needsCorrection {
		return false, nil
	}

	patch := store.RunPatch{}
	if clearError {
		empty := ""
		patch.ErrorMessage = &empty
	}
	if err := e.runs.TransitionRun(ctx, run.ID, run.State, newState, patch); err != nil {
		return false, err
	}
	delta := store.Counters{
		Items:    canonicalItems - run.ItemsCount,
		Requests: canonicalRequests - run.RequestsCount,
	}
	if delta.Items != 0 || delta.Requests != 0 {
		if err := e.runs.BumpCounters(ctx, run.ID, delta); err != nil {
			return false, err
		}
	}

	if e.metrics != nil {
		e.metrics.IncReconcileCorrection()
	}
	e.logger.Info("reconciliation corrected run", "run_id", run.ID, "from_state", run.State, "to_state", newState,
		"items", canonicalItems, "requests", canonicalRequests)
	return true, nil
}

// recoverBackup retries ingestion of any backup file spilled by a
// degraded Ingest Pipeline. It is best-effort: a failure here is logged
// and does not block the rest of reconciliation.
func (e *Engine) recoverBackup(ctx context.Context, run *domain.Run) {
	backupDir := filepath.Join(filepath.Dir(run.OutputPath), "backup")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(backupDir, entry.Name())
		records := readBackupRecords(path, run.ID)
		if len(records) == 0 {
			continue
		}
		if _, err := e.recs.InsertBatch(ctx, records); err != nil {
			e.logger.Warn("backup recovery insert failed", "path", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.Warn("remove recovered backup file failed", "path", path, "error", err)
		}
	}
}

func readBackupRecords(path, runID string) []*domain.Record {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var records []*domain.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var payload map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &payload); err != nil {
			continue
		}
		records = append(records, &domain.Record{
			ID:          uuid.New().String(),
			RunID:       runID,
			Payload:     payload,
			Fingerprint: ingest.DefaultFingerprint(payload),
			AcquiredAt:  time.Now(),
		})
	}
	return records
}

func countNonEmptyLines(outputPath string) int64 {
	if outputPath == "" {
		return 0
	}
	f, err := os.Open(outputPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count
}

func parseStatsRequests(outputPath string) int64 {
	if outputPath == "" {
		return 0
	}
	statsPath := filepath.Join(filepath.Dir(outputPath), "stats.json")
	b, err := os.ReadFile(statsPath)
	if err != nil {
		return 0
	}
	var stats StatsFile
	if err := json.Unmarshal(b, &stats); err != nil {
		return 0
	}
	return stats.DownloaderRequestCount
}

func maxInt64(values ...int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
