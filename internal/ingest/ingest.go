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

// Package ingest decodes, deduplicates, batches and persists the lines a
// Tailer emits for one run, and keeps that run's counters in step with
// what actually landed in the Record Store.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/store"
)

const (
	// DefaultBatchSize is the record count that triggers an eager flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is the time-based flush trigger.
	DefaultFlushInterval = 2 * time.Second

	// DefaultMaxRetries bounds the exponential backoff applied to a
	// flush before the pipeline spills to its backup file and marks
	// itself Degraded.
	DefaultMaxRetries = 5

	// initialBackoff and maxBackoff shape the exponential retry applied
	// to a single flush attempt.
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Config configures a Pipeline.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	FingerprintKey FingerprintFunc
	BackupDir      string

	// OnProgress, if set, is invoked after a flush successfully bumps the
	// run's counters. The Progress Broadcaster subscribes to this
	// indirectly, via the Supervisor's own OnProgress hook.
	OnProgress func(runID string)

	// BatchObserver, if set, is invoked with the size of every
	// successfully inserted flush batch.
	BatchObserver func(n int)
}

// FingerprintFunc computes the stable identity of a decoded record.
// Implementations default to hashing all payload fields sorted by key;
// per-spider configuration may narrow or widen the field selection (the
// wrong choice causes false-positive deduplication, so this is exposed
// rather than hardcoded).
type FingerprintFunc func(payload map[string]any) string

// DefaultFingerprint hashes the payload's fields, sorted by key, plus the
// trailing path segment of any field whose value looks like a URL — a
// common stable-identity marker (e.g. a product or article slug) that
// would otherwise be lost if the rest of the URL varies across crawls.
func DefaultFingerprint(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		encoded := fmtValue(payload[k])
		h.Write([]byte(encoded))
		h.Write([]byte{0})
		if slug := urlSlug(encoded); slug != "" {
			h.Write([]byte(slug))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FieldsFingerprint builds a FingerprintFunc that hashes only the named
// payload fields, in the given order, ignoring everything else. Use this
// when a spider's items carry a natural key (e.g. "sku" or "url") and the
// default whole-payload hash would treat cosmetic field changes (a
// scraped timestamp, a changing ad slot) as a new item.
func FieldsFingerprint(fields []string) FingerprintFunc {
	keys := append([]string(nil), fields...)
	return func(payload map[string]any) string {
		h := sha256.New()
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write([]byte(fmtValue(payload[k])))
			h.Write([]byte{0})
		}
		return hex.EncodeToString(h.Sum(nil))
	}
}

// FingerprintFromSettings resolves the per-spider FINGERPRINT_FIELDS
// setting (see pkg/settingsconfig.Schema) into a FingerprintFunc. An
// empty or absent setting keeps the whole-payload DefaultFingerprint;
// this is what makes field selection configurable per spider rather
// than a single process-wide choice.
func FingerprintFromSettings(s domain.Settings) FingerprintFunc {
	raw, ok := s.Get("FINGERPRINT_FIELDS")
	if !ok || strings.TrimSpace(raw) == "" {
		return DefaultFingerprint
	}
	fields := strings.Split(raw, ",")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return FieldsFingerprint(fields)
}

func fmtValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// urlSlug returns the trailing path segment of a value if it looks like
// a URL, otherwise the empty string.
func urlSlug(raw string) string {
	s := raw
	if len(s) > 1 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if len(s) < 8 || (s[:7] != "http://" && s[:8] != "https://") {
		return ""
	}
	idx := bytes.LastIndexByte([]byte(s), '/')
	if idx == -1 || idx == len(s)-1 {
		return ""
	}
	return s[idx+1:]
}

// Pipeline ingests one run's lines into the Record Store and keeps its
// counters current.
type Pipeline struct {
	runID  string
	store  store.RecordStore
	runs   store.RunStore
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []*domain.Record
	seen       map[string]struct{}
	degraded   bool
	errorCount int64

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Pipeline bound to a single run.
func New(cfg Config, runID string, recordStore store.RecordStore, runStore store.RunStore, logger *slog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FingerprintKey == nil {
		cfg.FingerprintKey = DefaultFingerprint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runID:   runID,
		store:   recordStore,
		runs:    runStore,
		cfg:     cfg,
		logger:  logger.With("component", "ingest", "run_id", runID),
		seen:    make(map[string]struct{}),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the periodic flush loop. Lines must be fed in with
// Ingest; Start only drives the timer-based flush trigger.
func (p *Pipeline) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Flush(context.Background())
			return
		case <-p.stopCh:
			p.Flush(context.Background())
			return
		case <-ticker.C:
			p.Flush(ctx)
		case <-p.flushCh:
			p.Flush(ctx)
		}
	}
}

// Stop flushes any buffered records and stops the periodic loop. It
// corresponds to the Worker Supervisor's end-of-run signal.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Ingest decodes one tailer line. Malformed lines are isolated: they
// bump the error counter and are logged, but never halt the pipeline.
func (p *Pipeline) Ingest(ctx context.Context, line string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		p.logger.Warn("malformed record line, isolating", "error", err)
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		return
	}

	fp := p.cfg.FingerprintKey(payload)

	p.mu.Lock()
	if _, dup := p.seen[fp]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[fp] = struct{}{}
	p.buffer = append(p.buffer, &domain.Record{
		ID:          uuid.New().String(),
		RunID:       p.runID,
		Payload:     payload,
		Fingerprint: fp,
		AcquiredAt:  time.Now(),
	})
	shouldFlush := len(p.buffer) >= p.cfg.BatchSize
	p.mu.Unlock()

	if shouldFlush {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush writes the current buffer to the Record Store and bumps the
// run's counters. On repeated store failure it retries with exponential
// backoff up to MaxRetries, then spills the buffer to a backup file and
// marks the pipeline Degraded rather than losing data.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		errCount := p.errorCount
		p.errorCount = 0
		p.mu.Unlock()
		if errCount > 0 {
			if err := p.runs.BumpCounters(ctx, p.runID, store.Counters{Errors: errCount}); err != nil {
				p.logger.Error("bump counters failed", "error", err)
			} else if p.cfg.OnProgress != nil {
				p.cfg.OnProgress(p.runID)
			}
		}
		return
	}
	batch := p.buffer
	p.buffer = nil
	errCount := p.errorCount
	p.errorCount = 0
	p.mu.Unlock()

	inserted, err := p.flushWithRetry(ctx, batch)
	if err != nil {
		p.logger.Error("ingest flush exhausted retries, spilling to backup", "error", err, "records", len(batch))
		p.spillToBackup(batch)
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
		return
	}

	if p.cfg.BatchObserver != nil {
		p.cfg.BatchObserver(inserted)
	}

	counters := store.Counters{Items: int64(inserted), Errors: errCount}
	if err := p.runs.BumpCounters(ctx, p.runID, counters); err != nil {
		p.logger.Error("bump counters failed", "error", err)
	} else if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(p.runID)
	}
}

func (p *Pipeline) flushWithRetry(ctx context.Context, batch []*domain.Record) (int, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		inserted, err := p.store.InsertBatch(ctx, batch)
		if err == nil {
			return inserted, nil
		}
		lastErr = err

		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return 0, lastErr
}

// spillToBackup appends the batch to a backup line file next to the
// output file, in the same format, so reconciliation can retry ingestion
// later.
func (p *Pipeline) spillToBackup(batch []*domain.Record) {
	if p.cfg.BackupDir == "" {
		p.logger.Error("no backup dir configured, records dropped", "records", len(batch))
		return
	}
	if err := os.MkdirAll(p.cfg.BackupDir, 0o700); err != nil {
		p.logger.Error("create backup dir failed", "error", err)
		return
	}
	path := filepath.Join(p.cfg.BackupDir, "ingest-"+time.Now().UTC().Format("20060102T150405.000000000Z")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		p.logger.Error("open backup file failed", "error", err)
		return
	}
	defer f.Close()

	for _, rec := range batch {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(b, '\n')); err != nil {
			p.logger.Error("write backup record failed", "error", err)
			return
		}
	}
}

// Degraded reports whether the last flush spilled to backup.
func (p *Pipeline) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// BufferedCount returns the number of records currently buffered,
// unflushed.
func (p *Pipeline) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
