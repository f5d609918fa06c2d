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

package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/ingest"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/store/memory"
)

func seedRun(t *testing.T, st *memory.Backend, runID string) {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), &domain.Run{
		ID:        runID,
		ProjectID: "proj-1",
		SpiderID:  "spider-1",
		State:     domain.RunPending,
	}))
}

func TestPipeline_DeduplicatesAndFlushesOnBatchSize(t *testing.T) {
	st := memory.New()
	seedRun(t, st, "run-1")

	p := ingest.New(ingest.Config{BatchSize: 2, FlushInterval: time.Hour}, "run-1", st, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Ingest(ctx, `{"id":1}`)
	p.Ingest(ctx, `{"id":1}`) // duplicate, silently dropped
	p.Ingest(ctx, `{"id":2}`) // reaches batch size, triggers flush

	deadline := time.After(2 * time.Second)
	for {
		n, err := st.CountRecords(context.Background(), "run-1")
		require.NoError(t, err)
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 records, got %d", n)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	run, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsCount)
}

func TestPipeline_IsolatesMalformedLines(t *testing.T) {
	st := memory.New()
	seedRun(t, st, "run-2")

	p := ingest.New(ingest.Config{BatchSize: 100, FlushInterval: time.Hour}, "run-2", st, st, nil)
	ctx := context.Background()
	p.Start(ctx)

	p.Ingest(ctx, `{"id":1}`)
	p.Ingest(ctx, `not json`)
	p.Stop()

	run, err := st.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsCount)
	assert.Equal(t, int64(1), run.ErrorCount)
}

func TestPipeline_StopFlushesRemainingBuffer(t *testing.T) {
	st := memory.New()
	seedRun(t, st, "run-3")

	p := ingest.New(ingest.Config{BatchSize: 100, FlushInterval: time.Hour}, "run-3", st, st, nil)
	ctx := context.Background()
	p.Start(ctx)

	p.Ingest(ctx, `{"id":1}`)
	p.Ingest(ctx, `{"id":2}`)
	p.Stop()

	n, err := st.CountRecords(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, p.BufferedCount())
}

func TestPipeline_SpillsToBackupOnPersistentFailure(t *testing.T) {
	dir := t.TempDir()
	failing := &alwaysFailingStore{}

	st := memory.New()
	seedRun(t, st, "run-4")

	p := ingest.New(ingest.Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		BackupDir:     dir,
	}, "run-4", failing, st, nil)

	ctx := context.Background()
	p.Start(ctx)
	p.Ingest(ctx, `{"id":1}`)
	p.Stop()

	assert.True(t, p.Degraded())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, filepath.Ext(entries[0].Name()) == ".jsonl")
}

// alwaysFailingStore simulates a Record Store in Unavailable state.
type alwaysFailingStore struct{}

func (a *alwaysFailingStore) InsertBatch(ctx context.Context, records []*domain.Record) (int, error) {
	return 0, assertUnavailable
}

func (a *alwaysFailingStore) CountRecords(ctx context.Context, runID string) (int64, error) {
	return 0, nil
}

var assertUnavailable = &unavailableErr{}

type unavailableErr struct{}

func (e *unavailableErr) Error() string { return "record store unavailable" }

var _ store.RecordStore = (*alwaysFailingStore)(nil)
