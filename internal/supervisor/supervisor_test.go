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

package supervisor_test

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
	"github.com/crawlplane/ctlmaster/internal/store/memory"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
	"github.com/crawlplane/ctlmaster/internal/tailer"
)

// writeFakeCrawler emits a fixed set of jsonlines to the -o path and
// exits 0, standing in for the real crawl tool binary.
func writeFakeCrawler(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-crawler.sh")
	script := `#!/bin/sh
out=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
mkdir -p "$(dirname "$out")"
printf '{"id":1}\n{"id":2}\n' >> "$out"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func TestSupervisor_StartRunCompletesSuccessfully(t *testing.T) {
	dataRoot := t.TempDir()
	binDir := t.TempDir()
	binary := writeFakeCrawler(t, binDir)

	st := memory.New()
	sup := supervisor.New(supervisor.Config{
		Binary:        binary,
		DataRoot:      dataRoot,
		ShutdownGrace: 200 * time.Millisecond,
		TailerConfig:  tailer.Config{PollInterval: tailer.MinPollInterval},
		IngestConfig:  ingest.Config{BatchSize: 1, FlushInterval: 50 * time.Millisecond},
	}, st, st, st, nil)

	finished := make(chan string, 1)
	sup.OnFinished(func(runID string) { finished <- runID })

	runID, err := sup.StartRun(context.Background(), supervisor.StartRequest{
		ProjectID:  "proj-1",
		SpiderID:   "spider-1",
		SpiderName: "books",
		ProjectDir: binDir,
		Settings:   domain.Settings{},
	})
	require.NoError(t, err)

	select {
	case gotID := <-finished:
		assert.Equal(t, runID, gotID)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish in time")
	}

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFinished, run.State)
	assert.Equal(t, int64(2), run.ItemsCount)
	assert.NotNil(t, run.FinishedAt)
}

func TestSupervisor_StopRunCancelsGracefully(t *testing.T) {
	dataRoot := t.TempDir()
	binDir := t.TempDir()
	// A long-sleeping "crawler" that ignores stdout entirely.
	path := filepath.Join(binDir, "sleepy.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o700))

	st := memory.New()
	sup := supervisor.New(supervisor.Config{
		Binary:        path,
		DataRoot:      dataRoot,
		ShutdownGrace: 300 * time.Millisecond,
		TailerConfig:  tailer.Config{PollInterval: tailer.MinPollInterval},
		IngestConfig:  ingest.Config{BatchSize: 1, FlushInterval: 50 * time.Millisecond},
	}, st, st, st, nil)

	runID, err := sup.StartRun(context.Background(), supervisor.StartRequest{
		ProjectID:  "proj-1",
		SpiderID:   "spider-1",
		SpiderName: "books",
		ProjectDir: binDir,
	})
	require.NoError(t, err)

	// Give the subprocess a moment to actually start before cancelling.
	time.Sleep(100 * time.Millisecond)

	err = sup.StopRun(context.Background(), runID, supervisor.ReasonUserRequested)
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.State)
}
