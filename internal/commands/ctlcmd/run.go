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

package ctlcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlplane/ctlmaster/internal/config"
	"github.com/crawlplane/ctlmaster/internal/domain"
	"github.com/crawlplane/ctlmaster/internal/ingest"
	"github.com/crawlplane/ctlmaster/internal/registry"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/store/memory"
	"github.com/crawlplane/ctlmaster/internal/store/sqlite"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
	"github.com/crawlplane/ctlmaster/internal/tailer"
)

// NewRunCommand runs a single spider embedded in the ctl process, with no
// daemon, scheduler or dispatcher involved — a way to exercise one crawl
// without standing up ctlmasterd.
func NewRunCommand() *cobra.Command {
	var (
		local      bool
		noPersist  bool
		spiderID   string
		projectDir string
		spiderName string
		binary     string
		wallClock  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single spider in-process, without a daemon",
		Long: `Run executes one crawl embedded in the ctl process: no
ctlmasterd, Scheduler or Dispatcher involved. Useful for trying out a
spider or for scripted one-off crawls.

With --spider, the project and spider are looked up from the local
registry. Without it, --project-dir and --spider-name describe an ad
hoc run that never touches the registry.

--no-persist keeps everything in memory; the run and its records vanish
when the command exits. It is on by default, since a one-off run rarely
wants a durable row in the daemon's own backend. With --no-persist=false
a sqlite backend from the CTL_* configuration is used; any other
backend still runs in memory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !local {
				return fmt.Errorf("ctl run currently only supports --local; omit it to get the default (and only) embedded mode explicitly")
			}
			return runLocal(cmd.Context(), localRunOptions{
				noPersist:  noPersist,
				spiderID:   spiderID,
				projectDir: projectDir,
				spiderName: spiderName,
				binary:     binary,
				wallClock:  wallClock,
			})
		},
	}

	cmd.Flags().BoolVar(&local, "local", true, "Run embedded in this process rather than against a daemon")
	cmd.Flags().BoolVar(&noPersist, "no-persist", true, "Use an in-memory store instead of the configured backend")
	cmd.Flags().StringVar(&spiderID, "spider", "", "Spider ID to resolve from the local registry")
	cmd.Flags().StringVar(&projectDir, "project-dir", "", "Project directory (ad hoc run, no registry)")
	cmd.Flags().StringVar(&spiderName, "spider-name", "", "Spider name (ad hoc run, no registry)")
	cmd.Flags().StringVar(&binary, "crawler-bin", "scrapy", "Crawl tool executable")
	cmd.Flags().DurationVar(&wallClock, "wall-clock", time.Hour, "Wall-clock budget before the run is stopped")

	return cmd
}

type localRunOptions struct {
	noPersist  bool
	spiderID   string
	projectDir string
	spiderName string
	binary     string
	wallClock  time.Duration
}

func runLocal(ctx context.Context, opts localRunOptions) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	req, err := resolveStartRequest(cfg, opts)
	if err != nil {
		return err
	}

	var backend store.Backend
	if opts.noPersist || cfg.Backend == config.BackendMemory {
		backend = memory.New()
	} else if cfg.Backend == config.BackendSQLite {
		backend, err = sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return err
		}
	} else {
		backend = memory.New()
	}
	defer backend.Close()

	sup := supervisor.New(supervisor.Config{
		Binary:        opts.binary,
		DataRoot:      cfg.DataRoot,
		WallClock:     opts.wallClock,
		ShutdownGrace: 10 * time.Second,
		IngestConfig: ingest.Config{
			BatchSize:     cfg.IngestBatchSize,
			FlushInterval: cfg.IngestFlush(),
			BackupDir:     cfg.DataRoot + "/backup",
		},
		TailerConfig: tailer.Config{
			PollInterval: time.Duration(cfg.TailPollMS) * time.Millisecond,
		},
	}, backend, backend, backend, nil)

	done := make(chan struct{})
	sup.OnFinished(func(runID string) {
		close(done)
	})

	runID, err := sup.StartRun(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	fmt.Printf("started run %s (spider %s)\n", runID, req.SpiderName)

	<-done

	run, err := backend.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run finished but could not be reloaded: %w", err)
	}
	fmt.Printf("run %s finished: state=%s items=%d errors=%d\n", run.ID, run.State, run.ItemsCount, run.ErrorCount)
	return nil
}

func resolveStartRequest(cfg *config.Config, opts localRunOptions) (supervisor.StartRequest, error) {
	if opts.spiderID != "" {
		reg, err := openRegistry(cfg)
		if err != nil {
			return supervisor.StartRequest{}, err
		}
		return reg.Lookup(context.Background(), opts.spiderID)
	}
	if opts.projectDir == "" || opts.spiderName == "" {
		return supervisor.StartRequest{}, fmt.Errorf("either --spider or both --project-dir and --spider-name are required")
	}
	return supervisor.StartRequest{
		SpiderID:   "local-" + opts.spiderName,
		SpiderName: opts.spiderName,
		ProjectDir: opts.projectDir,
		Settings:   domain.Settings{},
	}, nil
}
