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

// Command ctlmasterd is the crawl control plane daemon: it runs the
// Scheduler, Dispatcher, Worker Supervisor, Reconciliation Engine and
// Progress Broadcaster in a single process over one in-memory queue and
// hub, and serves a minimal HTTP surface for health checks and the live
// progress WebSocket. ctl start/stop/restart manage it as one supervised
// unit; it is never expected to be launched directly in production.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crawlplane/ctlmaster/internal/broadcast"
	"github.com/crawlplane/ctlmaster/internal/config"
	"github.com/crawlplane/ctlmaster/internal/ctlapi"
	"github.com/crawlplane/ctlmaster/internal/dispatcher"
	"github.com/crawlplane/ctlmaster/internal/ingest"
	"github.com/crawlplane/ctlmaster/internal/log"
	"github.com/crawlplane/ctlmaster/internal/metrics"
	"github.com/crawlplane/ctlmaster/internal/queue"
	"github.com/crawlplane/ctlmaster/internal/reconcile"
	"github.com/crawlplane/ctlmaster/internal/registry"
	"github.com/crawlplane/ctlmaster/internal/scheduler"
	"github.com/crawlplane/ctlmaster/internal/store"
	"github.com/crawlplane/ctlmaster/internal/store/memory"
	"github.com/crawlplane/ctlmaster/internal/store/postgres"
	"github.com/crawlplane/ctlmaster/internal/store/sqlite"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
	"github.com/crawlplane/ctlmaster/internal/tailer"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		backend      = flag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		dsn          = flag.String("dsn", "", "Backend connection string (sqlite path or postgres URL)")
		dataRoot     = flag.String("data-root", "", "Root directory for run output and logs")
		listenAddr   = flag.String("listen", "", "HTTP listen address for /healthz and /ws")
		crawlerBin   = flag.String("crawler-bin", "", "Crawl tool executable invoked for each run")
		registryPath = flag.String("registry", "", "Path to the Project/Spider registry file")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ctlmasterd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Backend = config.Backend(*backend)
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *crawlerBin == "" {
		*crawlerBin = "scrapy"
	}
	if *registryPath == "" {
		*registryPath = cfg.DataRoot + "/registry.yaml"
	}

	backendImpl, err := openBackend(cfg)
	if err != nil {
		logger.Error("failed to open storage backend", "error", err, "backend", cfg.Backend)
		os.Exit(1)
	}
	defer backendImpl.Close()

	reg, err := registry.Open(*registryPath)
	if err != nil {
		logger.Error("failed to open registry", "error", err, "path", *registryPath)
		os.Exit(1)
	}

	metricsProvider, err := metrics.NewProvider()
	if err != nil {
		logger.Error("failed to start metrics provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics provider shutdown error", "error", err)
		}
	}()

	q := queue.NewMemoryQueue()
	bcast := broadcast.New(cfg.BroadcastInterval(), metricsProvider.Collector, logger)

	sup := supervisor.New(supervisor.Config{
		Binary:        *crawlerBin,
		DataRoot:      cfg.DataRoot,
		WallClock:     cfg.RunWallClock(),
		MemoryCeilMB:  int64(cfg.RunMemoryMB),
		ShutdownGrace: 10 * time.Second,
		IngestConfig: ingest.Config{
			BatchSize:     cfg.IngestBatchSize,
			FlushInterval: cfg.IngestFlush(),
			BackupDir:     cfg.DataRoot + "/backup",
		},
		TailerConfig: tailer.Config{
			PollInterval: time.Duration(cfg.TailPollMS) * time.Millisecond,
		},
		IngestBatchObserver: metricsProvider.Collector.ObserveIngestBatch,
	}, backendImpl, backendImpl, backendImpl, logger)

	disp := dispatcher.New(dispatcher.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	}, q, sup, reg.Lookup, metricsProvider.Collector, logger)

	sup.OnProgress(func(runID string) {
		notifyProgress(context.Background(), backendImpl, bcast, runID, false)
	})
	sup.OnFinished(func(runID string) {
		disp.ReleaseRun(runID)
		notifyProgress(context.Background(), backendImpl, bcast, runID, true)
		bcast.Forget(runID)
	})

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.SchedulerTick(),
	}, backendImpl, q, logger)

	recon := reconcile.New(cfg.ReconcileInterval(), backendImpl, backendImpl, backendImpl, metricsProvider.Collector, logger)

	sub := broadcast.NewSubscriber(bcast.Hub(), logger)
	mux := ctlapi.NewMux(sup, q.Len, sub, metricsProvider)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp.Start(ctx)
	sched.Start(ctx)
	recon.Start(ctx)

	go func() {
		logger.Info("http listener starting", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listener failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	disp.Stop()
	sched.Stop()
	recon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http listener shutdown error", "error", err)
	}
}

func notifyProgress(ctx context.Context, runs store.RunStore, bcast *broadcast.Broadcaster, runID string, transition bool) {
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return
	}
	bcast.NotifyProgress(run, transition)
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendSQLite:
		return sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
	case config.BackendPostgres:
		return postgres.New(postgres.Config{ConnectionString: cfg.DSN})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
