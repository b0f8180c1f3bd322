// Package main is the entry point for the Overstory orchestrator process.
// It owns the long-lived background tasks (watchdog, merger, optional
// dashboard gateway) described in spec.md §5; the spawn pipeline itself is
// invoked per-call by the (out of scope) CLI surface against the same
// stores this process opens.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/config"
	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/common/tracing"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/gateway/httpapi"
	"github.com/digi4care/overstory-sub000/internal/mail"
	"github.com/digi4care/overstory-sub000/internal/merge"
	"github.com/digi4care/overstory-sub000/internal/metrics"
	"github.com/digi4care/overstory-sub000/internal/pane"
	"github.com/digi4care/overstory-sub000/internal/runtimeadapter"
	"github.com/digi4care/overstory-sub000/internal/session"
	"github.com/digi4care/overstory-sub000/internal/watchdog"
)

func main() {
	projectRoot, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve project root: %v\n", err)
		os.Exit(1)
	}

	// 1. Load configuration
	cfg, err := config.Load(projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting overstory orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Install the process-wide tracer
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{Enabled: cfg.Tracing.Enabled, Endpoint: cfg.Tracing.Endpoint})
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}()

	// 4. Open durable stores (spec.md §6 persisted state layout)
	stateDir := filepath.Join(projectRoot, ".overstory")

	sessions, err := session.Open(filepath.Join(stateDir, "sessions.db"))
	if err != nil {
		log.Fatal("failed to open sessions.db", zap.Error(err))
	}
	defer sessions.Close()

	mailbox, err := mail.Open(filepath.Join(stateDir, "mail.db"))
	if err != nil {
		log.Fatal("failed to open mail.db", zap.Error(err))
	}
	defer mailbox.Close()

	mergeQueue, err := merge.Open(filepath.Join(stateDir, "merge-queue.db"))
	if err != nil {
		log.Fatal("failed to open merge-queue.db", zap.Error(err))
	}
	defer mergeQueue.Close()

	eventsStore, err := events.Open(filepath.Join(stateDir, "events.db"))
	if err != nil {
		log.Fatal("failed to open events.db", zap.Error(err))
	}
	defer eventsStore.Close()

	metricsStore, err := metrics.Open(filepath.Join(stateDir, "metrics.db"))
	if err != nil {
		log.Fatal("failed to open metrics.db", zap.Error(err))
	}
	defer metricsStore.Close()

	// 5. Optional in-process event fanout for live dashboard subscribers
	var fanout *events.Fanout
	if natsURL := os.Getenv("OVERSTORY_NATS_URL"); natsURL != "" {
		fanout, err = events.NewFanout(natsURL, log)
		if err != nil {
			log.Warn("event fanout unavailable, continuing without live streaming", zap.Error(err))
		} else {
			defer fanout.Close()
		}
	}

	// 6. Runtime adapters and the merger's tier-2 adapter
	adapters := runtimeadapter.NewRegistry(log)
	mergeAdapter, err := adapters.Get(cfg.Runtime.Default)
	if err != nil {
		log.Fatal("failed to resolve default runtime adapter", zap.Error(err))
	}

	// 7. Watchdog — the same in-process pane registry the spawn pipeline
	// populates when invoked against this orchestrator process.
	panes := pane.NewManager(log)
	wd := watchdog.New(sessions, panes, mailbox, eventsStore, fanout, metricsStore, cfg.Watchdog, log)
	if err := wd.Start(ctx); err != nil {
		log.Fatal("failed to start watchdog", zap.Error(err))
	}

	// 8. Merger — tier-2 model resolution has no capability to key off of,
	// so an empty model string is passed through and each adapter's
	// BuildPrintCommand falls back to its own default.
	qualityGates, err := config.LoadQualityGates(projectRoot)
	if err != nil {
		log.Fatal("failed to load quality gates", zap.Error(err))
	}
	merger := merge.NewMerger(mergeQueue, cfg.Project.RootPath, cfg.Project.CanonicalBranch, mailbox, mergeAdapter,
		cfg.Merge.AIAssistedEnabled, "", qualityGates, nil, log)
	go merger.Run(ctx, 5*time.Second)

	// 9. Optional dashboard gateway
	var gatewaySrv *http.Server
	if cfg.Gateway.Enabled {
		api := httpapi.NewServer(sessions, mailbox, mergeQueue, eventsStore, fanout, metricsStore, log)
		gatewaySrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Gateway.Port),
			Handler: api.Router(),
		}
		go func() {
			log.Info("dashboard gateway listening", zap.Int("port", cfg.Gateway.Port))
			if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("dashboard gateway stopped unexpectedly", zap.Error(err))
			}
		}()
	}

	log.Info("overstory orchestrator started")

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down overstory orchestrator")
	cancel()

	if gatewaySrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
			log.Error("dashboard gateway shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	if err := wd.Stop(); err != nil {
		log.Error("watchdog stop error", zap.Error(err))
	}

	log.Info("overstory orchestrator stopped")
}
