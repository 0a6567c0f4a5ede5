// Scheduler runs the maintenance loop of the request ledger.
//
// Responsibilities:
//   - Schedule requests spawned by creator jobs
//   - Retry BLOCKED requests once their conflicts cleared
//   - Recover jobs whose worker stopped renewing its lease
//   - Purge terminal jobs no request refers to
//
// Multiple schedulers may run concurrently; a leased lock lets one of them
// sweep at a time.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vin-jex/archive-orchestrator/internal/config"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/observability"
	"github.com/vin-jex/archive-orchestrator/internal/orchestrator"
	"github.com/vin-jex/archive-orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := observability.NewLogger("scheduler", cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	storeLayer, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer storeLayer.Close()

	metrics, err := notifier.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal(err)
	}

	o := orchestrator.New(
		orchestrator.PostgresBackend(storeLayer, cfg.Worker.MaxAttempts),
		metrics,
		cfg,
		logger,
	)

	schedulerID := uuid.NewString()
	logger.Infow("scheduler started", "scheduler_id", schedulerID)

	o.NewLoop(schedulerID).Run(ctx)
}
