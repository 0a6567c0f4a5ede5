// Worker is a long-running executor of the jobs behind ingest, creator and
// post processing requests.
//
// Responsibilities:
//   - Claim pending jobs and keep their lease alive
//   - Execute jobs concurrently using a bounded worker pool
//   - Report crashes and stops to the requests of the job
//
// Workers do not make scheduling decisions.
// They only act on authoritative state from the store.
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

	logger, err := observability.NewLogger("worker", cfg.LogLevel)
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

	workerID := uuid.New()
	logger.Infow("worker started", "worker_id", workerID, "capacity", cfg.Worker.Capacity)

	if err := o.NewWorker(workerID).Run(ctx); err != nil {
		log.Fatal(err)
	}
}
