// Control plane serves the ops HTTP API and drains the bus inbox into the
// callback correlator.
//
// Responsibilities:
//   - Accept request submissions, abort, relaunch, decisions and deletions
//   - Queue outcomes reported by the remote storage subsystem
//   - Apply queued outcomes to the requests waiting on them
//   - Expose session counters on /metrics
//
// Any number of control planes may run against the same database.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vin-jex/archive-orchestrator/internal/api"
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

	logger, err := observability.NewLogger("control-plane", cfg.LogLevel)
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
	server := api.NewServer(o, prometheus.DefaultGatherer, cfg.Tenant, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		o.NewConsumer().Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("control plane stopped", "err", err)
	}
}
