// Package orchestrator wires the request workflow, the scheduler and the
// callback correlator onto one storage backend.
package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/callback"
	"github.com/vin-jex/archive-orchestrator/internal/config"
	"github.com/vin-jex/archive-orchestrator/internal/conflict"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/memstore"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
	"github.com/vin-jex/archive-orchestrator/internal/scheduler"
	"github.com/vin-jex/archive-orchestrator/internal/store"
	"github.com/vin-jex/archive-orchestrator/internal/workflow"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// Backend is every storage boundary the orchestrator runs on.
type Backend struct {
	Requests   request.Store
	Catalog    archive.Catalog
	Transactor request.Transactor
	Publisher  bus.Publisher
	Inbox      bus.Inbox
	Runner     jobs.Runner
	Queue      jobs.Queue
	Mutex      scheduler.Mutex
	Locker     conflict.Locker
	Ping       func(ctx context.Context) error
}

func MemoryBackend(s *memstore.Store) Backend {
	return Backend{
		Requests:   s,
		Catalog:    s.Catalog(),
		Transactor: s,
		Publisher:  s.Bus(),
		Inbox:      s.Bus(),
		Runner:     s.Jobs(),
		Queue:      s.Jobs(),
		Mutex:      s.Leases(),
		Locker:     s,
		Ping:       s.Ping,
	}
}

// PostgresBackend runs on s. Jobs get maxAttempts executions before a lost
// lease fails them.
func PostgresBackend(s *store.Store, maxAttempts int) Backend {
	jobStore := s.Jobs()
	jobStore.MaxAttempts = maxAttempts

	return Backend{
		Requests:   s.Requests(),
		Catalog:    s.Packages(),
		Transactor: s,
		Publisher:  s.Bus(),
		Inbox:      s.Bus(),
		Runner:     jobStore,
		Queue:      jobStore,
		Mutex:      s.Leases(),
		Locker:     s.Requests(),
		Ping:       s.Ping,
	}
}

type Orchestrator struct {
	Backend
	Engine     *workflow.Engine
	Scheduler  *scheduler.Scheduler
	Correlator *callback.Correlator

	config config.Config
	lg     Logger
}

func New(backend Backend, n notifier.Notifier, cfg config.Config, lg Logger) *Orchestrator {
	engine := workflow.New(
		backend.Requests,
		backend.Catalog,
		backend.Publisher,
		backend.Transactor,
		n,
		workflow.Config{
			Storages:        cfg.Workflow.Storages,
			Notify:          cfg.Workflow.Notify,
			CreatorPageSize: cfg.Workflow.CreatorPageSize,
		},
		lg,
	)

	sched := scheduler.New(
		backend.Requests,
		backend.Transactor,
		conflict.NewDetector(backend.Requests, backend.Locker),
		backend.Runner,
		backend.Publisher,
		engine,
		n,
		scheduler.Config{
			AbortPageSize: cfg.Scheduler.AbortPageSize,
			SweepPageSize: cfg.Scheduler.SweepPageSize,
		},
		lg,
	)

	correlator := callback.NewCorrelator(backend.Requests, engine, backend.Transactor, n, lg)

	return &Orchestrator{
		Backend:    backend,
		Engine:     engine,
		Scheduler:  sched,
		Correlator: correlator,
		config:     cfg,
		lg:         lg,
	}
}

// NewWorker returns a job worker with a handler for every job type.
func (o *Orchestrator) NewWorker(id uuid.UUID) *jobs.Worker {
	w := jobs.NewWorker(id, o.Queue, o.Scheduler, jobs.WorkerConfig{
		Capacity:          o.config.Worker.Capacity,
		LeaseDuration:     o.config.Worker.LeaseDuration,
		HeartbeatInterval: o.config.Worker.HeartbeatInterval,
		PollInterval:      o.config.Worker.PollInterval,
	}, o.lg)
	for jobType, handler := range o.Engine.Handlers() {
		w.Register(jobType, handler)
	}
	return w
}

// NewConsumer returns the inbox consumer feeding the correlator.
func (o *Orchestrator) NewConsumer() *bus.Consumer {
	return bus.NewConsumer(o.Inbox, o.Correlator, o.Transactor, bus.ConsumerConfig{
		PollInterval:    o.config.Inbox.PollInterval,
		BatchSize:       o.config.Inbox.BatchSize,
		EventsPerSecond: o.config.Inbox.EventsPerSecond,
		RetryDelay:      o.config.Inbox.RetryDelay,
	}, o.lg)
}

// NewLoop returns the maintenance loop. holder identifies this process in
// the sweep lease.
func (o *Orchestrator) NewLoop(holder string) *scheduler.Loop {
	return scheduler.NewLoop(o.Scheduler, o.Queue, o.Mutex, holder, scheduler.LoopConfig{
		Interval:     o.config.Scheduler.SweepInterval,
		LeaseTTL:     o.config.Scheduler.LeaseTTL,
		JobRetention: o.config.Scheduler.JobRetention,
	}, o.lg)
}
