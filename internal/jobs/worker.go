package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type WorkerConfig struct {
	Capacity          int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// Worker claims pending jobs and runs the handler registered for their type
// with bounded concurrency. A job whose handler fails or panics is failed
// and reported to Hooks as a crash; a job stopped while running is reported
// as stopped.
type Worker struct {
	id       uuid.UUID
	queue    Queue
	hooks    Hooks
	handlers map[Type]Handler
	config   WorkerConfig
	lg       Logger
}

func NewWorker(
	id uuid.UUID,
	queue Queue,
	hooks Hooks,
	config WorkerConfig,
	lg Logger,
) *Worker {
	if config.Capacity <= 0 {
		config.Capacity = 4
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 300 * time.Millisecond
	}

	return &Worker{
		id:       id,
		queue:    queue,
		hooks:    hooks,
		handlers: map[Type]Handler{},
		config:   config,
		lg:       lg,
	}
}

func (w *Worker) Register(jobType Type, handler Handler) {
	w.handlers[jobType] = handler
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.RegisterWorker(ctx, w.id, w.config.Capacity); err != nil {
		return err
	}

	go w.runExecutor(ctx)

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := w.queue.HeartbeatWorker(ctx, w.id); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (w *Worker) runExecutor(ctx context.Context) {
	slots := semaphore.NewWeighted(int64(w.config.Capacity))

	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.queue.Claim(ctx, w.id, w.config.LeaseDuration)
		if err != nil || job == nil {
			slots.Release(1)
			if err != nil && ctx.Err() == nil {
				w.lg.Warnw("job claim failed", "worker_id", w.id, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.PollInterval):
			}
			continue
		}

		go func() {
			defer slots.Release(1)
			w.Execute(ctx, job)
		}()
	}
}

// Execute runs one claimed job to its end. It is exported so callers can
// drive a single job synchronously.
func (w *Worker) Execute(ctx context.Context, job *Job) {
	lg := []interface{}{"job_id", job.ID, "job_type", job.Type}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.crash(ctx, job, fmt.Sprintf("no handler registered for job type %s", job.Type))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	done := make(chan struct{})
	go w.keepLease(jobCtx, job.ID, cancel, leaseLost, done)

	err := runHandler(jobCtx, handler, job)
	close(done)

	if ctx.Err() != nil {
		// Shutting down; the expired lease requeues the job.
		return
	}

	select {
	case <-leaseLost:
		w.lg.Infow("job stopped while running", lg...)
		w.stopped(ctx, job)
		return
	default:
	}

	if err != nil {
		w.lg.Errorw("job failed", append(lg, "err", err)...)
		w.crash(ctx, job, err.Error())
		return
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			w.stopped(ctx, job)
			return
		}
		w.lg.Errorw("job completion failed", append(lg, "err", err)...)
		return
	}
	w.lg.Infow("job completed", lg...)
}

func (w *Worker) keepLease(
	ctx context.Context,
	jobID uuid.UUID,
	cancel context.CancelFunc,
	leaseLost chan<- struct{},
	done <-chan struct{},
) {
	ticker := time.NewTicker(w.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.ExtendLease(ctx, jobID, w.id, w.config.LeaseDuration)
			if errors.Is(err, ErrLeaseLost) {
				close(leaseLost)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.lg.Warnw("lease extension failed", "job_id", jobID, "err", err)
			}
		}
	}
}

func runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v\n%s", recovered, debug.Stack())
		}
	}()
	return handler.Run(ctx, job)
}

func (w *Worker) crash(ctx context.Context, job *Job, trace string) {
	if err := w.queue.Fail(ctx, job.ID, trace); err != nil && !errors.Is(err, ErrInvalidStateTransition) {
		w.lg.Errorw("marking job failed", "job_id", job.ID, "err", err)
	}
	if err := w.hooks.HandleJobCrash(ctx, job.ID, trace); err != nil {
		w.lg.Errorw("job crash handling failed", "job_id", job.ID, "err", err)
	}
}

func (w *Worker) stopped(ctx context.Context, job *Job) {
	if err := w.hooks.HandleJobStopped(ctx, job.ID); err != nil {
		w.lg.Errorw("job stop handling failed", "job_id", job.ID, "err", err)
	}
}
