package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// SweepLock names the lease the loops compete for.
const SweepLock = "scheduler-sweep"

// Mutex is a named lease shared by every scheduler process. Only the holder
// sweeps.
type Mutex interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

type LoopConfig struct {
	Interval     time.Duration
	LeaseTTL     time.Duration
	JobRetention time.Duration
}

// Loop periodically schedules waiting requests, retries blocked ones and
// recovers jobs whose worker vanished.
type Loop struct {
	scheduler *Scheduler
	queue     jobs.Queue
	mutex     Mutex
	holder    string
	config    LoopConfig
	lg        Logger

	Now func() time.Time
}

func NewLoop(
	scheduler *Scheduler,
	queue jobs.Queue,
	mutex Mutex,
	holder string,
	config LoopConfig,
	lg Logger,
) *Loop {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 60 * time.Second
	}
	if config.JobRetention <= 0 {
		config.JobRetention = 24 * time.Hour
	}
	return &Loop{
		scheduler: scheduler,
		queue:     queue,
		mutex:     mutex,
		holder:    holder,
		config:    config,
		lg:        lg,
		Now:       time.Now,
	}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	defer func() {
		if err := l.mutex.Release(context.WithoutCancel(ctx), SweepLock, l.holder); err != nil {
			l.lg.Warnw("sweep lock release failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.TrySweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.lg.Errorw("sweep failed", "err", err)
			}
		}
	}
}

// TrySweep sweeps when this loop holds, or can take, the sweep lease. It
// reports whether a sweep ran.
func (l *Loop) TrySweep(ctx context.Context) (bool, error) {
	acquired, err := l.mutex.TryAcquire(ctx, SweepLock, l.holder, l.config.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("sweep lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	return true, l.Sweep(ctx)
}

// Sweep runs one maintenance pass.
func (l *Loop) Sweep(ctx context.Context) error {
	if err := l.recoverLeases(ctx); err != nil {
		return err
	}
	for _, kind := range request.Kinds {
		if err := l.scheduleWaiting(ctx, kind); err != nil {
			return err
		}
		if err := l.unblock(ctx, kind); err != nil {
			return err
		}
	}

	purged, err := l.queue.PurgeTerminal(ctx, l.Now().Add(-l.config.JobRetention))
	if err != nil {
		return err
	}
	if purged > 0 {
		l.lg.Infow("terminal jobs purged", "count", purged)
	}
	return nil
}

// scheduleWaiting schedules TO_SCHEDULE requests of kind, a page per
// transaction. Every scheduled request leaves TO_SCHEDULE so the first page
// is always the next one.
func (l *Loop) scheduleWaiting(ctx context.Context, kind request.Kind) error {
	filter := request.Filter{
		Kinds:  []request.Kind{kind},
		States: []request.State{request.StateToSchedule},
	}
	return l.page(ctx, filter, false, func(ctx context.Context, batch []*request.Request, effects *notifier.Effects) error {
		_, err := l.scheduler.ScheduleBatch(ctx, batch)
		if err != nil {
			return err
		}
		return l.scheduler.launch(ctx, batch, effects)
	})
}

// unblock gives BLOCKED requests of kind another chance. Requests that stay
// blocked are skipped with a keyset cursor.
func (l *Loop) unblock(ctx context.Context, kind request.Kind) error {
	filter := request.Filter{
		Kinds:  []request.Kind{kind},
		States: []request.State{request.StateBlocked},
	}
	return l.page(ctx, filter, true, func(ctx context.Context, batch []*request.Request, effects *notifier.Effects) error {
		for _, r := range batch {
			if err := r.Transition(request.StateToSchedule); err != nil {
				return err
			}
		}
		runnable, err := l.scheduler.ScheduleBatch(ctx, batch)
		if err != nil {
			return err
		}
		if runnable > 0 {
			l.lg.Infow("requests unblocked", "kind", kind, "count", runnable)
		}
		return l.scheduler.launch(ctx, batch, effects)
	})
}

func (l *Loop) page(
	ctx context.Context,
	filter request.Filter,
	keyset bool,
	fn func(ctx context.Context, batch []*request.Request, effects *notifier.Effects) error,
) error {
	size := l.scheduler.config.SweepPageSize

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			effects notifier.Effects
			result  request.Result
		)
		err := l.scheduler.transactor.WithTransaction(ctx, func(ctx context.Context) error {
			effects.Reset()
			var err error
			result, err = l.scheduler.requests.FindPaged(ctx, filter, request.FirstPage(size))
			if err != nil || len(result.Requests) == 0 {
				return err
			}
			return fn(ctx, result.Requests, &effects)
		})
		if err != nil {
			return err
		}
		effects.Flush(l.scheduler.notifier)

		if !result.HasNext {
			return nil
		}
		if keyset {
			filter.AfterID = result.Requests[len(result.Requests)-1].ID
		}
	}
}

// recoverLeases requeues jobs whose lease expired. Jobs out of attempts
// crash their requests.
func (l *Loop) recoverLeases(ctx context.Context) error {
	var recovered []jobs.Recovery
	err := l.scheduler.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		recovered, err = l.queue.RecoverExpiredLeases(ctx, l.Now())
		return err
	})
	if err != nil {
		return err
	}

	for _, recovery := range recovered {
		if recovery.Requeued {
			l.lg.Infow("job requeued", "job_id", recovery.JobID)
			continue
		}
		if err := l.scheduler.HandleJobCrash(ctx, recovery.JobID, "lease expired after final attempt"); err != nil {
			return err
		}
	}
	return nil
}
