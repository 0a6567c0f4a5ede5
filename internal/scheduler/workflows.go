package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// Abort stops every RUNNING request of tenant in the background and
// returns at once.
func (s *Scheduler) Abort(ctx context.Context, tenant string) {
	go func() {
		if err := s.AbortRunning(context.WithoutCancel(ctx), tenant); err != nil {
			s.lg.Errorw("abort failed", "tenant", tenant, "err", err)
		}
	}()
}

// AbortRunning pages through the RUNNING requests of tenant, one
// transaction per page, so work done survives an interruption. Each backing
// job is stopped at most once. A request is marked ABORTED when it has no
// job or its job is no longer running.
func (s *Scheduler) AbortRunning(ctx context.Context, tenant string) error {
	stopped := map[uuid.UUID]bool{}
	var afterID int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			effects notifier.Effects
			lastID  int64
			hasNext bool
			aborted int
		)
		err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
			effects.Reset()
			aborted = 0
			result, err := s.requests.FindPaged(ctx, request.Filter{
				States:  []request.State{request.StateRunning},
				Tenant:  tenant,
				AfterID: afterID,
			}, request.FirstPage(s.config.AbortPageSize))
			if err != nil {
				return err
			}

			lastID = afterID
			for _, r := range result.Requests {
				lastID = r.ID
				ok, err := s.abortOne(ctx, r, stopped, &effects)
				if err != nil {
					return err
				}
				if ok {
					aborted++
				}
			}
			hasNext = result.HasNext
			return nil
		})
		if err != nil {
			return err
		}

		effects.Flush(s.notifier)
		s.lg.Infow("abort page done", "tenant", tenant, "aborted", aborted, "last_id", lastID)

		if !hasNext {
			return nil
		}
		afterID = lastID
	}
}

func (s *Scheduler) abortOne(
	ctx context.Context,
	r *request.Request,
	stopped map[uuid.UUID]bool,
	effects *notifier.Effects,
) (bool, error) {
	if r.JobID == nil {
		return true, s.markAborted(ctx, r, effects)
	}

	jobID := *r.JobID
	status, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return false, err
	}

	if status == jobs.StatusRunning && !stopped[jobID] {
		stopped[jobID] = true
		if err := s.runner.Stop(ctx, jobID); err != nil && !errors.Is(err, jobs.ErrInvalidStateTransition) {
			return false, fmt.Errorf("stop job %s: %w", jobID, err)
		}
		if status, err = s.jobStatus(ctx, jobID); err != nil {
			return false, err
		}
	}

	if status != jobs.StatusTerminal || r.State == request.StateError {
		return false, nil
	}
	return true, s.markAborted(ctx, r, effects)
}

func (s *Scheduler) jobStatus(ctx context.Context, jobID uuid.UUID) (jobs.Status, error) {
	status, err := s.runner.Status(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return jobs.StatusTerminal, nil
	}
	return status, err
}

// markAborted interrupts r. Outstanding remote operations are cancelled so
// their late outcome is ignored.
func (s *Scheduler) markAborted(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	if err := r.Transition(request.StateAborted); err != nil {
		return err
	}
	if r.Outstanding() {
		if err := s.canceller.Cancel(ctx, r.CorrelationIDs); err != nil {
			return fmt.Errorf("cancel operations of request %d: %w", r.ID, err)
		}
	}
	r.ClearErrors()
	r.CorrelationIDs = nil
	effects.DecrementPending(r)
	return s.requests.Save(ctx, r)
}

// Relaunch retries requests in ERROR or ABORTED. Other requests are left
// untouched. Retried requests are rescheduled per kind and launched; ingest
// requests sharing a chain get one job. Returns the relaunched requests.
func (s *Scheduler) Relaunch(ctx context.Context, ids []int64) ([]*request.Request, error) {
	var (
		effects    notifier.Effects
		relaunched []*request.Request
	)

	err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		effects.Reset()
		relaunched = nil

		requests, err := s.requests.FindAllByID(ctx, ids)
		if err != nil {
			return err
		}

		byKind := map[request.Kind][]*request.Request{}
		for _, r := range requests {
			if err := request.ValidateRelaunch(r.State); err != nil {
				s.lg.Warnw("relaunch rejected", "request_id", r.ID, "state", r.State, "reason", err)
				continue
			}

			if r.State == request.StateError {
				effects.DecrementError(r)
			}
			effects.IncrementPending(r)

			r.ClearErrors()
			r.CorrelationIDs = nil
			r.Payload.Rewind()
			if r.JobID != nil {
				if err := s.release(ctx, *r.JobID); err != nil {
					return err
				}
				r.JobID = nil
			}
			r.State = request.StateToSchedule

			byKind[r.Kind] = append(byKind[r.Kind], r)
			relaunched = append(relaunched, r)
		}

		for _, kind := range request.Kinds {
			batch := byKind[kind]
			if len(batch) == 0 {
				continue
			}
			if _, err := s.ScheduleBatch(ctx, batch); err != nil {
				return err
			}
			if err := s.launch(ctx, batch, &effects); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	effects.Flush(s.notifier)
	return relaunched, nil
}

// Decide resumes ingest requests waiting for a versioning decision with the
// chosen mode.
func (s *Scheduler) Decide(ctx context.Context, ids []int64, mode request.VersioningMode) ([]*request.Request, error) {
	if mode == request.VersioningManual {
		return nil, &request.ValidationError{Field: "versioning_mode", Reason: "a decision cannot be MANUAL"}
	}
	if _, err := request.ParseVersioningMode(string(mode)); err != nil {
		return nil, &request.ValidationError{Field: "versioning_mode", Reason: err.Error()}
	}

	var (
		effects notifier.Effects
		decided []*request.Request
	)
	err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		effects.Reset()
		decided = nil

		requests, err := s.requests.FindAllByID(ctx, ids)
		if err != nil {
			return err
		}
		for _, r := range requests {
			payload, ok := r.Payload.(*request.IngestPayload)
			if !ok || r.State != request.StateWaitingDecision {
				s.lg.Warnw("decision ignored", "request_id", r.ID, "kind", r.Kind, "state", r.State)
				continue
			}
			payload.VersioningMode = mode
			if err := r.Transition(request.StateCreated); err != nil {
				return err
			}
			decided = append(decided, r)
		}
		if len(decided) == 0 {
			return nil
		}
		return s.launch(ctx, decided, &effects)
	})
	if err != nil {
		return nil, err
	}

	effects.Flush(s.notifier)
	return decided, nil
}

// HandleJobCrash forces every unfinished request of jobID to ERROR with the
// crash trace and keeps the job for diagnostics.
func (s *Scheduler) HandleJobCrash(ctx context.Context, jobID uuid.UUID, trace string) error {
	cause := (&request.JobCrashedError{JobID: jobID, Trace: trace}).Error()

	var effects notifier.Effects
	err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		effects.Reset()
		result, err := s.requests.FindPaged(ctx, request.Filter{JobID: &jobID}, request.Page{})
		if err != nil {
			return err
		}

		for _, r := range result.Requests {
			if request.IsTerminal(r.State) {
				continue
			}
			if err := r.Fail(request.StageLocal, cause); err != nil {
				return fmt.Errorf("crash request %d: %w", r.ID, err)
			}
			effects.Failed(r)
			if err := s.requests.Save(ctx, r); err != nil {
				return err
			}
		}

		if len(result.Requests) == 0 {
			return nil
		}
		return s.runner.Lock(ctx, jobID)
	})
	if err != nil {
		return err
	}

	effects.Flush(s.notifier)
	s.lg.Warnw("job crashed", "job_id", jobID, "trace", trace)
	return nil
}

// HandleJobStopped aborts the RUNNING requests of a stopped job. ERROR is
// never overwritten.
func (s *Scheduler) HandleJobStopped(ctx context.Context, jobID uuid.UUID) error {
	var effects notifier.Effects
	err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		effects.Reset()
		result, err := s.requests.FindPaged(ctx, request.Filter{
			JobID:  &jobID,
			States: []request.State{request.StateRunning},
		}, request.Page{})
		if err != nil {
			return err
		}
		for _, r := range result.Requests {
			if err := s.markAborted(ctx, r, &effects); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	effects.Flush(s.notifier)
	return nil
}

// DeleteRequests removes requests with their dependent state.
func (s *Scheduler) DeleteRequests(ctx context.Context, ids []int64) ([]int64, error) {
	return s.executor.DeleteRequests(ctx, ids)
}

func (s *Scheduler) release(ctx context.Context, jobID uuid.UUID) error {
	if err := s.runner.Unlock(ctx, jobID); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		return fmt.Errorf("unlock job %s: %w", jobID, err)
	}
	return nil
}
