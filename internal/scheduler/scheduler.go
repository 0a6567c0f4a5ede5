// Package scheduler moves requests through their lifecycle: it applies the
// conflict rules to batches, launches runnable requests and owns the abort,
// relaunch and decision workflows.
package scheduler

import (
	"context"
	"fmt"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Detector interface {
	// Lock must precede ShouldDelay in the same transaction.
	Lock(ctx context.Context, requests []*request.Request) error
	ShouldDelay(ctx context.Context, r *request.Request) (bool, error)
}

// Executor runs requests that need no background job and deletes requests
// with their dependent state.
type Executor interface {
	Start(ctx context.Context, r *request.Request, effects *notifier.Effects) error
	DeleteRequests(ctx context.Context, ids []int64) ([]int64, error)
}

// Canceller withdraws outstanding remote operations.
type Canceller interface {
	Cancel(ctx context.Context, correlationIDs []string) error
}

type Config struct {
	AbortPageSize int
	SweepPageSize int
}

type Scheduler struct {
	requests   request.Store
	transactor request.Transactor
	detector   Detector
	runner     jobs.Runner
	canceller  Canceller
	executor   Executor
	notifier   notifier.Notifier
	config     Config
	lg         Logger
}

func New(
	requests request.Store,
	transactor request.Transactor,
	detector Detector,
	runner jobs.Runner,
	canceller Canceller,
	executor Executor,
	n notifier.Notifier,
	config Config,
	lg Logger,
) *Scheduler {
	if config.AbortPageSize <= 0 {
		config.AbortPageSize = 1000
	}
	if config.SweepPageSize <= 0 {
		config.SweepPageSize = 500
	}
	return &Scheduler{
		requests:   requests,
		transactor: transactor,
		detector:   detector,
		runner:     runner,
		canceller:  canceller,
		executor:   executor,
		notifier:   n,
		config:     config,
		lg:         lg,
	}
}

var jobTypes = map[request.Kind]jobs.Type{
	request.KindIngest:          jobs.TypeIngestProcessing,
	request.KindUpdatesCreator:  jobs.TypeUpdatesCreator,
	request.KindDeletionCreator: jobs.TypeDeletionCreator,
	request.KindPostProcess:     jobs.TypePostProcess,
}

// ScheduleBatch applies the conflict rules to requests and persists them.
// Requests already BLOCKED are saved unchanged. Delayed requests become
// BLOCKED and TO_SCHEDULE requests that may run become CREATED.
//
// All requests must share one kind. For kinds without a backing job the
// verdict is computed once per (session owner, session) pair and reused for
// every request of that pair; a mixed batch would reuse verdicts across
// kinds. Returns the number of requests not blocked.
func (s *Scheduler) ScheduleBatch(ctx context.Context, requests []*request.Request) (int, error) {
	if err := s.detector.Lock(ctx, requests); err != nil {
		return 0, err
	}

	verdicts := map[request.SessionKey]bool{}
	runnable := 0

	for _, r := range requests {
		if r.State != request.StateBlocked {
			delay, err := s.verdict(ctx, r, verdicts)
			if err != nil {
				return runnable, err
			}
			if err := apply(r, delay); err != nil {
				return runnable, err
			}
		}

		// Saved one by one so later requests of the batch see earlier ones.
		if err := s.requests.Save(ctx, r); err != nil {
			return runnable, err
		}
		if r.State != request.StateBlocked {
			runnable++
		}
	}

	return runnable, nil
}

// ScheduleOne is ScheduleBatch for a single request, without memoization.
// It reports whether the request is runnable.
func (s *Scheduler) ScheduleOne(ctx context.Context, r *request.Request) (bool, error) {
	if err := s.detector.Lock(ctx, []*request.Request{r}); err != nil {
		return false, err
	}
	if r.State != request.StateBlocked {
		delay, err := s.detector.ShouldDelay(ctx, r)
		if err != nil {
			return false, err
		}
		if err := apply(r, delay); err != nil {
			return false, err
		}
	}
	if err := s.requests.Save(ctx, r); err != nil {
		return false, err
	}
	return r.State != request.StateBlocked, nil
}

func (s *Scheduler) verdict(
	ctx context.Context,
	r *request.Request,
	verdicts map[request.SessionKey]bool,
) (bool, error) {
	if !r.HasSession() || r.Kind.JobBacked() {
		return s.detector.ShouldDelay(ctx, r)
	}

	key := r.SessionKey()
	if delay, ok := verdicts[key]; ok {
		return delay, nil
	}
	delay, err := s.detector.ShouldDelay(ctx, r)
	if err != nil {
		return false, err
	}
	verdicts[key] = delay
	return delay, nil
}

func apply(r *request.Request, delay bool) error {
	switch {
	case delay:
		return r.Transition(request.StateBlocked)
	case r.State == request.StateToSchedule:
		return r.Transition(request.StateCreated)
	}
	return nil
}

// Submit validates and persists a homogeneous batch, schedules it and
// launches what may run, in one transaction. Nothing is persisted when
// validation fails. When the transaction fails the requests are restored to
// what the caller passed, so they may be submitted again.
func (s *Scheduler) Submit(ctx context.Context, requests []*request.Request) error {
	if err := request.Validate(requests); err != nil {
		return err
	}

	originals := make([]request.Request, len(requests))
	steps := make([]request.Step, len(requests))
	for i, r := range requests {
		originals[i] = *r
		steps[i] = r.Payload.Step()
	}

	var effects notifier.Effects
	err := s.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		effects.Reset()
		for _, r := range requests {
			r.State = request.StateToSchedule
			if r.Payload.Step() == "" {
				r.Payload.SetStep(request.StepLocalScheduled)
			}
			effects.IncrementPending(r)
		}

		if _, err := s.ScheduleBatch(ctx, requests); err != nil {
			return err
		}
		return s.launch(ctx, requests, &effects)
	})
	if err != nil {
		for i, r := range requests {
			*r = originals[i]
			r.Payload.SetStep(steps[i])
		}
		return err
	}

	effects.Flush(s.notifier)
	s.lg.Infow("requests submitted", "kind", requests[0].Kind, "count", len(requests))
	return nil
}

// launch starts every CREATED request. Job backed kinds get one job each,
// ingest requests one job per processing chain, the others run in place.
func (s *Scheduler) launch(ctx context.Context, requests []*request.Request, effects *notifier.Effects) error {
	chains := map[string][]*request.Request{}
	var chainOrder []string

	for _, r := range requests {
		if r.State != request.StateCreated {
			continue
		}

		switch {
		case r.Kind.GroupedJob():
			chain := r.Payload.(*request.IngestPayload).ChainName
			if _, ok := chains[chain]; !ok {
				chainOrder = append(chainOrder, chain)
			}
			chains[chain] = append(chains[chain], r)

		case r.Kind.JobBacked():
			if err := s.submitJob(ctx, []*request.Request{r}, ""); err != nil {
				return err
			}

		default:
			if err := s.executor.Start(ctx, r, effects); err != nil {
				return fmt.Errorf("start request %d: %w", r.ID, err)
			}
		}
	}

	for _, chain := range chainOrder {
		if err := s.submitJob(ctx, chains[chain], chain); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) submitJob(ctx context.Context, requests []*request.Request, chain string) error {
	first := requests[0]
	jobID, err := s.runner.Submit(ctx, jobTypes[first.Kind], jobs.Params{
		Tenant:     first.Tenant,
		RequestIDs: request.IDs(requests),
		Chain:      chain,
	})
	if err != nil {
		return fmt.Errorf("submit %s job: %w", first.Kind, err)
	}

	for _, r := range requests {
		if r.JobID != nil && *r.JobID != jobID {
			if err := s.runner.Unlock(ctx, *r.JobID); err != nil {
				return err
			}
		}
		id := jobID
		r.JobID = &id
		if err := r.Transition(request.StateRunning); err != nil {
			return err
		}
	}
	return s.requests.SaveAll(ctx, requests)
}
