package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
)

type jobRow struct {
	jobs.Job
	seq          int64
	leaseWorker  uuid.UUID
	leaseExpires time.Time
}

// Jobs is the job runner and queue view of the store.
type Jobs struct {
	s *Store
}

func (s *Store) Jobs() *Jobs {
	return &Jobs{s: s}
}

func (j *Jobs) Submit(ctx context.Context, jobType jobs.Type, params jobs.Params) (uuid.UUID, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	j.s.jobSeq++
	now := j.s.Now()
	row := jobRow{
		Job: jobs.Job{
			ID:          uuid.New(),
			Type:        jobType,
			State:       jobs.StatePending,
			Params:      params,
			Locked:      true,
			MaxAttempts: j.s.JobMaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		seq: j.s.jobSeq,
	}
	j.s.jobs[row.ID] = row
	return row.ID, nil
}

func (j *Jobs) Stop(ctx context.Context, id uuid.UUID) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	if err := jobs.ValidateTransition(row.State, jobs.StateCancelled); err != nil {
		return err
	}
	now := j.s.Now()
	row.State = jobs.StateCancelled
	row.CancelledAt = &now
	row.UpdatedAt = now
	row.leaseWorker = uuid.Nil
	j.s.jobs[id] = row
	return nil
}

func (j *Jobs) Status(ctx context.Context, id uuid.UUID) (jobs.Status, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[id]
	if !ok {
		return "", jobs.ErrJobNotFound
	}
	return jobs.StatusOf(row.State), nil
}

func (j *Jobs) Lock(ctx context.Context, id uuid.UUID) error {
	return j.setLocked(id, true)
}

func (j *Jobs) Unlock(ctx context.Context, id uuid.UUID) error {
	return j.setLocked(id, false)
}

func (j *Jobs) setLocked(id uuid.UUID, locked bool) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	row.Locked = locked
	j.s.jobs[id] = row
	return nil
}

func (j *Jobs) RegisterWorker(ctx context.Context, workerID uuid.UUID, capacity int) error {
	return j.HeartbeatWorker(ctx, workerID)
}

func (j *Jobs) HeartbeatWorker(ctx context.Context, workerID uuid.UUID) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	j.s.workers[workerID] = j.s.Now()
	return nil
}

func (j *Jobs) Claim(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*jobs.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	var pending []jobRow
	for _, row := range j.s.jobs {
		if row.State == jobs.StatePending {
			pending = append(pending, row)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].seq < pending[b].seq })

	row := pending[0]
	now := j.s.Now()
	row.State = jobs.StateRunning
	row.CurrentAttempt++
	row.UpdatedAt = now
	row.leaseWorker = workerID
	row.leaseExpires = now.Add(lease)
	j.s.jobs[row.ID] = row

	job := row.Job
	return &job, nil
}

func (j *Jobs) ExtendLease(ctx context.Context, jobID, workerID uuid.UUID, lease time.Duration) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[jobID]
	if !ok || row.State != jobs.StateRunning || row.leaseWorker != workerID {
		return jobs.ErrLeaseLost
	}
	row.leaseExpires = j.s.Now().Add(lease)
	j.s.jobs[jobID] = row
	return nil
}

func (j *Jobs) Complete(ctx context.Context, jobID uuid.UUID) error {
	return j.finish(jobID, jobs.StateCompleted, nil)
}

func (j *Jobs) Fail(ctx context.Context, jobID uuid.UUID, trace string) error {
	return j.finish(jobID, jobs.StateFailed, &trace)
}

func (j *Jobs) finish(jobID uuid.UUID, state string, lastError *string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[jobID]
	if !ok {
		return jobs.ErrJobNotFound
	}
	if row.State != jobs.StateRunning {
		return jobs.ErrInvalidStateTransition
	}
	row.State = state
	row.LastError = lastError
	row.UpdatedAt = j.s.Now()
	row.leaseWorker = uuid.Nil
	j.s.jobs[jobID] = row
	return nil
}

func (j *Jobs) Get(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	job := row.Job
	return &job, nil
}

func (j *Jobs) RecoverExpiredLeases(ctx context.Context, now time.Time) ([]jobs.Recovery, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	var recovered []jobs.Recovery
	for id, row := range j.s.jobs {
		if row.State != jobs.StateRunning || !row.leaseExpires.Before(now) {
			continue
		}
		requeue := row.CurrentAttempt < row.MaxAttempts
		if requeue {
			row.State = jobs.StatePending
		} else {
			trace := "lease expired after final attempt"
			row.State = jobs.StateFailed
			row.LastError = &trace
		}
		row.UpdatedAt = now
		row.leaseWorker = uuid.Nil
		j.s.jobs[id] = row
		recovered = append(recovered, jobs.Recovery{JobID: id, Requeued: requeue})
	}
	return recovered, nil
}

func (j *Jobs) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	purged := 0
	for id, row := range j.s.jobs {
		if row.Locked || !jobs.IsTerminal(row.State) || !row.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(j.s.jobs, id)
		purged++
	}
	return purged, nil
}

// ExpireLease makes the lease of jobID look expired.
func (j *Jobs) ExpireLease(jobID uuid.UUID) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if row, ok := j.s.jobs[jobID]; ok {
		row.leaseExpires = time.Time{}
		j.s.jobs[jobID] = row
	}
}
