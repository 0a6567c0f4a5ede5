package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
)

// Jobs is the job runner used by the scheduler and the queue polled by
// workers.
type Jobs struct {
	s *Store

	// MaxAttempts bounds the executions of a job whose lease keeps expiring.
	MaxAttempts int
}

var (
	_ jobs.Runner = (*Jobs)(nil)
	_ jobs.Queue  = (*Jobs)(nil)
)

const defaultMaxAttempts = 3

func (j *Jobs) Submit(ctx context.Context, jobType jobs.Type, params jobs.Params) (uuid.UUID, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, err
	}

	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	jobID := uuid.New()
	_, err = j.s.querier(ctx).Exec(
		ctx,
		`
		INSERT INTO jobs (
			id,
			type,
			state,
			params,
			locked,
			max_attempts,
			current_attempt
		)
		VALUES ($1, $2, $3, $4, TRUE, $5, 0)
		`,
		jobID,
		string(jobType),
		jobs.StatePending,
		encoded,
		maxAttempts,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return jobID, nil
}

// Stop cancels a job that has not finished yet.
func (j *Jobs) Stop(ctx context.Context, jobID uuid.UUID) error {
	return j.s.WithTransaction(ctx, func(ctx context.Context) error {
		q := j.s.querier(ctx)

		var state string
		err := q.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.ErrJobNotFound
		}
		if err != nil {
			return err
		}

		if err := transitionJobState(ctx, q, jobID, state, jobs.StateCancelled); err != nil {
			return err
		}

		if _, err := q.Exec(
			ctx,
			`UPDATE jobs SET cancelled_at = now() WHERE id = $1`,
			jobID,
		); err != nil {
			return err
		}

		_, err = q.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID)
		return err
	})
}

func (j *Jobs) Status(ctx context.Context, jobID uuid.UUID) (jobs.Status, error) {
	var state string
	err := j.s.querier(ctx).QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", jobs.ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return jobs.StatusOf(state), nil
}

func (j *Jobs) Lock(ctx context.Context, jobID uuid.UUID) error {
	return j.setLocked(ctx, jobID, true)
}

func (j *Jobs) Unlock(ctx context.Context, jobID uuid.UUID) error {
	return j.setLocked(ctx, jobID, false)
}

func (j *Jobs) setLocked(ctx context.Context, jobID uuid.UUID, locked bool) error {
	commandTag, err := j.s.querier(ctx).Exec(
		ctx,
		`UPDATE jobs SET locked = $2, updated_at = now() WHERE id = $1`,
		jobID,
		locked,
	)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func (j *Jobs) RegisterWorker(ctx context.Context, workerID uuid.UUID, capacity int) error {
	_, err := j.s.querier(ctx).Exec(ctx, `
		INSERT INTO workers (
			id,
			last_heartbeat,
			capacity
		)
		VALUES ($1, now(), $2)
		ON CONFLICT (id)
		DO UPDATE
		SET last_heartbeat = now(),
			capacity = EXCLUDED.capacity
	`,
		workerID,
		capacity,
	)

	return err
}

func (j *Jobs) HeartbeatWorker(ctx context.Context, workerID uuid.UUID) error {
	_, err := j.s.querier(ctx).Exec(
		ctx,
		`UPDATE workers SET last_heartbeat = now() WHERE id = $1`,
		workerID,
	)
	return err
}

// Claim leases the oldest pending job. Concurrent workers skip each other's
// candidates.
func (j *Jobs) Claim(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*jobs.Job, error) {
	var claimed *jobs.Job

	err := j.s.WithTransaction(ctx, func(ctx context.Context) error {
		q := j.s.querier(ctx)

		var jobID uuid.UUID
		err := q.QueryRow(
			ctx,
			`
			SELECT id
			FROM jobs
			WHERE state = 'PENDING'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
			`,
		).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := transitionJobState(ctx, q, jobID, jobs.StatePending, jobs.StateRunning); err != nil {
			return err
		}

		if _, err := q.Exec(
			ctx,
			`UPDATE jobs SET current_attempt = current_attempt + 1 WHERE id = $1`,
			jobID,
		); err != nil {
			return err
		}

		if _, err := q.Exec(
			ctx,
			`
			INSERT INTO job_leases (
				job_id,
				worker_id,
				lease_expires_at
			)
			VALUES ($1, $2, $3)
			ON CONFLICT (job_id)
			DO UPDATE
			SET worker_id = EXCLUDED.worker_id,
				lease_expires_at = EXCLUDED.lease_expires_at
			`,
			jobID,
			workerID,
			time.Now().Add(lease),
		); err != nil {
			return err
		}

		claimed, err = j.get(ctx, q, jobID)
		return err
	})

	return claimed, err
}

func (j *Jobs) ExtendLease(ctx context.Context, jobID, workerID uuid.UUID, lease time.Duration) error {
	commandTag, err := j.s.querier(ctx).Exec(
		ctx,
		`
		UPDATE job_leases l
		SET lease_expires_at = $3
		FROM jobs j
		WHERE l.job_id = $1
			AND l.worker_id = $2
			AND j.id = l.job_id
			AND j.state = 'RUNNING'
		`,
		jobID,
		workerID,
		time.Now().Add(lease),
	)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return jobs.ErrLeaseLost
	}
	return nil
}

func (j *Jobs) Complete(ctx context.Context, jobID uuid.UUID) error {
	return j.finish(ctx, jobID, jobs.StateCompleted, nil)
}

func (j *Jobs) Fail(ctx context.Context, jobID uuid.UUID, trace string) error {
	return j.finish(ctx, jobID, jobs.StateFailed, &trace)
}

func (j *Jobs) finish(ctx context.Context, jobID uuid.UUID, state string, lastError *string) error {
	return j.s.WithTransaction(ctx, func(ctx context.Context) error {
		q := j.s.querier(ctx)

		if err := transitionJobState(ctx, q, jobID, jobs.StateRunning, state); err != nil {
			return err
		}

		if _, err := q.Exec(
			ctx,
			`UPDATE jobs SET last_error = $2 WHERE id = $1`,
			jobID,
			lastError,
		); err != nil {
			return err
		}

		_, err := q.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID)
		return err
	})
}

func (j *Jobs) Get(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error) {
	job, err := j.get(ctx, j.s.querier(ctx), jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (j *Jobs) get(ctx context.Context, q querier, jobID uuid.UUID) (*jobs.Job, error) {
	var (
		job     jobs.Job
		jobType string
		params  []byte
	)

	err := q.QueryRow(
		ctx,
		`
		SELECT
			id,
			type,
			state,
			params,
			locked,
			max_attempts,
			current_attempt,
			last_error,
			created_at,
			updated_at,
			cancelled_at
		FROM jobs
		WHERE id = $1
		`,
		jobID,
	).Scan(
		&job.ID,
		&jobType,
		&job.State,
		&params,
		&job.Locked,
		&job.MaxAttempts,
		&job.CurrentAttempt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = jobs.Type(jobType)
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, err
	}
	return &job, nil
}

// RecoverExpiredLeases requeues running jobs whose lease expired, or fails
// them once they used every attempt.
func (j *Jobs) RecoverExpiredLeases(ctx context.Context, now time.Time) ([]jobs.Recovery, error) {
	var recovered []jobs.Recovery

	err := j.s.WithTransaction(ctx, func(ctx context.Context) error {
		q := j.s.querier(ctx)

		rows, err := q.Query(ctx, `
			SELECT
				j.id,
				j.current_attempt,
				j.max_attempts
			FROM job_leases l
			JOIN jobs j ON j.id = l.job_id
			WHERE l.lease_expires_at < $1
			  AND j.state = 'RUNNING'
			FOR UPDATE OF j SKIP LOCKED
		`, now)
		if err != nil {
			return err
		}

		type candidate struct {
			jobID          uuid.UUID
			currentAttempt int
			maxAttempts    int
		}
		candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
			var c candidate
			err := row.Scan(&c.jobID, &c.currentAttempt, &c.maxAttempts)
			return c, err
		})
		if err != nil {
			return err
		}

		for _, c := range candidates {
			requeue, err := recoverSingleJob(ctx, q, c.jobID, c.currentAttempt, c.maxAttempts)
			if err != nil {
				return err
			}
			recovered = append(recovered, jobs.Recovery{JobID: c.jobID, Requeued: requeue})
		}
		return nil
	})

	return recovered, err
}

func recoverSingleJob(
	ctx context.Context,
	q querier,
	jobID uuid.UUID,
	currentAttempt int,
	maxAttempts int,
) (bool, error) {
	requeue := currentAttempt < maxAttempts

	if requeue {
		if err := transitionJobState(ctx, q, jobID, jobs.StateRunning, jobs.StatePending); err != nil {
			return false, err
		}
	} else {
		if err := transitionJobState(ctx, q, jobID, jobs.StateRunning, jobs.StateFailed); err != nil {
			return false, err
		}
		if _, err := q.Exec(
			ctx,
			`UPDATE jobs SET last_error = 'lease expired after final attempt' WHERE id = $1`,
			jobID,
		); err != nil {
			return false, err
		}
	}

	_, err := q.Exec(ctx, `
		DELETE FROM job_leases
		WHERE job_id = $1
	`, jobID)

	return requeue, err
}

func (j *Jobs) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	commandTag, err := j.s.querier(ctx).Exec(
		ctx,
		`
		DELETE FROM jobs
		WHERE NOT locked
			AND state IN ('COMPLETED', 'FAILED', 'CANCELLED')
			AND updated_at < $1
		`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return int(commandTag.RowsAffected()), nil
}

// transitionJobState is the only gate to jobs.state. The update only applies
// when the job is still in previousState.
func transitionJobState(
	ctx context.Context,
	q querier,
	jobID uuid.UUID,
	previousState string,
	nextState string,
) error {
	if err := jobs.ValidateTransition(previousState, nextState); err != nil {
		return err
	}

	commandTag, err := q.Exec(
		ctx,
		`
			UPDATE jobs
			SET state = $2,
					updated_at = now()
			WHERE id = $1
					AND state = $3
		`,
		jobID,
		nextState,
		previousState,
	)
	if err != nil {
		return err
	}

	if commandTag.RowsAffected() != 1 {
		return jobs.ErrInvalidStateTransition
	}

	return nil
}
