package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vin-jex/archive-orchestrator/internal/jobs"
)

func TestStopPendingJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := s.Jobs()

	jobID, err := runner.Submit(ctx, jobs.TypePostProcess, jobs.Params{Tenant: "t", RequestIDs: []int64{1}})
	require.NoError(t, err)

	require.NoError(t, runner.Stop(ctx, jobID))
	require.ErrorIs(t, runner.Stop(ctx, jobID), jobs.ErrInvalidStateTransition)

	status, err := runner.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusTerminal, status)
}

func TestStopUnknownJob(t *testing.T) {
	s := newTestStore(t)

	require.ErrorIs(t, s.Jobs().Stop(context.Background(), uuid.New()), jobs.ErrJobNotFound)
}

func TestClaimRunsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queue := s.Jobs()
	workerID := uuid.New()
	require.NoError(t, queue.RegisterWorker(ctx, workerID, 2))

	jobID, err := queue.Submit(ctx, jobs.TypeIngestProcessing, jobs.Params{Tenant: "t", Chain: "default"})
	require.NoError(t, err)

	job, err := queue.Claim(ctx, workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, jobs.StateRunning, job.State)
	assert.Equal(t, 1, job.CurrentAttempt)
	assert.Equal(t, "default", job.Params.Chain)

	again, err := queue.Claim(ctx, workerID, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, queue.Complete(ctx, jobID))
	require.ErrorIs(t, queue.Complete(ctx, jobID), jobs.ErrInvalidStateTransition)
}

func TestExtendLeaseAfterStop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queue := s.Jobs()
	workerID := uuid.New()

	jobID, err := queue.Submit(ctx, jobs.TypeUpdatesCreator, jobs.Params{Tenant: "t"})
	require.NoError(t, err)
	_, err = queue.Claim(ctx, workerID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, queue.ExtendLease(ctx, jobID, workerID, time.Minute))
	require.NoError(t, queue.Stop(ctx, jobID))
	require.ErrorIs(t, queue.ExtendLease(ctx, jobID, workerID, time.Minute), jobs.ErrLeaseLost)
}

func TestRecoverExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queue := s.Jobs()
	queue.MaxAttempts = 1
	workerID := uuid.New()

	jobID, err := queue.Submit(ctx, jobs.TypeDeletionCreator, jobs.Params{Tenant: "t"})
	require.NoError(t, err)
	_, err = queue.Claim(ctx, workerID, time.Millisecond)
	require.NoError(t, err)

	recovered, err := queue.RecoverExpiredLeases(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []jobs.Recovery{{JobID: jobID, Requeued: false}}, recovered)

	job, err := queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.True(t, job.Locked)

	purged, err := queue.PurgeTerminal(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)

	require.NoError(t, queue.Unlock(ctx, jobID))
	purged, err = queue.PurgeTerminal(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestLeasesExcludeOtherHolders(t *testing.T) {
	ctx := context.Background()
	leases := newTestStore(t).Leases()

	acquired, err := leases.TryAcquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = leases.TryAcquire(ctx, "sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	acquired, err = leases.TryAcquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, leases.Release(ctx, "sweep", "a"))
	acquired, err = leases.TryAcquire(ctx, "sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
