// Package jobs is the background job boundary backing macro requests, plus
// the worker that executes them.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("job lease lost")
)

type Type string

const (
	TypeIngestProcessing Type = "ingest-processing"
	TypeUpdatesCreator   Type = "updates-creator"
	TypeDeletionCreator  Type = "deletion-creator"
	TypePostProcess      Type = "post-process"
)

// Params is the job input. A job covers one or more requests.
type Params struct {
	Tenant     string  `json:"tenant"`
	RequestIDs []int64 `json:"request_ids"`
	Chain      string  `json:"chain,omitempty"`
}

type Job struct {
	ID             uuid.UUID
	Type           Type
	State          string
	Params         Params
	Locked         bool
	MaxAttempts    int
	CurrentAttempt int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CancelledAt    *time.Time
}

type Status string

const (
	StatusRunning  Status = "running"
	StatusTerminal Status = "terminal"
)

// StatusOf folds the job state into the two values the orchestrator cares
// about.
func StatusOf(state string) Status {
	if terminalStates[state] {
		return StatusTerminal
	}
	return StatusRunning
}

// Runner submits and controls jobs. Calls join the transaction carried by
// ctx.
type Runner interface {
	// Submit creates a pending job, locked on behalf of its requests.
	Submit(ctx context.Context, jobType Type, params Params) (uuid.UUID, error)
	Stop(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (Status, error)
	// Lock keeps the job from garbage collection while referenced.
	Lock(ctx context.Context, id uuid.UUID) error
	Unlock(ctx context.Context, id uuid.UUID) error
}

// Recovery is the outcome of reclaiming one job whose lease expired.
type Recovery struct {
	JobID    uuid.UUID
	Requeued bool
}

// Queue is the worker side of the job table.
type Queue interface {
	RegisterWorker(ctx context.Context, workerID uuid.UUID, capacity int) error
	HeartbeatWorker(ctx context.Context, workerID uuid.UUID) error
	// Claim leases the oldest pending job to workerID; nil when none is
	// available.
	Claim(ctx context.Context, workerID uuid.UUID, lease time.Duration) (*Job, error)
	// ExtendLease fails with ErrLeaseLost once the job left RUNNING or
	// belongs to another worker.
	ExtendLease(ctx context.Context, jobID, workerID uuid.UUID, lease time.Duration) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, trace string) error
	Get(ctx context.Context, jobID uuid.UUID) (*Job, error)
	RecoverExpiredLeases(ctx context.Context, now time.Time) ([]Recovery, error)
	// PurgeTerminal removes unlocked terminal jobs last updated before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// Handler executes one job type.
type Handler interface {
	Run(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Hooks receives job outcomes that affect the attached requests.
type Hooks interface {
	HandleJobCrash(ctx context.Context, jobID uuid.UUID, trace string) error
	HandleJobStopped(ctx context.Context, jobID uuid.UUID) error
}
