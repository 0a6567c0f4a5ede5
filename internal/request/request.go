package request

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Request is one row of the ledger. The kind specific part lives in Payload.
type Request struct {
	ID             int64
	RequestID      string
	Tenant         string
	Kind           Kind
	State          State
	SessionOwner   string
	Session        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Errors         []string
	CorrelationIDs []string
	JobID          *uuid.UUID
	Payload        Payload
}

// New builds an unsaved request for payload in state TO_SCHEDULE.
func New(tenant, sessionOwner, session string, payload Payload) *Request {
	if payload.Step() == "" {
		payload.SetStep(StepLocalScheduled)
	}
	return &Request{
		RequestID:    uuid.NewString(),
		Tenant:       tenant,
		Kind:         payload.Kind(),
		State:        StateToSchedule,
		SessionOwner: sessionOwner,
		Session:      session,
		Payload:      payload,
	}
}

// SessionKey groups requests for memoized conflict checks and counters.
type SessionKey struct {
	Owner   string
	Session string
}

func (r *Request) SessionKey() SessionKey {
	return SessionKey{Owner: r.SessionOwner, Session: r.Session}
}

// HasSession reports whether both session fields are set.
func (r *Request) HasSession() bool {
	return r.SessionOwner != "" && r.Session != ""
}

func (r *Request) HasCorrelation(correlationID string) bool {
	return slices.Contains(r.CorrelationIDs, correlationID)
}

// RemoveCorrelation strips correlationID from the outstanding set and
// reports whether it was present.
func (r *Request) RemoveCorrelation(correlationID string) bool {
	index := slices.Index(r.CorrelationIDs, correlationID)
	if index < 0 {
		return false
	}
	r.CorrelationIDs = slices.Delete(r.CorrelationIDs, index, index+1)
	return true
}

func (r *Request) AddCorrelations(correlationIDs ...string) {
	for _, correlationID := range correlationIDs {
		if !r.HasCorrelation(correlationID) {
			r.CorrelationIDs = append(r.CorrelationIDs, correlationID)
		}
	}
}

// Outstanding reports whether asynchronous sub-operations are still pending.
func (r *Request) Outstanding() bool {
	return len(r.CorrelationIDs) > 0
}

func (r *Request) AddErrors(messages ...string) {
	r.Errors = append(r.Errors, messages...)
}

func (r *Request) ClearErrors() {
	r.Errors = nil
}

// Transition moves the request to next after validating the edge.
func (r *Request) Transition(next State) error {
	if err := ValidateTransition(r.State, next); err != nil {
		return err
	}
	r.State = next
	return nil
}

// Fail records messages and the stage specific step, then moves the request
// to ERROR. Running, created and decision pending requests may fail.
func (r *Request) Fail(stage Stage, messages ...string) error {
	if r.State == StateError {
		r.AddErrors(messages...)
		return nil
	}
	if err := r.Transition(StateError); err != nil {
		return err
	}
	r.AddErrors(messages...)
	if r.Payload != nil {
		r.Payload.SetStep(r.Payload.ErrorStep(stage))
	}
	return nil
}

// Step is a shortcut for the payload progress step.
func (r *Request) Step() Step {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Step()
}

func (r *Request) TargetPackage() string {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.TargetPackage()
}

// PastConflictPoint is false for every variant that does not opt in.
func (r *Request) PastConflictPoint() bool {
	aware, ok := r.Payload.(ConflictAware)
	return ok && aware.PastConflictPoint()
}

// IDs returns the ledger ids of requests in order.
func IDs(requests []*Request) []int64 {
	ids := make([]int64, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	return ids
}
