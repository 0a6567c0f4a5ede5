package api

import (
	"time"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type SubmitRequestsResponse struct {
	IDs []int64 `json:"ids"`
}

type RequestResponse struct {
	ID             int64           `json:"id"`
	RequestID      string          `json:"request_id"`
	Tenant         string          `json:"tenant"`
	Kind           string          `json:"kind"`
	State          string          `json:"state"`
	Step           string          `json:"step"`
	SessionOwner   string          `json:"session_owner,omitempty"`
	Session        string          `json:"session,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	CorrelationIDs []string        `json:"correlation_ids,omitempty"`
	JobID          *string         `json:"job_id,omitempty"`
	Payload        request.Payload `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type ListRequestsResponse struct {
	Requests []RequestResponse `json:"requests"`
	Page     int               `json:"page"`
	HasNext  bool              `json:"has_next"`
}

type RelaunchResponse struct {
	Relaunched []int64 `json:"relaunched"`
}

type DecideResponse struct {
	Decided []int64 `json:"decided"`
}

type DeleteResponse struct {
	Deleted []int64 `json:"deleted"`
}

type DeliverEventResponse struct {
	EventID int64 `json:"event_id"`
}

func newRequestResponse(r *request.Request) RequestResponse {
	response := RequestResponse{
		ID:             r.ID,
		RequestID:      r.RequestID,
		Tenant:         r.Tenant,
		Kind:           string(r.Kind),
		State:          string(r.State),
		Step:           string(r.Step()),
		SessionOwner:   r.SessionOwner,
		Session:        r.Session,
		Errors:         r.Errors,
		CorrelationIDs: r.CorrelationIDs,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.JobID != nil {
		jobID := r.JobID.String()
		response.JobID = &jobID
	}
	return response
}
