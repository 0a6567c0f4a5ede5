package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/observability"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	if err := s.ping(ctx); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleMetrics() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

func (s *Server) handleSubmitRequests(
	writer http.ResponseWriter,
	req *http.Request,
) {
	var submit SubmitRequestsRequest
	if err := json.NewDecoder(req.Body).Decode(&submit); err != nil {
		http.Error(writer, "invalid JSON body", http.StatusBadRequest)
		return
	}

	kind, err := request.ParseKind(submit.Kind)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	tenant := s.tenantOr(submit.Tenant)
	batch := make([]*request.Request, 0, len(submit.Payloads))
	for index, raw := range submit.Payloads {
		payload, err := request.DecodePayload(kind, raw)
		if err != nil {
			http.Error(writer, (&request.ValidationError{
				Index:  index,
				Field:  "payload",
				Reason: err.Error(),
			}).Error(), http.StatusBadRequest)
			return
		}
		batch = append(batch, request.New(tenant, submit.SessionOwner, submit.Session, payload))
	}

	if err := s.scheduler.Submit(req.Context(), batch); err != nil {
		if request.IsValidationError(err) {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		observability.LoggerFromContext(req.Context(), s.logger).Errorw("submission failed", "kind", kind, "err", err)
		http.Error(writer, "failed to submit requests", http.StatusInternalServerError)
		return
	}

	observability.LoggerFromContext(req.Context(), s.logger).Infow("requests submitted", "kind", kind, "count", len(batch))
	writeJSON(writer, http.StatusCreated, SubmitRequestsResponse{IDs: request.IDs(batch)})
}

func (s *Server) handleListRequests(
	writer http.ResponseWriter,
	req *http.Request,
) {
	filter, page, err := parseListQuery(req)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.requests.FindPaged(req.Context(), filter, page)
	if err != nil {
		observability.LoggerFromContext(req.Context(), s.logger).Errorw("listing requests failed", "err", err)
		http.Error(writer, "failed to list requests", http.StatusInternalServerError)
		return
	}

	response := ListRequestsResponse{
		Requests: make([]RequestResponse, 0, len(result.Requests)),
		Page:     page.Number,
		HasNext:  result.HasNext,
	}
	for _, r := range result.Requests {
		response.Requests = append(response.Requests, newRequestResponse(r))
	}

	writeJSON(writer, http.StatusOK, response)
}

func (s *Server) handleGetRequest(
	writer http.ResponseWriter,
	req *http.Request,
) {
	id, err := strconv.ParseInt(mux.Vars(req)["requestID"], 10, 64)
	if err != nil {
		http.Error(writer, "invalid request id", http.StatusBadRequest)
		return
	}

	r, err := s.requests.FindByID(req.Context(), id)
	if err != nil {
		http.Error(writer, "failed to fetch request", http.StatusInternalServerError)
		return
	}
	if r == nil {
		http.Error(writer, "request not found", http.StatusNotFound)
		return
	}

	writeJSON(writer, http.StatusOK, newRequestResponse(r))
}

// handleAbort returns before the abort is done; progress is visible through
// the request listing.
func (s *Server) handleAbort(
	writer http.ResponseWriter,
	req *http.Request,
) {
	var abort AbortRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&abort); err != nil {
			http.Error(writer, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	tenant := s.tenantOr(abort.Tenant)
	if tenant == "" {
		http.Error(writer, "tenant required", http.StatusBadRequest)
		return
	}

	s.scheduler.Abort(req.Context(), tenant)
	observability.LoggerFromContext(req.Context(), s.logger).Infow("abort triggered", "tenant", tenant)

	writer.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRelaunch(
	writer http.ResponseWriter,
	req *http.Request,
) {
	ids, ok := decodeIDs(writer, req)
	if !ok {
		return
	}

	relaunched, err := s.scheduler.Relaunch(req.Context(), ids)
	if err != nil {
		observability.LoggerFromContext(req.Context(), s.logger).Errorw("relaunch failed", "err", err)
		http.Error(writer, "failed to relaunch requests", http.StatusInternalServerError)
		return
	}

	writeJSON(writer, http.StatusOK, RelaunchResponse{Relaunched: request.IDs(relaunched)})
}

func (s *Server) handleDecide(
	writer http.ResponseWriter,
	req *http.Request,
) {
	var decide DecideRequest
	if err := json.NewDecoder(req.Body).Decode(&decide); err != nil {
		http.Error(writer, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(decide.IDs) == 0 {
		http.Error(writer, "ids required", http.StatusBadRequest)
		return
	}

	decided, err := s.scheduler.Decide(req.Context(), decide.IDs, request.VersioningMode(decide.VersioningMode))
	if err != nil {
		if request.IsValidationError(err) {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		observability.LoggerFromContext(req.Context(), s.logger).Errorw("decision failed", "err", err)
		http.Error(writer, "failed to apply decision", http.StatusInternalServerError)
		return
	}

	writeJSON(writer, http.StatusOK, DecideResponse{Decided: request.IDs(decided)})
}

func (s *Server) handleDelete(
	writer http.ResponseWriter,
	req *http.Request,
) {
	ids, ok := decodeIDs(writer, req)
	if !ok {
		return
	}

	deleted, err := s.scheduler.DeleteRequests(req.Context(), ids)
	if err != nil {
		observability.LoggerFromContext(req.Context(), s.logger).Errorw(
			"request deletion interrupted",
			"deleted", len(deleted),
			"err", err,
		)
		if errors.Is(err, context.Canceled) {
			writeJSON(writer, http.StatusOK, DeleteResponse{Deleted: deleted})
			return
		}
		http.Error(writer, "failed to delete requests", http.StatusInternalServerError)
		return
	}

	writeJSON(writer, http.StatusOK, DeleteResponse{Deleted: deleted})
}

// handleDeliverEvent queues an outcome reported by the remote subsystem.
func (s *Server) handleDeliverEvent(
	writer http.ResponseWriter,
	req *http.Request,
) {
	var event bus.Event
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		http.Error(writer, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if event.CorrelationID == "" {
		http.Error(writer, "correlation_id required", http.StatusBadRequest)
		return
	}
	switch event.Type {
	case bus.EventSuccess, bus.EventError, bus.EventDenied:
	default:
		http.Error(writer, "unknown event type", http.StatusBadRequest)
		return
	}

	event.ID = 0
	id, err := s.inbox.Deliver(req.Context(), event)
	if err != nil {
		http.Error(writer, "failed to queue event", http.StatusInternalServerError)
		return
	}

	writeJSON(writer, http.StatusAccepted, DeliverEventResponse{EventID: id})
}

func (s *Server) tenantOr(tenant string) string {
	if tenant != "" {
		return tenant
	}
	return s.tenant
}

func decodeIDs(writer http.ResponseWriter, req *http.Request) ([]int64, bool) {
	var body IDsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(writer, "invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	if len(body.IDs) == 0 {
		http.Error(writer, "ids required", http.StatusBadRequest)
		return nil, false
	}
	return body.IDs, true
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
