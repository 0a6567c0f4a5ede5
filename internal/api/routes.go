package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vin-jex/archive-orchestrator/internal/observability"
)

func (s *Server) registerRoutes() {
	r := mux.NewRouter()
	r.Use(observability.RequestID)

	r.Handle("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/v1/requests", s.handleSubmitRequests).Methods(http.MethodPost)
	r.HandleFunc("/v1/requests", s.handleListRequests).Methods(http.MethodGet)
	r.HandleFunc("/v1/requests/{requestID:[0-9]+}", s.handleGetRequest).Methods(http.MethodGet)

	r.HandleFunc("/internal/requests/abort", s.handleAbort).Methods(http.MethodPost)
	r.HandleFunc("/internal/requests/relaunch", s.handleRelaunch).Methods(http.MethodPost)
	r.HandleFunc("/internal/requests/decide", s.handleDecide).Methods(http.MethodPost)
	r.HandleFunc("/internal/requests/delete", s.handleDelete).Methods(http.MethodPost)

	r.HandleFunc("/internal/events", s.handleDeliverEvent).Methods(http.MethodPost)

	s.mux = r
}
