package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/observability"
	"github.com/vin-jex/archive-orchestrator/internal/orchestrator"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// Scheduler is the part of the scheduler driven over HTTP.
type Scheduler interface {
	Submit(ctx context.Context, requests []*request.Request) error
	Abort(ctx context.Context, tenant string)
	Relaunch(ctx context.Context, ids []int64) ([]*request.Request, error)
	Decide(ctx context.Context, ids []int64, mode request.VersioningMode) ([]*request.Request, error)
	DeleteRequests(ctx context.Context, ids []int64) ([]int64, error)
}

type Server struct {
	requests  request.Store
	scheduler Scheduler
	inbox     bus.Inbox
	ping      func(ctx context.Context) error
	gatherer  prometheus.Gatherer
	tenant    string
	logger    *observability.Logger
	mux       http.Handler
}

// NewServer exposes o. tenant is used when a call names none.
func NewServer(
	o *orchestrator.Orchestrator,
	gatherer prometheus.Gatherer,
	tenant string,
	logger *observability.Logger,
) *Server {
	server := &Server{
		requests:  o.Requests,
		scheduler: o.Scheduler,
		inbox:     o.Inbox,
		ping:      o.Ping,
		gatherer:  gatherer,
		tenant:    tenant,
		logger:    logger,
	}

	server.registerRoutes()

	return server
}

func (s *Server) Handler() http.Handler {
	return s.mux
}
