package notifier

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

var sessionLabels = []string{"kind", "session_owner", "session"}

// Prometheus exposes session counters as gauges. Success only grows and is
// a counter.
type Prometheus struct {
	pending *prometheus.GaugeVec
	errors  *prometheus.GaugeVec
	success *prometheus.CounterVec
}

func NewPrometheus(registerer prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "archive",
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests of a session not yet finished.",
		}, sessionLabels),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "archive",
			Subsystem: "requests",
			Name:      "errors",
			Help:      "Requests of a session currently in error.",
		}, sessionLabels),
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "requests",
			Name:      "succeeded_total",
			Help:      "Requests of a session that finished successfully.",
		}, sessionLabels),
	}

	for _, collector := range []prometheus.Collector{p.pending, p.errors, p.success} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) IncrementPending(kind request.Kind, owner, session string, count int) {
	p.pending.WithLabelValues(string(kind), owner, session).Add(float64(count))
}

func (p *Prometheus) DecrementPending(kind request.Kind, owner, session string, count int) {
	p.pending.WithLabelValues(string(kind), owner, session).Sub(float64(count))
}

func (p *Prometheus) IncrementError(kind request.Kind, owner, session string, count int) {
	p.errors.WithLabelValues(string(kind), owner, session).Add(float64(count))
}

func (p *Prometheus) DecrementError(kind request.Kind, owner, session string, count int) {
	p.errors.WithLabelValues(string(kind), owner, session).Sub(float64(count))
}

func (p *Prometheus) IncrementSuccess(kind request.Kind, owner, session string, count int) {
	p.success.WithLabelValues(string(kind), owner, session).Add(float64(count))
}
