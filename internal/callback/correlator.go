// Package callback routes inbound remote outcomes to the requests waiting
// on them.
package callback

import (
	"context"
	"fmt"
	"slices"

	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// Engine applies outcomes to requests of every kind.
type Engine interface {
	Expects(r *request.Request) []request.Step
	Commit(ctx context.Context, r *request.Request, succeeded []bus.Item) error
	Complete(ctx context.Context, r *request.Request, effects *notifier.Effects) error
	Fail(ctx context.Context, r *request.Request, stage request.Stage, causes []string, effects *notifier.Effects) error
}

var _ bus.Handler = (*Correlator)(nil)

type Correlator struct {
	requests   request.Store
	engine     Engine
	transactor request.Transactor
	notifier   notifier.Notifier
	lg         Logger
}

func NewCorrelator(
	requests request.Store,
	engine Engine,
	transactor request.Transactor,
	n notifier.Notifier,
	lg Logger,
) *Correlator {
	return &Correlator{
		requests:   requests,
		engine:     engine,
		transactor: transactor,
		notifier:   n,
		lg:         lg,
	}
}

// Handle applies event to every request still waiting on its correlation
// id, in one transaction, and updates the session counters after commit.
// Events nobody waits for are dropped, which makes redelivery harmless.
func (c *Correlator) Handle(ctx context.Context, event bus.Event) error {
	var committed func()
	err := c.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		committed, err = c.Consume(ctx, event)
		return err
	})
	if err != nil {
		return err
	}

	committed()
	return nil
}

// Consume applies event inside the transaction carried by ctx. The returned
// func flushes the counter changes and must only be called after that
// transaction committed.
func (c *Correlator) Consume(ctx context.Context, event bus.Event) (func(), error) {
	effects := &notifier.Effects{}
	flush := func() { effects.Flush(c.notifier) }

	requests, err := c.requests.FindByCorrelationID(ctx, event.CorrelationID)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		c.lg.Infow("event ignored", "correlation_id", event.CorrelationID, "type", event.Type)
		return flush, nil
	}

	for _, r := range requests {
		if !r.HasCorrelation(event.CorrelationID) {
			continue
		}
		if err := c.apply(ctx, r, event, effects); err != nil {
			return nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
	}
	return flush, nil
}

func (c *Correlator) apply(ctx context.Context, r *request.Request, event bus.Event, effects *notifier.Effects) error {
	if r.State == request.StateError {
		return c.late(ctx, r, event)
	}

	expected := c.engine.Expects(r)
	if !slices.Contains(expected, r.Step()) {
		return c.unexpected(ctx, r, event, expected, effects)
	}

	switch event.Type {
	case bus.EventSuccess:
		if err := c.engine.Commit(ctx, r, event.Succeeded); err != nil {
			return err
		}
		r.RemoveCorrelation(event.CorrelationID)
		if r.State == request.StateRunning && !r.Outstanding() {
			return c.engine.Complete(ctx, r, effects)
		}
		return c.requests.Save(ctx, r)

	case bus.EventError:
		if err := c.engine.Commit(ctx, r, event.Succeeded); err != nil {
			return err
		}
		r.RemoveCorrelation(event.CorrelationID)
		causes := event.Causes()
		c.lg.Warnw("remote operation failed", "request_id", r.ID, "err", &request.RemoteOperationFailed{
			CorrelationID: event.CorrelationID,
			Causes:        causes,
		})
		return c.engine.Fail(ctx, r, request.StageRemote, causes, effects)

	case bus.EventDenied:
		r.RemoveCorrelation(event.CorrelationID)
		cause := &request.RemoteOperationDenied{
			CorrelationID: event.CorrelationID,
			Reason:        event.Reason,
		}
		return c.engine.Fail(ctx, r, request.StageDenied, []string{cause.Error()}, effects)
	}

	return fmt.Errorf("unknown event type %q", event.Type)
}

// late settles the remaining operations of a request that already failed.
// Only further failures are recorded.
func (c *Correlator) late(ctx context.Context, r *request.Request, event bus.Event) error {
	r.RemoveCorrelation(event.CorrelationID)
	switch event.Type {
	case bus.EventError:
		r.AddErrors(event.Causes()...)
	case bus.EventDenied:
		r.AddErrors((&request.RemoteOperationDenied{
			CorrelationID: event.CorrelationID,
			Reason:        event.Reason,
		}).Error())
	}
	return c.requests.Save(ctx, r)
}

// unexpected records an event that arrived at a step where none is
// expected. The request fails when it was still running; the event itself
// is consumed.
func (c *Correlator) unexpected(
	ctx context.Context,
	r *request.Request,
	event bus.Event,
	expected []request.Step,
	effects *notifier.Effects,
) error {
	cause := &request.UnexpectedStepError{
		Kind:     r.Kind,
		Step:     r.Step(),
		Event:    string(event.Type),
		Expected: expected,
	}
	c.lg.Warnw("unexpected event", "request_id", r.ID, "correlation_id", event.CorrelationID, "err", cause)

	r.RemoveCorrelation(event.CorrelationID)
	if r.State == request.StateRunning {
		return c.engine.Fail(ctx, r, request.StageLocal, []string{cause.Error()}, effects)
	}
	r.AddErrors(cause.Error())
	return c.requests.Save(ctx, r)
}
