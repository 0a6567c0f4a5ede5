// Package workflow executes requests kind by kind and finalizes them once
// the remote subsystem reported back.
package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	// Storages receive a copy of every ingested file that is not stored yet,
	// unless the submission names its own.
	Storages []string
	// Notify adds a remote notification stage after updates and deletions.
	Notify bool
	// CreatorPageSize bounds the packages expanded per creator transaction.
	CreatorPageSize int
}

type Engine struct {
	requests   request.Store
	catalog    archive.Catalog
	publisher  bus.Publisher
	transactor request.Transactor
	notifier   notifier.Notifier
	config     Config
	lg         Logger
}

func New(
	requests request.Store,
	catalog archive.Catalog,
	publisher bus.Publisher,
	transactor request.Transactor,
	n notifier.Notifier,
	config Config,
	lg Logger,
) *Engine {
	if config.CreatorPageSize <= 0 {
		config.CreatorPageSize = 500
	}
	return &Engine{
		requests:   requests,
		catalog:    catalog,
		publisher:  publisher,
		transactor: transactor,
		notifier:   n,
		config:     config,
		lg:         lg,
	}
}

// Handlers returns the job handlers of the job backed kinds.
func (e *Engine) Handlers() map[jobs.Type]jobs.Handler {
	return map[jobs.Type]jobs.Handler{
		jobs.TypeIngestProcessing: jobs.HandlerFunc(e.RunIngest),
		jobs.TypeUpdatesCreator:   jobs.HandlerFunc(e.RunUpdatesCreator),
		jobs.TypeDeletionCreator:  jobs.HandlerFunc(e.RunDeletionCreator),
		jobs.TypePostProcess:      jobs.HandlerFunc(e.RunPostProcess),
	}
}

// Start executes a CREATED request of a kind that needs no background job.
// It runs inside the caller's transaction.
func (e *Engine) Start(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	if err := r.Transition(request.StateRunning); err != nil {
		return err
	}

	switch payload := r.Payload.(type) {
	case *request.StoreMetadataPayload:
		return e.startStoreMetadata(ctx, r, payload, effects)
	case *request.UpdatePayload:
		return e.startUpdate(ctx, r, payload, effects)
	case *request.DeletionPayload:
		return e.startDeletion(ctx, r, payload, effects)
	}
	return fmt.Errorf("request %d: %s requests are not started directly", r.ID, r.Kind)
}

// Expects lists the steps at which r may receive a completion event.
func (e *Engine) Expects(r *request.Request) []request.Step {
	switch r.Kind {
	case request.KindIngest, request.KindStoreMetadata:
		return []request.Step{request.StepRemoteStorageRequested}
	case request.KindUpdate, request.KindDeletion:
		return []request.Step{request.StepRemoteDeletionRequested, request.StepRemoteNotificationRequested}
	case request.KindPostProcess:
		return []request.Step{request.StepRemotePostProcessRequested}
	}
	return nil
}

// Commit applies the effects of the succeeded items of an event, whatever
// the outcome of the rest of the operation.
func (e *Engine) Commit(ctx context.Context, r *request.Request, succeeded []bus.Item) error {
	if len(succeeded) == 0 {
		return nil
	}

	var apply func(p *archive.Package, item bus.Item)
	switch r.Step() {
	case request.StepRemoteStorageRequested:
		apply = func(p *archive.Package, item bus.Item) {
			p.AddLocation(archive.Location{
				Storage:  item.Storage,
				URL:      item.URL,
				Filename: item.Filename,
				Checksum: item.Checksum,
			})
		}
	case request.StepRemoteDeletionRequested:
		apply = func(p *archive.Package, item bus.Item) {
			p.Locations = slices.DeleteFunc(p.Locations, func(location archive.Location) bool {
				return location.Storage == item.Storage && location.Filename == item.Filename
			})
		}
	default:
		return nil
	}

	byOwner := map[string][]bus.Item{}
	var owners []string
	for _, item := range succeeded {
		if _, ok := byOwner[item.Owner]; !ok {
			owners = append(owners, item.Owner)
		}
		byOwner[item.Owner] = append(byOwner[item.Owner], item)
	}

	for _, owner := range owners {
		p, err := e.catalog.Get(ctx, owner)
		if err != nil {
			return fmt.Errorf("commit request %d: %w", r.ID, err)
		}
		for _, item := range byOwner[owner] {
			apply(p, item)
		}
		if err := e.catalog.Save(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Complete moves r past a fully acknowledged remote stage. It either starts
// the next stage or finishes the request.
func (e *Engine) Complete(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	switch payload := r.Payload.(type) {
	case *request.IngestPayload:
		return e.finalizeIngest(ctx, r, payload, effects)
	case *request.StoreMetadataPayload:
		return e.finish(ctx, r, effects)
	case *request.UpdatePayload:
		if payload.CurrentStep == request.StepRemoteNotificationRequested {
			return e.finish(ctx, r, effects)
		}
		return e.afterUpdate(ctx, r, payload, effects)
	case *request.DeletionPayload:
		if payload.CurrentStep == request.StepRemoteNotificationRequested {
			return e.finish(ctx, r, effects)
		}
		return e.afterDeletion(ctx, r, payload, effects)
	case *request.PostProcessPayload:
		return e.finish(ctx, r, effects)
	}
	return &request.UnexpectedStepError{Kind: r.Kind, Step: r.Step(), Event: "completion"}
}

// Fail records a failure at stage. Generated packages of a failed ingest
// are flagged in error.
func (e *Engine) Fail(
	ctx context.Context,
	r *request.Request,
	stage request.Stage,
	causes []string,
	effects *notifier.Effects,
) error {
	wasError := r.State == request.StateError
	if len(causes) == 0 {
		causes = []string{fmt.Sprintf("%s failure", stage)}
	}
	if err := r.Fail(stage, causes...); err != nil {
		return err
	}
	if !wasError {
		effects.Failed(r)
	}

	if payload, ok := r.Payload.(*request.IngestPayload); ok {
		for _, id := range payload.PackageIDs {
			p, err := e.catalog.Get(ctx, id)
			if err != nil {
				continue
			}
			if !p.Stored() {
				p.State = archive.StateError
				if err := e.catalog.Save(ctx, p); err != nil {
					return err
				}
			}
		}
	}

	return e.requests.Save(ctx, r)
}

// finish removes a request whose work is done.
func (e *Engine) finish(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	if err := e.requests.Delete(ctx, r); err != nil {
		return fmt.Errorf("finish request %d: %w", r.ID, err)
	}
	effects.Succeeded(r)
	return nil
}

// await records the correlation ids of a published stage.
func (e *Engine) await(
	ctx context.Context,
	r *request.Request,
	step request.Step,
	correlationIDs []string,
) error {
	r.Payload.SetStep(step)
	r.AddCorrelations(correlationIDs...)
	return e.requests.Save(ctx, r)
}

func (e *Engine) publish(ctx context.Context, op bus.Operation) (string, error) {
	correlationID, err := e.publisher.Publish(ctx, op)
	if err != nil {
		return "", fmt.Errorf("publish %s operation: %w", op.Type, err)
	}
	return correlationID, nil
}

// notify starts the notification stage of an update or deletion, or
// finishes the request when notifications are off.
func (e *Engine) notify(ctx context.Context, r *request.Request, packageID string, effects *notifier.Effects) error {
	if !e.config.Notify {
		return e.finish(ctx, r, effects)
	}

	correlationID, err := e.publish(ctx, bus.Operation{
		Type:   bus.OperationNotify,
		Tenant: r.Tenant,
		Items:  []bus.Item{{Owner: packageID}},
	})
	if err != nil {
		return err
	}
	return e.await(ctx, r, request.StepRemoteNotificationRequested, []string{correlationID})
}

func (e *Engine) lifecycle(r *request.Request, t bus.LifecycleType, packageID string) bus.Lifecycle {
	return bus.Lifecycle{
		Type:         t,
		Tenant:       r.Tenant,
		RequestID:    r.RequestID,
		Kind:         string(r.Kind),
		PackageID:    packageID,
		SessionOwner: r.SessionOwner,
		Session:      r.Session,
	}
}

// failLocal fails r for a local reason and persists it.
func (e *Engine) failLocal(ctx context.Context, r *request.Request, cause error, effects *notifier.Effects) error {
	e.lg.Warnw("request failed locally", "request_id", r.ID, "kind", r.Kind, "err", cause)
	return e.Fail(ctx, r, request.StageLocal, []string{cause.Error()}, effects)
}
