package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// spawnFunc builds the child request for one matching package.
type spawnFunc func(parent *request.Request, p *archive.Package) *request.Request

func (e *Engine) RunUpdatesCreator(ctx context.Context, job *jobs.Job) error {
	return e.runCreator(ctx, job, func(parent *request.Request, p *archive.Package) *request.Request {
		payload := parent.Payload.(*request.UpdatesCreatorPayload)
		return request.New(parent.Tenant, parent.SessionOwner, parent.Session, &request.UpdatePayload{
			PackageID: p.ID,
			Tasks:     payload.Tasks,
		})
	})
}

func (e *Engine) RunDeletionCreator(ctx context.Context, job *jobs.Job) error {
	return e.runCreator(ctx, job, func(parent *request.Request, p *archive.Package) *request.Request {
		payload := parent.Payload.(*request.DeletionCreatorPayload)
		return request.New(parent.Tenant, parent.SessionOwner, parent.Session, &request.DeletionPayload{
			PackageID:   p.ID,
			DeleteFiles: payload.DeleteFiles,
			Mode:        payload.Mode,
		})
	})
}

// runCreator expands the creator request of job into one TO_SCHEDULE child
// per matching package, a page per transaction, then removes the creator.
// Progress is stored on the creator so a restarted job resumes.
func (e *Engine) runCreator(ctx context.Context, job *jobs.Job, spawn spawnFunc) error {
	for _, id := range job.Params.RequestIDs {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			var (
				done    bool
				effects notifier.Effects
			)
			err := e.transactor.WithTransaction(ctx, func(ctx context.Context) error {
				effects.Reset()
				r, err := e.requests.FindByID(ctx, id)
				if err != nil {
					return err
				}
				if r == nil || r.State != request.StateRunning {
					done = true
					return nil
				}
				done, err = e.expandPage(ctx, r, spawn, &effects)
				return err
			})
			if err != nil {
				return fmt.Errorf("creator request %d: %w", id, err)
			}
			effects.Flush(e.notifier)
			if done {
				break
			}
		}
	}
	return nil
}

func (e *Engine) expandPage(
	ctx context.Context,
	r *request.Request,
	spawn spawnFunc,
	effects *notifier.Effects,
) (bool, error) {
	var (
		criteria  archive.Criteria
		processed *int
	)
	switch payload := r.Payload.(type) {
	case *request.UpdatesCreatorPayload:
		criteria, processed = payload.Criteria, &payload.Processed
	case *request.DeletionCreatorPayload:
		criteria, processed = payload.Criteria, &payload.Processed
	default:
		return true, fmt.Errorf("request %d of kind %s is not a creator", r.ID, r.Kind)
	}
	if criteria.Tenant == "" {
		criteria.Tenant = r.Tenant
	}
	r.Payload.SetStep(request.StepLocalGeneration)

	packages, err := e.catalog.Find(ctx, criteria, *processed, e.config.CreatorPageSize)
	if err != nil {
		return false, err
	}

	children := make([]*request.Request, 0, len(packages))
	for _, p := range packages {
		child := spawn(r, p)
		children = append(children, child)
		effects.IncrementPending(child)
	}
	if err := e.requests.SaveAll(ctx, children); err != nil {
		return false, err
	}
	*processed += len(packages)

	if len(packages) < e.config.CreatorPageSize {
		e.lg.Infow("creator expanded", "request_id", r.ID, "kind", r.Kind, "children", *processed)
		return true, e.finish(ctx, r, effects)
	}
	return false, e.requests.Save(ctx, r)
}

// RunPostProcess publishes the post processing operation of each request of
// job. The request then waits for the remote outcome.
func (e *Engine) RunPostProcess(ctx context.Context, job *jobs.Job) error {
	for _, id := range job.Params.RequestIDs {
		var effects notifier.Effects
		err := e.transactor.WithTransaction(ctx, func(ctx context.Context) error {
			effects.Reset()
			r, err := e.requests.FindByID(ctx, id)
			if err != nil {
				return err
			}
			if r == nil || r.State != request.StateRunning {
				return nil
			}
			return e.startPostProcess(ctx, r, r.Payload.(*request.PostProcessPayload), &effects)
		})
		if err != nil {
			return fmt.Errorf("post process request %d: %w", id, err)
		}
		effects.Flush(e.notifier)
	}
	return nil
}

func (e *Engine) startPostProcess(
	ctx context.Context,
	r *request.Request,
	payload *request.PostProcessPayload,
	effects *notifier.Effects,
) error {
	p, err := e.catalog.Get(ctx, payload.PackageID)
	if errors.Is(err, archive.ErrPackageNotFound) {
		return e.failLocal(ctx, r, err, effects)
	}
	if err != nil {
		return err
	}

	var items []bus.Item
	for _, location := range p.Locations {
		items = append(items, bus.Item{
			Owner:    p.ID,
			Checksum: location.Checksum,
			Filename: location.Filename,
			Storage:  location.Storage,
			URL:      location.URL,
		})
	}
	if len(items) == 0 {
		items = []bus.Item{{Owner: p.ID}}
	}

	correlationID, err := e.publish(ctx, bus.Operation{
		Type:        bus.OperationPostProcess,
		Tenant:      r.Tenant,
		ProcessorID: payload.ProcessorID,
		Items:       items,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, r, request.StepRemotePostProcessRequested, []string{correlationID})
}
