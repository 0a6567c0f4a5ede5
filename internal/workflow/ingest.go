package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// RunIngest processes every request of an ingest job, one transaction per
// request. Requests no longer RUNNING are skipped.
func (e *Engine) RunIngest(ctx context.Context, job *jobs.Job) error {
	for _, id := range job.Params.RequestIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

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
			return e.generate(ctx, r, &effects)
		})
		if err != nil {
			return fmt.Errorf("ingest request %d: %w", id, err)
		}
		effects.Flush(e.notifier)
	}
	return nil
}

var errVersionExists = errors.New("version already exists")

// generate decides the version, creates the package and publishes the
// storage operations of one ingest request.
func (e *Engine) generate(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	payload := r.Payload.(*request.IngestPayload)
	payload.CurrentStep = request.StepLocalGeneration

	if err := e.discardPrevious(ctx, payload); err != nil {
		return err
	}

	version, err := e.resolveVersion(ctx, r, payload)
	switch {
	case errors.Is(err, errVersionExists):
		return e.versionConflict(ctx, r, payload, effects)
	case err != nil:
		return err
	}

	p := &archive.Package{
		ID:           uuid.NewString(),
		Tenant:       r.Tenant,
		ProductID:    payload.ProductID,
		Version:      version,
		State:        archive.StateGenerated,
		Tags:         payload.Tags,
		Categories:   payload.Categories,
		SessionOwner: r.SessionOwner,
		Session:      r.Session,
	}
	if err := e.catalog.Save(ctx, p); err != nil {
		return err
	}
	payload.PackageIDs = []string{p.ID}

	storages := payload.Storages
	if len(storages) == 0 {
		storages = e.config.Storages
	}

	var stores, references []bus.Item
	for _, file := range payload.Files {
		if file.Storage != "" {
			references = append(references, bus.Item{
				Owner:    p.ID,
				Checksum: file.Checksum,
				Filename: file.Filename,
				Storage:  file.Storage,
				URL:      file.URL,
			})
			continue
		}
		for _, storage := range storages {
			stores = append(stores, bus.Item{
				Owner:    p.ID,
				Checksum: file.Checksum,
				Filename: file.Filename,
				Storage:  storage,
				URL:      file.URL,
			})
		}
	}

	var correlationIDs []string
	for _, op := range []bus.Operation{
		{Type: bus.OperationStore, Tenant: r.Tenant, Items: stores},
		{Type: bus.OperationReference, Tenant: r.Tenant, Items: references},
	} {
		if len(op.Items) == 0 {
			continue
		}
		correlationID, err := e.publish(ctx, op)
		if err != nil {
			return err
		}
		correlationIDs = append(correlationIDs, correlationID)
	}

	payload.CurrentStep = request.StepRemoteStorageRequested
	if len(correlationIDs) == 0 {
		return e.finalizeIngest(ctx, r, payload, effects)
	}
	return e.await(ctx, r, request.StepRemoteStorageRequested, correlationIDs)
}

// discardPrevious drops the unfinished package of an earlier attempt.
func (e *Engine) discardPrevious(ctx context.Context, payload *request.IngestPayload) error {
	for _, id := range payload.PackageIDs {
		p, err := e.catalog.Get(ctx, id)
		if errors.Is(err, archive.ErrPackageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.Stored() {
			continue
		}
		if err := e.catalog.Delete(ctx, id); err != nil {
			return err
		}
	}
	payload.PackageIDs = nil
	return nil
}

// resolveVersion returns the version of the new package. An existing
// version is resolved by the versioning mode: INC_VERSION takes the next
// free version, REPLACE reuses the version of the package it replaces, and
// the others report errVersionExists.
func (e *Engine) resolveVersion(ctx context.Context, r *request.Request, payload *request.IngestPayload) (int, error) {
	versions, err := e.catalog.Versions(ctx, r.Tenant, payload.ProductID)
	if err != nil {
		return 0, err
	}

	var existing *archive.Package
	highest := 0
	for _, p := range versions {
		if p.State == archive.StateDeleted {
			continue
		}
		if payload.Version == 0 || p.Version == payload.Version {
			existing = p
		}
		highest = max(highest, p.Version)
	}

	if existing == nil {
		if payload.Version > 0 {
			return payload.Version, nil
		}
		return 1, nil
	}

	switch payload.VersioningMode {
	case request.VersioningIgnore, request.VersioningManual:
		return 0, errVersionExists
	case request.VersioningReplace:
		payload.ReplacePackageID = existing.ID
		return existing.Version, nil
	}
	return highest + 1, nil
}

func (e *Engine) versionConflict(
	ctx context.Context,
	r *request.Request,
	payload *request.IngestPayload,
	effects *notifier.Effects,
) error {
	payload.CurrentStep = request.StepLocalScheduled

	if payload.VersioningMode == request.VersioningManual {
		if err := r.Transition(request.StateWaitingDecision); err != nil {
			return err
		}
		e.lg.Infow("ingest waits for a versioning decision", "request_id", r.ID, "product_id", payload.ProductID)
		return e.requests.Save(ctx, r)
	}

	if err := r.Transition(request.StateIgnored); err != nil {
		return err
	}
	effects.DecrementPending(r)
	e.lg.Infow("ingest ignored, version exists", "request_id", r.ID, "product_id", payload.ProductID)
	return e.requests.Save(ctx, r)
}

// finalizeIngest decides the last flag under the product lock, marks the
// package stored and removes the request.
func (e *Engine) finalizeIngest(
	ctx context.Context,
	r *request.Request,
	payload *request.IngestPayload,
	effects *notifier.Effects,
) error {
	if err := e.catalog.LockProduct(ctx, r.Tenant, payload.ProductID); err != nil {
		return err
	}

	for _, id := range payload.PackageIDs {
		p, err := e.catalog.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("finalize ingest %d: %w", r.ID, err)
		}

		latest, err := e.catalog.LatestOf(ctx, r.Tenant, payload.ProductID)
		if err != nil {
			return err
		}

		switch {
		case latest == nil:
			p.Last = true
		case latest.ID == p.ID:
		case latest.ID == payload.ReplacePackageID || latest.Version < p.Version:
			latest.Last = false
			if err := e.catalog.Save(ctx, latest); err != nil {
				return err
			}
			p.Last = true
		default:
			p.Last = false
		}

		p.State = archive.StateStored
		if err := e.catalog.Save(ctx, p); err != nil {
			return err
		}
		if err := e.publisher.Announce(ctx, e.lifecycle(r, bus.LifecycleStored, p.ID)); err != nil {
			return err
		}
	}

	if payload.ReplacePackageID != "" {
		replaced := request.New(r.Tenant, r.SessionOwner, r.Session, &request.DeletionPayload{
			PackageID:   payload.ReplacePackageID,
			DeleteFiles: true,
			Mode:        request.DeletionIrrevocably,
		})
		if err := e.requests.Save(ctx, replaced); err != nil {
			return err
		}
		effects.IncrementPending(replaced)
	}

	return e.finish(ctx, r, effects)
}
