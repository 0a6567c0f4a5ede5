package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

const manifestSuffix = ".manifest.json"

func (e *Engine) startStoreMetadata(
	ctx context.Context,
	r *request.Request,
	payload *request.StoreMetadataPayload,
	effects *notifier.Effects,
) error {
	p, err := e.catalog.Get(ctx, payload.PackageID)
	if errors.Is(err, archive.ErrPackageNotFound) {
		return e.failLocal(ctx, r, err, effects)
	}
	if err != nil {
		return err
	}

	storages := p.Storages()
	if len(storages) == 0 {
		storages = e.config.Storages
	}
	items := make([]bus.Item, 0, len(storages))
	for _, storage := range storages {
		items = append(items, bus.Item{
			Owner:    p.ID,
			Filename: p.ID + manifestSuffix,
			Storage:  storage,
		})
	}
	if len(items) == 0 {
		return e.finish(ctx, r, effects)
	}

	correlationID, err := e.publish(ctx, bus.Operation{
		Type:   bus.OperationStore,
		Tenant: r.Tenant,
		Items:  items,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, r, request.StepRemoteStorageRequested, []string{correlationID})
}

// startUpdate applies the local tasks right away and asks the remote
// subsystem to delete the locations of removed storages.
func (e *Engine) startUpdate(
	ctx context.Context,
	r *request.Request,
	payload *request.UpdatePayload,
	effects *notifier.Effects,
) error {
	if payload.PastConflictPoint() {
		return e.notify(ctx, r, payload.PackageID, effects)
	}

	p, err := e.catalog.Get(ctx, payload.PackageID)
	if errors.Is(err, archive.ErrPackageNotFound) {
		return e.failLocal(ctx, r, err, effects)
	}
	if err != nil {
		return err
	}

	var removals []bus.Item
	for _, task := range payload.Tasks {
		switch task.Type {
		case request.TaskAddTag:
			p.AddTags(task.Values...)
		case request.TaskRemoveTag:
			p.RemoveTags(task.Values...)
		case request.TaskAddCategory:
			p.AddCategories(task.Values...)
		case request.TaskRemoveCategory:
			p.RemoveCategories(task.Values...)
		case request.TaskRemoveStorage:
			for _, location := range p.Locations {
				for _, storage := range task.Values {
					if location.Storage == storage {
						removals = append(removals, bus.Item{
							Owner:    p.ID,
							Checksum: location.Checksum,
							Filename: location.Filename,
							Storage:  location.Storage,
							URL:      location.URL,
						})
					}
				}
			}
		}
	}
	if err := e.catalog.Save(ctx, p); err != nil {
		return err
	}

	if len(removals) == 0 {
		payload.CurrentStep = request.StepRemoteDeletionRequested
		return e.afterUpdate(ctx, r, payload, effects)
	}

	correlationID, err := e.publish(ctx, bus.Operation{
		Type:   bus.OperationDelete,
		Tenant: r.Tenant,
		Items:  removals,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, r, request.StepRemoteDeletionRequested, []string{correlationID})
}

func (e *Engine) afterUpdate(
	ctx context.Context,
	r *request.Request,
	payload *request.UpdatePayload,
	effects *notifier.Effects,
) error {
	return e.notify(ctx, r, payload.PackageID, effects)
}

func (e *Engine) startDeletion(
	ctx context.Context,
	r *request.Request,
	payload *request.DeletionPayload,
	effects *notifier.Effects,
) error {
	if payload.PastConflictPoint() {
		return e.notify(ctx, r, payload.PackageID, effects)
	}

	p, err := e.catalog.Get(ctx, payload.PackageID)
	if errors.Is(err, archive.ErrPackageNotFound) {
		return e.failLocal(ctx, r, err, effects)
	}
	if err != nil {
		return err
	}

	if !payload.DeleteFiles || len(p.Locations) == 0 {
		payload.CurrentStep = request.StepRemoteDeletionRequested
		return e.afterDeletion(ctx, r, payload, effects)
	}

	items := make([]bus.Item, 0, len(p.Locations))
	for _, location := range p.Locations {
		items = append(items, bus.Item{
			Owner:    p.ID,
			Checksum: location.Checksum,
			Filename: location.Filename,
			Storage:  location.Storage,
			URL:      location.URL,
		})
	}

	correlationID, err := e.publish(ctx, bus.Operation{
		Type:   bus.OperationDelete,
		Tenant: r.Tenant,
		Items:  items,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, r, request.StepRemoteDeletionRequested, []string{correlationID})
}

// afterDeletion removes the package once its files are gone and hands the
// last flag to the newest remaining stored version.
func (e *Engine) afterDeletion(
	ctx context.Context,
	r *request.Request,
	payload *request.DeletionPayload,
	effects *notifier.Effects,
) error {
	p, err := e.catalog.Get(ctx, payload.PackageID)
	if errors.Is(err, archive.ErrPackageNotFound) {
		return e.notify(ctx, r, payload.PackageID, effects)
	}
	if err != nil {
		return err
	}

	if err := e.catalog.LockProduct(ctx, p.Tenant, p.ProductID); err != nil {
		return err
	}

	wasLast := p.Last
	switch payload.Mode {
	case request.DeletionIrrevocably:
		if err := e.catalog.Delete(ctx, p.ID); err != nil {
			return err
		}
	default:
		p.State = archive.StateDeleted
		p.Last = false
		if payload.DeleteFiles {
			p.Locations = nil
		}
		if err := e.catalog.Save(ctx, p); err != nil {
			return err
		}
	}

	if wasLast {
		if err := e.promotePrevious(ctx, p); err != nil {
			return err
		}
	}

	if err := e.publisher.Announce(ctx, e.lifecycle(r, bus.LifecycleDeleted, p.ID)); err != nil {
		return err
	}
	return e.notify(ctx, r, p.ID, effects)
}

func (e *Engine) promotePrevious(ctx context.Context, deleted *archive.Package) error {
	versions, err := e.catalog.Versions(ctx, deleted.Tenant, deleted.ProductID)
	if err != nil {
		return err
	}

	var successor *archive.Package
	for _, p := range versions {
		if p.ID == deleted.ID || !p.Stored() {
			continue
		}
		if successor == nil || p.Version > successor.Version {
			successor = p
		}
	}
	if successor == nil {
		return nil
	}

	successor.Last = true
	if err := e.catalog.Save(ctx, successor); err != nil {
		return fmt.Errorf("promote package %s: %w", successor.ID, err)
	}
	return nil
}
