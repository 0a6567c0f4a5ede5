package workflow

import (
	"context"
	"errors"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// DeleteRequests removes the given requests, one transaction each. Ingest
// requests cancel their outstanding remote operations and take their
// unfinished packages with them. The context is checked before every
// request; on cancellation the ids deleted so far are returned with the
// context error.
func (e *Engine) DeleteRequests(ctx context.Context, ids []int64) ([]int64, error) {
	deleted := make([]int64, 0, len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		var (
			effects notifier.Effects
			found   bool
		)
		err := e.transactor.WithTransaction(ctx, func(ctx context.Context) error {
			effects.Reset()
			r, err := e.requests.FindByID(ctx, id)
			if err != nil || r == nil {
				return err
			}
			found = true
			return e.deleteOne(ctx, r, &effects)
		})
		if err != nil {
			return deleted, err
		}
		effects.Flush(e.notifier)
		if found {
			deleted = append(deleted, id)
		}
	}

	return deleted, nil
}

func (e *Engine) deleteOne(ctx context.Context, r *request.Request, effects *notifier.Effects) error {
	if payload, ok := r.Payload.(*request.IngestPayload); ok {
		if r.Outstanding() {
			if err := e.publisher.Cancel(ctx, r.CorrelationIDs); err != nil {
				return err
			}
		}
		if err := e.detachPackages(ctx, r, payload.PackageIDs); err != nil {
			return err
		}
	}

	if err := e.requests.Delete(ctx, r); err != nil {
		return err
	}

	switch r.State {
	case request.StateError:
		effects.DecrementError(r)
	case request.StateAborted, request.StateIgnored:
	default:
		effects.DecrementPending(r)
	}

	return e.publisher.Announce(ctx, e.lifecycle(r, bus.LifecycleDeleted, r.TargetPackage()))
}

// detachPackages deletes packages that never reached the stored state and
// that no other request refers to.
func (e *Engine) detachPackages(ctx context.Context, r *request.Request, packageIDs []string) error {
	for _, id := range packageIDs {
		p, err := e.catalog.Get(ctx, id)
		if errors.Is(err, archive.ErrPackageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.Stored() || p.State == archive.StateDeleted {
			continue
		}

		referenced, err := e.requests.Exists(ctx, request.Filter{
			PackageID:  id,
			ExcludeIDs: []int64{r.ID},
		})
		if err != nil {
			return err
		}
		if referenced {
			continue
		}

		if err := e.catalog.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
