// Package conflict decides whether a request has to wait for another
// in-flight request before it may run.
package conflict

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type Finder interface {
	Exists(ctx context.Context, filter request.Filter) (bool, error)
}

// Locker takes named locks held until the transaction carried by ctx ends.
// Shared holders of a key exclude only exclusive ones.
type Locker interface {
	LockScope(ctx context.Context, key string, shared bool) error
}

type Detector struct {
	requests Finder
	locker   Locker
}

func NewDetector(requests Finder, locker Locker) *Detector {
	return &Detector{requests: requests, locker: locker}
}

// Lock serializes the conflict checks of requests with those of concurrent
// transactions. Package scoped kinds share their tenant's lock and hold their
// package exclusively; creators hold the tenant lock exclusively. Keys are
// taken tenants first, each group in sorted order.
func (d *Detector) Lock(ctx context.Context, requests []*request.Request) error {
	tenants := map[string]bool{}
	packages := map[string]struct{}{}

	for _, r := range requests {
		switch r.Kind {
		case request.KindUpdate, request.KindDeletion, request.KindPostProcess:
			if _, ok := tenants[r.Tenant]; !ok {
				tenants[r.Tenant] = false
			}
			if packageID := r.TargetPackage(); packageID != "" {
				packages[r.Tenant+"/"+packageID] = struct{}{}
			}
		case request.KindUpdatesCreator, request.KindDeletionCreator:
			tenants[r.Tenant] = true
		}
	}

	for _, tenant := range sortedKeys(tenants) {
		if err := d.locker.LockScope(ctx, "conflict/tenant/"+tenant, !tenants[tenant]); err != nil {
			return fmt.Errorf("lock tenant %q: %w", tenant, err)
		}
	}
	for _, key := range sortedKeys(packages) {
		if err := d.locker.LockScope(ctx, "conflict/package/"+key, false); err != nil {
			return fmt.Errorf("lock package %q: %w", key, err)
		}
	}
	return nil
}

// ShouldDelay reports whether r conflicts with an in-flight request of the
// same tenant. Only CREATED and RUNNING requests count as in flight; r
// itself never conflicts with itself. It panics on a kind it does not know.
func (d *Detector) ShouldDelay(ctx context.Context, r *request.Request) (bool, error) {
	switch r.Kind {
	case request.KindIngest, request.KindStoreMetadata:
		return false, nil

	case request.KindUpdate:
		if r.PastConflictPoint() {
			return false, nil
		}
		return d.any(ctx, r,
			d.onPackage(r, request.KindUpdate, request.KindDeletion, request.KindPostProcess),
			d.ofKinds(r, request.KindDeletionCreator),
		)

	case request.KindDeletion:
		if r.PastConflictPoint() {
			return false, nil
		}
		return d.any(ctx, r,
			d.onPackage(r, request.KindUpdate, request.KindPostProcess),
			d.ofKinds(r, request.KindUpdatesCreator),
		)

	case request.KindUpdatesCreator:
		return d.any(ctx, r,
			d.inSession(r, request.KindUpdatesCreator),
			d.ofKinds(r, request.KindDeletionCreator),
		)

	case request.KindDeletionCreator:
		return d.any(ctx, r,
			d.inSession(r, request.KindDeletionCreator),
			d.ofKinds(r, request.KindUpdatesCreator, request.KindUpdate),
		)

	case request.KindPostProcess:
		return d.any(ctx, r,
			d.inSession(r, request.KindUpdatesCreator, request.KindDeletionCreator),
			d.onPackage(r, request.KindDeletion),
		)
	}

	panic(fmt.Sprintf("conflict: no rule for request kind %q", r.Kind))
}

func (d *Detector) any(ctx context.Context, r *request.Request, filters ...*request.Filter) (bool, error) {
	for _, filter := range filters {
		if filter == nil {
			continue
		}
		found, err := d.requests.Exists(ctx, *filter)
		if err != nil {
			return false, fmt.Errorf("conflict check for request %d: %w", r.ID, err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) ofKinds(r *request.Request, kinds ...request.Kind) *request.Filter {
	filter := request.Filter{
		Kinds:  kinds,
		States: request.InFlightStates,
		Tenant: r.Tenant,
	}
	if r.ID != 0 {
		filter.ExcludeIDs = []int64{r.ID}
	}
	return &filter
}

func (d *Detector) onPackage(r *request.Request, kinds ...request.Kind) *request.Filter {
	packageID := r.TargetPackage()
	if packageID == "" {
		return nil
	}
	filter := d.ofKinds(r, kinds...)
	filter.PackageID = packageID
	return filter
}

func (d *Detector) inSession(r *request.Request, kinds ...request.Kind) *request.Filter {
	if !r.HasSession() {
		return nil
	}
	filter := d.ofKinds(r, kinds...)
	filter.SessionOwner = r.SessionOwner
	filter.Session = r.Session
	return filter
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
