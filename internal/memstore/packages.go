package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
)

// Catalog is the archive.Catalog view of the store.
type Catalog struct {
	s *Store
}

func (s *Store) Catalog() *Catalog {
	return &Catalog{s: s}
}

func clonePackage(p archive.Package) archive.Package {
	p.Tags = slices.Clone(p.Tags)
	p.Categories = slices.Clone(p.Categories)
	p.Locations = slices.Clone(p.Locations)
	return p
}

func (c *Catalog) Get(ctx context.Context, id string) (*archive.Package, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	p, ok := c.s.packages[id]
	if !ok {
		return nil, archive.ErrPackageNotFound
	}
	found := clonePackage(p)
	return &found, nil
}

func (c *Catalog) Save(ctx context.Context, p *archive.Package) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	now := c.s.Now()
	if existing, ok := c.s.packages[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	c.s.packages[p.ID] = clonePackage(*p)
	return nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.packages, id)
	return nil
}

func (c *Catalog) LatestOf(ctx context.Context, tenant, productID string) (*archive.Package, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for _, p := range c.s.packages {
		if p.Tenant == tenant && p.ProductID == productID && p.Last && p.State == archive.StateStored {
			found := clonePackage(p)
			return &found, nil
		}
	}
	return nil, nil
}

func (c *Catalog) Versions(ctx context.Context, tenant, productID string) ([]*archive.Package, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var versions []*archive.Package
	for _, p := range c.s.packages {
		if p.Tenant == tenant && p.ProductID == productID {
			found := clonePackage(p)
			versions = append(versions, &found)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

func (c *Catalog) Exists(ctx context.Context, tenant, productID string, version int) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for _, p := range c.s.packages {
		if p.Tenant == tenant && p.ProductID == productID && p.Version == version {
			return true, nil
		}
	}
	return false, nil
}

func (c *Catalog) Find(ctx context.Context, criteria archive.Criteria, offset, limit int) ([]*archive.Package, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	ids := make([]string, 0, len(c.s.packages))
	for id, p := range c.s.packages {
		if criteria.Matches(&p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	found := make([]*archive.Package, 0, len(ids))
	for _, id := range ids {
		p := clonePackage(c.s.packages[id])
		found = append(found, &p)
	}
	return found, nil
}

// LockProduct has nothing to do: transactions are already serialized.
func (c *Catalog) LockProduct(ctx context.Context, tenant, productID string) error {
	return nil
}
