// Package archive holds the archival package entity and the catalog boundary
// the orchestrator commits domain effects through.
package archive

import (
	"context"
	"errors"
	"slices"
	"time"
)

var ErrPackageNotFound = errors.New("archival package not found")

type State string

const (
	StateGenerated State = "GENERATED"
	StateStored    State = "STORED"
	StateError     State = "ERROR"
	StateDeleted   State = "DELETED"
)

// Location is one physical copy of a package file.
type Location struct {
	Storage  string `json:"storage"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
}

type Package struct {
	ID           string
	Tenant       string
	ProductID    string
	Version      int
	State        State
	Last         bool
	Tags         []string
	Categories   []string
	Locations    []Location
	SessionOwner string
	Session      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stored reports whether the package reached a terminal stored state.
func (p *Package) Stored() bool {
	return p.State == StateStored
}

// AddLocation records a copy, ignoring duplicates.
func (p *Package) AddLocation(location Location) {
	if slices.Contains(p.Locations, location) {
		return
	}
	p.Locations = append(p.Locations, location)
}

// RemoveStorage drops every location on storage and returns the removed ones.
func (p *Package) RemoveStorage(storage string) []Location {
	var removed []Location
	p.Locations = slices.DeleteFunc(p.Locations, func(location Location) bool {
		if location.Storage == storage {
			removed = append(removed, location)
			return true
		}
		return false
	})
	return removed
}

func (p *Package) Storages() []string {
	var storages []string
	for _, location := range p.Locations {
		if !slices.Contains(storages, location.Storage) {
			storages = append(storages, location.Storage)
		}
	}
	return storages
}

func (p *Package) AddTags(tags ...string) {
	p.Tags = union(p.Tags, tags)
}

func (p *Package) RemoveTags(tags ...string) {
	p.Tags = minus(p.Tags, tags)
}

func (p *Package) AddCategories(categories ...string) {
	p.Categories = union(p.Categories, categories)
}

func (p *Package) RemoveCategories(categories ...string) {
	p.Categories = minus(p.Categories, categories)
}

func union(current, values []string) []string {
	for _, value := range values {
		if !slices.Contains(current, value) {
			current = append(current, value)
		}
	}
	return current
}

func minus(current, values []string) []string {
	return slices.DeleteFunc(current, func(value string) bool {
		return slices.Contains(values, value)
	})
}

// Criteria selects packages for creator requests.
type Criteria struct {
	Tenant       string   `json:"tenant,omitempty"`
	ProductIDs   []string `json:"product_ids,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	SessionOwner string   `json:"session_owner,omitempty"`
	Session      string   `json:"session,omitempty"`
	States       []State  `json:"states,omitempty"`
}

// Matches is the in-memory form of the catalog search.
func (c Criteria) Matches(p *Package) bool {
	if c.Tenant != "" && p.Tenant != c.Tenant {
		return false
	}
	if len(c.ProductIDs) > 0 && !slices.Contains(c.ProductIDs, p.ProductID) {
		return false
	}
	for _, tag := range c.Tags {
		if !slices.Contains(p.Tags, tag) {
			return false
		}
	}
	for _, category := range c.Categories {
		if !slices.Contains(p.Categories, category) {
			return false
		}
	}
	if c.SessionOwner != "" && p.SessionOwner != c.SessionOwner {
		return false
	}
	if c.Session != "" && p.Session != c.Session {
		return false
	}
	if len(c.States) > 0 && !slices.Contains(c.States, p.State) {
		return false
	}
	return true
}

// Catalog persists packages. Calls join the transaction carried by ctx.
type Catalog interface {
	Get(ctx context.Context, id string) (*Package, error)
	Save(ctx context.Context, p *Package) error
	Delete(ctx context.Context, id string) error
	// LatestOf returns the stored package of product flagged last, or nil.
	LatestOf(ctx context.Context, tenant, productID string) (*Package, error)
	// Versions returns every package of product ordered by version.
	Versions(ctx context.Context, tenant, productID string) ([]*Package, error)
	Exists(ctx context.Context, tenant, productID string, version int) (bool, error)
	// Find pages packages matching criteria ordered by id; offset based.
	Find(ctx context.Context, criteria Criteria, offset, limit int) ([]*Package, error)
	// LockProduct serializes version decisions of one product until the
	// surrounding transaction ends.
	LockProduct(ctx context.Context, tenant, productID string) error
}
