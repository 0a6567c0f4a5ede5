package request

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows ledger queries. Zero values match everything.
type Filter struct {
	Kinds         []Kind
	States        []State
	Tenant        string
	SessionOwner  string
	Session       string
	PackageID     string
	JobID         *uuid.UUID
	ExcludeIDs    []int64
	AfterID       int64
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Page is zero based. Results are ordered by ledger id.
type Page struct {
	Number int
	Size   int
}

func FirstPage(size int) Page {
	return Page{Size: size}
}

func (p Page) Offset() int {
	return p.Number * p.Size
}

func (p Page) Next() Page {
	return Page{Number: p.Number + 1, Size: p.Size}
}

type Result struct {
	Requests []*Request
	HasNext  bool
}

// Store is the durable request ledger. Implementations take part in the
// transaction carried by ctx when there is one.
type Store interface {
	Save(ctx context.Context, r *Request) error
	SaveAll(ctx context.Context, requests []*Request) error
	FindByID(ctx context.Context, id int64) (*Request, error)
	FindAllByID(ctx context.Context, ids []int64) ([]*Request, error)
	// FindByCorrelationID returns the requests still waiting on
	// correlationID, locked for the rest of the transaction.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*Request, error)
	FindPaged(ctx context.Context, filter Filter, page Page) (Result, error)
	Exists(ctx context.Context, filter Filter) (bool, error)
	// Delete releases the job lock held by the request before removing it.
	Delete(ctx context.Context, r *Request) error
	DeleteAll(ctx context.Context, requests []*Request) error
}

// Transactor runs fn inside one atomic unit of work. Nested calls join the
// outer transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
