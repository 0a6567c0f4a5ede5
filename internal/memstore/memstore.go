// Package memstore keeps the whole ledger in memory. Transactions are
// serialized and rolled back by snapshot, which gives the same isolation the
// orchestrator relies on from Postgres row locks.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
)

type txKey struct{}

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	// Now and NewCorrelationID may be replaced by tests before use.
	Now              func() time.Time
	NewCorrelationID func() string
	JobMaxAttempts   int

	nextRequestID int64
	jobSeq        int64
	requests      map[int64]requestRow
	packages      map[string]archive.Package
	jobs          map[uuid.UUID]jobRow
	workers       map[uuid.UUID]time.Time
	locks         map[string]lockRow
	inbox         []inboxRow
	outbox        []Message
}

type snapshot struct {
	nextRequestID int64
	requests      map[int64]requestRow
	packages      map[string]archive.Package
	jobs          map[uuid.UUID]jobRow
	workers       map[uuid.UUID]time.Time
	locks         map[string]lockRow
	inbox         []inboxRow
	outbox        []Message
}

func New() *Store {
	return &Store{
		Now:              time.Now,
		NewCorrelationID: bus.NewCorrelationID,
		JobMaxAttempts:   3,
		requests:         map[int64]requestRow{},
		packages:         map[string]archive.Package{},
		jobs:             map[uuid.UUID]jobRow{},
		workers:          map[uuid.UUID]time.Time{},
		locks:            map[string]lockRow{},
	}
}

// WithTransaction runs fn exclusively. On error every change made by fn is
// undone. Nested calls run inside the outer transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	saved := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// LockScope is a no-op: transactions already run one at a time.
func (s *Store) LockScope(ctx context.Context, key string, shared bool) error {
	return nil
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return snapshot{
		nextRequestID: s.nextRequestID,
		requests:      maps.Clone(s.requests),
		packages:      maps.Clone(s.packages),
		jobs:          maps.Clone(s.jobs),
		workers:       maps.Clone(s.workers),
		locks:         maps.Clone(s.locks),
		inbox:         append([]inboxRow(nil), s.inbox...),
		outbox:        append([]Message(nil), s.outbox...),
	}
}

func (s *Store) restore(saved snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRequestID = saved.nextRequestID
	s.requests = saved.requests
	s.packages = saved.packages
	s.jobs = saved.jobs
	s.workers = saved.workers
	s.locks = saved.locks
	s.inbox = saved.inbox
	s.outbox = saved.outbox
}

var (
	_ jobs.Runner     = (*Jobs)(nil)
	_ jobs.Queue      = (*Jobs)(nil)
	_ bus.Publisher   = (*Bus)(nil)
	_ bus.Inbox       = (*Bus)(nil)
	_ archive.Catalog = (*Catalog)(nil)
)
