// Package store is the Postgres ledger: requests, archival packages, jobs,
// leases and the bus outbox and inbox, all sharing the transaction carried
// by the context.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IMPORTANT:
// All job state transitions MUST go through transitionJobState.
// Any direct UPDATE of jobs.state outside this gate is a correctness bug.

var ErrNotFound = errors.New("not found")

type Store struct {
	connectionPool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{connectionPool: pool}, nil
}

func (s *Store) Close() {
	s.connectionPool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.connectionPool.Ping(ctx)
}

func (s *Store) Requests() *Requests {
	return &Requests{s: s}
}

func (s *Store) Packages() *Packages {
	return &Packages{s: s}
}

func (s *Store) Jobs() *Jobs {
	return &Jobs{s: s}
}

func (s *Store) Leases() *Leases {
	return &Leases{s: s}
}

func (s *Store) Bus() *Bus {
	return &Bus{s: s}
}
