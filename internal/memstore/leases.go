package memstore

import (
	"context"
	"time"
)

type lockRow struct {
	holder  string
	expires time.Time
}

// Leases is the distributed mutex view of the store.
type Leases struct {
	s *Store
}

func (s *Store) Leases() *Leases {
	return &Leases{s: s}
}

func (l *Leases) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	now := l.s.Now()
	current, held := l.s.locks[name]
	if held && current.holder != holder && current.expires.After(now) {
		return false, nil
	}
	l.s.locks[name] = lockRow{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (l *Leases) Release(ctx context.Context, name, holder string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if current, held := l.s.locks[name]; held && current.holder == holder {
		delete(l.s.locks, name)
	}
	return nil
}
