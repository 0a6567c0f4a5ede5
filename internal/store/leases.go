package store

import (
	"context"
	"time"
)

// Leases is a named mutex with expiry, shared by every process on the
// database.
type Leases struct {
	s *Store
}

// TryAcquire takes or renews name for holder. An expired lease of another
// holder is taken over.
func (l *Leases) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()

	commandTag, err := l.s.querier(ctx).Exec(
		ctx,
		`
		INSERT INTO maintenance_locks (
			name,
			holder,
			expires_at
		)
		VALUES ($1, $2, $3)
		ON CONFLICT (name)
		DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE maintenance_locks.holder = EXCLUDED.holder
			OR maintenance_locks.expires_at < $4
		`,
		name,
		holder,
		now.Add(ttl),
		now,
	)
	if err != nil {
		return false, err
	}
	return commandTag.RowsAffected() == 1, nil
}

func (l *Leases) Release(ctx context.Context, name, holder string) error {
	_, err := l.s.querier(ctx).Exec(
		ctx,
		`DELETE FROM maintenance_locks WHERE name = $1 AND holder = $2`,
		name,
		holder,
	)
	return err
}
