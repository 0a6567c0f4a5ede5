package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	return url
}

// newTestStore migrates the test database and empties every table.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := testDatabaseURL(t)
	require.NoError(t, Migrate(url))

	ctx := context.Background()
	s, err := NewStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.connectionPool.Exec(ctx, `
		TRUNCATE requests, packages, job_leases, jobs, workers, maintenance_locks, outbox, inbox
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err)

	return s
}
