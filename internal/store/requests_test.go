package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/request"
)

func TestRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	requests := s.Requests()

	r := request.New("t", "owner", "s1", &request.UpdatePayload{
		PackageID: "A-7",
		Tasks:     []request.UpdateTask{{Type: request.TaskAddTag, Values: []string{"x"}}},
	})
	r.State = request.StateRunning
	r.AddCorrelations("G-1", "G-2")
	require.NoError(t, requests.Save(ctx, r))
	require.NotZero(t, r.ID)

	found, err := requests.FindByCorrelationID(ctx, "G-2")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, r.RequestID, found[0].RequestID)
	assert.Equal(t, []string{"G-1", "G-2"}, found[0].CorrelationIDs)
	assert.Equal(t, "A-7", found[0].TargetPackage())

	exists, err := requests.Exists(ctx, request.Filter{
		Kinds:      []request.Kind{request.KindUpdate},
		States:     request.InFlightStates,
		PackageID:  "A-7",
		ExcludeIDs: []int64{r.ID},
	})
	require.NoError(t, err)
	assert.False(t, exists)

	missing, err := requests.FindByID(ctx, r.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRequestPagingAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	requests := s.Requests()

	jobID, err := s.Jobs().Submit(ctx, jobs.TypePostProcess, jobs.Params{Tenant: "t"})
	require.NoError(t, err)

	var saved []*request.Request
	for i := 0; i < 5; i++ {
		r := request.New("t", "", "", &request.PostProcessPayload{PackageID: "A-1", ProcessorID: "p"})
		r.JobID = &jobID
		saved = append(saved, r)
	}
	require.NoError(t, requests.SaveAll(ctx, saved))

	page, err := requests.FindPaged(ctx, request.Filter{Tenant: "t"}, request.FirstPage(2))
	require.NoError(t, err)
	assert.Len(t, page.Requests, 2)
	assert.True(t, page.HasNext)

	page, err = requests.FindPaged(ctx, request.Filter{Tenant: "t", AfterID: saved[3].ID}, request.FirstPage(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{saved[4].ID}, request.IDs(page.Requests))
	assert.False(t, page.HasNext)

	require.NoError(t, requests.Delete(ctx, saved[0]))
	job, err := s.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, job.Locked)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		r := request.New("t", "", "", &request.StoreMetadataPayload{PackageID: "A-1"})
		if err := s.Requests().Save(ctx, r); err != nil {
			return err
		}
		if _, err := s.Bus().Publish(ctx, bus.Operation{Type: bus.OperationStore, Tenant: "t"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	page, err := s.Requests().FindPaged(ctx, request.Filter{}, request.Page{})
	require.NoError(t, err)
	assert.Empty(t, page.Requests)
}

func TestPackagesLatestAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	catalog := s.Packages()

	for version, last := range map[int]bool{1: false, 2: true} {
		require.NoError(t, catalog.Save(ctx, &archive.Package{
			ID:        "P-" + string(rune('0'+version)),
			Tenant:    "t",
			ProductID: "P",
			Version:   version,
			State:     archive.StateStored,
			Last:      last,
			Tags:      []string{"raw"},
			Locations: []archive.Location{{Storage: "disk", Filename: "f"}},
		}))
	}

	latest, err := catalog.LatestOf(ctx, "t", "P")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []archive.Location{{Storage: "disk", Filename: "f"}}, latest.Locations)

	found, err := catalog.Find(ctx, archive.Criteria{Tenant: "t", Tags: []string{"raw"}}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = catalog.Get(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrPackageNotFound)

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context) error {
		return catalog.LockProduct(ctx, "t", "P")
	}))
}

func TestLockScopeSerializesConflictChecks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	requests := s.Requests()
	const key = "conflict/package/t/A-7"

	held := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.WithTransaction(ctx, func(ctx context.Context) error {
			if err := requests.LockScope(ctx, key, false); err != nil {
				return err
			}
			close(held)
			<-release

			r := request.New("t", "", "", &request.UpdatePayload{
				PackageID: "A-7",
				Tasks:     []request.UpdateTask{{Type: request.TaskAddTag, Values: []string{"x"}}},
			})
			r.State = request.StateCreated
			return requests.Save(ctx, r)
		})
	}()
	<-held

	seen := make(chan bool, 1)
	second := make(chan error, 1)
	go func() {
		second <- s.WithTransaction(ctx, func(ctx context.Context) error {
			if err := requests.LockScope(ctx, key, false); err != nil {
				return err
			}
			exists, err := requests.Exists(ctx, request.Filter{
				Kinds:     []request.Kind{request.KindUpdate, request.KindDeletion},
				States:    request.InFlightStates,
				PackageID: "A-7",
			})
			seen <- exists
			return err
		})
	}()

	select {
	case <-seen:
		t.Fatal("conflict check ran while another transaction held the scope")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	assert.True(t, <-seen)
	require.NoError(t, <-second)
}

func TestSharedLockScopesDoNotExcludeEachOther(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	requests := s.Requests()
	const key = "conflict/tenant/t"

	held := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.WithTransaction(ctx, func(ctx context.Context) error {
			if err := requests.LockScope(ctx, key, true); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	second := make(chan error, 1)
	go func() {
		second <- s.WithTransaction(ctx, func(ctx context.Context) error {
			return requests.LockScope(ctx, key, true)
		})
	}()

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shared scope blocked another shared holder")
	}

	close(release)
	require.NoError(t, <-first)
}
