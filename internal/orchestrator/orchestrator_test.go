package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
	"github.com/vin-jex/archive-orchestrator/internal/bus"
	"github.com/vin-jex/archive-orchestrator/internal/config"
	"github.com/vin-jex/archive-orchestrator/internal/conflict"
	"github.com/vin-jex/archive-orchestrator/internal/jobs"
	"github.com/vin-jex/archive-orchestrator/internal/memstore"
	"github.com/vin-jex/archive-orchestrator/internal/notifier"
	"github.com/vin-jex/archive-orchestrator/internal/request"
	"github.com/vin-jex/archive-orchestrator/internal/scheduler"
)

const (
	tenant  = "tenant-a"
	owner   = "curator"
	session = "s1"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	counters *notifier.Recorder
	o        *Orchestrator
}

type option func(cfg *config.Config, backend *Backend)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	s := memstore.New()
	var (
		mu   sync.Mutex
		next int
	)
	s.NewCorrelationID = func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("G-%d", next)
	}

	cfg := config.Default()
	cfg.Workflow.Storages = []string{"disk"}
	backend := MemoryBackend(s)
	for _, opt := range opts {
		opt(&cfg, &backend)
	}

	counters := notifier.NewRecorder()
	return &harness{
		t:        t,
		ctx:      context.Background(),
		store:    s,
		counters: counters,
		o:        New(backend, counters, cfg, zap.NewNop().Sugar()),
	}
}

func (h *harness) submit(requests ...*request.Request) []int64 {
	h.t.Helper()
	require.NoError(h.t, h.o.Scheduler.Submit(h.ctx, requests))
	return request.IDs(requests)
}

// runJobs executes pending jobs until the queue is empty.
func (h *harness) runJobs(register ...func(w *jobs.Worker)) {
	h.t.Helper()

	workerID := uuid.New()
	w := h.o.NewWorker(workerID)
	for _, fn := range register {
		fn(w)
	}
	for {
		job, err := h.o.Queue.Claim(h.ctx, workerID, h.o.config.Worker.LeaseDuration)
		require.NoError(h.t, err)
		if job == nil {
			return
		}
		w.Execute(h.ctx, job)
	}
}

func (h *harness) deliver(event bus.Event) {
	h.t.Helper()
	require.NoError(h.t, h.o.Correlator.Handle(h.ctx, event))
}

func (h *harness) get(id int64) *request.Request {
	h.t.Helper()
	r, err := h.o.Requests.FindByID(h.ctx, id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) pkg(id string) *archive.Package {
	h.t.Helper()
	p, err := h.o.Catalog.Get(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) seed(p archive.Package) *archive.Package {
	h.t.Helper()
	if p.Tenant == "" {
		p.Tenant = tenant
	}
	if p.State == "" {
		p.State = archive.StateStored
	}
	require.NoError(h.t, h.o.Catalog.Save(h.ctx, &p))
	return &p
}

func (h *harness) operations() []memstore.Message {
	return h.store.Bus().Outbox(memstore.MessageOperation)
}

func (h *harness) counter(counter notifier.Counter, kind request.Kind) int {
	return h.counters.Value(counter, kind, owner, session)
}

func ingest(productID string, version int, files ...request.File) *request.Request {
	return request.New(tenant, owner, session, &request.IngestPayload{
		ProductID: productID,
		Version:   version,
		ChainName: "default",
		Files:     files,
	})
}

func update(packageID string, tasks ...request.UpdateTask) *request.Request {
	if len(tasks) == 0 {
		tasks = []request.UpdateTask{{Type: request.TaskAddTag, Values: []string{"reviewed"}}}
	}
	return request.New(tenant, owner, session, &request.UpdatePayload{PackageID: packageID, Tasks: tasks})
}

func deletion(packageID string) *request.Request {
	return request.New(tenant, owner, session, &request.DeletionPayload{
		PackageID:   packageID,
		DeleteFiles: true,
		Mode:        request.DeletionByState,
	})
}

func storedPackage(id string) archive.Package {
	return archive.Package{
		ID:        id,
		ProductID: "P-" + id,
		Version:   1,
		Last:      true,
		Locations: []archive.Location{{Storage: "disk", Filename: id + ".dat", Checksum: "c-" + id}},
	}
}

func TestIngestWithoutRemoteWorkFinalizesAtOnce(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(ingest("P-1", 1))
	assert.Equal(t, request.StateRunning, h.get(ids[0]).State)
	assert.Equal(t, 1, h.counter(notifier.Pending, request.KindIngest))

	h.runJobs()

	assert.Nil(t, h.get(ids[0]))
	latest, err := h.o.Catalog.LatestOf(h.ctx, tenant, "P-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Version)
	assert.True(t, latest.Last)
	assert.Equal(t, archive.StateStored, latest.State)
	assert.Zero(t, h.counter(notifier.Pending, request.KindIngest))
	assert.Equal(t, 1, h.counter(notifier.Success, request.KindIngest))
	assert.Len(t, h.store.Bus().Outbox(memstore.MessageLifecycle), 1)
}

func TestIngestOfOlderVersionKeepsLastFlag(t *testing.T) {
	h := newHarness(t)
	v2 := h.seed(archive.Package{ID: "p1-v2", ProductID: "P-1", Version: 2, Last: true})

	ids := h.submit(ingest("P-1", 1))
	h.runJobs()

	assert.Nil(t, h.get(ids[0]))
	versions, err := h.o.Catalog.Versions(h.ctx, tenant, "P-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.False(t, versions[0].Last)
	assert.Equal(t, archive.StateStored, versions[0].State)
	assert.Equal(t, v2.ID, versions[1].ID)
	assert.True(t, versions[1].Last)
}

func TestIngestWaitsForEveryCorrelation(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(ingest("P-1", 0,
		request.File{Filename: "a.dat", Checksum: "a"},
		request.File{Filename: "b.dat", Checksum: "b", Storage: "tape", URL: "tape://b"},
	))
	h.runJobs()

	r := h.get(ids[0])
	require.Equal(t, request.StepRemoteStorageRequested, r.Step())
	require.Equal(t, []string{"G-1", "G-2"}, r.CorrelationIDs)
	ops := h.operations()
	require.Len(t, ops, 2)
	assert.Equal(t, bus.OperationStore, ops[0].Operation.Type)
	assert.Equal(t, bus.OperationReference, ops[1].Operation.Type)

	h.deliver(bus.Event{Type: bus.EventSuccess, CorrelationID: "G-2", Succeeded: ops[1].Operation.Items})
	r = h.get(ids[0])
	require.NotNil(t, r)
	assert.Equal(t, request.StateRunning, r.State)
	assert.Equal(t, []string{"G-1"}, r.CorrelationIDs)

	h.deliver(bus.Event{Type: bus.EventSuccess, CorrelationID: "G-1", Succeeded: ops[0].Operation.Items})
	assert.Nil(t, h.get(ids[0]))

	latest, err := h.o.Catalog.LatestOf(h.ctx, tenant, "P-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.ElementsMatch(t, []string{"disk", "tape"}, latest.Storages())
}

func TestUpdatesBlockedByRunningUpdate(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-7"))

	running := h.submit(update("A-7", request.UpdateTask{Type: request.TaskRemoveStorage, Values: []string{"disk"}}))
	require.Equal(t, request.StateRunning, h.get(running[0]).State)

	blocked := h.submit(update("A-7"), update("A-7"))
	for _, id := range blocked {
		assert.Equal(t, request.StateBlocked, h.get(id).State)
	}

	ops := h.operations()
	require.Len(t, ops, 1)
	h.deliver(bus.Event{Type: bus.EventSuccess, CorrelationID: ops[0].CorrelationID, Succeeded: ops[0].Operation.Items})
	assert.Nil(t, h.get(running[0]))
	assert.Empty(t, h.pkg("A-7").Locations)

	require.NoError(t, h.o.NewLoop("test").Sweep(h.ctx))
	for _, id := range blocked {
		assert.Nil(t, h.get(id))
	}
	assert.Equal(t, []string{"reviewed"}, h.pkg("A-7").Tags)
	assert.Equal(t, 3, h.counter(notifier.Success, request.KindUpdate))
}

func TestConflictExclusivity(t *testing.T) {
	removeDisk := request.UpdateTask{Type: request.TaskRemoveStorage, Values: []string{"disk"}}

	cases := []struct {
		name   string
		first  *request.Request
		second *request.Request
	}{
		{name: "update after deletion", first: deletion("A-7"), second: update("A-7")},
		{name: "deletion after update", first: update("A-7", removeDisk), second: deletion("A-7")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(storedPackage("A-7"))

			first := h.submit(tc.first)
			require.Equal(t, request.StateRunning, h.get(first[0]).State)

			second := h.submit(tc.second)
			assert.Equal(t, request.StateBlocked, h.get(second[0]).State)
		})
	}
}

func TestBatchSharesFirstVerdict(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-7"))
	h.seed(storedPackage("B-1"))
	h.seed(storedPackage("B-2"))
	h.submit(deletion("A-7"))

	ids := h.submit(update("A-7"), update("B-1"), update("B-2"))
	for _, id := range ids {
		assert.Equal(t, request.StateBlocked, h.get(id).State)
	}
	assert.Equal(t, 3, h.counter(notifier.Pending, request.KindUpdate))
}

func TestPartialStoreFailure(t *testing.T) {
	h := newHarness(t)

	var files []request.File
	for i := 1; i <= 5; i++ {
		files = append(files, request.File{Filename: fmt.Sprintf("f%d", i), Checksum: fmt.Sprintf("c%d", i)})
	}
	ids := h.submit(ingest("P-9", 1, files...))
	h.runJobs()

	ops := h.operations()
	require.Len(t, ops, 1)
	require.Equal(t, "G-1", ops[0].CorrelationID)
	items := ops[0].Operation.Items
	require.Len(t, items, 5)
	failed := []bus.Item{items[3], items[4]}
	failed[0].Cause = "checksum mismatch"
	failed[1].Cause = "disk full"

	pending := h.counter(notifier.Pending, request.KindIngest)
	h.deliver(bus.Event{Type: bus.EventError, CorrelationID: "G-1", Succeeded: items[:3], Failed: failed})

	r := h.get(ids[0])
	require.NotNil(t, r)
	assert.Equal(t, request.StateError, r.State)
	assert.Equal(t, request.StepRemoteStorageError, r.Step())
	assert.Equal(t, []string{"f4: checksum mismatch", "f5: disk full"}, r.Errors)
	assert.Empty(t, r.CorrelationIDs)
	assert.Equal(t, pending-1, h.counter(notifier.Pending, request.KindIngest))
	assert.Equal(t, 1, h.counter(notifier.Errors, request.KindIngest))

	p := h.pkg(items[0].Owner)
	assert.Len(t, p.Locations, 3)
	assert.Equal(t, archive.StateError, p.State)
}

func TestDeniedOperationFails(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-1"))

	ids := h.submit(request.New(tenant, owner, session, &request.StoreMetadataPayload{PackageID: "A-1"}))
	h.deliver(bus.Event{Type: bus.EventDenied, CorrelationID: "G-1", Reason: "quota"})

	r := h.get(ids[0])
	assert.Equal(t, request.StateError, r.State)
	assert.Equal(t, request.StepRemoteStorageDenied, r.Step())
	assert.Equal(t, []string{"remote operation G-1 denied: quota"}, r.Errors)
}

func TestJobCrashFailsEveryRequest(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(ingest("P-1", 1), ingest("P-2", 1), ingest("P-3", 1))
	jobID := *h.get(ids[0]).JobID

	h.runJobs(func(w *jobs.Worker) {
		w.Register(jobs.TypeIngestProcessing, jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) error {
			return fmt.Errorf("processing chain exploded")
		}))
	})

	var trace []string
	for _, id := range ids {
		r := h.get(id)
		require.NotNil(t, r)
		assert.Equal(t, request.StateError, r.State)
		assert.Equal(t, request.StepLocalError, r.Step())
		require.Len(t, r.Errors, 1)
		if trace == nil {
			trace = r.Errors
		}
		assert.Equal(t, trace, r.Errors)
	}
	assert.Contains(t, trace[0], "processing chain exploded")
	assert.Equal(t, 3, h.counter(notifier.Errors, request.KindIngest))

	job, err := h.o.Queue.Get(h.ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.True(t, job.Locked)
}

func TestJobPanicIsACrash(t *testing.T) {
	h := newHarness(t)
	ids := h.submit(ingest("P-1", 1))

	h.runJobs(func(w *jobs.Worker) {
		w.Register(jobs.TypeIngestProcessing, jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) error {
			panic("nil chain")
		}))
	})

	r := h.get(ids[0])
	assert.Equal(t, request.StateError, r.State)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "panic: nil chain")
}

type countingRunner struct {
	jobs.Runner
	mu    sync.Mutex
	stops map[uuid.UUID]int
}

func (r *countingRunner) Stop(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	r.stops[id]++
	r.mu.Unlock()
	return r.Runner.Stop(ctx, id)
}

func TestAbortStopsSharedJobOnce(t *testing.T) {
	runner := &countingRunner{stops: map[uuid.UUID]int{}}
	h := newHarness(t, func(cfg *config.Config, backend *Backend) {
		cfg.Scheduler.AbortPageSize = 1
		runner.Runner = backend.Runner
		backend.Runner = runner
	})

	ids := h.submit(ingest("P-1", 1), ingest("P-2", 1), ingest("P-3", 1))
	jobID := *h.get(ids[0]).JobID

	require.NoError(t, h.o.Scheduler.AbortRunning(h.ctx, tenant))

	assert.Equal(t, map[uuid.UUID]int{jobID: 1}, runner.stops)
	for _, id := range ids {
		r := h.get(id)
		assert.Equal(t, request.StateAborted, r.State)
		assert.Empty(t, r.Errors)
	}
	assert.Zero(t, h.counter(notifier.Pending, request.KindIngest))

	relaunched, err := h.o.Scheduler.Relaunch(h.ctx, ids)
	require.NoError(t, err)
	require.Len(t, relaunched, 3)

	newJob := h.get(ids[0]).JobID
	require.NotNil(t, newJob)
	assert.NotEqual(t, jobID, *newJob)
	for _, id := range ids {
		r := h.get(id)
		assert.Equal(t, request.StateRunning, r.State)
		assert.Equal(t, *newJob, *r.JobID)
	}
	assert.Equal(t, 3, h.counter(notifier.Pending, request.KindIngest))

	old, err := h.o.Queue.Get(h.ctx, jobID)
	require.NoError(t, err)
	assert.False(t, old.Locked)
}

func TestAbortRequestWithoutJob(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-1"))

	ids := h.submit(request.New(tenant, owner, session, &request.StoreMetadataPayload{PackageID: "A-1"}))
	require.Equal(t, request.StateRunning, h.get(ids[0]).State)

	require.NoError(t, h.o.Scheduler.AbortRunning(h.ctx, tenant))
	r := h.get(ids[0])
	assert.Equal(t, request.StateAborted, r.State)
	assert.Empty(t, r.CorrelationIDs)

	cancels := h.store.Bus().Outbox(memstore.MessageCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, "G-1", cancels[0].CorrelationID)

	// The outcome of the cancelled operation is ignored.
	h.deliver(bus.Event{Type: bus.EventSuccess, CorrelationID: "G-1"})
	assert.Equal(t, request.StateAborted, h.get(ids[0]).State)
}

func TestRelaunchRejectsCreatedRequest(t *testing.T) {
	h := newHarness(t)

	r := update("A-7")
	r.State = request.StateCreated
	require.NoError(t, h.o.Requests.Save(h.ctx, r))
	before := h.get(r.ID)
	calls := h.counters.Calls()

	relaunched, err := h.o.Scheduler.Relaunch(h.ctx, []int64{r.ID})
	require.NoError(t, err)
	assert.Empty(t, relaunched)
	assert.Equal(t, before, h.get(r.ID))
	assert.Equal(t, calls, h.counters.Calls())
}

func TestRelaunchFailedRequest(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(update("missing"))
	r := h.get(ids[0])
	require.Equal(t, request.StateError, r.State)
	require.Equal(t, 1, h.counter(notifier.Errors, request.KindUpdate))

	h.seed(storedPackage("missing"))
	relaunched, err := h.o.Scheduler.Relaunch(h.ctx, ids)
	require.NoError(t, err)
	require.Len(t, relaunched, 1)

	assert.Nil(t, h.get(ids[0]))
	assert.Zero(t, h.counter(notifier.Errors, request.KindUpdate))
	assert.Equal(t, 1, h.counter(notifier.Success, request.KindUpdate))
	assert.Zero(t, h.counter(notifier.Pending, request.KindUpdate))
}

func TestRedeliveryIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-1"))

	ids := h.submit(request.New(tenant, owner, session, &request.StoreMetadataPayload{PackageID: "A-1"}))
	event := bus.Event{Type: bus.EventSuccess, CorrelationID: "G-1"}

	h.deliver(event)
	assert.Nil(t, h.get(ids[0]))
	calls := h.counters.Calls()

	h.deliver(event)
	assert.Equal(t, calls, h.counters.Calls())
	assert.Equal(t, 1, h.counter(notifier.Success, request.KindStoreMetadata))
}

func TestConcurrentCompletionsFinalizeOnce(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(ingest("P-1", 1,
		request.File{Filename: "a.dat", Checksum: "a"},
		request.File{Filename: "b.dat", Checksum: "b", Storage: "tape"},
	))
	h.runJobs()
	ops := h.operations()
	require.Len(t, ops, 2)

	var g errgroup.Group
	for _, op := range ops {
		for n := 0; n < 2; n++ {
			event := bus.Event{Type: bus.EventSuccess, CorrelationID: op.CorrelationID, Succeeded: op.Operation.Items}
			g.Go(func() error {
				return h.o.Correlator.Handle(h.ctx, event)
			})
		}
	}
	require.NoError(t, g.Wait())

	assert.Nil(t, h.get(ids[0]))
	assert.Equal(t, 1, h.counter(notifier.Success, request.KindIngest))
	assert.Len(t, h.store.Bus().Outbox(memstore.MessageLifecycle), 1)
}

func TestUnexpectedEventIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-1"))

	r := update("A-1")
	r.State = request.StateCreated
	r.AddCorrelations("G-77")
	require.NoError(t, h.o.Requests.Save(h.ctx, r))

	h.deliver(bus.Event{Type: bus.EventSuccess, CorrelationID: "G-77"})

	found := h.get(r.ID)
	assert.Equal(t, request.StateCreated, found.State)
	assert.Empty(t, found.CorrelationIDs)
	require.Len(t, found.Errors, 1)
	assert.Contains(t, found.Errors[0], "unexpected SUCCESS event")
}

func TestManualVersioningWaitsForDecision(t *testing.T) {
	h := newHarness(t)
	old := h.seed(archive.Package{ID: "p1-v1", ProductID: "P-1", Version: 1, Last: true})

	r := ingest("P-1", 1)
	r.Payload.(*request.IngestPayload).VersioningMode = request.VersioningManual
	ids := h.submit(r)
	h.runJobs()
	require.Equal(t, request.StateWaitingDecision, h.get(ids[0]).State)

	_, err := h.o.Scheduler.Decide(h.ctx, ids, request.VersioningManual)
	require.True(t, request.IsValidationError(err))

	decided, err := h.o.Scheduler.Decide(h.ctx, ids, request.VersioningReplace)
	require.NoError(t, err)
	require.Len(t, decided, 1)
	require.Equal(t, request.StateRunning, h.get(ids[0]).State)

	h.runJobs()
	assert.Nil(t, h.get(ids[0]))

	latest, err := h.o.Catalog.LatestOf(h.ctx, tenant, "P-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.NotEqual(t, old.ID, latest.ID)
	assert.Equal(t, 1, latest.Version)
	assert.False(t, h.pkg(old.ID).Last)

	page, err := h.o.Requests.FindPaged(h.ctx, request.Filter{Kinds: []request.Kind{request.KindDeletion}}, request.Page{})
	require.NoError(t, err)
	require.Len(t, page.Requests, 1)
	replaced := page.Requests[0].Payload.(*request.DeletionPayload)
	assert.Equal(t, old.ID, replaced.PackageID)
	assert.Equal(t, request.DeletionIrrevocably, replaced.Mode)
	assert.Equal(t, request.StateToSchedule, page.Requests[0].State)

	require.NoError(t, h.o.NewLoop("test").Sweep(h.ctx))
	_, err = h.o.Catalog.Get(h.ctx, old.ID)
	assert.ErrorIs(t, err, archive.ErrPackageNotFound)
	assert.True(t, h.pkg(latest.ID).Last)
}

func TestIgnoredIngest(t *testing.T) {
	h := newHarness(t)
	h.seed(archive.Package{ID: "p1-v1", ProductID: "P-1", Version: 1, Last: true})

	r := ingest("P-1", 1)
	r.Payload.(*request.IngestPayload).VersioningMode = request.VersioningIgnore
	ids := h.submit(r)
	h.runJobs()

	assert.Equal(t, request.StateIgnored, h.get(ids[0]).State)
	assert.Zero(t, h.counter(notifier.Pending, request.KindIngest))
}

func TestIncrementVersion(t *testing.T) {
	h := newHarness(t)
	old := h.seed(archive.Package{ID: "p1-v1", ProductID: "P-1", Version: 1, Last: true})

	h.submit(ingest("P-1", 1))
	h.runJobs()

	latest, err := h.o.Catalog.LatestOf(h.ctx, tenant, "P-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Version)
	assert.False(t, h.pkg(old.ID).Last)
}

func TestDeletionPromotesPreviousVersion(t *testing.T) {
	h := newHarness(t)
	v1 := h.seed(archive.Package{ID: "p1-v1", ProductID: "P-1", Version: 1})
	v2 := h.seed(archive.Package{ID: "p1-v2", ProductID: "P-1", Version: 2, Last: true})

	ids := h.submit(deletion(v2.ID))
	assert.Nil(t, h.get(ids[0]))

	assert.Equal(t, archive.StateDeleted, h.pkg(v2.ID).State)
	assert.False(t, h.pkg(v2.ID).Last)
	assert.True(t, h.pkg(v1.ID).Last)
}

func TestNotificationStage(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Backend) {
		cfg.Workflow.Notify = true
	})
	h.seed(storedPackage("A-1"))

	ids := h.submit(update("A-1"))
	r := h.get(ids[0])
	require.Equal(t, request.StepRemoteNotificationRequested, r.Step())

	h.deliver(bus.Event{Type: bus.EventDenied, CorrelationID: "G-1"})
	r = h.get(ids[0])
	assert.Equal(t, request.StateError, r.State)
	assert.Equal(t, request.StepRemoteNotificationError, r.Step())
	assert.Equal(t, []string{"reviewed"}, h.pkg("A-1").Tags)

	// Past the conflict point a relaunch only repeats the notification and
	// no longer competes with a deletion of the package.
	h.submit(deletion("A-1"))
	relaunched, err := h.o.Scheduler.Relaunch(h.ctx, ids)
	require.NoError(t, err)
	require.Len(t, relaunched, 1)
	r = h.get(ids[0])
	assert.Equal(t, request.StateRunning, r.State)
	assert.Equal(t, []string{"G-3"}, r.CorrelationIDs)
	assert.Equal(t, []string{"reviewed"}, h.pkg("A-1").Tags)
}

func TestUpdatesCreatorSpawnsChildren(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Backend) {
		cfg.Workflow.CreatorPageSize = 2
	})
	for _, id := range []string{"A-1", "A-2", "A-3"} {
		p := storedPackage(id)
		p.Tags = []string{"raw"}
		h.seed(p)
	}
	h.seed(storedPackage("B-1"))

	ids := h.submit(request.New(tenant, owner, session, &request.UpdatesCreatorPayload{
		Criteria: archive.Criteria{Tags: []string{"raw"}},
		Tasks:    []request.UpdateTask{{Type: request.TaskAddCategory, Values: []string{"curated"}}},
	}))
	h.runJobs()

	assert.Nil(t, h.get(ids[0]))
	assert.Equal(t, 3, h.counter(notifier.Pending, request.KindUpdate))

	require.NoError(t, h.o.NewLoop("test").Sweep(h.ctx))
	for _, id := range []string{"A-1", "A-2", "A-3"} {
		assert.Equal(t, []string{"curated"}, h.pkg(id).Categories, id)
	}
	assert.Empty(t, h.pkg("B-1").Categories)
	assert.Equal(t, 3, h.counter(notifier.Success, request.KindUpdate))
}

func TestDeleteRequestsCancelsOutstandingWork(t *testing.T) {
	h := newHarness(t)

	ids := h.submit(ingest("P-1", 1, request.File{Filename: "a.dat", Checksum: "a"}))
	h.runJobs()
	r := h.get(ids[0])
	packageID := r.TargetPackage()
	require.NotEmpty(t, packageID)

	deleted, err := h.o.Scheduler.DeleteRequests(h.ctx, []int64{ids[0], 999})
	require.NoError(t, err)
	assert.Equal(t, ids, deleted)
	assert.Nil(t, h.get(ids[0]))

	cancels := h.store.Bus().Outbox(memstore.MessageCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, "G-1", cancels[0].CorrelationID)
	_, err = h.o.Catalog.Get(h.ctx, packageID)
	assert.ErrorIs(t, err, archive.ErrPackageNotFound)
	assert.Zero(t, h.counter(notifier.Pending, request.KindIngest))
}

func TestSweepCrashesJobsOutOfAttempts(t *testing.T) {
	h := newHarness(t)
	h.store.JobMaxAttempts = 1
	h.seed(storedPackage("A-1"))

	ids := h.submit(request.New(tenant, owner, session, &request.PostProcessPayload{PackageID: "A-1", ProcessorID: "thumbs"}))
	jobID := *h.get(ids[0]).JobID

	job, err := h.o.Queue.Claim(h.ctx, uuid.New(), h.o.config.Worker.LeaseDuration)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	h.store.Jobs().ExpireLease(jobID)

	require.NoError(t, h.o.NewLoop("test").Sweep(h.ctx))

	r := h.get(ids[0])
	assert.Equal(t, request.StateError, r.State)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "lease expired after final attempt")
}

func TestConsumerFeedsCorrelator(t *testing.T) {
	h := newHarness(t)
	h.seed(storedPackage("A-1"))
	ids := h.submit(request.New(tenant, owner, session, &request.PostProcessPayload{PackageID: "A-1", ProcessorID: "thumbs"}))
	h.runJobs()
	require.Equal(t, request.StepRemotePostProcessRequested, h.get(ids[0]).Step())

	_, err := h.o.Inbox.Deliver(h.ctx, bus.Event{Type: bus.EventSuccess, CorrelationID: "G-1"})
	require.NoError(t, err)

	processed, err := h.o.NewConsumer().Drain(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Nil(t, h.get(ids[0]))
	assert.Zero(t, h.store.Bus().Pending())
}

type flakyInbox struct {
	bus.Inbox
	ackFailures int
}

func (i *flakyInbox) Ack(ctx context.Context, id int64) error {
	if i.ackFailures > 0 {
		i.ackFailures--
		return errors.New("connection reset")
	}
	return i.Inbox.Ack(ctx, id)
}

func TestFailedAckDefersCounters(t *testing.T) {
	inbox := &flakyInbox{ackFailures: 1}
	h := newHarness(t, func(cfg *config.Config, backend *Backend) {
		inbox.Inbox = backend.Inbox
		backend.Inbox = inbox
	})
	h.seed(storedPackage("A-1"))
	ids := h.submit(request.New(tenant, owner, session, &request.PostProcessPayload{PackageID: "A-1", ProcessorID: "thumbs"}))
	h.runJobs()

	_, err := h.o.Inbox.Deliver(h.ctx, bus.Event{Type: bus.EventError, CorrelationID: "G-1", Reason: "boom"})
	require.NoError(t, err)
	pending := h.counter(notifier.Pending, request.KindPostProcess)
	require.Equal(t, 1, pending)

	consumer := h.o.NewConsumer()
	_, err = consumer.Drain(h.ctx)
	require.ErrorContains(t, err, "connection reset")

	r := h.get(ids[0])
	assert.Equal(t, request.StateRunning, r.State)
	assert.Equal(t, []string{"G-1"}, r.CorrelationIDs)
	assert.Equal(t, pending, h.counter(notifier.Pending, request.KindPostProcess))
	assert.Zero(t, h.counter(notifier.Errors, request.KindPostProcess))

	processed, err := consumer.Drain(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	r = h.get(ids[0])
	assert.Equal(t, request.StateError, r.State)
	assert.Equal(t, []string{"boom"}, r.Errors)
	assert.Zero(t, h.counter(notifier.Pending, request.KindPostProcess))
	assert.Equal(t, 1, h.counter(notifier.Errors, request.KindPostProcess))
	assert.Zero(t, h.store.Bus().Pending())
}

type scopeRecorder struct {
	conflict.Locker
	mu   sync.Mutex
	keys []string
}

func (l *scopeRecorder) LockScope(ctx context.Context, key string, shared bool) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.Locker.LockScope(ctx, key, shared)
}

func TestSchedulingLocksConflictScopes(t *testing.T) {
	locker := &scopeRecorder{}
	h := newHarness(t, func(cfg *config.Config, backend *Backend) {
		locker.Locker = backend.Locker
		backend.Locker = locker
	})
	h.seed(storedPackage("A-7"))

	h.submit(update("A-7"))

	require.GreaterOrEqual(t, len(locker.keys), 2)
	assert.Equal(t, []string{
		"conflict/tenant/" + tenant,
		"conflict/package/" + tenant + "/A-7",
	}, locker.keys[:2])
}

// waitingRequest saves a request the way creator jobs leave their children:
// TO_SCHEDULE, for the sweep to pick up.
func (h *harness) waitingRequest() int64 {
	h.t.Helper()
	h.seed(storedPackage("A-1"))
	r := request.New(tenant, owner, session, &request.StoreMetadataPayload{PackageID: "A-1"})
	require.NoError(h.t, h.o.Requests.Save(h.ctx, r))
	return r.ID
}

func TestSweepRequiresTheLease(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.store.Now = func() time.Time { return now }
	id := h.waitingRequest()

	acquired, err := h.o.Mutex.TryAcquire(h.ctx, scheduler.SweepLock, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	loop := h.o.NewLoop("mine")
	swept, err := loop.TrySweep(h.ctx)
	require.NoError(t, err)
	assert.False(t, swept)
	assert.Equal(t, request.StateToSchedule, h.get(id).State)

	now = now.Add(30 * time.Second)
	swept, err = loop.TrySweep(h.ctx)
	require.NoError(t, err)
	assert.False(t, swept, "lease still valid")

	now = now.Add(time.Minute)
	swept, err = loop.TrySweep(h.ctx)
	require.NoError(t, err)
	assert.True(t, swept)
	assert.Equal(t, request.StateRunning, h.get(id).State)

	acquired, err = h.o.Mutex.TryAcquire(h.ctx, scheduler.SweepLock, "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestRunSkipsSweepWithoutTheLease(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, backend *Backend) {
		cfg.Scheduler.SweepInterval = 5 * time.Millisecond
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.store.Now = func() time.Time { return now }
	id := h.waitingRequest()

	acquired, err := h.o.Mutex.TryAcquire(h.ctx, scheduler.SweepLock, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	run := func(ctx context.Context) chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			h.o.NewLoop("mine").Run(ctx)
		}()
		return done
	}

	ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	<-run(ctx)
	cancel()
	assert.Equal(t, request.StateToSchedule, h.get(id).State)

	now = now.Add(2 * time.Minute)
	ctx, cancel = context.WithCancel(h.ctx)
	done := run(ctx)
	require.Eventually(t, func() bool {
		return h.get(id).State == request.StateRunning
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// The lease is released on exit.
	acquired, err = h.o.Mutex.TryAcquire(h.ctx, scheduler.SweepLock, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

type unavailableRunner struct {
	jobs.Runner
	failures int
}

func (r *unavailableRunner) Submit(ctx context.Context, jobType jobs.Type, params jobs.Params) (uuid.UUID, error) {
	if r.failures > 0 {
		r.failures--
		return uuid.Nil, errors.New("runner unavailable")
	}
	return r.Runner.Submit(ctx, jobType, params)
}

func TestRolledBackSubmissionCanBeRetried(t *testing.T) {
	runner := &unavailableRunner{failures: 1}
	h := newHarness(t, func(cfg *config.Config, backend *Backend) {
		runner.Runner = backend.Runner
		backend.Runner = runner
	})
	h.seed(storedPackage("A-1"))
	r := request.New(tenant, owner, session, &request.PostProcessPayload{PackageID: "A-1", ProcessorID: "thumbs"})

	err := h.o.Scheduler.Submit(h.ctx, []*request.Request{r})
	require.ErrorContains(t, err, "runner unavailable")
	assert.Zero(t, r.ID)
	assert.Nil(t, r.JobID)
	assert.Equal(t, request.StateToSchedule, r.State)
	assert.Equal(t, request.StepLocalScheduled, r.Step())
	assert.Zero(t, h.counter(notifier.Pending, request.KindPostProcess))

	page, err := h.o.Requests.FindPaged(h.ctx, request.Filter{}, request.Page{})
	require.NoError(t, err)
	assert.Empty(t, page.Requests)

	ids := h.submit(r)
	saved := h.get(ids[0])
	assert.Equal(t, request.StateRunning, saved.State)
	assert.NotNil(t, saved.JobID)
	assert.Equal(t, 1, h.counter(notifier.Pending, request.KindPostProcess))
}
