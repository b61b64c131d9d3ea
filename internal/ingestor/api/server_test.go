package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/dispatcher"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/intake"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/syncer"
)

type fakeDispatcher struct {
	status dispatcher.Status
	result dispatcher.CycleResult
	err    error
}

func (d *fakeDispatcher) Status() dispatcher.Status { return d.status }

func (d *fakeDispatcher) TriggerCycle(context.Context) (dispatcher.CycleResult, error) {
	return d.result, d.err
}

type staticRoutine struct {
	outcome database.SyncRunOutcome
}

func (staticRoutine) Name() string  { return "invoices" }
func (staticRoutine) LockId() int64 { return lock.InvoiceSyncLockId }
func (r staticRoutine) Sync(context.Context) database.SyncRunOutcome {
	return r.outcome
}

type testServer struct {
	server     *httptest.Server
	repo       *database.MemWorkItemRepository
	runs       *database.MemSyncRunRepository
	dispatcher *fakeDispatcher
	lock       *lock.LocalLock
}

func newTestServer(t *testing.T) *testServer {
	repo, err := database.NewMemWorkItemRepository(nil)
	require.NoError(t, err)
	runs := database.NewMemSyncRunRepository()
	namedLock := lock.NewLocalLock()
	runner := syncer.NewRunner(syncer.RunnerConfig{}, runs, namedLock, nil, clock.NewFakeClock(time.Now()), nil)
	runner.Register(staticRoutine{outcome: database.SyncRunOutcome{ItemsSynced: 3, ItemsCreated: 3}})

	d := &fakeDispatcher{status: dispatcher.Status{State: dispatcher.StateIdle}}
	intakeService := intake.NewService(intake.Config{ExtractDir: t.TempDir()}, repo, intake.NewMemKeyStore(time.Hour))
	s := NewServer(repo, runs, intakeService, d, runner, nil)
	server := httptest.NewServer(s.Router())
	t.Cleanup(server.Close)
	return &testServer{server: server, repo: repo, runs: runs, dispatcher: d, lock: namedLock}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestEnqueueAndGetItem(t *testing.T) {
	ts := newTestServer(t)
	req := intake.Request{Origin: "tender-1", Kind: database.KindRemote, Location: "https://example.com/a.pdf", Queued: true}

	var item database.WorkItem
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/items", req, &item))
	assert.Equal(t, database.StatusQueued, item.Status)

	var body map[string]string
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/items", req, &body))
	assert.Contains(t, body["error"], "already exists")

	var fetched database.WorkItem
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/items/1", nil, &fetched))
	assert.Equal(t, item.Id, fetched.Id)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/items/99", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/items/abc", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/items", map[string]string{"unknown": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/items",
		intake.Request{Kind: "fax", Location: "x"}, nil))
}

func TestRequeue(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	failed, err := ts.repo.Enqueue(ctx, database.NewWorkItem{Origin: "tender-1", Kind: database.KindRemote, Location: "https://a", Queued: true})
	require.NoError(t, err)
	completed, err := ts.repo.Enqueue(ctx, database.NewWorkItem{Origin: "tender-1", Kind: database.KindRemote, Location: "https://b", Queued: true})
	require.NoError(t, err)
	_, err = ts.repo.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, ts.repo.Fail(ctx, failed.Id, "timeout"))
	require.NoError(t, ts.repo.Complete(ctx, completed.Id, json.RawMessage(`{"pages": 2}`)))

	var response requeueResponse
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/items/requeue-failed", requeueFailedRequest{Origin: "tender-1"}, &response))
	assert.Equal(t, []int64{failed.Id}, response.Requeued)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/items/requeue", requeueRequest{Ids: []int64{completed.Id, 404}}, &response))
	assert.Equal(t, []int64{completed.Id}, response.Requeued)

	var item database.WorkItem
	ts.do(t, http.MethodGet, "/api/v1/items/2", nil, &item)
	assert.Equal(t, int32(2), item.Version)
	require.Len(t, item.History, 1)
	assert.JSONEq(t, `{"pages": 2}`, string(item.History[0].Result))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/items/requeue", requeueRequest{}, nil))
}

func TestQueueItem(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	pending, err := ts.repo.Enqueue(ctx, database.NewWorkItem{Origin: "tender-1", Kind: database.KindRemote, Location: "https://a"})
	require.NoError(t, err)
	require.Equal(t, database.StatusPending, pending.Status)

	claimed, err := ts.repo.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	var item database.WorkItem
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/items/1/queue", nil, &item))
	assert.Equal(t, pending.Id, item.Id)
	assert.Equal(t, database.StatusQueued, item.Status)

	claimed, err = ts.repo.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, pending.Id, claimed[0].Id)
	assert.Equal(t, database.StatusProcessing, claimed[0].Status)

	var body map[string]string
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/items/1/queue", nil, &body))
	assert.Contains(t, body["error"], "processing")
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/items/99/queue", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/items/abc/queue", nil, nil))
}

func TestTriggerCycle(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.result = dispatcher.CycleResult{Trigger: "manual", Claimed: 2, Completed: 2}

	var result dispatcher.CycleResult
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/dispatcher/cycle", nil, &result))
	assert.Equal(t, 2, result.Completed)

	ts.dispatcher.err = errors.WithStack(&ingesterrors.ErrAlreadyRunning{Routine: "dispatcher"})
	var body map[string]string
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/dispatcher/cycle", nil, &body))
	assert.Equal(t, "already_running", body["outcome"])
}

func TestStatusIsCached(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.status = dispatcher.Status{State: dispatcher.StateRunning}
	_, err := ts.repo.Enqueue(context.Background(), database.NewWorkItem{Kind: database.KindRemote, Location: "https://a", Queued: true})
	require.NoError(t, err)

	var status statusResponse
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/status", nil, &status))
	assert.True(t, status.Running)
	assert.Equal(t, int64(1), status.Counts.ByStatus[database.StatusQueued])
	assert.Equal(t, int64(1), status.Counts.ByKind[database.KindRemote][database.StatusQueued])

	_, err = ts.repo.Enqueue(context.Background(), database.NewWorkItem{Kind: database.KindRemote, Location: "https://b", Queued: true})
	require.NoError(t, err)
	ts.do(t, http.MethodGet, "/api/v1/status", nil, &status)
	assert.Equal(t, int64(1), status.Counts.ByStatus[database.StatusQueued], "served from cache")

	require.Eventually(t, func() bool {
		ts.do(t, http.MethodGet, "/api/v1/status", nil, &status)
		return status.Counts.ByStatus[database.StatusQueued] == 2
	}, 5*time.Second, 100*time.Millisecond)
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var result syncer.RunResult
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/sync/invoices", nil, &result))
	assert.Equal(t, syncer.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, result.ItemsCreated)

	acquired, err := ts.lock.TryAcquire(context.Background(), lock.InvoiceSyncLockId)
	require.NoError(t, err)
	require.True(t, acquired)
	var body map[string]string
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/sync/invoices", nil, &body))
	assert.Equal(t, "lock_not_acquired", body["outcome"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/sync/payroll", nil, nil))

	var runs struct {
		Runs []database.SyncRun `json:"runs"`
	}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/sync/runs?type=invoices&limit=5", nil, &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, database.SyncRunSuccess, runs.Runs[0].Status)
	assert.True(t, strings.Contains(string(runs.Runs[0].Details), `"trigger":"manual"`))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/sync/runs?limit=-1", nil, nil))

	var status struct {
		Routines []syncer.RoutineStatus `json:"routines"`
	}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/sync/status", nil, &status))
	require.Len(t, status.Routines, 1)
	assert.Equal(t, 1, status.Routines[0].SuccessfulRuns)
}
