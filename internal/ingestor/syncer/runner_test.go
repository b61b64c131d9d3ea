package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/progress"
)

type fakeRoutine struct {
	name    string
	lockId  int64
	outcome database.SyncRunOutcome
	// When non-nil, Sync blocks until it is closed.
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (r *fakeRoutine) Name() string  { return r.name }
func (r *fakeRoutine) LockId() int64 { return r.lockId }

func (r *fakeRoutine) Sync(ctx context.Context) database.SyncRunOutcome {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	if r.panics {
		panic("feed returned garbage")
	}
	return r.outcome
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []RunResult
}

func (p *recordingPublisher) Publish(eventType progress.EventType, payload interface{}) {
	if eventType != progress.EventSyncFinished {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, payload.(RunResult))
}

type runnerHarness struct {
	runner    *Runner
	runs      *database.MemSyncRunRepository
	lock      *lock.LocalLock
	clock     *clock.FakeClock
	publisher *recordingPublisher
}

func newRunnerHarness(routines ...Routine) *runnerHarness {
	h := &runnerHarness{
		runs:      database.NewMemSyncRunRepository(),
		lock:      lock.NewLocalLock(),
		clock:     clock.NewFakeClock(time.Now()),
		publisher: &recordingPublisher{},
	}
	h.runner = NewRunner(RunnerConfig{SkipIfSucceededWithin: time.Hour}, h.runs, h.lock, h.publisher, h.clock, nil)
	for _, r := range routines {
		h.runner.Register(r)
	}
	return h
}

func TestRunner_Success(t *testing.T) {
	routine := &fakeRoutine{name: "invoices", lockId: 1, outcome: database.SyncRunOutcome{
		ItemsSynced: 150, ItemsCreated: 10, ItemsUpdated: 140, Details: map[string]interface{}{"fetched": 160},
	}}
	h := newRunnerHarness(routine)

	result, err := h.runner.Run(context.Background(), "invoices", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 10, result.ItemsCreated)
	assert.Equal(t, 140, result.ItemsUpdated)

	runs, err := h.runs.List(context.Background(), "invoices", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunId, runs[0].Id)
	assert.Equal(t, database.SyncRunSuccess, runs[0].Status)
	assert.Equal(t, 150, runs[0].ItemsSynced)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(runs[0].Details, &details))
	assert.Equal(t, "manual", details["trigger"])
	assert.Equal(t, float64(160), details["fetched"])

	status := h.runner.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].TotalRuns)
	assert.Equal(t, 1, status[0].SuccessfulRuns)
	assert.False(t, status[0].Running)
	assert.Equal(t, []RunResult{result}, h.publisher.results)

	// The lock was released.
	acquired, err := h.lock.TryAcquire(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRunner_FailedRunIsLoggedAsError(t *testing.T) {
	h := newRunnerHarness(&fakeRoutine{name: "invoices", lockId: 1, outcome: database.SyncRunOutcome{Err: errors.New("credentials missing")}})

	result, err := h.runner.Run(context.Background(), "invoices", TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "credentials missing", result.Error)

	runs, err := h.runs.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, database.SyncRunError, runs[0].Status)
	assert.Equal(t, "credentials missing", runs[0].ErrorMessage)

	status := h.runner.Status()[0]
	assert.Equal(t, 1, status.FailedRuns)
	assert.Equal(t, "credentials missing", status.LastError)
}

func TestRunner_PanicIsLoggedAsError(t *testing.T) {
	h := newRunnerHarness(&fakeRoutine{name: "invoices", lockId: 1, panics: true})
	result, err := h.runner.Run(context.Background(), "invoices", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Contains(t, result.Error, "feed returned garbage")
}

func TestRunner_AlreadyRunning(t *testing.T) {
	routine := &fakeRoutine{name: "invoices", lockId: 1, block: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newRunnerHarness(routine)

	done := make(chan RunResult)
	go func() {
		result, err := h.runner.Run(context.Background(), "invoices", TriggerScheduled)
		assert.NoError(t, err)
		done <- result
	}()
	<-routine.started
	assert.True(t, h.runner.Status()[0].Running)

	result, err := h.runner.Run(context.Background(), "invoices", TriggerManual)
	var alreadyRunning *ingesterrors.ErrAlreadyRunning
	assert.ErrorAs(t, err, &alreadyRunning)
	assert.Equal(t, OutcomeAlreadyRunning, result.Outcome)

	close(routine.block)
	assert.Equal(t, OutcomeSuccess, (<-done).Outcome)
	assert.Equal(t, 1, h.runner.Status()[0].TotalRuns, "refused requests are not runs")
}

func TestRunner_LockHeldElsewhere(t *testing.T) {
	h := newRunnerHarness(&fakeRoutine{name: "market_prices", lockId: lock.MarketSyncLockId})
	acquired, err := h.lock.TryAcquire(context.Background(), lock.MarketSyncLockId)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := h.runner.Run(context.Background(), "market_prices", TriggerManual)
	var notAcquired *ingesterrors.ErrLockNotAcquired
	assert.ErrorAs(t, err, &notAcquired)
	assert.Equal(t, OutcomeLockNotAcquired, result.Outcome)

	runs, err := h.runs.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "no sync run is logged without the lock")
}

func TestRunner_StartupRunSkippedAfterRecentSuccess(t *testing.T) {
	h := newRunnerHarness(&fakeRoutine{name: "invoices", lockId: 1})

	// No previous success: the startup run goes ahead.
	result, err := h.runner.Run(context.Background(), "invoices", TriggerStartup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	result, err = h.runner.Run(context.Background(), "invoices", TriggerStartup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedRecent, result.Outcome)

	// Only startup runs look at the log.
	result, err = h.runner.Run(context.Background(), "invoices", TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	h.clock.Step(2 * time.Hour)
	result, err = h.runner.Run(context.Background(), "invoices", TriggerStartup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestRunner_UnknownSyncType(t *testing.T) {
	h := newRunnerHarness()
	_, err := h.runner.Run(context.Background(), "payroll", TriggerManual)
	var notFound *ingesterrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRunner_ScheduledTask(t *testing.T) {
	h := newRunnerHarness(&fakeRoutine{name: "invoices", lockId: 1})
	task := h.runner.ScheduledTask("invoices")
	task(context.Background())
	task(context.Background())

	require.Len(t, h.publisher.results, 2)
	assert.Equal(t, TriggerStartup, h.publisher.results[0].Trigger)
	assert.Equal(t, TriggerScheduled, h.publisher.results[1].Trigger)
}
