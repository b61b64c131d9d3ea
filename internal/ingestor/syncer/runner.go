// Package syncer runs the synchronization routines that pull external feeds into reconciled tables.
// Each run is logged as a SyncRun and excluded across processes by a named lock.
package syncer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/progress"
)

// Routine is one synchronization job.
type Routine interface {
	// Name is the sync type recorded in the SyncRun log.
	Name() string
	LockId() int64
	// Sync does the work. Failures are reported through SyncRunOutcome.Err.
	Sync(ctx context.Context) database.SyncRunOutcome
}

type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeError           Outcome = "error"
	OutcomeSkippedRecent   Outcome = "skipped_recent"
	OutcomeAlreadyRunning  Outcome = "already_running"
	OutcomeLockNotAcquired Outcome = "lock_not_acquired"
)

// RunResult describes one request to run a routine, including requests that did not lead to a run.
type RunResult struct {
	SyncType     string  `json:"sync_type"`
	Trigger      Trigger `json:"trigger"`
	Outcome      Outcome `json:"outcome"`
	RunId        int64   `json:"run_id,omitempty"`
	ItemsSynced  int     `json:"items_synced"`
	ItemsCreated int     `json:"items_created"`
	ItemsUpdated int     `json:"items_updated"`
	ItemsFailed  int     `json:"items_failed"`
	Error        string  `json:"error,omitempty"`
}

// RoutineStatus holds the counters of a routine since the process started.
type RoutineStatus struct {
	SyncType       string     `json:"sync_type"`
	Running        bool       `json:"running"`
	TotalRuns      int        `json:"total_runs"`
	SuccessfulRuns int        `json:"successful_runs"`
	FailedRuns     int        `json:"failed_runs"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastResult     *RunResult `json:"last_result,omitempty"`
}

type RunnerConfig struct {
	// A startup run is skipped if the routine last succeeded less than this long ago. Zero never skips.
	SkipIfSucceededWithin time.Duration
}

type registeredRoutine struct {
	routine Routine
	// 1 while a run is in progress in this process.
	running int32

	mu     sync.Mutex
	status RoutineStatus
}

// Runner runs registered routines on request, making sure each one runs at most once at a time.
type Runner struct {
	config    RunnerConfig
	runs      database.SyncRunRepository
	lock      lock.NamedLock
	publisher progress.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	routines map[string]*registeredRoutine
}

func NewRunner(
	config RunnerConfig,
	runs database.SyncRunRepository,
	namedLock lock.NamedLock,
	publisher progress.Publisher,
	clock clock.Clock,
	m *metrics.Metrics,
) *Runner {
	if publisher == nil {
		publisher = progress.NoopPublisher{}
	}
	return &Runner{
		config:    config,
		runs:      runs,
		lock:      namedLock,
		publisher: publisher,
		clock:     clock,
		metrics:   m,
		routines:  make(map[string]*registeredRoutine),
	}
}

func (r *Runner) Register(routine Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[routine.Name()] = &registeredRoutine{
		routine: routine,
		status:  RoutineStatus{SyncType: routine.Name()},
	}
}

// SyncTypes returns the names of the registered routines, sorted.
func (r *Runner) SyncTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routines))
	for name := range r.routines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the counters of every registered routine, sorted by sync type.
func (r *Runner) Status() []RoutineStatus {
	var statuses []RoutineStatus
	for _, name := range r.SyncTypes() {
		rr, _ := r.lookup(name)
		rr.mu.Lock()
		s := rr.status
		rr.mu.Unlock()
		s.Running = atomic.LoadInt32(&rr.running) == 1
		statuses = append(statuses, s)
	}
	return statuses
}

// Run runs the routine registered as syncType.
// It returns *ingesterrors.ErrAlreadyRunning if the routine is running in this process and
// *ingesterrors.ErrLockNotAcquired if it is running elsewhere; RunResult.Outcome is set in both cases.
// A run that fails is not an error of Run: it is reported with OutcomeError.
func (r *Runner) Run(ctx context.Context, syncType string, trigger Trigger) (RunResult, error) {
	rr, ok := r.lookup(syncType)
	if !ok {
		return RunResult{}, errors.WithStack(&ingesterrors.ErrNotFound{Type: "sync routine", Value: syncType})
	}
	result := RunResult{SyncType: syncType, Trigger: trigger}
	if !atomic.CompareAndSwapInt32(&rr.running, 0, 1) {
		result.Outcome = OutcomeAlreadyRunning
		r.metrics.RecordSyncRun(syncType, string(result.Outcome))
		return result, errors.WithStack(&ingesterrors.ErrAlreadyRunning{Routine: syncType})
	}
	defer atomic.StoreInt32(&rr.running, 0)

	ctx = logging.ContextWithFields(ctx, log.Fields{"syncType": syncType, "trigger": trigger, "correlationId": uuid.NewString()})
	logger := logging.FromContext(ctx)

	if trigger == TriggerStartup {
		skip, err := r.succeededRecently(ctx, syncType)
		if err != nil {
			logger.WithError(err).Warn("could not look up the last successful run, running anyway")
		} else if skip {
			result.Outcome = OutcomeSkippedRecent
			r.metrics.RecordSyncRun(syncType, string(result.Outcome))
			return result, nil
		}
	}

	err := lock.WithLock(ctx, r.lock, rr.routine.LockId(), syncType, func(ctx context.Context) error {
		return r.execute(ctx, rr.routine, &result)
	})
	var notAcquired *ingesterrors.ErrLockNotAcquired
	if errors.As(err, &notAcquired) {
		logger.Info("sync routine is running in another process, skipping")
		result.Outcome = OutcomeLockNotAcquired
		r.metrics.RecordSyncRun(syncType, string(result.Outcome))
		return result, err
	}
	if err != nil {
		result.Outcome = OutcomeError
		result.Error = err.Error()
	}

	r.record(rr, result)
	r.metrics.RecordSyncRun(syncType, string(result.Outcome))
	r.publisher.Publish(progress.EventSyncFinished, result)
	return result, nil
}

// ScheduledTask returns a function suitable for task.BackgroundTaskManager: its first call is a startup run,
// later calls are scheduled runs.
func (r *Runner) ScheduledTask(syncType string) func(ctx context.Context) {
	var calls int32
	return func(ctx context.Context) {
		trigger := TriggerScheduled
		if atomic.AddInt32(&calls, 1) == 1 {
			trigger = TriggerStartup
		}
		result, err := r.Run(ctx, syncType, trigger)
		if err != nil {
			log.WithError(err).Infof("%s sync (%s) did not run", syncType, trigger)
			return
		}
		log.Infof("%s sync (%s) finished: %s", syncType, trigger, result.Outcome)
	}
}

// execute runs routine and records it in the SyncRun log.
func (r *Runner) execute(ctx context.Context, routine Routine, result *RunResult) error {
	logger := logging.FromContext(ctx)
	run, err := r.runs.Start(ctx, routine.Name())
	if err != nil {
		return errors.WithMessage(err, "starting sync run")
	}
	result.RunId = run.Id
	logger = logger.WithField("syncRun", run.Id)
	logger.Info("sync run started")
	start := r.clock.Now()

	outcome := r.syncSafely(ctx, routine)
	if outcome.Details == nil {
		outcome.Details = map[string]interface{}{}
	}
	outcome.Details["trigger"] = string(result.Trigger)
	outcome.Details["duration_seconds"] = r.clock.Since(start).Seconds()

	// The run is finalised even if ctx was cancelled during Sync.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.runs.Finish(finishCtx, run.Id, outcome); err != nil {
		logging.WithStacktrace(logger, err).Errorf("could not finalise sync run %d", run.Id)
	}

	result.ItemsSynced = outcome.ItemsSynced
	result.ItemsCreated = outcome.ItemsCreated
	result.ItemsUpdated = outcome.ItemsUpdated
	result.ItemsFailed = outcome.ItemsFailed
	if outcome.Err != nil {
		logging.WithStacktrace(logger, outcome.Err).Error("sync run failed")
		result.Outcome = OutcomeError
		result.Error = outcome.Err.Error()
		return nil
	}
	logger.Infof("sync run finished in %s: %d synced, %d created, %d updated, %d failed",
		r.clock.Since(start), outcome.ItemsSynced, outcome.ItemsCreated, outcome.ItemsUpdated, outcome.ItemsFailed)
	result.Outcome = OutcomeSuccess
	return nil
}

func (r *Runner) syncSafely(ctx context.Context, routine Routine) (outcome database.SyncRunOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = database.SyncRunOutcome{Err: errors.Errorf("sync routine panicked: %v", p)}
		}
	}()
	return routine.Sync(ctx)
}

func (r *Runner) succeededRecently(ctx context.Context, syncType string) (bool, error) {
	if r.config.SkipIfSucceededWithin <= 0 {
		return false, nil
	}
	last, err := r.runs.LastSuccessful(ctx, syncType)
	if err != nil || last == nil || last.FinishedAt == nil {
		return false, err
	}
	age := r.clock.Since(*last.FinishedAt)
	if age < r.config.SkipIfSucceededWithin {
		logging.FromContext(ctx).Infof("last successful run finished %s ago, skipping startup run", age.Round(time.Second))
		return true, nil
	}
	return false, nil
}

func (r *Runner) record(rr *registeredRoutine, result RunResult) {
	now := r.clock.Now()
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.status.TotalRuns++
	if result.Outcome == OutcomeSuccess {
		rr.status.SuccessfulRuns++
	} else {
		rr.status.FailedRuns++
		rr.status.LastError = result.Error
	}
	rr.status.LastRunAt = &now
	rr.status.LastResult = &result
}

func (r *Runner) lookup(syncType string) (*registeredRoutine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rr, ok := r.routines[syncType]
	return rr, ok
}
