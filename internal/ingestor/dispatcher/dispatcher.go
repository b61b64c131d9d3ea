// Package dispatcher claims queued work items and processes them with bounded concurrency.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/lock"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/processor"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/progress"
)

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	// Downloads of remote payloads are written here and removed once processed.
	ScratchDir string
	LockId     int64
	// Items left in processing for longer than this are returned to the queue. Zero disables the sweep.
	StaleProcessingTimeout time.Duration
}

var DefaultConfig = Config{
	PollInterval:  10 * time.Second,
	BatchSize:     10,
	MaxConcurrent: 3,
	ScratchDir:    os.TempDir(),
	LockId:        lock.DispatcherLockId,
}

type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is a point-in-time view of the dispatcher, safe to read from any goroutine.
type Status struct {
	State             State        `json:"state"`
	CyclesCompleted   int64        `json:"cycles_completed"`
	LastCycleStarted  *time.Time   `json:"last_cycle_started,omitempty"`
	LastCycleFinished *time.Time   `json:"last_cycle_finished,omitempty"`
	LastCycle         *CycleResult `json:"last_cycle,omitempty"`
}

// CycleResult summarises one processing cycle.
type CycleResult struct {
	Trigger         string `json:"trigger"`
	LockNotAcquired bool   `json:"lock_not_acquired,omitempty"`
	Claimed         int    `json:"claimed"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Error           string `json:"error,omitempty"`
}

// Downloader fetches a remote payload to a local file.
type Downloader interface {
	Download(ctx context.Context, url string, destination string) error
}

type trigger struct {
	result chan CycleResult
}

type Dispatcher struct {
	config     Config
	repo       database.WorkItemRepository
	lock       lock.NamedLock
	downloader Downloader
	processor  processor.Processor
	publisher  progress.Publisher
	clock      clock.WithTicker
	metrics    *metrics.Metrics

	wake     chan struct{}
	triggers chan trigger
	// Holds a Status. Only written by the control loop.
	status atomic.Value
}

func New(
	config Config,
	repo database.WorkItemRepository,
	namedLock lock.NamedLock,
	downloader Downloader,
	proc processor.Processor,
	publisher progress.Publisher,
	clock clock.WithTicker,
	m *metrics.Metrics,
) *Dispatcher {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.MaxConcurrent
	}
	if publisher == nil {
		publisher = progress.NoopPublisher{}
	}
	d := &Dispatcher{
		config:     config,
		repo:       repo,
		lock:       namedLock,
		downloader: downloader,
		processor:  proc,
		publisher:  publisher,
		clock:      clock,
		metrics:    m,
		wake:       make(chan struct{}, 1),
		triggers:   make(chan trigger),
	}
	d.status.Store(Status{State: StateStopped})
	return d
}

// Wake asks for a cycle as soon as the dispatcher is idle. Wakes arriving during a cycle collapse into one.
// Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Status returns the state published by the control loop.
func (d *Dispatcher) Status() Status {
	return d.status.Load().(Status)
}

// TriggerCycle runs a cycle as soon as the control loop accepts it and returns its result. If a cycle is
// in progress it fails fast with *ingesterrors.ErrAlreadyRunning.
func (d *Dispatcher) TriggerCycle(ctx context.Context) (CycleResult, error) {
	switch d.Status().State {
	case StateStopped:
		return CycleResult{}, errors.New("dispatcher is not running")
	case StateRunning:
		return CycleResult{}, errors.WithStack(&ingesterrors.ErrAlreadyRunning{Routine: "dispatcher"})
	}
	t := trigger{result: make(chan CycleResult, 1)}
	select {
	case d.triggers <- t:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	select {
	case result := <-t.result:
		return result, nil
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

// Run owns the control loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Infof("dispatcher starting: poll every %s, batches of %d, %d concurrent", d.config.PollInterval, d.config.BatchSize, d.config.MaxConcurrent)
	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	d.setIdle(nil)
	defer d.status.Store(Status{State: StateStopped})

	// Items queued while no dispatcher was running have no pending notification.
	d.Wake()
	for {
		select {
		case <-ctx.Done():
			log.Info("dispatcher stopped")
			return nil
		case <-ticker.C():
			d.cycle(ctx, "poll")
		case <-d.wake:
			d.cycle(ctx, "wake")
		case t := <-d.triggers:
			t.result <- d.cycle(ctx, "manual")
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context, triggeredBy string) CycleResult {
	start := d.clock.Now()
	d.setRunning(start)
	result := d.runCycle(ctx, triggeredBy)
	d.setIdle(&result)

	// A full batch suggests a backlog; keep draining without waiting for the next tick.
	if result.Claimed == d.config.BatchSize && result.Error == "" {
		d.Wake()
	}
	if result.Claimed > 0 {
		log.Infof("dispatcher cycle (%s) processed %d items in %s: %d completed, %d failed",
			triggeredBy, result.Claimed, d.clock.Since(start), result.Completed, result.Failed)
	}
	return result
}

func (d *Dispatcher) runCycle(ctx context.Context, triggeredBy string) CycleResult {
	result := CycleResult{Trigger: triggeredBy}

	acquired, err := d.lock.TryAcquire(ctx, d.config.LockId)
	if err != nil {
		logging.WithStacktrace(log.WithField("trigger", triggeredBy), err).Error("dispatcher could not check its lock")
		d.metrics.RecordCycle(metrics.CycleOutcomeError)
		result.Error = err.Error()
		return result
	}
	if !acquired {
		log.Debugf("dispatcher lock %d held elsewhere, skipping cycle", d.config.LockId)
		d.metrics.RecordCycle(metrics.CycleOutcomeLockNotAcquired)
		result.LockNotAcquired = true
		return result
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.lock.Release(releaseCtx, d.config.LockId); err != nil {
			log.WithError(err).Error("dispatcher could not release its lock")
		}
	}()

	d.sweepStale(ctx)

	items, err := d.repo.ClaimBatch(ctx, d.config.BatchSize)
	if err != nil {
		logging.WithStacktrace(log.WithField("trigger", triggeredBy), err).Error("claiming work items failed, retrying on next tick")
		d.metrics.RecordDBError(metrics.DBOperationClaim)
		d.metrics.RecordCycle(metrics.CycleOutcomeError)
		result.Error = err.Error()
		return result
	}
	result.Claimed = len(items)
	if len(items) == 0 {
		d.metrics.RecordCycle(metrics.CycleOutcomeEmpty)
		return result
	}

	var completed, failed int32
	g := errgroup.Group{}
	g.SetLimit(d.config.MaxConcurrent)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if d.processItem(ctx, item) {
				atomic.AddInt32(&completed, 1)
			} else {
				atomic.AddInt32(&failed, 1)
			}
			// Failures are per item; siblings keep going.
			return nil
		})
	}
	_ = g.Wait()
	result.Completed = int(completed)
	result.Failed = int(failed)
	d.metrics.RecordCycle(metrics.CycleOutcomeProcessed)
	return result
}

func (d *Dispatcher) sweepStale(ctx context.Context) {
	if d.config.StaleProcessingTimeout <= 0 {
		return
	}
	ids, err := d.repo.RequeueStale(ctx, d.clock.Now().Add(-d.config.StaleProcessingTimeout))
	if err != nil {
		log.WithError(err).Warn("requeueing stale work items failed")
		return
	}
	if len(ids) > 0 {
		log.Warnf("returned %d work items stuck in processing for over %s to the queue: %v",
			len(ids), d.config.StaleProcessingTimeout, ids)
	}
}

// ItemEvent is the payload of the document progress events.
type ItemEvent struct {
	Id      int64                `json:"id"`
	Origin  string               `json:"origin"`
	Kind    database.PayloadKind `json:"kind"`
	Version int32                `json:"version"`
	Error   string               `json:"error,omitempty"`
}

// processItem takes one claimed item to a terminal state. Returns true if it completed.
func (d *Dispatcher) processItem(ctx context.Context, item *database.WorkItem) (completed bool) {
	start := d.clock.Now()
	ctx = logging.ContextWithFields(ctx, log.Fields{"workItem": item.Id, "origin": item.Origin, "kind": item.Kind})
	logger := logging.FromContext(ctx)
	event := ItemEvent{Id: item.Id, Origin: item.Origin, Kind: item.Kind, Version: item.Version}
	d.publisher.Publish(progress.EventDocumentProcessing, event)

	result, err := d.resolveAndProcess(ctx, item)
	if err == nil {
		err = d.repo.Complete(ctx, item.Id, result)
		if err != nil {
			d.metrics.RecordDBError(metrics.DBOperationFinish)
			logging.WithStacktrace(logger, err).Error("could not store work item result")
			event.Error = err.Error()
			d.publisher.Publish(progress.EventDocumentError, event)
			d.metrics.RecordItem(string(item.Kind), metrics.ItemOutcomeFailed, d.clock.Since(start))
			return false
		}
		logger.Infof("work item completed in %s", d.clock.Since(start))
		d.publisher.Publish(progress.EventDocumentComplete, event)
		d.metrics.RecordItem(string(item.Kind), metrics.ItemOutcomeCompleted, d.clock.Since(start))
		return true
	}

	logging.WithStacktrace(logger, err).Warn("work item failed")
	if failErr := d.repo.Fail(ctx, item.Id, err.Error()); failErr != nil {
		d.metrics.RecordDBError(metrics.DBOperationFinish)
		logging.WithStacktrace(logger, failErr).Error("could not mark work item failed")
	}
	event.Error = err.Error()
	d.publisher.Publish(progress.EventDocumentError, event)
	d.metrics.RecordItem(string(item.Kind), metrics.ItemOutcomeFailed, d.clock.Since(start))
	return false
}

func (d *Dispatcher) resolveAndProcess(ctx context.Context, item *database.WorkItem) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("processing panicked: %v", r)
		}
	}()
	payloadPath, cleanup, err := d.resolvePayload(ctx, item)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return d.processor.Process(ctx, item, payloadPath)
}

// resolvePayload returns a local path holding the item's payload, and a function removing anything
// that was fetched for it.
func (d *Dispatcher) resolvePayload(ctx context.Context, item *database.WorkItem) (string, func(), error) {
	switch item.Kind {
	case database.KindInline:
		if _, err := os.Stat(item.Location); err != nil {
			return "", nil, errors.Wrap(err, "inline payload is not readable")
		}
		return item.Location, func() {}, nil
	case database.KindRemote:
		destination := filepath.Join(d.config.ScratchDir, scratchName(item))
		if err := d.downloader.Download(ctx, item.Location, destination); err != nil {
			return "", nil, err
		}
		return destination, func() {
			if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
				logging.FromContext(ctx).WithError(err).Warnf("could not remove %s", destination)
			}
		}, nil
	default:
		return "", nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "kind",
			Value:   item.Kind,
			Message: "payload kind is not processable",
		})
	}
}

func scratchName(item *database.WorkItem) string {
	base := "payload"
	if u, err := url.Parse(item.Location); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" && b != "" {
			base = b
		}
	}
	return fmt.Sprintf("%d-v%d-%s", item.Id, item.Version, base)
}

func (d *Dispatcher) setRunning(start time.Time) {
	s := d.Status()
	s.State = StateRunning
	s.LastCycleStarted = &start
	d.status.Store(s)
}

func (d *Dispatcher) setIdle(result *CycleResult) {
	s := d.Status()
	s.State = StateIdle
	if result != nil {
		finished := d.clock.Now()
		s.LastCycleFinished = &finished
		s.CyclesCompleted++
		s.LastCycle = result
	}
	d.status.Store(s)
}
