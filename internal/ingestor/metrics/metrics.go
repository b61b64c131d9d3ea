package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation   string
	CycleOutcome  string
	ItemOutcome   string
	AttemptResult string
)

const (
	DBOperationClaim           DBOperation = "claim"
	DBOperationFinish          DBOperation = "finish"
	DBOperationRead            DBOperation = "read"
	DBOperationInsert          DBOperation = "insert"
	DBOperationUpdate          DBOperation = "update"
	DBOperationCreateTempTable DBOperation = "create_temp_table"

	CycleOutcomeProcessed       CycleOutcome = "processed"
	CycleOutcomeEmpty           CycleOutcome = "empty"
	CycleOutcomeLockNotAcquired CycleOutcome = "lock_not_acquired"
	CycleOutcomeError           CycleOutcome = "error"

	ItemOutcomeCompleted ItemOutcome = "completed"
	ItemOutcomeFailed    ItemOutcome = "failed"

	AttemptResultSuccess          AttemptResult = "success"
	AttemptResultRetryableError   AttemptResult = "retryable_error"
	AttemptResultPermanentFailure AttemptResult = "permanent_failure"
)

const MetricsPrefix = "ingestor_"

// Metrics holds the collectors of the ingestion pipeline. A nil *Metrics records nothing.
type Metrics struct {
	dbErrors         *prometheus.CounterVec
	cycles           *prometheus.CounterVec
	itemOutcomes     *prometheus.CounterVec
	itemDuration     prometheus.Histogram
	downloadAttempts *prometheus.CounterVec
	syncRuns         *prometheus.CounterVec
	syncRecords      *prometheus.CounterVec
	observers        prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		dbErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "dispatcher_cycles",
			Help: "Number of dispatcher cycles grouped by outcome",
		}, []string{"outcome"}),
		itemOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "work_items_processed",
			Help: "Number of processed work items grouped by payload kind and outcome",
		}, []string{"kind", "outcome"}),
		itemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "work_item_duration_seconds",
			Help:    "Time taken to process a single work item",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		downloadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "download_attempts",
			Help: "Number of download attempts grouped by result",
		}, []string{"result"}),
		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "sync_runs",
			Help: "Number of synchronization runs grouped by sync type and outcome",
		}, []string{"sync_type", "outcome"}),
		syncRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "synced_records",
			Help: "Number of reconciled records grouped by table and change",
		}, []string{"table", "change"}),
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "progress_observers",
			Help: "Number of connected progress stream observers",
		}),
	}
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	if m == nil {
		return
	}
	m.dbErrors.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordCycle(outcome CycleOutcome) {
	if m == nil {
		return
	}
	m.cycles.With(map[string]string{"outcome": string(outcome)}).Inc()
}

func (m *Metrics) RecordItem(kind string, outcome ItemOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.itemOutcomes.With(map[string]string{"kind": kind, "outcome": string(outcome)}).Inc()
	m.itemDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordDownloadAttempt(result AttemptResult) {
	if m == nil {
		return
	}
	m.downloadAttempts.With(map[string]string{"result": string(result)}).Inc()
}

func (m *Metrics) RecordSyncRun(syncType string, outcome string) {
	if m == nil {
		return
	}
	m.syncRuns.With(map[string]string{"sync_type": syncType, "outcome": outcome}).Inc()
}

func (m *Metrics) RecordReconciled(table string, created, updated, failed int) {
	if m == nil {
		return
	}
	m.syncRecords.With(map[string]string{"table": table, "change": "created"}).Add(float64(created))
	m.syncRecords.With(map[string]string{"table": table, "change": "updated"}).Add(float64(updated))
	m.syncRecords.With(map[string]string{"table": table, "change": "failed"}).Add(float64(failed))
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}
