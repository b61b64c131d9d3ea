package database

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

// SyncRunRepository is the append-only log of synchronization runs.
type SyncRunRepository interface {
	// Start records a new running SyncRun of syncType.
	Start(ctx context.Context, syncType string) (*SyncRun, error)

	// Finish finalises a running SyncRun. A run that is already finalised is never updated again.
	Finish(ctx context.Context, id int64, outcome SyncRunOutcome) (*SyncRun, error)

	// List returns up to limit runs, most recent first. An empty syncType matches every type.
	List(ctx context.Context, syncType string, limit int) ([]*SyncRun, error)

	// LastSuccessful returns the most recent successful run of syncType, or nil if there is none.
	LastSuccessful(ctx context.Context, syncType string) (*SyncRun, error)
}

const syncRunColumns = `id, sync_type, status, started_at, finished_at, items_synced, items_created, items_updated,
	items_failed, details, error_message`

type PostgresSyncRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresSyncRunRepository(db *pgxpool.Pool) *PostgresSyncRunRepository {
	return &PostgresSyncRunRepository{db: db}
}

func (r *PostgresSyncRunRepository) Start(ctx context.Context, syncType string) (*SyncRun, error) {
	return scanSyncRun(r.db.QueryRow(ctx, `
		INSERT INTO sync_runs (sync_type, status, started_at)
		VALUES ($1, 'running', now())
		RETURNING `+syncRunColumns, syncType))
}

func (r *PostgresSyncRunRepository) Finish(ctx context.Context, id int64, outcome SyncRunOutcome) (*SyncRun, error) {
	status, errorMessage, details, err := finishValues(outcome)
	if err != nil {
		return nil, err
	}
	run, err := scanSyncRun(r.db.QueryRow(ctx, `
		UPDATE sync_runs SET
			status = $2,
			finished_at = now(),
			items_synced = $3,
			items_created = $4,
			items_updated = $5,
			items_failed = $6,
			details = $7,
			error_message = $8
		WHERE id = $1 AND status = 'running'
		RETURNING `+syncRunColumns,
		id, string(status), outcome.ItemsSynced, outcome.ItemsCreated, outcome.ItemsUpdated, outcome.ItemsFailed,
		details, errorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&ingesterrors.ErrNotFound{
			Type:    "running sync run",
			Value:   strconv.FormatInt(id, 10),
			Message: "runs are finalised exactly once",
		})
	}
	return run, err
}

func (r *PostgresSyncRunRepository) List(ctx context.Context, syncType string, limit int) ([]*SyncRun, error) {
	ds := goqu.Dialect("postgres").
		From("sync_runs").
		Select(goqu.L(syncRunColumns)).
		Order(goqu.C("started_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(limit)).
		Prepared(true)
	if syncType != "" {
		ds = ds.Where(goqu.C("sync_type").Eq(syncType))
	}
	sql, args, err := ds.ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, errors.WithStack(rows.Err())
}

func (r *PostgresSyncRunRepository) LastSuccessful(ctx context.Context, syncType string) (*SyncRun, error) {
	run, err := scanSyncRun(r.db.QueryRow(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE sync_type = $1 AND status = 'success'
		ORDER BY finished_at DESC
		LIMIT 1`, syncType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func finishValues(outcome SyncRunOutcome) (SyncRunStatus, *string, []byte, error) {
	status := SyncRunSuccess
	var errorMessage *string
	if outcome.Err != nil {
		status = SyncRunError
		msg := outcome.Err.Error()
		errorMessage = &msg
	}
	var details []byte
	if outcome.Details != nil {
		var err error
		details, err = json.Marshal(outcome.Details)
		if err != nil {
			return "", nil, nil, errors.Wrap(err, "encoding sync run details")
		}
	}
	return status, errorMessage, details, nil
}

func scanSyncRun(row pgx.Row) (*SyncRun, error) {
	var (
		run          SyncRun
		status       string
		details      []byte
		errorMessage *string
	)
	err := row.Scan(
		&run.Id,
		&run.SyncType,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ItemsSynced,
		&run.ItemsCreated,
		&run.ItemsUpdated,
		&run.ItemsFailed,
		&details,
		&errorMessage,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	run.Status = SyncRunStatus(status)
	if len(details) > 0 {
		run.Details = details
	}
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}
	return &run, nil
}

// MemSyncRunRepository keeps the sync run log in memory, for standalone mode and tests.
type MemSyncRunRepository struct {
	mu     sync.Mutex
	runs   []*SyncRun
	nextId int64
	now    func() time.Time
}

func NewMemSyncRunRepository() *MemSyncRunRepository {
	return &MemSyncRunRepository{now: time.Now}
}

func (r *MemSyncRunRepository) Start(_ context.Context, syncType string) (*SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId++
	run := &SyncRun{Id: r.nextId, SyncType: syncType, Status: SyncRunRunning, StartedAt: r.now()}
	r.runs = append(r.runs, run)
	c := *run
	return &c, nil
}

func (r *MemSyncRunRepository) Finish(_ context.Context, id int64, outcome SyncRunOutcome) (*SyncRun, error) {
	status, errorMessage, details, err := finishValues(outcome)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.Id != id || run.Status != SyncRunRunning {
			continue
		}
		finished := r.now()
		run.Status = status
		run.FinishedAt = &finished
		run.ItemsSynced = outcome.ItemsSynced
		run.ItemsCreated = outcome.ItemsCreated
		run.ItemsUpdated = outcome.ItemsUpdated
		run.ItemsFailed = outcome.ItemsFailed
		run.Details = details
		if errorMessage != nil {
			run.ErrorMessage = *errorMessage
		}
		c := *run
		return &c, nil
	}
	return nil, errors.WithStack(&ingesterrors.ErrNotFound{
		Type:    "running sync run",
		Value:   strconv.FormatInt(id, 10),
		Message: "runs are finalised exactly once",
	})
}

func (r *MemSyncRunRepository) List(_ context.Context, syncType string, limit int) ([]*SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var runs []*SyncRun
	for _, run := range r.runs {
		if syncType == "" || run.SyncType == syncType {
			c := *run
			runs = append(runs, &c)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].Id > runs[j].Id
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *MemSyncRunRepository) LastSuccessful(ctx context.Context, syncType string) (*SyncRun, error) {
	runs, err := r.List(ctx, syncType, 0)
	if err != nil {
		return nil, err
	}
	var last *SyncRun
	for _, run := range runs {
		if run.Status != SyncRunSuccess || run.FinishedAt == nil {
			continue
		}
		if last == nil || run.FinishedAt.After(*last.FinishedAt) {
			last = run
		}
	}
	return last, nil
}
