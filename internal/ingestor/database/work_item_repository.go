package database

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

type WorkItemRepository interface {
	// Enqueue inserts a new work item in pending or queued state. Queued items are announced on the
	// notification channel in the same transaction, so listeners never see a notification for an
	// uncommitted row.
	Enqueue(ctx context.Context, item NewWorkItem) (*WorkItem, error)

	// MarkQueued moves a pending item to queued once its upstream step has finished.
	MarkQueued(ctx context.Context, id int64) error

	// ClaimBatch atomically moves up to limit queued items, oldest first, to processing and returns them.
	// Kinds that are never processable are not claimed. Concurrent callers never receive the same item.
	ClaimBatch(ctx context.Context, limit int) ([]*WorkItem, error)

	// Complete stores the result of a claimed item and marks it completed.
	Complete(ctx context.Context, id int64, result json.RawMessage) error

	// Fail marks a claimed item failed, recording message.
	Fail(ctx context.Context, id int64, message string) error

	// Skip marks an item that must never be processed, e.g. an archive container.
	Skip(ctx context.Context, id int64, reason string) error

	// Requeue sends completed or failed items back to the queue for re-analysis, incrementing their version
	// and moving any current result into the history. Items in any other status are left untouched.
	// Returns the ids that were requeued.
	Requeue(ctx context.Context, ids []int64) ([]int64, error)

	// RequeueFailed requeues every failed item of origin. An empty origin matches every origin.
	RequeueFailed(ctx context.Context, origin string) ([]int64, error)

	// RequeueStale returns items claimed before claimedBefore to the queue without bumping their version.
	RequeueStale(ctx context.Context, claimedBefore time.Time) ([]int64, error)

	// GetById returns the item with the given id or *ingesterrors.ErrNotFound.
	GetById(ctx context.Context, id int64) (*WorkItem, error)

	// StatusCounts returns the number of items per status and per kind.
	StatusCounts(ctx context.Context) (StatusCounts, error)
}

const workItemColumns = `id, origin, parent_id, kind, location, status, error_message, version, result, result_history,
	created_at, updated_at, processing_started_at, processed_at`

// PostgresWorkItemRepository is an implementation of WorkItemRepository that stores its state in postgres
type PostgresWorkItemRepository struct {
	// pool of database connections
	db *pgxpool.Pool
	// channel on which newly queued item ids are announced; empty disables notifications
	notifyChannel string
}

func NewPostgresWorkItemRepository(db *pgxpool.Pool, notifyChannel string) *PostgresWorkItemRepository {
	return &PostgresWorkItemRepository{db: db, notifyChannel: notifyChannel}
}

func (r *PostgresWorkItemRepository) Enqueue(ctx context.Context, item NewWorkItem) (*WorkItem, error) {
	if !item.Kind.Valid() {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "kind", Value: item.Kind})
	}
	if item.Location == "" {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "location", Value: item.Location, Message: "location must be non-empty"})
	}
	status := StatusPending
	if item.Queued {
		status = StatusQueued
	}

	var created *WorkItem
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO work_items (origin, parent_id, kind, location, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+workItemColumns,
			item.Origin, item.ParentId, string(item.Kind), item.Location, string(status))
		var err error
		created, err = scanWorkItem(row)
		if err != nil {
			return err
		}
		if status == StatusQueued {
			return r.notify(ctx, tx, []int64{created.Id})
		}
		return nil
	})
	return created, errors.WithStack(err)
}

func (r *PostgresWorkItemRepository) MarkQueued(ctx context.Context, id int64) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE work_items SET status = 'queued', updated_at = now()
			WHERE id = $1 AND status = 'pending'`, id)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return r.transitionError(ctx, tx, id, StatusQueued)
		}
		return r.notify(ctx, tx, []int64{id})
	})
}

func (r *PostgresWorkItemRepository) ClaimBatch(ctx context.Context, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		UPDATE work_items
		SET status = 'processing', processing_started_at = now(), updated_at = now(), error_message = NULL
		WHERE id IN (
			SELECT id FROM work_items
			WHERE status = 'queued' AND kind <> $2
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+workItemColumns, limit, string(KindArchive))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var claimed []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	// RETURNING does not preserve the sub-select order.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].Id < claimed[j].Id
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func (r *PostgresWorkItemRepository) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	var resultBytes []byte
	if len(result) > 0 {
		resultBytes = result
	}
	return r.finish(ctx, id, StatusCompleted, `
		UPDATE work_items
		SET status = 'completed', result = $2, error_message = NULL, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, resultBytes)
}

func (r *PostgresWorkItemRepository) Fail(ctx context.Context, id int64, message string) error {
	return r.finish(ctx, id, StatusFailed, `
		UPDATE work_items
		SET status = 'failed', error_message = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, message)
}

func (r *PostgresWorkItemRepository) Skip(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, id, StatusSkipped, `
		UPDATE work_items
		SET status = 'skipped', error_message = NULLIF($2, ''), processed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'processing')`, id, reason)
}

func (r *PostgresWorkItemRepository) finish(ctx context.Context, id int64, to Status, sql string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, r.db, id, to)
	}
	return nil
}

func (r *PostgresWorkItemRepository) Requeue(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.requeue(ctx, `id = ANY($1) AND status IN ('completed', 'failed')`, ids)
}

func (r *PostgresWorkItemRepository) RequeueFailed(ctx context.Context, origin string) ([]int64, error) {
	return r.requeue(ctx, `status = 'failed' AND ($1 = '' OR origin = $1)`, origin)
}

func (r *PostgresWorkItemRepository) requeue(ctx context.Context, where string, arg interface{}) ([]int64, error) {
	var requeued []int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		// Right-hand sides see the pre-update row, so the history entry records the replaced version.
		requeued, err = collectIds(tx.Query(ctx, `
			UPDATE work_items SET
				status = 'queued',
				version = version + 1,
				result_history = CASE
					WHEN result IS NULL THEN result_history
					ELSE result_history || jsonb_build_array(jsonb_build_object(
						'version', version, 'result', result, 'replaced_at', now()))
				END,
				result = NULL,
				error_message = NULL,
				processing_started_at = NULL,
				processed_at = NULL,
				updated_at = now()
			WHERE `+where+`
			RETURNING id`, arg))
		if err != nil {
			return err
		}
		return r.notify(ctx, tx, requeued)
	})
	return requeued, err
}

func (r *PostgresWorkItemRepository) RequeueStale(ctx context.Context, claimedBefore time.Time) ([]int64, error) {
	var requeued []int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		requeued, err = collectIds(tx.Query(ctx, `
			UPDATE work_items
			SET status = 'queued', processing_started_at = NULL, updated_at = now()
			WHERE status = 'processing' AND processing_started_at < $1
			RETURNING id`, claimedBefore))
		if err != nil {
			return err
		}
		return r.notify(ctx, tx, requeued)
	})
	return requeued, err
}

func (r *PostgresWorkItemRepository) GetById(ctx context.Context, id int64) (*WorkItem, error) {
	item, err := scanWorkItem(r.db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&ingesterrors.ErrNotFound{Type: "work item", Value: strconv.FormatInt(id, 10)})
	}
	return item, err
}

func (r *PostgresWorkItemRepository) StatusCounts(ctx context.Context) (StatusCounts, error) {
	sql, args, err := goqu.Dialect("postgres").
		From("work_items").
		Select(goqu.C("kind"), goqu.C("status"), goqu.COUNT(goqu.Star())).
		GroupBy(goqu.C("kind"), goqu.C("status")).
		ToSQL()
	if err != nil {
		return StatusCounts{}, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return StatusCounts{}, errors.WithStack(err)
	}
	defer rows.Close()

	counts := NewStatusCounts()
	for rows.Next() {
		var kind, status string
		var n int64
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return StatusCounts{}, errors.WithStack(err)
		}
		counts.add(PayloadKind(kind), Status(status), n)
	}
	return counts, errors.WithStack(rows.Err())
}

// notify announces ids on the notification channel. Payloads are the item ids; listeners only use them for logging.
func (r *PostgresWorkItemRepository) notify(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if r.notifyChannel == "" || len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, strconv.FormatInt(id, 10)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// transitionError explains why a conditional update touched no rows.
func (r *PostgresWorkItemRepository) transitionError(ctx context.Context, q querier, id int64, to Status) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM work_items WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.WithStack(&ingesterrors.ErrNotFound{Type: "work item", Value: strconv.FormatInt(id, 10)})
	} else if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(&ingesterrors.ErrIllegalTransition{Id: id, From: current, To: string(to)})
}

func collectIds(rows pgx.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.WithStack(rows.Err())
}

func scanWorkItem(row pgx.Row) (*WorkItem, error) {
	var (
		item         WorkItem
		kind, status string
		errorMessage *string
		result       []byte
		history      []byte
	)
	err := row.Scan(
		&item.Id,
		&item.Origin,
		&item.ParentId,
		&kind,
		&item.Location,
		&status,
		&errorMessage,
		&item.Version,
		&result,
		&history,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ProcessingStartedAt,
		&item.ProcessedAt,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	item.Kind = PayloadKind(kind)
	item.Status = Status(status)
	if errorMessage != nil {
		item.ErrorMessage = *errorMessage
	}
	if len(result) > 0 {
		item.Result = result
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &item.History); err != nil {
			return nil, errors.Wrapf(err, "decoding result history of work item %d", item.Id)
		}
	}
	return &item, nil
}
