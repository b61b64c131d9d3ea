// Package reconcile upserts externally sourced records into a keyed table, creating new rows and updating
// existing ones in bulk.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
)

const DefaultChunkSize = 500

// Record is a row of a reconciled table. Columns are taken from the db tags of the record's fields; the key
// column must be one of them.
type Record interface {
	Key() string
}

type Config struct {
	Table     string
	KeyColumn string
	ChunkSize int
	// Write every record with its own statement instead of staging chunks through a temporary table.
	ForceScalar bool
}

type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	// Per-record failures, nil when Failed is zero.
	Errors error `json:"-"`
}

type Engine[T Record] struct {
	db          *pgxpool.Pool
	config      Config
	columns     []string
	retryPolicy database.RetryPolicy
	metrics     *metrics.Metrics
}

func NewEngine[T Record](db *pgxpool.Pool, config Config, m *metrics.Metrics) (*Engine[T], error) {
	var zero T
	columns := database.NamesFromRecord(zero)
	if len(columns) == 0 {
		return nil, errors.Errorf("record type %T has no db-tagged fields", zero)
	}
	keyFound := false
	for _, c := range columns {
		if c == config.KeyColumn {
			keyFound = true
		}
	}
	if !keyFound {
		return nil, errors.Errorf("key column %q is not a column of %T", config.KeyColumn, zero)
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Engine[T]{
		db:          db,
		config:      config,
		columns:     columns,
		retryPolicy: database.DefaultRetryPolicy,
		metrics:     m,
	}, nil
}

// Reconcile writes records to the table: keys not yet present are inserted, the others are updated.
// Records sharing a key are conflated, the last one wins. A failing chunk is retried record by record;
// records that still fail are counted and reported in Result.Errors without aborting the reconcile.
// An error is only returned when the existing keys cannot be read.
func (e *Engine[T]) Reconcile(ctx context.Context, records []T) (Result, error) {
	records = Conflate(records)
	if len(records) == 0 {
		return Result{}, nil
	}
	logger := logging.FromContext(ctx).WithField("table", e.config.Table)

	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	known, err := e.knownKeys(ctx, keys)
	if err != nil {
		e.metrics.RecordDBError(metrics.DBOperationRead)
		return Result{}, err
	}
	inserts, updates := Partition(records, known)

	var result Result
	var failures *multierror.Error
	for _, chunk := range chunks(inserts, e.config.ChunkSize) {
		n, err := e.writeChunk(ctx, chunk, e.insertBatch, e.insertRecord)
		result.Created += n
		if err != nil {
			failures = multierror.Append(failures, err)
		}
	}
	for _, chunk := range chunks(updates, e.config.ChunkSize) {
		n, err := e.writeChunk(ctx, chunk, e.updateBatch, e.updateRecord)
		result.Updated += n
		if err != nil {
			failures = multierror.Append(failures, err)
		}
	}
	if failures != nil {
		result.Failed = len(failures.Errors)
		result.Errors = failures.ErrorOrNil()
		logger.WithError(failures).Warnf("%d of %d records could not be written", result.Failed, len(records))
	}
	e.metrics.RecordReconciled(e.config.Table, result.Created, result.Updated, result.Failed)
	logger.Infof("reconciled %d records: %d created, %d updated, %d failed",
		len(records), result.Created, result.Updated, result.Failed)
	return result, nil
}

func (e *Engine[T]) knownKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	known := make(map[string]bool, len(keys))
	err := database.WithRetry(ctx, e.retryPolicy, func() error {
		rows, err := e.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ANY($1)`,
			e.keyIdent(), e.tableIdent(), e.keyIdent()), keys)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			known[key] = true
		}
		return rows.Err()
	})
	return known, errors.WithMessagef(err, "reading existing keys of %s", e.config.Table)
}

// writeChunk writes chunk through batch, falling back to one call of scalar per record if the batch fails.
// Returns the number of rows written and the combined per-record errors.
func (e *Engine[T]) writeChunk(
	ctx context.Context,
	chunk []T,
	batch func(context.Context, []T) (int, error),
	scalar func(context.Context, T) (int, error),
) (int, error) {
	if !e.config.ForceScalar {
		n, err := batch(ctx, chunk)
		if err == nil {
			return n, nil
		}
		logging.FromContext(ctx).
			WithField("table", e.config.Table).
			Warnf("Writing %d records via batch failed, will attempt to write serially (this might be slow).  Error was %+v", len(chunk), err)
	}
	written := 0
	var failures *multierror.Error
	for _, r := range chunk {
		n, err := scalar(ctx, r)
		if err != nil {
			failures = multierror.Append(failures, errors.WithMessagef(err, "record %s", r.Key()))
			continue
		}
		written += n
	}
	if failures != nil {
		return written, failures
	}
	return written, nil
}

func (e *Engine[T]) insertBatch(ctx context.Context, chunk []T) (int, error) {
	var inserted int64
	err := e.batch(ctx, chunk, func(tx pgx.Tx, tmpTable string) error {
		columns := e.columnList()
		tag, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT DO NOTHING`,
			e.tableIdent(), columns, columns, tmpTable))
		if err != nil {
			e.metrics.RecordDBError(metrics.DBOperationInsert)
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	return int(inserted), err
}

func (e *Engine[T]) updateBatch(ctx context.Context, chunk []T) (int, error) {
	var updated int64
	err := e.batch(ctx, chunk, func(tx pgx.Tx, tmpTable string) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s AS t SET %s FROM %s AS tmp WHERE tmp.%s = t.%s`,
			e.tableIdent(), e.assignments("tmp."), tmpTable, e.keyIdent(), e.keyIdent()))
		if err != nil {
			e.metrics.RecordDBError(metrics.DBOperationUpdate)
			return err
		}
		updated = tag.RowsAffected()
		return nil
	})
	return int(updated), err
}

// batch stages chunk in a temporary table dropped on commit, then runs copyToDest in the same transaction.
func (e *Engine[T]) batch(ctx context.Context, chunk []T, copyToDest func(tx pgx.Tx, tmpTable string) error) error {
	return database.WithRetry(ctx, e.retryPolicy, func() error {
		tmpTable := database.UniqueTableName(e.config.Table)
		return e.db.BeginTxFunc(ctx, pgx.TxOptions{
			IsoLevel:       pgx.ReadCommitted,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(
				`CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`, tmpTable, e.tableIdent()))
			if err != nil {
				e.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
				return err
			}
			n, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				e.columns,
				pgx.CopyFromSlice(len(chunk), func(i int) ([]interface{}, error) {
					return database.ValuesFromRecord(chunk[i]), nil
				}),
			)
			if err != nil {
				return err
			}
			if n != int64(len(chunk)) {
				return errors.Errorf("only %d out of %d rows were staged", n, len(chunk))
			}
			return copyToDest(tx, tmpTable)
		})
	})
}

func (e *Engine[T]) insertRecord(ctx context.Context, r T) (int, error) {
	placeholders := make([]string, len(e.columns))
	for i := range e.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
		e.tableIdent(), e.columnList(), strings.Join(placeholders, ", "))
	var inserted int64
	err := database.WithRetry(ctx, e.retryPolicy, func() error {
		tag, err := e.db.Exec(ctx, sql, database.ValuesFromRecord(r)...)
		if err != nil {
			e.metrics.RecordDBError(metrics.DBOperationInsert)
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	return int(inserted), err
}

func (e *Engine[T]) updateRecord(ctx context.Context, r T) (int, error) {
	values := database.ValuesFromRecord(r)
	assignments := make([]string, 0, len(e.columns))
	args := make([]interface{}, 0, len(values)+1)
	for i, c := range e.columns {
		if c == e.config.KeyColumn {
			continue
		}
		args = append(args, values[i])
		assignments = append(assignments, fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), len(args)))
	}
	args = append(args, r.Key())
	sql := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`,
		e.tableIdent(), strings.Join(assignments, ", "), e.keyIdent(), len(args))
	var updated int64
	err := database.WithRetry(ctx, e.retryPolicy, func() error {
		tag, err := e.db.Exec(ctx, sql, args...)
		if err != nil {
			e.metrics.RecordDBError(metrics.DBOperationUpdate)
			return err
		}
		updated = tag.RowsAffected()
		return nil
	})
	return int(updated), err
}

func (e *Engine[T]) tableIdent() string {
	return pgx.Identifier{e.config.Table}.Sanitize()
}

func (e *Engine[T]) keyIdent() string {
	return pgx.Identifier{e.config.KeyColumn}.Sanitize()
}

func (e *Engine[T]) columnList() string {
	quoted := make([]string, len(e.columns))
	for i, c := range e.columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// assignments returns "c = <source>c" for every non-key column.
func (e *Engine[T]) assignments(source string) string {
	set := make([]string, 0, len(e.columns))
	for _, c := range e.columns {
		if c == e.config.KeyColumn {
			continue
		}
		ident := pgx.Identifier{c}.Sanitize()
		set = append(set, fmt.Sprintf("%s = %s%s", ident, source, ident))
	}
	return strings.Join(set, ", ")
}

// Conflate collapses records sharing a key into the last one, keeping the order of first appearance.
func Conflate[T Record](records []T) []T {
	index := make(map[string]int, len(records))
	conflated := make([]T, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.Key()]; ok {
			conflated[i] = r
			continue
		}
		index[r.Key()] = len(conflated)
		conflated = append(conflated, r)
	}
	return conflated
}

// Partition splits records into those whose key is not in known and those whose key is.
func Partition[T Record](records []T, known map[string]bool) (inserts []T, updates []T) {
	for _, r := range records {
		if known[r.Key()] {
			updates = append(updates, r)
		} else {
			inserts = append(inserts, r)
		}
	}
	return inserts, updates
}

func chunks[T any](records []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}
