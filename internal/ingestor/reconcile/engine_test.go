package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/database"
)

type testRecord struct {
	Id    string  `db:"id"`
	Name  string  `db:"name"`
	Price float64 `db:"price"`
	Note  string  // not a column
}

func (r testRecord) Key() string {
	return r.Id
}

func testMigrations() []database.Migration {
	ddl := `CREATE TABLE %s (
		id    text PRIMARY KEY,
		name  text NOT NULL,
		price double precision NOT NULL CHECK (price >= 0)
	);`
	return []database.Migration{
		database.NewMigration(1, "batch", fmt.Sprintf(ddl, "records_batch")),
		database.NewMigration(2, "scalar", fmt.Sprintf(ddl, "records_scalar")),
	}
}

func records(from, to int, name string) []testRecord {
	var out []testRecord
	for i := from; i < to; i++ {
		out = append(out, testRecord{Id: fmt.Sprintf("r-%03d", i), Name: name, Price: float64(i)})
	}
	return out
}

func TestConflate_LastWins(t *testing.T) {
	in := []testRecord{
		{Id: "a", Name: "first"},
		{Id: "b", Name: "only"},
		{Id: "a", Name: "second"},
		{Id: "c", Name: "only"},
		{Id: "a", Name: "third"},
	}
	assert.Equal(t, []testRecord{
		{Id: "a", Name: "third"},
		{Id: "b", Name: "only"},
		{Id: "c", Name: "only"},
	}, Conflate(in))
	assert.Empty(t, Conflate([]testRecord{}))
}

func TestPartition(t *testing.T) {
	in := records(0, 5, "x")
	inserts, updates := Partition(in, map[string]bool{"r-001": true, "r-003": true, "missing": true})
	assert.Equal(t, []testRecord{in[0], in[2], in[4]}, inserts)
	assert.Equal(t, []testRecord{in[1], in[3]}, updates)
}

func TestChunks(t *testing.T) {
	in := records(0, 7, "x")
	out := chunks(in, 3)
	require.Len(t, out, 3)
	assert.Len(t, out[0], 3)
	assert.Len(t, out[2], 1)
	assert.Empty(t, chunks([]testRecord{}, 3))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine[testRecord](nil, Config{Table: "records_batch", KeyColumn: "nope"}, nil)
	assert.Error(t, err)

	e, err := NewEngine[testRecord](nil, Config{Table: "records_batch", KeyColumn: "id"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "price"}, e.columns)
	assert.Equal(t, DefaultChunkSize, e.config.ChunkSize)
	assert.Equal(t, `"name" = tmp."name", "price" = tmp."price"`, e.assignments("tmp."))
}

func TestReconcile_CreatesAndUpdates(t *testing.T) {
	database.RunWithTestDb(t, testMigrations(), func(db *pgxpool.Pool) error {
		ctx := context.Background()
		engine, err := NewEngine[testRecord](db, Config{Table: "records_batch", KeyColumn: "id", ChunkSize: 50}, nil)
		require.NoError(t, err)

		// 140 of the 150 fetched records already exist.
		result, err := engine.Reconcile(ctx, records(0, 140, "old"))
		require.NoError(t, err)
		assert.Equal(t, Result{Created: 140}, result)

		result, err = engine.Reconcile(ctx, records(0, 150, "new"))
		require.NoError(t, err)
		assert.Equal(t, 10, result.Created)
		assert.Equal(t, 140, result.Updated)
		assert.Equal(t, 0, result.Failed)
		assert.NoError(t, result.Errors)

		rows := readTable(t, db, "records_batch")
		assert.Len(t, rows, 150)
		for _, r := range rows {
			assert.Equal(t, "new", r.Name)
		}
		return nil
	})
}

func TestReconcile_BatchAndScalarPathsAgree(t *testing.T) {
	database.RunWithTestDb(t, testMigrations(), func(db *pgxpool.Pool) error {
		ctx := context.Background()
		batch, err := NewEngine[testRecord](db, Config{Table: "records_batch", KeyColumn: "id", ChunkSize: 7}, nil)
		require.NoError(t, err)
		scalar, err := NewEngine[testRecord](db, Config{Table: "records_scalar", KeyColumn: "id", ForceScalar: true}, nil)
		require.NoError(t, err)

		rounds := [][]testRecord{
			records(0, 20, "a"),
			append(records(10, 30, "b"), testRecord{Id: "r-005", Name: "c", Price: 1}),
			records(25, 40, "d"),
		}
		for _, round := range rounds {
			batchResult, err := batch.Reconcile(ctx, round)
			require.NoError(t, err)
			scalarResult, err := scalar.Reconcile(ctx, round)
			require.NoError(t, err)
			assert.Equal(t, batchResult, scalarResult)
		}
		assert.Equal(t, readTable(t, db, "records_scalar"), readTable(t, db, "records_batch"))
		return nil
	})
}

func TestReconcile_FailingRecordDoesNotAbortChunk(t *testing.T) {
	database.RunWithTestDb(t, testMigrations(), func(db *pgxpool.Pool) error {
		ctx := context.Background()
		engine, err := NewEngine[testRecord](db, Config{Table: "records_batch", KeyColumn: "id", ChunkSize: 500}, nil)
		require.NoError(t, err)

		in := records(0, 20, "x")
		in[7].Price = -1
		result, err := engine.Reconcile(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, 19, result.Created)
		assert.Equal(t, 1, result.Failed)
		require.Error(t, result.Errors)
		assert.Contains(t, result.Errors.Error(), "r-007")
		assert.Len(t, readTable(t, db, "records_batch"), 19)
		return nil
	})
}

func readTable(t *testing.T, db *pgxpool.Pool, table string) []testRecord {
	t.Helper()
	rows, err := db.Query(context.Background(), `SELECT id, name, price FROM `+table+` ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []testRecord
	for rows.Next() {
		var r testRecord
		require.NoError(t, rows.Scan(&r.Id, &r.Name, &r.Price))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestMemEngine(t *testing.T) {
	engine := NewMemEngine[testRecord]()
	result, err := engine.Reconcile(context.Background(), []testRecord{
		{Id: "a", Name: "first", Price: 1},
		{Id: "b", Name: "second", Price: 2},
		{Id: "a", Name: "first again", Price: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 2}, result)

	result, err = engine.Reconcile(context.Background(), []testRecord{{Id: "b", Name: "changed", Price: 4}, {Id: "c", Price: 5}})
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 1, Updated: 1}, result)

	records := engine.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "first again", records[0].Name)
	assert.Equal(t, "changed", records[1].Name)

	assert.Equal(t, 2, engine.DeleteWhere(func(r testRecord) bool { return r.Price > 3 }))
	assert.Len(t, engine.Records(), 1)
}
