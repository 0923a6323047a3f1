package core_test

import (
	"context"
	"os"
	"testing"
	"time"

	"accounting-reports/internal/core"
	"accounting-reports/internal/db"
	"accounting-reports/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB migrates TEST_DATABASE_URL and loads fixture into it.
func setupTestDB(t *testing.T, fixture core.LedgerFixture) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database: every table is truncated.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool, migrations.FS)
	require.NoError(t, err)

	require.NoError(t, core.NewPostgresStore(pool).LoadFixture(ctx, fixture))
	return pool
}

func newPostgresEngine(t *testing.T) (*core.ReportEngine, *core.PostgresStore) {
	t.Helper()
	pool := setupTestDB(t, testLedger())
	catalog, err := writeReports(t, testReports)
	require.NoError(t, err)
	store := core.NewPostgresStore(pool)
	return core.NewReportEngine(catalog, store, core.EngineConfig{Now: func() time.Time { return testNow }}), store
}

func TestPostgresStore_LinesMatchMemoryStore(t *testing.T) {
	engine, _ := newPostgresEngine(t)
	ctx := context.Background()
	opts := resolve(t, engine, 1, january())

	lines, err := engine.Lines(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"Revenue", "Expenses", "Other", "Net"}, names(lines))
	assertDecimal(t, "500", cellValue(t, lines[0], 0))
	assertDecimal(t, "200", cellValue(t, lines[1], 0))
	assertDecimal(t, "300", cellValue(t, lines[3], 0))

	page, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: lines[0].ID, Groupby: lines[0].Groupby})
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Corp", "Apex Industries", "Load more..."}, names(page))

	page, err = engine.Expand(ctx, opts, core.ExpandRequest{
		LineID: lines[0].ID, Groupby: page[2].Groupby, Offset: page[2].Offset, Progress: page[2].Progress,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Beta Logistics", "Bolt Retail", "Load more..."}, names(page))
}

func TestPostgresStore_ManualValueAndCarryover(t *testing.T) {
	engine, store := newPostgresEngine(t)
	ctx := context.Background()

	opts := resolve(t, engine, 4, january())
	res, err := engine.EditManualValue(ctx, opts, core.ManualValueRequest{
		ColumnGroupKey: opts.ColumnGroupKeys()[0], TargetExpressionID: 400, Value: "75",
	})
	require.NoError(t, err)
	assertDecimal(t, "75", cellValue(t, lineNamed(t, res.Lines, "Total"), 0))

	records, err := engine.GenerateCarryover(ctx, resolve(t, engine, 3, january(1, 2)))
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.NotZero(t, r.ID)
	}

	stored, err := store.ExternalValues(ctx, core.ExternalValueFilter{ExpressionIDs: []int{332}, DateTo: day("2024-12-31")})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}
