package core_test

import (
	"context"
	"testing"
	"time"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundledReports(t *testing.T) {
	catalog, err := core.LoadCatalog("../../reports")
	require.NoError(t, err)
	require.NotEmpty(t, catalog.Reports())

	store, err := core.LoadMemoryStore("../../reports/fixtures/demo_ledger.yaml")
	require.NoError(t, err)
	companies, err := store.Companies(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, companies)

	engine := core.NewReportEngine(catalog, store, core.EngineConfig{Now: func() time.Time { return testNow }})
	for _, r := range catalog.Reports() {
		t.Run(r.Code, func(t *testing.T) {
			ctx := context.Background()
			opts, err := engine.Options(ctx, r.ID, nil)
			require.NoError(t, err)

			lines, err := engine.Lines(ctx, opts)
			require.NoError(t, err)
			for _, l := range lines {
				assert.NotEmpty(t, l.ID)
				assert.Len(t, l.Columns, len(opts.Columns), "line %q", l.Name)
			}
		})
	}
}
