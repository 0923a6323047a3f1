package core_test

import (
	"context"
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCarryover(t *testing.T) {
	engine, store := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 3, january(1, 2))

	records, err := engine.GenerateCarryover(ctx, opts)
	require.NoError(t, err)
	require.Len(t, records, 3)

	want := []struct {
		company int
		value   string
	}{
		{1, "30"},
		{2, "45"},
		{1, "-5"},
	}
	for i, w := range want {
		assert.Equal(t, w.company, records[i].CompanyID)
		assert.Equal(t, 332, records[i].TargetExpressionID)
		assert.Equal(t, 331, records[i].CarryoverOriginID)
		assert.True(t, records[i].Date.Equal(day("2024-01-31")))
		assertDecimal(t, w.value, *records[i].Value)
	}
	assert.Contains(t, records[2].Name, "(adjustment)")

	// Running again replaces the previous records.
	_, err = engine.GenerateCarryover(ctx, opts)
	require.NoError(t, err)
	stored, err := store.ExternalValues(ctx, core.ExternalValueFilter{ExpressionIDs: []int{332}})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestGenerateCarryover_AppliedNextPeriod(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	ctx := context.Background()

	_, err := engine.GenerateCarryover(ctx, resolve(t, engine, 3, january(1, 2)))
	require.NoError(t, err)

	feb := resolve(t, engine, 3, &core.Options{Date: core.DateOption{DateFrom: "2024-02-01", DateTo: "2024-02-29"}})
	totals, err := engine.Totals(ctx, feb)
	require.NoError(t, err)

	c, _ := engine.Catalog().Expression(330)
	r, ok := totals.Value(feb.ColumnGroupKeys()[0], c)
	require.True(t, ok)
	assertDecimal(t, "25", r.Value)
}

func TestGenerateCarryover_NoCarryoverExpressions(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	records, err := engine.GenerateCarryover(context.Background(), resolve(t, engine, 1, january()))
	require.NoError(t, err)
	assert.Empty(t, records)
}
