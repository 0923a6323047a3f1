package core_test

import (
	"context"
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manualRecords(t *testing.T, store *core.MemoryStore, expressionID int) []core.ExternalValue {
	t.Helper()
	values, err := store.ExternalValues(context.Background(), core.ExternalValueFilter{ExpressionIDs: []int{expressionID}})
	require.NoError(t, err)
	return values
}

func TestEditManualValue(t *testing.T) {
	engine, store := newTestEngine(t, testLedger())
	ctx := context.Background()
	seed := amount("20")
	store.AddExternalValue(core.ExternalValue{
		CompanyID: 1, Date: day("2024-01-10"), TargetExpressionID: 400, Name: "Opening", Value: &seed,
	})

	opts := resolve(t, engine, 4, january())
	cg := opts.ColumnGroupKeys()[0]

	res, err := engine.EditManualValue(ctx, opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 400, Value: "150"})
	require.NoError(t, err)
	assertDecimal(t, "150", cellValue(t, lineNamed(t, res.Lines, "Adjustment"), 0))
	assertDecimal(t, "150", cellValue(t, lineNamed(t, res.Lines, "Total"), 0))

	records := manualRecords(t, store, 400)
	require.Len(t, records, 2)
	assert.True(t, records[1].Date.Equal(day("2024-01-31")))
	assertDecimal(t, "130", *records[1].Value)

	// A second edit updates the record on the window end.
	res, err = engine.EditManualValue(ctx, opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 400, Value: "120"})
	require.NoError(t, err)
	assertDecimal(t, "120", cellValue(t, lineNamed(t, res.Lines, "Total"), 0))

	records = manualRecords(t, store, 400)
	require.Len(t, records, 2)
	assertDecimal(t, "100", *records[1].Value)

	x, _ := engine.Catalog().Expression(400)
	r, ok := res.Totals.Value(cg, x)
	require.True(t, ok)
	assertDecimal(t, "120", r.Value)
}

func TestEditManualValue_SameValueTwice(t *testing.T) {
	engine, store := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 4, january())
	req := core.ManualValueRequest{ColumnGroupKey: opts.ColumnGroupKeys()[0], TargetExpressionID: 400, Value: "75"}

	for i := 0; i < 2; i++ {
		res, err := engine.EditManualValue(ctx, opts, req)
		require.NoError(t, err)
		assertDecimal(t, "75", cellValue(t, lineNamed(t, res.Lines, "Adjustment"), 0))
	}
	records := manualRecords(t, store, 400)
	require.Len(t, records, 1)
	assertDecimal(t, "75", *records[0].Value)
}

func TestEditManualValue_Rounding(t *testing.T) {
	engine, store := newTestEngine(t, testLedger())
	opts := resolve(t, engine, 4, january())
	cg := opts.ColumnGroupKeys()[0]

	_, err := engine.EditManualValue(context.Background(), opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 400, Value: "10.456"})
	require.NoError(t, err)
	records := manualRecords(t, store, 400)
	require.Len(t, records, 1)
	assertDecimal(t, "10.46", *records[0].Value)
}

func TestEditManualValue_Rejected(t *testing.T) {
	engine, store := newTestEngine(t, testLedger())
	ctx := context.Background()

	opts := resolve(t, engine, 4, january())
	cg := opts.ColumnGroupKeys()[0]

	_, err := engine.EditManualValue(ctx, opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 410, Value: "5"})
	var ce *core.ConsistencyError
	assert.ErrorAs(t, err, &ce, "FIXED is not editable")

	_, err = engine.EditManualValue(ctx, opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 100, Value: "5"})
	assert.ErrorAs(t, err, &ce, "expression of another report")

	_, err = engine.EditManualValue(ctx, opts, core.ManualValueRequest{ColumnGroupKey: cg, TargetExpressionID: 400, Value: "lots"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	both := resolve(t, engine, 4, january(1, 2))
	_, err = engine.EditManualValue(ctx, both, core.ManualValueRequest{ColumnGroupKey: both.ColumnGroupKeys()[0], TargetExpressionID: 400, Value: "5"})
	var se *core.ScopeAmbiguityError
	assert.ErrorAs(t, err, &se)

	assert.Empty(t, manualRecords(t, store, 400))
	assert.Empty(t, manualRecords(t, store, 410))
}
