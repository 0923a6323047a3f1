package core_test

import (
	"context"
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	opts := resolve(t, engine, 1, nil)
	assert.Equal(t, 1, opts.ReportID)
	require.Len(t, opts.Companies, 1)
	assert.Equal(t, 1, opts.Companies[0].ID)
	assert.Equal(t, "USD", opts.Currency)

	assert.Equal(t, "2024-02-01", opts.Date.DateFrom)
	assert.Equal(t, "2024-02-29", opts.Date.DateTo)
	assert.Equal(t, "this_month", opts.Date.Filter)
	assert.Equal(t, "month", opts.Date.PeriodType)
	assert.Equal(t, "Feb 2024", opts.Date.String)

	assert.Equal(t, "no_comparison", opts.Comparison.Filter)
	assert.Len(t, opts.ColumnGroups, 1)
	require.Len(t, opts.Columns, 1)
	assert.Equal(t, "balance", opts.Columns[0].ExpressionLabel)
	assert.False(t, opts.ShowGrowthComparison)
	assert.False(t, opts.Hide0Lines)
	assert.Equal(t, 2, opts.LoadMoreLimit)
	assert.Equal(t, "all", opts.FiscalPosition)
	assert.Empty(t, opts.UnfoldedLines)
}

func TestOptions_CustomDateAndCompanies(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	opts := resolve(t, engine, 1, january(2, 1, 99))
	assert.Equal(t, []int{1, 2}, opts.CompanyIDs())
	assert.Equal(t, "custom", opts.Date.Filter)
	assert.Equal(t, "2024-01-01", opts.Date.DateFrom)
	assert.Equal(t, "2024-01-31", opts.Date.DateTo)
	assert.Equal(t, "Jan 2024", opts.Date.String)

	// An inverted window snaps to the start of the end month.
	prev := &core.Options{Date: core.DateOption{DateFrom: "2024-03-10", DateTo: "2024-01-20"}}
	opts = resolve(t, engine, 1, prev)
	assert.Equal(t, "2024-01-01", opts.Date.DateFrom)
	assert.Equal(t, "2024-01-20", opts.Date.DateTo)
}

func TestOptions_Comparison(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	prev := january()
	prev.Comparison = core.ComparisonOption{Filter: "previous_period", NumberPeriod: 2}
	opts := resolve(t, engine, 1, prev)

	require.Len(t, opts.Comparison.Periods, 2)
	assert.Equal(t, "2023-12-01", opts.Comparison.Periods[0].DateFrom)
	assert.Equal(t, "2023-12-31", opts.Comparison.Periods[0].DateTo)
	assert.Equal(t, "2023-11-01", opts.Comparison.Periods[1].DateFrom)
	assert.Len(t, opts.ColumnGroups, 3)
	assert.Len(t, opts.Columns, 3)
	assert.False(t, opts.ShowGrowthComparison)

	keys := opts.ColumnGroupKeys()
	require.Len(t, keys, 3)
	first, err := opts.ForColumnGroup(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "2024-01-31", first.Date.DateTo)

	prev.Comparison = core.ComparisonOption{Filter: "same_last_year", NumberPeriod: 1}
	opts = resolve(t, engine, 1, prev)
	require.Len(t, opts.Comparison.Periods, 1)
	assert.Equal(t, "2023-01-01", opts.Comparison.Periods[0].DateFrom)
	assert.Equal(t, "2023-01-31", opts.Comparison.Periods[0].DateTo)
	assert.True(t, opts.ShowGrowthComparison)

	_, err = opts.ForColumnGroup("missing")
	var ce *core.ConsistencyError
	assert.ErrorAs(t, err, &ce)
}

func TestOptions_ColumnGroupKeysAreStable(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	a := resolve(t, engine, 1, january())
	b := resolve(t, engine, 1, january())
	assert.Equal(t, a.ColumnGroupKeys(), b.ColumnGroupKeys())
}

func TestOptions_VariantReroute(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	opts := resolve(t, engine, 1, &core.Options{SelectedVariantID: 6})
	assert.Equal(t, 6, opts.ReportID)
	assert.Equal(t, 6, opts.SelectedVariantID)
	require.Len(t, opts.AvailableVariants, 2)
	assert.ElementsMatch(t, []int{1, 6}, []int{opts.AvailableVariants[0].ID, opts.AvailableVariants[1].ID})

	// An unknown variant falls back to the requested report.
	opts = resolve(t, engine, 1, &core.Options{SelectedVariantID: 3})
	assert.Equal(t, 1, opts.ReportID)
}

func TestOptions_Toggles(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	prev := january()
	prev.Hide0Lines = true
	prev.UnfoldAll = true
	prev.Hierarchy = true
	prev.UnfoldedLines = []string{"a", "a", "", "b"}

	opts := resolve(t, engine, 1, prev)
	assert.True(t, opts.Hide0Lines)
	assert.True(t, opts.UnfoldAll)
	assert.False(t, opts.Hierarchy, "PL does not offer the hierarchy filter")
	assert.Equal(t, []string{"a", "b"}, opts.UnfoldedLines)

	opts = resolve(t, engine, 5, prev)
	assert.True(t, opts.Hierarchy)
	assert.True(t, opts.DisplayHierarchyFilter)
	assert.Equal(t, true, opts.Custom["show_account_codes"])
}

func TestOptions_UnknownReport(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	_, err := engine.Options(context.Background(), 404, nil)
	assert.ErrorIs(t, err, core.ErrReportNotFound)
}
