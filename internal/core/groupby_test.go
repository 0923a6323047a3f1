package core_test

import (
	"context"
	"testing"
	"time"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLine(t *testing.T, engine *core.ReportEngine, opts *core.Options, name string) core.Line {
	t.Helper()
	lines, err := engine.Lines(context.Background(), opts)
	require.NoError(t, err)
	return lineNamed(t, lines, name)
}

func TestExpand_LoadMorePages(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 1, january())
	rev := staticLine(t, engine, opts, "Revenue")

	page, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: rev.ID, Groupby: rev.Groupby, ExpandFunction: rev.ExpandFunction})
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Corp", "Apex Industries", "Load more..."}, names(page))

	first, err := core.LastLineIDPart(page[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.LineIDPart{Markup: "groupby:partner_id", Model: "res.partner", Value: "1"}, first)
	assertDecimal(t, "100", cellValue(t, page[0], 0))

	more := page[2]
	assert.Equal(t, 2, more.Offset)
	assert.Equal(t, 3, more.Level)
	cg := opts.ColumnGroupKeys()[0]
	assertDecimal(t, "200", more.Progress[cg+":balance"])

	page, err = engine.Expand(ctx, opts, core.ExpandRequest{
		LineID: rev.ID, Groupby: more.Groupby, ExpandFunction: more.ExpandFunction,
		Offset: more.Offset, Progress: more.Progress,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Beta Logistics", "Bolt Retail", "Load more..."}, names(page))
	more = page[2]
	assert.Equal(t, 4, more.Offset)
	assertDecimal(t, "400", more.Progress[cg+":balance"])

	page, err = engine.Expand(ctx, opts, core.ExpandRequest{
		LineID: rev.ID, Groupby: more.Groupby, ExpandFunction: more.ExpandFunction,
		Offset: more.Offset, Progress: more.Progress,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Contoso"}, names(page))
}

func TestExpand_PrefixGroups(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 2, january())
	sales := staticLine(t, engine, opts, "Sales")

	groups, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: sales.ID, Groupby: sales.Groupby, ExpandFunction: sales.ExpandFunction})
	require.NoError(t, err)
	assert.Equal(t, []string{"A (2 lines)", "B (2 lines)", "C (1 lines)"}, names(groups))
	for _, g := range groups {
		assert.Equal(t, 2, g.Level)
		assert.Equal(t, "expand_prefix_group", g.ExpandFunction)
		assert.True(t, g.Unfoldable)
	}
	assertDecimal(t, "200", cellValue(t, groups[0], 0))

	members, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: groups[0].ID, Groupby: groups[0].Groupby, ExpandFunction: groups[0].ExpandFunction})
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Corp", "Apex Industries"}, names(members))
	for _, m := range members {
		assert.Equal(t, 3, m.Level)
		assert.Equal(t, groups[0].ID, m.ParentID)
	}
}

func TestExpand_Errors(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 1, january())

	_, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: "~account.report.line~x", Groupby: "partner_id"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = engine.Expand(ctx, opts, core.ExpandRequest{LineID: "~account.report.line~40", Groupby: "partner_id"})
	var ce *core.ConsistencyError
	assert.ErrorAs(t, err, &ce)

	_, err = engine.Expand(ctx, opts, core.ExpandRequest{LineID: "~account.report.line~10", ExpandFunction: "teleport"})
	assert.ErrorAs(t, err, &ce)
}

func TestExpand_JournalItems(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	ctx := context.Background()
	opts := resolve(t, engine, 5, january())

	lines, err := engine.Lines(ctx, opts)
	require.NoError(t, err)
	sales := lineNamed(t, lines, "400000 Sales")
	assert.Equal(t, "handler:journal_items", sales.ExpandFunction)
	assertDecimal(t, "-500", cellValue(t, sales, 0))

	items, err := engine.Expand(ctx, opts, core.ExpandRequest{LineID: sales.ID, ExpandFunction: sales.ExpandFunction})
	require.NoError(t, err)
	require.Len(t, items, 5)
	for _, item := range items {
		assert.Equal(t, sales.ID, item.ParentID)
		assert.Equal(t, 3, item.Level)
		assertDecimal(t, "-100", cellValue(t, item, 0))
	}
}

// followLoadMore expands line and every load-more page after it, returning
// the page names in order.
func followLoadMore(t *testing.T, engine *core.ReportEngine, opts *core.Options, line core.Line) [][]string {
	t.Helper()
	req := core.ExpandRequest{LineID: line.ID, Groupby: line.Groupby, ExpandFunction: line.ExpandFunction}
	var pages [][]string
	for i := 0; i < 10; i++ {
		page, err := engine.Expand(context.Background(), opts, req)
		require.NoError(t, err)
		pages = append(pages, names(page))
		last := page[len(page)-1]
		if last.Name != "Load more..." {
			return pages
		}
		req.Offset, req.Progress = last.Offset, last.Progress
	}
	require.Fail(t, "load more never ended")
	return nil
}

func TestExpand_LoadMoreAcrossComparisonPeriods(t *testing.T) {
	b := &ledgerBuilder{}
	for _, p := range []int{1, 3, 5} {
		b.move(1, 1, 2, p, "2024-01-10", "100")
	}
	for _, p := range []int{2, 4, 5} {
		b.move(1, 1, 2, p, "2023-12-10", "100")
	}
	fixture := testLedger()
	fixture.JournalLines = b.lines
	engine, _ := newTestEngine(t, fixture)

	prev := january()
	prev.Comparison = core.ComparisonOption{Filter: "previous_period", NumberPeriod: 1}
	opts := resolve(t, engine, 1, prev)
	require.Len(t, opts.ColumnGroupKeys(), 2)

	rev := staticLine(t, engine, opts, "Revenue")
	assert.Equal(t, [][]string{
		{"Acme Corp", "Apex Industries", "Load more..."},
		{"Beta Logistics", "Bolt Retail", "Load more..."},
		{"Contoso"},
	}, followLoadMore(t, engine, opts, rev))
}

const twoExpressionReport = `
id: 11
code: SPLIT
name: Sales and rent
load_more_limit: 2
columns:
  - name: Sales
    expression_label: balance
  - name: Rent
    expression_label: rent
lines:
  - id: 110
    code: PARTNERS
    name: Partners
    foldable: true
    groupby: partner_id
    expressions:
      - {id: 1100, label: balance, engine: domain, formula: "[('account_id.code', '=like', '4%')]"}
      - {id: 1101, label: rent, engine: domain, formula: "[('account_id.code', '=like', '6%')]"}
`

func TestExpand_LoadMoreAcrossExpressions(t *testing.T) {
	b := &ledgerBuilder{}
	for _, p := range []int{1, 3, 5} {
		b.move(1, 1, 2, p, "2024-01-10", "100")
	}
	for _, p := range []int{2, 4} {
		b.move(1, 3, 1, p, "2024-01-12", "40")
	}
	fixture := testLedger()
	fixture.JournalLines = b.lines

	catalog, err := writeReports(t, twoExpressionReport)
	require.NoError(t, err)
	engine := core.NewReportEngine(catalog, core.NewMemoryStore(fixture), core.EngineConfig{Now: func() time.Time { return testNow }})
	opts := resolve(t, engine, 11, january())

	split := staticLine(t, engine, opts, "Partners")
	assert.Equal(t, [][]string{
		{"Acme Corp", "Apex Industries", "Load more..."},
		{"Beta Logistics", "Bolt Retail", "Load more..."},
		{"Contoso"},
	}, followLoadMore(t, engine, opts, split))

	page, err := engine.Expand(context.Background(), opts, core.ExpandRequest{LineID: split.ID, Groupby: split.Groupby, ExpandFunction: split.ExpandFunction})
	require.NoError(t, err)
	assertDecimal(t, "-100", cellValue(t, page[0], 0))
	assertDecimal(t, "0", cellValue(t, page[0], 1))
	assertDecimal(t, "0", cellValue(t, page[1], 0))
	assertDecimal(t, "40", cellValue(t, page[1], 1))
}
