package core_test

import (
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	catalog, err := writeReports(t, testReports)
	require.NoError(t, err)
	require.Len(t, catalog.Reports(), 6)

	pl, err := catalog.ReportByCode("PL")
	require.NoError(t, err)
	assert.Equal(t, 1, pl.ID)
	assert.Equal(t, 2, pl.LoadMoreLimit)
	assert.Equal(t, "this_month", pl.DefaultDateFilter)
	assert.True(t, pl.Filters.HideZeroLines)
	assert.False(t, pl.Filters.Hierarchy)

	rev := pl.LineByCode("REV")
	require.NotNil(t, rev)
	assert.Equal(t, 1, rev.Level)
	assert.Equal(t, []string{"partner_id"}, rev.GroupbyFields())

	x := rev.Expression("balance")
	require.NotNil(t, x)
	assert.Equal(t, core.ScopeStrictRange, x.DateScope)
	assert.Equal(t, core.FigureMonetary, x.FigureType)
	assert.True(t, x.Auditable)
	assert.Same(t, rev, x.Line())

	net, ok := catalog.Expression(103)
	require.True(t, ok)
	deps := catalog.Dependencies(net)
	require.Len(t, deps, 2)
	assert.Equal(t, 100, deps[0].ID)
	assert.Equal(t, 101, deps[1].ID)

	_, err = catalog.ReportByCode("NOPE")
	assert.ErrorIs(t, err, core.ErrReportNotFound)
	_, err = catalog.Report(99)
	assert.ErrorIs(t, err, core.ErrReportNotFound)
}

func TestLoadCatalog_NestedLevelsAndIDs(t *testing.T) {
	catalog, err := writeReports(t, `
code: NESTED
name: Nested
lines:
  - code: ROOT
    name: Root
    expressions:
      - {label: balance, engine: aggregation, formula: sum_children}
    children:
      - code: LEAF_B
        name: Leaf B
        sequence: 2
        expressions:
          - {label: balance, engine: account_codes, formula: "7"}
      - code: LEAF_A
        name: Leaf A
        sequence: 1
        expressions:
          - {label: balance, engine: account_codes, formula: "4"}
`)
	require.NoError(t, err)
	r := catalog.Reports()[0]
	assert.Equal(t, 1, r.ID)

	root := r.LineByCode("ROOT")
	require.Len(t, root.Children, 2)
	assert.Equal(t, "LEAF_A", root.Children[0].Code)
	assert.Equal(t, 3, root.Children[0].Level)
	assert.Equal(t, root.ID, root.Children[0].ParentID)

	sum := root.Expression("balance")
	deps := catalog.Dependencies(sum)
	require.Len(t, deps, 2)
	for _, d := range deps {
		assert.NotZero(t, d.ID)
		assert.NotEqual(t, sum.ID, d.ID)
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name  string
		docs  string
		check func(t *testing.T, err error)
	}{
		{
			name: "reference cycle",
			docs: `
code: LOOP
lines:
  - {id: 1, code: X, name: X, expressions: [{id: 1, label: balance, engine: aggregation, formula: Y.balance}]}
  - {id: 2, code: Y, name: Y, expressions: [{id: 2, label: balance, engine: aggregation, formula: X.balance}]}
`,
			check: func(t *testing.T, err error) {
				var cycle *core.AggregationCycleError
				assert.ErrorAs(t, err, &cycle)
			},
		},
		{
			name: "self reference",
			docs: `
code: SELF
lines:
  - {id: 1, code: X, name: X, expressions: [{id: 1, label: balance, engine: aggregation, formula: X.balance * 2}]}
`,
			check: func(t *testing.T, err error) {
				var cycle *core.AggregationCycleError
				assert.ErrorAs(t, err, &cycle)
			},
		},
		{
			name: "unknown engine",
			docs: `
code: BAD
lines:
  - {id: 1, code: X, name: X, expressions: [{id: 1, label: balance, engine: magic, formula: "1"}]}
`,
			check: func(t *testing.T, err error) {
				var fe *core.FormulaError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, "BAD", fe.ReportCode)
				assert.Equal(t, "X", fe.LineCode)
			},
		},
		{
			name: "unknown domain field",
			docs: `
code: BAD
lines:
  - {id: 1, code: X, name: X, expressions: [{id: 1, label: balance, engine: domain, formula: "[('colour', '=', 'red')]"}]}
`,
			check: func(t *testing.T, err error) {
				var fe *core.FormulaError
				assert.ErrorAs(t, err, &fe)
			},
		},
		{
			name: "duplicate label",
			docs: `
code: DUP
lines:
  - id: 1
    code: X
    name: X
    expressions:
      - {id: 1, label: balance, engine: account_codes, formula: "4"}
      - {id: 2, label: balance, engine: account_codes, formula: "5"}
`,
			check: func(t *testing.T, err error) {
				var fe *core.FormulaError
				assert.ErrorAs(t, err, &fe)
			},
		},
		{
			name: "carryover without target",
			docs: `
code: CO
lines:
  - {id: 1, code: X, name: X, expressions: [{id: 1, label: _carryover_balance, engine: account_codes, formula: "4"}]}
`,
			check: func(t *testing.T, err error) {
				var fe *core.FormulaError
				assert.ErrorAs(t, err, &fe)
			},
		},
		{
			name: "external on groupby line",
			docs: `
code: EXT
lines:
  - {id: 1, code: X, name: X, groupby: partner_id, expressions: [{id: 1, label: balance, engine: external, formula: sum}]}
`,
			check: func(t *testing.T, err error) {
				var fe *core.FormulaError
				assert.ErrorAs(t, err, &fe)
			},
		},
		{
			name: "unknown root report",
			docs: `
code: VARIANT
root_report_id: 42
`,
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "unknown root report 42")
			},
		},
		{
			name: "unknown groupby field",
			docs: `
code: GB
lines:
  - {id: 1, code: X, name: X, groupby: colour, expressions: [{id: 1, label: balance, engine: account_codes, formula: "4"}]}
`,
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "invalid groupby")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeReports(t, tt.docs)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}
