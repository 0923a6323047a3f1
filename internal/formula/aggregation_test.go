package formula_test

import (
	"testing"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(values map[string]int64) func(formula.TermRef) (decimal.Decimal, bool) {
	return func(r formula.TermRef) (decimal.Decimal, bool) {
		v, ok := values[r.String()]
		return decimal.NewFromInt(v), ok
	}
}

func TestParseAggregation_Evaluate(t *testing.T) {
	values := map[string]int64{"A.balance": 100, "B.balance": 40, "_expression:7": 3}

	tests := []struct {
		input string
		want  string
	}{
		{"A.balance + B.balance", "140"},
		{"A.balance - B.balance * 2", "20"},
		{"-(A.balance - B.balance) / 2", "-30"},
		{"A.balance * 0.5 + _expression:7", "53"},
		{"--A.balance", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, err := formula.ParseAggregation(tt.input)
			require.NoError(t, err)
			got, err := formula.Evaluate(e, lookupFrom(values))
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestParseAggregation_Terms(t *testing.T) {
	e, err := formula.ParseAggregation("A.balance + A.balance - _expression:12 + TAX_10.base")
	require.NoError(t, err)
	assert.Equal(t, []formula.TermRef{
		{LineCode: "A", Label: "balance"},
		{ExpressionID: 12},
		{LineCode: "TAX_10", Label: "base"},
	}, formula.Terms(e))
}

func TestEvaluate_DivisionByZero(t *testing.T) {
	e, err := formula.ParseAggregation("A.balance / B.balance")
	require.NoError(t, err)
	_, err = formula.Evaluate(e, lookupFrom(map[string]int64{"A.balance": 1, "B.balance": 0}))
	assert.ErrorIs(t, err, formula.ErrDivisionByZero)
}

func TestEvaluate_UnresolvedTerm(t *testing.T) {
	e, err := formula.ParseAggregation("A.balance + C.balance")
	require.NoError(t, err)
	_, err = formula.Evaluate(e, lookupFrom(map[string]int64{"A.balance": 1}))

	var unresolved *formula.UnresolvedTermError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "C.balance", unresolved.Term.String())
}

func TestReplaceSumChildren(t *testing.T) {
	e, err := formula.ParseAggregation("sum_children * 2")
	require.NoError(t, err)
	require.True(t, formula.HasSumChildren(e))

	expanded := formula.ReplaceSumChildren(e, []formula.TermRef{{ExpressionID: 1}, {ExpressionID: 2}})
	assert.False(t, formula.HasSumChildren(expanded))

	got, err := formula.Evaluate(expanded, lookupFrom(map[string]int64{"_expression:1": 5, "_expression:2": 7}))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(24).Equal(got))

	empty := formula.ReplaceSumChildren(e, nil)
	got, err = formula.Evaluate(empty, lookupFrom(nil))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestParseAggregation_Errors(t *testing.T) {
	for _, input := range []string{"", "A.balance +", "(A.balance", "balance", "A.balance $ 2", "_expression:x"} {
		t.Run(input, func(t *testing.T) {
			_, err := formula.ParseAggregation(input)
			assert.Error(t, err)
		})
	}
}
