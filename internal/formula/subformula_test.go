package formula_test

import (
	"testing"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomainSubformula(t *testing.T) {
	sub, err := formula.ParseDomainSubformula("")
	require.NoError(t, err)
	assert.Equal(t, formula.DomainSubformula{Mode: formula.ModeSum}, sub)

	sub, err = formula.ParseDomainSubformula("-sum_if_neg")
	require.NoError(t, err)
	assert.Equal(t, formula.DomainSubformula{Mode: formula.ModeSumIfNeg, Negate: true}, sub)

	_, err = formula.ParseDomainSubformula("average")
	assert.Error(t, err)
}

func TestParseExternalSubformula(t *testing.T) {
	sub, err := formula.ParseExternalSubformula("editable;rounding=2")
	require.NoError(t, err)
	assert.True(t, sub.Editable)
	require.NotNil(t, sub.Rounding)
	assert.Equal(t, 2, *sub.Rounding)

	_, err = formula.ParseExternalSubformula("rounding=-1")
	assert.Error(t, err)
}

func TestParseAggregationSubformula(t *testing.T) {
	sub, err := formula.ParseAggregationSubformula("cross_report(TAX_REPORT); round(2); if_between(EUR(-10), EUR(10.5))")
	require.NoError(t, err)
	assert.True(t, sub.CrossReport)
	assert.Equal(t, "TAX_REPORT", sub.CrossReportCode)
	require.NotNil(t, sub.Round)
	assert.Equal(t, 2, *sub.Round)
	require.NotNil(t, sub.Bound)
	assert.Equal(t, formula.BoundBetween, sub.Bound.Kind)
	assert.Equal(t, "EUR(-10)", sub.Bound.Lower.String())
	assert.Equal(t, "EUR(10.5)", sub.Bound.Upper.String())

	sub, err = formula.ParseAggregationSubformula("if_other_expr_below(TAX.base, USD(0))")
	require.NoError(t, err)
	require.NotNil(t, sub.Bound.Other)
	assert.Equal(t, formula.TermRef{LineCode: "TAX", Label: "base"}, *sub.Bound.Other)
}

func TestParseAggregationSubformula_Errors(t *testing.T) {
	for _, input := range []string{
		"if_above(100)",
		"if_sideways(USD(1))",
		"if_between(USD(1))",
		"if_above(USD(1));if_below(USD(2))",
		"round(x)",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := formula.ParseAggregationSubformula(input)
			assert.Error(t, err)
		})
	}
}

func TestBound_ExclusiveAbove(t *testing.T) {
	sub, err := formula.ParseAggregationSubformula("if_above(USD(100))")
	require.NoError(t, err)
	b := sub.Bound

	lower := b.Lower.Value
	assert.True(t, b.Passes(decimal.NewFromInt(150), lower, decimal.Zero))
	assert.False(t, b.Passes(decimal.NewFromInt(50), lower, decimal.Zero))
	assert.False(t, b.Passes(decimal.NewFromInt(100), lower, decimal.Zero))
}
