package core_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLines_AccountBalanceFlat(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	opts := resolve(t, engine, 5, january())

	lines, err := engine.Lines(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"101000 Bank", "400000 Sales", "600000 Rent", "700000 Tax credit", "800000 Adjustments",
	}, names(lines))
	assertDecimal(t, "332", cellValue(t, lines[0], 0))
	for _, l := range lines {
		assert.Equal(t, 1, l.Level)
		assert.True(t, l.Unfoldable)
	}
}

func TestLines_Hierarchy(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	prev := january()
	prev.Hierarchy = true
	opts := resolve(t, engine, 5, prev)
	require.True(t, opts.Hierarchy)

	lines, err := engine.Lines(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"4 Revenue", "400000 Sales",
		"6 Expenses", "600000 Rent",
		"(No Group)", "101000 Bank", "700000 Tax credit", "800000 Adjustments",
	}, names(lines))

	revenue := lines[0]
	assert.Equal(t, 1, revenue.Level)
	assert.True(t, revenue.Unfolded)
	assertDecimal(t, "-500", cellValue(t, revenue, 0))

	sales := lines[1]
	assert.Equal(t, 2, sales.Level)
	assert.Equal(t, revenue.ID, sales.ParentID)
	assert.True(t, strings.HasPrefix(sales.ID, revenue.ID+"|"))

	noGroup := lineNamed(t, lines, "(No Group)")
	assertDecimal(t, "300", cellValue(t, noGroup, 0))
}

func TestLines_HideAccountCodes(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	prev := january()
	prev.Custom = map[string]any{"show_account_codes": false}
	opts := resolve(t, engine, 5, prev)

	lines, err := engine.Lines(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "Bank", lines[0].Name)
}
