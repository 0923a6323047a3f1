package core_test

import (
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineID_RoundTrip(t *testing.T) {
	parts := []core.LineIDPart{
		{Model: "account.report.line", Value: "10"},
		{Markup: "groupby:partner_id", Model: "res.partner", Value: "3"},
		{Markup: "total"},
	}
	id := core.EncodeLineID(parts)
	assert.Equal(t, "~account.report.line~10|groupby:partner_id~res.partner~3|total~~", id)

	decoded, err := core.DecodeLineID(id)
	require.NoError(t, err)
	assert.Equal(t, parts, decoded)

	empty, err := core.DecodeLineID("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLineID_Ancestry(t *testing.T) {
	parent := core.EncodeLineID([]core.LineIDPart{{Model: "account.report.line", Value: "10"}})
	child := core.SublineID(parent, core.LineIDPart{Markup: "groupby:partner_id", Model: "res.partner", Value: "3"})

	assert.Equal(t, parent, core.ParentLineID(child))
	assert.Equal(t, "", core.ParentLineID(parent))
	assert.True(t, core.IsDescendantLineID(child, parent))
	assert.False(t, core.IsDescendantLineID(parent, child))
	assert.False(t, core.IsDescendantLineID(child, ""))
	assert.Equal(t, 10, core.ReportLineIDFromLineID(child))

	last, err := core.LastLineIDPart(child)
	require.NoError(t, err)
	id, ok := last.RecordID()
	assert.True(t, ok)
	assert.Equal(t, 3, id)
}

func TestLineID_Malformed(t *testing.T) {
	for _, id := range []string{
		"no-separators",
		"~account.report.line~ten",
		"~account.report.line~10|a~b",
	} {
		t.Run(id, func(t *testing.T) {
			_, err := core.DecodeLineID(id)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, core.ReportLineIDFromLineID("garbage"))
}
