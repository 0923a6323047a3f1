package core_test

import (
	"context"
	"testing"

	"accounting-reports/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportEngine_Reports(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())

	reports := engine.Reports()
	require.Len(t, reports, 6)
	assert.Equal(t, core.ReportSummary{ID: 1, Code: "PL", Name: "Profit and Loss", Lines: 4}, reports[0])
	assert.Equal(t, core.ReportSummary{ID: 6, Code: "PL_SHORT", Name: "Profit and Loss (short)", RootID: 1, Lines: 1}, reports[5])
}

func TestReportEngine_TotalsUnknownReport(t *testing.T) {
	engine, _ := newTestEngine(t, testLedger())
	opts := resolve(t, engine, 1, january(1))
	opts.ReportID = 404

	_, err := engine.Totals(context.Background(), opts)
	assert.ErrorIs(t, err, core.ErrReportNotFound)
}
