package app

import (
	"context"
	"errors"
	"testing"

	"accounting-reports/internal/core"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReports records the options each call receives.
type fakeReports struct {
	reports    []core.ReportSummary
	reroute    map[int]int
	carryovers []*core.Options
	edits      []core.ManualValueRequest
	failOn     string
}

func (f *fakeReports) Reports() []core.ReportSummary { return f.reports }

func (f *fakeReports) Options(_ context.Context, reportID int, previous *core.Options) (*core.Options, error) {
	opts := &core.Options{ReportID: reportID, Date: core.DateOption{DateFrom: "2024-01-01", DateTo: "2024-01-31"}}
	if to, ok := f.reroute[reportID]; ok {
		opts.ReportID = to
	}
	if previous != nil && previous.Date.Filter != "" {
		opts.Date.Filter = previous.Date.Filter
	}
	opts.ColumnGroups = map[string]core.ColumnGroup{"cg1": {}}
	opts.Columns = []core.ColumnOption{{ColumnGroupKey: "cg1", ExpressionLabel: "balance"}}
	return opts, nil
}

func (f *fakeReports) Lines(context.Context, *core.Options) ([]core.Line, error) {
	return []core.Line{{ID: "~account.report.line~1", Name: "Revenue", Level: 1}}, nil
}

func (f *fakeReports) Totals(context.Context, *core.Options) (core.Totals, error) {
	return core.Totals{}, nil
}

func (f *fakeReports) Expand(_ context.Context, _ *core.Options, req core.ExpandRequest) ([]core.Line, error) {
	return []core.Line{{ID: req.LineID + "|child", ParentID: req.LineID, Level: 3}}, nil
}

func (f *fakeReports) EditManualValue(_ context.Context, _ *core.Options, req core.ManualValueRequest) (*core.ManualValueResult, error) {
	f.edits = append(f.edits, req)
	return &core.ManualValueResult{}, nil
}

func (f *fakeReports) GenerateCarryover(_ context.Context, opts *core.Options) ([]core.ExternalValue, error) {
	for _, r := range f.reports {
		if r.ID == opts.ReportID && r.Code == f.failOn {
			return nil, errors.New("boom")
		}
	}
	f.carryovers = append(f.carryovers, opts)
	return []core.ExternalValue{{ID: len(f.carryovers)}}, nil
}

func newFake() *fakeReports {
	return &fakeReports{
		reports: []core.ReportSummary{
			{ID: 1, Code: "PL", Name: "Profit and Loss"},
			{ID: 2, Code: "PL_MARGIN", Name: "Margins", RootID: 1},
			{ID: 10, Code: "VAT", Name: "VAT Return"},
		},
		reroute: map[int]int{1: 2},
	}
}

func TestGetLines_ResolvesRefByCodeOrID(t *testing.T) {
	svc := NewAppService(newFake())
	ctx := context.Background()

	res, err := svc.GetLines(ctx, OptionsRequest{ReportRef: "10"})
	require.NoError(t, err)
	assert.Equal(t, "VAT", res.ReportCode)

	res, err = svc.GetLines(ctx, OptionsRequest{ReportRef: "VAT"})
	require.NoError(t, err)
	assert.Equal(t, "VAT Return", res.ReportName)
	assert.Len(t, res.Lines, 1)

	_, err = svc.GetLines(ctx, OptionsRequest{ReportRef: "99"})
	assert.ErrorIs(t, err, core.ErrReportNotFound)
}

func TestGetLines_FollowsVariantReroute(t *testing.T) {
	svc := NewAppService(newFake())
	res, err := svc.GetLines(context.Background(), OptionsRequest{ReportRef: "PL"})
	require.NoError(t, err)
	assert.Equal(t, "PL_MARGIN", res.ReportCode)
	assert.Equal(t, 2, res.Options.ReportID)
}

func TestExpandLine_RequiresLineID(t *testing.T) {
	svc := NewAppService(newFake())
	_, err := svc.ExpandLine(context.Background(), ExpandLineRequest{OptionsRequest: OptionsRequest{ReportRef: "VAT"}})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	res, err := svc.ExpandLine(context.Background(), ExpandLineRequest{
		OptionsRequest: OptionsRequest{ReportRef: "VAT"},
		Line:           core.ExpandRequest{LineID: "~account.report.line~1001"},
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "~account.report.line~1001", res.Lines[0].ParentID)
}

func TestEditManualValue_DefaultsSingleColumnGroup(t *testing.T) {
	fake := newFake()
	svc := NewAppService(fake)
	_, err := svc.EditManualValue(context.Background(), ManualValueRequest{
		OptionsRequest: OptionsRequest{ReportRef: "VAT"},
		Edit:           core.ManualValueRequest{TargetExpressionID: 10040, Value: "3"},
	})
	require.NoError(t, err)
	require.Len(t, fake.edits, 1)
	assert.Equal(t, "cg1", fake.edits[0].ColumnGroupKey)
}

func TestRunScheduledCarryover(t *testing.T) {
	fake := newFake()
	svc := NewAppService(fake)
	ctx := context.Background()

	results, err := svc.RunScheduledCarryover(ctx, []string{"VAT", "PL_MARGIN"}, "last_month")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "VAT", results[0].ReportCode)
	for _, opts := range fake.carryovers {
		assert.Equal(t, "last_month", opts.Date.Filter)
	}

	fake.failOn = "PL_MARGIN"
	results, err = svc.RunScheduledCarryover(ctx, []string{"VAT", "PL_MARGIN", "PL"}, "last_month")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carryover of PL_MARGIN")
	assert.Len(t, results, 1)
}

func TestNewCarryoverScheduler_Validates(t *testing.T) {
	svc := NewAppService(newFake())

	_, err := NewCarryoverScheduler(svc, "not a schedule", []string{"VAT"}, "last_month", zerolog.Nop())
	assert.ErrorContains(t, err, "invalid carryover schedule")

	_, err = NewCarryoverScheduler(svc, "@monthly", nil, "last_month", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewCarryoverScheduler(svc, "0 3 1 * *", []string{"VAT"}, "last_month", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	<-done
}
