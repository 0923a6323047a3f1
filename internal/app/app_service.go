package app

import (
	"context"
	"fmt"
	"strconv"

	"accounting-reports/internal/core"

	"github.com/rs/zerolog"
)

type appService struct {
	reports core.ReportService
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(reports core.ReportService) ApplicationService {
	return &appService{reports: reports}
}

// resolveReport maps a report id or code to the report summary.
func (s *appService) resolveReport(ref string) (core.ReportSummary, error) {
	id, idErr := strconv.Atoi(ref)
	for _, r := range s.reports.Reports() {
		if (idErr == nil && r.ID == id) || (r.Code != "" && r.Code == ref) {
			return r, nil
		}
	}
	return core.ReportSummary{}, fmt.Errorf("%w: %s", core.ErrReportNotFound, ref)
}

// options resolves the options of req and returns them with the report
// they ended up on, which differs from the requested one after a variant
// reroute.
func (s *appService) options(ctx context.Context, req OptionsRequest) (*core.Options, core.ReportSummary, error) {
	r, err := s.resolveReport(req.ReportRef)
	if err != nil {
		return nil, core.ReportSummary{}, err
	}
	opts, err := s.reports.Options(ctx, r.ID, req.Previous)
	if err != nil {
		return nil, core.ReportSummary{}, err
	}
	if opts.ReportID != r.ID {
		if r, err = s.resolveReport(strconv.Itoa(opts.ReportID)); err != nil {
			return nil, core.ReportSummary{}, err
		}
	}
	return opts, r, nil
}

func (s *appService) ListReports(ctx context.Context) (*ReportListResult, error) {
	return &ReportListResult{Reports: s.reports.Reports()}, nil
}

func (s *appService) GetOptions(ctx context.Context, req OptionsRequest) (*OptionsResult, error) {
	opts, _, err := s.options(ctx, req)
	if err != nil {
		return nil, err
	}
	return &OptionsResult{Options: opts}, nil
}

func (s *appService) GetLines(ctx context.Context, req OptionsRequest) (*LinesResult, error) {
	opts, r, err := s.options(ctx, req)
	if err != nil {
		return nil, err
	}
	lines, err := s.reports.Lines(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &LinesResult{ReportCode: r.Code, ReportName: r.Name, Options: opts, Lines: lines}, nil
}

func (s *appService) ExpandLine(ctx context.Context, req ExpandLineRequest) (*LinesResult, error) {
	if req.Line.LineID == "" {
		return nil, fmt.Errorf("%w: line id is required", core.ErrInvalidInput)
	}
	opts, r, err := s.options(ctx, req.OptionsRequest)
	if err != nil {
		return nil, err
	}
	lines, err := s.reports.Expand(ctx, opts, req.Line)
	if err != nil {
		return nil, err
	}
	return &LinesResult{ReportCode: r.Code, ReportName: r.Name, Options: opts, Lines: lines}, nil
}

func (s *appService) EditManualValue(ctx context.Context, req ManualValueRequest) (*ManualValueResult, error) {
	opts, _, err := s.options(ctx, req.OptionsRequest)
	if err != nil {
		return nil, err
	}
	if req.Edit.ColumnGroupKey == "" {
		keys := opts.ColumnGroupKeys()
		if len(keys) != 1 {
			return nil, fmt.Errorf("%w: column_group_key is required when the report has %d column groups", core.ErrInvalidInput, len(keys))
		}
		req.Edit.ColumnGroupKey = keys[0]
	}
	res, err := s.reports.EditManualValue(ctx, opts, req.Edit)
	if err != nil {
		return nil, err
	}
	return &ManualValueResult{Options: opts, Lines: res.Lines, Totals: res.Totals}, nil
}

func (s *appService) GenerateCarryover(ctx context.Context, req OptionsRequest) (*CarryoverResult, error) {
	opts, r, err := s.options(ctx, req)
	if err != nil {
		return nil, err
	}
	records, err := s.reports.GenerateCarryover(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &CarryoverResult{
		ReportCode: r.Code,
		DateFrom:   opts.Date.DateFrom,
		DateTo:     opts.Date.DateTo,
		Records:    records,
	}, nil
}

func (s *appService) RunScheduledCarryover(ctx context.Context, reportCodes []string, dateFilter string) ([]CarryoverResult, error) {
	log := zerolog.Ctx(ctx)
	var out []CarryoverResult
	for _, code := range reportCodes {
		res, err := s.GenerateCarryover(ctx, OptionsRequest{
			ReportRef: code,
			Previous:  &core.Options{Date: core.DateOption{Filter: dateFilter}},
		})
		if err != nil {
			return out, fmt.Errorf("carryover of %s: %w", code, err)
		}
		log.Info().Str("report", code).Str("date_to", res.DateTo).Int("records", len(res.Records)).Msg("scheduled carryover done")
		out = append(out, *res)
	}
	return out, nil
}
