package core

import (
	"context"
)

// ── Report service ────────────────────────────────────────────────────────────

// ReportSummary describes one report of the catalog for listings.
type ReportSummary struct {
	ID     int    `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	RootID int    `json:"root_report_id,omitempty"`
	// Lines counts the static lines, nested ones included.
	Lines int `json:"lines"`
}

// ReportService is the report surface used by the application layer.
type ReportService interface {
	Reports() []ReportSummary
	Options(ctx context.Context, reportID int, previous *Options) (*Options, error)
	Lines(ctx context.Context, opts *Options) ([]Line, error)
	Totals(ctx context.Context, opts *Options) (Totals, error)
	Expand(ctx context.Context, opts *Options, req ExpandRequest) ([]Line, error)
	EditManualValue(ctx context.Context, opts *Options, req ManualValueRequest) (*ManualValueResult, error)
	GenerateCarryover(ctx context.Context, opts *Options) ([]ExternalValue, error)
}

var _ ReportService = (*ReportEngine)(nil)

// Reports lists the catalog in load order.
func (e *ReportEngine) Reports() []ReportSummary {
	out := make([]ReportSummary, 0, len(e.catalog.Reports()))
	for _, r := range e.catalog.Reports() {
		out = append(out, ReportSummary{
			ID:     r.ID,
			Code:   r.Code,
			Name:   r.Name,
			RootID: r.RootReportID,
			Lines:  len(r.AllLines()),
		})
	}
	return out
}

// Options resolves the options of reportID from the previous options a
// client sent back. previous may be nil. The returned options may belong to
// another report of the family when a variant or section reroutes.
func (e *ReportEngine) Options(ctx context.Context, reportID int, previous *Options) (*Options, error) {
	return e.options.Resolve(ctx, reportID, previous)
}

// Totals computes every expression of the report selected by opts.
func (e *ReportEngine) Totals(ctx context.Context, opts *Options) (Totals, error) {
	report, err := e.catalog.Report(opts.ReportID)
	if err != nil {
		return nil, err
	}
	return e.ComputeTotals(ctx, report, opts, report.Expressions())
}
