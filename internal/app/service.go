package app

import (
	"context"
)

// ApplicationService is the single interface all UI adapters (CLI, Web) call.
// It decouples presentation from report evaluation. Implementations must
// contain no fmt.Println and no display logic of any kind.
//
// Reports are addressed by ref: a numeric report id or a report code.
type ApplicationService interface {
	// ListReports returns the loaded report definitions.
	ListReports(ctx context.Context) (*ReportListResult, error)

	// GetOptions resolves the options of a report from the client's previous
	// options (nil on first display).
	GetOptions(ctx context.Context, req OptionsRequest) (*OptionsResult, error)

	// GetLines resolves the options and renders the report.
	GetLines(ctx context.Context, req OptionsRequest) (*LinesResult, error)

	// ExpandLine returns the children of one line, or the next page after a
	// load-more line.
	ExpandLine(ctx context.Context, req ExpandLineRequest) (*LinesResult, error)

	// EditManualValue stores a manual value on an editable expression and
	// returns the refreshed report.
	EditManualValue(ctx context.Context, req ManualValueRequest) (*ManualValueResult, error)

	// GenerateCarryover writes the carryover records of one report for the
	// period of its resolved options.
	GenerateCarryover(ctx context.Context, req OptionsRequest) (*CarryoverResult, error)

	// RunScheduledCarryover generates carryover for each report code over
	// the given date filter. It stops at the first failure.
	RunScheduledCarryover(ctx context.Context, reportCodes []string, dateFilter string) ([]CarryoverResult, error)
}
