package app

import "accounting-reports/internal/core"

// ReportListResult is returned by ListReports.
type ReportListResult struct {
	Reports []core.ReportSummary `json:"reports"`
}

// OptionsResult is returned by GetOptions.
type OptionsResult struct {
	Options *core.Options `json:"options"`
}

// LinesResult is returned by GetLines and ExpandLine.
type LinesResult struct {
	ReportCode string        `json:"report_code"`
	ReportName string        `json:"report_name"`
	Options    *core.Options `json:"options"`
	Lines      []core.Line   `json:"lines"`
}

// ManualValueResult is returned by EditManualValue.
type ManualValueResult struct {
	Options *core.Options `json:"options"`
	Lines   []core.Line   `json:"lines"`
	Totals  core.Totals   `json:"totals"`
}

// CarryoverResult is returned by GenerateCarryover.
type CarryoverResult struct {
	ReportCode string               `json:"report_code"`
	DateFrom   string               `json:"date_from"`
	DateTo     string               `json:"date_to"`
	Records    []core.ExternalValue `json:"records"`
}
