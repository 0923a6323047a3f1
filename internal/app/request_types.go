package app

import "accounting-reports/internal/core"

// OptionsRequest names a report and the client's previous options.
type OptionsRequest struct {
	ReportRef string        `json:"report"`
	Previous  *core.Options `json:"options,omitempty"`
}

// ExpandLineRequest unfolds one line of a rendered report.
type ExpandLineRequest struct {
	OptionsRequest
	Line core.ExpandRequest `json:"line"`
}

// ManualValueRequest edits the value of an external expression.
type ManualValueRequest struct {
	OptionsRequest
	Edit core.ManualValueRequest `json:"edit"`
}
