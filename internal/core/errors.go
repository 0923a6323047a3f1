package core

import (
	"errors"
	"fmt"
	"strings"
)

// ── Error taxonomy ────────────────────────────────────────────────────────────
//
// Every failure the engine raises on its own is one of the types below. They
// are returned to the caller and matched with errors.As.

// ErrInvalidInput marks request values the engine cannot interpret, such as
// a malformed line id or a non-numeric manual value.
var ErrInvalidInput = errors.New("invalid input")

// FormulaError reports a malformed formula or subformula, or a term that
// cannot be resolved against the report catalog.
type FormulaError struct {
	ReportCode string
	LineCode   string
	Label      string
	Err        error
}

func (e *FormulaError) Error() string {
	return fmt.Sprintf("invalid formula for %s on line %q of report %s: %v", e.Label, e.LineCode, e.ReportCode, e.Err)
}

func (e *FormulaError) Unwrap() error { return e.Err }

func newFormulaError(expr *Expression, report *Report, err error) *FormulaError {
	fe := &FormulaError{Label: expr.Label, Err: err}
	if report != nil {
		fe.ReportCode = report.Code
	}
	if expr.line != nil {
		fe.LineCode = expr.line.Code
		if fe.LineCode == "" {
			fe.LineCode = expr.line.Name
		}
	}
	return fe
}

// AggregationCycleError reports aggregation terms that can never be resolved,
// either because they reference each other or because the fixpoint stalled.
type AggregationCycleError struct {
	Terms []string
}

func (e *AggregationCycleError) Error() string {
	return "could not expand term(s): " + strings.Join(e.Terms, ", ")
}

// ScopeAmbiguityError rejects a manual edit whose scope covers more than one
// company or every fiscal position at once.
type ScopeAmbiguityError struct {
	Reason string
}

func (e *ScopeAmbiguityError) Error() string {
	return "ambiguous manual value scope: " + e.Reason
}

// EngineCapabilityError reports a request an engine does not support.
type EngineCapabilityError struct {
	Engine Engine
	Reason string
}

func (e *EngineCapabilityError) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Engine, e.Reason)
}

// ConsistencyError signals a malformed report definition detected during
// evaluation, as opposed to bad user input.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "report consistency error: " + e.Msg
}

func consistencyErrorf(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Msg: fmt.Sprintf(format, args...)}
}
