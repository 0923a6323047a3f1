package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"accounting-reports/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ── Manual values ─────────────────────────────────────────────────────────────

// ManualValueRequest overrides the value an external expression shows in one
// column group. Totals, when given, are the client's cached totals: only the
// external and aggregation expressions are recomputed from them.
type ManualValueRequest struct {
	ColumnGroupKey     string `json:"column_group_key"`
	TargetExpressionID int    `json:"target_expression_id"`
	Value              string `json:"value"`
	Rounding           *int   `json:"rounding,omitempty"`
	Totals             Totals `json:"totals,omitempty"`
}

// ManualValueResult carries the report after the edit.
type ManualValueResult struct {
	Lines  []Line `json:"lines"`
	Totals Totals `json:"totals"`
}

// EditManualValue stores req.Value so that the target expression evaluates
// to exactly that value over the column group's window.
func (e *ReportEngine) EditManualValue(ctx context.Context, opts *Options, req ManualValueRequest) (*ManualValueResult, error) {
	res, err := e.editManualValue(ctx, opts, req)
	status := "success"
	if err != nil {
		status = "failed"
	}
	observability.ManualValueEdits.WithLabelValues(status).Inc()
	return res, err
}

func (e *ReportEngine) editManualValue(ctx context.Context, opts *Options, req ManualValueRequest) (*ManualValueResult, error) {
	report, err := e.catalog.Report(opts.ReportID)
	if err != nil {
		return nil, err
	}
	target, ok := e.catalog.Expression(req.TargetExpressionID)
	if !ok || target.ReportID != report.ID {
		return nil, consistencyErrorf("expression %d is not part of report %s", req.TargetExpressionID, report.Code)
	}
	if target.Engine != EngineExternal || !target.compiled.external.Editable {
		return nil, consistencyErrorf("expression %s is not editable", termName(target))
	}
	if len(opts.Companies) != 1 {
		return nil, &ScopeAmbiguityError{Reason: "manual values can only be edited with a single company selected"}
	}
	cgOpts, err := opts.ForColumnGroup(req.ColumnGroupKey)
	if err != nil {
		return nil, err
	}
	pass, err := e.newPass(ctx, cgOpts)
	if err != nil {
		return nil, err
	}
	company := pass.mainCompany()
	if cgOpts.FiscalPosition == fiscalPositionAll && len(company.FiscalPositionIDs) > 0 {
		return nil, &ScopeAmbiguityError{Reason: "select a single fiscal position to edit manual values"}
	}
	bounds, err := DateBoundsInfo(cgOpts, target.DateScope, company)
	if err != nil {
		return nil, err
	}

	record := ExternalValue{
		CompanyID:          company.ID,
		Date:               bounds.To,
		TargetExpressionID: target.ID,
		Name:               "Manual value",
	}
	if id, err := strconv.Atoi(cgOpts.FiscalPosition); err == nil {
		record.FiscalPositionID = id
	}
	var amount decimal.Decimal
	if target.FigureType == FigureString {
		text := req.Value
		record.TextValue = &text
	} else {
		amount, err = decimal.NewFromString(req.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: manual value %q: %v", ErrInvalidInput, req.Value, err)
		}
		rate := pass.companyRates[company.ID]
		if !rate.IsZero() {
			amount = amount.Div(rate)
		}
		switch {
		case req.Rounding != nil:
			amount = amount.Round(int32(*req.Rounding))
		case target.compiled.external.Rounding != nil:
			amount = amount.Round(int32(*target.compiled.external.Rounding))
		}
	}

	err = e.store.WithExternalValueTx(ctx, func(tx ExternalValueTx) error {
		existing, err := tx.ExternalValues(ctx, ExternalValueFilter{
			CompanyIDs:     []int{company.ID},
			ExpressionIDs:  []int{target.ID},
			DateFrom:       bounds.From,
			DateTo:         bounds.To,
			FiscalPosition: cgOpts.FiscalPosition,
		})
		if err != nil {
			return fmt.Errorf("failed to read external values: %w", err)
		}
		return writeManualValue(ctx, tx, target, existing, record, amount)
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Int("expression_id", target.ID).
		Int("company_id", company.ID).
		Str("date", formatDate(bounds.To)).
		Msg("manual value stored")

	var totals Totals
	if req.Totals != nil {
		totals, err = e.recomputeTotals(ctx, report, opts, report.Expressions(), req.Totals,
			map[Engine]bool{EngineExternal: true, EngineAggregation: true})
	} else {
		totals, err = e.ComputeTotals(ctx, report, opts, report.Expressions())
	}
	if err != nil {
		return nil, err
	}
	lines, err := e.buildLines(ctx, report, opts, totals)
	if err != nil {
		return nil, err
	}
	return &ManualValueResult{Lines: lines, Totals: totals}, nil
}

// writeManualValue updates the record dated on the window end, or inserts
// one. The record absorbs the difference with every other record the engine
// adds to it.
func writeManualValue(ctx context.Context, tx ExternalValueTx, target *Expression, existing []ExternalValue, record ExternalValue, amount decimal.Decimal) error {
	var current *ExternalValue
	if n := len(existing); n > 0 && existing[n-1].Date.Equal(record.Date) {
		current = &existing[n-1]
	}

	if record.TextValue != nil {
		if current != nil {
			if err := tx.DeleteExternalValues(ctx, []int{current.ID}); err != nil {
				return fmt.Errorf("failed to replace external value: %w", err)
			}
		}
		if _, err := tx.InsertExternalValue(ctx, record); err != nil {
			return fmt.Errorf("failed to insert external value: %w", err)
		}
		return nil
	}

	// most_recent only sums the records of the latest date.
	sum := strings.TrimSpace(target.Formula) == externalSum
	value := amount
	for _, v := range existing {
		if current != nil && v.ID == current.ID {
			continue
		}
		if v.Value != nil && (sum || v.Date.Equal(record.Date)) {
			value = value.Sub(*v.Value)
		}
	}
	if current != nil && current.TextValue == nil {
		if err := tx.UpdateExternalValue(ctx, current.ID, value); err != nil {
			return fmt.Errorf("failed to update external value: %w", err)
		}
		return nil
	}
	record.Value = &value
	if _, err := tx.InsertExternalValue(ctx, record); err != nil {
		return fmt.Errorf("failed to insert external value: %w", err)
	}
	return nil
}
