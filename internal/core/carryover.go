package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"accounting-reports/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ── Carryover ─────────────────────────────────────────────────────────────────

const mainColumnGroup = "main"

// periodOptions returns a copy of opts with a single column group spanning
// the main date range and no horizontal split.
func periodOptions(opts *Options, report *Report) *Options {
	cp := *opts
	cp.ColumnGroups = map[string]ColumnGroup{mainColumnGroup: {ForcedOptions: ForcedOptions{Date: opts.Date}}}
	cp.Columns = nil
	for _, col := range report.Columns {
		cp.Columns = append(cp.Columns, ColumnOption{
			Name:            col.Name,
			ColumnGroupKey:  mainColumnGroup,
			ExpressionLabel: col.ExpressionLabel,
			FigureType:      col.FigureType,
		})
	}
	if len(cp.Columns) == 0 {
		cp.Columns = []ColumnOption{{ColumnGroupKey: mainColumnGroup}}
	}
	return &cp
}

// GenerateCarryover evaluates every _carryover_ expression of the report over
// the options' date range and stores the results, dated on the range end, as
// external values of their targets. Records written by a previous run for the
// same origin and date are replaced.
//
// With several companies each company receives its own value, and the first
// company also receives an adjustment so that the records add up to the
// value computed over all companies at once.
func (e *ReportEngine) GenerateCarryover(ctx context.Context, opts *Options) ([]ExternalValue, error) {
	report, err := e.catalog.Report(opts.ReportID)
	if err != nil {
		return nil, err
	}
	var carryovers []*Expression
	for _, x := range report.Expressions() {
		if x.isCarryover() {
			carryovers = append(carryovers, x)
		}
	}
	if len(carryovers) == 0 {
		return nil, nil
	}
	if len(opts.Companies) == 0 {
		return nil, consistencyErrorf("options select no company")
	}

	period := periodOptions(opts, report)
	pass, err := e.newPass(ctx, period)
	if err != nil {
		return nil, err
	}
	dateTo, err := parseDate(period.Date.DateTo)
	if err != nil {
		return nil, err
	}
	fiscalPositionID := 0
	if id, err := strconv.Atoi(period.FiscalPosition); err == nil {
		fiscalPositionID = id
	}
	name := fmt.Sprintf("Carryover from %s (%s)", report.Name, period.Date.String)

	var records []ExternalValue
	perCompany := map[int]decimal.Decimal{}
	for _, c := range period.Companies {
		copts := period.WithCompanies([]CompanyOption{c})
		totals, err := e.ComputeTotals(ctx, report, copts, carryovers)
		if err != nil {
			return nil, fmt.Errorf("failed to compute carryover for company %d: %w", c.ID, err)
		}
		for _, x := range carryovers {
			v, _ := totals.Value(mainColumnGroup, x)
			rate := pass.companyRates[c.ID]
			perCompany[x.ID] = perCompany[x.ID].Add(v.Value.Mul(rate))
			if v.Value.IsZero() {
				continue
			}
			records = append(records, carryoverRecord(x, c.ID, dateTo, fiscalPositionID, name, v.Value))
		}
	}

	adjustments := 0
	if len(period.Companies) > 1 {
		totals, err := e.ComputeTotals(ctx, report, period, carryovers)
		if err != nil {
			return nil, fmt.Errorf("failed to compute aggregate carryover: %w", err)
		}
		sender := period.Companies[0].ID
		for _, x := range carryovers {
			v, _ := totals.Value(mainColumnGroup, x)
			diff := v.Value.Sub(perCompany[x.ID])
			if diff.IsZero() {
				continue
			}
			if rate := pass.companyRates[sender]; !rate.IsZero() {
				diff = diff.Div(rate)
			}
			records = append(records, carryoverRecord(x, sender, dateTo, fiscalPositionID, name+" (adjustment)", diff))
			adjustments++
		}
	}

	err = e.store.WithExternalValueTx(ctx, func(tx ExternalValueTx) error {
		for _, x := range carryovers {
			old, err := tx.ExternalValues(ctx, ExternalValueFilter{
				CompanyIDs:         period.CompanyIDs(),
				ExpressionIDs:      []int{x.compiled.carryoverTarget.ID},
				DateFrom:           &dateTo,
				DateTo:             dateTo,
				CarryoverOriginIDs: []int{x.ID},
			})
			if err != nil {
				return fmt.Errorf("failed to read previous carryover: %w", err)
			}
			ids := make([]int, len(old))
			for i, v := range old {
				ids[i] = v.ID
			}
			if len(ids) > 0 {
				if err := tx.DeleteExternalValues(ctx, ids); err != nil {
					return fmt.Errorf("failed to delete previous carryover: %w", err)
				}
			}
		}
		for i := range records {
			id, err := tx.InsertExternalValue(ctx, records[i])
			if err != nil {
				return fmt.Errorf("failed to insert carryover: %w", err)
			}
			records[i].ID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.CarryoverRecords.WithLabelValues("company").Add(float64(len(records) - adjustments))
	observability.CarryoverRecords.WithLabelValues("adjustment").Add(float64(adjustments))
	zerolog.Ctx(ctx).Info().
		Str("report", report.Code).
		Str("date", formatDate(dateTo)).
		Int("records", len(records)).
		Msg("carryover generated")
	return records, nil
}

func carryoverRecord(x *Expression, companyID int, date time.Time, fiscalPositionID int, name string, value decimal.Decimal) ExternalValue {
	v := value
	return ExternalValue{
		CompanyID:          companyID,
		Date:               date,
		TargetExpressionID: x.compiled.carryoverTarget.ID,
		FiscalPositionID:   fiscalPositionID,
		Name:               name,
		Value:              &v,
		CarryoverOriginID:  x.ID,
	}
}
