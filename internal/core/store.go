package core

import (
	"context"
	"time"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
)

// Measure selects the amount a ledger query sums.
type Measure int

const (
	// MeasureBalance sums debit - credit.
	MeasureBalance Measure = iota
	// MeasureTaxBalance sums the balance with the tax_tag_invert sign applied.
	MeasureTaxBalance
)

// LedgerQuery is one aggregate over journal lines. Offset and Limit page over
// the distinct values of the first GroupBy field, in group key order.
type LedgerQuery struct {
	Domain        formula.Domain
	Measure       Measure
	GroupBy       []string
	CountDistinct string
	Offset        int
	Limit         int
	// Rates converts each company's amounts into the report currency.
	// Companies without an entry use 1.
	Rates map[int]decimal.Decimal
}

// AggregateRow is one group of a LedgerQuery result. Keys follow GroupBy.
type AggregateRow struct {
	Keys  []GroupKey
	Sum   decimal.Decimal
	Count int
}

// ExternalValueFilter scopes external value reads. FiscalPosition is "all",
// "domestic" or a fiscal position id.
type ExternalValueFilter struct {
	CompanyIDs         []int
	ExpressionIDs      []int
	DateFrom           *time.Time
	DateTo             time.Time
	FiscalPosition     string
	CarryoverOriginIDs []int
}

// LedgerStore is the data collaborator of the report engine.
type LedgerStore interface {
	Companies(ctx context.Context) ([]Company, error)
	Accounts(ctx context.Context, companyIDs []int) ([]Account, error)
	AccountGroups(ctx context.Context) ([]AccountGroup, error)
	AccountTags(ctx context.Context) ([]AccountTag, error)
	Journals(ctx context.Context, companyIDs []int) ([]Journal, error)
	// CurrencyRates returns, per currency, the latest rate on or before date.
	CurrencyRates(ctx context.Context, date time.Time) (map[string]decimal.Decimal, error)

	// AggregateBatch runs every query in one round trip. The i-th result
	// answers the i-th query, rows sorted by group key.
	AggregateBatch(ctx context.Context, queries []LedgerQuery) ([][]AggregateRow, error)

	ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error)
	// WithExternalValueTx runs fn in one transaction; an error rolls back.
	WithExternalValueTx(ctx context.Context, fn func(tx ExternalValueTx) error) error
}

// ExternalValueTx is the read-modify-write surface over external values.
type ExternalValueTx interface {
	ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error)
	InsertExternalValue(ctx context.Context, v ExternalValue) (int, error)
	UpdateExternalValue(ctx context.Context, id int, value decimal.Decimal) error
	DeleteExternalValues(ctx context.Context, ids []int) error
}

// matchesFiscalPosition applies the external value fiscal position filter.
func matchesFiscalPosition(filter string, fpID int) bool {
	switch filter {
	case "", fiscalPositionAll:
		return true
	case fiscalPositionDomestic:
		return fpID == 0
	}
	return filter == itoa(fpID)
}
