package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Ledger records ────────────────────────────────────────────────────────────
//
// These are the records the report engine reads through a LedgerStore. They
// mirror the companies / accounts / journal_lines schema, flattened to one
// row per journal line.

type TaxPeriodicity string

const (
	PeriodicityMonthly   TaxPeriodicity = "monthly"
	PeriodicityQuarterly TaxPeriodicity = "quarterly"
	PeriodicityYearly    TaxPeriodicity = "yearly"
)

type Company struct {
	ID                  int            `json:"id" yaml:"id"`
	CompanyCode         string         `json:"company_code" yaml:"company_code"`
	Name                string         `json:"name" yaml:"name"`
	BaseCurrency        string         `json:"base_currency" yaml:"base_currency"`
	FiscalYearLastMonth time.Month     `json:"fiscal_year_last_month" yaml:"fiscal_year_last_month"`
	FiscalYearLastDay   int            `json:"fiscal_year_last_day" yaml:"fiscal_year_last_day"`
	TaxPeriodicity      TaxPeriodicity `json:"tax_periodicity" yaml:"tax_periodicity"`
	// FiscalPositionIDs lists the foreign VAT fiscal positions of the company.
	FiscalPositionIDs []int `json:"fiscal_position_ids,omitempty" yaml:"fiscal_position_ids"`
}

type Account struct {
	ID                    int    `json:"id" yaml:"id"`
	CompanyID             int    `json:"company_id" yaml:"company_id"`
	Code                  string `json:"code" yaml:"code"`
	Name                  string `json:"name" yaml:"name"`
	Type                  string `json:"type" yaml:"type"`
	IncludeInitialBalance bool   `json:"include_initial_balance" yaml:"include_initial_balance"`
	GroupID               int    `json:"group_id,omitempty" yaml:"group_id"`
	TagIDs                []int  `json:"tag_ids,omitempty" yaml:"tag_ids"`
}

// AccountGroup is a node of the chart-of-accounts hierarchy.
type AccountGroup struct {
	ID        int    `json:"id" yaml:"id"`
	ParentID  int    `json:"parent_id,omitempty" yaml:"parent_id"`
	Name      string `json:"name" yaml:"name"`
	CodeStart string `json:"code_prefix_start" yaml:"code_prefix_start"`
}

// AccountTag is either an account tag (tag(...) terms) or a tax tag named
// `+label` / `-label`.
type AccountTag struct {
	ID    int    `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	XMLID string `json:"xml_id,omitempty" yaml:"xml_id"`
}

type Journal struct {
	ID        int    `json:"id" yaml:"id"`
	CompanyID int    `json:"company_id" yaml:"company_id"`
	Code      string `json:"code" yaml:"code"`
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
}

type Partner struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

const (
	StatePosted = "posted"
	StateDraft  = "draft"
)

// JournalLine is one ledger entry line, already joined with its entry header.
type JournalLine struct {
	ID               int             `json:"id" yaml:"id"`
	CompanyID        int             `json:"company_id" yaml:"company_id"`
	AccountID        int             `json:"account_id" yaml:"account_id"`
	JournalID        int             `json:"journal_id" yaml:"journal_id"`
	PartnerID        int             `json:"partner_id,omitempty" yaml:"partner_id"`
	FiscalPositionID int             `json:"fiscal_position_id,omitempty" yaml:"fiscal_position_id"`
	AnalyticID       int             `json:"analytic_account_id,omitempty" yaml:"analytic_account_id"`
	PostingDate      time.Time       `json:"posting_date" yaml:"posting_date"`
	Name             string          `json:"name" yaml:"name"`
	Debit            decimal.Decimal `json:"debit" yaml:"debit"`
	Credit           decimal.Decimal `json:"credit" yaml:"credit"`
	State            string          `json:"state" yaml:"state"`
	TaxTagIDs        []int           `json:"tax_tag_ids,omitempty" yaml:"tax_tag_ids"`
	TaxTagInvert     bool            `json:"tax_tag_invert,omitempty" yaml:"tax_tag_invert"`
}

// Balance is debit minus credit.
func (l JournalLine) Balance() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// ExternalValue is a persisted manual, seeded or carried-over amount for an
// external expression.
type ExternalValue struct {
	ID                 int              `json:"id" yaml:"id"`
	CompanyID          int              `json:"company_id" yaml:"company_id"`
	Date               time.Time        `json:"date" yaml:"date"`
	TargetExpressionID int              `json:"target_expression_id" yaml:"target_expression_id"`
	FiscalPositionID   int              `json:"fiscal_position_id,omitempty" yaml:"fiscal_position_id"`
	Name               string           `json:"name" yaml:"name"`
	Value              *decimal.Decimal `json:"value,omitempty" yaml:"value"`
	TextValue          *string          `json:"text_value,omitempty" yaml:"text_value"`
	CarryoverOriginID  int              `json:"carryover_origin_expression_id,omitempty" yaml:"carryover_origin_expression_id"`
}

// CurrencyRate expresses how many units of Currency equal one unit of the
// reference currency from Date on.
type CurrencyRate struct {
	Currency string          `json:"currency" yaml:"currency"`
	Date     time.Time       `json:"date" yaml:"date"`
	Rate     decimal.Decimal `json:"rate" yaml:"rate"`
}
