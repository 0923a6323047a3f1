package core_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"accounting-reports/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// testReports is the catalog most engine tests run against.
const testReports = `
id: 1
code: PL
name: Profit and Loss
load_more_limit: 2
columns:
  - name: Balance
    expression_label: balance
lines:
  - id: 10
    code: REV
    name: Revenue
    sequence: 10
    foldable: true
    groupby: partner_id
    expressions:
      - {id: 100, label: balance, engine: account_codes, formula: "-4"}
  - id: 11
    code: EXP
    name: Expenses
    sequence: 20
    expressions:
      - {id: 101, label: balance, engine: domain, formula: "[('account_id.code', '=like', '6%')]"}
  - id: 12
    code: OTHER
    name: Other
    sequence: 30
    expressions:
      - {id: 102, label: balance, engine: domain, formula: "[('account_id.code', '=like', '9%')]"}
  - id: 13
    code: NET
    name: Net
    sequence: 40
    expressions:
      - {id: 103, label: balance, engine: aggregation, formula: REV.balance - EXP.balance}
---
id: 2
code: PARTNERS
name: Sales by partner
prefix_groups_threshold: 2
columns:
  - name: Balance
    expression_label: balance
lines:
  - id: 20
    code: P_REV
    name: Sales
    foldable: true
    groupby: partner_id
    expressions:
      - {id: 200, label: balance, engine: account_codes, formula: "-4"}
---
id: 3
code: CARRY
name: Carryover
columns:
  - name: Balance
    expression_label: balance
lines:
  - id: 30
    code: A
    name: Credit
    sequence: 10
    expressions:
      - {id: 300, label: balance, engine: account_codes, formula: "-7"}
  - id: 31
    code: BRAW
    name: Raw adjustment
    sequence: 20
    expressions:
      - {id: 310, label: balance, engine: account_codes, formula: "8"}
  - id: 32
    code: B
    name: Adjustment
    sequence: 30
    expressions:
      - {id: 320, label: balance, engine: aggregation, formula: BRAW.balance, subformula: "if_below(USD(-3))"}
  - id: 33
    code: C
    name: Carried over
    sequence: 40
    expressions:
      - {id: 330, label: balance, engine: aggregation, formula: C._applied_carryover_balance}
      - {id: 331, label: _carryover_balance, engine: aggregation, formula: A.balance + B.balance}
      - {id: 332, label: _applied_carryover_balance, engine: external, formula: most_recent, date_scope: previous_tax_period}
---
id: 4
code: MANUAL
name: Manual values
columns:
  - name: Balance
    expression_label: balance
lines:
  - id: 40
    code: ADJ
    name: Adjustment
    sequence: 10
    expressions:
      - {id: 400, label: balance, engine: external, formula: sum, subformula: "editable;rounding=2"}
  - id: 41
    code: FIXED
    name: Fixed
    sequence: 20
    expressions:
      - {id: 410, label: balance, engine: external, formula: sum}
  - id: 42
    code: TOTAL
    name: Total
    sequence: 30
    expressions:
      - {id: 420, label: balance, engine: aggregation, formula: ADJ.balance + FIXED.balance}
---
id: 5
code: TB
name: Trial Balance
custom_handler: account_balance
filters:
  hierarchy: true
columns:
  - name: Balance
    expression_label: balance
---
id: 6
code: PL_SHORT
name: Profit and Loss (short)
root_report_id: 1
columns:
  - name: Balance
    expression_label: balance
lines:
  - id: 60
    code: S_REV
    name: Revenue
    expressions:
      - {id: 600, label: balance, engine: account_codes, formula: "-4"}
`

var testNow = time.Date(2024, time.February, 15, 9, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// writeReports stores docs as a report file and loads the directory.
func writeReports(t *testing.T, docs string) (*core.Catalog, error) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reports.yaml"), []byte(docs), 0o600))
	return core.LoadCatalog(dir)
}

type ledgerBuilder struct {
	lines []core.JournalLine
}

// move posts one balanced two-line entry.
func (b *ledgerBuilder) move(company, debitAccount, creditAccount, partner int, date, value string) {
	for _, side := range []struct {
		account       int
		debit, credit decimal.Decimal
	}{
		{debitAccount, amount(value), decimal.Zero},
		{creditAccount, decimal.Zero, amount(value)},
	} {
		b.lines = append(b.lines, core.JournalLine{
			ID:          len(b.lines) + 1,
			CompanyID:   company,
			AccountID:   side.account,
			JournalID:   company,
			PartnerID:   partner,
			PostingDate: day(date),
			Name:        "Entry " + value,
			Debit:       side.debit,
			Credit:      side.credit,
			State:       core.StatePosted,
		})
	}
}

// testLedger holds two USD companies. In January 2024 company 1 sells 100 to
// each of five partners, pays 200 of rent, and carries a 30 credit on
// 7xxxxx with a -2 balance on 8xxxxx; company 2 carries 45 and -3.
func testLedger() core.LedgerFixture {
	b := &ledgerBuilder{}
	for partner := 1; partner <= 5; partner++ {
		b.move(1, 1, 2, partner, "2024-01-10", "100")
	}
	b.move(1, 3, 1, 0, "2024-01-20", "200")
	b.move(1, 1, 4, 0, "2024-01-25", "30")
	b.move(1, 1, 5, 0, "2024-01-25", "2")
	b.move(2, 11, 14, 0, "2024-01-25", "45")
	b.move(2, 11, 15, 0, "2024-01-25", "3")

	return core.LedgerFixture{
		Companies: []core.Company{
			{ID: 1, Name: "Main Co", BaseCurrency: "USD", FiscalYearLastMonth: time.December, FiscalYearLastDay: 31, TaxPeriodicity: core.PeriodicityMonthly},
			{ID: 2, Name: "Branch Co", BaseCurrency: "USD", FiscalYearLastMonth: time.December, FiscalYearLastDay: 31, TaxPeriodicity: core.PeriodicityMonthly},
		},
		AccountGroups: []core.AccountGroup{
			{ID: 1, Name: "Revenue", CodeStart: "4"},
			{ID: 2, Name: "Expenses", CodeStart: "6"},
		},
		Accounts: []core.Account{
			{ID: 1, CompanyID: 1, Code: "101000", Name: "Bank", Type: "asset", IncludeInitialBalance: true},
			{ID: 2, CompanyID: 1, Code: "400000", Name: "Sales", Type: "revenue", GroupID: 1},
			{ID: 3, CompanyID: 1, Code: "600000", Name: "Rent", Type: "expense", GroupID: 2},
			{ID: 4, CompanyID: 1, Code: "700000", Name: "Tax credit", Type: "liability"},
			{ID: 5, CompanyID: 1, Code: "800000", Name: "Adjustments", Type: "liability"},
			{ID: 11, CompanyID: 2, Code: "101000", Name: "Bank", Type: "asset", IncludeInitialBalance: true},
			{ID: 14, CompanyID: 2, Code: "700000", Name: "Tax credit", Type: "liability"},
			{ID: 15, CompanyID: 2, Code: "800000", Name: "Adjustments", Type: "liability"},
		},
		Journals: []core.Journal{
			{ID: 1, CompanyID: 1, Code: "MISC", Name: "Miscellaneous", Type: "general"},
			{ID: 2, CompanyID: 2, Code: "MISC", Name: "Miscellaneous", Type: "general"},
		},
		Partners: []core.Partner{
			{ID: 1, Name: "Acme Corp"},
			{ID: 2, Name: "Apex Industries"},
			{ID: 3, Name: "Beta Logistics"},
			{ID: 4, Name: "Bolt Retail"},
			{ID: 5, Name: "Contoso"},
		},
		JournalLines: b.lines,
	}
}

func newTestEngine(t *testing.T, fixture core.LedgerFixture) (*core.ReportEngine, *core.MemoryStore) {
	t.Helper()
	catalog, err := writeReports(t, testReports)
	require.NoError(t, err)
	store := core.NewMemoryStore(fixture)
	engine := core.NewReportEngine(catalog, store, core.EngineConfig{Now: func() time.Time { return testNow }})
	return engine, store
}

// january returns previous options selecting January 2024.
func january(companies ...int) *core.Options {
	prev := &core.Options{Date: core.DateOption{DateFrom: "2024-01-01", DateTo: "2024-01-31"}}
	for _, id := range companies {
		prev.Companies = append(prev.Companies, core.CompanyOption{ID: id})
	}
	return prev
}

func resolve(t *testing.T, engine *core.ReportEngine, reportID int, prev *core.Options) *core.Options {
	t.Helper()
	opts, err := engine.Options(context.Background(), reportID, prev)
	require.NoError(t, err)
	return opts
}

func lineNamed(t *testing.T, lines []core.Line, name string) core.Line {
	t.Helper()
	for _, l := range lines {
		if l.Name == name {
			return l
		}
	}
	require.Failf(t, "line not found", "no line named %q", name)
	return core.Line{}
}

func names(lines []core.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Name
	}
	return out
}

func cellValue(t *testing.T, l core.Line, col int) decimal.Decimal {
	t.Helper()
	require.Greater(t, len(l.Columns), col)
	d, ok := l.Columns[col].NoFormat.(decimal.Decimal)
	require.True(t, ok, "column %d of %q is not numeric", col, l.Name)
	return d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, amount(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}
