package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// seededTables are truncated by LoadFixture, children first.
var seededTables = []string{
	"external_values", "journal_line_tax_tags", "journal_lines", "journal_entries",
	"partners", "journals", "account_account_tags", "accounts", "account_tags",
	"account_groups", "currency_rates", "companies",
}

// serialTables have their id sequence moved past the loaded ids.
var serialTables = []string{
	"companies", "account_groups", "account_tags", "accounts", "journals",
	"partners", "journal_entries", "journal_lines", "external_values",
}

// LoadFixture replaces the whole ledger with fixture in one transaction.
// Every journal line becomes its own entry with the same id.
func (s *PostgresStore) LoadFixture(ctx context.Context, fixture LedgerFixture) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(seededTables, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range fixture.Companies {
		code := c.CompanyCode
		if code == "" {
			code = strconv.Itoa(c.ID)
		}
		fpos := c.FiscalPositionIDs
		if fpos == nil {
			fpos = []int{}
		}
		batch.Queue(`INSERT INTO companies (id, company_code, name, base_currency, fiscal_year_last_month, fiscal_year_last_day, tax_periodicity, fiscal_position_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, code, c.Name, c.BaseCurrency, int(c.FiscalYearLastMonth), c.FiscalYearLastDay, string(c.TaxPeriodicity), fpos)
	}
	// Parents are listed before children in fixtures.
	for _, g := range fixture.AccountGroups {
		batch.Queue(`INSERT INTO account_groups (id, parent_id, name, code_prefix_start) VALUES ($1, NULLIF($2, 0), $3, $4)`,
			g.ID, g.ParentID, g.Name, g.CodeStart)
	}
	for _, tag := range fixture.AccountTags {
		batch.Queue(`INSERT INTO account_tags (id, name, xml_id) VALUES ($1, $2, NULLIF($3, ''))`, tag.ID, tag.Name, tag.XMLID)
	}
	for _, a := range fixture.Accounts {
		batch.Queue(`INSERT INTO accounts (id, company_id, code, name, type, include_initial_balance, group_id)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0))`,
			a.ID, a.CompanyID, a.Code, a.Name, a.Type, a.IncludeInitialBalance, a.GroupID)
		for _, tagID := range a.TagIDs {
			batch.Queue(`INSERT INTO account_account_tags (account_id, tag_id) VALUES ($1, $2)`, a.ID, tagID)
		}
	}
	for _, j := range fixture.Journals {
		batch.Queue(`INSERT INTO journals (id, company_id, code, name, type) VALUES ($1, $2, $3, $4, $5)`,
			j.ID, j.CompanyID, j.Code, j.Name, j.Type)
	}
	for _, p := range fixture.Partners {
		batch.Queue(`INSERT INTO partners (id, name) VALUES ($1, $2)`, p.ID, p.Name)
	}
	for _, l := range fixture.JournalLines {
		state := l.State
		if state == "" {
			state = "posted"
		}
		batch.Queue(`INSERT INTO journal_entries (id, company_id, journal_id, posting_date, state, fiscal_position_id)
			VALUES ($1, $2, NULLIF($3, 0), $4, $5, NULLIF($6, 0))`,
			l.ID, l.CompanyID, l.JournalID, l.PostingDate, state, l.FiscalPositionID)
		batch.Queue(`INSERT INTO journal_lines (id, entry_id, account_id, partner_id, analytic_account_id, name, debit_base, credit_base, tax_tag_invert)
			VALUES ($1, $1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, $6::numeric, $7::numeric, $8)`,
			l.ID, l.AccountID, l.PartnerID, l.AnalyticID, l.Name, l.Debit.String(), l.Credit.String(), l.TaxTagInvert)
		for _, tagID := range l.TaxTagIDs {
			batch.Queue(`INSERT INTO journal_line_tax_tags (journal_line_id, tag_id) VALUES ($1, $2)`, l.ID, tagID)
		}
	}
	for _, r := range fixture.CurrencyRates {
		batch.Queue(`INSERT INTO currency_rates (currency, rate_date, rate) VALUES ($1, $2, $3::numeric)`,
			r.Currency, r.Date, r.Rate.String())
	}
	for _, v := range fixture.ExternalValues {
		var value *string
		if v.Value != nil {
			str := v.Value.String()
			value = &str
		}
		batch.Queue(`INSERT INTO external_values (id, company_id, value_date, target_expression_id, fiscal_position_id, name, value, text_value, carryover_origin_expression_id)
			VALUES (COALESCE(NULLIF($1, 0), nextval(pg_get_serial_sequence('external_values', 'id'))), $2, $3, $4, NULLIF($5, 0), $6, $7::numeric, $8, NULLIF($9, 0))`,
			v.ID, v.CompanyID, v.Date, v.TargetExpressionID, v.FiscalPositionID, v.Name, value, v.TextValue, v.CarryoverOriginID)
	}
	for _, table := range serialTables {
		batch.Queue(fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), COALESCE((SELECT MAX(id) FROM %[1]s), 0) + 1, false)`, table))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to load fixture: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit fixture: %w", err)
	}
	return nil
}
