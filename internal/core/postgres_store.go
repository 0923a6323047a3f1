package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"accounting-reports/internal/formula"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the LedgerStore over the migrations/ schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ledgerFrom joins journal lines with every table a ledgerField column
// refers to, under the aliases used in fields.go.
const ledgerFrom = `
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.entry_id
JOIN accounts a ON a.id = jl.account_id
JOIN companies c ON c.id = je.company_id
LEFT JOIN account_groups ag ON ag.id = a.group_id
LEFT JOIN journals j ON j.id = je.journal_id
LEFT JOIN partners p ON p.id = jl.partner_id`

// ── Reference data ────────────────────────────────────────────────────────────

func (s *PostgresStore) Companies(ctx context.Context) ([]Company, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_code, name, base_currency,
		       fiscal_year_last_month, fiscal_year_last_day, tax_periodicity,
		       fiscal_position_ids
		FROM companies
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query companies: %w", err)
	}
	defer rows.Close()

	var out []Company
	for rows.Next() {
		var c Company
		var month int
		var periodicity string
		if err := rows.Scan(&c.ID, &c.CompanyCode, &c.Name, &c.BaseCurrency,
			&month, &c.FiscalYearLastDay, &periodicity, &c.FiscalPositionIDs); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		c.FiscalYearLastMonth = time.Month(month)
		c.TaxPeriodicity = TaxPeriodicity(periodicity)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Accounts(ctx context.Context, companyIDs []int) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.company_id, a.code, a.name, a.type, a.include_initial_balance,
		       COALESCE(a.group_id, 0),
		       COALESCE(array_agg(t.tag_id) FILTER (WHERE t.tag_id IS NOT NULL), '{}')
		FROM accounts a
		LEFT JOIN account_account_tags t ON t.account_id = a.id
		WHERE COALESCE(cardinality($1::int[]), 0) = 0 OR a.company_id = ANY($1::int[])
		GROUP BY a.id
		ORDER BY a.code, a.id`, companyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type,
			&a.IncludeInitialBalance, &a.GroupID, &a.TagIDs); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AccountGroups(ctx context.Context) ([]AccountGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(parent_id, 0), name, code_prefix_start
		FROM account_groups
		ORDER BY code_prefix_start, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account groups: %w", err)
	}
	defer rows.Close()

	var out []AccountGroup
	for rows.Next() {
		var g AccountGroup
		if err := rows.Scan(&g.ID, &g.ParentID, &g.Name, &g.CodeStart); err != nil {
			return nil, fmt.Errorf("failed to scan account group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AccountTags(ctx context.Context) ([]AccountTag, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, COALESCE(xml_id, '') FROM account_tags ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account tags: %w", err)
	}
	defer rows.Close()

	var out []AccountTag
	for rows.Next() {
		var t AccountTag
		if err := rows.Scan(&t.ID, &t.Name, &t.XMLID); err != nil {
			return nil, fmt.Errorf("failed to scan account tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Journals(ctx context.Context, companyIDs []int) ([]Journal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, code, name, type
		FROM journals
		WHERE COALESCE(cardinality($1::int[]), 0) = 0 OR company_id = ANY($1::int[])
		ORDER BY id`, companyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query journals: %w", err)
	}
	defer rows.Close()

	var out []Journal
	for rows.Next() {
		var j Journal
		if err := rows.Scan(&j.ID, &j.CompanyID, &j.Code, &j.Name, &j.Type); err != nil {
			return nil, fmt.Errorf("failed to scan journal: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CurrencyRates(ctx context.Context, date time.Time) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (currency) currency, rate
		FROM currency_rates
		WHERE rate_date <= $1
		ORDER BY currency, rate_date DESC`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query currency rates: %w", err)
	}
	defer rows.Close()

	out := map[string]decimal.Decimal{}
	for rows.Next() {
		var currency string
		var rate decimal.Decimal
		if err := rows.Scan(&currency, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan currency rate: %w", err)
		}
		out[currency] = rate
	}
	return out, rows.Err()
}

// ── Aggregates ────────────────────────────────────────────────────────────────

// AggregateBatch compiles every query into one SELECT and sends their UNION
// ALL. Each branch tags its rows with its index and pads its group keys to
// the widest GroupBy of the batch.
func (s *PostgresStore) AggregateBatch(ctx context.Context, queries []LedgerQuery) ([][]AggregateRow, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	width := 0
	for _, q := range queries {
		if len(q.GroupBy) > width {
			width = len(q.GroupBy)
		}
	}

	b := &sqlBuilder{}
	branches := make([]string, len(queries))
	for i, q := range queries {
		sql, err := b.aggregate(i, q, width)
		if err != nil {
			return nil, err
		}
		branches[i] = sql
	}

	rows, err := s.pool.Query(ctx, strings.Join(branches, "\nUNION ALL\n"), b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run aggregate batch: %w", err)
	}
	defer rows.Close()

	out := make([][]AggregateRow, len(queries))
	for rows.Next() {
		var idx int
		var sum decimal.Decimal
		var count int64
		keys := make([]*string, width)
		displays := make([]*string, width)
		dest := []any{&idx}
		for k := 0; k < width; k++ {
			dest = append(dest, &keys[k], &displays[k])
		}
		dest = append(dest, &sum, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		if idx < 0 || idx >= len(queries) {
			return nil, fmt.Errorf("aggregate row tagged with unknown query %d", idx)
		}
		row := AggregateRow{Sum: sum, Count: int(count)}
		for k, field := range queries[idx].GroupBy {
			row.Keys = append(row.Keys, groupKeyFromSQL(field, keys[k], displays[k]))
		}
		out[idx] = append(out[idx], row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read aggregate batch: %w", err)
	}
	for i, q := range queries {
		sortAggregateRows(out[i], q.GroupBy)
	}
	return out, nil
}

func groupKeyFromSQL(field string, raw, display *string) GroupKey {
	if raw == nil {
		return GroupKey{Display: unknownGroupName}
	}
	f, _ := lookupField(field)
	var v any = *raw
	if f != nil {
		switch f.kind {
		case kindInt:
			if n, err := strconv.ParseInt(*raw, 10, 64); err == nil {
				v = n
			}
		case kindDecimal:
			if d, err := decimal.NewFromString(*raw); err == nil {
				v = d
			}
		case kindBool:
			v = *raw == "true"
		}
	}
	k := GroupKey{Value: v, Display: keyString(v)}
	if display != nil && f != nil && f.relational() {
		k.Display = *display
	}
	return k
}

// sqlBuilder accumulates positional arguments while SQL is generated.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *sqlBuilder) aggregate(idx int, q LedgerQuery, width int) (string, error) {
	where, err := b.domain(q.Domain)
	if err != nil {
		return "", err
	}

	amount := "(jl.debit_base - jl.credit_base)"
	if q.Measure == MeasureTaxBalance {
		amount = "(CASE WHEN jl.tax_tag_invert THEN -" + amount + " ELSE " + amount + " END)"
	}
	if len(q.Rates) > 0 {
		ids := make([]int, 0, len(q.Rates))
		for id := range q.Rates {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		var cases strings.Builder
		cases.WriteString("CASE je.company_id")
		for _, id := range ids {
			fmt.Fprintf(&cases, " WHEN %d THEN %s::numeric", id, b.arg(q.Rates[id].String()))
		}
		cases.WriteString(" ELSE 1 END")
		amount = amount + " * (" + cases.String() + ")"
	}

	count := "jl.id"
	if q.CountDistinct != "" {
		f, err := lookupField(q.CountDistinct)
		if err != nil {
			return "", err
		}
		if f.kind == kindMany2many {
			return "", fmt.Errorf("cannot count distinct values of %s", f.name)
		}
		count = f.column
	}

	var cols, groupBy []string
	for k := 0; k < width; k++ {
		if k >= len(q.GroupBy) {
			cols = append(cols, fmt.Sprintf("NULL::text AS k%d, NULL::text AS d%d", k, k))
			continue
		}
		f, err := lookupField(q.GroupBy[k])
		if err != nil {
			return "", err
		}
		if f.kind == kindMany2many {
			return "", fmt.Errorf("cannot group by %s", f.name)
		}
		disp := "NULL"
		if f.displayCol != "" {
			disp = f.displayCol
			groupBy = append(groupBy, disp)
		}
		cols = append(cols, fmt.Sprintf("(%s)::text AS k%d, (%s)::text AS d%d", f.column, k, disp, k))
		groupBy = append(groupBy, f.column)
	}

	rank := "1"
	if len(q.GroupBy) > 0 {
		f, _ := lookupField(q.GroupBy[0])
		rank = "DENSE_RANK() OVER (ORDER BY " + rankOrder(f) + ")"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM (\n  SELECT %d AS q", branchColumns(width), idx)
	for _, c := range cols {
		sb.WriteString(", " + c)
	}
	fmt.Fprintf(&sb, ",\n    COALESCE(SUM(%s), 0) AS total, COUNT(DISTINCT %s) AS cnt, %s AS rnk", amount, count, rank)
	sb.WriteString(ledgerFrom)
	sb.WriteString("\n  WHERE " + where)
	if len(groupBy) > 0 {
		sb.WriteString("\n  GROUP BY " + strings.Join(groupBy, ", "))
	}
	sb.WriteString("\n  HAVING COUNT(*) > 0\n)")
	fmt.Fprintf(&sb, " b%d", idx)
	if q.Offset > 0 || q.Limit > 0 {
		fmt.Fprintf(&sb, " WHERE rnk > %d", q.Offset)
		if q.Limit > 0 {
			fmt.Fprintf(&sb, " AND rnk <= %d", q.Offset+q.Limit)
		}
	}
	return sb.String(), nil
}

// branchColumns drops the rank, which only drives paging.
func branchColumns(width int) string {
	cols := []string{"q"}
	for k := 0; k < width; k++ {
		cols = append(cols, fmt.Sprintf("k%d", k), fmt.Sprintf("d%d", k))
	}
	return strings.Join(append(cols, "total", "cnt"), ", ")
}

// rankOrder sorts the first group key the way compareKeys does.
func rankOrder(f *ledgerField) string {
	switch {
	case f.relational():
		return fmt.Sprintf(`(%s) IS NULL, (%s) COLLATE "C", %s`, f.column, f.displayCol, f.column)
	case f.kind == kindString:
		return fmt.Sprintf(`(%s) IS NULL, (%s) COLLATE "C"`, f.column, f.column)
	}
	return fmt.Sprintf("(%s) IS NULL, %s", f.column, f.column)
}

// ── Domain compilation ───────────────────────────────────────────────────────

func (b *sqlBuilder) domain(d formula.Domain) (string, error) {
	switch x := d.(type) {
	case nil:
		return "TRUE", nil
	case formula.And:
		return b.junction(x, " AND ", "TRUE")
	case formula.Or:
		return b.junction(x, " OR ", "FALSE")
	case formula.Not:
		inner, err := b.domain(x.Operand)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case formula.Condition:
		return b.condition(x)
	}
	return "", fmt.Errorf("unsupported domain node %T", d)
}

func (b *sqlBuilder) junction(ds []formula.Domain, sep, empty string) (string, error) {
	if len(ds) == 0 {
		return empty, nil
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		s, err := b.domain(d)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// condition never yields NULL so that NOT behaves like the in-memory
// evaluator.
func (b *sqlBuilder) condition(c formula.Condition) (string, error) {
	f, err := lookupField(c.Field)
	if err != nil {
		return "", err
	}
	if f.kind == kindMany2many {
		return b.many2many(f, c)
	}
	col := f.column

	switch c.Operator {
	case "=", "!=":
		var expr string
		switch {
		case f.kind == kindBool:
			want, _ := c.Value.(bool)
			expr = fmt.Sprintf("COALESCE(%s, FALSE) = %s::boolean", col, b.arg(want))
		case isFalsy(c.Value):
			expr = fmt.Sprintf("(%s) IS NULL", col)
		default:
			p, err := b.typed(f, c.Value)
			if err != nil {
				return "", err
			}
			expr = fmt.Sprintf("COALESCE(%s = %s, FALSE)", col, p)
		}
		if c.Operator == "!=" {
			return "NOT (" + expr + ")", nil
		}
		return expr, nil

	case "in", "not in":
		list, _ := c.Value.([]any)
		nullable := false
		var values []any
		for _, v := range list {
			if isFalsy(v) && f.kind != kindBool {
				nullable = true
				continue
			}
			values = append(values, v)
		}
		var terms []string
		if len(values) > 0 {
			p, err := b.typedList(f, values)
			if err != nil {
				return "", err
			}
			target := col
			if f.kind == kindBool {
				target = "COALESCE(" + col + ", FALSE)"
			}
			terms = append(terms, fmt.Sprintf("COALESCE(%s = ANY(%s), FALSE)", target, p))
		}
		if nullable {
			terms = append(terms, fmt.Sprintf("(%s) IS NULL", col))
		}
		expr := "FALSE"
		if len(terms) > 0 {
			expr = "(" + strings.Join(terms, " OR ") + ")"
		}
		if c.Operator == "not in" {
			return "NOT " + expr, nil
		}
		return expr, nil

	case "<", "<=", ">", ">=":
		if isFalsy(c.Value) {
			return "FALSE", nil
		}
		p, err := b.typed(f, c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("COALESCE(%s %s %s, FALSE)", col, c.Operator, p), nil

	case "like", "not like", "ilike", "not ilike", "=like", "=ilike":
		pattern, _ := c.Value.(string)
		if !strings.HasPrefix(c.Operator, "=") {
			pattern = "%" + pattern + "%"
		}
		op := "LIKE"
		if strings.Contains(c.Operator, "ilike") {
			op = "ILIKE"
		}
		expr := fmt.Sprintf("COALESCE((%s)::text %s %s, FALSE)", col, op, b.arg(pattern))
		if strings.HasPrefix(c.Operator, "not") {
			return "NOT " + expr, nil
		}
		return expr, nil
	}
	return "", fmt.Errorf("unsupported operator %q", c.Operator)
}

var many2manyTables = map[string]string{
	"account_tags": "SELECT 1 FROM account_account_tags m WHERE m.account_id = a.id AND m.tag_id = ANY(%s)",
	"tax_tags":     "SELECT 1 FROM journal_line_tax_tags m WHERE m.journal_line_id = jl.id AND m.tag_id = ANY(%s)",
}

func (b *sqlBuilder) many2many(f *ledgerField, c formula.Condition) (string, error) {
	tmpl, ok := many2manyTables[f.column]
	if !ok {
		return "", fmt.Errorf("no relation table for %s", f.name)
	}
	var ids []int64
	switch x := c.Value.(type) {
	case []any:
		for _, e := range x {
			if n, ok := e.(int64); ok {
				ids = append(ids, n)
			}
		}
	case int64:
		ids = append(ids, x)
	}
	expr := "EXISTS (" + fmt.Sprintf(tmpl, b.arg(ids)+"::bigint[]") + ")"
	switch c.Operator {
	case "in", "=":
		return expr, nil
	case "not in", "!=":
		return "NOT " + expr, nil
	}
	return "", fmt.Errorf("operator %q not supported on %s", c.Operator, c.Field)
}

func (b *sqlBuilder) typed(f *ledgerField, v any) (string, error) {
	switch f.kind {
	case kindInt:
		n, err := int64Value(v)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", f.name, err)
		}
		return b.arg(n) + "::bigint", nil
	case kindDecimal:
		return b.arg(toDecimal(v).String()) + "::numeric", nil
	case kindDate:
		return b.arg(keyString(v)) + "::date", nil
	case kindBool:
		bv, _ := v.(bool)
		return b.arg(bv) + "::boolean", nil
	}
	return b.arg(keyString(v)) + "::text", nil
}

func (b *sqlBuilder) typedList(f *ledgerField, values []any) (string, error) {
	switch f.kind {
	case kindInt:
		out := make([]int64, len(values))
		for i, v := range values {
			n, err := int64Value(v)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", f.name, err)
			}
			out[i] = n
		}
		return b.arg(out) + "::bigint[]", nil
	case kindBool:
		out := make([]bool, len(values))
		for i, v := range values {
			out[i], _ = v.(bool)
		}
		return b.arg(out) + "::boolean[]", nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		if f.kind == kindDecimal {
			out[i] = toDecimal(v).String()
		} else {
			out[i] = keyString(v)
		}
	}
	cast := map[fieldKind]string{kindDecimal: "::numeric[]", kindDate: "::date[]"}[f.kind]
	if cast == "" {
		cast = "::text[]"
	}
	return b.arg(out) + cast, nil
}

func int64Value(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", x)
		}
		return n, nil
	case decimal.Decimal:
		return x.IntPart(), nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

// ── External values ──────────────────────────────────────────────────────────

func (s *PostgresStore) ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error) {
	return queryExternalValues(ctx, s.pool, filter, false)
}

func (s *PostgresStore) WithExternalValueTx(ctx context.Context, fn func(tx ExternalValueTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgExternalTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit external values: %w", err)
	}
	return nil
}

type pgExternalTx struct {
	q querier
}

// ExternalValues locks the rows it returns until the transaction ends.
func (t *pgExternalTx) ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error) {
	return queryExternalValues(ctx, t.q, filter, true)
}

func (t *pgExternalTx) InsertExternalValue(ctx context.Context, v ExternalValue) (int, error) {
	var id int
	err := t.q.QueryRow(ctx, `
		INSERT INTO external_values
			(company_id, value_date, target_expression_id, fiscal_position_id,
			 name, value, text_value, carryover_origin_expression_id)
		VALUES ($1, $2, $3, NULLIF($4::int, 0), $5, $6::numeric, $7, NULLIF($8::int, 0))
		RETURNING id`,
		v.CompanyID, v.Date, v.TargetExpressionID, v.FiscalPositionID,
		v.Name, decimal.NullDecimal{Decimal: derefDecimal(v.Value), Valid: v.Value != nil},
		v.TextValue, v.CarryoverOriginID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert external value: %w", err)
	}
	return id, nil
}

func (t *pgExternalTx) UpdateExternalValue(ctx context.Context, id int, value decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `UPDATE external_values SET value = $2::numeric, text_value = NULL WHERE id = $1`, id, value)
	if err != nil {
		return fmt.Errorf("failed to update external value %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("external value %d not found", id)
	}
	return nil
}

func (t *pgExternalTx) DeleteExternalValues(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.Exec(ctx, `DELETE FROM external_values WHERE id = ANY($1::int[])`, ids); err != nil {
		return fmt.Errorf("failed to delete external values: %w", err)
	}
	return nil
}

func queryExternalValues(ctx context.Context, q querier, f ExternalValueFilter, lock bool) ([]ExternalValue, error) {
	b := &sqlBuilder{}
	where := []string{"TRUE"}
	if len(f.CompanyIDs) > 0 {
		where = append(where, "company_id = ANY("+b.arg(f.CompanyIDs)+"::int[])")
	}
	if len(f.ExpressionIDs) > 0 {
		where = append(where, "target_expression_id = ANY("+b.arg(f.ExpressionIDs)+"::int[])")
	}
	if len(f.CarryoverOriginIDs) > 0 {
		where = append(where, "carryover_origin_expression_id = ANY("+b.arg(f.CarryoverOriginIDs)+"::int[])")
	}
	if f.DateFrom != nil {
		where = append(where, "value_date >= "+b.arg(*f.DateFrom)+"::date")
	}
	if !f.DateTo.IsZero() {
		where = append(where, "value_date <= "+b.arg(f.DateTo)+"::date")
	}
	switch f.FiscalPosition {
	case "", fiscalPositionAll:
	case fiscalPositionDomestic:
		where = append(where, "fiscal_position_id IS NULL")
	default:
		id, err := strconv.Atoi(f.FiscalPosition)
		if err != nil {
			return nil, nil
		}
		where = append(where, "fiscal_position_id = "+b.arg(id)+"::int")
	}

	sql := `
		SELECT id, company_id, value_date, target_expression_id, COALESCE(fiscal_position_id, 0),
		       name, value, text_value, COALESCE(carryover_origin_expression_id, 0)
		FROM external_values
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY value_date, id`
	if lock {
		sql += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query external values: %w", err)
	}
	defer rows.Close()

	var out []ExternalValue
	for rows.Next() {
		var v ExternalValue
		var value decimal.NullDecimal
		if err := rows.Scan(&v.ID, &v.CompanyID, &v.Date, &v.TargetExpressionID, &v.FiscalPositionID,
			&v.Name, &value, &v.TextValue, &v.CarryoverOriginID); err != nil {
			return nil, fmt.Errorf("failed to scan external value: %w", err)
		}
		if value.Valid {
			d := value.Decimal
			v.Value = &d
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func derefDecimal(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
