package core

import (
	"context"
	"fmt"
	"sort"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
)

// ── account_balance handler ───────────────────────────────────────────────────

const (
	accountBalanceHandler = "account_balance"
	accountBalanceLabel   = "balance"
	// accountLinesSequence places the account lines after static lines with
	// a lower sequence.
	accountLinesSequence = 1000
	expandJournalItems   = "handler:journal_items"
	optShowAccountCodes  = "show_account_codes"
)

// AccountBalanceHandler adds one line per account carrying a balance in the
// selected period, unfoldable into its journal items. Columns labelled
// "balance" receive the account balance.
type AccountBalanceHandler struct{}

// DefaultHandlers returns a registry holding the bundled report handlers.
func DefaultHandlers() *HandlerRegistry {
	h := NewHandlerRegistry()
	_ = h.Register(AccountBalanceHandler{})
	return h
}

func (AccountBalanceHandler) Name() string { return accountBalanceHandler }

func (AccountBalanceHandler) CustomizeOptions(_ context.Context, _ *Report, previous, opts *Options) error {
	show := true
	if previous != nil {
		if v, ok := previous.Custom[optShowAccountCodes].(bool); ok {
			show = v
		}
	}
	if opts.Custom == nil {
		opts.Custom = map[string]any{}
	}
	opts.Custom[optShowAccountCodes] = show
	return nil
}

func (h AccountBalanceHandler) DynamicLines(ctx context.Context, e *ReportEngine, _ *Report, opts *Options) ([]DynamicLine, error) {
	accounts, err := e.store.Accounts(ctx, opts.CompanyIDs())
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	byID := map[int]Account{}
	for _, a := range accounts {
		byID[a.ID] = a
	}
	rows, err := h.balances(ctx, e, opts, "account_id", nil, 0, 0)
	if err != nil {
		return nil, err
	}

	values := map[string]map[int]decimal.Decimal{}
	seen := map[int]bool{}
	var ids []int
	for cg, rs := range rows {
		values[cg] = map[int]decimal.Decimal{}
		for _, r := range rs {
			id, ok := r.Keys[0].Value.(int64)
			if !ok {
				continue
			}
			values[cg][int(id)] = r.Sum
			if !seen[int(id)] {
				seen[int(id)] = true
				ids = append(ids, int(id))
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return byID[ids[i]].Code < byID[ids[j]].Code })

	showCodes, _ := opts.Custom[optShowAccountCodes].(bool)
	var out []DynamicLine
	for _, id := range ids {
		a := byID[id]
		name := a.Name
		if showCodes {
			name = a.Code + " " + a.Name
		}
		line := Line{
			ID:             EncodeLineID([]LineIDPart{{Model: modelAccount, Value: itoa(id)}}),
			Name:           name,
			Level:          1,
			Unfoldable:     true,
			ExpandFunction: expandJournalItems,
		}
		line.Unfolded = opts.isUnfolded(line.ID)
		for _, col := range opts.Columns {
			if col.ExpressionLabel != accountBalanceLabel {
				line.Columns = append(line.Columns, Cell{FigureType: col.FigureType, ExpressionLabel: col.ExpressionLabel, ColumnGroupKey: col.ColumnGroupKey})
				continue
			}
			line.Columns = append(line.Columns, valueCell(opts, col, values[col.ColumnGroupKey][id]))
		}
		out = append(out, DynamicLine{Sequence: accountLinesSequence, Line: line})
		if line.Unfolded {
			items, err := h.journalItems(ctx, e, opts, ExpandRequest{LineID: line.ID, ExpandFunction: expandJournalItems})
			if err != nil {
				return nil, err
			}
			for _, l := range items {
				out = append(out, DynamicLine{Sequence: accountLinesSequence, Line: l})
			}
		}
	}
	return out, nil
}

func (h AccountBalanceHandler) ExpandLine(ctx context.Context, e *ReportEngine, _ *Report, opts *Options, req ExpandRequest) ([]Line, error) {
	if req.ExpandFunction != expandJournalItems {
		return nil, consistencyErrorf("account_balance cannot expand %q", req.ExpandFunction)
	}
	return h.journalItems(ctx, e, opts, req)
}

// journalItems lists the journal lines of the account named by req.LineID,
// one page at a time.
func (h AccountBalanceHandler) journalItems(ctx context.Context, e *ReportEngine, opts *Options, req ExpandRequest) ([]Line, error) {
	parts, err := DecodeLineID(req.LineID)
	if err != nil {
		return nil, err
	}
	accountID := 0
	for i := len(parts) - 1; i >= 0 && accountID == 0; i-- {
		if parts[i].Model == modelAccount {
			accountID, _ = parts[i].RecordID()
		}
	}
	if accountID == 0 {
		return nil, consistencyErrorf("line %q does not name an account", req.LineID)
	}

	limit := opts.LoadMoreLimit
	probe := 0
	if limit > 0 {
		probe = limit + 1
	}
	extra := formula.MustCondition("account_id", "=", accountID)
	rows, err := h.balances(ctx, e, opts, "id", extra, req.Offset, probe)
	if err != nil {
		return nil, err
	}

	acc := newGroupAccumulator()
	values := map[string]map[string]decimal.Decimal{}
	for cg, rs := range rows {
		for _, r := range rs {
			acc.add(r.Keys[0], decimal.Zero, 0)
			sig := groupSig(r.Keys[0])
			if values[sig] == nil {
				values[sig] = map[string]decimal.Decimal{}
			}
			values[sig][cg] = r.Sum
		}
	}
	keys := make([]GroupedResult, 0, len(acc.order))
	for _, sig := range acc.order {
		keys = append(keys, GroupedResult{Key: acc.keys[sig]})
	}
	sortGroupedResults(keys, "id")
	more := limit > 0 && len(keys) > limit
	if more {
		keys = keys[:limit]
	}

	level := 2*len(parts) + 1
	var lines []Line
	for _, k := range keys {
		line := Line{
			ID:       SublineID(req.LineID, k.Key.linePart("id")),
			Name:     k.Key.Display,
			ParentID: req.LineID,
			Level:    level,
		}
		for _, col := range opts.Columns {
			if col.ExpressionLabel != accountBalanceLabel {
				line.Columns = append(line.Columns, Cell{FigureType: col.FigureType, ExpressionLabel: col.ExpressionLabel, ColumnGroupKey: col.ColumnGroupKey})
				continue
			}
			line.Columns = append(line.Columns, valueCell(opts, col, values[groupSig(k.Key)][col.ColumnGroupKey]))
		}
		lines = append(lines, line)
	}
	if more {
		lines = append(lines, Line{
			ID:             SublineID(req.LineID, LineIDPart{Markup: markupLoadMore, Value: itoa(req.Offset + limit)}),
			Name:           loadMoreName,
			ParentID:       req.LineID,
			Level:          level,
			ExpandFunction: expandJournalItems,
			Offset:         req.Offset + limit,
		})
	}
	return lines, nil
}

// balances sums journal lines grouped by field in every column group.
func (AccountBalanceHandler) balances(ctx context.Context, e *ReportEngine, opts *Options, field string, extra formula.Domain, offset, limit int) (map[string][]AggregateRow, error) {
	out := map[string][]AggregateRow{}
	for _, cg := range opts.ColumnGroupKeys() {
		cgOpts, err := opts.ForColumnGroup(cg)
		if err != nil {
			return nil, err
		}
		pass, err := e.newPass(ctx, cgOpts)
		if err != nil {
			return nil, err
		}
		bounds, err := DateBoundsInfo(cgOpts, ScopeNormal, pass.mainCompany())
		if err != nil {
			return nil, err
		}
		rows, err := e.store.AggregateBatch(ctx, []LedgerQuery{{
			Domain:  formula.AndDomains(ledgerDomain(cgOpts, bounds), extra),
			GroupBy: []string{field},
			Offset:  offset,
			Limit:   limit,
			Rates:   pass.companyRates,
		}})
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate account balances: %w", err)
		}
		out[cg] = rows[0]
	}
	return out, nil
}
