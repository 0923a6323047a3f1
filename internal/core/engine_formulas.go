package core

import (
	"context"
	"fmt"
	"strconv"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
)

const (
	externalSum        = "sum"
	externalMostRecent = "most_recent"
)

// ── tax_tags ──────────────────────────────────────────────────────────────────

func (e *ReportEngine) computeTaxTags(ctx context.Context, req *BatchRequest) (map[FormulaKey]EngineResult, error) {
	p, err := e.passFor(ctx, req)
	if err != nil {
		return nil, err
	}
	base, err := e.batchDomain(req, p)
	if err != nil {
		return nil, err
	}
	tags, err := e.store.AccountTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	tagIDs := func(name string) []int {
		var ids []int
		for _, t := range tags {
			if t.Name == name {
				ids = append(ids, t.ID)
			}
		}
		return ids
	}

	keys := sortedFormulaKeys(req.Formulas)
	var queries []LedgerQuery
	for _, key := range keys {
		for _, sign := range []string{"+", "-"} {
			d := formula.AndDomains(base, formula.MustCondition("tax_tag_ids", "in", tagIDs(sign+key.Formula)))
			q := e.baseQuery(req, p, d)
			q.Measure = MeasureTaxBalance
			queries = append(queries, q)
		}
	}
	rows, err := e.store.AggregateBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tax tags: %w", err)
	}

	out := make(map[FormulaKey]EngineResult, len(keys))
	for i, key := range keys {
		acc := newGroupAccumulator()
		for _, r := range rows[2*i] {
			acc.add(firstKey(r), r.Sum, r.Count)
		}
		for _, r := range rows[2*i+1] {
			acc.add(firstKey(r), r.Sum.Neg(), r.Count)
		}
		out[key] = acc.result(req.CurrentGroupby != "", req.CurrentGroupby, identity)
	}
	return out, nil
}

func firstKey(r AggregateRow) GroupKey {
	if len(r.Keys) == 0 {
		return GroupKey{}
	}
	return r.Keys[0]
}

// ── domain ────────────────────────────────────────────────────────────────────

func (e *ReportEngine) computeDomain(ctx context.Context, req *BatchRequest) (map[FormulaKey]EngineResult, error) {
	p, err := e.passFor(ctx, req)
	if err != nil {
		return nil, err
	}
	base, err := e.batchDomain(req, p)
	if err != nil {
		return nil, err
	}

	// Formulas differing only by subformula share one query.
	keys := sortedFormulaKeys(req.Formulas)
	queryIndex := map[string]int{}
	var queries []LedgerQuery
	for _, key := range keys {
		if _, ok := queryIndex[key.Formula]; ok {
			continue
		}
		expr := req.Formulas[key][0]
		q := e.baseQuery(req, p, formula.AndDomains(base, expr.compiled.domain))
		q.CountDistinct = req.NextGroupby
		queryIndex[key.Formula] = len(queries)
		queries = append(queries, q)
	}
	rows, err := e.store.AggregateBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate domains: %w", err)
	}

	out := make(map[FormulaKey]EngineResult, len(keys))
	for _, key := range keys {
		sub := req.Formulas[key][0].compiled.domainSub
		acc := newGroupAccumulator()
		for _, r := range rows[queryIndex[key.Formula]] {
			acc.add(firstKey(r), r.Sum, r.Count)
		}
		out[key] = acc.result(req.CurrentGroupby != "", req.CurrentGroupby, domainPolicy(sub))
	}
	return out, nil
}

// domainPolicy applies the sum mode to an aggregate, never to single rows.
func domainPolicy(sub formula.DomainSubformula) func(decimal.Decimal, int) decimal.Decimal {
	return func(total decimal.Decimal, rows int) decimal.Decimal {
		var v decimal.Decimal
		switch sub.Mode {
		case formula.ModeSumIfPos:
			if !total.IsNegative() {
				v = total
			}
		case formula.ModeSumIfNeg:
			if total.IsNegative() {
				v = total
			}
		case formula.ModeCountRows:
			v = decimal.NewFromInt(int64(rows))
		default:
			v = total
		}
		if sub.Negate {
			v = v.Neg()
		}
		return v
	}
}

// ── account_codes ─────────────────────────────────────────────────────────────

type accountSelector struct {
	ids map[int]bool
}

func (e *ReportEngine) computeAccountCodes(ctx context.Context, req *BatchRequest) (map[FormulaKey]EngineResult, error) {
	p, err := e.passFor(ctx, req)
	if err != nil {
		return nil, err
	}
	base, err := e.batchDomain(req, p)
	if err != nil {
		return nil, err
	}
	accounts, err := e.store.Accounts(ctx, req.Options.CompanyIDs())
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	tags, err := e.store.AccountTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}

	// Each distinct (prefix, exclusions) pair is resolved to accounts once.
	selectors := map[string]*accountSelector{}
	union := map[int]bool{}
	keys := sortedFormulaKeys(req.Formulas)
	for _, key := range keys {
		for _, term := range req.Formulas[key][0].compiled.accountCodes.Terms {
			sk := term.SelectorKey()
			if _, ok := selectors[sk]; ok {
				continue
			}
			sel := &accountSelector{ids: map[int]bool{}}
			tagID := resolveTagRef(term.Tag, tags)
			for _, a := range accounts {
				match := term.Matches(a.Code)
				if term.Tag != "" {
					match = tagID != 0 && containsInt(a.TagIDs, tagID)
				}
				if match {
					sel.ids[a.ID] = true
					union[a.ID] = true
				}
			}
			selectors[sk] = sel
		}
	}

	ids := make([]int, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	q := e.baseQuery(req, p, formula.AndDomains(base, formula.MustCondition("account_id", "in", ids)))
	accountIdx := 0
	switch req.CurrentGroupby {
	case "":
		q.GroupBy = []string{"account_id"}
	case "account_id":
	default:
		q.GroupBy = append(q.GroupBy, "account_id")
		accountIdx = 1
	}
	queries := []LedgerQuery{q}
	// D and C terms gate on the account's balance over the whole line, not
	// on its share of one group.
	gated := req.CurrentGroupby != "" && hasGatedTerm(req.Formulas)
	if gated {
		whole, err := e.batchDomain(&BatchRequest{Options: req.Options, DateScope: req.DateScope}, p)
		if err != nil {
			return nil, err
		}
		queries = append(queries, LedgerQuery{
			Domain:  formula.AndDomains(whole, formula.MustCondition("account_id", "in", ids)),
			GroupBy: []string{"account_id"},
			Rates:   p.companyRates,
		})
	}
	rows, err := e.store.AggregateBatch(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate account codes: %w", err)
	}
	accountBalances := map[int]decimal.Decimal{}
	if gated {
		for _, r := range rows[1] {
			accountID, _ := r.Keys[0].Value.(int64)
			accountBalances[int(accountID)] = r.Sum
		}
	}

	out := make(map[FormulaKey]EngineResult, len(keys))
	for _, key := range keys {
		acc := newGroupAccumulator()
		for _, r := range rows[0] {
			accountID, _ := r.Keys[accountIdx].Value.(int64)
			group := GroupKey{}
			if req.CurrentGroupby != "" {
				group = r.Keys[0]
			}
			gate := r.Sum
			if gated {
				gate = accountBalances[int(accountID)]
			}
			contribution, matched := termContribution(req.Formulas[key][0].compiled.accountCodes, selectors, int(accountID), r.Sum, gate)
			if matched {
				acc.add(group, contribution, r.Count)
			}
		}
		out[key] = acc.result(req.CurrentGroupby != "", req.CurrentGroupby, identity)
	}
	return out, nil
}

func hasGatedTerm(formulas map[FormulaKey][]*Expression) bool {
	for _, xs := range formulas {
		for _, term := range xs[0].compiled.accountCodes.Terms {
			if term.Gate != formula.GateNone {
				return true
			}
		}
	}
	return false
}

// termContribution sums the signed balance of one account over the terms
// selecting it. D and C terms keep it only when gate, the account's
// aggregate balance, has the matching sign.
func termContribution(ac *formula.AccountCodes, selectors map[string]*accountSelector, accountID int, balance, gate decimal.Decimal) (decimal.Decimal, bool) {
	var total decimal.Decimal
	matched := false
	for _, term := range ac.Terms {
		if !selectors[term.SelectorKey()].ids[accountID] {
			continue
		}
		matched = true
		switch term.Gate {
		case formula.GateDebit:
			if gate.IsNegative() {
				continue
			}
		case formula.GateCredit:
			if !gate.IsNegative() {
				continue
			}
		}
		if term.Sign < 0 {
			total = total.Sub(balance)
		} else {
			total = total.Add(balance)
		}
	}
	return total, matched
}

// resolveTagRef finds a tag by id, xml id or name.
func resolveTagRef(ref string, tags []AccountTag) int {
	if ref == "" {
		return 0
	}
	if id, err := strconv.Atoi(ref); err == nil {
		return id
	}
	for _, t := range tags {
		if t.XMLID == ref || t.Name == ref {
			return t.ID
		}
	}
	return 0
}

// ── external ──────────────────────────────────────────────────────────────────

func (e *ReportEngine) computeExternal(ctx context.Context, req *BatchRequest) (map[FormulaKey]EngineResult, error) {
	if req.CurrentGroupby != "" || req.NextGroupby != "" || req.Offset != 0 || req.Limit != 0 {
		return nil, &EngineCapabilityError{Engine: EngineExternal, Reason: "groupby, offset and limit are not supported"}
	}
	p, err := e.passFor(ctx, req)
	if err != nil {
		return nil, err
	}
	bounds, err := DateBoundsInfo(req.Options, req.DateScope, p.mainCompany())
	if err != nil {
		return nil, err
	}

	keys := sortedFormulaKeys(req.Formulas)
	var exprIDs []int
	for _, key := range keys {
		for _, x := range req.Formulas[key] {
			exprIDs = append(exprIDs, x.ID)
		}
	}
	values, err := e.store.ExternalValues(ctx, ExternalValueFilter{
		CompanyIDs:     req.Options.CompanyIDs(),
		ExpressionIDs:  exprIDs,
		DateFrom:       bounds.From,
		DateTo:         bounds.To,
		FiscalPosition: req.Options.FiscalPosition,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load external values: %w", err)
	}
	byExpr := map[int][]ExternalValue{}
	for _, v := range values {
		byExpr[v.TargetExpressionID] = append(byExpr[v.TargetExpressionID], v)
	}

	out := make(map[FormulaKey]EngineResult, len(keys))
	for _, key := range keys {
		for _, x := range req.Formulas[key] {
			records := byExpr[x.ID]
			if key.Formula == externalMostRecent {
				records = mostRecentPerCompany(records)
			}
			res := Result{HasSublines: len(records) > 0}
			for _, v := range records {
				if v.TextValue != nil {
					res.Text = v.TextValue
					continue
				}
				if v.Value != nil {
					res.Value = res.Value.Add(v.Value.Mul(p.companyRates[v.CompanyID]))
				}
			}
			if r := x.compiled.external.Rounding; r != nil {
				res.Value = res.Value.Round(int32(*r))
			}
			out[FormulaKey{Formula: key.Formula, Subformula: key.Subformula, ExpressionID: x.ID}] = EngineResult{Scalar: res}
		}
	}
	return out, nil
}

// mostRecentPerCompany keeps, for each company, the records dated on its
// latest date. Records must be sorted by date.
func mostRecentPerCompany(records []ExternalValue) []ExternalValue {
	latest := map[int]ExternalValue{}
	for _, v := range records {
		latest[v.CompanyID] = v
	}
	var out []ExternalValue
	for _, v := range records {
		if v.Date.Equal(latest[v.CompanyID].Date) {
			out = append(out, v)
		}
	}
	return out
}

// ── custom ────────────────────────────────────────────────────────────────────

func (e *ReportEngine) computeCustom(ctx context.Context, req *BatchRequest) (map[FormulaKey]EngineResult, error) {
	out := make(map[FormulaKey]EngineResult, len(req.Formulas))
	for _, key := range sortedFormulaKeys(req.Formulas) {
		fn, ok := e.customs.Lookup(key.Formula)
		if !ok {
			x := req.Formulas[key][0]
			return nil, newFormulaError(x, e.catalog.reportOf(x), fmt.Errorf("unknown custom formula %q", key.Formula))
		}
		res, err := fn(ctx, e, *req, key)
		if err != nil {
			return nil, fmt.Errorf("custom formula %s: %w", key.Formula, err)
		}
		out[key] = res
	}
	return out, nil
}
