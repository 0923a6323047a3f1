package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"accounting-reports/internal/formula"
	"accounting-reports/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ── Report engine ─────────────────────────────────────────────────────────────

// ReportEngine evaluates report definitions of a Catalog against a
// LedgerStore. It holds no per-request state and is safe for concurrent use.
type ReportEngine struct {
	catalog  *Catalog
	store    LedgerStore
	customs  *CustomEngineRegistry
	handlers *HandlerRegistry
	options  *OptionsResolver
	now      func() time.Time
}

// EngineConfig carries the optional collaborators of a ReportEngine.
type EngineConfig struct {
	Customs  *CustomEngineRegistry
	Handlers *HandlerRegistry
	Now      func() time.Time
}

// NewReportEngine freezes the registries of cfg and returns the engine.
func NewReportEngine(catalog *Catalog, store LedgerStore, cfg EngineConfig) *ReportEngine {
	if cfg.Customs == nil {
		cfg.Customs = NewCustomEngineRegistry()
	}
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlers()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Customs.Freeze()
	cfg.Handlers.Freeze()
	return &ReportEngine{
		catalog:  catalog,
		store:    store,
		customs:  cfg.Customs,
		handlers: cfg.Handlers,
		options:  NewOptionsResolver(catalog, store, cfg.Handlers, cfg.Now),
		now:      cfg.Now,
	}
}

func (e *ReportEngine) Catalog() *Catalog { return e.catalog }

func (e *ReportEngine) Store() LedgerStore { return e.store }

// ── Batch contract ────────────────────────────────────────────────────────────

// FormulaKey identifies one formula of a batch. ExpressionID is only set for
// engines whose result depends on the target expression itself (external).
type FormulaKey struct {
	Formula      string
	Subformula   string
	ExpressionID int
}

// BatchRequest is one engine call: every formula shares the date scope and
// the groupby shape.
type BatchRequest struct {
	Options        *Options
	DateScope      DateScope
	Formulas       map[FormulaKey][]*Expression
	CurrentGroupby string
	NextGroupby    string
	Offset         int
	Limit          int
	// ExtraDomain restricts the journal lines further, as groupby expansion
	// does for the line being expanded.
	ExtraDomain formula.Domain

	pass *evalPass
}

// Result is the value of one formula, or of one group of it.
type Result struct {
	Value       decimal.Decimal `json:"value"`
	Text        *string         `json:"text,omitempty"`
	HasSublines bool            `json:"has_sublines"`
}

type GroupedResult struct {
	Key    GroupKey `json:"key"`
	Result Result   `json:"result"`
}

// EngineResult holds a scalar Result, or Groups when the batch had a
// current groupby.
type EngineResult struct {
	Grouped bool
	Scalar  Result
	Groups  []GroupedResult
}

// evalPass is the per-options data every engine needs: the selected
// companies and their conversion rates into the options currency.
type evalPass struct {
	opts      *Options
	companies []Company
	byID      map[int]Company
	rates     map[string]decimal.Decimal
	// companyRates converts each company's currency into opts.Currency.
	companyRates map[int]decimal.Decimal
}

func (e *ReportEngine) newPass(ctx context.Context, opts *Options) (*evalPass, error) {
	all, err := e.store.Companies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load companies: %w", err)
	}
	p := &evalPass{opts: opts, byID: map[int]Company{}, companyRates: map[int]decimal.Decimal{}}
	selected := opts.CompanyIDs()
	for _, c := range all {
		if containsInt(selected, c.ID) {
			p.companies = append(p.companies, c)
			p.byID[c.ID] = c
		}
	}
	if len(p.companies) == 0 {
		return nil, consistencyErrorf("options select no known company")
	}
	to, err := parseDate(opts.Date.DateTo)
	if err != nil {
		return nil, err
	}
	p.rates, err = e.store.CurrencyRates(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load currency rates: %w", err)
	}
	for _, c := range p.companies {
		p.companyRates[c.ID] = p.convertRate(c.BaseCurrency)
	}
	return p, nil
}

// convertRate is the factor turning an amount in currency into the options
// currency. Unknown currencies convert at 1.
func (p *evalPass) convertRate(currency string) decimal.Decimal {
	if currency == "" || currency == p.opts.Currency {
		return decimal.NewFromInt(1)
	}
	from, okFrom := p.rates[currency]
	to, okTo := p.rates[p.opts.Currency]
	if !okFrom || !okTo || from.IsZero() {
		return decimal.NewFromInt(1)
	}
	return to.Div(from)
}

// mainCompany drives fiscal year and tax period computations.
func (p *evalPass) mainCompany() Company { return p.companies[0] }

func (e *ReportEngine) passFor(ctx context.Context, req *BatchRequest) (*evalPass, error) {
	if req.pass != nil && req.pass.opts == req.Options {
		return req.pass, nil
	}
	p, err := e.newPass(ctx, req.Options)
	if err != nil {
		return nil, err
	}
	req.pass = p
	return p, nil
}

// ── Domains ───────────────────────────────────────────────────────────────────

// ledgerDomain is the journal-line selection shared by every engine for one
// set of options and date bounds.
func ledgerDomain(opts *Options, bounds DateBounds) formula.Domain {
	parts := formula.And{
		formula.MustCondition("company_id", "in", opts.CompanyIDs()),
		formula.MustCondition("date", "<=", formatDate(bounds.To)),
	}
	if bounds.From != nil {
		from := formula.MustCondition("date", ">=", formatDate(*bounds.From))
		if bounds.AllowInitialBalance {
			parts = append(parts, formula.Or{from, formula.MustCondition("account_id.include_initial_balance", "=", true)})
		} else {
			parts = append(parts, from)
		}
	}
	if opts.AllEntries {
		parts = append(parts, formula.MustCondition("parent_state", "in", []string{StatePosted, StateDraft}))
	} else {
		parts = append(parts, formula.MustCondition("parent_state", "=", StatePosted))
	}
	if ids := opts.SelectedJournalIDs(); len(ids) > 0 {
		parts = append(parts, formula.MustCondition("journal_id", "in", ids))
	}
	if len(opts.PartnerIDs) > 0 {
		parts = append(parts, formula.MustCondition("partner_id", "in", opts.PartnerIDs))
	}
	if len(opts.AnalyticAccountIDs) > 0 {
		parts = append(parts, formula.MustCondition("analytic_account_id", "in", opts.AnalyticAccountIDs))
	}
	switch opts.FiscalPosition {
	case "", fiscalPositionAll:
	case fiscalPositionDomestic:
		parts = append(parts, formula.MustCondition("fiscal_position_id", "=", false))
	default:
		if id, err := strconv.Atoi(opts.FiscalPosition); err == nil {
			parts = append(parts, formula.MustCondition("fiscal_position_id", "=", id))
		}
	}
	var types []string
	for _, t := range opts.AccountTypes {
		if t.Selected {
			types = append(types, t.ID)
		}
	}
	if len(types) > 0 {
		parts = append(parts, formula.MustCondition("account_id.account_type", "in", types))
	}
	for _, c := range opts.ForcedDomain {
		parts = append(parts, c)
	}
	return parts
}

func (e *ReportEngine) batchDomain(req *BatchRequest, p *evalPass) (formula.Domain, error) {
	bounds, err := DateBoundsInfo(req.Options, req.DateScope, p.mainCompany())
	if err != nil {
		return nil, err
	}
	return formula.AndDomains(ledgerDomain(req.Options, bounds), req.ExtraDomain), nil
}

func (e *ReportEngine) baseQuery(req *BatchRequest, p *evalPass, d formula.Domain) LedgerQuery {
	q := LedgerQuery{Domain: d, Offset: req.Offset, Limit: req.Limit, Rates: p.companyRates}
	if req.CurrentGroupby != "" {
		q.GroupBy = []string{req.CurrentGroupby}
	}
	return q
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

// ComputeBatch evaluates every formula of req with engine.
func (e *ReportEngine) ComputeBatch(ctx context.Context, engine Engine, req BatchRequest) (map[FormulaKey]EngineResult, error) {
	start := time.Now()
	zerolog.Ctx(ctx).Debug().
		Str("engine", string(engine)).
		Str("date_scope", string(req.DateScope)).
		Str("groupby", req.CurrentGroupby).
		Int("formulas", len(req.Formulas)).
		Msg("computing formula batch")

	var (
		out map[FormulaKey]EngineResult
		err error
	)
	switch engine {
	case EngineTaxTags:
		out, err = e.computeTaxTags(ctx, &req)
	case EngineDomain:
		out, err = e.computeDomain(ctx, &req)
	case EngineAccountCodes:
		out, err = e.computeAccountCodes(ctx, &req)
	case EngineExternal:
		out, err = e.computeExternal(ctx, &req)
	case EngineCustom:
		out, err = e.computeCustom(ctx, &req)
	case EngineAggregation:
		err = &EngineCapabilityError{Engine: engine, Reason: "aggregation formulas are resolved by the totals orchestrator"}
	default:
		err = fmt.Errorf("unknown engine %q", engine)
	}

	status := "success"
	if err != nil {
		status = "failed"
	}
	observability.EngineBatches.WithLabelValues(string(engine), status).Inc()
	observability.EngineBatchDuration.WithLabelValues(string(engine)).Observe(time.Since(start).Seconds())
	observability.EngineBatchFormulas.WithLabelValues(string(engine)).Observe(float64(len(req.Formulas)))
	return out, err
}

// groupAccumulator merges amounts per group key, keeping store order.
type groupAccumulator struct {
	order []string
	keys  map[string]GroupKey
	sums  map[string]decimal.Decimal
	rows  map[string]int
}

func newGroupAccumulator() *groupAccumulator {
	return &groupAccumulator{keys: map[string]GroupKey{}, sums: map[string]decimal.Decimal{}, rows: map[string]int{}}
}

func groupSig(k GroupKey) string {
	if k.isNull() {
		return "\x00null"
	}
	return keyString(k.Value)
}

func (a *groupAccumulator) add(k GroupKey, amount decimal.Decimal, count int) {
	sig := groupSig(k)
	if _, ok := a.keys[sig]; !ok {
		a.order = append(a.order, sig)
		a.keys[sig] = k
	}
	a.sums[sig] = a.sums[sig].Add(amount)
	a.rows[sig] += count
}

func (a *groupAccumulator) result(grouped bool, field string, transform func(decimal.Decimal, int) decimal.Decimal) EngineResult {
	if !grouped {
		var total decimal.Decimal
		rows := 0
		for _, sig := range a.order {
			total = total.Add(a.sums[sig])
			rows += a.rows[sig]
		}
		return EngineResult{Scalar: Result{Value: transform(total, rows), HasSublines: rows > 0}}
	}
	res := EngineResult{Grouped: true}
	for _, sig := range a.order {
		res.Groups = append(res.Groups, GroupedResult{
			Key:    a.keys[sig],
			Result: Result{Value: transform(a.sums[sig], a.rows[sig]), HasSublines: a.rows[sig] > 0},
		})
	}
	sortGroupedResults(res.Groups, field)
	return res
}

func sortGroupedResults(groups []GroupedResult, field string) {
	sort.SliceStable(groups, func(i, j int) bool {
		return compareKeys(field, groups[i].Key, groups[j].Key) < 0
	})
}

func identity(v decimal.Decimal, _ int) decimal.Decimal { return v }

// sortedFormulaKeys orders a batch deterministically so that queries are
// issued in the same order on every pass.
func sortedFormulaKeys(m map[FormulaKey][]*Expression) []FormulaKey {
	keys := make([]FormulaKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Formula != b.Formula {
			return a.Formula < b.Formula
		}
		if a.Subformula != b.Subformula {
			return a.Subformula < b.Subformula
		}
		return a.ExpressionID < b.ExpressionID
	})
	return keys
}
