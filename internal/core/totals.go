package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"accounting-reports/internal/formula"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ── Totals ────────────────────────────────────────────────────────────────────

// ExpressionKey identifies one computed value inside a column group. The
// same expression may be computed under a second date scope when a
// cross_report aggregation forces it.
type ExpressionKey struct {
	ExpressionID int
	DateScope    DateScope
}

func keyOf(x *Expression) ExpressionKey { return ExpressionKey{ExpressionID: x.ID, DateScope: x.DateScope} }

// MarshalText renders the key as `id:scope` so totals can travel as JSON
// objects.
func (k ExpressionKey) MarshalText() ([]byte, error) {
	return []byte(strconv.Itoa(k.ExpressionID) + ":" + string(k.DateScope)), nil
}

func (k *ExpressionKey) UnmarshalText(b []byte) error {
	id, scope, _ := strings.Cut(string(b), ":")
	n, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid expression key %q", b)
	}
	k.ExpressionID, k.DateScope = n, DateScope(scope)
	return nil
}

// ColumnTotals are the values of one column group.
type ColumnTotals map[ExpressionKey]Result

// Totals maps column group keys to their values.
type Totals map[string]ColumnTotals

// Value returns the value of x, under its own date scope, in column group cg.
func (t Totals) Value(cg string, x *Expression) (Result, bool) {
	r, ok := t[cg][keyOf(x)]
	return r, ok
}

// totalsItem is one expression to compute. forced marks a date scope
// imposed by a cross_report aggregation, inherited by its whole subtree.
type totalsItem struct {
	x      *Expression
	scope  DateScope
	forced bool
}

func (it totalsItem) key() ExpressionKey { return ExpressionKey{ExpressionID: it.x.ID, DateScope: it.scope} }

// dependencyItem is the item dep is computed as when referenced by it.
func dependencyItem(it totalsItem, dep *Expression) totalsItem {
	switch {
	case it.forced:
		return totalsItem{x: dep, scope: it.scope, forced: true}
	case it.x.compiled.aggSub.CrossReport:
		return totalsItem{x: dep, scope: it.scope, forced: true}
	}
	return totalsItem{x: dep, scope: dep.DateScope}
}

// expandDependencies returns roots and, recursively, everything their
// aggregations reference, each key once.
func (e *ReportEngine) expandDependencies(roots []*Expression) []totalsItem {
	seen := map[ExpressionKey]bool{}
	var out []totalsItem
	var visit func(it totalsItem)
	visit = func(it totalsItem) {
		if seen[it.key()] {
			return
		}
		seen[it.key()] = true
		out = append(out, it)
		if it.x.Engine != EngineAggregation {
			return
		}
		for _, dep := range e.catalog.Dependencies(it.x) {
			visit(dependencyItem(it, dep))
		}
	}
	for _, x := range roots {
		visit(totalsItem{x: x, scope: x.DateScope})
	}
	return out
}

// ComputeTotals evaluates exprs, and whatever they depend on, in every
// column group of opts.
func (e *ReportEngine) ComputeTotals(ctx context.Context, report *Report, opts *Options, exprs []*Expression) (Totals, error) {
	return e.recomputeTotals(ctx, report, opts, exprs, nil, nil)
}

// recomputeTotals is ComputeTotals reusing cached values for every engine
// outside recompute. A nil recompute computes everything.
func (e *ReportEngine) recomputeTotals(ctx context.Context, report *Report, opts *Options, exprs []*Expression, cached Totals, recompute map[Engine]bool) (Totals, error) {
	items := e.expandDependencies(exprs)
	out := Totals{}
	for _, cg := range opts.ColumnGroupKeys() {
		cgOpts, err := opts.ForColumnGroup(cg)
		if err != nil {
			return nil, err
		}
		pass, err := e.newPass(ctx, cgOpts)
		if err != nil {
			return nil, err
		}
		values := ColumnTotals{}
		if err := e.computeItems(ctx, report, pass, items, values, cached[cg], recompute); err != nil {
			return nil, err
		}
		out[cg] = values
	}
	return out, nil
}

type batchShape struct {
	engine Engine
	scope  DateScope
}

// computeItems fills values with every item: engines first, batched by
// shape, then aggregations through a fixpoint.
func (e *ReportEngine) computeItems(ctx context.Context, report *Report, pass *evalPass, items []totalsItem, values, cached ColumnTotals, recompute map[Engine]bool) error {
	if err := checkSingleScope(report, items); err != nil {
		return err
	}
	batches := map[batchShape]map[FormulaKey][]totalsItem{}
	var shapes []batchShape
	var aggregations []totalsItem
	for _, it := range items {
		if it.x.Engine == EngineAggregation {
			aggregations = append(aggregations, it)
			continue
		}
		if recompute != nil && !recompute[it.x.Engine] {
			if r, ok := cached[it.key()]; ok {
				values[it.key()] = r
				continue
			}
		}
		shape := batchShape{engine: it.x.Engine, scope: it.scope}
		if _, ok := batches[shape]; !ok {
			batches[shape] = map[FormulaKey][]totalsItem{}
			shapes = append(shapes, shape)
		}
		fk := FormulaKey{Formula: strings.TrimSpace(it.x.Formula), Subformula: it.x.Subformula}
		if it.x.Engine == EngineExternal {
			fk.ExpressionID = it.x.ID
		}
		batches[shape][fk] = append(batches[shape][fk], it)
	}

	for _, shape := range shapes {
		formulas := map[FormulaKey][]*Expression{}
		for fk, its := range batches[shape] {
			for _, it := range its {
				formulas[fk] = append(formulas[fk], it.x)
			}
		}
		res, err := e.ComputeBatch(ctx, shape.engine, BatchRequest{
			Options:   pass.opts,
			DateScope: shape.scope,
			Formulas:  formulas,
			pass:      pass,
		})
		if err != nil {
			return err
		}
		for fk, its := range batches[shape] {
			r := res[fk]
			for _, it := range its {
				values[it.key()] = r.Scalar
			}
		}
	}

	return e.resolveAggregations(ctx, report, pass, aggregations, values)
}

// checkSingleScope rejects items computing an expression of report under
// two date scopes, which happens when a cross_report subtree forces its
// scope back onto the report being computed.
func checkSingleScope(report *Report, items []totalsItem) error {
	scopes := map[int]DateScope{}
	for _, it := range items {
		if it.x.ReportID != report.ID {
			continue
		}
		if scope, ok := scopes[it.x.ID]; ok && scope != it.scope {
			return consistencyErrorf("expression %s computed twice in one column group (%s and %s)", termName(it.x), scope, it.scope)
		}
		scopes[it.x.ID] = it.scope
	}
	return nil
}

// resolveAggregations evaluates aggregation items in dependency order: an
// item whose terms are not all known yet is retried on the next round. A
// round without progress means the remaining terms can never resolve.
func (e *ReportEngine) resolveAggregations(ctx context.Context, report *Report, pass *evalPass, pending []totalsItem, values ColumnTotals) error {
	rounds := 0
	for len(pending) > 0 {
		rounds++
		var next []totalsItem
		var missing []string
		for _, it := range pending {
			r, unresolved, err := e.evaluateAggregation(it, pass, func(dep totalsItem) (Result, bool) {
				v, ok := values[dep.key()]
				return v, ok
			})
			if err != nil {
				return err
			}
			if unresolved != "" {
				next = append(next, it)
				missing = append(missing, unresolved)
				continue
			}
			values[it.key()] = r
		}
		if len(next) == len(pending) {
			sort.Strings(missing)
			return &AggregationCycleError{Terms: missing}
		}
		pending = next
	}
	zerolog.Ctx(ctx).Debug().Int("rounds", rounds).Msg("aggregations resolved")
	return nil
}

// evaluateAggregation computes one aggregation item. lookup returns the value
// of a dependency; when one is missing its term name is returned instead of
// a result.
func (e *ReportEngine) evaluateAggregation(it totalsItem, pass *evalPass, lookup func(totalsItem) (Result, bool)) (Result, string, error) {
	x := it.x
	var hasSublines bool
	termValue := func(ref formula.TermRef) (decimal.Decimal, bool) {
		dep, ok := x.compiled.terms[ref]
		if !ok {
			return decimal.Zero, false
		}
		r, ok := lookup(dependencyItem(it, dep))
		hasSublines = hasSublines || r.HasSublines
		return r.Value, ok
	}

	value, err := formula.Evaluate(x.compiled.aggregation, termValue)
	var unresolved *formula.UnresolvedTermError
	switch {
	case errors.As(err, &unresolved):
		return Result{}, unresolved.Term.String(), nil
	case errors.Is(err, formula.ErrDivisionByZero):
		value = decimal.Zero
	case err != nil:
		return Result{}, "", newFormulaError(x, e.catalog.reportOf(x), err)
	}

	sub := x.compiled.aggSub
	if b := sub.Bound; b != nil {
		subject := value
		if b.Other != nil {
			v, ok := termValue(*b.Other)
			if !ok {
				return Result{}, b.Other.String(), nil
			}
			subject = v
		}
		lower := b.Lower.Value.Mul(pass.convertRate(b.Lower.Currency))
		upper := b.Upper.Value.Mul(pass.convertRate(b.Upper.Currency))
		if !b.Passes(subject, lower, upper) {
			value = decimal.Zero
		}
	}
	if sub.Round != nil {
		value = value.Round(int32(*sub.Round))
	}
	return Result{Value: value, HasSublines: hasSublines}, "", nil
}

// ── Grouped totals ────────────────────────────────────────────────────────────

// groupedRequest is the groupby shape of an expansion.
type groupedRequest struct {
	current, next string
	limit         int // keys read per query, from the first one
	extra         formula.Domain
}

// groupedValues holds, per expression id, its results by group.
type groupedValues map[int][]GroupedResult

// computeGroupedTotals evaluates the expressions of line grouped by
// req.current in every column group. Aggregations read same-line terms per
// group and every other term from the line-independent totals.
func (e *ReportEngine) computeGroupedTotals(ctx context.Context, report *Report, opts *Options, line *ReportLine, req groupedRequest) (map[string]groupedValues, error) {
	var aggregations []*Expression
	batches := map[batchShape]map[FormulaKey][]*Expression{}
	var shapes []batchShape
	for _, x := range line.Expressions {
		if x.Engine == EngineAggregation {
			aggregations = append(aggregations, x)
			continue
		}
		if x.Engine == EngineExternal {
			continue
		}
		shape := batchShape{engine: x.Engine, scope: x.DateScope}
		if _, ok := batches[shape]; !ok {
			batches[shape] = map[FormulaKey][]*Expression{}
			shapes = append(shapes, shape)
		}
		fk := FormulaKey{Formula: strings.TrimSpace(x.Formula), Subformula: x.Subformula}
		batches[shape][fk] = append(batches[shape][fk], x)
	}

	out := map[string]groupedValues{}
	for _, cg := range opts.ColumnGroupKeys() {
		cgOpts, err := opts.ForColumnGroup(cg)
		if err != nil {
			return nil, err
		}
		pass, err := e.newPass(ctx, cgOpts)
		if err != nil {
			return nil, err
		}
		values := groupedValues{}
		for _, shape := range shapes {
			res, err := e.ComputeBatch(ctx, shape.engine, BatchRequest{
				Options:        cgOpts,
				DateScope:      shape.scope,
				Formulas:       batches[shape],
				CurrentGroupby: req.current,
				NextGroupby:    req.next,
				Limit:          req.limit,
				ExtraDomain:    req.extra,
				pass:           pass,
			})
			if err != nil {
				return nil, err
			}
			for fk, xs := range batches[shape] {
				for _, x := range xs {
					values[x.ID] = res[fk].Groups
				}
			}
		}
		if len(aggregations) > 0 {
			if err := e.groupedAggregations(ctx, report, pass, line, aggregations, req.current, values); err != nil {
				return nil, err
			}
		}
		out[cg] = values
	}
	return out, nil
}

func (e *ReportEngine) groupedAggregations(ctx context.Context, report *Report, pass *evalPass, line *ReportLine, aggregations []*Expression, field string, values groupedValues) error {
	scalar := ColumnTotals{}
	if err := e.computeItems(ctx, report, pass, e.expandDependencies(aggregations), scalar, nil, nil); err != nil {
		return err
	}

	acc := newGroupAccumulator()
	for _, groups := range values {
		for _, g := range groups {
			acc.add(g.Key, decimal.Zero, 0)
		}
	}
	keys := make([]GroupedResult, 0, len(acc.order))
	for _, sig := range acc.order {
		keys = append(keys, GroupedResult{Key: acc.keys[sig]})
	}
	sortGroupedResults(keys, field)

	perKey := make([]map[int]Result, len(keys))
	for i, k := range keys {
		perKey[i] = map[int]Result{}
		sig := groupSig(k.Key)
		for id, groups := range values {
			for _, g := range groups {
				if groupSig(g.Key) == sig {
					perKey[i][id] = g.Result
				}
			}
		}
	}

	for i := range keys {
		pending := make([]totalsItem, 0, len(aggregations))
		for _, x := range aggregations {
			pending = append(pending, totalsItem{x: x, scope: x.DateScope})
		}
		for len(pending) > 0 {
			var next []totalsItem
			var missing []string
			for _, it := range pending {
				r, unresolved, err := e.evaluateAggregation(it, pass, func(dep totalsItem) (Result, bool) {
					if dep.x.LineID == line.ID && !dep.forced {
						if dep.x.Engine == EngineAggregation {
							v, ok := perKey[i][dep.x.ID]
							return v, ok
						}
						return perKey[i][dep.x.ID], true
					}
					v, ok := scalar[dep.key()]
					return v, ok
				})
				if err != nil {
					return err
				}
				if unresolved != "" {
					next = append(next, it)
					missing = append(missing, unresolved)
					continue
				}
				perKey[i][it.x.ID] = r
			}
			if len(next) == len(pending) {
				return &AggregationCycleError{Terms: missing}
			}
			pending = next
		}
	}

	for _, x := range aggregations {
		groups := make([]GroupedResult, len(keys))
		for i, k := range keys {
			groups[i] = GroupedResult{Key: k.Key, Result: perKey[i][x.ID]}
		}
		values[x.ID] = groups
	}
	return nil
}
