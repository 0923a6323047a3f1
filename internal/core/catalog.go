package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"accounting-reports/internal/formula"

	"github.com/creasty/defaults"
	"github.com/heimdalr/dag"
	"gopkg.in/yaml.v3"
)

// ErrReportNotFound is returned for unknown report ids and codes.
var ErrReportNotFound = errors.New("report not found")

// ── YAML decoding ─────────────────────────────────────────────────────────────
//
// Defaults are applied before decoding so that explicit zero values in the
// file win over the `default:` tags.

func (r *Report) UnmarshalYAML(node *yaml.Node) error {
	type plain Report
	if err := defaults.Set(r); err != nil {
		return fmt.Errorf("failed to apply report defaults: %w", err)
	}
	return node.Decode((*plain)(r))
}

func (e *Expression) UnmarshalYAML(node *yaml.Node) error {
	type plain Expression
	if err := defaults.Set(e); err != nil {
		return fmt.Errorf("failed to apply expression defaults: %w", err)
	}
	return node.Decode((*plain)(e))
}

func (c *Column) UnmarshalYAML(node *yaml.Node) error {
	type plain Column
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("failed to apply column defaults: %w", err)
	}
	return node.Decode((*plain)(c))
}

// ── Catalog ───────────────────────────────────────────────────────────────────

// Catalog is the immutable set of report definitions, compiled and
// cross-checked at load time.
type Catalog struct {
	reports  []*Report
	byID     map[int]*Report
	byCode   map[string]*Report
	exprByID map[int]*Expression
	// graph has one vertex per aggregation-related expression and an edge
	// from every referenced expression to the aggregation using it.
	graph *dag.DAG
}

// LoadCatalog reads every *.yaml file of dir. A file may hold several
// `---`-separated report documents.
func LoadCatalog(dir string) (*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list report files: %w", err)
	}
	sort.Strings(paths)

	var reports []*Report
	for _, path := range paths {
		rs, err := readReportFile(path)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rs...)
	}
	return NewCatalog(reports)
}

func readReportFile(path string) ([]*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file %s: %w", path, err)
	}
	defer f.Close()

	var out []*Report
	dec := yaml.NewDecoder(f)
	for {
		r := new(Report)
		if err := dec.Decode(r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode report file %s: %w", path, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// NewCatalog links, compiles and validates the given reports.
func NewCatalog(reports []*Report) (*Catalog, error) {
	c := &Catalog{
		reports:  reports,
		byID:     map[int]*Report{},
		byCode:   map[string]*Report{},
		exprByID: map[int]*Expression{},
		graph:    dag.NewDAG(),
	}
	c.assignIDs()

	for _, r := range reports {
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate report id %d", r.ID)
		}
		c.byID[r.ID] = r
		if r.Code != "" {
			if _, dup := c.byCode[r.Code]; dup {
				return nil, fmt.Errorf("duplicate report code %q", r.Code)
			}
			c.byCode[r.Code] = r
		}
		if err := linkReport(r); err != nil {
			return nil, err
		}
		for _, e := range r.Expressions() {
			if _, dup := c.exprByID[e.ID]; dup {
				return nil, fmt.Errorf("duplicate expression id %d", e.ID)
			}
			c.exprByID[e.ID] = e
		}
	}

	for _, r := range reports {
		if err := c.checkFamily(r); err != nil {
			return nil, err
		}
		for _, e := range r.Expressions() {
			if err := compileExpression(e, r); err != nil {
				return nil, err
			}
		}
	}
	for _, r := range reports {
		for _, e := range r.Expressions() {
			if err := c.resolveReferences(e, r); err != nil {
				return nil, err
			}
		}
	}
	if err := c.buildGraph(); err != nil {
		return nil, err
	}
	return c, nil
}

// assignIDs numbers reports, lines and expressions left without an id,
// continuing after the highest explicit id of each kind.
func (c *Catalog) assignIDs() {
	var maxReport, maxLine, maxExpr int
	for _, r := range c.reports {
		maxReport = max(maxReport, r.ID)
		for _, l := range r.AllLines() {
			maxLine = max(maxLine, l.ID)
			for _, e := range l.Expressions {
				maxExpr = max(maxExpr, e.ID)
			}
		}
	}
	for _, r := range c.reports {
		if r.ID == 0 {
			maxReport++
			r.ID = maxReport
		}
		for _, l := range r.AllLines() {
			if l.ID == 0 {
				maxLine++
				l.ID = maxLine
			}
			for _, e := range l.Expressions {
				if e.ID == 0 {
					maxExpr++
					e.ID = maxExpr
				}
			}
		}
	}
}

// linkReport sorts lines by sequence and fills the back references.
func linkReport(r *Report) error {
	r.lineByID = map[int]*ReportLine{}
	r.lineByCode = map[string]*ReportLine{}

	for _, col := range r.Columns {
		if isReservedLabel(col.ExpressionLabel) {
			return fmt.Errorf("report %s: column %q uses reserved label %q", r.Code, col.Name, col.ExpressionLabel)
		}
	}

	var link func(lines []*ReportLine, parent *ReportLine, level int) error
	link = func(lines []*ReportLine, parent *ReportLine, level int) error {
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].Sequence < lines[j].Sequence })
		for _, l := range lines {
			l.ReportID = r.ID
			l.Level = level
			l.parent = parent
			if parent != nil {
				l.ParentID = parent.ID
			}
			r.lineByID[l.ID] = l
			if l.Code != "" {
				if _, dup := r.lineByCode[l.Code]; dup {
					return fmt.Errorf("report %s: duplicate line code %q", r.Code, l.Code)
				}
				r.lineByCode[l.Code] = l
			}
			for _, f := range l.GroupbyFields() {
				if _, err := lookupField(f); err != nil {
					return fmt.Errorf("report %s, line %q: invalid groupby: %w", r.Code, l.Name, err)
				}
			}

			seen := map[string]bool{}
			for _, e := range l.Expressions {
				if seen[e.Label] {
					return &FormulaError{ReportCode: r.Code, LineCode: l.Code, Label: e.Label, Err: errors.New("duplicate label on line")}
				}
				seen[e.Label] = true
				if e.Engine == EngineExternal && l.Groupby != "" {
					return &FormulaError{ReportCode: r.Code, LineCode: l.Code, Label: e.Label, Err: errors.New("external expressions cannot sit on a groupby line")}
				}
				e.ReportID = r.ID
				e.LineID = l.ID
				e.line = l
			}
			if err := link(l.Children, l, level+2); err != nil {
				return err
			}
		}
		return nil
	}
	return link(r.Lines, nil, 1)
}

func isReservedLabel(label string) bool {
	return strings.HasPrefix(label, labelPrefixDefault) ||
		strings.HasPrefix(label, labelPrefixCarryover) ||
		strings.HasPrefix(label, labelPrefixAppliedCarryover)
}

func (c *Catalog) checkFamily(r *Report) error {
	if r.RootReportID != 0 {
		if _, ok := c.byID[r.RootReportID]; !ok {
			return fmt.Errorf("report %s: unknown root report %d", r.Code, r.RootReportID)
		}
	}
	for _, id := range r.SectionReportIDs {
		if _, ok := c.byID[id]; !ok {
			return fmt.Errorf("report %s: unknown section report %d", r.Code, id)
		}
	}
	return nil
}

// compileExpression parses the formula and subformula of e once.
func compileExpression(e *Expression, r *Report) error {
	fail := func(err error) error { return newFormulaError(e, r, err) }

	if !e.Engine.Valid() {
		return fail(fmt.Errorf("unknown engine %q", e.Engine))
	}
	if e.DateScope == "" {
		e.DateScope = ScopeStrictRange
	}
	if !e.DateScope.Valid() {
		return fail(fmt.Errorf("unknown date scope %q", e.DateScope))
	}
	f := strings.TrimSpace(e.Formula)
	if f == "" {
		return fail(errors.New("empty formula"))
	}

	switch e.Engine {
	case EngineTaxTags:
		if e.Subformula != "" {
			return fail(errors.New("tax_tags expressions take no subformula"))
		}
		e.compiled.tagName = f
	case EngineDomain:
		d, err := formula.ParseDomain(f)
		if err != nil {
			return fail(err)
		}
		for _, field := range formula.Fields(d) {
			if _, err := lookupField(field); err != nil {
				return fail(err)
			}
		}
		sub, err := formula.ParseDomainSubformula(e.Subformula)
		if err != nil {
			return fail(err)
		}
		e.compiled.domain, e.compiled.domainSub = d, sub
	case EngineAccountCodes:
		ac, err := formula.ParseAccountCodes(f)
		if err != nil {
			return fail(err)
		}
		e.compiled.accountCodes = ac
	case EngineExternal:
		if f != externalSum && f != externalMostRecent {
			return fail(fmt.Errorf("external formula must be %q or %q", externalSum, externalMostRecent))
		}
		sub, err := formula.ParseExternalSubformula(e.Subformula)
		if err != nil {
			return fail(err)
		}
		e.compiled.external = sub
	case EngineAggregation:
		expr, err := formula.ParseAggregation(f)
		if err != nil {
			return fail(err)
		}
		sub, err := formula.ParseAggregationSubformula(e.Subformula)
		if err != nil {
			return fail(err)
		}
		if formula.HasSumChildren(expr) {
			var refs []formula.TermRef
			for _, child := range e.line.Children {
				if ce := child.Expression(e.Label); ce != nil {
					refs = append(refs, formula.TermRef{ExpressionID: ce.ID})
				}
			}
			expr = formula.ReplaceSumChildren(expr, refs)
		}
		e.compiled.aggregation, e.compiled.aggSub = expr, sub
	case EngineCustom:
		// Resolved against the CustomEngineRegistry at evaluation time.
	}

	if e.CarryoverTarget != "" && !e.isCarryover() {
		return fail(errors.New("carryover_target is only allowed on _carryover_ expressions"))
	}
	return nil
}

// resolveReferences binds the aggregation terms and the carryover target of
// e to expressions. Terms that cannot be found stay unbound and fail at
// evaluation time.
func (c *Catalog) resolveReferences(e *Expression, r *Report) error {
	if e.isCarryover() {
		target, err := c.carryoverTarget(e, r)
		if err != nil {
			return newFormulaError(e, r, err)
		}
		e.compiled.carryoverTarget = target
	}
	if e.Engine != EngineAggregation {
		return nil
	}

	e.compiled.terms = map[formula.TermRef]*Expression{}
	refs := formula.Terms(e.compiled.aggregation)
	if b := e.compiled.aggSub.Bound; b != nil && b.Other != nil {
		refs = append(refs, *b.Other)
	}
	for _, ref := range refs {
		target, err := c.lookupTerm(ref, r, e.compiled.aggSub)
		if err != nil {
			return newFormulaError(e, r, err)
		}
		if target != nil {
			e.compiled.terms[ref] = target
		}
	}
	return nil
}

func (c *Catalog) lookupTerm(ref formula.TermRef, r *Report, sub formula.AggregationSubformula) (*Expression, error) {
	if ref.ExpressionID != 0 {
		return c.exprByID[ref.ExpressionID], nil
	}
	inReport := func(rep *Report) *Expression {
		if l := rep.LineByCode(ref.LineCode); l != nil {
			return l.Expression(ref.Label)
		}
		return nil
	}
	if !sub.CrossReport {
		return inReport(r), nil
	}
	if sub.CrossReportCode != "" {
		other, ok := c.byCode[sub.CrossReportCode]
		if !ok {
			return nil, fmt.Errorf("cross_report: %w: %s", ErrReportNotFound, sub.CrossReportCode)
		}
		return inReport(other), nil
	}
	if found := inReport(r); found != nil {
		return found, nil
	}
	var found *Expression
	for _, other := range c.reports {
		if hit := inReport(other); hit != nil {
			if found != nil {
				return nil, fmt.Errorf("term %s is ambiguous across reports", ref)
			}
			found = hit
		}
	}
	return found, nil
}

func (c *Catalog) carryoverTarget(e *Expression, r *Report) (*Expression, error) {
	var target *Expression
	if e.CarryoverTarget != "" {
		code, label, ok := strings.Cut(e.CarryoverTarget, ".")
		if !ok {
			return nil, fmt.Errorf("carryover_target %q must be LINE_CODE.label", e.CarryoverTarget)
		}
		l := r.LineByCode(code)
		if l == nil || l.Expression(label) == nil {
			return nil, fmt.Errorf("unknown carryover_target %q", e.CarryoverTarget)
		}
		target = l.Expression(label)
	} else {
		label := labelPrefixAppliedCarryover + strings.TrimPrefix(e.Label, labelPrefixCarryover)
		if target = e.line.Expression(label); target == nil {
			return nil, fmt.Errorf("no %s expression on the line", label)
		}
	}
	if target.Engine != EngineExternal {
		return nil, fmt.Errorf("carryover target %s must use the external engine", termName(target))
	}
	return target, nil
}

func vertexID(id int) string { return strconv.Itoa(id) }

// buildGraph records aggregation references in the DAG; an edge closing a
// loop is rejected by the DAG and reported as an AggregationCycleError.
func (c *Catalog) buildGraph() error {
	ensure := func(e *Expression) error {
		if _, err := c.graph.GetVertex(vertexID(e.ID)); err == nil {
			return nil
		}
		if err := c.graph.AddVertexByID(vertexID(e.ID), e.ID); err != nil {
			return fmt.Errorf("failed to add expression %d to the reference graph: %w", e.ID, err)
		}
		return nil
	}
	for _, r := range c.reports {
		for _, e := range r.Expressions() {
			if e.Engine != EngineAggregation {
				continue
			}
			if err := ensure(e); err != nil {
				return err
			}
			added := map[int]bool{}
			for ref, dep := range e.compiled.terms {
				if added[dep.ID] {
					continue
				}
				added[dep.ID] = true
				if dep.ID == e.ID {
					return &AggregationCycleError{Terms: []string{ref.String()}}
				}
				if err := ensure(dep); err != nil {
					return err
				}
				if err := c.graph.AddEdge(vertexID(dep.ID), vertexID(e.ID)); err != nil {
					return &AggregationCycleError{Terms: []string{ref.String(), termName(e)}}
				}
			}
		}
	}
	return nil
}

// Dependencies returns the expressions e references directly.
func (c *Catalog) Dependencies(e *Expression) []*Expression {
	parents, err := c.graph.GetParents(vertexID(e.ID))
	if err != nil {
		return nil
	}
	out := make([]*Expression, 0, len(parents))
	for id := range parents {
		n, _ := strconv.Atoi(id)
		if dep := c.exprByID[n]; dep != nil {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// termName renders e the way aggregation formulas reference it.
func termName(e *Expression) string {
	if e.line != nil && e.line.Code != "" {
		return e.line.Code + "." + e.Label
	}
	return "_expression:" + strconv.Itoa(e.ID)
}

func (c *Catalog) Reports() []*Report { return c.reports }

func (c *Catalog) Report(id int) (*Report, error) {
	r, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrReportNotFound, id)
	}
	return r, nil
}

func (c *Catalog) ReportByCode(code string) (*Report, error) {
	r, ok := c.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, code)
	}
	return r, nil
}

func (c *Catalog) Expression(id int) (*Expression, bool) {
	e, ok := c.exprByID[id]
	return e, ok
}

func (c *Catalog) reportOf(e *Expression) *Report { return c.byID[e.ReportID] }
