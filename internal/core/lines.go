package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"accounting-reports/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ── Lines ─────────────────────────────────────────────────────────────────────

// Line is one rendered report line.
type Line struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	ParentID       string                     `json:"parent_id,omitempty"`
	Level          int                        `json:"level"`
	Columns        []Cell                     `json:"columns"`
	Unfoldable     bool                       `json:"unfoldable"`
	Unfolded       bool                       `json:"unfolded"`
	ExpandFunction string                     `json:"expand_function,omitempty"`
	Groupby        string                     `json:"groupby,omitempty"`
	Offset         int                        `json:"offset,omitempty"`
	Progress       map[string]decimal.Decimal `json:"progress,omitempty"`
	Growth         *GrowthCell                `json:"growth_comparison_data,omitempty"`

	hideIfZero bool
}

// Cell is one column value of a line. NoFormat holds the raw decimal or text.
type Cell struct {
	Name            string     `json:"name"`
	NoFormat        any        `json:"no_format"`
	FigureType      FigureType `json:"figure_type"`
	ExpressionLabel string     `json:"expression_label"`
	ColumnGroupKey  string     `json:"column_group_key"`
	Auditable       bool       `json:"auditable"`
	// ExpressionID is the audit target of the cell.
	ExpressionID int `json:"report_line_expression_id,omitempty"`

	greenOnPositive bool
}

type GrowthCell struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

func (c Cell) decimalValue() (decimal.Decimal, bool) {
	d, ok := c.NoFormat.(decimal.Decimal)
	return d, ok
}

func (c Cell) isZero() bool {
	switch v := c.NoFormat.(type) {
	case nil:
		return true
	case decimal.Decimal:
		return v.IsZero()
	case string:
		return v == ""
	}
	return false
}

func (l Line) allZero() bool {
	for _, c := range l.Columns {
		if !c.isZero() {
			return false
		}
	}
	return true
}

func (l Line) markup() string {
	p, err := LastLineIDPart(l.ID)
	if err != nil {
		return ""
	}
	return p.Markup
}

func (l Line) isTotal() bool    { return l.markup() == markupTotal }
func (l Line) isLoadMore() bool { return l.markup() == markupLoadMore }

// ── Formatting ────────────────────────────────────────────────────────────────

var printer = message.NewPrinter(language.English)

// formatValue renders a raw value for its figure type.
func formatValue(v any, figure FigureType, currency string, blankIfZero bool) string {
	if s, ok := v.(string); ok {
		return s
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return ""
	}
	if blankIfZero && d.IsZero() {
		return ""
	}
	f := d.InexactFloat64()
	switch figure {
	case FigurePercentage:
		return printer.Sprintf("%.1f%%", f)
	case FigureInteger:
		return printer.Sprintf("%d", d.Round(0).IntPart())
	case FigureFloat:
		return printer.Sprintf("%.2f", f)
	case FigureBoolean:
		if d.IsZero() {
			return "No"
		}
		return "Yes"
	case FigureString, FigureDate:
		return d.String()
	}
	s := printer.Sprintf("%.2f", f)
	if currency != "" {
		s += " " + currency
	}
	return s
}

func newCell(opts *Options, col ColumnOption, x *Expression, r Result) Cell {
	c := Cell{
		FigureType:      col.FigureType,
		ExpressionLabel: col.ExpressionLabel,
		ColumnGroupKey:  col.ColumnGroupKey,
	}
	if x == nil {
		return c
	}
	c.ExpressionID = x.ID
	c.Auditable = x.Auditable
	c.greenOnPositive = x.GreenOnPositive
	if x.FigureType != "" && x.FigureType != FigureMonetary {
		c.FigureType = x.FigureType
	}
	if r.Text != nil {
		c.NoFormat = *r.Text
	} else {
		c.NoFormat = r.Value
	}
	c.Name = formatValue(c.NoFormat, c.FigureType, opts.Currency, col.BlankIfZero)
	return c
}

// valueCell renders a value that no expression backs.
func valueCell(opts *Options, col ColumnOption, v decimal.Decimal) Cell {
	return Cell{
		Name:            formatValue(v, col.FigureType, opts.Currency, col.BlankIfZero),
		NoFormat:        v,
		FigureType:      col.FigureType,
		ExpressionLabel: col.ExpressionLabel,
		ColumnGroupKey:  col.ColumnGroupKey,
		greenOnPositive: true,
	}
}

// ── Tree builder ──────────────────────────────────────────────────────────────

// Lines renders the report selected by opts. opts must come from Options.
func (e *ReportEngine) Lines(ctx context.Context, opts *Options) ([]Line, error) {
	report, err := e.catalog.Report(opts.ReportID)
	if err != nil {
		return nil, err
	}
	totals, err := e.ComputeTotals(ctx, report, opts, report.Expressions())
	if err != nil {
		return nil, err
	}
	lines, err := e.buildLines(ctx, report, opts, totals)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Str("report", report.Code).Int("lines", len(lines)).Msg("report lines built")
	return lines, nil
}

// buildLines assembles static, dynamic and expanded lines then runs the
// post-processing steps in order.
func (e *ReportEngine) buildLines(ctx context.Context, report *Report, opts *Options, totals Totals) ([]Line, error) {
	dynamic, err := e.dynamicLines(ctx, report, opts)
	if err != nil {
		return nil, err
	}

	var lines []Line
	ids := map[int]string{}
	for _, rl := range report.AllLines() {
		if rl.parent == nil {
			for len(dynamic) > 0 && dynamic[0].Sequence < rl.Sequence {
				lines = append(lines, dynamic[0].Line)
				dynamic = dynamic[1:]
			}
		}
		line := e.staticLine(report, opts, rl, totals, ids)
		lines = append(lines, line)
		observability.LinesBuilt.WithLabelValues(report.Code, "static").Inc()
		if line.Unfolded && rl.Groupby != "" {
			sub, err := e.expandGroupby(ctx, report, opts, ExpandRequest{LineID: line.ID, Groupby: rl.Groupby, ExpandFunction: expandGroupby})
			if err != nil {
				return nil, err
			}
			lines = append(lines, sub...)
		}
	}
	for _, d := range dynamic {
		lines = append(lines, d.Line)
	}

	if opts.ShowGrowthComparison {
		applyGrowth(lines)
	}
	if opts.OrderColumn != nil {
		lines = sortLines(lines, opts)
	}
	lines = hideIfZeroLines(lines)
	if opts.Hide0Lines {
		lines = hideZeroLeaves(lines)
	}
	if opts.Hierarchy {
		if lines, err = e.applyHierarchy(ctx, opts, lines); err != nil {
			return nil, err
		}
	}
	if opts.TotalsBelowSections {
		lines = injectTotals(lines)
	}
	return lines, nil
}

func (e *ReportEngine) dynamicLines(ctx context.Context, report *Report, opts *Options) ([]DynamicLine, error) {
	if report.CustomHandler == "" {
		return nil, nil
	}
	h, ok := e.handlers.Lookup(report.CustomHandler)
	if !ok {
		return nil, consistencyErrorf("report %s uses unknown handler %q", report.Code, report.CustomHandler)
	}
	p, ok := h.(DynamicLineProvider)
	if !ok {
		return nil, nil
	}
	dynamic, err := p.DynamicLines(ctx, e, report, opts)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", report.CustomHandler, err)
	}
	sort.SliceStable(dynamic, func(i, j int) bool { return dynamic[i].Sequence < dynamic[j].Sequence })
	observability.LinesBuilt.WithLabelValues(report.Code, "dynamic").Add(float64(len(dynamic)))
	return dynamic, nil
}

// staticLine renders one report line. ids collects the generic ids of the
// lines already rendered so children can extend their parent's id.
func (e *ReportEngine) staticLine(report *Report, opts *Options, rl *ReportLine, totals Totals, ids map[int]string) Line {
	parentID := ""
	if rl.parent != nil {
		parentID = ids[rl.parent.ID]
	}
	id := SublineID(parentID, reportLinePart(rl.ID))
	ids[rl.ID] = id

	line := Line{
		ID:         id,
		Name:       rl.Name,
		ParentID:   parentID,
		Level:      rl.Level,
		Groupby:    rl.Groupby,
		hideIfZero: rl.HideIfZero,
	}
	hasSublines := false
	for _, col := range opts.Columns {
		x := rl.Expression(col.ExpressionLabel)
		var r Result
		if x != nil {
			r, _ = totals.Value(col.ColumnGroupKey, x)
			hasSublines = hasSublines || r.HasSublines
		}
		line.Columns = append(line.Columns, newCell(opts, col, x, r))
	}

	hasChildren := len(rl.Children) > 0
	line.Unfoldable = rl.Foldable && (hasChildren || (rl.Groupby != "" && hasSublines))
	line.Unfolded = (!rl.Foldable && hasChildren) || (line.Unfoldable && opts.isUnfolded(id))
	if rl.Groupby != "" {
		line.ExpandFunction = expandGroupby
	}
	return line
}

// ── Post-processing ───────────────────────────────────────────────────────────

// applyGrowth compares the first column against the second.
func applyGrowth(lines []Line) {
	for i := range lines {
		l := &lines[i]
		if len(l.Columns) < 2 {
			continue
		}
		v1, ok1 := l.Columns[0].decimalValue()
		v2, ok2 := l.Columns[1].decimalValue()
		if !ok1 || !ok2 {
			continue
		}
		l.Growth = growth(v1, v2, l.Columns[0].greenOnPositive)
	}
}

var growthEpsilon = decimal.New(1, -9)

// growth is the change of current against baseline in percent of baseline.
// The class follows the direction of the change, so a smaller loss reads as
// an improvement even though its percentage is negative.
func growth(current, baseline decimal.Decimal, greenOnPositive bool) *GrowthCell {
	if baseline.Abs().LessThan(growthEpsilon) {
		return &GrowthCell{Name: "n/a", Class: "muted"}
	}
	diff := current.Sub(baseline)
	pct := diff.Div(baseline).Mul(decimal.NewFromInt(100)).Round(1)
	cell := &GrowthCell{Name: pct.StringFixed(1) + "%", Class: "muted"}
	if pct.IsZero() {
		return cell
	}
	if diff.IsPositive() == greenOnPositive {
		cell.Class = "positive"
	} else {
		cell.Class = "negative"
	}
	return cell
}

// lineTree indexes lines by parent id, keeping input order.
type lineTree struct {
	roots    []int
	children map[string][]int
}

func buildTree(lines []Line) lineTree {
	t := lineTree{children: map[string][]int{}}
	known := map[string]bool{}
	for i, l := range lines {
		if l.ParentID == "" || !known[l.ParentID] {
			t.roots = append(t.roots, i)
		} else {
			t.children[l.ParentID] = append(t.children[l.ParentID], i)
		}
		known[l.ID] = true
	}
	return t
}

// flatten walks the tree depth first, ordering siblings with less when set.
func (t lineTree) flatten(lines []Line, less func(a, b Line) bool) []Line {
	out := make([]Line, 0, len(lines))
	var walk func(idx []int)
	walk = func(idx []int) {
		if less != nil {
			idx = append([]int(nil), idx...)
			sort.SliceStable(idx, func(i, j int) bool { return less(lines[idx[i]], lines[idx[j]]) })
		}
		for _, i := range idx {
			out = append(out, lines[i])
			walk(t.children[lines[i].ID])
		}
	}
	walk(t.roots)
	return out
}

// sortLines orders siblings by the order column of the first column group.
// Total and load-more lines keep their trailing position.
func sortLines(lines []Line, opts *Options) []Line {
	col := -1
	for i, c := range opts.Columns {
		if c.ExpressionLabel == opts.OrderColumn.ExpressionLabel {
			col = i
			break
		}
	}
	if col < 0 {
		return lines
	}
	desc := opts.OrderColumn.Direction == "DESC"
	rank := func(l Line) int {
		switch {
		case l.isLoadMore():
			return 2
		case l.isTotal():
			return 1
		}
		return 0
	}
	less := func(a, b Line) bool {
		if ra, rb := rank(a), rank(b); ra != rb || ra != 0 {
			return ra < rb
		}
		va, _ := a.Columns[col].decimalValue()
		vb, _ := b.Columns[col].decimalValue()
		if desc {
			return va.GreaterThan(vb)
		}
		return va.LessThan(vb)
	}
	return buildTree(lines).flatten(lines, less)
}

// hideIfZeroLines drops flagged lines, with their descendants, when the line
// and all its descendants are zero.
func hideIfZeroLines(lines []Line) []Line {
	nonZero := map[string]bool{}
	for i := len(lines) - 1; i >= 0; i-- {
		l := lines[i]
		if !l.allZero() || nonZero[l.ID] {
			for id := l.ParentID; id != ""; id = ParentLineID(id) {
				nonZero[id] = true
			}
			nonZero[l.ID] = true
		}
	}
	var hidden []string
	out := lines[:0:0]
	for _, l := range lines {
		if underAny(l.ID, hidden) {
			continue
		}
		if l.hideIfZero && !nonZero[l.ID] {
			hidden = append(hidden, l.ID)
			continue
		}
		out = append(out, l)
	}
	return out
}

func underAny(id string, ancestors []string) bool {
	for _, a := range ancestors {
		if IsDescendantLineID(id, a) {
			return true
		}
	}
	return false
}

// hideZeroLeaves drops all-zero lines left without visible children. Load
// more lines are kept.
func hideZeroLeaves(lines []Line) []Line {
	keep := make([]bool, len(lines))
	hasChild := map[string]bool{}
	for i := len(lines) - 1; i >= 0; i-- {
		l := lines[i]
		if l.isLoadMore() || hasChild[l.ID] || !l.allZero() {
			keep[i] = true
			hasChild[l.ParentID] = true
		}
	}
	out := lines[:0:0]
	for i, l := range lines {
		if keep[i] {
			out = append(out, l)
		}
	}
	return out
}

// injectTotals appends a "Total <name>" line after the last descendant of
// every unfolded parent with at least one formatted value.
func injectTotals(lines []Line) []Line {
	hasChild := map[string]bool{}
	for _, l := range lines {
		hasChild[l.ParentID] = true
	}
	t := buildTree(lines)
	out := make([]Line, 0, len(lines))
	var walk func(idx []int)
	walk = func(idx []int) {
		for _, i := range idx {
			l := lines[i]
			out = append(out, l)
			walk(t.children[l.ID])
			if !l.Unfolded || !hasChild[l.ID] || l.isTotal() {
				continue
			}
			formatted := false
			for _, c := range l.Columns {
				formatted = formatted || c.Name != ""
			}
			if !formatted {
				continue
			}
			total := Line{
				ID:       SublineID(l.ID, LineIDPart{Markup: markupTotal}),
				Name:     "Total " + strings.TrimSpace(l.Name),
				ParentID: l.ID,
				Level:    l.Level + 1,
				Columns:  append([]Cell(nil), l.Columns...),
			}
			out = append(out, total)
		}
	}
	walk(t.roots)
	return out
}
