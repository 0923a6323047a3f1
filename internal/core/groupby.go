package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"accounting-reports/internal/formula"
	"accounting-reports/internal/observability"

	"github.com/shopspring/decimal"
)

// ── Groupby expansion ─────────────────────────────────────────────────────────

// ExpandRequest unfolds one line. Offset and Progress come from a load-more
// line; Groupby is the remaining groupby chain of the line.
type ExpandRequest struct {
	LineID         string                     `json:"line_id"`
	Groupby        string                     `json:"groupby"`
	ExpandFunction string                     `json:"expand_function"`
	Progress       map[string]decimal.Decimal `json:"progress,omitempty"`
	Offset         int                        `json:"offset"`
}

const loadMoreName = "Load more..."

// Expand returns the sublines of req.LineID, plus a trailing load-more line
// when the page is full.
func (e *ReportEngine) Expand(ctx context.Context, opts *Options, req ExpandRequest) ([]Line, error) {
	report, err := e.catalog.Report(opts.ReportID)
	if err != nil {
		return nil, err
	}
	if _, err := DecodeLineID(req.LineID); err != nil {
		return nil, err
	}
	if req.ExpandFunction == "" {
		req.ExpandFunction = expandGroupby
	}
	var lines []Line
	switch {
	case req.ExpandFunction == expandGroupby, req.ExpandFunction == expandPrefixGrp:
		lines, err = e.expandGroupby(ctx, report, opts, req)
	case strings.HasPrefix(req.ExpandFunction, "handler:"):
		lines, err = e.expandWithHandler(ctx, report, opts, req)
	default:
		err = consistencyErrorf("unknown expand function %q", req.ExpandFunction)
	}
	if err != nil {
		return nil, err
	}
	if opts.Hierarchy {
		lines, err = e.applyHierarchy(ctx, opts, lines)
	}
	return lines, err
}

func (e *ReportEngine) expandWithHandler(ctx context.Context, report *Report, opts *Options, req ExpandRequest) ([]Line, error) {
	h, ok := e.handlers.Lookup(report.CustomHandler)
	if !ok {
		return nil, consistencyErrorf("report %s has no handler for %q", report.Code, req.ExpandFunction)
	}
	x, ok := h.(LineExpander)
	if !ok {
		return nil, consistencyErrorf("handler %s cannot expand lines", h.Name())
	}
	return x.ExpandLine(ctx, e, report, opts, req)
}

// expansionLevel is the level of the lines generated below id. A groupby
// level adds 2; a prefix group adds 1 and its content 1 more.
func expansionLevel(report *Report, id string) (int, error) {
	rl := report.Line(ReportLineIDFromLineID(id))
	if rl == nil {
		return 0, consistencyErrorf("line %q does not belong to report %s", id, report.Code)
	}
	parts, err := DecodeLineID(id)
	if err != nil {
		return 0, err
	}
	level := rl.Level
	afterPrefix := false
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p.Markup, markupPrefixGrp):
			level++
			afterPrefix = true
		case strings.HasPrefix(p.Markup, markupGroupby):
			if afterPrefix {
				level++
			} else {
				level += 2
			}
			afterPrefix = false
		}
	}
	if afterPrefix {
		return level + 1, nil
	}
	return level + 2, nil
}

// expansionDomain restricts journal lines to the groups and name prefixes of
// id's ancestry.
func expansionDomain(id, current string) (formula.Domain, []string, error) {
	groups, prefixes, err := groupbyPartsFromLineID(id)
	if err != nil {
		return nil, nil, err
	}
	var d formula.And
	for _, g := range groups {
		v := keyFromLinePart(g.Field, g.Part)
		if v == nil {
			v = false
		}
		c, err := formula.NewCondition(g.Field, "=", v)
		if err != nil {
			return nil, nil, err
		}
		d = append(d, c)
	}
	if len(prefixes) > 0 {
		field, ok := displayFieldFor[current]
		if !ok {
			return nil, nil, consistencyErrorf("field %s cannot be grouped by prefix", current)
		}
		d = append(d, formula.MustCondition(field, "=ilike", prefixes[len(prefixes)-1]+"%"))
	}
	return d, prefixes, nil
}

// expandGroupby expands the first field of req.Groupby below req.LineID.
// Sublines that are themselves unfolded are expanded recursively.
func (e *ReportEngine) expandGroupby(ctx context.Context, report *Report, opts *Options, req ExpandRequest) ([]Line, error) {
	rl := report.Line(ReportLineIDFromLineID(req.LineID))
	if rl == nil {
		return nil, consistencyErrorf("line %q does not belong to report %s", req.LineID, report.Code)
	}
	fields := splitGroupby(req.Groupby)
	if len(fields) == 0 {
		return nil, nil
	}
	current, rest := fields[0], strings.Join(fields[1:], ",")
	next := ""
	if len(fields) > 1 {
		next = fields[1]
	}
	level, err := expansionLevel(report, req.LineID)
	if err != nil {
		return nil, err
	}
	extra, prefixes, err := expansionDomain(req.LineID, current)
	if err != nil {
		return nil, err
	}

	if opts.PrefixGroupsThreshold > 0 && req.Offset == 0 {
		if _, ok := displayFieldFor[current]; ok {
			all, err := e.computeGroupedTotals(ctx, report, opts, rl, groupedRequest{current: current, next: next, extra: extra})
			if err != nil {
				return nil, err
			}
			groups := groupRows(opts, rl, all, current)
			if len(groups) > opts.PrefixGroupsThreshold {
				prefix := ""
				if len(prefixes) > 0 {
					prefix = prefixes[len(prefixes)-1]
				}
				if lines, ok, err := e.prefixGroupLines(ctx, report, opts, req, groups, prefix, level, current, next); ok || err != nil {
					return lines, err
				}
			}
		}
	}

	// Every column group and query ranks its keys on its own. Reading each
	// one from its first key to one past the page end yields every key of
	// the merged page, with all of its values.
	limit := opts.LoadMoreLimit
	window := 0
	if limit > 0 {
		window = req.Offset + limit + 1
	}
	values, err := e.computeGroupedTotals(ctx, report, opts, rl, groupedRequest{
		current: current, next: next, limit: window, extra: extra,
	})
	if err != nil {
		return nil, err
	}
	groups := groupRows(opts, rl, values, current)
	if req.Offset >= len(groups) {
		groups = nil
	} else {
		groups = groups[req.Offset:]
	}
	more := limit > 0 && len(groups) > limit
	if more {
		groups = groups[:limit]
	}

	progress := map[string]decimal.Decimal{}
	for k, v := range req.Progress {
		progress[k] = v
	}
	var lines []Line
	for _, g := range groups {
		sub, err := e.groupLine(ctx, report, opts, req.LineID, g, level, current, rest, next)
		if err != nil {
			return nil, err
		}
		for _, c := range g.cells {
			if d, ok := c.decimalValue(); ok {
				k := c.ColumnGroupKey + ":" + c.ExpressionLabel
				progress[k] = progress[k].Add(d)
			}
		}
		lines = append(lines, sub...)
	}
	if more {
		lines = append(lines, Line{
			ID:             SublineID(req.LineID, LineIDPart{Markup: markupLoadMore, Value: itoa(req.Offset + limit)}),
			Name:           loadMoreName,
			ParentID:       req.LineID,
			Level:          level,
			ExpandFunction: req.ExpandFunction,
			Groupby:        req.Groupby,
			Offset:         req.Offset + limit,
			Progress:       progress,
		})
	}
	observability.LinesBuilt.WithLabelValues(report.Code, "groupby").Add(float64(len(lines)))
	return lines, nil
}

func splitGroupby(chain string) []string {
	var out []string
	for _, f := range strings.Split(chain, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// groupRow is one group of an expansion with its rendered cells.
type groupRow struct {
	key         GroupKey
	cells       []Cell
	hasSublines bool
}

// groupRows merges the per column group results into one row per key,
// ordered by key.
func groupRows(opts *Options, rl *ReportLine, values map[string]groupedValues, field string) []groupRow {
	acc := newGroupAccumulator()
	results := map[string]map[string]Result{}
	for _, col := range opts.Columns {
		x := rl.Expression(col.ExpressionLabel)
		if x == nil {
			continue
		}
		for _, g := range values[col.ColumnGroupKey][x.ID] {
			acc.add(g.Key, decimal.Zero, 0)
			sig := groupSig(g.Key)
			if results[sig] == nil {
				results[sig] = map[string]Result{}
			}
			results[sig][col.ColumnGroupKey+":"+col.ExpressionLabel] = g.Result
		}
	}
	keys := make([]GroupedResult, 0, len(acc.order))
	for _, sig := range acc.order {
		keys = append(keys, GroupedResult{Key: acc.keys[sig]})
	}
	sortGroupedResults(keys, field)

	rows := make([]groupRow, 0, len(keys))
	for _, k := range keys {
		sig := groupSig(k.Key)
		row := groupRow{key: k.Key}
		for _, col := range opts.Columns {
			x := rl.Expression(col.ExpressionLabel)
			r := results[sig][col.ColumnGroupKey+":"+col.ExpressionLabel]
			row.hasSublines = row.hasSublines || r.HasSublines
			row.cells = append(row.cells, newCell(opts, col, x, r))
		}
		rows = append(rows, row)
	}
	return rows
}

// groupLine renders one group and, when it is unfolded, its own sublines.
func (e *ReportEngine) groupLine(ctx context.Context, report *Report, opts *Options, parentID string, g groupRow, level int, current, rest, next string) ([]Line, error) {
	id := SublineID(parentID, g.key.linePart(current))
	name := g.key.Display
	if g.key.isNull() || name == "" {
		name = unknownGroupName
	}
	line := Line{
		ID:       id,
		Name:     name,
		ParentID: parentID,
		Level:    level,
		Columns:  g.cells,
	}
	if next != "" {
		line.Groupby = rest
		line.ExpandFunction = expandGroupby
		line.Unfoldable = g.hasSublines
		line.Unfolded = line.Unfoldable && opts.isUnfolded(id)
	}
	lines := []Line{line}
	if line.Unfolded {
		sub, err := e.expandGroupby(ctx, report, opts, ExpandRequest{LineID: id, Groupby: rest, ExpandFunction: expandGroupby})
		if err != nil {
			return nil, err
		}
		lines = append(lines, sub...)
	}
	return lines, nil
}

// ── Prefix groups ─────────────────────────────────────────────────────────────

// prefixGroupLines buckets groups by the next character of their display
// name after prefix. Groups whose name has no such alphanumeric character
// stay plain lines after the buckets. ok is false when no group could be
// bucketed.
func (e *ReportEngine) prefixGroupLines(ctx context.Context, report *Report, opts *Options, req ExpandRequest, groups []groupRow, prefix string, level int, current, next string) ([]Line, bool, error) {
	buckets := map[string][]groupRow{}
	var order []string
	var plain []groupRow
	for _, g := range groups {
		key, ok := nextPrefix(g.key, prefix)
		if !ok {
			plain = append(plain, g)
			continue
		}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], g)
	}
	if len(order) == 0 {
		return nil, false, nil
	}
	sort.Strings(order)

	var lines []Line
	for _, key := range order {
		members := buckets[key]
		rows := make([][]Cell, len(members))
		for i, m := range members {
			rows[i] = m.cells
		}
		id := SublineID(req.LineID, LineIDPart{Markup: markupPrefixGrp + key})
		line := Line{
			ID:             id,
			Name:           fmt.Sprintf("%s (%d lines)", key, len(members)),
			ParentID:       req.LineID,
			Level:          level - 1,
			Columns:        sumCells(rows, opts),
			Unfoldable:     true,
			Unfolded:       opts.isUnfolded(id),
			ExpandFunction: expandPrefixGrp,
			Groupby:        req.Groupby,
		}
		if afterPrefixGroup(req.LineID) {
			line.Level = level
		}
		lines = append(lines, line)
		if line.Unfolded {
			sub, err := e.expandGroupby(ctx, report, opts, ExpandRequest{LineID: id, Groupby: req.Groupby, ExpandFunction: expandPrefixGrp})
			if err != nil {
				return nil, false, err
			}
			lines = append(lines, sub...)
		}
	}
	rest := strings.Join(splitGroupby(req.Groupby)[1:], ",")
	for _, g := range plain {
		sub, err := e.groupLine(ctx, report, opts, req.LineID, g, level, current, rest, next)
		if err != nil {
			return nil, false, err
		}
		lines = append(lines, sub...)
	}
	observability.LinesBuilt.WithLabelValues(report.Code, "prefix_group").Add(float64(len(order)))
	return lines, true, nil
}

func afterPrefixGroup(id string) bool {
	p, err := LastLineIDPart(id)
	return err == nil && strings.HasPrefix(p.Markup, markupPrefixGrp)
}

// nextPrefix extends prefix by the next character of the key's display name,
// uppercased. Null keys and non-alphanumeric characters have no prefix.
func nextPrefix(k GroupKey, prefix string) (string, bool) {
	if k.isNull() {
		return "", false
	}
	name := []rune(strings.ToUpper(k.Display))
	n := len([]rune(prefix))
	if len(name) <= n || !strings.EqualFold(string(name[:n]), prefix) {
		return "", false
	}
	r := name[n]
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		return "", false
	}
	return prefix + string(r), true
}
