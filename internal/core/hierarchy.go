package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ── Account group hierarchy ───────────────────────────────────────────────────

const noGroupName = "(No Group)"

type hierarchyNode struct {
	group    *AccountGroup
	part     LineIDPart
	children []*hierarchyNode
	byGroup  map[int]*hierarchyNode
	// accounts are indexes into the sibling run being regrouped.
	accounts []int
}

func newHierarchyNode(g *AccountGroup) *hierarchyNode {
	n := &hierarchyNode{group: g, byGroup: map[int]*hierarchyNode{}}
	if g == nil {
		n.part = LineIDPart{Markup: markupNoGroup}
	} else {
		n.part = LineIDPart{Markup: markupHierarchy, Model: modelAccountGrp, Value: strconv.Itoa(g.ID)}
	}
	return n
}

func (n *hierarchyNode) name() string {
	if n.group == nil {
		return noGroupName
	}
	return strings.TrimSpace(n.group.CodeStart + " " + n.group.Name)
}

// subtree is one line with its descendants, in output order.
type subtree []Line

func (t lineTree) subtree(lines []Line, i int) subtree {
	st := subtree{lines[i]}
	for _, c := range t.children[lines[i].ID] {
		st = append(st, t.subtree(lines, c)...)
	}
	return st
}

// applyHierarchy regroups every run of account lines sharing a parent under
// header lines following the account.group chain of each account.
func (e *ReportEngine) applyHierarchy(ctx context.Context, opts *Options, lines []Line) ([]Line, error) {
	accounts, err := e.store.Accounts(ctx, opts.CompanyIDs())
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	groups, err := e.store.AccountGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load account groups: %w", err)
	}
	accountGroup := map[int]int{}
	for _, a := range accounts {
		accountGroup[a.ID] = a.GroupID
	}
	groupByID := map[int]*AccountGroup{}
	for i := range groups {
		groupByID[groups[i].ID] = &groups[i]
	}
	chain := func(groupID int) []*AccountGroup {
		var out []*AccountGroup
		seen := map[int]bool{}
		for id := groupID; id != 0 && !seen[id]; {
			g, ok := groupByID[id]
			if !ok {
				break
			}
			seen[id] = true
			out = append([]*AccountGroup{g}, out...)
			id = g.ParentID
		}
		return out
	}

	t := buildTree(lines)
	var out []Line
	var walk func(idx []int)
	walk = func(idx []int) {
		var run []subtree
		pos := -1
		for _, i := range idx {
			l := lines[i]
			if accountIDOf(l) == 0 || l.isTotal() {
				out = append(out, l)
				walk(t.children[l.ID])
				continue
			}
			if pos < 0 {
				pos = len(out)
			}
			run = append(run, t.subtree(lines, i))
		}
		if len(run) == 0 {
			return
		}
		block := regroupAccounts(run, accountGroup, chain, opts)
		rest := append([]Line(nil), out[pos:]...)
		out = append(append(out[:pos], block...), rest...)
	}
	walk(t.roots)
	return out, nil
}

func accountIDOf(l Line) int {
	p, err := LastLineIDPart(l.ID)
	if err != nil || p.Model != modelAccount {
		return 0
	}
	id, _ := p.RecordID()
	return id
}

// regroupAccounts renders the header lines of one run and re-parents the
// account subtrees beneath them.
func regroupAccounts(run []subtree, accountGroup map[int]int, chain func(int) []*AccountGroup, opts *Options) []Line {
	root := newHierarchyNode(nil)
	var noGroup *hierarchyNode
	for i, st := range run {
		groups := chain(accountGroup[accountIDOf(st[0])])
		if len(groups) == 0 {
			if noGroup == nil {
				noGroup = newHierarchyNode(nil)
			}
			noGroup.accounts = append(noGroup.accounts, i)
			continue
		}
		n := root
		for _, g := range groups {
			child, ok := n.byGroup[g.ID]
			if !ok {
				child = newHierarchyNode(g)
				n.byGroup[g.ID] = child
				n.children = append(n.children, child)
			}
			n = child
		}
		n.accounts = append(n.accounts, i)
	}
	var sortNodes func(n *hierarchyNode)
	sortNodes = func(n *hierarchyNode) {
		sort.SliceStable(n.children, func(i, j int) bool {
			return n.children[i].group.CodeStart < n.children[j].group.CodeStart
		})
		for _, c := range n.children {
			sortNodes(c)
		}
	}
	sortNodes(root)
	if noGroup != nil {
		root.children = append(root.children, noGroup)
	}

	first := run[0][0]
	base, parentID := first.Level, first.ParentID
	var out []Line
	var emit func(n *hierarchyNode, parentID string, level int) []Cell
	emit = func(n *hierarchyNode, parentID string, level int) []Cell {
		header := Line{
			ID:         SublineID(parentID, n.part),
			Name:       n.name(),
			ParentID:   parentID,
			Level:      level,
			Unfoldable: true,
			Unfolded:   true,
		}
		at := len(out)
		out = append(out, header)
		var sums [][]Cell
		for _, c := range n.children {
			sums = append(sums, emit(c, header.ID, level+1))
		}
		for _, i := range n.accounts {
			st := run[i]
			newID := SublineID(header.ID, mustLastPart(st[0].ID))
			delta := level + 1 - st[0].Level
			for _, l := range st {
				l.ID = newID + strings.TrimPrefix(l.ID, st[0].ID)
				if l.ParentID == st[0].ParentID {
					l.ParentID = header.ID
				} else {
					l.ParentID = newID + strings.TrimPrefix(l.ParentID, st[0].ID)
				}
				l.Level += delta
				out = append(out, l)
			}
			sums = append(sums, st[0].Columns)
		}
		out[at].Columns = sumCells(sums, opts)
		return out[at].Columns
	}
	for _, c := range root.children {
		emit(c, parentID, base)
	}
	return out
}

func mustLastPart(id string) LineIDPart {
	p, _ := LastLineIDPart(id)
	return p
}

// sumCells adds up numeric cells column by column.
func sumCells(rows [][]Cell, opts *Options) []Cell {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Cell, len(rows[0]))
	for j := range out {
		tmpl := rows[0][j]
		var total decimal.Decimal
		numeric := false
		for _, r := range rows {
			if j >= len(r) {
				continue
			}
			if d, ok := r[j].decimalValue(); ok {
				total = total.Add(d)
				numeric = true
			}
		}
		out[j] = Cell{
			FigureType:      tmpl.FigureType,
			ExpressionLabel: tmpl.ExpressionLabel,
			ColumnGroupKey:  tmpl.ColumnGroupKey,
			greenOnPositive: tmpl.greenOnPositive,
		}
		if numeric {
			out[j].NoFormat = total
			out[j].Name = formatValue(total, tmpl.FigureType, opts.Currency, false)
		}
	}
	return out
}
