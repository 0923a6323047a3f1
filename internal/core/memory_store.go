package core

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"accounting-reports/internal/formula"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// LedgerFixture is the full record set of a MemoryStore, as read from YAML.
type LedgerFixture struct {
	Companies      []Company       `yaml:"companies"`
	Accounts       []Account       `yaml:"accounts"`
	AccountGroups  []AccountGroup  `yaml:"account_groups"`
	AccountTags    []AccountTag    `yaml:"account_tags"`
	Journals       []Journal       `yaml:"journals"`
	Partners       []Partner       `yaml:"partners"`
	JournalLines   []JournalLine   `yaml:"journal_lines"`
	ExternalValues []ExternalValue `yaml:"external_values"`
	CurrencyRates  []CurrencyRate  `yaml:"currency_rates"`
}

// MemoryStore is a LedgerStore over in-process records. It backs the tests
// and the CLI fixture mode.
type MemoryStore struct {
	mu             sync.RWMutex
	data           LedgerFixture
	nextExternalID int
}

// NewMemoryStore returns a store serving the fixture's records.
func NewMemoryStore(data LedgerFixture) *MemoryStore {
	s := &MemoryStore{data: data}
	for _, v := range data.ExternalValues {
		if v.ID > s.nextExternalID {
			s.nextExternalID = v.ID
		}
	}
	return s
}

// LoadMemoryStore reads a YAML ledger fixture.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := ReadLedgerFixture(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(data), nil
}

// ReadLedgerFixture parses a YAML ledger fixture.
func ReadLedgerFixture(path string) (LedgerFixture, error) {
	var data LedgerFixture
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied fixture path
	if err != nil {
		return data, fmt.Errorf("failed to read ledger fixture: %w", err)
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("failed to parse ledger fixture %s: %w", path, err)
	}
	return data, nil
}

// AddExternalValue stores v outside any transaction and returns its id.
func (s *MemoryStore) AddExternalValue(v ExternalValue) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExternalID++
	v.ID = s.nextExternalID
	s.data.ExternalValues = append(s.data.ExternalValues, v)
	return v.ID
}

// ── Reference data ────────────────────────────────────────────────────────────

func (s *MemoryStore) Companies(ctx context.Context) ([]Company, error) {
	return append([]Company(nil), s.data.Companies...), nil
}

func (s *MemoryStore) Accounts(ctx context.Context, companyIDs []int) ([]Account, error) {
	var out []Account
	for _, a := range s.data.Accounts {
		if len(companyIDs) == 0 || containsInt(companyIDs, a.CompanyID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) AccountGroups(ctx context.Context) ([]AccountGroup, error) {
	return append([]AccountGroup(nil), s.data.AccountGroups...), nil
}

func (s *MemoryStore) AccountTags(ctx context.Context) ([]AccountTag, error) {
	return append([]AccountTag(nil), s.data.AccountTags...), nil
}

func (s *MemoryStore) Journals(ctx context.Context, companyIDs []int) ([]Journal, error) {
	var out []Journal
	for _, j := range s.data.Journals {
		if len(companyIDs) == 0 || containsInt(companyIDs, j.CompanyID) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) CurrencyRates(ctx context.Context, date time.Time) (map[string]decimal.Decimal, error) {
	latest := map[string]CurrencyRate{}
	for _, r := range s.data.CurrencyRates {
		if r.Date.After(date) {
			continue
		}
		if cur, ok := latest[r.Currency]; !ok || r.Date.After(cur.Date) {
			latest[r.Currency] = r
		}
	}
	out := make(map[string]decimal.Decimal, len(latest))
	for c, r := range latest {
		out[c] = r.Rate
	}
	return out, nil
}

// ── Aggregates ────────────────────────────────────────────────────────────────

func (s *MemoryStore) AggregateBatch(ctx context.Context, queries []LedgerQuery) ([][]AggregateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := s.views()
	out := make([][]AggregateRow, len(queries))
	for i, q := range queries {
		rows, err := aggregateViews(views, q)
		if err != nil {
			return nil, err
		}
		out[i] = rows
	}
	return out, nil
}

func (s *MemoryStore) views() []*lineView {
	d := &s.data
	accounts := map[int]*Account{}
	for i := range d.Accounts {
		accounts[d.Accounts[i].ID] = &d.Accounts[i]
	}
	journals := map[int]*Journal{}
	for i := range d.Journals {
		journals[d.Journals[i].ID] = &d.Journals[i]
	}
	partners := map[int]*Partner{}
	for i := range d.Partners {
		partners[d.Partners[i].ID] = &d.Partners[i]
	}
	companies := map[int]*Company{}
	for i := range d.Companies {
		companies[d.Companies[i].ID] = &d.Companies[i]
	}
	views := make([]*lineView, len(d.JournalLines))
	for i := range d.JournalLines {
		l := &d.JournalLines[i]
		views[i] = &lineView{
			line:    l,
			account: accounts[l.AccountID],
			journal: journals[l.JournalID],
			partner: partners[l.PartnerID],
			company: companies[l.CompanyID],
		}
	}
	return views
}

type memGroup struct {
	keys  []GroupKey
	sum   decimal.Decimal
	count map[string]bool
}

func aggregateViews(views []*lineView, q LedgerQuery) ([]AggregateRow, error) {
	fields := make([]*ledgerField, len(q.GroupBy))
	for i, name := range q.GroupBy {
		f, err := lookupField(name)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	var countField *ledgerField
	if q.CountDistinct != "" {
		f, err := lookupField(q.CountDistinct)
		if err != nil {
			return nil, err
		}
		countField = f
	}

	groups := map[string]*memGroup{}
	var order []string
	for _, v := range views {
		ok, err := evalDomain(q.Domain, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keys := make([]GroupKey, len(fields))
		sig := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = memGroupKey(f, v)
			sig[i] = keyString(keys[i].Value)
		}
		id := strings.Join(sig, "\x00")
		g, found := groups[id]
		if !found {
			g = &memGroup{keys: keys, count: map[string]bool{}}
			groups[id] = g
			order = append(order, id)
		}
		amount := v.line.Balance()
		if q.Measure == MeasureTaxBalance && v.line.TaxTagInvert {
			amount = amount.Neg()
		}
		if rate, ok := q.Rates[v.line.CompanyID]; ok {
			amount = amount.Mul(rate)
		}
		g.sum = g.sum.Add(amount)
		if countField != nil {
			if cv := countField.get(v); cv != nil {
				g.count[keyString(cv)] = true
			}
		} else {
			g.count[fmt.Sprint(v.line.ID)] = true
		}
	}

	rows := make([]AggregateRow, 0, len(order))
	for _, id := range order {
		g := groups[id]
		rows = append(rows, AggregateRow{Keys: g.keys, Sum: g.sum, Count: len(g.count)})
	}
	sortAggregateRows(rows, q.GroupBy)
	return pageAggregateRows(rows, q.Offset, q.Limit), nil
}

func memGroupKey(f *ledgerField, v *lineView) GroupKey {
	val := f.get(v)
	if val == nil {
		return GroupKey{Display: unknownGroupName}
	}
	k := GroupKey{Value: val}
	if f.display != nil {
		k.Display = f.display(v)
	} else {
		k.Display = keyString(val)
	}
	return k
}

func sortAggregateRows(rows []AggregateRow, groupBy []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for k, field := range groupBy {
			if c := compareKeys(field, rows[i].Keys[k], rows[j].Keys[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// pageAggregateRows keeps the rows whose first key ranks within
// (offset, offset+limit]. Rows must already be sorted.
func pageAggregateRows(rows []AggregateRow, offset, limit int) []AggregateRow {
	if offset <= 0 && limit <= 0 {
		return rows
	}
	var out []AggregateRow
	rank := 0
	var prev string
	for i, r := range rows {
		first := ""
		if len(r.Keys) > 0 {
			first = keyString(r.Keys[0].Value) + "\x00" + fmt.Sprint(r.Keys[0].Value == nil)
		}
		if i == 0 || first != prev {
			rank++
			prev = first
		}
		if rank <= offset {
			continue
		}
		if limit > 0 && rank > offset+limit {
			break
		}
		out = append(out, r)
	}
	return out
}

// ── Domain evaluation ────────────────────────────────────────────────────────

func evalDomain(d formula.Domain, v *lineView) (bool, error) {
	switch x := d.(type) {
	case nil:
		return true, nil
	case formula.And:
		for _, e := range x {
			ok, err := evalDomain(e, v)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case formula.Or:
		for _, e := range x {
			ok, err := evalDomain(e, v)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case formula.Not:
		ok, err := evalDomain(x.Operand, v)
		return !ok, err
	case formula.Condition:
		return evalCondition(x, v)
	}
	return false, fmt.Errorf("unsupported domain node %T", d)
}

func evalCondition(c formula.Condition, v *lineView) (bool, error) {
	f, err := lookupField(c.Field)
	if err != nil {
		return false, err
	}
	actual := f.get(v)

	if f.kind == kindMany2many {
		ids, _ := actual.([]int64)
		switch c.Operator {
		case "in", "=":
			return overlaps(ids, c.Value), nil
		case "not in", "!=":
			return !overlaps(ids, c.Value), nil
		}
		return false, fmt.Errorf("operator %q not supported on %s", c.Operator, c.Field)
	}

	switch c.Operator {
	case "=":
		return valuesEqual(f, actual, c.Value), nil
	case "!=":
		return !valuesEqual(f, actual, c.Value), nil
	case "in", "not in":
		list, _ := c.Value.([]any)
		found := false
		for _, e := range list {
			if valuesEqual(f, actual, e) {
				found = true
				break
			}
		}
		return found == (c.Operator == "in"), nil
	case "<", "<=", ">", ">=":
		if actual == nil || isFalsy(c.Value) {
			return false, nil
		}
		cmp := compareDomainValues(actual, c.Value)
		switch c.Operator {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		}
		return cmp >= 0, nil
	case "like", "not like", "ilike", "not ilike", "=like", "=ilike":
		s, ok := actual.(string)
		pattern, _ := c.Value.(string)
		if !ok {
			return strings.HasPrefix(c.Operator, "not"), nil
		}
		matched := likeMatch(c.Operator, s, pattern)
		return matched, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Operator)
}

func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	return ok && !b
}

func valuesEqual(f *ledgerField, actual, expected any) bool {
	if f.kind == kindBool {
		a, _ := actual.(bool)
		e, _ := expected.(bool)
		return a == e
	}
	if isFalsy(expected) {
		return actual == nil
	}
	if actual == nil {
		return false
	}
	return compareDomainValues(actual, expected) == 0
}

func compareDomainValues(actual, expected any) int {
	switch a := actual.(type) {
	case decimal.Decimal:
		return a.Cmp(toDecimal(expected))
	case int64:
		if _, isDec := expected.(decimal.Decimal); isDec {
			return decimal.NewFromInt(a).Cmp(toDecimal(expected))
		}
	}
	return compareValues(actual, expected)
}

func toDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case decimal.Decimal:
		return x
	case int64:
		return decimal.NewFromInt(x)
	case string:
		d, _ := decimal.NewFromString(x)
		return d
	}
	return decimal.Zero
}

func overlaps(ids []int64, value any) bool {
	want := map[int64]bool{}
	switch x := value.(type) {
	case []any:
		for _, e := range x {
			if n, ok := e.(int64); ok {
				want[n] = true
			}
		}
	case int64:
		want[x] = true
	}
	for _, id := range ids {
		if want[id] {
			return true
		}
	}
	return false
}

// likeMatch implements the SQL LIKE family. like/ilike match a substring,
// =like/=ilike use the value as the full pattern.
func likeMatch(op, s, pattern string) bool {
	insensitive := strings.Contains(op, "ilike")
	full := strings.HasPrefix(op, "=")
	if !full {
		pattern = "%" + pattern + "%"
	}
	var b strings.Builder
	b.WriteString("^")
	if insensitive {
		b.WriteString("(?i)")
	}
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	matched := re.MatchString(s)
	if strings.HasPrefix(op, "not") {
		return !matched
	}
	return matched
}

// ── External values ──────────────────────────────────────────────────────────

func (s *MemoryStore) ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterExternalValues(s.data.ExternalValues, filter), nil
}

func filterExternalValues(values []ExternalValue, f ExternalValueFilter) []ExternalValue {
	var out []ExternalValue
	for _, v := range values {
		if len(f.CompanyIDs) > 0 && !containsInt(f.CompanyIDs, v.CompanyID) {
			continue
		}
		if len(f.ExpressionIDs) > 0 && !containsInt(f.ExpressionIDs, v.TargetExpressionID) {
			continue
		}
		if len(f.CarryoverOriginIDs) > 0 && !containsInt(f.CarryoverOriginIDs, v.CarryoverOriginID) {
			continue
		}
		if f.DateFrom != nil && v.Date.Before(*f.DateFrom) {
			continue
		}
		if !f.DateTo.IsZero() && v.Date.After(f.DateTo) {
			continue
		}
		if !matchesFiscalPosition(f.FiscalPosition, v.FiscalPositionID) {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) WithExternalValueTx(ctx context.Context, fn func(tx ExternalValueTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{values: append([]ExternalValue(nil), s.data.ExternalValues...), nextID: s.nextExternalID}
	if err := fn(tx); err != nil {
		return err
	}
	s.data.ExternalValues = tx.values
	s.nextExternalID = tx.nextID
	return nil
}

// memoryTx stages writes on a copy that replaces the store's values on commit.
type memoryTx struct {
	values []ExternalValue
	nextID int
}

func (t *memoryTx) ExternalValues(ctx context.Context, filter ExternalValueFilter) ([]ExternalValue, error) {
	return filterExternalValues(t.values, filter), nil
}

func (t *memoryTx) InsertExternalValue(ctx context.Context, v ExternalValue) (int, error) {
	t.nextID++
	v.ID = t.nextID
	t.values = append(t.values, v)
	return v.ID, nil
}

func (t *memoryTx) UpdateExternalValue(ctx context.Context, id int, value decimal.Decimal) error {
	for i := range t.values {
		if t.values[i].ID == id {
			v := value
			t.values[i].Value = &v
			return nil
		}
	}
	return fmt.Errorf("external value %d not found", id)
}

func (t *memoryTx) DeleteExternalValues(ctx context.Context, ids []int) error {
	kept := t.values[:0:0]
	for _, v := range t.values {
		if !containsInt(ids, v.ID) {
			kept = append(kept, v)
		}
	}
	t.values = kept
	return nil
}

func containsInt(list []int, v int) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
