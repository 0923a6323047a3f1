package formula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Domain is a boolean filter over ledger entry fields.
type Domain interface {
	String() string
	isDomain()
}

// Condition is a `(field, operator, value)` leaf. Value is one of nil, bool,
// int64, decimal.Decimal, string or []any of those.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// And matches when every operand matches. An empty And matches everything.
type And []Domain

// Or matches when at least one operand matches.
type Or []Domain

// Not negates its operand.
type Not struct {
	Operand Domain
}

func (Condition) isDomain() {}
func (And) isDomain()       {}
func (Or) isDomain()        {}
func (Not) isDomain()       {}

var operators = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"in": true, "not in": true,
	"like": true, "not like": true, "ilike": true, "not ilike": true,
	"=like": true, "=ilike": true,
}

// ValidOperator reports whether op is a supported comparison operator.
func ValidOperator(op string) bool { return operators[op] }

// NewCondition builds a leaf, validating the operator and the value shape.
func NewCondition(field, op string, value any) (Condition, error) {
	if field == "" {
		return Condition{}, fmt.Errorf("empty field name")
	}
	if !operators[op] {
		return Condition{}, fmt.Errorf("unsupported operator %q", op)
	}
	value = normalizeValue(value)
	_, isList := value.([]any)
	if (op == "in" || op == "not in") && !isList {
		return Condition{}, fmt.Errorf("operator %q expects a list value", op)
	}
	return Condition{Field: field, Operator: op, Value: value}, nil
}

// MustCondition is NewCondition for conditions built from constants.
func MustCondition(field, op string, value any) Condition {
	c, err := NewCondition(field, op, value)
	if err != nil {
		panic(err)
	}
	return c
}

// AndDomains combines domains, flattening nested conjunctions and dropping
// nil or always-true operands.
func AndDomains(domains ...Domain) Domain {
	out := And{}
	for _, d := range domains {
		switch v := d.(type) {
		case nil:
		case And:
			out = append(out, v...)
		default:
			out = append(out, v)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// ParseDomain parses a domain list literal such as
// `[('account_id.code', '=like', '6%'), '!', ('partner_id', '=', False)]`.
// Python and JSON spellings of constants are both accepted.
func ParseDomain(input string) (Domain, error) {
	p := &literalParser{input: input}
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, syntaxErr(input, -1, "empty domain")
	}
	lit, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, syntaxErr(input, p.pos, "trailing characters")
	}
	items, ok := lit.([]any)
	if !ok {
		return nil, syntaxErr(input, 0, "domain must be a list")
	}
	return DomainFromList(items, input)
}

// DomainFromList builds a domain from an already decoded list in prefix
// notation. Top-level terms without an operator are implicitly AND-ed.
func DomainFromList(items []any, input string) (Domain, error) {
	var terms And
	for i := 0; i < len(items); {
		d, next, err := domainTerm(items, i, input)
		if err != nil {
			return nil, err
		}
		terms = append(terms, d)
		i = next
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return terms, nil
}

func domainTerm(items []any, i int, input string) (Domain, int, error) {
	if i >= len(items) {
		return nil, i, syntaxErr(input, -1, "operator is missing an operand")
	}
	switch v := items[i].(type) {
	case string:
		switch v {
		case "!":
			d, next, err := domainTerm(items, i+1, input)
			if err != nil {
				return nil, i, err
			}
			return Not{Operand: d}, next, nil
		case "&", "|":
			left, next, err := domainTerm(items, i+1, input)
			if err != nil {
				return nil, i, err
			}
			right, next, err := domainTerm(items, next, input)
			if err != nil {
				return nil, i, err
			}
			if v == "&" {
				return And{left, right}, next, nil
			}
			return Or{left, right}, next, nil
		default:
			return nil, i, syntaxErr(input, -1, "unknown domain operator %q", v)
		}
	case []any:
		if len(v) != 3 {
			return nil, i, syntaxErr(input, -1, "domain leaf must have 3 elements, got %d", len(v))
		}
		field, ok1 := v[0].(string)
		op, ok2 := v[1].(string)
		if !ok1 || !ok2 {
			return nil, i, syntaxErr(input, -1, "domain leaf field and operator must be strings")
		}
		c, err := NewCondition(field, op, v[2])
		if err != nil {
			return nil, i, syntaxErr(input, -1, "%v", err)
		}
		return c, i + 1, nil
	default:
		return nil, i, syntaxErr(input, -1, "unexpected domain element %v", v)
	}
}

// ── Formatting ────────────────────────────────────────────────────────────────

func (c Condition) String() string {
	return "[" + c.leaf() + "]"
}

func (c Condition) leaf() string {
	return fmt.Sprintf("(%s, %s, %s)", strconv.Quote(c.Field), strconv.Quote(c.Operator), formatValue(c.Value))
}

// MarshalJSON encodes the leaf as a `[field, operator, value]` triple.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Field, c.Operator, c.Value})
}

// UnmarshalJSON decodes a `[field, operator, value]` triple.
func (c *Condition) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("domain leaf must have 3 elements, got %d", len(raw))
	}
	field, ok1 := raw[0].(string)
	op, ok2 := raw[1].(string)
	if !ok1 || !ok2 {
		return fmt.Errorf("domain leaf field and operator must be strings")
	}
	decoded, err := NewCondition(field, op, fromJSONValue(raw[2]))
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

func fromJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		d, _ := decimal.NewFromString(x.String())
		return d
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromJSONValue(e)
		}
		return out
	}
	return v
}

func (a And) String() string { return "[" + strings.Join(prefixTerms(a), ", ") + "]" }
func (o Or) String() string  { return "[" + strings.Join(prefixTerms(o), ", ") + "]" }
func (n Not) String() string { return "[" + strings.Join(prefixTerms(n), ", ") + "]" }

func prefixTerms(d Domain) []string {
	switch v := d.(type) {
	case Condition:
		return []string{v.leaf()}
	case Not:
		return append([]string{`"!"`}, prefixTerms(v.Operand)...)
	case And:
		return joinPrefix(`"&"`, v)
	case Or:
		if len(v) == 0 {
			return []string{`("id", "in", [])`}
		}
		return joinPrefix(`"|"`, v)
	}
	return nil
}

func joinPrefix(op string, operands []Domain) []string {
	var out []string
	for i := 0; i < len(operands)-1; i++ {
		out = append(out, op)
	}
	for _, d := range operands {
		out = append(out, prefixTerms(d)...)
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case decimal.Decimal:
		return x.String()
	case string:
		return strconv.Quote(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}

// normalizeValue maps Go values built in code onto the literal value set.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return decimal.NewFromFloat(x)
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}

// Fields returns the sorted set of field paths referenced by d.
func Fields(d Domain) []string {
	seen := map[string]bool{}
	var walk func(Domain)
	walk = func(d Domain) {
		switch v := d.(type) {
		case Condition:
			seen[v.Field] = true
		case And:
			for _, e := range v {
				walk(e)
			}
		case Or:
			for _, e := range v {
				walk(e)
			}
		case Not:
			walk(v.Operand)
		}
	}
	walk(d)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ── Literal parser ────────────────────────────────────────────────────────────

type literalParser struct {
	input string
	pos   int
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.input) && strings.ContainsRune(" \t\r\n", rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, syntaxErr(p.input, p.pos, "unexpected end of input")
	}
	switch c := p.input[p.pos]; {
	case c == '[' || c == '(':
		return p.list(c)
	case c == '\'' || c == '"':
		return p.str(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		return p.constant()
	}
}

func (p *literalParser) list(open byte) (any, error) {
	closing := byte(']')
	if open == '(' {
		closing = ')'
	}
	p.pos++
	items := []any{}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, syntaxErr(p.input, p.pos, "unclosed %q", open)
		}
		if p.input[p.pos] == closing {
			p.pos++
			return items, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.pos < len(p.input) && p.input[p.pos] != closing {
			return nil, syntaxErr(p.input, p.pos, "expected ',' or %q", closing)
		}
	}
}

func (p *literalParser) str(quote byte) (any, error) {
	start := p.pos
	p.pos++
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.input):
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case c == quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, syntaxErr(p.input, start, "unterminated string")
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	isDecimal := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '.' {
			isDecimal = true
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	text := p.input[start:p.pos]
	if isDecimal {
		d, err := decimal.NewFromString(text)
		if err != nil {
			return nil, syntaxErr(p.input, start, "invalid number %q", text)
		}
		return d, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, syntaxErr(p.input, start, "invalid number %q", text)
	}
	return n, nil
}

func (p *literalParser) constant() (any, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			break
		}
		p.pos++
	}
	switch word := p.input[start:p.pos]; word {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None", "null":
		return nil, nil
	default:
		return nil, syntaxErr(p.input, start, "unexpected token %q", word)
	}
}
