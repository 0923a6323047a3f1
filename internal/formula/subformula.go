package formula

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ── Domain engine ─────────────────────────────────────────────────────────────

// SumMode selects how the domain engine folds matched entries.
type SumMode string

const (
	ModeSum       SumMode = "sum"
	ModeSumIfPos  SumMode = "sum_if_pos"
	ModeSumIfNeg  SumMode = "sum_if_neg"
	ModeCountRows SumMode = "count_rows"
)

// DomainSubformula is the parsed subformula of a domain expression.
type DomainSubformula struct {
	Mode   SumMode
	Negate bool
}

// ParseDomainSubformula parses `[-](sum|sum_if_pos|sum_if_neg|count_rows)`.
// An empty subformula means sum.
func ParseDomainSubformula(input string) (DomainSubformula, error) {
	s := strings.TrimSpace(input)
	sub := DomainSubformula{Mode: ModeSum}
	if s == "" {
		return sub, nil
	}
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		sub.Negate = true
		s = rest
	}
	switch SumMode(s) {
	case ModeSum, ModeSumIfPos, ModeSumIfNeg, ModeCountRows:
		sub.Mode = SumMode(s)
	default:
		return sub, syntaxErr(input, -1, "unknown domain subformula %q", s)
	}
	return sub, nil
}

// ── External engine ───────────────────────────────────────────────────────────

// ExternalSubformula is the parsed subformula of an external expression.
type ExternalSubformula struct {
	Editable bool
	Rounding *int
}

// ParseExternalSubformula parses `;`-separated `editable` and `rounding=N`.
func ParseExternalSubformula(input string) (ExternalSubformula, error) {
	var sub ExternalSubformula
	for _, part := range splitParts(input) {
		switch {
		case part == "editable":
			sub.Editable = true
		case strings.HasPrefix(part, "rounding="):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "rounding="))
			if err != nil || n < 0 {
				return sub, syntaxErr(input, -1, "invalid rounding %q", part)
			}
			sub.Rounding = &n
		default:
			return sub, syntaxErr(input, -1, "unknown external subformula %q", part)
		}
	}
	return sub, nil
}

// ── Aggregation engine ────────────────────────────────────────────────────────

// BoundKind names an aggregation clamp criterium.
type BoundKind string

const (
	BoundAbove      BoundKind = "if_above"
	BoundBelow      BoundKind = "if_below"
	BoundBetween    BoundKind = "if_between"
	BoundOtherAbove BoundKind = "if_other_expr_above"
	BoundOtherBelow BoundKind = "if_other_expr_below"
)

// Amount is a currency-qualified constant such as USD(100).
type Amount struct {
	Currency string
	Value    decimal.Decimal
}

func (a Amount) String() string { return a.Currency + "(" + a.Value.String() + ")" }

// Bound clamps an aggregation result: values failing the comparison
// collapse to zero. Comparisons are strict.
type Bound struct {
	Kind  BoundKind
	Lower Amount // if_above, if_between, if_other_expr_above
	Upper Amount // if_below, if_between, if_other_expr_below
	Other *TermRef
}

// Subject returns the value the bound is tested against: the expression's own
// value, or the other expression's one for the if_other_expr criteria.
func (b *Bound) Subject(own decimal.Decimal, other func(TermRef) decimal.Decimal) decimal.Decimal {
	if b.Other != nil {
		return other(*b.Other)
	}
	return own
}

// Passes reports whether subject satisfies the bound once lower and upper are
// expressed in the evaluation currency.
func (b *Bound) Passes(subject, lower, upper decimal.Decimal) bool {
	switch b.Kind {
	case BoundAbove, BoundOtherAbove:
		return subject.GreaterThan(lower)
	case BoundBelow, BoundOtherBelow:
		return subject.LessThan(upper)
	case BoundBetween:
		return subject.GreaterThan(lower) && subject.LessThan(upper)
	}
	return false
}

// AggregationSubformula is the parsed subformula of an aggregation expression.
type AggregationSubformula struct {
	Round           *int
	CrossReport     bool
	CrossReportCode string
	Bound           *Bound
}

var (
	amountRe      = regexp.MustCompile(`^([A-Z]{3})\((-?[0-9]+(?:\.[0-9]+)?)\)$`)
	crossReportRe = regexp.MustCompile(`^cross_report(?:\(([A-Za-z0-9_.]+)\))?$`)
	roundRe       = regexp.MustCompile(`^round\(([0-9]+)\)$`)
	boundRe       = regexp.MustCompile(`^(if_above|if_below|if_between|if_other_expr_above|if_other_expr_below)\((.*)\)$`)
)

// ParseAggregationSubformula parses `;`-separated `round(N)`,
// `cross_report[(CODE)]` and at most one bound criterium.
func ParseAggregationSubformula(input string) (AggregationSubformula, error) {
	var sub AggregationSubformula
	for _, part := range splitParts(input) {
		if m := roundRe.FindStringSubmatch(part); m != nil {
			n, _ := strconv.Atoi(m[1])
			sub.Round = &n
			continue
		}
		if m := crossReportRe.FindStringSubmatch(part); m != nil {
			sub.CrossReport = true
			sub.CrossReportCode = m[1]
			continue
		}
		m := boundRe.FindStringSubmatch(part)
		if m == nil {
			return sub, syntaxErr(input, -1, "unknown aggregation subformula %q", part)
		}
		if sub.Bound != nil {
			return sub, syntaxErr(input, -1, "only one bound criterium is allowed")
		}
		b, err := parseBound(BoundKind(m[1]), splitArgs(m[2]))
		if err != nil {
			return sub, syntaxErr(input, -1, "%s", err.Error())
		}
		sub.Bound = b
	}
	return sub, nil
}

func parseBound(kind BoundKind, args []string) (*Bound, error) {
	b := &Bound{Kind: kind}
	switch kind {
	case BoundAbove, BoundBelow:
		if len(args) != 1 {
			return nil, argCountErr(kind, 1)
		}
		a, err := parseAmount(args[0])
		if err != nil {
			return nil, err
		}
		if kind == BoundAbove {
			b.Lower = a
		} else {
			b.Upper = a
		}
	case BoundBetween:
		if len(args) != 2 {
			return nil, argCountErr(kind, 2)
		}
		lo, err := parseAmount(args[0])
		if err != nil {
			return nil, err
		}
		hi, err := parseAmount(args[1])
		if err != nil {
			return nil, err
		}
		b.Lower, b.Upper = lo, hi
	case BoundOtherAbove, BoundOtherBelow:
		if len(args) != 2 {
			return nil, argCountErr(kind, 2)
		}
		ref, err := ParseAggregation(args[0])
		if err != nil {
			return nil, err
		}
		r, ok := ref.(Ref)
		if !ok {
			return nil, &SyntaxError{Input: args[0], Pos: -1, Msg: "expected LINE_CODE.label"}
		}
		a, err := parseAmount(args[1])
		if err != nil {
			return nil, err
		}
		b.Other = &r.Term
		if kind == BoundOtherAbove {
			b.Lower = a
		} else {
			b.Upper = a
		}
	}
	return b, nil
}

func parseAmount(s string) (Amount, error) {
	m := amountRe.FindStringSubmatch(s)
	if m == nil {
		return Amount{}, &SyntaxError{Input: s, Pos: -1, Msg: "expected CUR(amount)"}
	}
	v, err := decimal.NewFromString(m[2])
	if err != nil {
		return Amount{}, &SyntaxError{Input: s, Pos: -1, Msg: "invalid amount"}
	}
	return Amount{Currency: m[1], Value: v}, nil
}

func argCountErr(kind BoundKind, n int) error {
	return &SyntaxError{Input: string(kind), Pos: -1, Msg: "expects " + strconv.Itoa(n) + " argument(s)"}
}

func splitParts(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitArgs splits on top-level commas only.
func splitArgs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
