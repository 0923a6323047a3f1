package formula

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrDivisionByZero is returned by Evaluate when a divisor evaluates to zero.
var ErrDivisionByZero = errors.New("division by zero")

// TermRef points at another expression, either by `LINE_CODE.label` or by
// internal id (`_expression:42`).
type TermRef struct {
	LineCode     string
	Label        string
	ExpressionID int
}

func (r TermRef) String() string {
	if r.ExpressionID != 0 {
		return "_expression:" + strconv.Itoa(r.ExpressionID)
	}
	return r.LineCode + "." + r.Label
}

// Expr is a node of an aggregation formula.
type Expr interface {
	String() string
	isExpr()
}

type (
	Number struct{ Value decimal.Decimal }
	Ref    struct{ Term TermRef }
	// SumChildren stands for the sum of the same-labelled expressions of the
	// line's direct children.
	SumChildren struct{}
	Neg         struct{ Operand Expr }
	BinaryOp    struct {
		Op          byte
		Left, Right Expr
	}
)

func (Number) isExpr()      {}
func (Ref) isExpr()         {}
func (SumChildren) isExpr() {}
func (Neg) isExpr()         {}
func (BinaryOp) isExpr()    {}

func (n Number) String() string    { return n.Value.String() }
func (r Ref) String() string       { return r.Term.String() }
func (SumChildren) String() string { return "sum_children" }
func (n Neg) String() string       { return "-(" + n.Operand.String() + ")" }
func (b BinaryOp) String() string {
	return "(" + b.Left.String() + " " + string(b.Op) + " " + b.Right.String() + ")"
}

// ParseAggregation parses an arithmetic aggregation formula.
func ParseAggregation(input string) (Expr, error) {
	p := &aggParser{input: input}
	p.skipSpace()
	if p.pos >= len(input) {
		return nil, syntaxErr(input, -1, "empty aggregation formula")
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(input) {
		return nil, syntaxErr(input, p.pos, "unexpected %q", input[p.pos])
	}
	return e, nil
}

// Terms lists the references of e in order of first appearance.
func Terms(e Expr) []TermRef {
	var out []TermRef
	seen := map[TermRef]bool{}
	walkExpr(e, func(n Expr) {
		if r, ok := n.(Ref); ok && !seen[r.Term] {
			seen[r.Term] = true
			out = append(out, r.Term)
		}
	})
	return out
}

// HasSumChildren reports whether e uses the sum_children keyword.
func HasSumChildren(e Expr) bool {
	found := false
	walkExpr(e, func(n Expr) {
		if _, ok := n.(SumChildren); ok {
			found = true
		}
	})
	return found
}

// ReplaceSumChildren substitutes sum_children with the sum of refs.
func ReplaceSumChildren(e Expr, refs []TermRef) Expr {
	switch v := e.(type) {
	case SumChildren:
		if len(refs) == 0 {
			return Number{Value: decimal.Zero}
		}
		var sum Expr = Ref{Term: refs[0]}
		for _, r := range refs[1:] {
			sum = BinaryOp{Op: '+', Left: sum, Right: Ref{Term: r}}
		}
		return sum
	case Neg:
		return Neg{Operand: ReplaceSumChildren(v.Operand, refs)}
	case BinaryOp:
		return BinaryOp{Op: v.Op, Left: ReplaceSumChildren(v.Left, refs), Right: ReplaceSumChildren(v.Right, refs)}
	}
	return e
}

// Evaluate computes e. lookup must know every term; a missing term is an
// error naming it.
func Evaluate(e Expr, lookup func(TermRef) (decimal.Decimal, bool)) (decimal.Decimal, error) {
	switch v := e.(type) {
	case Number:
		return v.Value, nil
	case Ref:
		val, ok := lookup(v.Term)
		if !ok {
			return decimal.Zero, &UnresolvedTermError{Term: v.Term}
		}
		return val, nil
	case SumChildren:
		return decimal.Zero, errors.New("sum_children must be expanded before evaluation")
	case Neg:
		val, err := Evaluate(v.Operand, lookup)
		return val.Neg(), err
	case BinaryOp:
		l, err := Evaluate(v.Left, lookup)
		if err != nil {
			return decimal.Zero, err
		}
		r, err := Evaluate(v.Right, lookup)
		if err != nil {
			return decimal.Zero, err
		}
		switch v.Op {
		case '+':
			return l.Add(r), nil
		case '-':
			return l.Sub(r), nil
		case '*':
			return l.Mul(r), nil
		case '/':
			if r.IsZero() {
				return decimal.Zero, ErrDivisionByZero
			}
			return l.Div(r), nil
		}
	}
	return decimal.Zero, errors.New("unknown aggregation node")
}

// UnresolvedTermError is returned by Evaluate for a term lookup cannot supply.
type UnresolvedTermError struct {
	Term TermRef
}

func (e *UnresolvedTermError) Error() string {
	return "could not expand term " + e.Term.String()
}

func walkExpr(e Expr, fn func(Expr)) {
	fn(e)
	switch v := e.(type) {
	case Neg:
		walkExpr(v.Operand, fn)
	case BinaryOp:
		walkExpr(v.Left, fn)
		walkExpr(v.Right, fn)
	}
}

// ── Parser ────────────────────────────────────────────────────────────────────

type aggParser struct {
	input string
	pos   int
}

func (p *aggParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *aggParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *aggParser) expr() (Expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = BinaryOp{Op: op, Left: left, Right: right}
	}
}

func (p *aggParser) term() (Expr, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = BinaryOp{Op: op, Left: left, Right: right}
	}
}

func (p *aggParser) factor() (Expr, error) {
	switch c := p.peek(); c {
	case 0:
		return nil, syntaxErr(p.input, p.pos, "unexpected end of formula")
	case '-', '+':
		p.pos++
		operand, err := p.factor()
		if err != nil {
			return nil, err
		}
		if c == '-' {
			return Neg{Operand: operand}, nil
		}
		return operand, nil
	case '(':
		p.pos++
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, syntaxErr(p.input, p.pos, "expected ')'")
		}
		p.pos++
		return e, nil
	}
	return p.atom()
}

func (p *aggParser) atom() (Expr, error) {
	start := p.pos
	for p.pos < len(p.input) && isAtomChar(p.input[p.pos]) {
		p.pos++
	}
	tok := p.input[start:p.pos]
	if tok == "" {
		return nil, syntaxErr(p.input, start, "unexpected %q", p.input[start])
	}
	if tok == "sum_children" {
		return SumChildren{}, nil
	}
	if d, err := decimal.NewFromString(tok); err == nil && isNumeric(tok) {
		return Number{Value: d}, nil
	}
	if rest, ok := strings.CutPrefix(tok, "_expression:"); ok {
		id, err := strconv.Atoi(rest)
		if err != nil || id <= 0 {
			return nil, syntaxErr(p.input, start, "invalid expression id %q", rest)
		}
		return Ref{Term: TermRef{ExpressionID: id}}, nil
	}
	dot := strings.LastIndexByte(tok, '.')
	if dot <= 0 || dot == len(tok)-1 || strings.ContainsRune(tok, ':') {
		return nil, syntaxErr(p.input, start, "invalid term %q, expected LINE_CODE.label", tok)
	}
	return Ref{Term: TermRef{LineCode: tok[:dot], Label: tok[dot+1:]}}, nil
}

func isAtomChar(c byte) bool {
	return c == '_' || c == '.' || c == ':' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			return false
		}
	}
	return true
}
