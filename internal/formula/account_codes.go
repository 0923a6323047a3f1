package formula

import (
	"sort"
	"strings"
)

// BalanceGate restricts an account-codes term to accounts whose aggregate
// balance has a given sign.
type BalanceGate int

const (
	GateNone   BalanceGate = iota
	GateDebit              // D: only when the account balance is >= 0
	GateCredit             // C: only when the account balance is < 0
)

// AccountCodesTerm is one signed operand of an account-codes formula.
// Exactly one of Prefix and Tag is set.
type AccountCodesTerm struct {
	Sign     int
	Prefix   string
	Tag      string
	Excluded []string
	Gate     BalanceGate
}

// AccountCodes is a parsed account-codes formula, e.g. `101+102\(1021)-4C`.
type AccountCodes struct {
	Terms []AccountCodesTerm
}

// ParseAccountCodes parses a formula made of terms
// `[sign] (prefix | tag(id-or-xmlid)) [\(excluded,...)] [D|C]`.
func ParseAccountCodes(input string) (*AccountCodes, error) {
	s := strings.ReplaceAll(input, " ", "")
	if s == "" {
		return nil, syntaxErr(input, -1, "empty account codes formula")
	}

	var terms []AccountCodesTerm
	i := 0
	for i < len(s) {
		term := AccountCodesTerm{Sign: 1}
		switch s[i] {
		case '+':
			i++
		case '-':
			term.Sign = -1
			i++
		default:
			if len(terms) > 0 {
				return nil, syntaxErr(input, i, "expected '+' or '-' between terms")
			}
		}

		if strings.HasPrefix(s[i:], "tag(") {
			end := strings.IndexByte(s[i:], ')')
			if end < 0 {
				return nil, syntaxErr(input, i, "unclosed tag(")
			}
			ref := s[i+4 : i+end]
			if ref == "" || !isTagRef(ref) {
				return nil, syntaxErr(input, i, "invalid tag reference %q", ref)
			}
			term.Tag = ref
			i += end + 1
		} else {
			start := i
			for i < len(s) && isCodeChar(s[i]) {
				i++
			}
			term.Prefix = s[start:i]
		}

		hasExclusion := strings.HasPrefix(s[i:], `\(`)
		if hasExclusion {
			end := strings.IndexByte(s[i:], ')')
			if end < 0 {
				return nil, syntaxErr(input, i, `unclosed \(`)
			}
			for _, ex := range strings.Split(s[i+2:i+end], ",") {
				if ex == "" {
					continue
				}
				if !isCode(ex) {
					return nil, syntaxErr(input, i, "invalid excluded prefix %q", ex)
				}
				term.Excluded = append(term.Excluded, ex)
			}
			i += end + 1
		}

		if hasExclusion || term.Tag != "" {
			if i < len(s) && (s[i] == 'D' || s[i] == 'C') {
				term.Gate = gateFor(s[i])
				i++
			}
		} else if n := len(term.Prefix); n > 0 && (term.Prefix[n-1] == 'D' || term.Prefix[n-1] == 'C') {
			// A prefix never ends in C/D unless an exclusion follows it.
			term.Gate = gateFor(term.Prefix[n-1])
			term.Prefix = term.Prefix[:n-1]
		}

		if term.Tag == "" && term.Prefix == "" {
			return nil, syntaxErr(input, i, "empty account prefix")
		}
		if i < len(s) && s[i] != '+' && s[i] != '-' {
			return nil, syntaxErr(input, i, "unexpected character %q", s[i])
		}
		terms = append(terms, term)
	}

	return &AccountCodes{Terms: terms}, nil
}

// Matches reports whether an account code is selected by the term's prefix
// and not removed by one of its excluded sub-prefixes. Tag terms never match
// by code.
func (t AccountCodesTerm) Matches(code string) bool {
	if t.Tag != "" || !strings.HasPrefix(code, t.Prefix) {
		return false
	}
	for _, ex := range t.Excluded {
		if strings.HasPrefix(code, ex) {
			return false
		}
	}
	return true
}

// SelectorKey identifies the account set a term selects, independent of its
// sign and gate, so that identical selections are resolved only once.
func (t AccountCodesTerm) SelectorKey() string {
	excluded := append([]string(nil), t.Excluded...)
	sort.Strings(excluded)
	head := t.Prefix
	if t.Tag != "" {
		head = "tag(" + t.Tag + ")"
	}
	return head + `\(` + strings.Join(excluded, ",") + ")"
}

func (c *AccountCodes) String() string {
	var b strings.Builder
	for i, t := range c.Terms {
		if t.Sign < 0 {
			b.WriteByte('-')
		} else if i > 0 {
			b.WriteByte('+')
		}
		if t.Tag != "" {
			b.WriteString("tag(" + t.Tag + ")")
		} else {
			b.WriteString(t.Prefix)
		}
		if len(t.Excluded) > 0 {
			b.WriteString(`\(` + strings.Join(t.Excluded, ",") + ")")
		}
		switch t.Gate {
		case GateDebit:
			b.WriteByte('D')
		case GateCredit:
			b.WriteByte('C')
		}
	}
	return b.String()
}

func gateFor(c byte) BalanceGate {
	if c == 'D' {
		return GateDebit
	}
	return GateCredit
}

func isCodeChar(c byte) bool {
	return c == '.' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isCode(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isCodeChar(s[i]) {
			return false
		}
	}
	return true
}

func isTagRef(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isCodeChar(s[i]) && s[i] != '_' {
			return false
		}
	}
	return true
}
