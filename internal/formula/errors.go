// Package formula parses the textual mini-languages stored on report
// expressions: account-code sums, ledger domains, aggregation arithmetic and
// the engine-specific subformulas. Everything is parsed once, when a report
// definition is loaded, into the typed values declared here.
package formula

import "fmt"

// SyntaxError reports a malformed formula or subformula.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("%s in %q", e.Msg, e.Input)
	}
	return fmt.Sprintf("%s at position %d in %q", e.Msg, e.Pos, e.Input)
}

func syntaxErr(input string, pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Input: input, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
