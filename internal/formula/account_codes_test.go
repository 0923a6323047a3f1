package formula_test

import (
	"testing"

	"accounting-reports/internal/formula"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccountCodes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []formula.AccountCodesTerm
	}{
		{
			name:  "single prefix",
			input: "101",
			want:  []formula.AccountCodesTerm{{Sign: 1, Prefix: "101"}},
		},
		{
			name:  "signed terms with gates",
			input: "101 + 102D - 4C",
			want: []formula.AccountCodesTerm{
				{Sign: 1, Prefix: "101"},
				{Sign: 1, Prefix: "102", Gate: formula.GateDebit},
				{Sign: -1, Prefix: "4", Gate: formula.GateCredit},
			},
		},
		{
			name:  "exclusion then gate",
			input: `-123\(1234,1236)D`,
			want: []formula.AccountCodesTerm{
				{Sign: -1, Prefix: "123", Excluded: []string{"1234", "1236"}, Gate: formula.GateDebit},
			},
		},
		{
			name:  "prefix ending in C keeps it when excluded",
			input: `12C\(12C1)`,
			want: []formula.AccountCodesTerm{
				{Sign: 1, Prefix: "12C", Excluded: []string{"12C1"}},
			},
		},
		{
			name:  "tag by xmlid",
			input: "tag(account.tag_operating)C",
			want: []formula.AccountCodesTerm{
				{Sign: 1, Tag: "account.tag_operating", Gate: formula.GateCredit},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formula.ParseAccountCodes(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Terms)
		})
	}
}

func TestParseAccountCodes_Errors(t *testing.T) {
	for _, input := range []string{"", "101++102", "101*2", `101\(10`, "tag()", "D"} {
		t.Run(input, func(t *testing.T) {
			_, err := formula.ParseAccountCodes(input)
			var syntaxErr *formula.SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestAccountCodesTerm_MatchesExclusion(t *testing.T) {
	codes, err := formula.ParseAccountCodes(`123\(1234,1236)`)
	require.NoError(t, err)
	term := codes.Terms[0]

	var matched []string
	for _, code := range []string{"1231", "1234", "1235", "1236", "1239", "124"} {
		if term.Matches(code) {
			matched = append(matched, code)
		}
	}
	assert.Equal(t, []string{"1231", "1235", "1239"}, matched)
}

func TestAccountCodesTerm_SelectorKey(t *testing.T) {
	a, err := formula.ParseAccountCodes(`123\(1236,1234)D`)
	require.NoError(t, err)
	b, err := formula.ParseAccountCodes(`-123\(1234,1236)`)
	require.NoError(t, err)

	assert.Equal(t, a.Terms[0].SelectorKey(), b.Terms[0].SelectorKey())
	assert.Equal(t, `123\(1236,1234)D`, a.String())
}
