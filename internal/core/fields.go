package core

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// ── Ledger field registry ─────────────────────────────────────────────────────
//
// Domains, groupbys and horizontal groups all address journal lines through
// the field names below. Each field knows its SQL expression (PostgresStore)
// and how to read it from a joined in-memory row (MemoryStore).

type fieldKind int

const (
	kindInt fieldKind = iota
	kindString
	kindDecimal
	kindDate
	kindBool
	kindMany2many
)

// lineView is one journal line joined with the records it points at.
type lineView struct {
	line    *JournalLine
	account *Account
	journal *Journal
	partner *Partner
	company *Company
}

type ledgerField struct {
	name string
	kind fieldKind
	// model is the related record type of relational fields.
	model      string
	column     string
	displayCol string
	get        func(v *lineView) any
	display    func(v *lineView) string
}

func (f *ledgerField) relational() bool { return f.model != "" }

func idOrNil(id int) any {
	if id == 0 {
		return nil
	}
	return int64(id)
}

var ledgerFields = map[string]*ledgerField{
	"id": {
		name: "id", kind: kindInt, model: modelMoveLine,
		column: "jl.id", displayCol: "COALESCE(NULLIF(jl.name, ''), je.narration)",
		get:     func(v *lineView) any { return int64(v.line.ID) },
		display: func(v *lineView) string { return v.line.Name },
	},
	"date": {
		name: "date", kind: kindDate, column: "je.posting_date",
		get: func(v *lineView) any { return v.line.PostingDate.Format(dateLayout) },
	},
	"company_id": {
		name: "company_id", kind: kindInt, model: modelCompany,
		column: "je.company_id", displayCol: "c.name",
		get: func(v *lineView) any { return idOrNil(v.line.CompanyID) },
		display: func(v *lineView) string {
			if v.company == nil {
				return ""
			}
			return v.company.Name
		},
	},
	"account_id": {
		name: "account_id", kind: kindInt, model: modelAccount,
		column: "jl.account_id", displayCol: "a.code || ' ' || a.name",
		get: func(v *lineView) any { return idOrNil(v.line.AccountID) },
		display: func(v *lineView) string {
			if v.account == nil {
				return ""
			}
			return v.account.Code + " " + v.account.Name
		},
	},
	"account_id.code": {
		name: "account_id.code", kind: kindString, column: "a.code",
		get: func(v *lineView) any { return accountAttr(v, func(a *Account) any { return a.Code }) },
	},
	"account_id.account_type": {
		name: "account_id.account_type", kind: kindString, column: "a.type",
		get: func(v *lineView) any { return accountAttr(v, func(a *Account) any { return a.Type }) },
	},
	"account_id.include_initial_balance": {
		name: "account_id.include_initial_balance", kind: kindBool, column: "a.include_initial_balance",
		get: func(v *lineView) any { return accountAttr(v, func(a *Account) any { return a.IncludeInitialBalance }) },
	},
	"account_id.group_id": {
		name: "account_id.group_id", kind: kindInt, model: modelAccountGrp,
		column: "a.group_id", displayCol: "ag.name",
		get: func(v *lineView) any { return accountAttr(v, func(a *Account) any { return idOrNil(a.GroupID) }) },
	},
	"account_id.tag_ids": {
		name: "account_id.tag_ids", kind: kindMany2many, column: "account_tags",
		get: func(v *lineView) any {
			if v.account == nil {
				return []int64(nil)
			}
			return toInt64s(v.account.TagIDs)
		},
	},
	"journal_id": {
		name: "journal_id", kind: kindInt, model: modelJournal,
		column: "je.journal_id", displayCol: "j.name",
		get: func(v *lineView) any { return idOrNil(v.line.JournalID) },
		display: func(v *lineView) string {
			if v.journal == nil {
				return ""
			}
			return v.journal.Name
		},
	},
	"journal_id.type": {
		name: "journal_id.type", kind: kindString, column: "j.type",
		get: func(v *lineView) any {
			if v.journal == nil {
				return nil
			}
			return v.journal.Type
		},
	},
	"partner_id": {
		name: "partner_id", kind: kindInt, model: modelPartner,
		column: "jl.partner_id", displayCol: "p.name",
		get: func(v *lineView) any { return idOrNil(v.line.PartnerID) },
		display: func(v *lineView) string {
			if v.partner == nil {
				return ""
			}
			return v.partner.Name
		},
	},
	"partner_id.name": {
		name: "partner_id.name", kind: kindString, column: "p.name",
		get: func(v *lineView) any {
			if v.partner == nil {
				return nil
			}
			return v.partner.Name
		},
	},
	"name": {
		name: "name", kind: kindString, column: "jl.name",
		get: func(v *lineView) any { return v.line.Name },
	},
	"balance": {
		name: "balance", kind: kindDecimal, column: "(jl.debit_base - jl.credit_base)",
		get: func(v *lineView) any { return v.line.Balance() },
	},
	"debit": {
		name: "debit", kind: kindDecimal, column: "jl.debit_base",
		get: func(v *lineView) any { return v.line.Debit },
	},
	"credit": {
		name: "credit", kind: kindDecimal, column: "jl.credit_base",
		get: func(v *lineView) any { return v.line.Credit },
	},
	"tax_tag_ids": {
		name: "tax_tag_ids", kind: kindMany2many, column: "tax_tags",
		get: func(v *lineView) any { return toInt64s(v.line.TaxTagIDs) },
	},
	"tax_tag_invert": {
		name: "tax_tag_invert", kind: kindBool, column: "jl.tax_tag_invert",
		get: func(v *lineView) any { return v.line.TaxTagInvert },
	},
	"fiscal_position_id": {
		name: "fiscal_position_id", kind: kindInt, column: "je.fiscal_position_id",
		get: func(v *lineView) any { return idOrNil(v.line.FiscalPositionID) },
	},
	"analytic_account_id": {
		name: "analytic_account_id", kind: kindInt, column: "jl.analytic_account_id",
		get: func(v *lineView) any { return idOrNil(v.line.AnalyticID) },
	},
	"parent_state": {
		name: "parent_state", kind: kindString, column: "je.state",
		get: func(v *lineView) any { return v.line.State },
	},
}

// displayFieldFor returns the field used to filter a groupby by name prefix.
var displayFieldFor = map[string]string{
	"partner_id": "partner_id.name",
	"account_id": "account_id.code",
	"name":       "name",
}

func lookupField(name string) (*ledgerField, error) {
	f, ok := ledgerFields[name]
	if !ok {
		return nil, fmt.Errorf("unknown ledger field %q", name)
	}
	return f, nil
}

// GroupableFields lists the fields a report line may group by.
func GroupableFields() []string {
	var out []string
	for name, f := range ledgerFields {
		if f.kind != kindMany2many {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func accountAttr(v *lineView, fn func(a *Account) any) any {
	if v.account == nil {
		return nil
	}
	return fn(v.account)
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// ── Group keys ────────────────────────────────────────────────────────────────

const unknownGroupName = "Unknown"

// GroupKey is one grouping value. Relational keys carry a record id; Value is
// nil for the "Unknown" bucket.
type GroupKey struct {
	Value   any    `json:"value"`
	Display string `json:"display"`
}

func (k GroupKey) isNull() bool { return k.Value == nil }

// linePart renders the key as the last triple of a groupby line id.
func (k GroupKey) linePart(field string) LineIDPart {
	part := LineIDPart{Markup: markupGroupby + field}
	f, _ := lookupField(field)
	if f != nil && f.relational() {
		part.Model = f.model
		if id, ok := k.Value.(int64); ok {
			part.Value = strconv.FormatInt(id, 10)
		}
		return part
	}
	if k.Value != nil {
		part.Value = escapeLineValue(keyString(k.Value))
	}
	return part
}

// keyFromLinePart rebuilds the key a groupby line was generated from.
func keyFromLinePart(field string, p LineIDPart) any {
	if id, ok := p.RecordID(); ok {
		return int64(id)
	}
	if p.Value == "" {
		return nil
	}
	f, _ := lookupField(field)
	raw := unescapeLineValue(p.Value)
	if f != nil {
		switch f.kind {
		case kindInt:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n
			}
		case kindDecimal:
			if d, err := decimal.NewFromString(raw); err == nil {
				return d
			}
		case kindBool:
			return raw == "true"
		}
	}
	return raw
}

func keyString(v any) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// compareKeys orders keys of one field: relational keys by display name then
// id, plain keys by value; the null key always sorts last.
func compareKeys(field string, a, b GroupKey) int {
	if a.isNull() || b.isNull() {
		switch {
		case a.isNull() && b.isNull():
			return 0
		case a.isNull():
			return 1
		default:
			return -1
		}
	}
	f, _ := lookupField(field)
	if f != nil && f.relational() {
		if a.Display != b.Display {
			if a.Display < b.Display {
				return -1
			}
			return 1
		}
	}
	return compareValues(a.Value, b.Value)
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case decimal.Decimal:
		if y, ok := b.(decimal.Decimal); ok {
			return x.Cmp(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	sa, sb := keyString(a), keyString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
