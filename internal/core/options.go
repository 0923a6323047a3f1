package core

import (
	"strconv"

	"accounting-reports/internal/formula"
)

// ── Options document ──────────────────────────────────────────────────────────
//
// Options is the JSON document driving one evaluation pass. It is produced by
// OptionsResolver.Resolve and treated as read-only afterwards; column group
// evaluation works on copies made by ForColumnGroup.

const (
	fiscalPositionAll      = "all"
	fiscalPositionDomestic = "domestic"

	comparisonNone         = "no_comparison"
	comparisonPrevious     = "previous_period"
	comparisonSameLastYear = "same_last_year"
	comparisonCustom       = "custom"

	orderDescending = "descending"
	orderAscending  = "ascending"
)

type DateOption struct {
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
	Mode       string `json:"mode,omitempty"`
	Filter     string `json:"filter,omitempty"`
	PeriodType string `json:"period_type,omitempty"`
	String     string `json:"string,omitempty"`
}

type ComparisonOption struct {
	Filter       string       `json:"filter"`
	NumberPeriod int          `json:"number_period"`
	PeriodOrder  string       `json:"period_order"`
	DateFrom     string       `json:"date_from,omitempty"`
	DateTo       string       `json:"date_to,omitempty"`
	Periods      []DateOption `json:"periods"`
}

type CompanyOption struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency_id"`
}

type ChoiceOption struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected,omitempty"`
}

type AccountTypeOption struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// ColumnGroup is one independently evaluated slice of the options.
type ColumnGroup struct {
	ForcedOptions ForcedOptions       `json:"forced_options"`
	ForcedDomain  []formula.Condition `json:"forced_domain"`
}

type ForcedOptions struct {
	Date DateOption `json:"date"`
}

type ColumnOption struct {
	Name            string     `json:"name"`
	ColumnGroupKey  string     `json:"column_group_key"`
	ExpressionLabel string     `json:"expression_label"`
	FigureType      FigureType `json:"figure_type"`
	Sortable        bool       `json:"sortable"`
	BlankIfZero     bool       `json:"blank_if_zero"`
}

type ColumnHeader struct {
	Name    string `json:"name"`
	Colspan int    `json:"colspan"`
}

type OrderColumn struct {
	ExpressionLabel string `json:"expression_label"`
	Direction       string `json:"direction"`
}

type Button struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Target int    `json:"target,omitempty"`
}

type Options struct {
	ReportID          int            `json:"report_id"`
	SelectedVariantID int            `json:"selected_variant_id"`
	SelectedSectionID int            `json:"selected_section_id,omitempty"`
	SectionsSourceID  int            `json:"sections_source_id,omitempty"`
	AvailableVariants []ChoiceOption `json:"available_variants"`
	Sections          []ChoiceOption `json:"sections,omitempty"`

	Companies []CompanyOption `json:"companies"`
	Currency  string          `json:"currency"`

	FiscalPosition           string         `json:"fiscal_position"`
	AvailableFiscalPositions []ChoiceOption `json:"available_fiscal_positions,omitempty"`

	Date       DateOption       `json:"date"`
	Comparison ComparisonOption `json:"comparison"`

	HorizontalGroups          []ChoiceOption `json:"available_horizontal_groups,omitempty"`
	SelectedHorizontalGroupID int            `json:"selected_horizontal_group_id,omitempty"`

	Journals           []ChoiceOption      `json:"journals,omitempty"`
	PartnerIDs         []int               `json:"partner_ids,omitempty"`
	AllEntries         bool                `json:"all_entries"`
	AnalyticAccountIDs []int               `json:"analytic_accounts,omitempty"`
	AccountTypes       []AccountTypeOption `json:"account_type,omitempty"`

	ColumnGroups  map[string]ColumnGroup `json:"column_groups"`
	Columns       []ColumnOption         `json:"columns"`
	ColumnHeaders [][]ColumnHeader       `json:"column_headers"`

	ShowGrowthComparison   bool           `json:"show_growth_comparison"`
	OrderColumn            *OrderColumn   `json:"order_column,omitempty"`
	Hierarchy              bool           `json:"hierarchy"`
	DisplayHierarchyFilter bool           `json:"display_hierarchy_filter"`
	UnfoldAll              bool           `json:"unfold_all"`
	UnfoldedLines          []string       `json:"unfolded_lines"`
	Hide0Lines             bool           `json:"hide_0_lines"`
	TotalsBelowSections    bool           `json:"totals_below_sections"`
	PrefixGroupsThreshold  int            `json:"prefix_groups_threshold"`
	LoadMoreLimit          int            `json:"load_more_limit"`
	Custom                 map[string]any `json:"custom,omitempty"`
	Buttons                []Button       `json:"buttons,omitempty"`

	// ForcedDomain is set on the copies returned by ForColumnGroup.
	ForcedDomain []formula.Condition `json:"forced_domain,omitempty"`
}

// CompanyIDs returns the ids of the selected companies.
func (o *Options) CompanyIDs() []int {
	ids := make([]int, len(o.Companies))
	for i, c := range o.Companies {
		ids[i] = c.ID
	}
	return ids
}

// SelectedJournalIDs returns the journals ticked in the journal filter.
func (o *Options) SelectedJournalIDs() []int {
	var ids []int
	for _, j := range o.Journals {
		if j.Selected {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// ColumnGroupKeys returns the column group keys in column order.
func (o *Options) ColumnGroupKeys() []string {
	var keys []string
	seen := map[string]bool{}
	for _, c := range o.Columns {
		if !seen[c.ColumnGroupKey] {
			seen[c.ColumnGroupKey] = true
			keys = append(keys, c.ColumnGroupKey)
		}
	}
	return keys
}

// ForColumnGroup returns a copy of o with the group's forced options applied.
func (o *Options) ForColumnGroup(key string) (*Options, error) {
	group, ok := o.ColumnGroups[key]
	if !ok {
		return nil, consistencyErrorf("unknown column group %q", key)
	}
	cp := *o
	cp.Date = group.ForcedOptions.Date
	cp.ForcedDomain = group.ForcedDomain
	return &cp, nil
}

// WithCompanies returns a copy of o restricted to the given companies.
func (o *Options) WithCompanies(companies []CompanyOption) *Options {
	cp := *o
	cp.Companies = companies
	if len(companies) > 0 {
		cp.Currency = companies[0].Currency
	}
	return &cp
}

func (o *Options) isUnfolded(lineID string) bool {
	if o.UnfoldAll {
		return true
	}
	for _, id := range o.UnfoldedLines {
		if id == lineID {
			return true
		}
	}
	return false
}

func itoa(n int) string { return strconv.Itoa(n) }
