package core

import (
	"strings"

	"accounting-reports/internal/formula"
)

// Engine is the closed set of expression evaluation strategies.
type Engine string

const (
	EngineTaxTags      Engine = "tax_tags"
	EngineDomain       Engine = "domain"
	EngineAccountCodes Engine = "account_codes"
	EngineExternal     Engine = "external"
	EngineAggregation  Engine = "aggregation"
	EngineCustom       Engine = "custom"
)

// Valid reports whether e is one of the known engines.
func (e Engine) Valid() bool {
	switch e {
	case EngineTaxTags, EngineDomain, EngineAccountCodes, EngineExternal, EngineAggregation, EngineCustom:
		return true
	}
	return false
}

// DateScope selects the date window an expression is evaluated on.
type DateScope string

const (
	ScopeNormal            DateScope = "normal"
	ScopeStrictRange       DateScope = "strict_range"
	ScopeFromBeginning     DateScope = "from_beginning"
	ScopeToPeriodStart     DateScope = "to_beginning_of_period"
	ScopeFromFiscalYear    DateScope = "from_fiscalyear"
	ScopeToFiscalYearStart DateScope = "to_beginning_of_fiscalyear"
	ScopePrevTaxPeriod     DateScope = "previous_tax_period"
)

func (s DateScope) Valid() bool {
	switch s {
	case ScopeNormal, ScopeStrictRange, ScopeFromBeginning, ScopeToPeriodStart,
		ScopeFromFiscalYear, ScopeToFiscalYearStart, ScopePrevTaxPeriod:
		return true
	}
	return false
}

type FigureType string

const (
	FigureMonetary   FigureType = "monetary"
	FigurePercentage FigureType = "percentage"
	FigureInteger    FigureType = "integer"
	FigureFloat      FigureType = "float"
	FigureString     FigureType = "string"
	FigureDate       FigureType = "date"
	FigureBoolean    FigureType = "boolean"
)

func (f FigureType) numeric() bool {
	switch f {
	case FigureMonetary, FigurePercentage, FigureInteger, FigureFloat, "":
		return true
	}
	return false
}

const (
	labelPrefixDefault          = "_default_"
	labelPrefixCarryover        = "_carryover_"
	labelPrefixAppliedCarryover = "_applied_carryover_"
)

// ── Report definitions ────────────────────────────────────────────────────────

// ReportFilters toggles the option initializers a report takes part in.
type ReportFilters struct {
	DateRange        bool `yaml:"date_range" default:"true"`
	Comparison       bool `yaml:"comparison" default:"true"`
	Hierarchy        bool `yaml:"hierarchy"`
	Journals         bool `yaml:"journals"`
	Partner          bool `yaml:"partner"`
	Analytic         bool `yaml:"analytic"`
	FiscalPosition   bool `yaml:"fiscal_position"`
	AccountType      bool `yaml:"account_type"`
	ShowDraft        bool `yaml:"show_draft" default:"true"`
	GrowthComparison bool `yaml:"growth_comparison" default:"true"`
	UnfoldAll        bool `yaml:"unfold_all" default:"true"`
	HideZeroLines    bool `yaml:"hide_0_lines" default:"true"`
	TotalsBelow      bool `yaml:"totals_below_sections" default:"true"`
}

// HorizontalGroup splits every column by the values of one or more fields.
type HorizontalGroup struct {
	ID    int                   `yaml:"id"`
	Name  string                `yaml:"name"`
	Rules []HorizontalGroupRule `yaml:"rules"`
}

type HorizontalGroupRule struct {
	Field  string                 `yaml:"field"`
	Values []HorizontalGroupValue `yaml:"values"`
}

type HorizontalGroupValue struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

type Column struct {
	Name            string     `yaml:"name"`
	ExpressionLabel string     `yaml:"expression_label"`
	FigureType      FigureType `yaml:"figure_type" default:"monetary"`
	Sortable        bool       `yaml:"sortable"`
	BlankIfZero     bool       `yaml:"blank_if_zero"`
}

type Report struct {
	ID                    int               `yaml:"id"`
	Code                  string            `yaml:"code"`
	Name                  string            `yaml:"name"`
	RootReportID          int               `yaml:"root_report_id"`
	SectionReportIDs      []int             `yaml:"section_report_ids"`
	CustomHandler         string            `yaml:"custom_handler"`
	DefaultDateFilter     string            `yaml:"default_date_filter" default:"this_month"`
	DefaultDateMode       string            `yaml:"default_date_mode" default:"range"`
	LoadMoreLimit         int               `yaml:"load_more_limit" default:"80"`
	PrefixGroupsThreshold int               `yaml:"prefix_groups_threshold"`
	Filters               ReportFilters     `yaml:"filters"`
	HorizontalGroups      []HorizontalGroup `yaml:"horizontal_groups"`
	Columns               []Column          `yaml:"columns"`
	Lines                 []*ReportLine     `yaml:"lines"`

	lineByID   map[int]*ReportLine
	lineByCode map[string]*ReportLine
}

type ReportLine struct {
	ID          int           `yaml:"id"`
	Code        string        `yaml:"code"`
	Name        string        `yaml:"name"`
	Sequence    int           `yaml:"sequence"`
	Foldable    bool          `yaml:"foldable"`
	Groupby     string        `yaml:"groupby"`
	HideIfZero  bool          `yaml:"hide_if_zero"`
	Expressions []*Expression `yaml:"expressions"`
	Children    []*ReportLine `yaml:"children"`

	ReportID int         `yaml:"-"`
	ParentID int         `yaml:"-"`
	Level    int         `yaml:"-"`
	parent   *ReportLine `yaml:"-"`
}

// GroupbyFields splits the comma-separated groupby chain.
func (l *ReportLine) GroupbyFields() []string {
	var out []string
	for _, f := range strings.Split(l.Groupby, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Expression returns the line's expression with the given label.
func (l *ReportLine) Expression(label string) *Expression {
	for _, e := range l.Expressions {
		if e.Label == label {
			return e
		}
	}
	return nil
}

type Expression struct {
	ID              int        `yaml:"id"`
	Label           string     `yaml:"label"`
	Engine          Engine     `yaml:"engine"`
	Formula         string     `yaml:"formula"`
	Subformula      string     `yaml:"subformula"`
	DateScope       DateScope  `yaml:"date_scope" default:"strict_range"`
	FigureType      FigureType `yaml:"figure_type" default:"monetary"`
	GreenOnPositive bool       `yaml:"green_on_positive" default:"true"`
	Auditable       bool       `yaml:"auditable" default:"true"`
	// CarryoverTarget is `LINE_CODE.label` of the external expression that
	// receives this carryover expression's value.
	CarryoverTarget string `yaml:"carryover_target"`

	ReportID int         `yaml:"-"`
	LineID   int         `yaml:"-"`
	line     *ReportLine `yaml:"-"`

	compiled compiledFormula
}

// Line returns the report line owning the expression.
func (e *Expression) Line() *ReportLine { return e.line }

// compiledFormula holds the typed forms parsed at load time. Only the fields
// of the expression's engine are set.
type compiledFormula struct {
	tagName      string
	domain       formula.Domain
	domainSub    formula.DomainSubformula
	accountCodes *formula.AccountCodes
	external     formula.ExternalSubformula
	aggregation  formula.Expr
	aggSub       formula.AggregationSubformula

	// terms binds every aggregation reference, bound gate included, to the
	// expression it names.
	terms           map[formula.TermRef]*Expression
	carryoverTarget *Expression
}

func (e *Expression) isCarryover() bool {
	return strings.HasPrefix(e.Label, labelPrefixCarryover)
}

// Line looks up a line of the report by id.
func (r *Report) Line(id int) *ReportLine { return r.lineByID[id] }

// LineByCode looks up a line of the report by code.
func (r *Report) LineByCode(code string) *ReportLine { return r.lineByCode[code] }

// AllLines returns the report's lines flattened in global sequence order.
func (r *Report) AllLines() []*ReportLine {
	var out []*ReportLine
	var walk func([]*ReportLine)
	walk = func(lines []*ReportLine) {
		for _, l := range lines {
			out = append(out, l)
			walk(l.Children)
		}
	}
	walk(r.Lines)
	return out
}

// Expressions returns every expression of the report.
func (r *Report) Expressions() []*Expression {
	var out []*Expression
	for _, l := range r.AllLines() {
		out = append(out, l.Expressions...)
	}
	return out
}
