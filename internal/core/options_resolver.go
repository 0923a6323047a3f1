package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"accounting-reports/internal/formula"

	"github.com/rs/zerolog"
)

// ── Options resolution ────────────────────────────────────────────────────────

// OptionsResolver builds the options of one evaluation pass from the options
// the client sent back.
type OptionsResolver struct {
	catalog  *Catalog
	store    LedgerStore
	handlers *HandlerRegistry
	now      func() time.Time
}

func NewOptionsResolver(catalog *Catalog, store LedgerStore, handlers *HandlerRegistry, now func() time.Time) *OptionsResolver {
	if now == nil {
		now = time.Now
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &OptionsResolver{catalog: catalog, store: store, handlers: handlers, now: now}
}

type optionsState struct {
	report    *Report
	prev      *Options
	opts      *Options
	companies []Company
	today     time.Time
	reroute   int
}

type optionInitializer struct {
	sequence int
	name     string
	run      func(ctx context.Context, r *OptionsResolver, st *optionsState) error
}

// The initializer list is assembled once and read-only afterwards.
var (
	initializersOnce sync.Once
	initializers     []optionInitializer
)

const rerouteSequence = 40

func optionInitializers() []optionInitializer {
	initializersOnce.Do(func() {
		list := []optionInitializer{
			{10, "companies", initCompanies},
			{20, "variants", initVariants},
			{30, "sections", initSections},
			{rerouteSequence, "report_id", initReportID},
			{50, "fiscal_position", initFiscalPosition},
			{60, "date", initDate},
			{70, "horizontal_groups", initHorizontalGroups},
			{80, "comparison", initComparison},
			{90, "journals", initJournals},
			{100, "partners", initPartners},
			{110, "all_entries", initAllEntries},
			{120, "analytic", initAnalytic},
			{130, "account_type", initAccountType},
			{200, "column_groups", initColumnGroups},
			{210, "growth_comparison", initGrowthComparison},
			{220, "order_column", initOrderColumn},
			{230, "hierarchy", initHierarchy},
			{240, "unfolded_lines", initUnfolded},
			{245, "hide_0_lines", initHideZeroLines},
			{250, "totals_below_sections", initTotalsBelowSections},
			{260, "prefix_groups_threshold", initPrefixGroupsThreshold},
			{265, "load_more_limit", initLoadMoreLimit},
			{270, "custom", initCustom},
			{280, "section_buttons", initSectionButtons},
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].sequence < list[j].sequence })
		initializers = list
	})
	return initializers
}

// Resolve computes the options of reportID. previous may be nil.
func (r *OptionsResolver) Resolve(ctx context.Context, reportID int, previous *Options) (*Options, error) {
	if previous == nil {
		previous = &Options{}
	}
	maxDepth := len(r.catalog.Reports())
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return nil, consistencyErrorf("options of report %d reroute in a loop", reportID)
		}
		report, err := r.catalog.Report(reportID)
		if err != nil {
			return nil, err
		}
		st := &optionsState{report: report, prev: previous, opts: &Options{}, today: dateOf(r.now())}
		if err := r.run(ctx, st); err != nil {
			return nil, err
		}
		if st.reroute == 0 {
			return st.opts, nil
		}
		zerolog.Ctx(ctx).Debug().Int("from", report.ID).Int("to", st.reroute).Msg("rerouting report options")
		reportID = st.reroute
		previous = &Options{
			SelectedVariantID: st.opts.SelectedVariantID,
			SelectedSectionID: st.opts.SelectedSectionID,
			SectionsSourceID:  st.opts.SectionsSourceID,
			Companies:         st.opts.Companies,
			Date:              previous.Date,
		}
	}
}

func (r *OptionsResolver) run(ctx context.Context, st *optionsState) error {
	for _, init := range optionInitializers() {
		if err := init.run(ctx, r, st); err != nil {
			return fmt.Errorf("failed to init %s options: %w", init.name, err)
		}
		if init.sequence == rerouteSequence && st.reroute != 0 {
			return nil
		}
	}
	return nil
}

// ── Report family ─────────────────────────────────────────────────────────────

func initCompanies(ctx context.Context, r *OptionsResolver, st *optionsState) error {
	all, err := r.store.Companies(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return consistencyErrorf("no company is configured")
	}
	wanted := map[int]bool{}
	for _, c := range st.prev.Companies {
		wanted[c.ID] = true
	}
	for _, c := range all {
		if wanted[c.ID] {
			st.companies = append(st.companies, c)
		}
	}
	if len(st.companies) == 0 {
		st.companies = all[:1]
	}
	for _, c := range st.companies {
		st.opts.Companies = append(st.opts.Companies, CompanyOption{ID: c.ID, Name: c.Name, Currency: c.BaseCurrency})
	}
	st.opts.Currency = st.companies[0].BaseCurrency
	return nil
}

// familySource is the report whose variants and sections are offered: the
// report itself, or the report listing it as one of its sections.
func (r *OptionsResolver) familySource(st *optionsState) *Report {
	if id := st.prev.SectionsSourceID; id != 0 {
		if src, err := r.catalog.Report(id); err == nil && slices.Contains(src.SectionReportIDs, st.report.ID) {
			return src
		}
	}
	return st.report
}

func initVariants(_ context.Context, r *OptionsResolver, st *optionsState) error {
	source := r.familySource(st)
	root := source.ID
	if source.RootReportID != 0 {
		root = source.RootReportID
	}
	for _, rep := range r.catalog.Reports() {
		if rep.ID == root || rep.RootReportID == root {
			st.opts.AvailableVariants = append(st.opts.AvailableVariants, ChoiceOption{ID: rep.ID, Name: rep.Name})
		}
	}
	st.opts.SelectedVariantID = source.ID
	for _, v := range st.opts.AvailableVariants {
		if v.ID == st.prev.SelectedVariantID {
			st.opts.SelectedVariantID = v.ID
		}
	}
	for i := range st.opts.AvailableVariants {
		st.opts.AvailableVariants[i].Selected = st.opts.AvailableVariants[i].ID == st.opts.SelectedVariantID
	}
	return nil
}

func initSections(_ context.Context, r *OptionsResolver, st *optionsState) error {
	variant, err := r.catalog.Report(st.opts.SelectedVariantID)
	if err != nil {
		return err
	}
	if len(variant.SectionReportIDs) == 0 {
		return nil
	}
	st.opts.SectionsSourceID = variant.ID
	for _, id := range variant.SectionReportIDs {
		sec, err := r.catalog.Report(id)
		if err != nil {
			return err
		}
		st.opts.Sections = append(st.opts.Sections, ChoiceOption{ID: sec.ID, Name: sec.Name})
	}
	st.opts.SelectedSectionID = st.opts.Sections[0].ID
	for _, s := range st.opts.Sections {
		if s.ID == st.prev.SelectedSectionID {
			st.opts.SelectedSectionID = s.ID
		}
	}
	for i := range st.opts.Sections {
		st.opts.Sections[i].Selected = st.opts.Sections[i].ID == st.opts.SelectedSectionID
	}
	return nil
}

func initReportID(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	target := st.opts.SelectedVariantID
	if st.opts.SelectedSectionID != 0 {
		target = st.opts.SelectedSectionID
	}
	st.opts.ReportID = target
	if target != st.report.ID {
		st.reroute = target
	}
	return nil
}

func initFiscalPosition(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.FiscalPosition = fiscalPositionAll
	if !st.report.Filters.FiscalPosition {
		return nil
	}
	var ids []int
	for _, c := range st.companies {
		for _, id := range c.FiscalPositionIDs {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		st.opts.AvailableFiscalPositions = append(st.opts.AvailableFiscalPositions, ChoiceOption{ID: id, Name: "Fiscal position " + itoa(id)})
	}
	if len(ids) > 0 {
		st.opts.FiscalPosition = fiscalPositionDomestic
	}
	switch prev := st.prev.FiscalPosition; {
	case prev == fiscalPositionAll || prev == fiscalPositionDomestic:
		st.opts.FiscalPosition = prev
	case prev != "":
		for _, id := range ids {
			if itoa(id) == prev {
				st.opts.FiscalPosition = prev
			}
		}
	}
	return nil
}

// ── Dates ─────────────────────────────────────────────────────────────────────

const (
	dateModeRange  = "range"
	dateModeSingle = "single"
	filterCustom   = "custom"
)

func initDate(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	company := st.companies[0]
	mode := st.report.DefaultDateMode
	if !st.report.Filters.DateRange {
		mode = dateModeSingle
	}
	if mode != dateModeSingle {
		mode = dateModeRange
	}

	prev := st.prev.Date
	filter := st.report.DefaultDateFilter
	var from, to time.Time
	var kind string
	custom := false

	switch {
	case prev.Filter != "" && prev.Filter != filterCustom:
		filter = prev.Filter
	case prev.DateTo != "":
		t, errTo := parseDate(prev.DateTo)
		f, errFrom := parseDate(prev.DateFrom)
		if errTo == nil && (errFrom == nil || mode == dateModeSingle) {
			if errFrom != nil || f.After(t) {
				f = monthStart(t)
			}
			from, to, custom = f, t, true
			kind = periodType(from, to, company)
		}
	}
	if !custom {
		var err error
		from, to, kind, err = periodForFilter(filter, st.today, company)
		if err != nil {
			from, to, kind, err = periodForFilter("this_month", st.today, company)
			if err != nil {
				return err
			}
			filter = "this_month"
		}
	} else {
		filter = filterCustom
	}

	st.opts.Date = dateOption(from, to, mode, filter, kind, company)
	return nil
}

// dateOption builds a date window. In single mode the window starts at the
// fiscal year containing to.
func dateOption(from, to time.Time, mode, filter, kind string, c Company) DateOption {
	if mode == dateModeSingle {
		from, _ = fiscalYearBounds(c, to)
	}
	return DateOption{
		DateFrom:   formatDate(from),
		DateTo:     formatDate(to),
		Mode:       mode,
		Filter:     filter,
		PeriodType: kind,
		String:     dateLabel(from, to, mode, kind),
	}
}

func dateLabel(from, to time.Time, mode, kind string) string {
	if mode == dateModeSingle {
		return "As of " + formatDate(to)
	}
	switch kind {
	case "month":
		return from.Format("Jan 2006")
	case "quarter":
		return fmt.Sprintf("Q%d %d", (int(from.Month())-1)/3+1, from.Year())
	case "fiscalyear":
		if from.Year() == to.Year() {
			return "FY " + itoa(to.Year())
		}
		return fmt.Sprintf("FY %d-%d", from.Year(), to.Year())
	case "today":
		return formatDate(to)
	}
	return "From " + formatDate(from) + " to " + formatDate(to)
}

// comparisonWindow returns the main window shifted i periods back.
func comparisonWindow(main DateOption, filter string, i int, c Company) (time.Time, time.Time, error) {
	from, err := parseDate(main.DateFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDate(main.DateTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	kind := main.PeriodType
	if main.Mode == dateModeSingle {
		from = periodStart(to, kind, c)
	}
	if filter == comparisonSameLastYear {
		switch kind {
		case "month":
			f, t := shiftPeriod(from, to, kind, 12*i, c)
			return f, t, nil
		case "quarter":
			f, t := shiftPeriod(from, to, kind, 4*i, c)
			return f, t, nil
		case "fiscalyear":
			f, t := shiftPeriod(from, to, kind, i, c)
			return f, t, nil
		}
		return from.AddDate(-i, 0, 0), to.AddDate(-i, 0, 0), nil
	}
	f, t := shiftPeriod(from, to, kind, i, c)
	return f, t, nil
}

func periodStart(to time.Time, kind string, c Company) time.Time {
	switch kind {
	case "month":
		return monthStart(to)
	case "quarter":
		return quarterStart(to)
	case "fiscalyear":
		from, _ := fiscalYearBounds(c, to)
		return from
	}
	return to
}

func initHorizontalGroups(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	for _, hg := range st.report.HorizontalGroups {
		choice := ChoiceOption{ID: hg.ID, Name: hg.Name}
		if hg.ID == st.prev.SelectedHorizontalGroupID {
			choice.Selected = true
			st.opts.SelectedHorizontalGroupID = hg.ID
		}
		st.opts.HorizontalGroups = append(st.opts.HorizontalGroups, choice)
	}
	return nil
}

func initComparison(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	prev := st.prev.Comparison
	cmp := ComparisonOption{Filter: comparisonNone, NumberPeriod: 1, PeriodOrder: orderDescending, Periods: []DateOption{}}
	if prev.PeriodOrder == orderAscending {
		cmp.PeriodOrder = orderAscending
	}
	if prev.NumberPeriod > 0 {
		cmp.NumberPeriod = min(prev.NumberPeriod, 12)
	}
	if !st.report.Filters.Comparison {
		st.opts.Comparison = cmp
		return nil
	}

	company := st.companies[0]
	main := st.opts.Date
	switch prev.Filter {
	case comparisonPrevious, comparisonSameLastYear:
		cmp.Filter = prev.Filter
		for i := 1; i <= cmp.NumberPeriod; i++ {
			from, to, err := comparisonWindow(main, prev.Filter, i, company)
			if err != nil {
				return err
			}
			cmp.Periods = append(cmp.Periods, dateOption(from, to, main.Mode, filterCustom, main.PeriodType, company))
		}
	case comparisonCustom:
		to, err := parseDate(prev.DateTo)
		if err != nil {
			break
		}
		from, err := parseDate(prev.DateFrom)
		if err != nil || from.After(to) {
			from = monthStart(to)
		}
		cmp.Filter = comparisonCustom
		cmp.NumberPeriod = 1
		cmp.DateFrom, cmp.DateTo = formatDate(from), formatDate(to)
		cmp.Periods = append(cmp.Periods, dateOption(from, to, main.Mode, filterCustom, periodType(from, to, company), company))
	}
	st.opts.Comparison = cmp
	return nil
}

// ── Filters ───────────────────────────────────────────────────────────────────

func initJournals(ctx context.Context, r *OptionsResolver, st *optionsState) error {
	if !st.report.Filters.Journals {
		return nil
	}
	journals, err := r.store.Journals(ctx, st.opts.CompanyIDs())
	if err != nil {
		return err
	}
	selected := st.prev.SelectedJournalIDs()
	for _, j := range journals {
		st.opts.Journals = append(st.opts.Journals, ChoiceOption{ID: j.ID, Name: j.Name, Selected: slices.Contains(selected, j.ID)})
	}
	return nil
}

func initPartners(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	if st.report.Filters.Partner {
		st.opts.PartnerIDs = st.prev.PartnerIDs
	}
	return nil
}

func initAllEntries(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.AllEntries = st.report.Filters.ShowDraft && st.prev.AllEntries
	return nil
}

func initAnalytic(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	if st.report.Filters.Analytic {
		st.opts.AnalyticAccountIDs = st.prev.AnalyticAccountIDs
	}
	return nil
}

var accountTypes = []AccountTypeOption{
	{ID: "asset", Name: "Assets"},
	{ID: "liability", Name: "Liabilities"},
	{ID: "equity", Name: "Equity"},
	{ID: "revenue", Name: "Revenue"},
	{ID: "expense", Name: "Expenses"},
}

func initAccountType(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	if !st.report.Filters.AccountType {
		return nil
	}
	selected := map[string]bool{}
	for _, t := range st.prev.AccountTypes {
		selected[t.ID] = t.Selected
	}
	for _, t := range accountTypes {
		t.Selected = selected[t.ID]
		st.opts.AccountTypes = append(st.opts.AccountTypes, t)
	}
	return nil
}

// ── Columns ───────────────────────────────────────────────────────────────────

type horizontalCombo struct {
	names      []string
	conditions []formula.Condition
}

// horizontalCombos expands the selected horizontal group into the cartesian
// product of its rule values.
func horizontalCombos(report *Report, selected int) []horizontalCombo {
	combos := []horizontalCombo{{}}
	for _, hg := range report.HorizontalGroups {
		if hg.ID != selected {
			continue
		}
		for _, rule := range hg.Rules {
			var next []horizontalCombo
			for _, c := range combos {
				for _, v := range rule.Values {
					next = append(next, horizontalCombo{
						names:      append(slices.Clone(c.names), v.Name),
						conditions: append(slices.Clone(c.conditions), formula.MustCondition(rule.Field, "=", v.ID)),
					})
				}
			}
			combos = next
		}
	}
	return combos
}

func columnGroupKey(g ColumnGroup) (string, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to serialize column group: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8]), nil
}

func initColumnGroups(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	periods := []DateOption{st.opts.Date}
	if st.opts.Comparison.PeriodOrder == orderAscending {
		cmp := slices.Clone(st.opts.Comparison.Periods)
		slices.Reverse(cmp)
		periods = append(cmp, periods...)
	} else {
		periods = append(periods, st.opts.Comparison.Periods...)
	}
	combos := horizontalCombos(st.report, st.opts.SelectedHorizontalGroupID)

	st.opts.ColumnGroups = map[string]ColumnGroup{}
	st.opts.Columns = []ColumnOption{}
	var top, sub []ColumnHeader
	for _, period := range periods {
		top = append(top, ColumnHeader{Name: period.String, Colspan: len(combos) * len(st.report.Columns)})
		for _, combo := range combos {
			group := ColumnGroup{ForcedOptions: ForcedOptions{Date: period}, ForcedDomain: combo.conditions}
			if group.ForcedDomain == nil {
				group.ForcedDomain = []formula.Condition{}
			}
			key, err := columnGroupKey(group)
			if err != nil {
				return err
			}
			st.opts.ColumnGroups[key] = group
			if len(combo.names) > 0 {
				sub = append(sub, ColumnHeader{Name: strings.Join(combo.names, " / "), Colspan: len(st.report.Columns)})
			}
			for _, col := range st.report.Columns {
				st.opts.Columns = append(st.opts.Columns, ColumnOption{
					Name:            col.Name,
					ColumnGroupKey:  key,
					ExpressionLabel: col.ExpressionLabel,
					FigureType:      col.FigureType,
					Sortable:        col.Sortable,
					BlankIfZero:     col.BlankIfZero,
				})
			}
		}
	}
	st.opts.ColumnHeaders = [][]ColumnHeader{top}
	if len(sub) > 0 {
		st.opts.ColumnHeaders = append(st.opts.ColumnHeaders, sub)
	}
	return nil
}

func initGrowthComparison(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.ShowGrowthComparison = st.report.Filters.GrowthComparison &&
		len(st.opts.Comparison.Periods) == 1 &&
		len(st.opts.Columns) == 2
	return nil
}

func initOrderColumn(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	oc := st.prev.OrderColumn
	if oc == nil || (oc.Direction != "ASC" && oc.Direction != "DESC") {
		return nil
	}
	for _, col := range st.report.Columns {
		if col.Sortable && col.ExpressionLabel == oc.ExpressionLabel {
			st.opts.OrderColumn = &OrderColumn{ExpressionLabel: oc.ExpressionLabel, Direction: oc.Direction}
		}
	}
	return nil
}

func initHierarchy(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.DisplayHierarchyFilter = st.report.Filters.Hierarchy
	st.opts.Hierarchy = st.report.Filters.Hierarchy && st.prev.Hierarchy
	return nil
}

func initUnfolded(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.UnfoldAll = st.report.Filters.UnfoldAll && st.prev.UnfoldAll
	st.opts.UnfoldedLines = []string{}
	for _, id := range st.prev.UnfoldedLines {
		if id != "" && !slices.Contains(st.opts.UnfoldedLines, id) {
			st.opts.UnfoldedLines = append(st.opts.UnfoldedLines, id)
		}
	}
	return nil
}

func initHideZeroLines(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.Hide0Lines = st.report.Filters.HideZeroLines && st.prev.Hide0Lines
	return nil
}

func initTotalsBelowSections(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.TotalsBelowSections = st.report.Filters.TotalsBelow && st.prev.TotalsBelowSections
	return nil
}

func initPrefixGroupsThreshold(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.PrefixGroupsThreshold = st.report.PrefixGroupsThreshold
	return nil
}

func initLoadMoreLimit(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	st.opts.LoadMoreLimit = st.report.LoadMoreLimit
	return nil
}

func initCustom(ctx context.Context, r *OptionsResolver, st *optionsState) error {
	if st.report.CustomHandler == "" {
		return nil
	}
	h, ok := r.handlers.Lookup(st.report.CustomHandler)
	if !ok {
		return consistencyErrorf("report %s uses unknown handler %q", st.report.Code, st.report.CustomHandler)
	}
	if c, ok := h.(OptionsCustomizer); ok {
		return c.CustomizeOptions(ctx, st.report, st.prev, st.opts)
	}
	return nil
}

func initSectionButtons(_ context.Context, _ *OptionsResolver, st *optionsState) error {
	for _, s := range st.opts.Sections {
		if s.ID != st.opts.SelectedSectionID {
			st.opts.Buttons = append(st.opts.Buttons, Button{Name: s.Name, Action: "switch_section", Target: s.ID})
		}
	}
	return nil
}
