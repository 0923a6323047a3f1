package core

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthEnd(t time.Time) time.Time {
	return monthStart(t).AddDate(0, 1, -1)
}

func quarterStart(t time.Time) time.Time {
	m := ((int(t.Month())-1)/3)*3 + 1
	return time.Date(t.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
}

// fiscalYearBounds returns the fiscal year of c containing d.
func fiscalYearBounds(c Company, d time.Time) (time.Time, time.Time) {
	lastMonth, lastDay := c.FiscalYearLastMonth, c.FiscalYearLastDay
	if lastMonth == 0 {
		lastMonth = time.December
	}
	if lastDay == 0 {
		lastDay = 31
	}
	end := fiscalYearEnd(d.Year(), lastMonth, lastDay)
	if d.After(end) {
		end = fiscalYearEnd(d.Year()+1, lastMonth, lastDay)
	}
	prevEnd := fiscalYearEnd(end.Year()-1, lastMonth, lastDay)
	return prevEnd.AddDate(0, 0, 1), end
}

func fiscalYearEnd(year int, month time.Month, day int) time.Time {
	last := monthEnd(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// taxPeriodBounds returns the tax closing period of c containing d.
func taxPeriodBounds(c Company, d time.Time) (time.Time, time.Time) {
	switch c.TaxPeriodicity {
	case PeriodicityQuarterly:
		start := quarterStart(d)
		return start, start.AddDate(0, 3, -1)
	case PeriodicityYearly:
		return fiscalYearBounds(c, d)
	default:
		return monthStart(d), monthEnd(d)
	}
}

// periodForFilter resolves a named date filter relative to today.
func periodForFilter(filter string, today time.Time, c Company) (time.Time, time.Time, string, error) {
	switch filter {
	case "today":
		return today, today, "today", nil
	case "this_month":
		return monthStart(today), monthEnd(today), "month", nil
	case "last_month":
		prev := monthStart(today).AddDate(0, -1, 0)
		return prev, monthEnd(prev), "month", nil
	case "this_quarter":
		start := quarterStart(today)
		return start, start.AddDate(0, 3, -1), "quarter", nil
	case "last_quarter":
		start := quarterStart(today).AddDate(0, -3, 0)
		return start, start.AddDate(0, 3, -1), "quarter", nil
	case "this_year":
		from, to := fiscalYearBounds(c, today)
		return from, to, "fiscalyear", nil
	case "last_year":
		from, _ := fiscalYearBounds(c, today)
		prevFrom, prevTo := fiscalYearBounds(c, from.AddDate(0, 0, -1))
		return prevFrom, prevTo, "fiscalyear", nil
	}
	return time.Time{}, time.Time{}, "", fmt.Errorf("unknown date filter %q", filter)
}

// periodType classifies a custom window so comparisons can shift it.
func periodType(from, to time.Time, c Company) string {
	if from.Equal(monthStart(from)) && to.Equal(monthEnd(from)) {
		return "month"
	}
	if from.Equal(quarterStart(from)) && to.Equal(quarterStart(from).AddDate(0, 3, -1)) {
		return "quarter"
	}
	if fyFrom, fyTo := fiscalYearBounds(c, from); from.Equal(fyFrom) && to.Equal(fyTo) {
		return "fiscalyear"
	}
	return "custom"
}

// shiftPeriod moves a window n periods back, keeping its shape.
func shiftPeriod(from, to time.Time, kind string, n int, c Company) (time.Time, time.Time) {
	switch kind {
	case "month":
		start := monthStart(from).AddDate(0, -n, 0)
		return start, monthEnd(start)
	case "quarter":
		start := quarterStart(from).AddDate(0, -3*n, 0)
		return start, start.AddDate(0, 3, -1)
	case "fiscalyear":
		return fiscalYearBounds(c, from.AddDate(-n, 0, 0))
	case "today":
		return from.AddDate(0, 0, -n), to.AddDate(0, 0, -n)
	}
	days := int(to.Sub(from).Hours()/24) + 1
	return from.AddDate(0, 0, -days*n), to.AddDate(0, 0, -days*n)
}

// DateBounds is the window an expression is evaluated on. From is nil when
// there is no lower bound. AllowInitialBalance lets accounts flagged
// include_initial_balance ignore the lower bound.
type DateBounds struct {
	From                *time.Time
	To                  time.Time
	AllowInitialBalance bool
}

// DateBoundsInfo computes the window of scope for the options' date range.
func DateBoundsInfo(opts *Options, scope DateScope, c Company) (DateBounds, error) {
	from, err := parseDate(opts.Date.DateFrom)
	if err != nil {
		return DateBounds{}, err
	}
	to, err := parseDate(opts.Date.DateTo)
	if err != nil {
		return DateBounds{}, err
	}

	switch scope {
	case ScopeNormal, "":
		return DateBounds{From: &from, To: to, AllowInitialBalance: true}, nil
	case ScopeStrictRange:
		return DateBounds{From: &from, To: to}, nil
	case ScopeFromBeginning:
		return DateBounds{To: to}, nil
	case ScopeToPeriodStart:
		return DateBounds{To: from.AddDate(0, 0, -1)}, nil
	case ScopeFromFiscalYear:
		fyFrom, _ := fiscalYearBounds(c, to)
		return DateBounds{From: &fyFrom, To: to}, nil
	case ScopeToFiscalYearStart:
		fyFrom, _ := fiscalYearBounds(c, to)
		return DateBounds{To: fyFrom.AddDate(0, 0, -1)}, nil
	case ScopePrevTaxPeriod:
		pFrom, pTo := taxPeriodBounds(c, from.AddDate(0, 0, -1))
		return DateBounds{From: &pFrom, To: pTo}, nil
	}
	return DateBounds{}, fmt.Errorf("unknown date scope %q", scope)
}
