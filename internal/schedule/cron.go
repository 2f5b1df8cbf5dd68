// Package schedule produces lazy, strictly increasing sequences of
// timepoints for trigger schedules. Cron expressions and run_at timepoint
// lists share one iterator contract; the spinner consumes it without caring
// which variant backs it.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/devtari-io/cronback/internal/domain"
)

// cronParser accepts the 6-field second-resolution form. The optional
// trailing year field is split off and applied as a filter, since the
// underlying parser has no year support.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

const (
	minCronYear = 1970
	maxCronYear = 9999
)

// CompiledCron is a cron expression bound to a timezone, ready to produce
// timepoints. Compilation failures surface at trigger creation, never at
// schedule time.
type CompiledCron struct {
	sched   cron.Schedule
	loc     *time.Location
	years   map[int]bool // nil means every year
	maxYear int
}

// CompileCron parses a 5, 6 or 7 field cron expression
// (sec min hour dom mon dow [year]) in the given IANA timezone.
func CompileCron(expr, timezone string) (*CompiledCron, error) {
	fields := strings.Fields(expr)

	var years map[int]bool
	maxYear := 0
	switch len(fields) {
	case 5:
		// No seconds column; fire at second zero.
		expr = "0 " + expr
	case 6:
	case 7:
		var err error
		years, maxYear, err = parseYearField(fields[6])
		if err != nil {
			return nil, domain.WrapError(domain.ErrValidation, "invalid cron year field", err)
		}
		expr = strings.Join(fields[:6], " ")
	default:
		return nil, domain.Errorf(domain.ErrValidation, "cron expression must have 5-7 fields, got %d", len(fields))
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "invalid cron expression", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, domain.Errorf(domain.ErrValidation, "unrecognized timezone %q, a valid IANA timezone is required", timezone)
	}

	return &CompiledCron{sched: sched, loc: loc, years: years, maxYear: maxYear}, nil
}

// Next returns the earliest timepoint strictly after the given instant, or
// false when the expression has no future occurrence (year field drained).
func (c *CompiledCron) Next(after time.Time) (time.Time, bool) {
	t := after.In(c.loc)
	for {
		next := c.sched.Next(t)
		if next.IsZero() {
			return time.Time{}, false
		}
		if c.years == nil || c.years[next.Year()] {
			return next, true
		}
		// Jump the cursor to the start of the next allowed year instead of
		// walking occurrence by occurrence.
		jump, ok := c.nextAllowedYear(next.Year())
		if !ok {
			return time.Time{}, false
		}
		t = time.Date(jump, time.January, 1, 0, 0, 0, 0, c.loc).Add(-time.Second)
	}
}

func (c *CompiledCron) nextAllowedYear(after int) (int, bool) {
	for y := after + 1; y <= c.maxYear; y++ {
		if c.years[y] {
			return y, true
		}
	}
	return 0, false
}

// parseYearField parses the 7th cron field: "*", a year, a range, or a
// comma-separated list of either.
func parseYearField(field string) (map[int]bool, int, error) {
	if field == "*" {
		return nil, 0, nil
	}
	years := make(map[int]bool)
	maxYear := 0
	for _, part := range strings.Split(field, ",") {
		lo, hi, err := parseYearPart(part)
		if err != nil {
			return nil, 0, err
		}
		for y := lo; y <= hi; y++ {
			years[y] = true
		}
		if hi > maxYear {
			maxYear = hi
		}
	}
	return years, maxYear, nil
}

func parseYearPart(part string) (int, int, error) {
	lo, hi, isRange := strings.Cut(part, "-")
	start, err := parseYear(lo)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := parseYear(hi)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, domain.Errorf(domain.ErrValidation, "year range %q is inverted", part)
	}
	return start, end, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil || y < minCronYear || y > maxCronYear {
		return 0, domain.Errorf(domain.ErrValidation, "invalid cron year %q", s)
	}
	return y, nil
}
