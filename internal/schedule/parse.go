package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
)

// ParseTimepoint parses a run_at entry: either an RFC3339 timestamp or an
// ISO-8601 duration resolved relative to base (the trigger creation time).
func ParseTimepoint(raw string, base time.Time) (time.Time, error) {
	if strings.HasPrefix(raw, "P") || strings.HasPrefix(raw, "-P") {
		d, err := ParseISODuration(raw)
		if err != nil {
			return time.Time{}, err
		}
		return base.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Errorf(domain.ErrValidation, "timepoint %q is neither RFC3339 nor an ISO-8601 duration", raw)
	}
	return t, nil
}

// ParseISODuration parses durations of the form PnWnDTnHnMnS. Calendar
// units (years, months) are rejected: their length depends on the anchor
// date and run_at timepoints must be unambiguous.
func ParseISODuration(raw string) (time.Duration, error) {
	s := raw
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) == 1 {
		return 0, domain.Errorf(domain.ErrValidation, "invalid ISO-8601 duration %q", raw)
	}
	s = s[1:]

	datePart, timePart, hasTime := strings.Cut(s, "T")
	if hasTime && timePart == "" {
		return 0, domain.Errorf(domain.ErrValidation, "invalid ISO-8601 duration %q", raw)
	}

	var total time.Duration
	var err error
	if total, err = parseDurationUnits(datePart, raw, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if hasTime {
		timeTotal, err := parseDurationUnits(timePart, raw, map[byte]time.Duration{
			'H': time.Hour,
			'M': time.Minute,
			'S': time.Second,
		})
		if err != nil {
			return 0, err
		}
		total += timeTotal
	}
	if neg {
		total = -total
	}
	return total, nil
}

func parseDurationUnits(part, raw string, units map[byte]time.Duration) (time.Duration, error) {
	var total time.Duration
	num := ""
	for i := 0; i < len(part); i++ {
		c := part[i]
		if (c >= '0' && c <= '9') || c == '.' {
			num += string(c)
			continue
		}
		if c == 'Y' || (c == 'M' && units['D'] != 0) {
			return 0, domain.Errorf(domain.ErrValidation, "duration %q uses calendar units, which are ambiguous", raw)
		}
		unit, ok := units[c]
		if !ok || num == "" {
			return 0, domain.Errorf(domain.ErrValidation, "invalid ISO-8601 duration %q", raw)
		}
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, domain.Errorf(domain.ErrValidation, "invalid ISO-8601 duration %q", raw)
		}
		total += time.Duration(v * float64(unit))
		num = ""
	}
	if num != "" {
		return 0, domain.Errorf(domain.ErrValidation, "invalid ISO-8601 duration %q: trailing number without unit", raw)
	}
	return total, nil
}

// Validate checks a schedule at trigger creation time. Exactly one variant
// must be set; cron and timezone must compile; run_at must carry 1 to
// MaxRunAtTimepoints entries.
func Validate(s *domain.Schedule) error {
	if s == nil {
		return nil
	}
	if (s.Recurring == nil) == (s.RunAt == nil) {
		return domain.NewError(domain.ErrValidation, "schedule must set exactly one of recurring or run_at")
	}
	if r := s.Recurring; r != nil {
		if _, err := CompileCron(r.Cron, r.Timezone); err != nil {
			return err
		}
		if r.Limit > 0 && r.Remaining > r.Limit {
			return domain.Errorf(domain.ErrValidation, "remaining (%d) exceeds limit (%d)", r.Remaining, r.Limit)
		}
		return nil
	}
	n := len(s.RunAt.Timepoints)
	if n == 0 || n > domain.MaxRunAtTimepoints {
		return domain.Errorf(domain.ErrValidation, "run_at must carry between 1 and %d timepoints, got %d", domain.MaxRunAtTimepoints, n)
	}
	return nil
}
