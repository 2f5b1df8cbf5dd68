package schedule

import (
	"sort"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
)

// Iterator walks a schedule's timepoints in order. Advance consumes; Peek
// does not. The iterator mutates the underlying schedule's Remaining counter
// so the persisted cursor follows consumption.
type Iterator struct {
	sched *domain.Schedule

	cron   *CompiledCron // recurring only
	cursor time.Time     // last consumed (or seed) instant

	points []time.Time // run_at only; pending, ascending
}

// NewIterator builds an iterator positioned strictly after the given
// instant. For run_at schedules, timepoints at or before the seed are
// dropped and Remaining is adjusted; pass the trigger's creation time to
// replay them instead (dangerous fast-forward).
func NewIterator(s *domain.Schedule, after time.Time) (*Iterator, error) {
	switch {
	case s.Recurring != nil:
		cc, err := CompileCron(s.Recurring.Cron, s.Recurring.Timezone)
		if err != nil {
			return nil, err
		}
		return &Iterator{sched: s, cron: cc, cursor: after}, nil

	case s.RunAt != nil:
		points := normalizeTimepoints(s.RunAt.Timepoints)
		kept := points[:0]
		for _, p := range points {
			if p.After(after) {
				kept = append(kept, p)
			}
		}
		s.RunAt.Remaining = uint64(len(kept))
		return &Iterator{sched: s, points: kept}, nil
	}
	return nil, domain.NewError(domain.ErrValidation, "schedule has neither recurring nor run_at")
}

// Peek returns the next timepoint without consuming it.
func (it *Iterator) Peek() (time.Time, bool) {
	if it.Exhausted() {
		return time.Time{}, false
	}
	if it.cron != nil {
		return it.cron.Next(it.cursor)
	}
	return it.points[0], true
}

// Advance consumes the next timepoint, decrementing Remaining for bounded
// recurring schedules. Returns the instant just consumed.
func (it *Iterator) Advance() (time.Time, bool) {
	next, ok := it.Peek()
	if !ok {
		return time.Time{}, false
	}
	if it.cron != nil {
		it.cursor = next
		r := it.sched.Recurring
		if r.Limit > 0 && r.Remaining > 0 {
			r.Remaining--
		}
	} else {
		it.points = it.points[1:]
		it.sched.RunAt.Remaining = uint64(len(it.points))
	}
	return next, true
}

// Exhausted reports whether no further timepoints exist.
func (it *Iterator) Exhausted() bool {
	if it.cron != nil {
		r := it.sched.Recurring
		if r.Limit > 0 && r.Remaining == 0 {
			return true
		}
		_, ok := it.cron.Next(it.cursor)
		return !ok
	}
	return len(it.points) == 0
}

// ForwardTo drops every timepoint at or before t without emitting, so that
// missed runs are skipped rather than replayed.
func (it *Iterator) ForwardTo(t time.Time) {
	if it.cron != nil {
		if t.After(it.cursor) {
			it.cursor = t
		}
		return
	}
	kept := it.points[:0]
	for _, p := range it.points {
		if p.After(t) {
			kept = append(kept, p)
		}
	}
	it.points = kept
	it.sched.RunAt.Remaining = uint64(len(kept))
}

// NextAfter returns the earliest timepoint strictly greater than after,
// without mutating the schedule. Bounded recurring schedules with a drained
// Remaining yield nothing.
func NextAfter(s *domain.Schedule, after time.Time) (time.Time, bool) {
	probe := s.Clone()
	it, err := NewIterator(probe, after)
	if err != nil {
		return time.Time{}, false
	}
	return it.Peek()
}

// EstimateFutureRuns returns up to n upcoming timepoints after the given
// instant, without mutating the schedule.
func EstimateFutureRuns(s *domain.Schedule, after time.Time, n int) []time.Time {
	probe := s.Clone()
	it, err := NewIterator(probe, after)
	if err != nil {
		return nil
	}
	var out []time.Time
	for len(out) < n {
		t, ok := it.Advance()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}

// InitRemaining seeds the Remaining counters at trigger creation time.
func InitRemaining(s *domain.Schedule) {
	if s == nil {
		return
	}
	if s.Recurring != nil && s.Recurring.Limit > 0 {
		s.Recurring.Remaining = s.Recurring.Limit
	}
	if s.RunAt != nil {
		s.RunAt.Remaining = uint64(len(normalizeTimepoints(s.RunAt.Timepoints)))
	}
}

// normalizeTimepoints sorts and collapses duplicate instants.
func normalizeTimepoints(points []time.Time) []time.Time {
	out := append([]time.Time(nil), points...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	dedup := out[:0]
	for i, p := range out {
		if i == 0 || !p.Equal(out[i-1]) {
			dedup = append(dedup, p)
		}
	}
	return dedup
}
