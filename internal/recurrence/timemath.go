package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock hour and minute in the scheduler timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// String renders the persisted 24h form "HH:MM".
func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2})[:h](\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h). "9:05" and "09h05" are accepted too.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(strings.ToLower(raw))
	if len(m) != 3 {
		return TimeOfDay{}, &ValidationError{Field: "time_of_day", Reason: fmt.Sprintf("%q is not HH:MM", raw)}
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	t := TimeOfDay{Hour: h, Minute: mm}
	if !t.Valid() {
		return TimeOfDay{}, &ValidationError{Field: "time_of_day", Reason: fmt.Sprintf("%q is out of range 00:00..23:59", raw)}
	}
	return t, nil
}

// searchDays covers today plus a full week, which always hits a non-empty set.
const searchDays = 8

// NextOccurrence returns the first instant strictly after ref whose local
// weekday (in loc) is in days and whose local wall clock equals at.
//
// Each candidate is built from its own local date, so the zone offset in
// effect on that date applies. Across a DST change the gap from the previous
// occurrence can be 23 or 25 hours. The result is in UTC.
func NextOccurrence(days WeekdaySet, at TimeOfDay, ref time.Time, loc *time.Location) (time.Time, error) {
	if days.Empty() {
		return time.Time{}, ErrEmptyWeekdays
	}
	if !at.Valid() {
		return time.Time{}, &ValidationError{Field: "time_of_day", Reason: at.String() + " is out of range"}
	}
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)
	y, m, d := local.Date()
	for off := 0; off < searchDays; off++ {
		// Weekday of a calendar date does not depend on the zone; noon UTC avoids any edge.
		if !days.Has(WeekdayOf(time.Date(y, m, d+off, 12, 0, 0, 0, time.UTC))) {
			continue
		}
		cand := time.Date(y, m, d+off, at.Hour, at.Minute, 0, 0, loc)
		if cand.After(ref) {
			return cand.UTC(), nil
		}
	}
	// Unreachable for a non-empty set.
	return time.Time{}, fmt.Errorf("no occurrence of %s at %s within %d days of %s", days, at, searchDays, ref.Format(time.RFC3339))
}

// Rule is the recurrence part of a schedule: which days, at what time.
type Rule struct {
	Weekdays  WeekdaySet
	TimeOfDay TimeOfDay
}

func (r Rule) Validate() error {
	if r.Weekdays.Empty() {
		return ErrEmptyWeekdays
	}
	if !r.TimeOfDay.Valid() {
		return &ValidationError{Field: "time_of_day", Reason: r.TimeOfDay.String() + " is out of range"}
	}
	return nil
}

// Next is NextOccurrence for this rule.
func (r Rule) Next(ref time.Time, loc *time.Location) (time.Time, error) {
	return NextOccurrence(r.Weekdays, r.TimeOfDay, ref, loc)
}

// Upcoming lists the next n occurrences after ref by walking the rule's
// cron.Schedule, each computed from the previous one.
func (r Rule) Upcoming(ref time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	sched := r.Schedule(loc)
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		next := sched.Next(ref)
		if next.IsZero() {
			return out, fmt.Errorf("no occurrence of %s after %s", r, ref.Format(time.RFC3339))
		}
		out = append(out, next)
		ref = next
	}
	return out, nil
}

func (r Rule) String() string {
	return r.TimeOfDay.String() + " on " + r.Weekdays.Label()
}
