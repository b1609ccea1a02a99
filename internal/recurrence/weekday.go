package recurrence

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Weekday numbers days Monday=0 through Sunday=6.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayShort = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

func (d Weekday) String() string {
	if !d.Valid() {
		return "Weekday(" + strconv.Itoa(int(d)) + ")"
	}
	return weekdayShort[d]
}

// WeekdayOf returns the calendar weekday of t in t's own location.
func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

// WeekdaySet is a bitmask over Weekday values.
type WeekdaySet uint8

func NewWeekdaySet(days ...Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		if d.Valid() {
			s |= 1 << uint(d)
		}
	}
	return s
}

var (
	Weekdays = NewWeekdaySet(Monday, Tuesday, Wednesday, Thursday, Friday)
	Weekends = NewWeekdaySet(Saturday, Sunday)
	Daily    = Weekdays | Weekends
)

func (s WeekdaySet) Empty() bool { return s&Daily == 0 }

func (s WeekdaySet) Has(d Weekday) bool { return d.Valid() && s&(1<<uint(d)) != 0 }

// Days returns the members in ascending order.
func (s WeekdaySet) Days() []Weekday {
	out := make([]Weekday, 0, 7)
	for d := Monday; d <= Sunday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// String renders the persisted form, e.g. "0,2,4".
func (s WeekdaySet) String() string {
	return strings.Join(lo.Map(s.Days(), func(d Weekday, _ int) string {
		return strconv.Itoa(int(d))
	}), ",")
}

// Label renders a human form, e.g. "Mon, Wed, Fri" or "weekdays".
func (s WeekdaySet) Label() string {
	switch s & Daily {
	case Daily:
		return "every day"
	case Weekdays:
		return "weekdays"
	case Weekends:
		return "weekends"
	}
	return strings.Join(lo.Map(s.Days(), func(d Weekday, _ int) string { return d.String() }), ", ")
}

var weekdayPresets = map[string]WeekdaySet{
	"weekdays": Weekdays,
	"workdays": Weekdays,
	"weekends": Weekends,
	"weekend":  Weekends,
	"daily":    Daily,
	"everyday": Daily,
	"all":      Daily,
}

var weekdayNames = map[string]Weekday{
	"mon": Monday, "tue": Tuesday, "wed": Wednesday, "thu": Thursday,
	"fri": Friday, "sat": Saturday, "sun": Sunday,
}

// ParseWeekdaySet accepts "0,2,4", names ("mon,wed,fri"), or a preset
// ("weekdays", "weekends", "daily"). An empty result is a ValidationError.
func ParseWeekdaySet(raw string) (WeekdaySet, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if preset, ok := weekdayPresets[s]; ok {
		return preset, nil
	}
	parts := lo.Filter(strings.Split(s, ","), func(p string, _ int) bool {
		return strings.TrimSpace(p) != ""
	})
	var set WeekdaySet
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 3 {
			if d, ok := weekdayNames[p[:3]]; ok {
				set |= NewWeekdaySet(d)
				continue
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || !Weekday(n).Valid() {
			return 0, &ValidationError{Field: "weekdays", Reason: fmt.Sprintf("%q is not a weekday (use 0=Mon..6=Sun)", p)}
		}
		set |= NewWeekdaySet(Weekday(n))
	}
	if set.Empty() {
		return 0, ErrEmptyWeekdays
	}
	return set, nil
}

// WeekdaySetFromInts builds a set from raw integers, rejecting out-of-range values.
func WeekdaySetFromInts(days []int) (WeekdaySet, error) {
	var set WeekdaySet
	for _, n := range slices.Compact(slices.Sorted(slices.Values(days))) {
		if !Weekday(n).Valid() {
			return 0, &ValidationError{Field: "weekdays", Reason: fmt.Sprintf("%d is out of range 0..6", n)}
		}
		set |= NewWeekdaySet(Weekday(n))
	}
	if set.Empty() {
		return 0, ErrEmptyWeekdays
	}
	return set, nil
}
