package recurrence

import (
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextOccurrenceScenarios(t *testing.T) {
	t.Parallel()
	sp := mustLoc(t, "America/Sao_Paulo")

	tests := []struct {
		name string
		days WeekdaySet
		at   TimeOfDay
		ref  time.Time
		want time.Time
	}{
		{
			// 2024-01-01 is a Monday; 09:00 already passed, so Wednesday.
			name: "mon wed fri after monday slot",
			days: NewWeekdaySet(Monday, Wednesday, Friday),
			at:   TimeOfDay{Hour: 9},
			ref:  time.Date(2024, 1, 1, 10, 0, 0, 0, sp),
			want: time.Date(2024, 1, 3, 9, 0, 0, 0, sp),
		},
		{
			name: "later the same sunday",
			days: NewWeekdaySet(Sunday),
			at:   TimeOfDay{Hour: 23, Minute: 30},
			ref:  time.Date(2024, 1, 7, 23, 0, 0, 0, sp),
			want: time.Date(2024, 1, 7, 23, 30, 0, 0, sp),
		},
		{
			name: "exact boundary is exclusive",
			days: NewWeekdaySet(Monday),
			at:   TimeOfDay{},
			ref:  time.Date(2024, 1, 1, 0, 0, 0, 0, sp),
			want: time.Date(2024, 1, 8, 0, 0, 0, 0, sp),
		},
		{
			name: "one nanosecond before is today",
			days: NewWeekdaySet(Monday),
			at:   TimeOfDay{},
			ref:  time.Date(2023, 12, 31, 23, 59, 59, 999999999, sp),
			want: time.Date(2024, 1, 1, 0, 0, 0, 0, sp),
		},
		{
			name: "wraps past sunday into next week",
			days: NewWeekdaySet(Tuesday),
			at:   TimeOfDay{Hour: 8},
			ref:  time.Date(2024, 1, 2, 8, 1, 0, 0, sp),
			want: time.Date(2024, 1, 9, 8, 0, 0, 0, sp),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(tt.days, tt.at, tt.ref, sp)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got.In(sp), tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextOccurrenceEmptySet(t *testing.T) {
	t.Parallel()
	_, err := NextOccurrence(0, TimeOfDay{Hour: 9}, time.Now(), time.UTC)
	require.ErrorIs(t, err, ErrEmptyWeekdays)
	require.ErrorIs(t, err, ErrValidation)
}

func TestNextOccurrenceAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	rule := Rule{Weekdays: Daily, TimeOfDay: TimeOfDay{Hour: 9}}

	// Spring forward on 2024-03-10: the day is 23 hours long.
	prev := time.Date(2024, 3, 9, 9, 0, 0, 0, ny)
	next, err := rule.Next(prev, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), next)
	assert.Equal(t, 23*time.Hour, next.Sub(prev))

	// Fall back on 2024-11-03: the day is 25 hours long.
	prev = time.Date(2024, 11, 2, 9, 0, 0, 0, ny)
	next, err = rule.Next(prev, ny)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 11, 3, 14, 0, 0, 0, time.UTC), next)
	assert.Equal(t, 25*time.Hour, next.Sub(prev))
}

func TestNextOccurrenceProperties(t *testing.T) {
	t.Parallel()
	zones := []*time.Location{
		mustLoc(t, "America/Sao_Paulo"),
		mustLoc(t, "Europe/Berlin"),
		mustLoc(t, "Asia/Kolkata"),
		time.UTC,
	}
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	span := int64(5 * 365 * 24 * 3600)

	for i := 0; i < 2000; i++ {
		loc := zones[rng.Intn(len(zones))]
		days := WeekdaySet(rng.Intn(127) + 1)
		// Stay clear of 02:00-03:59 so no candidate lands in a DST gap.
		at := TimeOfDay{Hour: []int{0, 6, 9, 12, 18, 23}[rng.Intn(6)], Minute: rng.Intn(60)}
		ref := time.Unix(start+rng.Int63n(span), rng.Int63n(int64(time.Second)))

		got, err := NextOccurrence(days, at, ref, loc)
		require.NoError(t, err)
		require.True(t, got.After(ref), "result %s not after ref %s", got, ref)
		require.LessOrEqual(t, got.Sub(ref), 8*24*time.Hour)

		local := got.In(loc)
		require.True(t, days.Has(WeekdayOf(local)), "weekday %s not in %s", WeekdayOf(local), days)
		require.Equal(t, at.Hour, local.Hour())
		require.Equal(t, at.Minute, local.Minute())
		require.Zero(t, local.Second())

		again, err := NextOccurrence(days, at, got, loc)
		require.NoError(t, err)
		require.True(t, again.After(got), "re-applying on its own result must advance")
	}
}

func TestRuleUpcomingIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	sp := mustLoc(t, "America/Sao_Paulo")
	rule := Rule{Weekdays: Weekends, TimeOfDay: TimeOfDay{Hour: 7, Minute: 15}}

	got, err := rule.Upcoming(time.Date(2024, 1, 1, 0, 0, 0, 0, sp), sp, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	want := []time.Time{
		time.Date(2024, 1, 6, 7, 15, 0, 0, sp),
		time.Date(2024, 1, 7, 7, 15, 0, 0, sp),
		time.Date(2024, 1, 13, 7, 15, 0, 0, sp),
		time.Date(2024, 1, 14, 7, 15, 0, 0, sp),
	}
	for i := range want {
		assert.True(t, got[i].Equal(want[i]), "occurrence %d: got %s want %s", i, got[i].In(sp), want[i])
	}
}

func TestRuleUpcomingFollowsSchedule(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	rule := Rule{Weekdays: NewWeekdaySet(Monday), TimeOfDay: TimeOfDay{Hour: 8}}
	ref := time.Date(2024, 1, 8, 8, 0, 0, 0, utc)

	got, err := rule.Upcoming(ref, utc, 3)
	require.NoError(t, err)
	sched := rule.Schedule(utc)
	for _, at := range got {
		want := sched.Next(ref)
		assert.True(t, at.Equal(want), "got %s want %s", at, want)
		ref = at
	}
	assert.True(t, got[0].Equal(time.Date(2024, 1, 15, 8, 0, 0, 0, utc)), "starts strictly after ref")

	_, err = Rule{TimeOfDay: TimeOfDay{Hour: 8}}.Upcoming(ref, utc, 3)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRuleScheduleAdapter(t *testing.T) {
	t.Parallel()
	sp := mustLoc(t, "America/Sao_Paulo")
	sched := Rule{Weekdays: NewWeekdaySet(Friday), TimeOfDay: TimeOfDay{Hour: 18}}.Schedule(sp)

	ref := time.Date(2024, 1, 1, 12, 0, 0, 0, sp)
	next := sched.Next(ref)
	assert.True(t, next.Equal(time.Date(2024, 1, 5, 18, 0, 0, 0, sp)))
	assert.Equal(t, sp, next.Location())

	assert.True(t, Rule{}.Schedule(sp).Next(ref).IsZero())
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]TimeOfDay{
		"09:00": {Hour: 9},
		"9:05":  {Hour: 9, Minute: 5},
		"23:59": {Hour: 23, Minute: 59},
		"07h30": {Hour: 7, Minute: 30},
	} {
		got, err := ParseTimeOfDay(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "24:00", "12:60", "noon", "1230", "12:5"} {
		_, err := ParseTimeOfDay(raw)
		assert.ErrorIs(t, err, ErrValidation, raw)
	}
	assert.Equal(t, "07:05", TimeOfDay{Hour: 7, Minute: 5}.String())
}
