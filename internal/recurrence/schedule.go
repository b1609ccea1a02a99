package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronSchedule adapts a Rule to cron.Schedule so a rule can be previewed or
// driven by anything that speaks robfig/cron.
type cronSchedule struct {
	rule Rule
	loc  *time.Location
}

// Schedule returns the rule as a cron.Schedule evaluated in loc.
// Next returns the zero time for an invalid rule, which cron treats as "never".
func (r Rule) Schedule(loc *time.Location) cron.Schedule {
	return cronSchedule{rule: r, loc: loc}
}

func (s cronSchedule) Next(t time.Time) time.Time {
	next, err := s.rule.Next(t, s.loc)
	if err != nil {
		return time.Time{}
	}
	return next.In(t.Location())
}
