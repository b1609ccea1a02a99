package recurrence

import (
	"strings"
	"time"
)

// Action is what a schedule does to its target when it fires.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// TargetAll is the sentinel target meaning every managed resource.
const TargetAll = "all"

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionStart, ActionStop:
		return a, nil
	}
	return "", &ValidationError{Field: "action", Reason: "must be start or stop"}
}

func (a Action) Valid() bool { return a == ActionStart || a == ActionStop }

// Record is one persisted recurring rule plus its materialized next fire instant.
type Record struct {
	ID        int64
	OwnerID   int64
	TargetID  string
	Action    Action
	Weekdays  WeekdaySet
	TimeOfDay TimeOfDay
	// NextFire is always UTC.
	NextFire  time.Time
	CreatedAt time.Time
}

func (r Record) Rule() Rule { return Rule{Weekdays: r.Weekdays, TimeOfDay: r.TimeOfDay} }

func (r Record) TargetsAll() bool { return r.TargetID == TargetAll }

// Validate checks the fields a caller supplies at creation time.
func (r Record) Validate() error {
	if strings.TrimSpace(r.TargetID) == "" {
		return &ValidationError{Field: "target", Reason: "resource id or \"all\" is required"}
	}
	if !r.Action.Valid() {
		return &ValidationError{Field: "action", Reason: "must be start or stop"}
	}
	return r.Rule().Validate()
}
