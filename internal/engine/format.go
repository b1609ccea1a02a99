package engine

import (
	"fmt"
	"strings"
	"time"

	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
)

// ExecutedText is the report sent after a schedule fires.
func ExecutedText(rec storage.Record, results []resource.Result, actErr error) string {
	var b strings.Builder
	b.WriteString("✅ SCHEDULE EXECUTED\n\n")
	fmt.Fprintf(&b, "Schedule: #%d\n", rec.ID)

	if rec.TargetsAll() {
		fmt.Fprintf(&b, "Action: %s ALL\n", strings.ToUpper(string(rec.Action)))
		if actErr != nil && len(results) == 0 {
			fmt.Fprintf(&b, "Status: ❌ %v", actErr)
			return b.String()
		}
		if len(results) == 0 {
			b.WriteString("No instances processed.")
			return b.String()
		}
		b.WriteString("Results:\n")
		for i, r := range results {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "• %s: %s", r.ResourceID, ResultStatus(r))
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Instance: %s\n", rec.TargetID)
	fmt.Fprintf(&b, "Action: %s\n", strings.ToUpper(string(rec.Action)))
	status := "Success"
	switch {
	case len(results) > 0:
		status = ResultStatus(results[0])
	case actErr != nil:
		status = "❌ " + actErr.Error()
	}
	b.WriteString("Status: " + status)
	return b.String()
}

// ResultStatus renders one controller result. An "already running" outcome
// is a success with a note.
func ResultStatus(r resource.Result) string {
	switch {
	case r.Err != nil:
		msg := r.Message
		if msg == "" {
			msg = r.Err.Error()
		}
		return "❌ " + msg
	case r.Message != "":
		return "Success (" + r.Message + ")"
	default:
		return "Success"
	}
}

// DescribeRecord is the one-line listing form of a schedule.
func DescribeRecord(rec storage.Record, loc *time.Location) string {
	target := rec.TargetID
	if rec.TargetsAll() {
		target = "ALL instances"
	}
	return fmt.Sprintf("#%d %s %s at %s on %s, next %s",
		rec.ID,
		strings.ToUpper(string(rec.Action)),
		target,
		rec.TimeOfDay,
		rec.Weekdays.Label(),
		FormatLocal(rec.NextFire, loc),
	)
}

// FormatLocal renders an instant in the scheduler timezone.
func FormatLocal(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon 02/01/2006 15:04 MST")
}
