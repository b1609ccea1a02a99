package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ec2toggle/internal/recurrence"

	"github.com/google/uuid"
)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/schedule all stop "mon, wed" 18:00
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// commandWord extracts "start" from "/start@my_bot". ok is false for text
// that is not a command.
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") {
		return "", false
	}
	word := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, word != ""
}

var errScheduleUsage = errors.New("usage: /schedule <instance-id|all> <start|stop> <days> <HH:MM>")

// scheduleArgs is a parsed /schedule line.
type scheduleArgs struct {
	Target    string
	Action    recurrence.Action
	Weekdays  recurrence.WeekdaySet
	TimeOfDay recurrence.TimeOfDay
}

// parseScheduleArgs reads `<target> <action> <days> <HH:MM>`. Days may span
// several tokens ("mon, wed, fri").
func parseScheduleArgs(args []string) (scheduleArgs, error) {
	if len(args) < 4 {
		return scheduleArgs{}, errScheduleUsage
	}
	var out scheduleArgs
	out.Target = normalizeTarget(args[0])

	act, err := recurrence.ParseAction(args[1])
	if err != nil {
		return scheduleArgs{}, err
	}
	out.Action = act

	days, err := recurrence.ParseWeekdaySet(strings.Join(args[2:len(args)-1], ","))
	if err != nil {
		return scheduleArgs{}, err
	}
	out.Weekdays = days

	tod, err := recurrence.ParseTimeOfDay(args[len(args)-1])
	if err != nil {
		return scheduleArgs{}, err
	}
	out.TimeOfDay = tod
	return out, nil
}

func normalizeTarget(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, recurrence.TargetAll) || s == "*" {
		return recurrence.TargetAll
	}
	return s
}

// parseScheduleID accepts "12" and "#12".
func parseScheduleID(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%q is not a schedule id", s)
	}
	return n, nil
}

// userMessage turns a handler error into something safe to show in chat.
func userMessage(err error) string {
	var verr *recurrence.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, recurrence.ErrTransientStore):
		return "schedule storage is unavailable, try again later"
	}
	return err.Error()
}
