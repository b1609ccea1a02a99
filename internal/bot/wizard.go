package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ec2toggle/internal/recurrence"
	kit "ec2toggle/internal/transport"
	logx "ec2toggle/pkg/logx"
)

// The /schedule wizard walks target, action, days and time, then asks for
// confirmation. Buttons live on one message that is edited in place; the
// time is typed as a plain message.

var presetButtons = []struct {
	label string
	name  string
}{
	{"Weekdays", "weekdays"},
	{"Weekends", "weekends"},
	{"Daily", "daily"},
}

func (b *Bot) startWizard(ctx context.Context, req *Request) error {
	insts, err := b.ctrl.List(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	kb := make([][]kit.Button, 0, len(insts)+2)
	for _, inst := range insts {
		kb = append(kb, []kit.Button{{Text: stateIcon(inst.State) + " " + shortLabel(inst), Data: "wiz:target:" + inst.ID}})
	}
	kb = append(kb,
		[]kit.Button{{Text: "All instances", Data: "wiz:target:" + recurrence.TargetAll}},
		cancelRow(),
	)
	ref, err := b.router.adapter.SendText(ctx, req.Chat, "🗓 New schedule\n\nStep 1/4: choose the target.", &kit.SendOptions{Keyboard: kb})
	if err != nil {
		return fmt.Errorf("send wizard: %w", err)
	}
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, wizard{Step: stepTarget, MessageID: ref.MessageID})
	return nil
}

// wizardFor returns the caller's wizard if the pressed button belongs to it.
func (b *Bot) wizardFor(ctx context.Context, req *Request, step wizardStep) (wizard, bool) {
	w, ok := b.sessions.get(sessionKey{req.Chat.ChatID, req.FromID})
	if !ok || w.MessageID != req.MessageID {
		req.Answer = "this menu has expired, run /schedule again"
		if !ok {
			b.edit(ctx, req, req.MessageID, "🗓 Schedule wizard expired. Run /schedule again.", nil)
		}
		return wizard{}, false
	}
	if w.Step != step {
		req.Answer = "finish the current step first"
		return wizard{}, false
	}
	return w, true
}

func (b *Bot) cbWizTarget(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepTarget)
	if !ok {
		return nil
	}
	w.Target = normalizeTarget(req.Payload)
	w.Step = stepAction
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, w)

	kb := [][]kit.Button{
		{
			{Text: "▶ Start", Data: "wiz:action:" + string(recurrence.ActionStart)},
			{Text: "⏹ Stop", Data: "wiz:action:" + string(recurrence.ActionStop)},
		},
		cancelRow(),
	}
	b.edit(ctx, req, w.MessageID, fmt.Sprintf("🗓 New schedule\n\nTarget: %s\n\nStep 2/4: start or stop?", targetLabel(w.Target)), &kit.SendOptions{Keyboard: kb})
	return nil
}

func (b *Bot) cbWizAction(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepAction)
	if !ok {
		return nil
	}
	act, err := recurrence.ParseAction(req.Payload)
	if err != nil {
		req.Answer = "unknown action"
		return nil
	}
	w.Action = act
	w.Step = stepDays
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, w)
	b.renderDays(ctx, req, w)
	return nil
}

func (b *Bot) cbWizDay(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepDays)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(req.Payload)
	d := recurrence.Weekday(n)
	if err != nil || !d.Valid() {
		req.Answer = "unknown day"
		return nil
	}
	w.Weekdays ^= recurrence.NewWeekdaySet(d)
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, w)
	b.renderDays(ctx, req, w)
	return nil
}

func (b *Bot) cbWizPreset(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepDays)
	if !ok {
		return nil
	}
	set, err := recurrence.ParseWeekdaySet(req.Payload)
	if err != nil {
		req.Answer = "unknown preset"
		return nil
	}
	w.Weekdays = set
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, w)
	b.renderDays(ctx, req, w)
	return nil
}

func (b *Bot) cbWizNext(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepDays)
	if !ok {
		return nil
	}
	if w.Weekdays.Empty() {
		req.Answer = "pick at least one day"
		return nil
	}
	w.Step = stepTime
	b.sessions.put(sessionKey{req.Chat.ChatID, req.FromID}, w)
	b.edit(ctx, req, w.MessageID, fmt.Sprintf("🗓 New schedule\n\n%s\n\nStep 4/4: send the time as HH:MM (24h, %s), or /cancel.",
		wizardSummary(w), b.sched.Location()), nil)
	return nil
}

func (b *Bot) cbWizCancel(ctx context.Context, req *Request) error {
	b.sessions.drop(sessionKey{req.Chat.ChatID, req.FromID})
	b.edit(ctx, req, req.MessageID, "🗓 Schedule wizard cancelled.", nil)
	return nil
}

func (b *Bot) renderDays(ctx context.Context, req *Request, w wizard) {
	dayBtn := func(d recurrence.Weekday) kit.Button {
		label := d.String()
		if w.Weekdays.Has(d) {
			label = "✅ " + label
		}
		return kit.Button{Text: label, Data: "wiz:day:" + strconv.Itoa(int(d))}
	}
	presets := make([]kit.Button, 0, len(presetButtons))
	for _, p := range presetButtons {
		presets = append(presets, kit.Button{Text: p.label, Data: "wiz:preset:" + p.name})
	}
	kb := [][]kit.Button{
		{dayBtn(recurrence.Monday), dayBtn(recurrence.Tuesday), dayBtn(recurrence.Wednesday), dayBtn(recurrence.Thursday)},
		{dayBtn(recurrence.Friday), dayBtn(recurrence.Saturday), dayBtn(recurrence.Sunday)},
		presets,
		{{Text: "Next ▶", Data: "wiz:next:"}, {Text: "✖ Cancel", Data: "wiz:cancel:"}},
	}
	b.edit(ctx, req, w.MessageID, fmt.Sprintf("🗓 New schedule\n\n%s\n\nStep 3/4: pick the days.", wizardSummary(w)), &kit.SendOptions{Keyboard: kb})
}

// handleText receives plain messages. Only a wizard waiting for its time
// consumes them; everything else is ignored.
func (b *Bot) handleText(ctx context.Context, req *Request) error {
	key := sessionKey{req.Chat.ChatID, req.FromID}
	w, ok := b.sessions.get(key)
	if !ok || w.Step != stepTime {
		return nil
	}
	tod, err := recurrence.ParseTimeOfDay(req.Text)
	if err != nil {
		b.reply(ctx, req, "❌ "+userMessage(err)+"\nSend the time as HH:MM, or /cancel.", nil)
		return nil
	}
	w.TimeOfDay = tod
	w.Step = stepConfirm
	b.sessions.put(key, w)

	kb := [][]kit.Button{{{Text: "✅ Confirm", Data: "wiz:confirm:"}, {Text: "✖ Cancel", Data: "wiz:cancel:"}}}
	b.edit(ctx, req, w.MessageID, fmt.Sprintf("🗓 New schedule\n\n%s\n\nSave this schedule?", wizardSummary(w)), &kit.SendOptions{Keyboard: kb})
	b.reply(ctx, req, "Review the schedule above and press ✅ Confirm to save it.", nil)
	return nil
}

func (b *Bot) cbWizConfirm(ctx context.Context, req *Request) error {
	w, ok := b.wizardFor(ctx, req, stepConfirm)
	if !ok {
		return nil
	}
	b.sessions.drop(sessionKey{req.Chat.ChatID, req.FromID})

	req.Logger.Debug("wizard complete",
		logx.String("target", w.Target), logx.String("action", string(w.Action)), logx.String("days", w.Weekdays.String()))
	if err := b.create(ctx, req, scheduleArgs{
		Target:    w.Target,
		Action:    w.Action,
		Weekdays:  w.Weekdays,
		TimeOfDay: w.TimeOfDay,
	}); err != nil {
		return err
	}
	b.edit(ctx, req, w.MessageID, "🗓 "+wizardSummary(w), nil)
	return nil
}

func wizardSummary(w wizard) string {
	lines := []string{"Target: " + targetLabel(w.Target)}
	if w.Action != "" {
		lines = append(lines, "Action: "+strings.ToUpper(string(w.Action)))
	}
	if !w.Weekdays.Empty() {
		lines = append(lines, "Days: "+w.Weekdays.Label())
	}
	if w.Step == stepConfirm {
		lines = append(lines, "Time: "+w.TimeOfDay.String())
	}
	return strings.Join(lines, "\n")
}

func cancelRow() []kit.Button {
	return []kit.Button{{Text: "✖ Cancel", Data: "wiz:cancel:"}}
}
