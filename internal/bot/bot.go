package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ec2toggle/internal/engine"
	"ec2toggle/internal/recurrence"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	kit "ec2toggle/internal/transport"
	logx "ec2toggle/pkg/logx"

	"github.com/samber/lo"
)

// Scheduler is the part of the engine the chat front-end drives.
type Scheduler interface {
	CreateRecurringSchedule(ctx context.Context, req engine.CreateRequest) (storage.Record, error)
	DeleteByID(ctx context.Context, id, ownerID int64) (bool, error)
	DeleteAllForOwner(ctx context.Context, ownerID int64) (int, error)
	ListForOwner(ctx context.Context, ownerID int64) ([]storage.Record, error)
	Stats() engine.Stats
	Location() *time.Location
}

type Options struct {
	SessionTTL time.Duration
	// Status returns extra /status lines (supervisor, notifier queue).
	Status func() []string
	Now    func() time.Time
	Logger logx.Logger
}

type Bot struct {
	sched    Scheduler
	ctrl     resource.Controller
	router   *Router
	log      logx.Logger
	sessions *sessions
	status   func() []string
	now      func() time.Time
	started  time.Time
}

func New(sched Scheduler, ctrl resource.Controller, router *Router, opt Options) *Bot {
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	b := &Bot{
		sched:    sched,
		ctrl:     ctrl,
		router:   router,
		log:      opt.Logger,
		sessions: newSessions(opt.SessionTTL),
		status:   opt.Status,
		now:      opt.Now,
	}
	b.sessions.now = opt.Now
	b.started = opt.Now()
	return b
}

// Register installs the bot's commands and buttons on its router.
func (b *Bot) Register() {
	b.router.SetRegistry(b.commands(), b.callbacks(), b.handleText)
}

func (b *Bot) commands() []Command {
	return []Command{
		{Name: "start", Description: "welcome and chat id", Access: AccessEveryone, Handle: b.handleStart},
		{Name: "instances", Aliases: []string{"ls"}, Description: "list instances and their state", Handle: b.handleInstances},
		{Name: "startinstance", Aliases: []string{"up"}, Usage: "/startinstance <id|all>", Description: "start an instance now", Handle: b.handleToggle(recurrence.ActionStart)},
		{Name: "stopinstance", Aliases: []string{"down"}, Usage: "/stopinstance <id|all>", Description: "stop an instance now", Handle: b.handleToggle(recurrence.ActionStop)},
		{Name: "schedule", Aliases: []string{"add"}, Usage: "/schedule [<id|all> <start|stop> <days> <HH:MM>]", Description: "create a weekly schedule", Handle: b.handleSchedule},
		{Name: "schedules", Aliases: []string{"list"}, Description: "list schedules of this chat", Handle: b.handleSchedules},
		{Name: "unschedule", Aliases: []string{"rm"}, Usage: "/unschedule <id>", Description: "delete a schedule", Handle: b.handleUnschedule},
		{Name: "unscheduleall", Description: "delete every schedule of this chat", Handle: b.handleUnscheduleAll},
		{Name: "status", Description: "scheduler status", Handle: b.handleStatus},
		{Name: "cancel", Description: "abort the schedule wizard", Handle: b.handleCancel},
	}
}

func (b *Bot) callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Prefix: "inst", Action: "start", Handle: b.cbToggle(recurrence.ActionStart)},
		{Prefix: "inst", Action: "stop", Handle: b.cbToggle(recurrence.ActionStop)},
		{Prefix: "inst", Action: "refresh", Handle: b.cbInstancesRefresh},
		{Prefix: "sched", Action: "del", Handle: b.cbDelete},
		{Prefix: "sched", Action: "delall", Handle: b.cbDeleteAll},
		{Prefix: "wiz", Action: "target", Handle: b.cbWizTarget},
		{Prefix: "wiz", Action: "action", Handle: b.cbWizAction},
		{Prefix: "wiz", Action: "day", Handle: b.cbWizDay},
		{Prefix: "wiz", Action: "preset", Handle: b.cbWizPreset},
		{Prefix: "wiz", Action: "next", Handle: b.cbWizNext},
		{Prefix: "wiz", Action: "confirm", Handle: b.cbWizConfirm},
		{Prefix: "wiz", Action: "cancel", Handle: b.cbWizCancel},
	}
}

func (b *Bot) reply(ctx context.Context, req *Request, text string, opt *kit.SendOptions) {
	b.router.Reply(ctx, req, text, opt)
}

// edit replaces the text of the message that carried the pressed button.
func (b *Bot) edit(ctx context.Context, req *Request, msgID int, text string, opt *kit.SendOptions) {
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: msgID}
	if err := b.router.adapter.EditText(ctx, ref, text, opt); err != nil {
		req.Logger.Debug("edit failed", logx.Int("message_id", msgID), logx.Err(err))
	}
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	if !b.router.auth.Allowed(req.Chat.ChatID, req.FromID) {
		b.reply(ctx, req, fmt.Sprintf("This chat is not authorized.\n\nchat id: %d\nuser id: %d", req.Chat.ChatID, req.FromID), nil)
		return nil
	}
	b.reply(ctx, req, "👋 EC2 Toggle\n\n"+
		"/instances shows your instances and lets you start or stop them.\n"+
		"/schedule creates a weekly start or stop.\n"+
		"/schedules lists what is scheduled for this chat.\n\n"+
		"Times are in "+b.sched.Location().String()+".", nil)
	return nil
}

func (b *Bot) handleInstances(ctx context.Context, req *Request) error {
	text, kb, err := b.instancesView(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	b.reply(ctx, req, text, &kit.SendOptions{Keyboard: kb})
	return nil
}

func (b *Bot) cbInstancesRefresh(ctx context.Context, req *Request) error {
	text, kb, err := b.instancesView(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	b.edit(ctx, req, req.MessageID, text, &kit.SendOptions{Keyboard: kb})
	return nil
}

func (b *Bot) instancesView(ctx context.Context) (string, [][]kit.Button, error) {
	insts, err := b.ctrl.List(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(insts) == 0 {
		return "No instances found.", nil, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🖥 Instances (%d)\n\n", len(insts))
	kb := make([][]kit.Button, 0, len(insts)+2)
	for _, inst := range insts {
		fmt.Fprintf(&sb, "%s %s %s\n", stateIcon(inst.State), instanceLabel(inst), inst.State)
		switch inst.State {
		case resource.StateStopped:
			kb = append(kb, []kit.Button{{Text: "▶ Start " + shortLabel(inst), Data: "inst:start:" + inst.ID}})
		case resource.StateRunning:
			kb = append(kb, []kit.Button{{Text: "⏹ Stop " + shortLabel(inst), Data: "inst:stop:" + inst.ID}})
		}
	}
	kb = append(kb,
		[]kit.Button{
			{Text: "▶ Start all", Data: "inst:start:" + recurrence.TargetAll},
			{Text: "⏹ Stop all", Data: "inst:stop:" + recurrence.TargetAll},
		},
		[]kit.Button{{Text: "🔄 Refresh", Data: "inst:refresh:"}},
	)
	return strings.TrimRight(sb.String(), "\n"), kb, nil
}

func (b *Bot) handleToggle(action recurrence.Action) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			b.reply(ctx, req, fmt.Sprintf("usage: /%sinstance <id|all>", action), nil)
			return nil
		}
		text, err := b.toggle(ctx, req, normalizeTarget(req.Args[0]), action)
		if err != nil {
			return err
		}
		b.reply(ctx, req, text, nil)
		return nil
	}
}

func (b *Bot) cbToggle(action recurrence.Action) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		target := normalizeTarget(req.Payload)
		if target == "" {
			return nil
		}
		text, err := b.toggle(ctx, req, target, action)
		if err != nil {
			return err
		}
		b.reply(ctx, req, text, nil)
		if view, kb, err := b.instancesView(ctx); err == nil {
			b.edit(ctx, req, req.MessageID, view, &kit.SendOptions{Keyboard: kb})
		}
		return nil
	}
}

// toggle runs a manual start/stop and renders the outcome.
func (b *Bot) toggle(ctx context.Context, req *Request, target string, action recurrence.Action) (string, error) {
	req.Logger.Info("manual action", logx.String("target", target), logx.String("action", string(action)))
	icon := "▶"
	if action == recurrence.ActionStop {
		icon = "⏹"
	}
	verb := strings.ToUpper(string(action))

	if target == recurrence.TargetAll {
		var (
			results []resource.Result
			err     error
		)
		if action == recurrence.ActionStart {
			results, err = b.ctrl.StartAll(ctx)
		} else {
			results, err = b.ctrl.StopAll(ctx)
		}
		if err != nil {
			return "", fmt.Errorf("%s all: %w", action, err)
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s ALL\n\n", icon, verb)
		if len(results) == 0 {
			sb.WriteString("No instances processed.")
			return sb.String(), nil
		}
		for _, r := range results {
			fmt.Fprintf(&sb, "• %s: %s\n", r.ResourceID, engine.ResultStatus(r))
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}

	var r resource.Result
	if action == recurrence.ActionStart {
		r = b.ctrl.Start(ctx, target)
	} else {
		r = b.ctrl.Stop(ctx, target)
	}
	return fmt.Sprintf("%s %s %s\nStatus: %s", icon, verb, target, engine.ResultStatus(r)), nil
}

func (b *Bot) handleSchedule(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return b.startWizard(ctx, req)
	}
	args, err := parseScheduleArgs(req.Args)
	if err != nil {
		return err
	}
	return b.create(ctx, req, args)
}

// create validates the target against the fleet and hands the rule to the
// engine. A fleet that cannot be listed does not block creation.
func (b *Bot) create(ctx context.Context, req *Request, args scheduleArgs) error {
	if args.Target != recurrence.TargetAll {
		insts, err := b.ctrl.List(ctx)
		switch {
		case err != nil:
			req.Logger.Warn("target not verified; instance listing failed", logx.String("target", args.Target), logx.Err(err))
		case !lo.ContainsBy(insts, func(i resource.Instance) bool { return i.ID == args.Target }):
			return &recurrence.ValidationError{Field: "target", Reason: fmt.Sprintf("unknown instance %q (see /instances)", args.Target)}
		}
	}

	rec, err := b.sched.CreateRecurringSchedule(ctx, engine.CreateRequest{
		OwnerID:   req.OwnerID(),
		TargetID:  args.Target,
		Action:    args.Action,
		Weekdays:  args.Weekdays,
		TimeOfDay: args.TimeOfDay,
	})
	if err != nil {
		return err
	}
	b.reply(ctx, req, b.createdText(rec), nil)
	return nil
}

func (b *Bot) createdText(rec storage.Record) string {
	loc := b.sched.Location()
	return fmt.Sprintf("✅ Schedule #%d created\n\nTarget: %s\nAction: %s\nDays: %s\nTime: %s (%s)\nNext run: %s",
		rec.ID,
		targetLabel(rec.TargetID),
		strings.ToUpper(string(rec.Action)),
		rec.Weekdays.Label(),
		rec.TimeOfDay,
		loc,
		engine.FormatLocal(rec.NextFire, loc),
	)
}

func (b *Bot) handleSchedules(ctx context.Context, req *Request) error {
	text, kb, err := b.schedulesView(ctx, req.OwnerID())
	if err != nil {
		return err
	}
	b.reply(ctx, req, text, &kit.SendOptions{Keyboard: kb})
	return nil
}

func (b *Bot) schedulesView(ctx context.Context, owner int64) (string, [][]kit.Button, error) {
	recs, err := b.sched.ListForOwner(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	if len(recs) == 0 {
		return "No schedules. Create one with /schedule.", nil, nil
	}
	loc := b.sched.Location()
	lines := lo.Map(recs, func(r storage.Record, _ int) string { return engine.DescribeRecord(r, loc) })
	buttons := lo.Map(recs, func(r storage.Record, _ int) kit.Button {
		return kit.Button{Text: fmt.Sprintf("🗑 #%d", r.ID), Data: "sched:del:" + strconv.FormatInt(r.ID, 10)}
	})
	kb := lo.Chunk(buttons, 4)
	kb = append(kb, []kit.Button{{Text: "🗑 Delete all", Data: "sched:delall:ask"}})
	return fmt.Sprintf("🗓 Schedules (%d)\n\n%s", len(recs), strings.Join(lines, "\n")), kb, nil
}

func (b *Bot) handleUnschedule(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		b.reply(ctx, req, "usage: /unschedule <id>", nil)
		return nil
	}
	id, err := parseScheduleID(req.Args[0])
	if err != nil {
		return err
	}
	ok, err := b.sched.DeleteByID(ctx, id, req.OwnerID())
	if err != nil {
		return err
	}
	if !ok {
		b.reply(ctx, req, fmt.Sprintf("Schedule #%d not found.", id), nil)
		return nil
	}
	b.reply(ctx, req, fmt.Sprintf("🗑 Schedule #%d deleted.", id), nil)
	return nil
}

func (b *Bot) cbDelete(ctx context.Context, req *Request) error {
	id, err := parseScheduleID(req.Payload)
	if err != nil {
		req.Answer = "invalid schedule"
		return nil
	}
	ok, err := b.sched.DeleteByID(ctx, id, req.OwnerID())
	if err != nil {
		return err
	}
	if ok {
		req.Answer = fmt.Sprintf("deleted #%d", id)
	} else {
		req.Answer = fmt.Sprintf("#%d was already gone", id)
	}
	text, kb, err := b.schedulesView(ctx, req.OwnerID())
	if err != nil {
		return err
	}
	b.edit(ctx, req, req.MessageID, text, &kit.SendOptions{Keyboard: kb})
	return nil
}

func (b *Bot) handleUnscheduleAll(ctx context.Context, req *Request) error {
	b.reply(ctx, req, "Delete every schedule of this chat?", &kit.SendOptions{Keyboard: deleteAllConfirm()})
	return nil
}

func deleteAllConfirm() [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Yes, delete all", Data: "sched:delall:yes"},
		{Text: "Cancel", Data: "sched:delall:no"},
	}}
}

func (b *Bot) cbDeleteAll(ctx context.Context, req *Request) error {
	switch req.Payload {
	case "ask":
		b.edit(ctx, req, req.MessageID, "Delete every schedule of this chat?", &kit.SendOptions{Keyboard: deleteAllConfirm()})
	case "yes":
		n, err := b.sched.DeleteAllForOwner(ctx, req.OwnerID())
		if err != nil {
			return err
		}
		req.Logger.Info("schedules deleted", logx.Int("count", n))
		b.edit(ctx, req, req.MessageID, fmt.Sprintf("🗑 Deleted %d schedule(s).", n), nil)
	default:
		b.edit(ctx, req, req.MessageID, "Cancelled.", nil)
	}
	return nil
}

func (b *Bot) handleStatus(ctx context.Context, req *Request) error {
	st := b.sched.Stats()
	loc := b.sched.Location()
	now := b.now()

	lines := []string{
		"📊 Status",
		"",
		fmt.Sprintf("Timezone: %s (now %s)", loc, engine.FormatLocal(now, loc)),
		fmt.Sprintf("Uptime: %s", now.Sub(b.started).Truncate(time.Second)),
		fmt.Sprintf("Schedules armed: %d, firing: %d, pending persist: %d", st.Armed, st.Firing, st.PendingPersist),
		fmt.Sprintf("Executions: %d", st.Fires),
	}
	if !st.LastSweep.IsZero() {
		lines = append(lines, "Last sweep: "+engine.FormatLocal(st.LastSweep, loc))
	}
	lines = append(lines, fmt.Sprintf("Open wizards: %d", b.sessions.len()))
	if n := b.router.Dropped(); n > 0 {
		lines = append(lines, fmt.Sprintf("Dropped requests: %d", n))
	}
	if b.status != nil {
		lines = append(lines, b.status()...)
	}
	b.reply(ctx, req, strings.Join(lines, "\n"), nil)
	return nil
}

func (b *Bot) handleCancel(ctx context.Context, req *Request) error {
	if b.sessions.drop(sessionKey{req.Chat.ChatID, req.FromID}) {
		b.reply(ctx, req, "Cancelled.", nil)
		return nil
	}
	b.reply(ctx, req, "Nothing to cancel.", nil)
	return nil
}

func stateIcon(state string) string {
	switch state {
	case resource.StateRunning:
		return "🟢"
	case resource.StateStopped:
		return "🔴"
	}
	return "🟡"
}

func instanceLabel(inst resource.Instance) string {
	if inst.Name == "" || inst.Name == inst.ID {
		return inst.ID
	}
	return inst.Name + " (" + inst.ID + ")"
}

func shortLabel(inst resource.Instance) string {
	s := inst.Name
	if s == "" {
		s = inst.ID
	}
	if r := []rune(s); len(r) > 24 {
		s = string(r[:23]) + "…"
	}
	return s
}

func targetLabel(target string) string {
	if target == recurrence.TargetAll {
		return "all instances"
	}
	return target
}
