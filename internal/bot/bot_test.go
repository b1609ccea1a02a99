package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"ec2toggle/internal/engine"
	"ec2toggle/internal/recurrence"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	"ec2toggle/internal/timer"
	kit "ec2toggle/internal/transport"
	logx "ec2toggle/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerUser  = int64(100) // private chat id equals user id
	groupChat  = int64(-500)
	groupUser  = int64(7)
	strangerID = int64(999)
)

type sent struct {
	chat int64
	text string
	opt  *kit.SendOptions
}

type edited struct {
	msgID int
	text  string
	opt   *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sent    []sent
	edits   []edited
	answers []string
	menu    []kit.BotCommand
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{chat: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{msgID: ref.MessageID, text: text, opt: opt})
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) lastSent() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) lastEdit() edited {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return edited{}
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeAdapter) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

// failingList makes List fail while leaving start/stop alone.
type failingList struct{ *resource.DryRun }

func (failingList) List(ctx context.Context) ([]resource.Instance, error) {
	return nil, errors.New("throttled")
}

type harness struct {
	bot     *Bot
	router  *Router
	adapter *fakeAdapter
	eng     *engine.Engine
	fleet   *resource.DryRun
	cbSeq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fleet := resource.NewDryRun([]resource.Instance{
		{ID: "i-1", Name: "web", State: resource.StateStopped},
		{ID: "i-2", Name: "db", State: resource.StateRunning},
	}, nil)
	return newHarnessWith(t, fleet, fleet)
}

func newHarnessWith(t *testing.T, fleet *resource.DryRun, ctrl resource.Controller) *harness {
	t.Helper()
	eng := engine.New(storage.NewMemory(), timer.NewHeap(logx.Nop()), ctrl, nil, engine.Options{Location: time.UTC})
	ad := &fakeAdapter{}
	r := NewRouter(ad, NewAuth([]int64{ownerUser}, []int64{groupChat}), RouterOptions{Workers: 1})
	b := New(eng, ctrl, r, Options{})
	b.Register()
	return &harness{bot: b, router: r, adapter: ad, eng: eng, fleet: fleet}
}

// dispatch routes one update and runs the queued handler inline.
func (h *harness) dispatch(up kit.Update) {
	h.router.route(context.Background(), up)
	for {
		select {
		case job := <-h.router.jobs:
			job()
		default:
			return
		}
	}
}

func (h *harness) say(chat, from int64, text string) sent {
	h.dispatch(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chat, FromID: from, Text: text, IsGroup: chat < 0,
	}})
	return h.adapter.lastSent()
}

func (h *harness) press(chat, from int64, msgID int, data string) string {
	h.cbSeq++
	h.dispatch(kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: fmt.Sprintf("cb-%d", h.cbSeq), ChatID: chat, FromID: from, MessageID: msgID, Data: data,
	}})
	return h.adapter.lastAnswer()
}

func buttonData(opt *kit.SendOptions) []string {
	if opt == nil {
		return nil
	}
	var out []string
	for _, row := range opt.Keyboard {
		for _, b := range row {
			out = append(out, b.Data)
		}
	}
	return out
}

func TestStrangerIsRejected(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "unauthorized", h.say(strangerID, strangerID, "/schedules").text)

	// /start is public and tells the stranger which ids to authorize.
	msg := h.say(strangerID, strangerID, "/start")
	assert.Contains(t, msg.text, "not authorized")
	assert.Contains(t, msg.text, "chat id: 999")

	assert.Equal(t, "forbidden", h.press(strangerID, strangerID, 1, "sched:delall:yes"))
}

func TestGroupMembersAreAuthorized(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.say(groupChat, groupUser, "/schedules@ec2_bot").text, "No schedules")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.say(ownerUser, ownerUser, "/reboot").text, "unknown command")

	// Silent in groups.
	before := len(h.adapter.sent)
	h.say(groupChat, groupUser, "/reboot")
	assert.Len(t, h.adapter.sent, before)
}

func TestScheduleCommandCreates(t *testing.T) {
	h := newHarness(t)
	msg := h.say(ownerUser, ownerUser, "/schedule i-1 start weekdays 08:00")
	assert.Contains(t, msg.text, "Schedule #1 created")
	assert.Contains(t, msg.text, "Days: weekdays")
	assert.Contains(t, msg.text, "Next run:")

	recs, err := h.eng.ListForOwner(context.Background(), ownerUser)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "i-1", recs[0].TargetID)
	assert.Equal(t, recurrence.Weekdays, recs[0].Weekdays)
	assert.Equal(t, 1, h.eng.Stats().Armed)
}

func TestScheduleRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.say(ownerUser, ownerUser, "/schedule i-9 start daily 08:00").text, `unknown instance "i-9"`)
	assert.Contains(t, h.say(ownerUser, ownerUser, "/schedule all stop 18:00").text, "usage: /schedule")
	assert.Contains(t, h.say(ownerUser, ownerUser, "/schedule all stop daily 24:00").text, "❌ invalid time_of_day")

	recs, err := h.eng.ListForOwner(context.Background(), ownerUser)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScheduleAcceptsTargetWhenListingFails(t *testing.T) {
	fleet := resource.NewDryRun(nil, nil)
	h := newHarnessWith(t, fleet, failingList{fleet})
	assert.Contains(t, h.say(ownerUser, ownerUser, "/schedule i-7 stop daily 20:00").text, "Schedule #1 created")
}

func TestListAndUnschedule(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule all stop daily 18:00")

	msg := h.say(ownerUser, ownerUser, "/schedules")
	assert.Contains(t, msg.text, "Schedules (1)")
	assert.Contains(t, msg.text, "#1 STOP ALL instances at 18:00 on every day")
	assert.Contains(t, buttonData(msg.opt), "sched:del:1")

	assert.Contains(t, h.say(ownerUser, ownerUser, "/unschedule 1").text, "Schedule #1 deleted")
	assert.Contains(t, h.say(ownerUser, ownerUser, "/unschedule 1").text, "Schedule #1 not found")
	assert.Equal(t, 0, h.eng.Stats().Armed)
}

func TestSchedulesArePerChat(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule all stop daily 18:00")

	assert.Contains(t, h.say(groupChat, groupUser, "/schedules").text, "No schedules")
	assert.Contains(t, h.say(groupChat, groupUser, "/unschedule 1").text, "not found")

	recs, err := h.eng.ListForOwner(context.Background(), ownerUser)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDeleteButtons(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule all stop daily 18:00")
	h.say(ownerUser, ownerUser, "/schedule all start weekdays 08:00")
	list := h.say(ownerUser, ownerUser, "/schedules")
	listID := len(h.adapter.sent)

	assert.Equal(t, "deleted #1", h.press(ownerUser, ownerUser, listID, "sched:del:1"))
	ed := h.adapter.lastEdit()
	assert.Equal(t, listID, ed.msgID)
	assert.Contains(t, ed.text, "Schedules (1)")
	assert.NotContains(t, buttonData(ed.opt), "sched:del:1")
	assert.Contains(t, buttonData(list.opt), "sched:delall:ask")

	assert.Equal(t, "#1 was already gone", h.press(ownerUser, ownerUser, listID, "sched:del:1"))

	h.press(ownerUser, ownerUser, listID, "sched:delall:ask")
	assert.Contains(t, buttonData(h.adapter.lastEdit().opt), "sched:delall:yes")
	h.press(ownerUser, ownerUser, listID, "sched:delall:yes")
	assert.Contains(t, h.adapter.lastEdit().text, "Deleted 1 schedule(s)")
	assert.Equal(t, 0, h.eng.Stats().Armed)
}

func TestUnscheduleAllCanBeCancelled(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule all stop daily 18:00")
	msg := h.say(ownerUser, ownerUser, "/unscheduleall")
	assert.Contains(t, buttonData(msg.opt), "sched:delall:no")

	h.press(ownerUser, ownerUser, len(h.adapter.sent), "sched:delall:no")
	assert.Equal(t, "Cancelled.", h.adapter.lastEdit().text)
	assert.Equal(t, 1, h.eng.Stats().Armed)
}

func TestManualToggle(t *testing.T) {
	h := newHarness(t)

	msg := h.say(ownerUser, ownerUser, "/startinstance i-1")
	assert.Contains(t, msg.text, "START i-1")
	assert.Contains(t, msg.text, "Success (start requested)")

	msg = h.say(ownerUser, ownerUser, "/startinstance i-1")
	assert.Contains(t, msg.text, "Success (already running)")

	msg = h.say(ownerUser, ownerUser, "/down all")
	assert.Contains(t, msg.text, "STOP ALL")
	assert.Contains(t, msg.text, "• i-1: Success")
	assert.Contains(t, msg.text, "• i-2: Success")

	assert.Equal(t, []string{"start i-1", "stop i-1", "stop i-2"}, sortedCalls(h.fleet))
	assert.Contains(t, h.say(ownerUser, ownerUser, "/stopinstance").text, "usage: /stopinstance")
}

func sortedCalls(d *resource.DryRun) []string {
	calls := d.Calls()
	// StopAll fans out concurrently.
	if len(calls) > 1 {
		slices.Sort(calls[1:])
	}
	return calls
}

func TestInstancesButtons(t *testing.T) {
	h := newHarness(t)
	msg := h.say(ownerUser, ownerUser, "/instances")
	assert.Contains(t, msg.text, "🔴 web (i-1) stopped")
	assert.Contains(t, msg.text, "🟢 db (i-2) running")
	data := buttonData(msg.opt)
	assert.Contains(t, data, "inst:start:i-1")
	assert.Contains(t, data, "inst:stop:i-2")

	listID := len(h.adapter.sent)
	h.press(ownerUser, ownerUser, listID, "inst:start:i-1")
	assert.Contains(t, h.adapter.lastSent().text, "START i-1")
	ed := h.adapter.lastEdit()
	assert.Equal(t, listID, ed.msgID)
	assert.Contains(t, ed.text, "🟢 web (i-1) running")
}

func TestWizardCreatesSchedule(t *testing.T) {
	h := newHarness(t)
	start := h.say(groupChat, groupUser, "/schedule")
	assert.Contains(t, start.text, "Step 1/4")
	assert.Contains(t, buttonData(start.opt), "wiz:target:i-1")
	assert.Contains(t, buttonData(start.opt), "wiz:target:all")
	wizID := len(h.adapter.sent)

	h.press(groupChat, groupUser, wizID, "wiz:target:i-2")
	assert.Contains(t, h.adapter.lastEdit().text, "Step 2/4")

	h.press(groupChat, groupUser, wizID, "wiz:action:stop")
	assert.Contains(t, h.adapter.lastEdit().text, "Step 3/4")

	assert.Equal(t, "pick at least one day", h.press(groupChat, groupUser, wizID, "wiz:next:"))

	h.press(groupChat, groupUser, wizID, "wiz:day:0")
	h.press(groupChat, groupUser, wizID, "wiz:day:2")
	h.press(groupChat, groupUser, wizID, "wiz:day:4")
	h.press(groupChat, groupUser, wizID, "wiz:day:4")
	assert.Contains(t, buttonData(h.adapter.lastEdit().opt), "wiz:next:")
	assert.Contains(t, h.adapter.lastEdit().text, "Days: Mon, Wed")

	h.press(groupChat, groupUser, wizID, "wiz:next:")
	assert.Contains(t, h.adapter.lastEdit().text, "Step 4/4")

	// Another member's text is not consumed by this wizard.
	h.say(groupChat, groupUser+1, "19:00")
	recs, err := h.eng.ListForOwner(context.Background(), groupChat)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.Contains(t, h.say(groupChat, groupUser, "half past six").text, "not HH:MM")
	assert.Contains(t, h.say(groupChat, groupUser, "18:30").text, "Confirm")
	review := h.adapter.lastEdit()
	assert.Contains(t, review.text, "Time: 18:30")
	assert.Contains(t, buttonData(review.opt), "wiz:confirm:")

	// Nothing is saved until the confirmation.
	recs, err = h.eng.ListForOwner(context.Background(), groupChat)
	require.NoError(t, err)
	assert.Empty(t, recs)
	h.say(groupChat, groupUser, "19:00")
	assert.Equal(t, "finish the current step first", h.press(groupChat, groupUser, wizID, "wiz:next:"))

	h.press(groupChat, groupUser, wizID, "wiz:confirm:")
	assert.Contains(t, h.adapter.lastSent().text, "Schedule #1 created")
	assert.Empty(t, buttonData(h.adapter.lastEdit().opt))

	recs, err = h.eng.ListForOwner(context.Background(), groupChat)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "i-2", recs[0].TargetID)
	assert.Equal(t, recurrence.ActionStop, recs[0].Action)
	assert.Equal(t, recurrence.NewWeekdaySet(recurrence.Monday, recurrence.Wednesday), recs[0].Weekdays)
	assert.Equal(t, recurrence.TimeOfDay{Hour: 18, Minute: 30}, recs[0].TimeOfDay)

	assert.Equal(t, 0, h.bot.sessions.len())
}

func TestWizardIgnoresStaleButtons(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule")
	wizID := len(h.adapter.sent)

	assert.Contains(t, h.press(ownerUser, ownerUser, wizID-1, "wiz:target:all"), "expired")
	assert.Equal(t, "finish the current step first", h.press(ownerUser, ownerUser, wizID, "wiz:action:start"))

	assert.Equal(t, "finish the current step first", h.press(ownerUser, ownerUser, wizID, "wiz:preset:weekends"))

	assert.Contains(t, h.say(ownerUser, ownerUser, "/cancel").text, "Cancelled.")
	assert.Contains(t, h.say(ownerUser, ownerUser, "/cancel").text, "Nothing to cancel.")
	assert.Contains(t, h.press(ownerUser, ownerUser, wizID, "wiz:target:all"), "expired")
}

func TestWizardCancelAtConfirmSavesNothing(t *testing.T) {
	h := newHarness(t)
	h.say(ownerUser, ownerUser, "/schedule")
	wizID := len(h.adapter.sent)
	h.press(ownerUser, ownerUser, wizID, "wiz:target:all")
	h.press(ownerUser, ownerUser, wizID, "wiz:action:start")
	h.press(ownerUser, ownerUser, wizID, "wiz:preset:weekdays")
	h.press(ownerUser, ownerUser, wizID, "wiz:next:")
	assert.Equal(t, "finish the current step first", h.press(ownerUser, ownerUser, wizID, "wiz:confirm:"))
	h.say(ownerUser, ownerUser, "07:45")

	h.press(ownerUser, ownerUser, wizID, "wiz:cancel:")
	assert.Contains(t, h.adapter.lastEdit().text, "cancelled")
	assert.Contains(t, h.press(ownerUser, ownerUser, wizID, "wiz:confirm:"), "expired")

	recs, err := h.eng.ListForOwner(context.Background(), ownerUser)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, h.bot.sessions.len())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.bot.status = func() []string { return []string{"Notifier queue: 0"} }
	h.say(ownerUser, ownerUser, "/schedule all stop daily 18:00")

	msg := h.say(ownerUser, ownerUser, "/status")
	assert.Contains(t, msg.text, "Timezone: UTC")
	assert.Contains(t, msg.text, "Schedules armed: 1")
	assert.Contains(t, msg.text, "Notifier queue: 0")
}

func TestUnknownCallbackIsAnswered(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "unknown action", h.press(ownerUser, ownerUser, 1, "nope:x:y"))
}

func TestDispatchLoopServesHelpAndMenu(t *testing.T) {
	h := newHarness(t)
	updates := make(chan kit.Update, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.router.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: strangerID, FromID: strangerID, Text: "/help"}}
	require.Eventually(t, func() bool {
		return strings.Contains(h.adapter.lastSent().text, "/schedule [<id|all>")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.adapter.mu.Lock()
		defer h.adapter.mu.Unlock()
		return len(h.adapter.menu) > 0
	}, 2*time.Second, 10*time.Millisecond)
	h.adapter.mu.Lock()
	names := make([]string, 0, len(h.adapter.menu))
	for _, c := range h.adapter.menu {
		names = append(names, c.Command)
	}
	h.adapter.mu.Unlock()
	assert.Contains(t, names, "schedules")
	assert.Contains(t, names, "help")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(ctx context.Context, req *Request) error {
		panic("boom")
	}, MWPanicRecover(logx.Nop()), mark("a"), mark("b"))

	err := h(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestMiddlewareTimeout(t *testing.T) {
	h := Chain(func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, MWTimeout(10*time.Millisecond))
	assert.ErrorIs(t, h(context.Background(), &Request{}), context.DeadlineExceeded)
}
