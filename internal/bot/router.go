// Package bot is the chat front-end: command routing, access control and the
// handlers that drive the schedule engine and the instance controller.
package bot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "ec2toggle/internal/runtime/supervisor"
	kit "ec2toggle/internal/transport"
	logx "ec2toggle/pkg/logx"

	"github.com/samber/lo"
)

type Access int

const (
	// AccessAuthorized is the zero value: owners and authorized chats only.
	AccessAuthorized Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Hidden      bool          // kept out of /help and the menu
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackRoute handles inline button data "<prefix>:<action>:<payload>".
type CallbackRoute struct {
	Prefix  string
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // command name or "prefix:action"
	Args    []string
	Text    string // raw message text
	Payload string // callback payload

	// MessageID is the message carrying the pressed button (callbacks only).
	MessageID int
	// Answer is shown as a toast once a callback handler returns.
	Answer string
	ReqID  string
	Logger logx.Logger
}

// OwnerID is the id schedules created by this request belong to. Schedules
// are shared per chat, so everyone in an authorized group sees the same list.
func (r *Request) OwnerID() int64 { return r.Chat.ChatID }

// Auth decides who may use authorized commands. Safe for concurrent use and
// hot reload.
type Auth struct {
	mu     sync.RWMutex
	owners map[int64]struct{}
	chats  map[int64]struct{}
}

func NewAuth(owners, chats []int64) *Auth {
	a := &Auth{}
	a.Set(owners, chats)
	return a
}

func (a *Auth) Set(owners, chats []int64) {
	toSet := func(ids []int64) map[int64]struct{} {
		return lo.SliceToMap(ids, func(id int64) (int64, struct{}) { return id, struct{}{} })
	}
	o, c := toSet(owners), toSet(chats)
	a.mu.Lock()
	a.owners, a.chats = o, c
	a.mu.Unlock()
}

// Allowed reports whether fromID is an owner or chatID is an authorized chat.
func (a *Auth) Allowed(chatID, fromID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.owners[fromID]; ok {
		return true
	}
	_, ok := a.chats[chatID]
	return ok
}

func (a *Auth) Empty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.owners) == 0 && len(a.chats) == 0
}

type RouterOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // default per-request timeout
	Logger    logx.Logger
}

type Router struct {
	adapter kit.Adapter
	auth    *Auth
	log     logx.Logger
	workers int
	timeout time.Duration

	mu        sync.RWMutex
	cmds      map[string]Command // name and aliases
	list      []Command
	callbacks map[string]map[string]CallbackRoute // prefix -> action -> route
	text      HandlerFunc

	jobs    chan func()
	dropped atomic.Uint64
}

func NewRouter(adapter kit.Adapter, auth *Auth, opt RouterOptions) *Router {
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Timeout <= 0 {
		opt.Timeout = time.Minute
	}
	if auth == nil {
		auth = NewAuth(nil, nil)
	}
	return &Router{
		adapter:   adapter,
		auth:      auth,
		log:       opt.Logger,
		workers:   opt.Workers,
		timeout:   opt.Timeout,
		cmds:      map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		jobs:      make(chan func(), opt.QueueSize),
	}
}

// SetRegistry replaces the command set. /help is always injected. text, when
// set, receives authorized non-command messages.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			r.Reply(ctx, req, r.helpText(), nil)
			return nil
		},
	}
	cmds = append(slices.Clone(cmds), helper)

	byName := map[string]Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = c
			}
		}
		list = append(list, c)
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		p := strings.TrimSpace(rt.Prefix)
		a := strings.TrimSpace(rt.Action)
		if p == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[p] == nil {
			cb[p] = map[string]CallbackRoute{}
		}
		cb[p][a] = rt
	}

	r.mu.Lock()
	r.cmds = byName
	r.list = list
	r.callbacks = cb
	r.text = text
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.list)
}

// Dropped counts requests refused because the job queue was full.
func (r *Router) Dropped() uint64 { return r.dropped.Load() }

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), r.worker,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	sup.Go0("command.menu", r.updateMenu)

	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	defer func() {
		close(r.jobs)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := sup.Wait(sctx); err != nil {
			r.log.Warn("command workers did not stop in time", logx.Err(err))
		}
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			if job != nil {
				job()
			}
		}
	}
}

// tryEnqueue never blocks the dispatch loop.
func (r *Router) tryEnqueue(job func()) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	req := &Request{
		Update: up,
		Chat:   kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		Text:   text,
	}

	parts := tokenizeCommandLine(text)
	word, isCmd := "", false
	if len(parts) > 0 {
		word, isCmd = commandWord(parts[0])
	}
	if !isCmd {
		r.mu.RLock()
		th := r.text
		r.mu.RUnlock()
		if th == nil || !r.auth.Allowed(msg.ChatID, msg.FromID) {
			return
		}
		req.Command = "text"
		r.enqueue(ctx, req, th, r.timeout)
		return
	}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		// Group chats see commands meant for other bots; stay quiet there.
		if !msg.IsGroup {
			r.Reply(ctx, req, "unknown command. try /help", nil)
		}
		return
	}
	if cmd.Access != AccessEveryone && !r.auth.Allowed(msg.ChatID, msg.FromID) {
		r.log.Info("unauthorized command",
			logx.String("cmd", cmd.Name), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
		r.Reply(ctx, req, "unauthorized", nil)
		return
	}

	req.Command = cmd.Name
	req.Args = parts[1:]
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	r.enqueue(ctx, req, cmd.Handle, timeout)
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	answer := func(text string) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, text)
	}

	prefix, rest, _ := strings.Cut(cb.Data, ":")
	action, payload, _ := strings.Cut(rest, ":")

	r.mu.RLock()
	rt, ok := r.callbacks[prefix][action]
	r.mu.RUnlock()
	if !ok {
		answer("unknown action")
		return
	}
	if !r.auth.Allowed(cb.ChatID, cb.FromID) {
		answer("forbidden")
		return
	}

	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:    cb.FromID,
		Command:   prefix + ":" + action,
		Payload:   payload,
		MessageID: cb.MessageID,
	}
	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	handle := rt.Handle
	wrapped := func(hctx context.Context, req *Request) error {
		err := handle(hctx, req)
		// The spinner on the button stops only once answered.
		_ = r.adapter.AnswerCallback(context.WithoutCancel(hctx), cb.ID, req.Answer)
		return err
	}
	if !r.enqueue(ctx, req, wrapped, timeout) {
		answer("busy, try again")
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) bool {
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
	)
	run := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(func(ctx context.Context, req *Request, text string) { r.Reply(ctx, req, text, nil) }),
		MWTimeout(timeout),
	)
	ok := r.tryEnqueue(func() { _ = run(ctx, req) })
	if !ok && req.Update.Kind == kit.UpdateMessage {
		r.log.Warn("command queue full; request dropped", logx.String("cmd", req.Command))
		r.Reply(ctx, req, "busy, try again", nil)
	}
	return ok
}

// Reply sends text to the request's chat. Errors are logged, not returned.
func (r *Router) Reply(ctx context.Context, req *Request, text string, opt *kit.SendOptions) {
	if _, err := r.adapter.SendText(ctx, req.Chat, text, opt); err != nil {
		log := r.log
		if !req.Logger.IsZero() {
			log = req.Logger
		}
		log.Warn("reply failed", logx.Int64("chat_id", req.Chat.ChatID), logx.Err(err))
	}
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.Commands() {
		if c.Hidden {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) updateMenu(ctx context.Context) {
	mu, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := lo.FilterMap(r.Commands(), func(c Command, _ int) (kit.BotCommand, bool) {
		return kit.BotCommand{Command: c.Name, Description: c.Description}, !c.Hidden
	})
	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mu.UpdateMenuCommands(mctx, menu); err != nil {
		r.log.Warn("command menu update failed", logx.Err(err))
	}
}
