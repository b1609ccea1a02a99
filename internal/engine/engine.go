// Package engine turns recurring schedule records into armed timers and runs
// them: start/stop the target, notify, compute the next occurrence, persist,
// re-arm.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ec2toggle/internal/recurrence"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	"ec2toggle/internal/timer"
	logx "ec2toggle/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Notifier receives execution reports. Delivery is best-effort.
type Notifier interface {
	NotifyOwner(ownerID int64, text string)
}

type Options struct {
	Location      *time.Location
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        logx.Logger
}

// CreateRequest is what the chat front-end collects before creating a schedule.
type CreateRequest struct {
	OwnerID   int64
	TargetID  string
	Action    recurrence.Action
	Weekdays  recurrence.WeekdaySet
	TimeOfDay recurrence.TimeOfDay
}

// Stats is a best-effort view for status output.
type Stats struct {
	Armed          int
	Firing         int
	PendingPersist int
	Fires          uint64
	LastSweep      time.Time
}

// Engine is safe for concurrent use. Transitions of one record are serialized
// by that record's slot; unrelated records never wait on each other.
type Engine struct {
	store  storage.Store
	timers timer.Driver
	ctrl   resource.Controller
	notify Notifier
	log    logx.Logger
	loc    *time.Location
	now    func() time.Time
	every  time.Duration

	mu        sync.Mutex
	running   bool
	base      context.Context // firings; never canceled
	ctx       context.Context // sweeps; canceled on Stop
	cancel    context.CancelFunc
	cron      *cron.Cron
	slots     map[int64]*slot
	pending   map[int64]time.Time // next fire armed in memory but not yet persisted
	fires     uint64
	lastSweep time.Time
	inflight  sync.WaitGroup
}

type slot struct {
	mu      sync.Mutex
	firing  bool
	deleted bool
}

func New(store storage.Store, timers timer.Driver, ctrl resource.Controller, notify Notifier, opt Options) *Engine {
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = time.Minute
	}
	return &Engine{
		store:   store,
		timers:  timers,
		ctrl:    ctrl,
		notify:  notify,
		log:     opt.Logger,
		loc:     opt.Location,
		now:     opt.Now,
		every:   opt.SweepInterval,
		slots:   map[int64]*slot{},
		pending: map[int64]time.Time{},
	}
}

func (e *Engine) Location() *time.Location { return e.loc }

// Start loads every active record and arms it. Records already due are armed
// for immediate firing. A store failure here is fatal: running with an empty
// schedule set would silently drop pending automation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	recs, err := e.store.AllActive(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", recurrence.StoreError("all_active", err))
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.base = context.WithoutCancel(ctx)
	e.ctx, e.cancel = context.WithCancel(e.base)
	e.running = true
	e.cron = cron.New(
		cron.WithLocation(e.loc),
		cron.WithLogger(cronLogger{e.log}),
		cron.WithChain(cron.Recover(cronLogger{e.log}), cron.SkipIfStillRunning(cronLogger{e.log})),
	)
	c := e.cron
	e.mu.Unlock()

	now := e.now()
	overdue := 0
	for _, rec := range recs {
		if !rec.NextFire.After(now) {
			overdue++
		}
		e.arm(rec.ID, rec.NextFire)
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", e.every), e.sweep); err != nil {
		e.Stop(context.Background())
		return fmt.Errorf("register sweep: %w", err)
	}
	c.Start()

	e.log.Info("engine started",
		logx.Int("schedules", len(recs)),
		logx.Int("catch_up", overdue),
		logx.String("tz", e.loc.String()),
		logx.Duration("sweep", e.every),
	)
	return nil
}

// Stop disarms everything and waits for in-flight firings until ctx is done.
// Firings are never interrupted; a firing that outlives ctx keeps running.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	c, cancel := e.cron, e.cancel
	e.cron = nil
	e.mu.Unlock()

	cancel()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	n := e.timers.CancelAll()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped", logx.Int("disarmed", n))
	case <-ctx.Done():
		e.log.Warn("engine stop timed out with firings in flight", logx.Err(ctx.Err()))
	}
}

// CreateRecurringSchedule validates the rule, persists it with its first
// occurrence and arms it.
func (e *Engine) CreateRecurringSchedule(ctx context.Context, req CreateRequest) (storage.Record, error) {
	rec := storage.Record{
		OwnerID:   req.OwnerID,
		TargetID:  req.TargetID,
		Action:    req.Action,
		Weekdays:  req.Weekdays,
		TimeOfDay: req.TimeOfDay,
	}
	if err := rec.Validate(); err != nil {
		return storage.Record{}, err
	}
	now := e.now()
	next, err := rec.Rule().Next(now, e.loc)
	if err != nil {
		return storage.Record{}, err
	}
	rec.NextFire = next
	rec.CreatedAt = now.UTC()

	id, err := e.store.Insert(ctx, rec)
	if err != nil {
		return storage.Record{}, recurrence.StoreError("insert", err)
	}
	rec.ID = id
	e.arm(id, next)

	e.log.Info("schedule created",
		logx.Int64("id", id),
		logx.Int64("owner_id", rec.OwnerID),
		logx.String("target", rec.TargetID),
		logx.String("action", string(rec.Action)),
		logx.String("rule", rec.Rule().String()),
		logx.Time("next", next),
	)
	return rec, nil
}

// DeleteByID cancels the timer and then removes the record. It reports false
// when no record with that id belongs to ownerID.
func (e *Engine) DeleteByID(ctx context.Context, id, ownerID int64) (bool, error) {
	rec, err := e.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, recurrence.StoreError("find", err)
	}
	if rec.OwnerID != ownerID {
		return false, nil
	}

	s := e.slot(id)
	s.mu.Lock()
	s.deleted = true
	e.timers.Cancel(id)
	s.mu.Unlock()

	ok, err := e.store.Remove(ctx, id, ownerID)
	if err != nil {
		e.restore(id, s, rec.NextFire)
		return false, recurrence.StoreError("remove", err)
	}
	e.forget(id, s)
	if ok {
		e.log.Info("schedule deleted", logx.Int64("id", id), logx.Int64("owner_id", ownerID))
	}
	return ok, nil
}

// DeleteAllForOwner cancels every timer of ownerID, then removes the records.
func (e *Engine) DeleteAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	recs, err := e.store.AllActiveForOwner(ctx, ownerID)
	if err != nil {
		return 0, recurrence.StoreError("list", err)
	}
	held := make([]*slot, len(recs))
	for i, rec := range recs {
		s := e.slot(rec.ID)
		s.mu.Lock()
		s.deleted = true
		e.timers.Cancel(rec.ID)
		s.mu.Unlock()
		held[i] = s
	}

	n, err := e.store.RemoveAllForOwner(ctx, ownerID)
	if err != nil {
		for i, rec := range recs {
			e.restore(rec.ID, held[i], rec.NextFire)
		}
		return 0, recurrence.StoreError("remove_all", err)
	}
	for i, rec := range recs {
		e.forget(rec.ID, held[i])
	}
	e.log.Info("schedules deleted", logx.Int64("owner_id", ownerID), logx.Int("count", n))
	return n, nil
}

// ListForOwner returns ownerID's records ordered by next fire.
func (e *Engine) ListForOwner(ctx context.Context, ownerID int64) ([]storage.Record, error) {
	recs, err := e.store.AllActiveForOwner(ctx, ownerID)
	if err != nil {
		return nil, recurrence.StoreError("list", err)
	}
	e.mu.Lock()
	for i := range recs {
		if at, ok := e.pending[recs[i].ID]; ok {
			recs[i].NextFire = at
		}
	}
	e.mu.Unlock()
	return recs, nil
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Armed:          e.timers.Len(),
		PendingPersist: len(e.pending),
		Fires:          e.fires,
		LastSweep:      e.lastSweep,
	}
	for _, s := range e.slots {
		s.mu.Lock()
		if s.firing {
			st.Firing++
		}
		s.mu.Unlock()
	}
	return st
}

func (e *Engine) slot(id int64) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[id]
	if !ok {
		s = &slot{}
		e.slots[id] = s
	}
	return s
}

// forget drops the slot of a record that no longer exists.
func (e *Engine) forget(id int64, s *slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots[id] == s {
		delete(e.slots, id)
	}
	delete(e.pending, id)
}

// restore undoes a failed deletion.
func (e *Engine) restore(id int64, s *slot, stored time.Time) {
	at := e.effectiveNext(id, stored)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = false
	if !s.firing {
		e.timers.Arm(id, at, e.callback(id))
	}
}

// arm sets the timer unless the record is deleted or firing. A firing
// re-arms itself when it completes.
func (e *Engine) arm(id int64, at time.Time) {
	s := e.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted || s.firing {
		return
	}
	e.timers.Arm(id, at, e.callback(id))
}

func (e *Engine) callback(id int64) func() {
	return func() { e.onFire(id) }
}

// effectiveNext prefers an in-memory value whose write is still pending.
func (e *Engine) effectiveNext(id int64, stored time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at, ok := e.pending[id]; ok {
		return at
	}
	return stored
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
