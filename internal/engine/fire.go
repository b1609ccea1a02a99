package engine

import (
	"context"
	"errors"
	"time"

	"ec2toggle/internal/recurrence"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	logx "ec2toggle/pkg/logx"

	"github.com/google/uuid"
)

// enter registers an in-flight firing. It fails once Stop has begun.
func (e *Engine) enter() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, false
	}
	e.inflight.Add(1)
	return e.base, true
}

// onFire is the timer callback. The same id never fires concurrently with
// itself, and its next arm happens after this firing completes.
func (e *Engine) onFire(id int64) {
	ctx, ok := e.enter()
	if !ok {
		return
	}
	defer e.inflight.Done()

	s := e.slot(id)
	s.mu.Lock()
	if s.deleted || s.firing {
		s.mu.Unlock()
		return
	}
	s.firing = true
	s.mu.Unlock()

	log := e.log.With(logx.Int64("schedule_id", id), logx.String("run", uuid.NewString()))
	next, rearm := e.run(ctx, id, log)

	s.mu.Lock()
	s.firing = false
	deleted := s.deleted
	if rearm && !deleted {
		e.timers.Arm(id, next, e.callback(id))
	}
	s.mu.Unlock()

	if !rearm || deleted {
		e.forgetIfIdle(id, s)
	}
}

// run executes one firing and reports the instant to re-arm at, if any.
func (e *Engine) run(ctx context.Context, id int64, log logx.Logger) (time.Time, bool) {
	rec, err := e.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("fire skipped: schedule no longer exists")
		return time.Time{}, false
	}
	if err != nil {
		// Leave it to the sweep, which re-arms records without a timer.
		log.Warn("fire deferred: cannot load schedule", logx.Err(recurrence.StoreError("find", err)))
		return time.Time{}, false
	}

	due := e.effectiveNext(id, rec.NextFire)
	now := e.now()
	if due.After(now) {
		// Woken early (e.g. re-armed by the sweep while a previous firing
		// was being dispatched). Not due yet.
		log.Debug("fire skipped: not due", logx.Time("due", due))
		return due, true
	}

	e.mu.Lock()
	e.fires++
	e.mu.Unlock()

	started := time.Now()
	results, actErr := e.execute(ctx, rec)
	e.report(rec, results, actErr, log)
	log.Info("schedule executed",
		logx.String("target", rec.TargetID),
		logx.String("action", string(rec.Action)),
		logx.Time("due", due),
		logx.Duration("late", now.Sub(due)),
		logx.Duration("took", time.Since(started)),
		logx.Int("results", len(results)),
		logx.Err(actErr),
	)

	// Look strictly forward from whichever is later, now or the instant that
	// just fired, so next fire never moves backwards.
	ref := e.now()
	if due.After(ref) {
		ref = due
	}
	next, err := rec.Rule().Next(ref, e.loc)
	if err != nil {
		log.Error("cannot compute next occurrence; schedule disarmed", logx.Err(err))
		return time.Time{}, false
	}

	ok, err := e.store.SetNextFire(ctx, id, next)
	if err != nil {
		e.setPending(id, next)
		log.Warn("next fire not persisted; will retry",
			logx.Time("next", next),
			logx.Err(recurrence.StoreError("set_next_fire", err)),
		)
		return next, true
	}
	if !ok {
		log.Info("schedule deleted while firing; not re-armed", logx.Err(recurrence.ErrStaleRecord))
		e.clearPending(id, time.Time{})
		return time.Time{}, false
	}
	e.clearPending(id, time.Time{})
	log.Debug("schedule re-armed", logx.Time("next", next))
	return next, true
}

// execute runs the action. Per-resource failures end up in results and never
// block rescheduling.
func (e *Engine) execute(ctx context.Context, rec storage.Record) ([]resource.Result, error) {
	if rec.TargetsAll() {
		var (
			results []resource.Result
			err     error
		)
		if rec.Action == recurrence.ActionStart {
			results, err = e.ctrl.StartAll(ctx)
		} else {
			results, err = e.ctrl.StopAll(ctx)
		}
		if err != nil {
			return results, &recurrence.ActionError{TargetID: rec.TargetID, Action: rec.Action, Err: err}
		}
		return results, nil
	}

	var r resource.Result
	if rec.Action == recurrence.ActionStart {
		r = e.ctrl.Start(ctx, rec.TargetID)
	} else {
		r = e.ctrl.Stop(ctx, rec.TargetID)
	}
	if r.ResourceID == "" {
		r.ResourceID = rec.TargetID
	}
	if r.Err != nil {
		return []resource.Result{r}, &recurrence.ActionError{TargetID: rec.TargetID, Action: rec.Action, Err: r.Err}
	}
	return []resource.Result{r}, nil
}

func (e *Engine) report(rec storage.Record, results []resource.Result, actErr error, log logx.Logger) {
	if e.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("notifier panicked", logx.Any("panic", r))
		}
	}()
	e.notify.NotifyOwner(rec.OwnerID, ExecutedText(rec, results, actErr))
}

// sweep retries pending next-fire writes and re-arms active records that
// have no timer. It runs on the robfig/cron schedule set up by Start.
func (e *Engine) sweep() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	pending := make(map[int64]time.Time, len(e.pending))
	for id, at := range e.pending {
		pending[id] = at
	}
	e.lastSweep = e.now()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.every)
	defer cancel()

	retried := 0
	for id, at := range pending {
		ok, written, err := e.retryPending(ctx, id, at)
		if err != nil {
			e.log.Warn("sweep: next fire still not persisted", logx.Int64("schedule_id", id), logx.Err(err))
			continue
		}
		if !written {
			continue
		}
		retried++
		if !ok {
			e.log.Info("sweep: pending schedule was deleted", logx.Int64("schedule_id", id))
			s := e.slot(id)
			s.mu.Lock()
			if !s.firing {
				e.timers.Cancel(id)
			}
			s.mu.Unlock()
			e.forgetIfIdle(id, s)
		}
	}

	recs, err := e.store.AllActive(ctx)
	if err != nil {
		e.log.Warn("sweep: cannot load schedules", logx.Err(recurrence.StoreError("all_active", err)))
		return
	}
	rearmed := 0
	for _, rec := range recs {
		if _, ok := e.timers.Pending(rec.ID); ok {
			continue
		}
		at := e.effectiveNext(rec.ID, rec.NextFire)
		s := e.slot(rec.ID)
		s.mu.Lock()
		if !s.deleted && !s.firing {
			if _, ok := e.timers.Pending(rec.ID); !ok {
				e.timers.Arm(rec.ID, at, e.callback(rec.ID))
				rearmed++
			}
		}
		s.mu.Unlock()
	}
	if retried > 0 || rearmed > 0 {
		e.log.Info("sweep done", logx.Int("persisted", retried), logx.Int("rearmed", rearmed))
	}
}

// retryPending writes a pending next fire under the slot lock. It skips the
// write while the schedule is firing or once the pending value has moved on,
// since the firing persists a later instant itself.
func (e *Engine) retryPending(ctx context.Context, id int64, at time.Time) (ok, written bool, err error) {
	s := e.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firing || s.deleted {
		return false, false, nil
	}
	e.mu.Lock()
	cur, still := e.pending[id]
	e.mu.Unlock()
	if !still || !cur.Equal(at) {
		return false, false, nil
	}
	ok, err = e.store.SetNextFire(ctx, id, at)
	if err != nil {
		return false, false, err
	}
	e.clearPending(id, at)
	return ok, true, nil
}

func (e *Engine) setPending(id int64, at time.Time) {
	e.mu.Lock()
	e.pending[id] = at
	e.mu.Unlock()
}

// clearPending removes the pending value for id. A non-zero at only clears
// it if unchanged, so a newer value written meanwhile survives.
func (e *Engine) clearPending(id int64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.pending[id]; ok && (at.IsZero() || cur.Equal(at)) {
		delete(e.pending, id)
	}
}

// forgetIfIdle drops a slot that is neither firing nor armed.
func (e *Engine) forgetIfIdle(id int64, s *slot) {
	s.mu.Lock()
	idle := !s.firing
	s.mu.Unlock()
	if !idle {
		return
	}
	if _, armed := e.timers.Pending(id); armed {
		return
	}
	e.mu.Lock()
	if e.slots[id] == s {
		delete(e.slots, id)
	}
	e.mu.Unlock()
}
