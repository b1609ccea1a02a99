package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ec2toggle/internal/recurrence"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	"ec2toggle/internal/timer"
	logx "ec2toggle/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	storage.Store

	mu              sync.Mutex
	failAllActive   bool
	failSetNextFire int
	written         []time.Time
}

func (f *flakyStore) writes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.written...)
}

func (f *flakyStore) AllActive(ctx context.Context) ([]storage.Record, error) {
	f.mu.Lock()
	fail := f.failAllActive
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.Store.AllActive(ctx)
}

func (f *flakyStore) SetNextFire(ctx context.Context, id int64, at time.Time) (bool, error) {
	f.mu.Lock()
	if f.failSetNextFire > 0 {
		f.failSetNextFire--
		f.mu.Unlock()
		return false, errors.New("connection reset")
	}
	f.written = append(f.written, at)
	f.mu.Unlock()
	return f.Store.SetNextFire(ctx, id, at)
}

type recorder struct {
	mu    sync.Mutex
	texts []string
	to    []int64
}

func (r *recorder) NotifyOwner(ownerID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, ownerID)
	r.texts = append(r.texts, text)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// gatedController blocks Start until release is closed.
type gatedController struct {
	*resource.DryRun
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGated(d *resource.DryRun) *gatedController {
	return &gatedController{DryRun: d, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedController) Start(ctx context.Context, id string) resource.Result {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.DryRun.Start(ctx, id)
}

type harness struct {
	eng   *Engine
	store *flakyStore
	heap  *timer.Heap
	fleet *resource.DryRun
	notes *recorder
	run   context.CancelFunc
}

func newHarness(t *testing.T, ctrl resource.Controller, fleet *resource.DryRun) *harness {
	t.Helper()
	if fleet == nil {
		fleet = resource.NewDryRun([]resource.Instance{
			{ID: "i-1", Name: "web", State: resource.StateStopped},
			{ID: "i-2", Name: "db", State: resource.StateStopped},
		}, nil)
	}
	if ctrl == nil {
		ctrl = fleet
	}
	h := &harness{
		store: &flakyStore{Store: storage.NewMemory()},
		heap:  timer.NewHeap(logx.Nop()),
		fleet: fleet,
		notes: &recorder{},
	}
	h.eng = New(h.store, h.heap, ctrl, h.notes, Options{
		Location:      time.UTC,
		SweepInterval: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.eng.Stop(ctx)
		if h.run != nil {
			h.run()
		}
	})
	return h
}

func (h *harness) runTimers() {
	ctx, cancel := context.WithCancel(context.Background())
	h.run = cancel
	go func() { _ = h.heap.Run(ctx) }()
}

func (h *harness) insert(t *testing.T, owner int64, target string, action recurrence.Action, next time.Time) int64 {
	t.Helper()
	id, err := h.store.Insert(context.Background(), storage.Record{
		OwnerID:   owner,
		TargetID:  target,
		Action:    action,
		Weekdays:  recurrence.Daily,
		TimeOfDay: recurrence.TimeOfDay{Hour: 8, Minute: 0},
		NextFire:  next,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return id
}

func TestCatchUpFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, time.Now().Add(-2*time.Hour))
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	require.Eventually(t, func() bool {
		rec, err := h.store.FindByID(context.Background(), id)
		return err == nil && rec.NextFire.After(time.Now())
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.eng.Stats().Firing == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"start i-1"}, h.fleet.Calls())
	texts := h.notes.all()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "SCHEDULE EXECUTED")
	assert.Contains(t, texts[0], "Instance: i-1")

	rec, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	at, armed := h.heap.Pending(id)
	require.True(t, armed)
	assert.True(t, at.Equal(rec.NextFire))
	assert.Equal(t, 8, rec.NextFire.In(time.UTC).Hour())
}

func TestCreateArmsFirstOccurrence(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.Start(context.Background()))

	rec, err := h.eng.CreateRecurringSchedule(context.Background(), CreateRequest{
		OwnerID:   7,
		TargetID:  "i-2",
		Action:    recurrence.ActionStop,
		Weekdays:  recurrence.NewWeekdaySet(recurrence.Monday, recurrence.Wednesday, recurrence.Friday),
		TimeOfDay: recurrence.TimeOfDay{Hour: 18, Minute: 30},
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.True(t, rec.NextFire.After(time.Now()))
	assert.True(t, rec.Weekdays.Has(recurrence.WeekdayOf(rec.NextFire.In(time.UTC))))

	at, armed := h.heap.Pending(rec.ID)
	require.True(t, armed)
	assert.True(t, at.Equal(rec.NextFire))

	list, err := h.eng.ListForOwner(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.Start(context.Background()))

	_, err := h.eng.CreateRecurringSchedule(context.Background(), CreateRequest{
		OwnerID:   7,
		TargetID:  "i-1",
		Action:    recurrence.ActionStart,
		TimeOfDay: recurrence.TimeOfDay{Hour: 9},
	})
	require.ErrorIs(t, err, recurrence.ErrValidation)

	_, err = h.eng.CreateRecurringSchedule(context.Background(), CreateRequest{
		OwnerID:   7,
		TargetID:  "i-1",
		Action:    recurrence.ActionStart,
		Weekdays:  recurrence.Weekdays,
		TimeOfDay: recurrence.TimeOfDay{Hour: 24},
	})
	require.ErrorIs(t, err, recurrence.ErrValidation)

	all, err := h.store.AllActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, h.heap.Len())
}

func TestDeleteBeforeFireMeansNoExecution(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, time.Now().Add(-time.Minute))
	require.NoError(t, h.eng.Start(context.Background()))

	ok, err := h.eng.DeleteByID(context.Background(), id, 7)
	require.NoError(t, err)
	require.True(t, ok)
	_, armed := h.heap.Pending(id)
	assert.False(t, armed)

	h.runTimers()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.fleet.Calls())
	assert.Empty(t, h.notes.all())
}

func TestDeleteChecksOwner(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.Start(context.Background()))
	rec, err := h.eng.CreateRecurringSchedule(context.Background(), CreateRequest{
		OwnerID: 7, TargetID: "all", Action: recurrence.ActionStop,
		Weekdays: recurrence.Weekends, TimeOfDay: recurrence.TimeOfDay{Hour: 22},
	})
	require.NoError(t, err)

	ok, err := h.eng.DeleteByID(context.Background(), rec.ID, 8)
	require.NoError(t, err)
	assert.False(t, ok)
	_, armed := h.heap.Pending(rec.ID)
	assert.True(t, armed)

	ok, err = h.eng.DeleteByID(context.Background(), 999, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAllForOwner(t *testing.T) {
	h := newHarness(t, nil, nil)
	future := time.Now().Add(time.Hour)
	a := h.insert(t, 7, "i-1", recurrence.ActionStart, future)
	b := h.insert(t, 7, "i-2", recurrence.ActionStop, future)
	c := h.insert(t, 8, "i-1", recurrence.ActionStop, future)
	require.NoError(t, h.eng.Start(context.Background()))

	n, err := h.eng.DeleteAllForOwner(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{a, b} {
		_, armed := h.heap.Pending(id)
		assert.False(t, armed)
	}
	_, armed := h.heap.Pending(c)
	assert.True(t, armed)
}

func TestDeleteDuringFiringLetsItFinish(t *testing.T) {
	fleet := resource.NewDryRun([]resource.Instance{{ID: "i-1", State: resource.StateStopped}}, nil)
	gate := newGated(fleet)
	h := newHarness(t, gate, fleet)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, time.Now().Add(-time.Second))
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not fire")
	}
	ok, err := h.eng.DeleteByID(context.Background(), id, 7)
	require.NoError(t, err)
	require.True(t, ok)
	close(gate.release)

	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.eng.Stats().Firing == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"start i-1"}, h.fleet.Calls())
	_, armed := h.heap.Pending(id)
	assert.False(t, armed)
	_, err = h.store.FindByID(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStaleRecordIsNotRearmed(t *testing.T) {
	fleet := resource.NewDryRun([]resource.Instance{{ID: "i-1", State: resource.StateStopped}}, nil)
	gate := newGated(fleet)
	h := newHarness(t, gate, fleet)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, time.Now().Add(-time.Second))
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	<-gate.entered
	// Removed behind the engine's back while the action runs.
	ok, err := h.store.Remove(context.Background(), id, 7)
	require.NoError(t, err)
	require.True(t, ok)
	close(gate.release)

	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.eng.Stats().Firing == 0 }, 2*time.Second, 5*time.Millisecond)
	_, armed := h.heap.Pending(id)
	assert.False(t, armed)
	assert.Zero(t, h.eng.Stats().PendingPersist)
}

func TestPersistFailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t, nil, nil)
	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, past)
	h.store.failSetNextFire = 1
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	require.Eventually(t, func() bool { return h.eng.Stats().PendingPersist == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.eng.Stats().Firing == 0 }, 2*time.Second, 5*time.Millisecond)

	rec, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.NextFire.Equal(past), "store keeps the old value until the retry")
	next, armed := h.heap.Pending(id)
	require.True(t, armed)
	assert.True(t, next.After(time.Now()), "armed in memory for the next occurrence, not re-fired")

	listed, err := h.eng.ListForOwner(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].NextFire.Equal(next))

	h.eng.sweep()
	rec, err = h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.NextFire.Equal(next))
	assert.Zero(t, h.eng.Stats().PendingPersist)
	assert.Equal(t, []string{"start i-1"}, h.fleet.Calls())
}

func TestSweepDoesNotOverwriteNextFireOfFiringSchedule(t *testing.T) {
	fleet := resource.NewDryRun([]resource.Instance{{ID: "i-1", State: resource.StateStopped}}, nil)
	gate := newGated(fleet)
	h := newHarness(t, gate, fleet)
	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, past)
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not fire")
	}
	// An older write left behind while the firing is running.
	h.eng.setPending(id, past)
	h.eng.sweep()
	assert.Empty(t, h.store.writes(), "sweep must not write while the schedule fires")

	close(gate.release)
	require.Eventually(t, func() bool { return h.eng.Stats().Firing == 0 }, 2*time.Second, 5*time.Millisecond)
	next, armed := h.heap.Pending(id)
	require.True(t, armed)
	assert.Zero(t, h.eng.Stats().PendingPersist)

	h.eng.sweep()
	rec, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.NextFire.Equal(next), "stored next fire never moves backwards")
	writes := h.store.writes()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].Equal(next))
}

func TestSweepSkipsPendingValueThatMovedOn(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.Start(context.Background()))
	later := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	id := h.insert(t, 7, "i-2", recurrence.ActionStop, later)

	h.eng.setPending(id, later.Add(-24*time.Hour))
	h.eng.setPending(id, later)
	ok, written, err := h.eng.retryPending(context.Background(), id, later.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, written)
	assert.Empty(t, h.store.writes())
	assert.Equal(t, 1, h.eng.Stats().PendingPersist)

	ok, written, err = h.eng.retryPending(context.Background(), id, later)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, written)
	assert.Zero(t, h.eng.Stats().PendingPersist)
}

func TestSweepArmsPersistedButUnarmedRecords(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.eng.Start(context.Background()))

	id := h.insert(t, 7, "i-2", recurrence.ActionStop, time.Now().Add(time.Hour))
	_, armed := h.heap.Pending(id)
	require.False(t, armed)

	h.eng.sweep()
	_, armed = h.heap.Pending(id)
	assert.True(t, armed)
	assert.False(t, h.eng.Stats().LastSweep.IsZero())
}

func TestStartFailsWhenStoreUnreachable(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.failAllActive = true

	err := h.eng.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, recurrence.ErrTransientStore)
	assert.Zero(t, h.heap.Len())
}

func TestFailedActionStillReschedules(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.insert(t, 7, "i-missing", recurrence.ActionStop, time.Now().Add(-time.Minute))
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.notes.all()[0], "❌")

	require.Eventually(t, func() bool {
		rec, err := h.store.FindByID(context.Background(), id)
		return err == nil && rec.NextFire.After(time.Now())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAllTargetReportsEveryInstance(t *testing.T) {
	fleet := resource.NewDryRun([]resource.Instance{
		{ID: "i-1", State: resource.StateStopped},
		{ID: "i-2", State: resource.StateRunning},
	}, nil)
	h := newHarness(t, nil, fleet)
	h.insert(t, 7, recurrence.TargetAll, recurrence.ActionStart, time.Now().Add(-time.Minute))
	h.runTimers()
	require.NoError(t, h.eng.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.notes.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	text := h.notes.all()[0]
	assert.Contains(t, text, "Action: START ALL")
	assert.Contains(t, text, "• i-1: Success (start requested)")
	assert.Contains(t, text, "• i-2: Success (already running)")
	assert.Equal(t, []string{"start i-1"}, fleet.Calls())
}

func TestStopDisarmsAndRejectsLateFires(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.insert(t, 7, "i-1", recurrence.ActionStart, time.Now().Add(time.Hour))
	require.NoError(t, h.eng.Start(context.Background()))
	require.Equal(t, 1, h.heap.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.eng.Stop(ctx)
	assert.Zero(t, h.heap.Len())

	h.eng.onFire(id)
	assert.Empty(t, h.fleet.Calls())
}
