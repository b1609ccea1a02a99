// Package timer arms one-shot callbacks keyed by schedule id.
package timer

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "ec2toggle/pkg/logx"
)

// Driver keeps at most one pending callback per id.
type Driver interface {
	// Arm replaces any pending callback for id. Instants in the past fire
	// on the next dispatch.
	Arm(id int64, at time.Time, fn func())
	Cancel(id int64) bool
	CancelAll() int
	Pending(id int64) (time.Time, bool)
	Len() int
}

// maxSleep bounds how long the dispatcher trusts a single timer, so wall
// clock jumps (suspend, NTP step) are noticed within a minute.
const maxSleep = time.Minute

// Heap is a Driver backed by a min-heap and one dispatcher goroutine (Run).
// Due callbacks each run on their own goroutine, started in due order.
type Heap struct {
	log logx.Logger
	now func() time.Time
	// onStart, when set, observes each callback goroutine as it starts.
	onStart func(id int64)

	mu   sync.Mutex
	q    entryHeap
	byID map[int64]*entry
	seq  uint64
	wake chan struct{}
}

type entry struct {
	id    int64
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

func NewHeap(log logx.Logger) *Heap {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Heap{
		log:  log,
		now:  time.Now,
		byID: map[int64]*entry{},
		wake: make(chan struct{}, 1),
	}
}

func (h *Heap) Arm(id int64, at time.Time, fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.seq++
	if e, ok := h.byID[id]; ok {
		e.at, e.seq, e.fn = at, h.seq, fn
		heap.Fix(&h.q, e.index)
	} else {
		e := &entry{id: id, at: at, seq: h.seq, fn: fn}
		heap.Push(&h.q, e)
		h.byID[id] = e
	}
	h.mu.Unlock()
	h.kick()
}

func (h *Heap) Cancel(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&h.q, e.index)
	delete(h.byID, id)
	return true
}

func (h *Heap) CancelAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.q)
	h.q = nil
	h.byID = map[int64]*entry{}
	return n
}

func (h *Heap) Pending(id int64) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.byID[id]; ok {
		return e.at, true
	}
	return time.Time{}, false
}

func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.q)
}

// Run dispatches due callbacks until ctx is done.
func (h *Heap) Run(ctx context.Context) error {
	t := time.NewTimer(maxSleep)
	defer t.Stop()

	var prev chan struct{}
	for {
		due, wait := h.popDue()
		if len(due) > 0 {
			done := make(chan struct{})
			go h.dispatch(due, prev, done)
			prev = done
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
		case <-t.C:
		}
	}
}

func (h *Heap) popDue() ([]*entry, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	var due []*entry
	for len(h.q) > 0 && !h.q[0].at.After(now) {
		e := heap.Pop(&h.q).(*entry)
		delete(h.byID, e.id)
		due = append(due, e)
	}
	wait := maxSleep
	if len(h.q) > 0 {
		if d := h.q[0].at.Sub(now); d < wait {
			wait = d
		}
	}
	return due, wait
}

// dispatch starts each callback of a due batch in order, after the previous
// batch has started all of its own. Callbacks still run concurrently.
func (h *Heap) dispatch(due []*entry, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	for _, e := range due {
		started := make(chan struct{})
		go h.fire(e, started)
		<-started
	}
}

func (h *Heap) fire(e *entry, started chan<- struct{}) {
	if h.onStart != nil {
		h.onStart(e.id)
	}
	close(started)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("timer callback panic",
				logx.Int64("id", e.id),
				logx.String("panic", fmt.Sprint(r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	e.fn()
}

func (h *Heap) kick() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// entryHeap orders by instant, then by arm sequence.
type entryHeap []*entry

func (q entryHeap) Len() int { return len(q) }
func (q entryHeap) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}
func (q entryHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *entryHeap) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
