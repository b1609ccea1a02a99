package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "ec2toggle/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHeap(t *testing.T) *Heap {
	t.Helper()
	h := NewHeap(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func TestPastInstantFiresImmediately(t *testing.T) {
	h := runHeap(t)
	fired := make(chan struct{})
	h.Arm(1, time.Now().Add(-time.Hour), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past instant did not fire")
	}
	assert.Equal(t, 0, h.Len())
}

func TestArmReplacesPendingEntry(t *testing.T) {
	h := runHeap(t)
	var first, second atomic.Int32
	h.Arm(7, time.Now().Add(time.Hour), func() { first.Add(1) })
	h.Arm(7, time.Now().Add(20*time.Millisecond), func() { second.Add(1) })
	require.Equal(t, 1, h.Len())

	require.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
	_, ok := h.Pending(7)
	assert.False(t, ok)
}

func TestCancelPreventsFire(t *testing.T) {
	h := runHeap(t)
	var n atomic.Int32
	h.Arm(3, time.Now().Add(30*time.Millisecond), func() { n.Add(1) })
	at, ok := h.Pending(3)
	require.True(t, ok)
	assert.False(t, at.IsZero())

	assert.True(t, h.Cancel(3))
	assert.False(t, h.Cancel(3))
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestCancelAll(t *testing.T) {
	h := NewHeap(logx.Nop())
	for i := int64(1); i <= 5; i++ {
		h.Arm(i, time.Now().Add(time.Hour), func() {})
	}
	assert.Equal(t, 5, h.CancelAll())
	assert.Equal(t, 0, h.Len())
}

func TestDueOrderIsInstantThenArmSequence(t *testing.T) {
	h := NewHeap(logx.Nop())
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	h.Arm(30, base.Add(-time.Minute), func() {})
	h.Arm(10, base.Add(-2*time.Minute), func() {})
	h.Arm(20, base.Add(-time.Minute), func() {})
	h.Arm(40, base.Add(time.Minute), func() {})

	due, wait := h.popDue()
	ids := make([]int64, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.id)
	}
	assert.Equal(t, []int64{10, 30, 20}, ids)
	assert.Equal(t, time.Minute, wait)
	assert.Equal(t, 1, h.Len())
}

func TestCallbackPanicIsContained(t *testing.T) {
	h := runHeap(t)
	ok := make(chan struct{})
	h.Arm(1, time.Now(), func() { panic("boom") })
	h.Arm(2, time.Now(), func() { close(ok) })
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after a panicking callback")
	}
}

func TestSameInstantCallbacksStartInArmOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := NewHeap(logx.Nop())
		var mu sync.Mutex
		var started []int64
		h.onStart = func(id int64) {
			mu.Lock()
			started = append(started, id)
			mu.Unlock()
		}
		var ran atomic.Int32
		at := time.Now().Add(-time.Second)
		want := make([]int64, 0, 8)
		for id := int64(1); id <= 8; id++ {
			h.Arm(id, at, func() { ran.Add(1) })
			want = append(want, id)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = h.Run(ctx)
			close(done)
		}()
		require.Eventually(t, func() bool { return ran.Load() == 8 }, 2*time.Second, time.Millisecond)
		cancel()
		<-done

		mu.Lock()
		assert.Equal(t, want, started, "round %d", round)
		mu.Unlock()
	}
}

func TestLaterBatchStartsAfterEarlierBatch(t *testing.T) {
	h := NewHeap(logx.Nop())
	var mu sync.Mutex
	var started []int64
	h.onStart = func(id int64) {
		mu.Lock()
		started = append(started, id)
		mu.Unlock()
	}
	var ran atomic.Int32
	at := time.Now().Add(-time.Second)
	for id := int64(1); id <= 4; id++ {
		h.Arm(id, at, func() { ran.Add(1) })
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Run(ctx) }()

	for id := int64(5); id <= 8; id++ {
		h.Arm(id, time.Now(), func() { ran.Add(1) })
	}
	require.Eventually(t, func() bool { return ran.Load() == 8 }, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, started)
}
