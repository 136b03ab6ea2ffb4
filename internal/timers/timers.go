// Package timers multiplexes one-shot and periodic callbacks onto a single
// one-shot hardware timer.
//
// Callbacks may be scheduled at any time, but none fires before Ready is
// called. The kernel calls Ready from the first hardware timer interrupt,
// after the embedded service has been told it is ready.
package timers

import (
	"container/heap"
	"sync"
	"time"
)

// ID identifies a scheduled timer. The zero ID is never issued.
type ID uint64

// Callback runs in the timer interrupt handler.
type Callback func(ID)

// StartFunc arms the hardware to interrupt once after d.
type StartFunc func(d time.Duration)

// StopFunc disarms the hardware.
type StopFunc func()

// NowFunc reports time since boot.
type NowFunc func() time.Duration

type timer struct {
	id       ID
	deadline time.Duration
	period   time.Duration
	cb       Callback
	index    int
}

type queue []*timer

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].deadline == q[j].deadline {
		return q[i].id < q[j].id
	}
	return q[i].deadline < q[j].deadline
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *queue) Pop() any {
	old := *q
	t := old[len(old)-1]
	old[len(old)-1] = nil
	t.index = -1
	*q = old[:len(old)-1]
	return t
}

// Timers is the timer subsystem.
type Timers struct {
	mu     sync.Mutex
	start  StartFunc
	stop   StopFunc
	now    NowFunc
	ready  bool
	q      queue
	byID   map[ID]*timer
	nextID ID
	fired  uint64
}

// New creates the subsystem on top of a one-shot hardware timer.
func New(start StartFunc, stop StopFunc, now NowFunc) *Timers {
	return &Timers{
		start: start,
		stop:  stop,
		now:   now,
		byID:  make(map[ID]*timer),
	}
}

// Oneshot schedules cb to run once after d.
func (t *Timers) Oneshot(d time.Duration, cb Callback) ID {
	return t.add(d, 0, cb)
}

// Periodic schedules cb to run after initial and then every period.
func (t *Timers) Periodic(initial, period time.Duration, cb Callback) ID {
	if period <= 0 {
		period = time.Millisecond
	}
	return t.add(initial, period, cb)
}

func (t *Timers) add(d, period time.Duration, cb Callback) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	tm := &timer{id: t.nextID, deadline: t.now() + max(d, 0), period: period, cb: cb}
	heap.Push(&t.q, tm)
	t.byID[tm.id] = tm
	if t.ready && t.q[0] == tm {
		t.arm()
	}
	return tm.id
}

// Stop cancels a timer. It reports whether the timer was still pending.
func (t *Timers) Stop(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	wasFirst := tm.index == 0
	heap.Remove(&t.q, tm.index)
	if t.ready && wasFirst {
		t.arm()
	}
	return true
}

// Ready releases queued timers. Calls after the first are no-ops.
func (t *Timers) Ready() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return
	}
	t.ready = true
	t.arm()
}

// IsReady reports whether Ready was called.
func (t *Timers) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Active returns the number of pending timers.
func (t *Timers) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.q)
}

// Fired returns how many callbacks have run.
func (t *Timers) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Handler is installed as the hardware timer interrupt handler. It runs
// every expired callback and rearms the hardware for the next deadline.
func (t *Timers) Handler() {
	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		return
	}
	now := t.now()
	var due []*timer
	for len(t.q) > 0 && t.q[0].deadline <= now {
		tm := t.q[0]
		due = append(due, tm)
		if tm.period > 0 {
			tm.deadline += tm.period
			// Skip missed periods instead of firing a burst.
			if tm.deadline <= now {
				missed := (now-tm.deadline)/tm.period + 1
				tm.deadline += missed * tm.period
			}
			heap.Fix(&t.q, 0)
		} else {
			heap.Pop(&t.q)
			delete(t.byID, tm.id)
		}
	}
	t.fired += uint64(len(due))
	t.mu.Unlock()

	for _, tm := range due {
		tm.cb(tm.id)
	}

	t.mu.Lock()
	t.arm()
	t.mu.Unlock()
}

// arm programs the hardware for the earliest deadline. Caller holds mu.
func (t *Timers) arm() {
	if len(t.q) == 0 {
		t.stop()
		return
	}
	t.start(max(t.q[0].deadline-t.now(), 0))
}
