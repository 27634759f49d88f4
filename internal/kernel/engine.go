// Package kernel implements the cooperative discrete-event core the rest of
// lapis is built on: a simulated clock, structured-concurrency scopes,
// bounded capacity claims and fair-share pipes. Exactly one task is ever
// logically "running" at a given simulated instant; every other task is
// parked on a channel waiting for the engine to resume it. Go has no
// first-class coroutine suspend/resume, so this package emulates it with a
// baton-passing handshake: a task calls Engine.Suspend to hand control back
// to the engine and block until the engine schedules its wake channel again.
package kernel

import (
	"container/heap"
	"fmt"
)

// wakeup is a single pending resumption: close ch once the clock reaches time.
type wakeup struct {
	time float64
	seq  uint64
	ch   chan struct{}
}

type wakeupHeap []*wakeup

func (h wakeupHeap) Len() int { return len(h) }
func (h wakeupHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}
func (h wakeupHeap) Swap(i, j int)  { h[i], h[j] = h[j], h[i] }
func (h *wakeupHeap) Push(x any)    { *h = append(*h, x.(*wakeup)) }
func (h *wakeupHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Engine drives the simulated clock. At most one goroutine may be "active"
// (i.e. not blocked inside Suspend) at any time; the Engine enforces this by
// only ever resuming one task before waiting for that task to yield again.
type Engine struct {
	heap  wakeupHeap
	seq   uint64
	now   float64
	yield chan struct{}
}

// New returns a ready-to-run Engine at simulated time zero.
func New() *Engine {
	return &Engine{yield: make(chan struct{})}
}

// Now returns the current simulated time.
func (e *Engine) Now() float64 { return e.now }

// Pending reports how many wakeups are still queued. Mostly useful for tests
// asserting that a run drained cleanly.
func (e *Engine) Pending() int { return len(e.heap) }

// ScheduleAt arranges for ch to be closed once the clock reaches t. Ties at
// the same instant resolve in the order ScheduleAt was called.
func (e *Engine) ScheduleAt(t float64, ch chan struct{}) {
	if t < e.now {
		panic(fmt.Sprintf("kernel: cannot schedule wakeup at %g before now %g", t, e.now))
	}
	e.seq++
	heap.Push(&e.heap, &wakeup{time: t, seq: e.seq, ch: ch})
}

// ScheduleNow arranges for ch to be closed at the current instant, after any
// wakeups already queued for now.
func (e *Engine) ScheduleNow(ch chan struct{}) {
	e.ScheduleAt(e.now, ch)
}

// Suspend hands control back to the engine and blocks the calling task until
// ch fires. Exactly one task may call Suspend (or Finish) between successive
// dispatch steps of Run — every blocking primitive in this package funnels
// through here so that invariant holds by construction.
func (e *Engine) Suspend(ch chan struct{}) {
	e.yield <- struct{}{}
	<-ch
}

// SuspendCancellable behaves like Suspend but also resumes early if cancel
// fires first, reporting which happened. The stale ch wakeup (if any) is
// simply ignored when it eventually fires.
func (e *Engine) SuspendCancellable(ch, cancel chan struct{}) (cancelled bool) {
	e.yield <- struct{}{}
	select {
	case <-ch:
		return false
	case <-cancel:
		return true
	}
}

// suspendRace3 hands control back to the engine and blocks until one of a,
// b, or c fires, returning its index (0, 1, or 2).
func (e *Engine) suspendRace3(a, b, c chan struct{}) int {
	e.yield <- struct{}{}
	select {
	case <-a:
		return 0
	case <-b:
		return 1
	case <-c:
		return 2
	}
}

// Finish signals that the calling task is ending and will never be resumed
// again. Every task goroutine must call Finish exactly once, as its last act.
func (e *Engine) Finish() {
	e.yield <- struct{}{}
}

// Run drives the clock until no further wakeups are pending. It returns once
// every task has either finished or is permanently parked on a non-time-based
// wait (a capacity claim or queue get that nothing will ever satisfy).
func (e *Engine) Run() {
	for len(e.heap) > 0 {
		w := heap.Pop(&e.heap).(*wakeup)
		e.now = w.time
		close(w.ch)
		<-e.yield
	}
}

// Task is a handle a running goroutine uses to call back into its owning
// Engine and to observe whether it has been cancelled by an enclosing Scope.
type Task struct {
	engine *Engine
	cancel chan struct{}
}

// rootTask returns a Task with no cancellation source; only Scope should
// construct cancellable children from it.
func rootTask(e *Engine) *Task {
	return &Task{engine: e, cancel: make(chan struct{})}
}

// Spawn starts fn as a new root task (no enclosing Scope) and gives it its
// first turn at the current simulated time. It is mainly used to bootstrap
// the outermost scope of a simulation run; ordinary code should prefer
// Scope.Go / Scope.GoVolatile.
func Spawn(e *Engine, fn func(*Task)) <-chan struct{} {
	start := make(chan struct{})
	done := make(chan struct{})
	t := rootTask(e)
	go func() {
		<-start
		fn(t)
		close(done)
		e.Finish()
	}()
	e.ScheduleNow(start)
	return done
}

// Engine returns the Engine this task runs on.
func (t *Task) Engine() *Engine { return t.engine }

// Now returns the current simulated time.
func (t *Task) Now() float64 { return t.engine.Now() }

// Cancelled reports whether an enclosing Scope has cancelled this task.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// Delay suspends the calling task for d simulated time units. A zero delay
// still yields once, letting any other task already queued for the current
// instant run first. Negative delays are a programmer error.
func (t *Task) Delay(d float64) {
	if d < 0 {
		panic(fmt.Sprintf("kernel: negative delay %g", d))
	}
	ch := make(chan struct{})
	t.engine.ScheduleAt(t.engine.now+d, ch)
	t.engine.SuspendCancellable(ch, t.cancel)
}

// Until suspends the calling task until the clock reaches target. A target
// at or before the current time is a no-op.
func (t *Task) Until(target float64) {
	if target <= t.engine.now {
		return
	}
	t.Delay(target - t.engine.now)
}

// Instant yields once, letting any other task ready at the same simulated
// time run before the caller continues.
func (t *Task) Instant() {
	t.Delay(0)
}

// Eternity parks the calling task forever: it is never scheduled on the
// clock, so it never keeps Run's heap non-empty, and it only resumes if an
// enclosing Scope cancels it. Used by components (like a static pool) that
// never adapt after initialisation.
func (t *Task) Eternity() {
	never := make(chan struct{})
	t.engine.SuspendCancellable(never, t.cancel)
}
