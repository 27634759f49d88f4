package kernel

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Scope implements structured concurrency: child tasks spawned with Go are
// joined when Wait returns; children spawned with GoVolatile are cancelled
// at that point instead, contributing no error regardless of outcome. A
// scope also inherits cancellation from the task that opened it, so an
// enclosing scope cancelling propagates all the way down.
type Scope struct {
	engine    *Engine
	cancel    chan struct{}
	closeOnce sync.Once
	required  int
	volatile  int
	waitReq   chan struct{}
	waitVol   chan struct{}
	errs      []error
}

// NewScope opens a scope nested under the calling task. If an enclosing
// scope later cancels t, this scope and every task spawned into it are
// cancelled too.
func NewScope(t *Task) *Scope {
	s := &Scope{engine: t.engine, cancel: make(chan struct{})}
	go func() {
		<-t.cancel
		s.closeCancel()
	}()
	return s
}

func (s *Scope) closeCancel() {
	s.closeOnce.Do(func() { close(s.cancel) })
}

// Cancel cancels the scope directly, as if an enclosing scope had cancelled
// the task that opened it. Used by components that need to end a scope
// from within on some condition of their own (a simulated-time deadline, say)
// rather than by inheriting cancellation from a parent.
func (s *Scope) Cancel() {
	s.closeCancel()
}

// Go spawns fn as a joined child: Wait does not return until fn does, and a
// panic in fn is recovered and folded into Wait's result.
func (s *Scope) Go(fn func(*Task)) {
	s.spawn(fn, false)
}

// GoVolatile spawns fn as a background child: it is cancelled once every
// joined child of this scope has completed, and never contributes an error.
func (s *Scope) GoVolatile(fn func(*Task)) {
	s.spawn(fn, true)
}

func (s *Scope) spawn(fn func(*Task), volatile bool) {
	child := &Task{engine: s.engine, cancel: s.cancel}
	if volatile {
		s.volatile++
	} else {
		s.required++
	}
	start := make(chan struct{})
	go func() {
		<-start
		err := runGuarded(fn, child)
		if volatile {
			s.volatile--
			if s.volatile == 0 && s.waitVol != nil {
				s.engine.ScheduleNow(s.waitVol)
				s.waitVol = nil
			}
		} else {
			if err != nil {
				s.errs = append(s.errs, err)
			}
			s.required--
			if s.required == 0 && s.waitReq != nil {
				s.engine.ScheduleNow(s.waitReq)
				s.waitReq = nil
			}
		}
		s.engine.Finish()
	}()
	s.engine.ScheduleNow(start)
}

// Wait blocks until every joined (non-volatile) child has returned, then
// cancels any still-running volatile children and waits for them to unwind.
// The aggregated error of joined children, if any, is returned.
func (s *Scope) Wait() error {
	if s.required > 0 {
		s.waitReq = make(chan struct{})
		s.engine.Suspend(s.waitReq)
	}
	s.closeCancel()
	if s.volatile > 0 {
		s.waitVol = make(chan struct{})
		s.engine.Suspend(s.waitVol)
	}
	return multierr.Combine(s.errs...)
}

func runGuarded(fn func(*Task), t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel: task panicked: %v", r)
		}
	}()
	fn(t)
	return nil
}
