package kernel

// Pipe models a shared resource of finite throughput divided fairly among
// its live subscribers, after the classic "water-filling" max-min fair share
// law: a subscriber whose own ceiling is below its equal share gets exactly
// its ceiling; the remaining throughput is then split, in proportion to
// ceiling, among the subscribers that are still capped by the equal share.
type Pipe struct {
	engine     *Engine
	throughput float64
	subs       map[*pipeSub]struct{}
	onThrottle func(sub *PipeSubscription, rate float64)
}

type pipeSub struct {
	ceiling float64
	wake    chan struct{}
}

// PipeSubscription is a live claim on a Pipe's throughput. Call Rate to read
// the currently allotted share and Close to leave the pipe, which
// redistributes the freed throughput among the remaining subscribers.
type PipeSubscription struct {
	pipe *Pipe
	sub  *pipeSub
}

// NewPipe returns a Pipe with the given total throughput and no subscribers.
func NewPipe(e *Engine, throughput float64) *Pipe {
	return &Pipe{engine: e, throughput: throughput, subs: make(map[*pipeSub]struct{})}
}

// OnThrottle installs a callback invoked each time the pipe re-throttles
// (a Subscribe, Close, SetCeiling, SetThroughput, or the start and end of a
// Transfer), once for every subscription still live at that moment with its
// new rate, whether or not that rate changed. A subscription that has just
// joined is included; one that has just closed is not.
func (p *Pipe) OnThrottle(fn func(sub *PipeSubscription, rate float64)) {
	p.onThrottle = fn
}

// SetThroughput changes the pipe's total throughput and re-throttles every
// live subscriber immediately.
func (p *Pipe) SetThroughput(throughput float64) {
	p.throughput = throughput
	p.recalc()
}

// Subscribe joins the pipe with an individual ceiling (the subscriber's own
// maximum consumption rate, e.g. a file size over a minimum transfer time)
// and returns a handle to read and release its fair share.
func (p *Pipe) Subscribe(ceiling float64) *PipeSubscription {
	s := &pipeSub{ceiling: ceiling, wake: make(chan struct{})}
	p.subs[s] = struct{}{}
	p.recalc()
	return &PipeSubscription{pipe: p, sub: s}
}

// Rate returns the subscription's currently allotted share of throughput.
func (s *PipeSubscription) Rate() float64 {
	return s.pipe.rateFor(s.sub)
}

// SetCeiling changes this subscriber's own ceiling and re-throttles the pipe.
func (s *PipeSubscription) SetCeiling(ceiling float64) {
	s.sub.ceiling = ceiling
	s.pipe.recalc()
}

// Wait suspends the calling task until the pipe next re-throttles (which
// may leave this subscription's rate unchanged), returning the current
// rate, or cancelled=true if t is cancelled first.
func (s *PipeSubscription) Wait(t *Task) (rate float64, cancelled bool) {
	ch := s.sub.wake
	if t.engine.SuspendCancellable(ch, t.cancel) {
		return 0, true
	}
	return s.Rate(), false
}

// Close leaves the pipe, freeing its ceiling's share of throughput for
// redistribution among the remaining subscribers.
func (s *PipeSubscription) Close() {
	delete(s.pipe.subs, s.sub)
	s.pipe.recalc()
}

// Transfer subscribes an unbounded consumer to the pipe and blocks the
// calling task until amount has been moved at the pipe's fluctuating fair
// share, returning the elapsed simulated time. It returns cancelled=true,
// with the partial elapsed time, if t is cancelled first.
//
// The subscription's own ceiling is set to the pipe's current throughput,
// i.e. no self-imposed cap: alone on the pipe it gets the full throughput,
// shared it competes for an equal share like any other saturated
// subscriber. An actual +Inf ceiling would turn into a NaN rate the moment
// it was the only subscriber (Inf/Inf), so this is the practical stand-in
// for "unconstrained".
func (p *Pipe) Transfer(t *Task, amount float64) (elapsed float64, cancelled bool) {
	start := t.engine.now
	s := &pipeSub{ceiling: p.throughput, wake: make(chan struct{})}
	p.subs[s] = struct{}{}
	p.recalc()
	defer func() {
		delete(p.subs, s)
		p.recalc()
	}()

	remaining := amount
	for remaining > 1e-9 {
		rate := p.rateFor(s)
		if rate <= 0 {
			if t.engine.SuspendCancellable(s.wake, t.cancel) {
				return t.engine.now - start, true
			}
			continue
		}
		needed := remaining / rate
		doneCh := make(chan struct{})
		t.engine.ScheduleAt(t.engine.now+needed, doneCh)
		stepStart := t.engine.now
		waitCh := s.wake
		switch t.engine.suspendRace3(doneCh, waitCh, t.cancel) {
		case 0:
			remaining = 0
		case 1:
			remaining -= (t.engine.now - stepStart) * rate
		case 2:
			return t.engine.now - start, true
		}
	}
	return t.engine.now - start, false
}

// Subscribers reports the number of live subscriptions, including the
// transient ones opened internally by Transfer.
func (p *Pipe) Subscribers() int { return len(p.subs) }

// Throughput returns the pipe's total configured throughput.
func (p *Pipe) Throughput() float64 { return p.throughput }

// RequestedThroughput returns the sum of every live subscriber's ceiling,
// i.e. what the pipe would need to satisfy every subscriber unthrottled.
func (p *Pipe) RequestedThroughput() float64 {
	sum := 0.0
	for s := range p.subs {
		sum += s.ceiling
	}
	return sum
}

// rateFor computes a subscriber's max-min fair share. Subscribers below the
// unconstrained equal share keep their ceiling; the rest split what is left
// in proportion to their own ceiling.
func (p *Pipe) rateFor(target *pipeSub) float64 {
	n := len(p.subs)
	if n == 0 {
		return 0
	}
	equal := p.throughput / float64(n)
	saturatedCeilingSum := 0.0
	unconstrained := 0
	for s := range p.subs {
		if s.ceiling <= equal {
			unconstrained++
		} else {
			saturatedCeilingSum += s.ceiling
		}
	}
	if target.ceiling <= equal {
		return target.ceiling
	}
	remaining := p.throughput - sumUnconstrained(p.subs, equal)
	if saturatedCeilingSum <= 0 {
		return 0
	}
	return remaining * target.ceiling / saturatedCeilingSum
}

func sumUnconstrained(subs map[*pipeSub]struct{}, equal float64) float64 {
	sum := 0.0
	for s := range subs {
		if s.ceiling <= equal {
			sum += s.ceiling
		}
	}
	return sum
}

// recalc wakes every live subscriber whose rate may have changed, forcing an
// early resumption of anything parked in Wait. Subscribers not currently
// waiting simply observe the new rate next time they call Rate or Wait.
func (p *Pipe) recalc() {
	for s := range p.subs {
		p.engine.ScheduleNow(s.wake)
		s.wake = make(chan struct{})
		if p.onThrottle != nil {
			p.onThrottle(&PipeSubscription{pipe: p, sub: s}, p.rateFor(s))
		}
	}
}
