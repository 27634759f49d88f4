package kernel

import "errors"

// ErrResourcesUnavailable is returned by Capacities.Claim when a request
// exceeds the total capacity of some named resource and can never succeed,
// no matter how long the caller waits.
var ErrResourcesUnavailable = errors.New("kernel: requested amount exceeds total capacity")

// Capacities tracks a fixed set of named, numeric resource pools (cores,
// memory, disk, ...) and arbitrates blocking claims against them. Blocked
// claims are woken in arrival order whenever capacity is released and each
// re-checks in that order; a claim that fits when it is made is granted at
// once, even while earlier claims are still waiting, and a woken claim that
// still does not fit queues again behind the others, so strict
// first-come-first-served order is not kept.
type Capacities struct {
	engine  *Engine
	total   map[string]float64
	used    map[string]float64
	waiters []chan struct{}
}

// NewCapacities returns a Capacities with the given total amount per
// resource name. Resources absent from total are treated as unconstrained.
func NewCapacities(e *Engine, total map[string]float64) *Capacities {
	t := make(map[string]float64, len(total))
	for k, v := range total {
		t[k] = v
	}
	return &Capacities{engine: e, total: t, used: make(map[string]float64)}
}

// Used returns the amount of name currently claimed.
func (c *Capacities) Used(name string) float64 { return c.used[name] }

// Total returns the configured total for name, or false if unconstrained.
func (c *Capacities) Total(name string) (float64, bool) {
	v, ok := c.total[name]
	return v, ok
}

func (c *Capacities) fits(amounts map[string]float64) bool {
	for name, amount := range amounts {
		total, ok := c.total[name]
		if !ok {
			continue
		}
		if c.used[name]+amount > total {
			return false
		}
	}
	return true
}

func (c *Capacities) exceedsTotal(amounts map[string]float64) bool {
	for name, amount := range amounts {
		total, ok := c.total[name]
		if ok && amount > total {
			return true
		}
	}
	return false
}

// Claim blocks the calling task until amounts can be reserved simultaneously
// against every named resource, then reserves them and returns a release
// function the caller must invoke exactly once to give the resources back.
// It returns ErrResourcesUnavailable immediately, without blocking, if the
// request can never be satisfied. It returns cancelled=true if t is
// cancelled while waiting, in which case nothing was reserved.
func (c *Capacities) Claim(t *Task, amounts map[string]float64) (release func(), err error, cancelled bool) {
	if c.exceedsTotal(amounts) {
		return nil, ErrResourcesUnavailable, false
	}
	for !c.fits(amounts) {
		ch := make(chan struct{})
		c.waiters = append(c.waiters, ch)
		if t.engine.SuspendCancellable(ch, t.cancel) {
			return nil, nil, true
		}
	}
	for name, amount := range amounts {
		c.used[name] += amount
	}
	released := false
	release = func() {
		if released {
			panic("kernel: double release of capacity claim")
		}
		released = true
		for name, amount := range amounts {
			c.used[name] -= amount
		}
		c.wakeAll()
	}
	return release, nil, false
}

// Reserve immediately reserves amounts without blocking, for seeding a
// Capacities' initial state (e.g. files already resident in a storage
// element at startup) rather than arbitrating a live request. It returns
// ok=false, reserving nothing, if amounts does not currently fit.
func (c *Capacities) Reserve(amounts map[string]float64) (release func(), ok bool) {
	if !c.fits(amounts) {
		return nil, false
	}
	for name, amount := range amounts {
		c.used[name] += amount
	}
	released := false
	return func() {
		if released {
			panic("kernel: double release of capacity claim")
		}
		released = true
		for name, amount := range amounts {
			c.used[name] -= amount
		}
		c.wakeAll()
	}, true
}

// wakeAll wakes every waiter so each can re-check fits() in its own turn.
// Waking all (rather than guessing who now fits) keeps the design simple and
// correct, at the cost of spurious wakeups that simply re-block.
func (c *Capacities) wakeAll() {
	for _, ch := range c.waiters {
		c.engine.ScheduleNow(ch)
	}
	c.waiters = nil
}
