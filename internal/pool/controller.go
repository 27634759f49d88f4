package pool

import "github.com/MatterMiners/lapis/internal/kernel"

// LinearController is the cobald linear control rule: demand rises by a
// multiplicative rate when allocation is at or above highAllocation, falls
// by the same rate when utilisation is at or below lowUtilisation,
// otherwise holds.
type LinearController struct {
	Target         Pool
	LowUtilisation float64
	HighAllocation float64
	Rate           float64
	Interval       float64
}

// NewLinearController returns a controller with the given thresholds.
func NewLinearController(target Pool, lowUtilisation, highAllocation, rate, interval float64) *LinearController {
	return &LinearController{Target: target, LowUtilisation: lowUtilisation, HighAllocation: highAllocation, Rate: rate, Interval: interval}
}

// Regulate applies one control step. interval is accepted for parity with
// the Python source, which threads it through unused by the linear rule
// itself; subclasses like CostController do use it indirectly via Run.
func (c *LinearController) Regulate(interval float64) {
	allocation := c.Target.Allocation()
	utilisation := c.Target.Utilisation()
	demand := c.Target.Demand()
	if allocation >= c.HighAllocation {
		demand *= c.Rate
	} else if utilisation <= c.LowUtilisation {
		demand /= c.Rate
	}
	c.Target.SetDemand(demand)
}

// Run invokes Regulate every Interval ticks until cancelled.
func (c *LinearController) Run(t *kernel.Task) {
	for {
		c.Regulate(c.Interval)
		t.Delay(c.Interval)
		if t.Cancelled() {
			return
		}
	}
}

// RelativeSupplyController scales demand by lowScale/highScale bands
// instead of a flat multiplicative rate.
type RelativeSupplyController struct {
	Target         Pool
	LowUtilisation float64
	HighAllocation float64
	LowScale       float64
	HighScale      float64
	Interval       float64
}

// NewRelativeSupplyController returns a controller with the given bands.
func NewRelativeSupplyController(target Pool, lowUtilisation, highAllocation, lowScale, highScale, interval float64) *RelativeSupplyController {
	return &RelativeSupplyController{
		Target: target, LowUtilisation: lowUtilisation, HighAllocation: highAllocation,
		LowScale: lowScale, HighScale: highScale, Interval: interval,
	}
}

// Regulate applies one control step using the supply-relative bands.
func (c *RelativeSupplyController) Regulate(interval float64) {
	allocation := c.Target.Allocation()
	utilisation := c.Target.Utilisation()
	supply := c.Target.Supply()
	if allocation >= c.HighAllocation {
		c.Target.SetDemand(supply * c.HighScale)
	} else if utilisation <= c.LowUtilisation {
		c.Target.SetDemand(supply * c.LowScale)
	}
}

// Run invokes Regulate every Interval ticks until cancelled.
func (c *RelativeSupplyController) Run(t *kernel.Task) {
	for {
		c.Regulate(c.Interval)
		t.Delay(c.Interval)
		if t.Cancelled() {
			return
		}
	}
}

// CostController is a linear controller override: while the pool is
// nearly saturated (supply - allocation <= 1) it keeps bidding demand up
// by a growing integer cost as long as utilisation stays high, and backs
// off (decaying the cost) once it doesn't.
type CostController struct {
	LinearController
	CurrentCost float64
}

// NewCostController returns a CostController with an initial cost of 1.
func NewCostController(target Pool, lowUtilisation, highAllocation, rate, interval float64) *CostController {
	return &CostController{
		LinearController: LinearController{Target: target, LowUtilisation: lowUtilisation, HighAllocation: highAllocation, Rate: rate, Interval: interval},
		CurrentCost:       1,
	}
}

// Regulate overrides LinearController's rule with the cost-based one.
func (c *CostController) Regulate(interval float64) {
	allocation := 0.0
	for _, d := range c.Target.Drones() {
		allocation += d.Allocation()
	}
	if c.Target.Supply()-allocation <= 1 {
		if c.Target.Utilisation() >= 0.8 {
			c.Target.SetDemand(allocation + c.CurrentCost)
			c.CurrentCost++
		} else {
			c.Target.SetDemand(allocation)
			if c.CurrentCost > 1 {
				c.CurrentCost--
			}
		}
	}
}

// Run invokes Regulate every Interval ticks until cancelled.
func (c *CostController) Run(t *kernel.Task) {
	for {
		c.Regulate(c.Interval)
		t.Delay(c.Interval)
		if t.Cancelled() {
			return
		}
	}
}
