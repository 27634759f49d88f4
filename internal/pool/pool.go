// Package pool implements drone containers — static and elastic — and the
// cobald-style controllers that regulate an elastic pool's demand from
// allocation/utilisation signals.
package pool

import (
	"math"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// Pool is the shared contract of a drone container, regardless of whether
// it adapts its size over time.
type Pool interface {
	Run(t *kernel.Task)
	Level() int
	Capacity() float64
	Demand() float64
	SetDemand(v float64)
	Supply() float64
	Allocation() float64
	Utilisation() float64
	Drones() []*drone.Drone
}

// Sample is pushed to the monitoring queue whenever a pool's level,
// demand, allocation or utilisation is worth recording.
type Sample struct {
	Pool Pool
	Type string
}

// MakeDrone constructs a drone with the given boot delay; pools pass this
// in rather than knowing a drone's construction details themselves.
type MakeDrone func(schedulingDuration float64) *drone.Drone

type base struct {
	drones    []*drone.Drone
	level     int
	capacity  float64
	demand    float64
	makeDrone MakeDrone
	monitor   *kernel.Queue[any]
}

func (b *base) Level() int          { return b.level }
func (b *base) Capacity() float64   { return b.capacity }
func (b *base) Demand() float64     { return b.demand }
func (b *base) Drones() []*drone.Drone {
	out := make([]*drone.Drone, len(b.drones))
	copy(out, b.drones)
	return out
}

func (b *base) SetDemand(v float64) {
	if v > 0 {
		b.demand = v
	} else {
		b.demand = 0
	}
}

func (b *base) Supply() float64 {
	sum := 0.0
	for _, d := range b.drones {
		sum += d.Supply()
	}
	return sum
}

func (b *base) Allocation() float64 {
	if len(b.drones) == 0 {
		return 1
	}
	sum := 0.0
	for _, d := range b.drones {
		sum += d.Allocation()
	}
	return sum / float64(len(b.drones))
}

func (b *base) Utilisation() float64 {
	if len(b.drones) == 0 {
		return 1
	}
	sum := 0.0
	for _, d := range b.drones {
		sum += d.Utilisation()
	}
	return sum / float64(len(b.drones))
}

func (b *base) sample(kind string, p Pool) {
	if b.monitor != nil {
		b.monitor.Put(Sample{Pool: p, Type: kind})
	}
}

// ElasticPool reconciles its drone level toward min(demand, capacity)
// every tick: booting new drones when short, shutting down idle ones
// (jobs == 0) when long.
type ElasticPool struct {
	base
}

// NewElasticPool returns an ElasticPool with no drones and demand 1.
func NewElasticPool(capacity float64, makeDrone MakeDrone, monitor *kernel.Queue[any]) *ElasticPool {
	return &ElasticPool{base: base{capacity: capacity, demand: 1, makeDrone: makeDrone, monitor: monitor}}
}

// Run drives the reconciliation loop. It never returns on its own; callers
// spawn it as a volatile scope child so it is cancelled at shutdown.
func (p *ElasticPool) Run(t *kernel.Task) {
	scope := kernel.NewScope(t)
	for {
		need := int(min(p.demand, p.capacity)) - p.level
		for need > 0 {
			d := p.makeDrone(10)
			p.drones = append(p.drones, d)
			scope.GoVolatile(func(t *kernel.Task) { d.Run(t) })
			p.level++
			need--
		}
		for need < 0 && p.level > 0 {
			idx := -1
			for i, d := range p.drones {
				if d.Jobs() == 0 {
					idx = i
					break
				}
			}
			if idx < 0 {
				break
			}
			d := p.drones[idx]
			p.drones = append(p.drones[:idx], p.drones[idx+1:]...)
			scope.GoVolatile(func(t *kernel.Task) { d.Shutdown(t) })
			p.level--
			need++
		}
		p.sample("elastic", p)
		t.Delay(1)
		if t.Cancelled() {
			scope.Wait()
			return
		}
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// StaticPool boots capacity drones immediately at full demand and never
// adapts again.
type StaticPool struct {
	base
}

// NewStaticPool returns a StaticPool with capacity drones already
// instantiated (boot delay 0) and demand fixed at capacity.
func NewStaticPool(capacity float64, makeDrone MakeDrone, monitor *kernel.Queue[any]) *StaticPool {
	if capacity <= 0 || math.IsInf(capacity, 1) || math.IsNaN(capacity) {
		panic("pool: static pool requires a finite positive capacity")
	}
	p := &StaticPool{base: base{capacity: capacity, demand: capacity, makeDrone: makeDrone, monitor: monitor}}
	for i := 0; i < int(capacity); i++ {
		d := makeDrone(0)
		p.drones = append(p.drones, d)
		p.level++
	}
	return p
}

// Run boots every drone's run loop then parks forever: a static pool does
// not react to changing conditions after initialisation.
func (p *StaticPool) Run(t *kernel.Task) {
	scope := kernel.NewScope(t)
	for _, d := range p.drones {
		d := d
		scope.GoVolatile(func(t *kernel.Task) { d.Run(t) })
	}
	p.sample("static", p)
	t.Eternity()
	scope.Wait()
}
