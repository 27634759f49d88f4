// Package sim wires a simulation run's top-level components — pools,
// controllers, a scheduler, an optional storage connection, the job queue
// feed, and the monitoring dispatcher — into one root scope and drives
// them from the shared kernel.Engine clock.
package sim

import (
	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/monitor"
	"github.com/MatterMiners/lapis/internal/pool"
	"github.com/MatterMiners/lapis/internal/storage"
)

// Scheduler is the subset of scheduler behaviour the Simulator drives.
// Both CondorJobScheduler and CondorClassadJobScheduler satisfy it.
type Scheduler interface {
	drone.Scheduler
	Run(t *kernel.Task)
}

// Controller is the subset of controller behaviour the Simulator drives.
// Every pool controller (LinearController, RelativeSupplyController,
// CostController) satisfies it.
type Controller interface {
	Run(t *kernel.Task)
}

// JobReader feeds jobs from some external source into queue, pacing
// releases by queue_date via job.ReplayToQueue, and closes queue once
// exhausted or cancelled. Built from an internal/simio reader's iterator.
type JobReader func(t *kernel.Task, queue *kernel.Queue[*job.Job])

// Config bundles everything one simulation run wires together. Only Queue
// and Scheduler are required; everything else may be left zero for a
// degenerate run (useful in tests exercising one component in isolation).
type Config struct {
	Queue       *kernel.Queue[*job.Job]
	Pools       []pool.Pool
	Connection  *storage.Connection
	Controllers []Controller
	Scheduler   Scheduler
	Monitor     *monitor.Dispatcher
	Reader      JobReader
}

// Simulator owns one run's top-level components.
type Simulator struct {
	engine      *kernel.Engine
	queue       *kernel.Queue[*job.Job]
	pools       []pool.Pool
	connection  *storage.Connection
	controllers []Controller
	scheduler   Scheduler
	monitor     *monitor.Dispatcher
	reader      JobReader
	duration    float64
}

// New returns a Simulator ready to Run on e.
func New(e *kernel.Engine, cfg Config) *Simulator {
	return &Simulator{
		engine:      e,
		queue:       cfg.Queue,
		pools:       cfg.Pools,
		connection:  cfg.Connection,
		controllers: cfg.Controllers,
		scheduler:   cfg.Scheduler,
		monitor:     cfg.Monitor,
		reader:      cfg.Reader,
	}
}

// Duration returns the simulated time the last Run's scope exited at.
func (s *Simulator) Duration() float64 { return s.duration }

// Run opens a root scope, launches every pool/controller/the monitoring
// dispatcher as a volatile child, installs the connection's pipe
// monitoring, and joins the job reader and the scheduler: the scheduler's
// own termination rule (stream closed, queue drained, nothing in flight) is
// what makes a run end once every submitted job has actually finished
// running, not merely been submitted — so it, like the reader, is a
// required child rather than a volatile one. If until is non-nil, a joined
// deadline task additionally cancels the whole scope once the clock reaches
// *until regardless of what else is still running. Run blocks until the
// scope closes and records Duration as the simulated time at that point.
func (s *Simulator) Run(until *float64) {
	kernel.Spawn(s.engine, func(t *kernel.Task) {
		scope := kernel.NewScope(t)

		for _, p := range s.pools {
			p := p
			scope.GoVolatile(func(t *kernel.Task) { p.Run(t) })
		}
		for _, c := range s.controllers {
			c := c
			scope.GoVolatile(func(t *kernel.Task) { c.Run(t) })
		}
		if s.scheduler != nil {
			scope.Go(func(t *kernel.Task) { s.scheduler.Run(t) })
		}
		if s.connection != nil {
			s.connection.MonitorPipes()
		}
		if s.monitor != nil {
			scope.GoVolatile(func(t *kernel.Task) { s.monitor.Run(t) })
		}
		if s.reader != nil {
			scope.Go(func(t *kernel.Task) { s.reader(t, s.queue) })
		}
		if until != nil {
			deadline := *until
			scope.Go(func(t *kernel.Task) {
				t.Until(deadline)
				scope.Cancel()
			})
		}

		if err := scope.Wait(); err != nil {
			panic(err)
		}
		s.duration = t.Now()
	})
	s.engine.Run()
}
