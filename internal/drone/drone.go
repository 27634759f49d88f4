// Package drone implements the simulated worker node: a fixed-capacity
// host that boots, registers with a scheduler, runs jobs under resource
// claims with optional kill-on-overuse, and shuts down on request.
package drone

import (
	"errors"

	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// State is a Drone's position in its BOOTING -> READY -> SHUT_DOWN
// lifecycle. SHUT_DOWN is terminal.
type State int

const (
	Booting State = iota
	Ready
	ShutDown
)

// Scheduler is the subset of scheduler behaviour a drone needs. Declared
// here rather than imported from package scheduler so drone never depends
// on scheduler; scheduler depends on drone instead.
type Scheduler interface {
	RegisterDrone(d *Drone)
	UnregisterDrone(d *Drone)
	JobFinished(j *job.Job)
}

// FileTransferer routes a drone's jobs' input file requests, normally a
// *storage.Connection. Declared locally to keep drone free of storage.
type FileTransferer interface {
	TransferFiles(t *kernel.Task, files []job.RequestedFile) (float64, error)
}

// Sample is pushed to the monitoring queue on every drone state change:
// registration, job admission/completion, and shutdown.
type Sample struct {
	Drone *Drone
}

// Drone is a simulated worker node with fixed pool resources and two live
// capacity views over them: Reserved (requested by running jobs) and Used
// (their observed consumption).
type Drone struct {
	scheduler          Scheduler
	connection         FileTransferer
	calcEfficiency     float64
	hasCalcEfficiency  bool
	poolResources      map[string]float64
	validResourceKeys  []string
	reserved           *kernel.Capacities
	used               *kernel.Capacities
	schedulingDuration float64
	state              State
	jobs               int
	monitor            *kernel.Queue[any]
	intake             *kernel.Queue[droneJob]
}

type droneJob struct {
	job  *job.Job
	kill bool
}

// Config bundles a Drone's construction parameters.
type Config struct {
	Scheduler          Scheduler
	Connection         FileTransferer
	PoolResources      map[string]float64
	IgnoreResources    []string
	SchedulingDuration float64
	CalculationEff     float64
	HasCalculationEff  bool
	Monitor            *kernel.Queue[any]
}

// New returns a Drone ready to have its run loop spawned.
func New(e *kernel.Engine, cfg Config) *Drone {
	ignore := make(map[string]bool, len(cfg.IgnoreResources))
	for _, k := range cfg.IgnoreResources {
		ignore[k] = true
	}
	var valid []string
	for k := range cfg.PoolResources {
		if !ignore[k] {
			valid = append(valid, k)
		}
	}
	return &Drone{
		scheduler:          cfg.Scheduler,
		connection:         cfg.Connection,
		calcEfficiency:     cfg.CalculationEff,
		hasCalcEfficiency:  cfg.HasCalculationEff,
		poolResources:      cfg.PoolResources,
		validResourceKeys:  valid,
		reserved:           kernel.NewCapacities(e, cfg.PoolResources),
		used:               kernel.NewCapacities(e, cfg.PoolResources),
		schedulingDuration: cfg.SchedulingDuration,
		monitor:            cfg.Monitor,
		intake:             kernel.NewQueue[droneJob](e),
	}
}

// TransferInputFiles implements job.Host.
func (d *Drone) TransferInputFiles(t *kernel.Task, files []job.RequestedFile) (float64, error) {
	if d.connection == nil {
		if len(files) == 0 {
			return 0, nil
		}
		return 0, errors.New("drone: no connection configured for file transfer")
	}
	return d.connection.TransferFiles(t, files)
}

// CalculationEfficiency implements job.Host.
func (d *Drone) CalculationEfficiency() (float64, bool) {
	return d.calcEfficiency, d.hasCalcEfficiency
}

// State returns the drone's current lifecycle state.
func (d *Drone) State() State { return d.state }

// Supply is 1 once the drone is registered and running, 0 otherwise.
func (d *Drone) Supply() float64 {
	if d.state == Ready {
		return 1
	}
	return 0
}

// Demand is always 1: a registered drone always wants exactly one unit of
// pool attention, regardless of load.
func (d *Drone) Demand() float64 { return 1 }

// Jobs returns the number of jobs currently running on this drone.
func (d *Drone) Jobs() int { return d.jobs }

// Allocation is the maximum, over the valid resource keys, of reserved/cap.
func (d *Drone) Allocation() float64 {
	max := 0.0
	for i, key := range d.validResourceKeys {
		frac := d.reserved.Used(key) / d.poolResources[key]
		if i == 0 || frac > max {
			max = frac
		}
	}
	return max
}

// Utilisation is the minimum, over the valid resource keys, of reserved/cap.
func (d *Drone) Utilisation() float64 {
	min := 0.0
	for i, key := range d.validResourceKeys {
		frac := d.reserved.Used(key) / d.poolResources[key]
		if i == 0 || frac < min {
			min = frac
		}
	}
	return min
}

// ResourceStatus is one resource dimension's current load, each expressed
// as a fraction of the drone's fixed pool capacity for that key.
type ResourceStatus struct {
	Requested float64 // reserved by admitted jobs, regardless of actual use
	Used      float64 // actually consumed, per observed usage
}

// ResourceStatuses reports Requested/Used fractions for every valid
// resource key, for monitoring.
func (d *Drone) ResourceStatuses() map[string]ResourceStatus {
	out := make(map[string]ResourceStatus, len(d.validResourceKeys))
	for _, key := range d.validResourceKeys {
		total := d.poolResources[key]
		out[key] = ResourceStatus{
			Requested: d.reserved.Used(key) / total,
			Used:      d.used.Used(key) / total,
		}
	}
	return out
}

// PoolResources returns the drone's fixed total capacities.
func (d *Drone) PoolResources() map[string]float64 { return d.poolResources }

// UnallocatedResources returns, for every pool resource key (including
// ones IgnoreResources excludes from allocation/utilisation accounting),
// the capacity still unreserved by running jobs. This is the view
// scheduler matching works against — a drone's full resource vector, not
// just the subset reported to monitoring — so a resource like disk still
// constrains and cost-weighs a match even when it is excluded from
// Allocation/Utilisation/ResourceStatuses.
func (d *Drone) UnallocatedResources() map[string]float64 {
	out := make(map[string]float64, len(d.poolResources))
	for key := range d.poolResources {
		out[key] = d.poolResources[key] - d.reserved.Used(key)
	}
	return out
}

func (d *Drone) sample() {
	if d.monitor != nil {
		d.monitor.Put(Sample{Drone: d})
	}
}

// Run suspends for SchedulingDuration, flips to Ready, registers with the
// scheduler, then drains scheduled jobs until ScheduleJob stops being
// called and the intake is closed by Shutdown, joining every spawned job
// before returning.
func (d *Drone) Run(t *kernel.Task) {
	t.Delay(d.schedulingDuration)
	d.state = Ready
	d.scheduler.RegisterDrone(d)
	d.sample()

	scope := kernel.NewScope(t)
	for {
		dj, ok, cancelled := d.intake.Get(t)
		if cancelled || !ok {
			break
		}
		dj := dj
		scope.Go(func(t *kernel.Task) {
			d.runJob(t, dj.job, dj.kill)
		})
	}
	scope.Wait()
}

// ScheduleJob enqueues job j for execution, optionally subject to
// kill-on-overuse, and returns immediately.
func (d *Drone) ScheduleJob(j *job.Job, kill bool) {
	d.intake.Put(droneJob{job: j, kill: kill})
}

// Shutdown flips supply to 0, unregisters from the scheduler, samples, then
// closes the intake and waits one tick so any job handed off in the same
// instant is still observed by Run's drain loop.
func (d *Drone) Shutdown(t *kernel.Task) {
	d.state = ShutDown
	d.scheduler.UnregisterDrone(d)
	d.sample()
	d.intake.Close()
	t.Delay(1)
}

func union(keys ...map[string]float64) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range keys {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func (d *Drone) runJob(t *kernel.Task, j *job.Job, kill bool) {
	releaseReserved, err, cancelled := d.reserved.Claim(t, j.Resources)
	if err != nil || cancelled {
		d.cancelAdmission(j)
		return
	}
	releaseUsed, err, cancelled := d.used.Claim(t, j.UsedResources)
	if err != nil || cancelled {
		releaseReserved()
		d.cancelAdmission(j)
		return
	}

	d.jobs++
	d.sample()

	keys := union(j.Resources, j.UsedResources)
	if kill {
		exceeded := map[string]float64{}
		for _, key := range keys {
			if j.UsedResources[key] > j.Resources[key] {
				exceeded[key] = j.UsedResources[key]
			}
		}
		if len(exceeded) > 0 {
			j.Success = job.Failed
			j.Drone = nil
			if d.monitor != nil {
				d.monitor.Put(job.Sample{Job: j, Exceeded: exceeded})
			}
			releaseUsed()
			releaseReserved()
			d.jobs--
			d.sample()
			d.scheduler.JobFinished(j)
			return
		}
	}

	j.Drone = d
	_ = j.Run(t, d, d.monitor)

	releaseUsed()
	releaseReserved()
	d.jobs--
	d.sample()
	d.scheduler.JobFinished(j)
}

func (d *Drone) cancelAdmission(j *job.Job) {
	j.Success = job.Failed
	j.Drone = nil
	if d.monitor != nil {
		d.monitor.Put(job.Sample{Job: j})
	}
	d.scheduler.JobFinished(j)
}
