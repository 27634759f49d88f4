// Package job implements the simulated unit of work: a resource request
// that waits in a queue, runs on a drone, and reports success or failure.
package job

import (
	"fmt"
	"math"

	"github.com/MatterMiners/lapis/internal/kernel"
)

// Outcome is the terminal state of a Job. Unknown is the only non-terminal
// value; once a Job transitions away from it, it never transitions back.
type Outcome int

const (
	Unknown Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RequestedFile is an input file a job needs fetched before it can run.
// Hitrates, when non-nil, maps a site name to the fraction of this file's
// accesses historically served from that site's cache; its presence is what
// routes the transfer through a hitrate-based storage variant instead of
// on-demand caching.
type RequestedFile struct {
	Name     string
	Filesize float64
	Hitrates map[string]float64
}

// Host is the subset of drone behaviour a Job needs in order to run. It is
// declared here, not imported from package drone, so job never depends on
// drone — drone depends on job instead.
type Host interface {
	// TransferInputFiles fetches files and returns the elapsed simulated
	// time, or an error if no connection is configured.
	TransferInputFiles(t *kernel.Task, files []RequestedFile) (float64, error)
	// CalculationEfficiency returns the drone's cores-to-walltime scaling
	// factor and whether one is configured at all.
	CalculationEfficiency() (float64, bool)
}

// Job is a single unit of work: an immutable resource request, an observed
// usage profile, and queueing/outcome state mutated as it moves through the
// simulation.
type Job struct {
	Name string

	// Resources is the immutable request: cores, memory, disk, walltime,
	// and any job-specific keys a scheduler may consult.
	Resources map[string]float64
	// UsedResources is the observed usage profile, distinct from the
	// request: a job may request more (or less) than it actually uses.
	UsedResources map[string]float64
	InputFiles    []RequestedFile

	QueueDate     float64
	InQueueSince  float64
	InQueueUntil  float64
	Drone         any
	Success       Outcome
	FailedMatches int
}

// New returns a Job ready to be queued. walltime must be present in either
// resources or usedResources; a job lacking both is a programmer error.
func New(name string, resources, usedResources map[string]float64, inputFiles []RequestedFile, queueDate, inQueueSince float64) *Job {
	if _, ok := resources["walltime"]; !ok {
		if _, ok := usedResources["walltime"]; !ok {
			panic("job: no walltime in resources or used_resources")
		}
	}
	return &Job{
		Name:          name,
		Resources:     resources,
		UsedResources: usedResources,
		InputFiles:    inputFiles,
		QueueDate:     queueDate,
		InQueueSince:  inQueueSince,
		InQueueUntil:  math.Inf(1),
		Success:       Unknown,
	}
}

// Walltime returns the requested walltime, falling back to observed usage
// if the request omits it.
func (j *Job) Walltime() float64 {
	if v, ok := j.Resources["walltime"]; ok {
		return v
	}
	return j.UsedResources["walltime"]
}

// WaitingTime is the duration spent in queue, or +Inf while still waiting.
func (j *Job) WaitingTime() float64 {
	if math.IsInf(j.InQueueUntil, 1) {
		return math.Inf(1)
	}
	return j.InQueueUntil - j.InQueueSince
}

// Sample is pushed onto the monitoring queue whenever a job's state is
// worth recording: dispatch, cancellation, and completion. Exceeded carries
// the per-resource overrun amounts of a kill-on-overuse cancellation, and is
// nil otherwise.
type Sample struct {
	Job      *Job
	Exceeded map[string]float64
}

// Run is the only public execution entry point. It marks the job dispatched,
// samples its state, then executes either a pure-compute or an I/O-aware
// body depending on whether InputFiles is non-empty. t.Cancelled() is
// consulted once the body returns; a cancelled job always ends with
// Success == Failed and Drone cleared.
func (j *Job) Run(t *kernel.Task, host Host, monitor *kernel.Queue[any]) error {
	j.InQueueUntil = t.Now()
	if monitor != nil {
		monitor.Put(Sample{Job: j})
	}

	var err error
	if len(j.InputFiles) > 0 {
		err = j.runIOAware(t, host)
	} else {
		err = j.runPureCompute(t)
	}

	if t.Cancelled() || err != nil {
		j.Success = Failed
		j.Drone = nil
		if monitor != nil {
			monitor.Put(Sample{Job: j})
		}
		return err
	}
	j.Success = Succeeded
	if monitor != nil {
		monitor.Put(Sample{Job: j})
	}
	return nil
}

func (j *Job) runPureCompute(t *kernel.Task) error {
	t.Delay(j.Walltime())
	return nil
}

func (j *Job) runIOAware(t *kernel.Task, host Host) error {
	start := t.Now()
	scope := kernel.NewScope(t)

	var transferErr error
	scope.Go(func(t *kernel.Task) {
		_, err := host.TransferInputFiles(t, j.InputFiles)
		transferErr = err
	})
	scope.Go(func(t *kernel.Task) {
		cores := j.UsedResources["cores"]
		eff, ok := host.CalculationEfficiency()
		var duration float64
		if ok && eff > 0 {
			duration = cores / eff * j.Walltime()
		} else {
			duration = j.Walltime()
		}
		t.Delay(duration)
	})
	if err := scope.Wait(); err != nil {
		return err
	}
	if transferErr != nil {
		return transferErr
	}
	j.Resources["walltime"] = t.Now() - start
	return nil
}

// ReplayToQueue reads jobs from next (which returns nil, false once
// exhausted) and releases each into queue no earlier than its recorded
// queue_date, measured relative to the first job's queue_date. The queue is
// closed once the reader is exhausted.
func ReplayToQueue(t *kernel.Task, next func() (*Job, bool), queue *kernel.Queue[*Job]) {
	first, ok := next()
	if !ok {
		queue.Close()
		return
	}
	base := first.QueueDate
	pending := first

	for {
		if pending == nil {
			j, ok := next()
			if !ok {
				queue.Close()
				return
			}
			pending = j
		}
		target := pending.QueueDate - base
		t.Until(target)
		if t.Cancelled() {
			queue.Close()
			return
		}
		if t.Now() < target {
			panic(fmt.Sprintf("job: clock moved backward during replay: now=%g target=%g", t.Now(), target))
		}
		pending.InQueueSince = t.Now()
		queue.Put(pending)
		pending = nil
	}
}
