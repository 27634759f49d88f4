package scheduler

import (
	"math"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// CondorJobScheduler clusters drones by how similar their unallocated
// resources are (L1 distance below 1 merges into the same cluster,
// represented by its first member) and greedily matches each queued job
// against the cheapest-fitting cluster. A cluster's cost, computed on its
// first drone, adds 1/floor(available/requested) for every resource the job
// requests and the drone's full available amount of every resource the job
// does not request, then divides by the number of distinct resource keys; a
// cost at or below 1 is accepted immediately, in queue order, so matching
// is order dependent by design.
type CondorJobScheduler struct {
	stream     *kernel.Queue[*job.Job]
	monitor    *kernel.Queue[any]
	interval   float64
	clusters   [][]*drone.Drone
	queue      jobQueue
	collecting bool
	processing int
}

// NewCondorJobScheduler returns a scheduler draining jobs from stream at
// 60-tick intervals.
func NewCondorJobScheduler(stream *kernel.Queue[*job.Job], monitor *kernel.Queue[any]) *CondorJobScheduler {
	return &CondorJobScheduler{stream: stream, monitor: monitor, interval: 60, collecting: true}
}

// RegisterDrone implements drone.Scheduler.
func (s *CondorJobScheduler) RegisterDrone(d *drone.Drone) { s.addDrone(d, nil) }

// UnregisterDrone implements drone.Scheduler.
func (s *CondorJobScheduler) UnregisterDrone(d *drone.Drone) {
	for i, cluster := range s.clusters {
		for j, c := range cluster {
			if c != d {
				continue
			}
			s.clusters[i] = append(cluster[:j], cluster[j+1:]...)
			if len(s.clusters[i]) == 0 {
				s.clusters = append(s.clusters[:i], s.clusters[i+1:]...)
			}
			return
		}
	}
}

func (s *CondorJobScheduler) updateDrone(d *drone.Drone) {
	s.UnregisterDrone(d)
	s.addDrone(d, nil)
}

func (s *CondorJobScheduler) addDrone(d *drone.Drone, estimate map[string]float64) {
	droneUnalloc := estimate
	if droneUnalloc == nil {
		droneUnalloc = d.UnallocatedResources()
	}
	bestIdx := -1
	bestDistance := math.Inf(1)
	for i, cluster := range s.clusters {
		rep := cluster[0]
		repUnalloc := rep.UnallocatedResources()
		distance := 0.0
		for _, key := range mapKeys(rep.PoolResources(), d.PoolResources()) {
			distance += math.Abs(repUnalloc[key] - droneUnalloc[key])
		}
		if distance < bestDistance {
			bestIdx = i
			bestDistance = distance
		}
	}
	if bestIdx >= 0 && bestDistance < 1 {
		s.clusters[bestIdx] = append(s.clusters[bestIdx], d)
		return
	}
	s.clusters = append(s.clusters, []*drone.Drone{d})
}

// Run collects jobs from stream and matches the queue against drone
// clusters every interval, terminating once collection has stopped, the
// queue is drained, and nothing is in flight.
func (s *CondorJobScheduler) Run(t *kernel.Task) {
	scope := kernel.NewScope(t)
	scope.GoVolatile(func(t *kernel.Task) { s.collectJobs(t) })
	runUntilDrained(t, s.interval, s.scheduleJobs, func() bool {
		return !s.collecting && len(s.queue) == 0 && s.processing == 0
	})
	scope.Wait()
}

func (s *CondorJobScheduler) collectJobs(t *kernel.Task) {
	for {
		j, ok, cancelled := s.stream.Get(t)
		if cancelled || !ok {
			break
		}
		s.queue = append(s.queue, j)
		s.processing++
		s.sample()
	}
	s.collecting = false
}

func (s *CondorJobScheduler) sample() {
	if s.monitor != nil {
		s.monitor.Put(Sample{Scheduler: s, QueueLen: len(s.queue)})
	}
}

func (s *CondorJobScheduler) scheduleJobs() {
	for _, j := range append(jobQueue(nil), s.queue...) {
		best := s.matchJob(j)
		if best == nil {
			j.FailedMatches++
			continue
		}
		best.ScheduleJob(j, false)
		if idx := s.queue.indexOf(j); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		}
		s.UnregisterDrone(best)
		left := best.UnallocatedResources()
		for key, amount := range j.Resources {
			left[key] -= amount
		}
		s.addDrone(best, left)
	}
	s.sample()
}

// matchJob returns the lowest-cost drone whose unallocated resources fit
// job j, preferring the first cluster found with cost <= 1, or nil if no
// cluster can take the job at all.
func (s *CondorJobScheduler) matchJob(j *job.Job) *drone.Drone {
	type candidate struct {
		drone *drone.Drone
		cost  float64
	}
	var priorities []candidate
	for _, cluster := range s.clusters {
		d := cluster[0]
		resources := d.UnallocatedResources()
		cost := 0.0
		fits := true
		requestedKeys := capacityKeys(j.Resources)
		for _, resourceType := range requestedKeys {
			requested := j.Resources[resourceType]
			avail, ok := resources[resourceType]
			if !ok {
				continue // unconstrained on this drone
			}
			if avail < requested {
				fits = false
				break
			}
			if requested > 0 {
				cost += 1 / math.Floor(avail/requested)
			}
		}
		if !fits {
			continue
		}
		for _, key := range mapKeys(d.PoolResources()) {
			if _, requested := j.Resources[key]; !requested {
				cost += resources[key]
			}
		}
		cost /= float64(len(mapKeys(requestedResourceMap(j.Resources), d.PoolResources())))
		if cost <= 1 {
			return d
		}
		priorities = append(priorities, candidate{drone: d, cost: cost})
	}
	if len(priorities) == 0 {
		return nil
	}
	best := priorities[0]
	for _, c := range priorities[1:] {
		if c.cost < best.cost {
			best = c
		}
	}
	return best.drone
}

// JobFinished implements drone.Scheduler. A failed job is requeued
// directly rather than replayed through the upstream stream, since that
// stream may already be closed once replay has finished. A successful job
// leaves its drone's unallocated resources better than the estimate addDrone
// used when it was matched, so the drone is re-clustered against its actual
// current headroom.
func (s *CondorJobScheduler) JobFinished(j *job.Job) {
	if j.Success == job.Succeeded {
		s.processing--
		if d, ok := j.Drone.(*drone.Drone); ok {
			s.updateDrone(d)
		}
		return
	}
	s.queue = append(s.queue, j)
}
