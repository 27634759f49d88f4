package scheduler

import (
	"sort"

	"github.com/MatterMiners/lapis/internal/classad"
	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

const (
	defaultMachineAd   = "requirements = target.requestcpus <= my.cpus"
	defaultJobAd       = "requirements = my.requestcpus <= target.cpus && my.requestmemory <= target.memory"
	defaultPreJobRank  = "0"
	defaultCondorClassadInterval = 60.0
)

// jobAdEnv exposes a job's requested resources to the ClassAd evaluator.
// Only request* attributes are ever looked up on a job-wrapped ad, since
// the default expressions only reference my.request* when my is a job and
// target.request* when target is a job.
type jobAdEnv struct{ job *job.Job }

func (e jobAdEnv) Attr(name string) (float64, bool) {
	switch name {
	case "requestcpus":
		return e.job.Resources["cores"], true
	case "requestmemory":
		return e.job.Resources["memory"], true
	case "requestdisk":
		return e.job.Resources["disk"], true
	case "requestwalltime":
		return e.job.Walltime(), true
	default:
		return 0, false
	}
}

// droneAdEnv exposes a drone's available capacity to the ClassAd
// evaluator, preferring a scratch override recorded during the current
// scheduling pass over the drone's real unallocated resources.
type droneAdEnv struct {
	drone *drone.Drone
	temp  map[string]float64
}

func (e droneAdEnv) lookup(key string) (float64, bool) {
	if v, ok := e.temp[key]; ok {
		return v, true
	}
	v, ok := e.drone.UnallocatedResources()[key]
	return v, ok
}

func (e droneAdEnv) Attr(name string) (float64, bool) {
	switch name {
	case "cpus":
		return e.lookup("cores")
	case "memory":
		return e.lookup("memory")
	case "disk":
		return e.lookup("disk")
	default:
		return 0, false
	}
}

func (e droneAdEnv) empty() bool {
	cores, ok := e.lookup("cores")
	return ok && cores < 1
}

// CondorClassadJobScheduler mimics HTCondor's matchmaking negotiator: jobs
// and drones each carry a ClassAd (Requirements plus, for drones, a
// PreJobRank used to prioritise which drones are considered first), and
// every scheduling cycle walks the queue trying to match each job against
// the best still-available drone.
type CondorClassadJobScheduler struct {
	stream     *kernel.Queue[*job.Job]
	monitor    *kernel.Queue[any]
	interval   float64
	machineAd  *classad.Ad
	jobAd      *classad.Ad
	preJobRank *classad.Ad
	drones     []*drone.Drone
	queue      jobQueue
	collecting bool
	processing int
}

// CondorClassadConfig bundles the ClassAd sources a CondorClassadJobScheduler
// is configured with; zero values fall back to HTCondor-style defaults.
type CondorClassadConfig struct {
	MachineAd  string
	JobAd      string
	PreJobRank string
	Interval   float64
}

// NewCondorClassadJobScheduler parses cfg's ClassAd sources and returns a
// matchmaking scheduler draining jobs from stream. Panics if any source
// fails to parse, since these are operator configuration, not simulation
// data.
func NewCondorClassadJobScheduler(stream *kernel.Queue[*job.Job], monitor *kernel.Queue[any], cfg CondorClassadConfig) *CondorClassadJobScheduler {
	machineSrc, jobSrc, rankSrc := cfg.MachineAd, cfg.JobAd, cfg.PreJobRank
	if machineSrc == "" {
		machineSrc = defaultMachineAd
	}
	if jobSrc == "" {
		jobSrc = defaultJobAd
	}
	if rankSrc == "" {
		rankSrc = defaultPreJobRank
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCondorClassadInterval
	}
	machineAd, err := classad.Parse(machineSrc)
	if err != nil {
		panic(err)
	}
	jobAd, err := classad.Parse(jobSrc)
	if err != nil {
		panic(err)
	}
	preJobRank, err := classad.Parse(rankSrc)
	if err != nil {
		panic(err)
	}
	return &CondorClassadJobScheduler{
		stream: stream, monitor: monitor, interval: interval,
		machineAd: machineAd, jobAd: jobAd, preJobRank: preJobRank,
		collecting: true,
	}
}

// RegisterDrone implements drone.Scheduler.
func (s *CondorClassadJobScheduler) RegisterDrone(d *drone.Drone) {
	s.drones = append(s.drones, d)
}

// UnregisterDrone implements drone.Scheduler.
func (s *CondorClassadJobScheduler) UnregisterDrone(d *drone.Drone) {
	for i, c := range s.drones {
		if c == d {
			s.drones = append(s.drones[:i], s.drones[i+1:]...)
			return
		}
	}
}

// Run collects jobs and matches the queue against registered drones every
// interval, terminating once collection has stopped, the queue is
// drained, and nothing is in flight.
func (s *CondorClassadJobScheduler) Run(t *kernel.Task) {
	scope := kernel.NewScope(t)
	scope.GoVolatile(func(t *kernel.Task) { s.collectJobs(t) })
	runUntilDrained(t, s.interval, s.scheduleJobs, func() bool {
		return !s.collecting && len(s.queue) == 0 && s.processing == 0
	})
	scope.Wait()
}

func (s *CondorClassadJobScheduler) collectJobs(t *kernel.Task) {
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

func (s *CondorClassadJobScheduler) sample() {
	if s.monitor != nil {
		s.monitor.Put(Sample{Scheduler: s, QueueLen: len(s.queue)})
	}
}

func (s *CondorClassadJobScheduler) allDronesEmpty(temps map[*drone.Drone]map[string]float64) bool {
	if len(s.drones) == 0 {
		return true
	}
	for _, d := range s.drones {
		if !(droneAdEnv{drone: d, temp: temps[d]}).empty() {
			return false
		}
	}
	return true
}

func (s *CondorClassadJobScheduler) scheduleJobs() {
	if s.allDronesEmpty(nil) {
		return
	}
	temps := make(map[*drone.Drone]map[string]float64, len(s.drones))
	type match struct {
		job   *job.Job
		drone *drone.Drone
	}
	var matches []match
	for _, j := range append(jobQueue(nil), s.queue...) {
		d := s.matchJob(j, temps)
		if d == nil {
			j.FailedMatches++
			continue
		}
		matches = append(matches, match{job: j, drone: d})
		remaining := droneAdEnv{drone: d, temp: temps[d]}
		next := make(map[string]float64, 3)
		for _, key := range []string{"cores", "memory", "disk"} {
			v, _ := remaining.lookup(key)
			next[key] = v
		}
		for key, amount := range j.Resources {
			next[key] -= amount
		}
		temps[d] = next
		if s.allDronesEmpty(temps) {
			break
		}
	}
	if len(matches) == 0 {
		return
	}
	for _, m := range matches {
		if idx := s.queue.indexOf(m.job); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		}
	}
	for _, m := range matches {
		m.drone.ScheduleJob(m.job, false)
	}
	s.sample()
}

// matchJob finds the best drone for j: drones are grouped by descending
// PreJobRank, filtered by the job's Requirements, ordered within a group
// by the job's Rank, and the first one whose own Requirements also accept
// the job (with target == the job) wins.
func (s *CondorClassadJobScheduler) matchJob(j *job.Job, temps map[*drone.Drone]map[string]float64) *drone.Drone {
	type candidate struct {
		drone *drone.Drone
		env   droneAdEnv
		rank  float64
	}
	var candidates []candidate
	for _, d := range s.drones {
		env := droneAdEnv{drone: d, temp: temps[d]}
		if env.empty() {
			continue
		}
		candidates = append(candidates, candidate{
			drone: d, env: env,
			rank: s.preJobRank.Eval(env, nil),
		})
	}

	jEnv := jobAdEnv{job: j}
	if req, ok := s.jobAd.Attr("requirements"); ok {
		filtered := candidates[:0]
		for _, c := range candidates {
			if req.Eval(jEnv, c.env) != 0 {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	sort.SliceStable(candidates, func(i, k int) bool { return candidates[i].rank > candidates[k].rank })

	rank, hasRank := s.jobAd.Attr("rank")
	i := 0
	for i < len(candidates) {
		k := i
		for k < len(candidates) && candidates[k].rank == candidates[i].rank {
			k++
		}
		group := candidates[i:k]
		if hasRank {
			sort.SliceStable(group, func(a, b int) bool {
				return rank.Eval(jEnv, group[a].env) > rank.Eval(jEnv, group[b].env)
			})
		}
		for _, c := range group {
			machineReq, ok := s.machineAd.Attr("requirements")
			if !ok || machineReq.Eval(c.env, jEnv) != 0 {
				return c.drone
			}
		}
		i = k
	}
	return nil
}

// JobFinished implements drone.Scheduler. A failed job is requeued into
// the local queue directly, the same way CondorJobScheduler.JobFinished
// requeues it.
func (s *CondorClassadJobScheduler) JobFinished(j *job.Job) {
	if j.Success == job.Succeeded {
		s.processing--
		return
	}
	s.queue = append(s.queue, j)
}
