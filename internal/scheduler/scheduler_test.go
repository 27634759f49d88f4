package scheduler_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/scheduler"
)

func replayJobs(jobs []*job.Job) func() (*job.Job, bool) {
	i := 0
	return func() (*job.Job, bool) {
		if i >= len(jobs) {
			return nil, false
		}
		j := jobs[i]
		i++
		return j, true
	}
}

var _ = Describe("CondorJobScheduler", func() {
	It("matches two jobs onto a two-core drone", func() {
		e := kernel.New()
		stream := kernel.NewQueue[*job.Job](e)
		sched := scheduler.NewCondorJobScheduler(stream, nil)

		d := drone.New(e, drone.Config{
			Scheduler:          sched,
			PoolResources:      map[string]float64{"cores": 2},
			SchedulingDuration: 0,
		})

		jobs := []*job.Job{
			job.New("a", map[string]float64{"cores": 1, "walltime": 10}, nil, nil, 0, 0),
			job.New("b", map[string]float64{"cores": 1, "walltime": 10}, nil, nil, 0, 0),
		}

		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.Go(func(t *kernel.Task) { job.ReplayToQueue(t, replayJobs(jobs), stream) })
			s.Go(func(t *kernel.Task) { sched.Run(t) })
			s.GoVolatile(func(t *kernel.Task) { d.Run(t) })
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()

		Expect(jobs[0].Success).To(Equal(job.Succeeded))
		Expect(jobs[1].Success).To(Equal(job.Succeeded))
	})

	It("leaves a job unmatched when no drone can ever fit it", func() {
		e := kernel.New()
		stream := kernel.NewQueue[*job.Job](e)
		sched := scheduler.NewCondorJobScheduler(stream, nil)

		d := drone.New(e, drone.Config{
			Scheduler:          sched,
			PoolResources:      map[string]float64{"cores": 1},
			SchedulingDuration: 0,
		})

		tooBig := job.New("big", map[string]float64{"cores": 4, "walltime": 10}, nil, nil, 0, 0)

		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.GoVolatile(func(t *kernel.Task) { sched.Run(t) })
			s.GoVolatile(func(t *kernel.Task) { d.Run(t) })
			s.Go(func(t *kernel.Task) {
				job.ReplayToQueue(t, replayJobs([]*job.Job{tooBig}), stream)
				t.Delay(130)
			})
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()

		Expect(tooBig.Success).To(Equal(job.Unknown))
		Expect(tooBig.FailedMatches).To(BeNumerically(">", 0))
	})
})

var _ = Describe("CondorClassadJobScheduler", func() {
	It("only matches a job onto a drone with enough cores", func() {
		e := kernel.New()
		stream := kernel.NewQueue[*job.Job](e)
		sched := scheduler.NewCondorClassadJobScheduler(stream, nil, scheduler.CondorClassadConfig{Interval: 1})

		small := drone.New(e, drone.Config{Scheduler: sched, PoolResources: map[string]float64{"cores": 1}, SchedulingDuration: 0})
		big := drone.New(e, drone.Config{Scheduler: sched, PoolResources: map[string]float64{"cores": 4}, SchedulingDuration: 0})

		j := job.New("needs-2", map[string]float64{"cores": 2, "walltime": 5}, nil, nil, 0, 0)

		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.Go(func(t *kernel.Task) { job.ReplayToQueue(t, replayJobs([]*job.Job{j}), stream) })
			s.Go(func(t *kernel.Task) { sched.Run(t) })
			s.GoVolatile(func(t *kernel.Task) { small.Run(t) })
			s.GoVolatile(func(t *kernel.Task) { big.Run(t) })
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()

		Expect(j.Success).To(Equal(job.Succeeded))
	})
})
