package drone_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

func TestDrone(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "drone suite")
}

type stubScheduler struct {
	registered   []*drone.Drone
	unregistered []*drone.Drone
	finished     []*job.Job
}

func (s *stubScheduler) RegisterDrone(d *drone.Drone)   { s.registered = append(s.registered, d) }
func (s *stubScheduler) UnregisterDrone(d *drone.Drone) { s.unregistered = append(s.unregistered, d) }
func (s *stubScheduler) JobFinished(j *job.Job)         { s.finished = append(s.finished, j) }

var _ = Describe("Drone", func() {
	It("runs two sequential jobs on a single-core drone, total elapsed 20", func() {
		e := kernel.New()
		sched := &stubScheduler{}
		d := drone.New(e, drone.Config{
			Scheduler:          sched,
			PoolResources:      map[string]float64{"cores": 1, "memory": 1},
			SchedulingDuration: 0,
		})
		j1 := job.New("j1", map[string]float64{"cores": 1, "memory": 1, "walltime": 10}, map[string]float64{"cores": 1, "memory": 1}, nil, 0, 0)
		j2 := job.New("j2", map[string]float64{"cores": 1, "memory": 1, "walltime": 10}, map[string]float64{"cores": 1, "memory": 1}, nil, 0, 0)

		kernel.Spawn(e, func(t *kernel.Task) {
			d.Run(t)
		})
		kernel.Spawn(e, func(t *kernel.Task) {
			d.ScheduleJob(j1, false)
			d.ScheduleJob(j2, false)
			t.Delay(25)
			d.Shutdown(t)
		})
		e.Run()

		Expect(sched.finished).To(HaveLen(2))
		Expect(j1.Success).To(Equal(job.Succeeded))
		Expect(j2.Success).To(Equal(job.Succeeded))
		// One core: the second job starts when the first ends at 10, so the
		// pair is done at 20.
		Expect([]float64{j1.WaitingTime(), j2.WaitingTime()}).To(ConsistOf(0.0, 10.0))
	})

	It("cancels a job that exceeds its requested resources when kill is set", func() {
		e := kernel.New()
		sched := &stubScheduler{}
		d := drone.New(e, drone.Config{
			Scheduler:          sched,
			PoolResources:      map[string]float64{"memory": 4},
			SchedulingDuration: 0,
		})
		j := job.New("overuser", map[string]float64{"memory": 1, "walltime": 100}, map[string]float64{"memory": 2}, nil, 0, 0)

		kernel.Spawn(e, func(t *kernel.Task) {
			d.Run(t)
		})
		kernel.Spawn(e, func(t *kernel.Task) {
			d.ScheduleJob(j, true)
			t.Delay(1)
			d.Shutdown(t)
		})
		e.Run()

		Expect(j.Success).To(Equal(job.Failed))
		Expect(sched.finished).To(ConsistOf(j))
	})
})
