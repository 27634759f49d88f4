package pool_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/pool"
)

func TestPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pool suite")
}

type noopScheduler struct{}

func (noopScheduler) RegisterDrone(*drone.Drone)   {}
func (noopScheduler) UnregisterDrone(*drone.Drone) {}
func (noopScheduler) JobFinished(*job.Job)         {}

var _ = Describe("ElasticPool", func() {
	It("boots drones up to demand within the boot delay", func() {
		e := kernel.New()
		sched := noopScheduler{}
		makeDrone := func(schedulingDuration float64) *drone.Drone {
			return drone.New(e, drone.Config{
				Scheduler:          sched,
				PoolResources:      map[string]float64{"cores": 1},
				SchedulingDuration: schedulingDuration,
			})
		}
		p := pool.NewElasticPool(4, makeDrone, nil)
		p.SetDemand(2)

		var levelAtTen int
		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.GoVolatile(func(t *kernel.Task) { p.Run(t) })
			s.Go(func(t *kernel.Task) {
				t.Delay(10)
				levelAtTen = p.Level()
			})
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()
		Expect(levelAtTen).To(Equal(2))
	})
})

var _ = Describe("StaticPool", func() {
	It("fixes demand at capacity and never adapts", func() {
		e := kernel.New()
		sched := noopScheduler{}
		makeDrone := func(schedulingDuration float64) *drone.Drone {
			return drone.New(e, drone.Config{
				Scheduler:          sched,
				PoolResources:      map[string]float64{"cores": 1},
				SchedulingDuration: schedulingDuration,
			})
		}
		p := pool.NewStaticPool(3, makeDrone, nil)
		Expect(p.Level()).To(Equal(3))
		Expect(p.Demand()).To(Equal(3.0))
	})
})
