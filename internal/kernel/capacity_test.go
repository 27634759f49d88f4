package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/kernel"
)

var _ = Describe("Capacities", func() {
	It("admits a claim that fits immediately", func() {
		e := kernel.New()
		c := kernel.NewCapacities(e, map[string]float64{"cores": 4})
		kernel.Spawn(e, func(t *kernel.Task) {
			release, err, cancelled := c.Claim(t, map[string]float64{"cores": 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled).To(BeFalse())
			Expect(c.Used("cores")).To(Equal(2.0))
			release()
			Expect(c.Used("cores")).To(Equal(0.0))
		})
		e.Run()
	})

	It("rejects a request that can never fit", func() {
		e := kernel.New()
		c := kernel.NewCapacities(e, map[string]float64{"cores": 4})
		kernel.Spawn(e, func(t *kernel.Task) {
			_, err, _ := c.Claim(t, map[string]float64{"cores": 8})
			Expect(err).To(MatchError(kernel.ErrResourcesUnavailable))
		})
		e.Run()
	})

	It("blocks a claim until enough capacity is released", func() {
		e := kernel.New()
		c := kernel.NewCapacities(e, map[string]float64{"cores": 4})
		var secondGrantedAt float64
		kernel.Spawn(e, func(t *kernel.Task) {
			release1, _, _ := c.Claim(t, map[string]float64{"cores": 4})
			s := kernel.NewScope(t)
			s.Go(func(t *kernel.Task) {
				release2, err, _ := c.Claim(t, map[string]float64{"cores": 3})
				Expect(err).NotTo(HaveOccurred())
				secondGrantedAt = t.Now()
				release2()
			})
			t.Delay(10)
			release1()
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()
		Expect(secondGrantedAt).To(Equal(10.0))
	})

	It("double-releasing a claim panics", func() {
		e := kernel.New()
		c := kernel.NewCapacities(e, map[string]float64{"cores": 4})
		kernel.Spawn(e, func(t *kernel.Task) {
			release, _, _ := c.Claim(t, map[string]float64{"cores": 1})
			release()
			Expect(release).To(Panic())
		})
		e.Run()
	})
})
