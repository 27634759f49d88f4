package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/kernel"
)

var _ = Describe("Pipe", func() {
	It("grants a lone subscriber its full ceiling, capped by throughput", func() {
		e := kernel.New()
		p := kernel.NewPipe(e, 100)
		sub := p.Subscribe(40)
		Expect(sub.Rate()).To(Equal(40.0))
	})

	It("splits throughput evenly when every ceiling exceeds the equal share", func() {
		e := kernel.New()
		p := kernel.NewPipe(e, 100)
		a := p.Subscribe(1000)
		b := p.Subscribe(1000)
		Expect(a.Rate()).To(Equal(50.0))
		Expect(b.Rate()).To(Equal(50.0))
	})

	It("lets a low-ceiling subscriber keep its ceiling and redistributes the rest", func() {
		e := kernel.New()
		p := kernel.NewPipe(e, 100)
		low := p.Subscribe(10)
		high := p.Subscribe(1000)
		Expect(low.Rate()).To(Equal(10.0))
		Expect(high.Rate()).To(Equal(90.0))
	})

	It("re-throttles remaining subscribers when one closes", func() {
		e := kernel.New()
		p := kernel.NewPipe(e, 100)
		a := p.Subscribe(1000)
		b := p.Subscribe(1000)
		Expect(a.Rate()).To(Equal(50.0))
		b.Close()
		Expect(a.Rate()).To(Equal(100.0))
	})

	It("wakes a waiting subscriber when its rate changes", func() {
		e := kernel.New()
		p := kernel.NewPipe(e, 100)
		a := p.Subscribe(1000)
		var newRate float64
		kernel.Spawn(e, func(t *kernel.Task) {
			rate, cancelled := a.Wait(t)
			Expect(cancelled).To(BeFalse())
			newRate = rate
		})
		kernel.Spawn(e, func(t *kernel.Task) {
			t.Delay(1)
			p.Subscribe(1000)
		})
		e.Run()
		Expect(newRate).To(Equal(50.0))
	})
})
