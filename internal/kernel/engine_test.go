package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/kernel"
)

var _ = Describe("Engine", func() {
	It("advances its clock in schedule order", func() {
		e := kernel.New()
		var trace []float64
		kernel.Spawn(e, func(t *kernel.Task) {
			trace = append(trace, t.Now())
			t.Delay(5)
			trace = append(trace, t.Now())
			t.Delay(2.5)
			trace = append(trace, t.Now())
		})
		e.Run()
		Expect(trace).To(Equal([]float64{0, 5, 7.5}))
		Expect(e.Pending()).To(BeZero())
	})

	It("runs same-instant tasks in scheduling order", func() {
		e := kernel.New()
		var order []int
		kernel.Spawn(e, func(t *kernel.Task) {
			order = append(order, 1)
		})
		kernel.Spawn(e, func(t *kernel.Task) {
			order = append(order, 2)
		})
		e.Run()
		Expect(order).To(Equal([]int{1, 2}))
	})

	It("rejects negative delays", func() {
		e := kernel.New()
		kernel.Spawn(e, func(t *kernel.Task) {
			Expect(func() { t.Delay(-1) }).To(Panic())
		})
		e.Run()
	})

	It("treats Until targets in the past as a no-op", func() {
		e := kernel.New()
		kernel.Spawn(e, func(t *kernel.Task) {
			t.Delay(10)
			before := t.Now()
			t.Until(3)
			Expect(t.Now()).To(Equal(before))
		})
		e.Run()
	})
})
