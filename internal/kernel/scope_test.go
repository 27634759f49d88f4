package kernel_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/kernel"
)

var _ = Describe("Scope", func() {
	It("joins every child spawned with Go before returning", func() {
		e := kernel.New()
		var finished []int
		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			for i := 0; i < 3; i++ {
				i := i
				s.Go(func(t *kernel.Task) {
					t.Delay(float64(3 - i))
					finished = append(finished, i)
				})
			}
			Expect(s.Wait()).To(Succeed())
			Expect(finished).To(ConsistOf(0, 1, 2))
		})
		e.Run()
	})

	It("folds a joined child's panic into Wait's error", func() {
		e := kernel.New()
		boom := errors.New("boom")
		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.Go(func(t *kernel.Task) {
				panic(boom)
			})
			err := s.Wait()
			Expect(err).To(HaveOccurred())
		})
		e.Run()
	})

	It("cancels volatile children without surfacing their errors", func() {
		e := kernel.New()
		cancelled := false
		kernel.Spawn(e, func(t *kernel.Task) {
			s := kernel.NewScope(t)
			s.GoVolatile(func(t *kernel.Task) {
				t.Delay(1000)
				if t.Cancelled() {
					cancelled = true
				}
			})
			s.Go(func(t *kernel.Task) {
				t.Delay(1)
			})
			Expect(s.Wait()).To(Succeed())
		})
		e.Run()
		Expect(cancelled).To(BeTrue())
	})
})
