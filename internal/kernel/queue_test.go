package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/kernel"
)

var _ = Describe("Queue", func() {
	It("delivers items in FIFO order to a waiting consumer", func() {
		e := kernel.New()
		q := kernel.NewQueue[int](e)
		var got []int
		kernel.Spawn(e, func(t *kernel.Task) {
			for i := 0; i < 3; i++ {
				v, ok, cancelled := q.Get(t)
				Expect(cancelled).To(BeFalse())
				Expect(ok).To(BeTrue())
				got = append(got, v)
			}
		})
		kernel.Spawn(e, func(t *kernel.Task) {
			t.Delay(1)
			q.Put(1)
			q.Put(2)
			q.Put(3)
		})
		e.Run()
		Expect(got).To(Equal([]int{1, 2, 3}))
	})

	It("reports ok=false once closed and drained", func() {
		e := kernel.New()
		q := kernel.NewQueue[string](e)
		q.Put("only")
		var results []string
		var ok2 bool
		kernel.Spawn(e, func(t *kernel.Task) {
			v, ok, _ := q.Get(t)
			results = append(results, v)
			Expect(ok).To(BeTrue())
			q.Close()
			_, ok2, _ = q.Get(t)
		})
		e.Run()
		Expect(results).To(Equal([]string{"only"}))
		Expect(ok2).To(BeFalse())
	})

	It("propagates cancellation from an enclosing scope into a blocked Get", func() {
		e := kernel.New()
		q := kernel.NewQueue[int](e)
		var gotCancelled bool
		kernel.Spawn(e, func(t *kernel.Task) {
			outer := kernel.NewScope(t)
			outer.GoVolatile(func(t *kernel.Task) {
				inner := kernel.NewScope(t)
				inner.Go(func(t *kernel.Task) {
					_, _, cancelled := q.Get(t)
					gotCancelled = cancelled
				})
				Expect(inner.Wait()).To(Succeed())
			})
			outer.Go(func(t *kernel.Task) {
				t.Delay(1)
			})
			Expect(outer.Wait()).To(Succeed())
		})
		e.Run()
		Expect(gotCancelled).To(BeTrue())
	})
})
