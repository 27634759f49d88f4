package classad_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/classad"
)

type attrs map[string]float64

func (a attrs) Attr(name string) (float64, bool) {
	v, ok := a[name]
	return v, ok
}

var _ = Describe("expression parsing and evaluation", func() {
	It("evaluates the default machine requirements expression", func() {
		ad, err := classad.Parse("requirements = target.requestcpus <= my.cpus")
		Expect(err).NotTo(HaveOccurred())
		expr, ok := ad.Attr("requirements")
		Expect(ok).To(BeTrue())

		my := attrs{"cpus": 4}
		Expect(expr.Eval(my, attrs{"requestcpus": 2})).To(Equal(1.0))
		Expect(expr.Eval(my, attrs{"requestcpus": 8})).To(Equal(0.0))
	})

	It("evaluates the default job requirements expression", func() {
		ad, err := classad.Parse("requirements = my.requestcpus <= target.cpus && my.requestmemory <= target.memory")
		Expect(err).NotTo(HaveOccurred())
		expr, _ := ad.Attr("requirements")

		my := attrs{"requestcpus": 2, "requestmemory": 1024}
		Expect(expr.Eval(my, attrs{"cpus": 4, "memory": 2048})).To(Equal(1.0))
		Expect(expr.Eval(my, attrs{"cpus": 1, "memory": 2048})).To(Equal(0.0))
		Expect(expr.Eval(my, attrs{"cpus": 4, "memory": 512})).To(Equal(0.0))
	})

	It("evaluates a bare expression source", func() {
		ad, err := classad.Parse("0")
		Expect(err).NotTo(HaveOccurred())
		Expect(ad.Eval(attrs{}, attrs{})).To(Equal(0.0))
	})

	It("respects arithmetic precedence and parentheses", func() {
		ad, err := classad.Parse("(my.a + my.b) * 2 - 1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ad.Eval(attrs{"a": 2, "b": 3}, nil)).To(Equal(9.0))
	})

	It("short-circuits && without needing a target", func() {
		ad, err := classad.Parse("my.x == 0 && target.y >= 1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ad.Eval(attrs{"x": 1}, nil)).To(Equal(0.0))
	})

	It("parses multiple attribute assignments from one source", func() {
		ad, err := classad.Parse("requirements = my.a <= target.a\nrank = target.b - my.b")
		Expect(err).NotTo(HaveOccurred())
		req, ok := ad.Attr("requirements")
		Expect(ok).To(BeTrue())
		rank, ok := ad.Attr("rank")
		Expect(ok).To(BeTrue())
		Expect(req.Eval(attrs{"a": 1}, attrs{"a": 2})).To(Equal(1.0))
		Expect(rank.Eval(attrs{"b": 1}, attrs{"b": 5})).To(Equal(4.0))
	})

	It("rejects an unknown attribute scope", func() {
		_, err := classad.Parse("requirements = foo.bar <= 1")
		Expect(err).To(HaveOccurred())
	})
})
