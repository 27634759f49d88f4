package monitor_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/monitor"
	"github.com/MatterMiners/lapis/internal/storage"
)

func gather(d *monitor.Dispatcher, name string) *io_prometheus_client.MetricFamily {
	families, err := d.Registry().Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

var _ = Describe("Dispatcher", func() {
	It("fans a PipeSample out to a named zap logger and a Prometheus gauge", func() {
		core, logs := observer.New(zapcore.InfoLevel)
		e := kernel.New()
		queue := kernel.NewQueue[any](e)
		d := monitor.New(monitor.Config{Queue: queue, Logger: zap.New(core)})

		kernel.Spawn(e, func(t *kernel.Task) {
			queue.Put(storage.PipeSample{Name: "remote", Throughput: 10, RequestedThroughput: 20, NoSubscribers: false})
			queue.Close()
			d.Run(t)
		})
		e.Run()

		entries := logs.FilterMessage("pipe_status").All()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ContextMap()["pipe"]).To(Equal("remote"))
		Expect(entries[0].ContextMap()["throughput_scale"]).To(Equal(0.5))

		fam := gather(d, "lapis_pipe_status_throughput")
		Expect(fam).NotTo(BeNil())
		Expect(fam.GetMetric()[0].GetGauge().GetValue()).To(Equal(10.0))
	})

	It("suppresses an identical repeat within the dedup window", func() {
		core, logs := observer.New(zapcore.InfoLevel)
		e := kernel.New()
		queue := kernel.NewQueue[any](e)
		d := monitor.New(monitor.Config{Queue: queue, Logger: zap.New(core), DedupWindow: time.Hour})

		kernel.Spawn(e, func(t *kernel.Task) {
			sample := storage.HitrateSample{Hitrate: 0.5, UsedSize: 100, ProvidesFile: true}
			queue.Put(sample)
			queue.Put(sample)
			queue.Close()
			d.Run(t)
		})
		e.Run()

		Expect(logs.FilterMessage("hitrate_evaluation").All()).To(HaveLen(1))
	})
})
