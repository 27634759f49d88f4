package storage_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/storage"
)

var _ = Describe("HitrateStorage", func() {
	It("splits a job's two files across local and remote pipes, completing at t=15", func() {
		e := kernel.New()
		hitrateStore := storage.NewHitrateStorage(e, storage.HitrateConfig{
			Name: "cache", Site: "site1", Hitrate: 0.5, ThroughputLimit: 10,
		})
		conn := storage.NewConnection(e, storage.Config{RemoteThroughput: 10, Site: "site1"})
		conn.AddStorage(hitrateStore)

		files := []job.RequestedFile{
			{Name: "a", Filesize: 100},
			{Name: "b", Filesize: 200},
		}

		var elapsed float64
		var err error
		kernel.Spawn(e, func(t *kernel.Task) {
			elapsed, err = conn.TransferFiles(t, files)
		})
		e.Run()

		Expect(err).NotTo(HaveOccurred())
		Expect(elapsed).To(Equal(15.0))
	})
})

var _ = Describe("FileBasedHitrateStorage", func() {
	It("routes a precomputed hit entirely through the local pipe", func() {
		e := kernel.New()
		fbStore := storage.NewFileBasedHitrateStorage(e, storage.ElementConfig{
			Name: "cache", Site: "site1", ThroughputLimit: 10,
		})
		conn := storage.NewConnection(e, storage.Config{RemoteThroughput: 1, Site: "site1"})
		conn.AddStorage(fbStore)

		files := []job.RequestedFile{
			{Name: "a", Filesize: 100, Hitrates: map[string]float64{"site1": 1}},
		}

		var elapsed float64
		kernel.Spawn(e, func(t *kernel.Task) {
			elapsed, _ = conn.TransferFiles(t, files)
		})
		e.Run()

		// Hitrate 1 forces the Bernoulli draw to hit every time, so the
		// whole transfer goes through the 10-rate local pipe, not the
		// 1-rate remote one.
		Expect(elapsed).To(Equal(10.0))
	})
})

var _ = Describe("StorageElement", func() {
	It("reports a miss, then caches and finds the file after Add", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 1000, ThroughputLimit: 100,
		})
		req := storage.Request{RequestedFile: job.RequestedFile{Name: "a", Filesize: 100}}

		Expect(elem.Find(req).CachedFilesize).To(Equal(0.0))

		kernel.Spawn(e, func(t *kernel.Task) {
			cancelled := elem.Add(t, req)
			Expect(cancelled).To(BeFalse())
		})
		e.Run()

		Expect(elem.Find(req).CachedFilesize).To(Equal(100.0))
		Expect(elem.Used()).To(Equal(100.0))
	})

	It("frees capacity after Remove", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 1000, ThroughputLimit: 100,
		})
		req := storage.Request{RequestedFile: job.RequestedFile{Name: "a", Filesize: 100}}

		kernel.Spawn(e, func(t *kernel.Task) {
			elem.Add(t, req)
			elem.Remove(t, &storage.StoredFile{Name: "a", Filesize: 100})
		})
		e.Run()

		Expect(elem.Used()).To(Equal(0.0))
		Expect(elem.Find(req).CachedFilesize).To(Equal(0.0))
	})
})

var _ = Describe("Connection routing", func() {
	It("prefers a site-local storage that already has the file cached", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 1000, ThroughputLimit: 5,
		})
		conn := storage.NewConnection(e, storage.Config{RemoteThroughput: 1000, Site: "site1"})
		conn.AddStorage(elem)

		req := storage.Request{RequestedFile: job.RequestedFile{Name: "a", Filesize: 10}}
		kernel.Spawn(e, func(t *kernel.Task) {
			elem.Add(t, req)
		})
		e.Run()

		// determineSource (exercised through TransferFiles) consults Find,
		// so a resident file is enough to confirm site-local preference.
		Expect(elem.Find(req).CachedFilesize).To(Equal(10.0))

		var elapsed float64
		kernel.Spawn(e, func(t *kernel.Task) {
			elapsed, _ = conn.TransferFiles(t, []job.RequestedFile{req.RequestedFile})
		})
		e.Run()
		// 10 bytes over the element's 5-rate pipe (2s), plus the 1-tick
		// access-bookkeeping update for an already-resident file.
		Expect(elapsed).To(Equal(3.0))
	})

	It("falls back to the remote connection on a full miss", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 1000, ThroughputLimit: 1000,
		})
		conn := storage.NewConnection(e, storage.Config{RemoteThroughput: 20, Site: "site1"})
		conn.AddStorage(elem)

		files := []job.RequestedFile{{Name: "missing", Filesize: 200}}
		var elapsed float64
		kernel.Spawn(e, func(t *kernel.Task) {
			elapsed, _ = conn.TransferFiles(t, files)
		})
		e.Run()

		Expect(elapsed).To(Equal(10.0))
	})
})

var _ = Describe("AdmissionPolicy", func() {
	It("evicts the oldest few-used file to make room for a new one", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 150, ThroughputLimit: 1000,
		})
		old := storage.Request{RequestedFile: job.RequestedFile{Name: "old", Filesize: 100}}
		kernel.Spawn(e, func(t *kernel.Task) {
			elem.Add(t, old)
		})
		e.Run()

		policy := storage.NewAdmissionPolicy()
		incoming := storage.Request{RequestedFile: job.RequestedFile{Name: "new", Filesize: 100}}
		admit, evict := policy.Consider(incoming, elem)

		Expect(admit).To(BeTrue())
		Expect(evict).To(HaveLen(1))
		Expect(evict[0].Name).To(Equal("old"))
	})

	It("refuses to admit a file bigger than the element itself", func() {
		e := kernel.New()
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name: "se1", Site: "site1", Size: 50, ThroughputLimit: 1000,
		})
		policy := storage.NewAdmissionPolicy()
		admit, evict := policy.Consider(storage.Request{RequestedFile: job.RequestedFile{Name: "huge", Filesize: 100}}, elem)

		Expect(admit).To(BeFalse())
		Expect(evict).To(BeNil())
	})
})
