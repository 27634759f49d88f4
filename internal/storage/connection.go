package storage

import (
	"math/rand"
	"sort"

	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// DefaultRemoteThroughput is the fallback wide-area link rate when a
// Connection is constructed without one, matching the source's 1 GB/s
// default.
const DefaultRemoteThroughput = 1000 * 1000 * 1000.0

// HitrateSample is pushed to the monitoring queue once per job whose input
// files carry precomputed per-site hitrates, recording the drawn decision.
type HitrateSample struct {
	Hitrate      float64
	UsedSize     float64
	ProvidesFile bool
}

// PipeSample is pushed to the monitoring queue each time a monitored pipe
// re-throttles, once per live subscription, via Connection.MonitorPipes.
type PipeSample struct {
	Name                string
	Throughput          float64
	RequestedThroughput float64
	NoSubscribers       bool
}

// Config bundles a Connection's construction parameters.
type Config struct {
	RemoteThroughput float64
	FileBasedCaching bool
	Site             string
	Monitor          *kernel.Queue[any]
	Rand             *rand.Rand
}

// Connection routes a job's input files to whichever storage can already
// serve them, consulting a caching algorithm to decide whether a remote
// miss should be cached site-locally. It serves a single site: a
// simulation with several sites constructs one Connection per site.
// NewConnection always builds a fresh RemoteStorage with its own pipe, so
// two Connections never share a remote link or its throughput.
type Connection struct {
	site             string
	remote           *RemoteStorage
	storages         []Storage
	admission        *AdmissionPolicy
	fileBasedCaching bool
	monitor          *kernel.Queue[any]
	rng              *rand.Rand
}

// NewConnection returns a Connection for one site, with an empty storage
// list and the default admission policy.
func NewConnection(e *kernel.Engine, cfg Config) *Connection {
	throughput := cfg.RemoteThroughput
	if throughput == 0 {
		throughput = DefaultRemoteThroughput
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Connection{
		site:             cfg.Site,
		remote:           NewRemoteStorage(kernel.NewPipe(e, throughput)),
		admission:        NewAdmissionPolicy(),
		fileBasedCaching: cfg.FileBasedCaching,
		monitor:          cfg.Monitor,
		rng:              rng,
	}
}

// Remote returns this connection's remote fallback storage.
func (c *Connection) Remote() *RemoteStorage { return c.remote }

// AddStorage registers a site-local storage with this connection, wiring
// its remote back-reference if it needs one (the hitrate-based variants).
func (c *Connection) AddStorage(s Storage) {
	if rs, ok := s.(remoteSetter); ok {
		rs.setRemote(c.remote)
	}
	c.storages = append(c.storages, s)
}

// determineSource picks the storage holding the largest cached fraction of
// req's file among this connection's site-local storages, falling back to
// the remote connection if none has any of it cached.
func (c *Connection) determineSource(req Request) Storage {
	type hit struct {
		size    float64
		storage Storage
	}
	var hits []hit
	for _, s := range c.storages {
		if look := s.Find(req); look.CachedFilesize > 0 {
			hits = append(hits, hit{look.CachedFilesize, s})
		}
	}
	if len(hits) == 0 {
		return c.remote
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].size > hits[j].size })
	return hits[0].storage
}

// streamFile determines req's source, applies the caching algorithm on a
// remote miss when file-based caching is enabled, then transfers it.
func (c *Connection) streamFile(t *kernel.Task, req Request) (cancelled bool) {
	source := c.determineSource(req)
	if c.fileBasedCaching && source == Storage(c.remote) && len(c.storages) > 0 {
		pick := c.storages[c.rng.Intn(len(c.storages))]
		if elem, ok := pick.(*StorageElement); ok {
			admit, evict := c.admission.Consider(req, elem)
			if admit {
				for _, f := range evict {
					if elem.Remove(t, f) {
						return true
					}
				}
				if elem.Add(t, req) {
					return true
				}
			}
		}
	}
	_, cancelled = source.Transfer(t, req)
	return cancelled
}

// TransferFiles implements drone.FileTransferer. It precomputes a single
// per-job cache-hit decision for files carrying per-site hitrates (a
// Bernoulli draw at the mean of this site's hitrates weighted by each file's
// Filesize; a requested file carries no separate used size), then streams
// every file in order,
// returning the total elapsed simulated time.
func (c *Connection) TransferFiles(t *kernel.Task, files []job.RequestedFile) (float64, error) {
	start := t.Now()
	requests := c.prepareRequests(files)
	for _, req := range requests {
		if c.streamFile(t, req) {
			break
		}
	}
	return t.Now() - start, nil
}

func (c *Connection) prepareRequests(files []job.RequestedFile) []Request {
	requests := make([]Request, len(files))
	hitrateDriven := false
	for _, f := range files {
		if f.Hitrates != nil {
			hitrateDriven = true
			break
		}
	}
	if !hitrateDriven {
		for i, f := range files {
			requests[i] = Request{RequestedFile: f}
		}
		return requests
	}

	var weightedHit, totalSize float64
	for _, f := range files {
		totalSize += f.Filesize
		weightedHit += f.Filesize * f.Hitrates[c.site]
	}
	hitrate := 0.0
	if totalSize > 0 {
		hitrate = weightedHit / totalSize
	}
	provides := c.rng.Float64() < hitrate
	if c.monitor != nil {
		c.monitor.Put(HitrateSample{Hitrate: hitrate, UsedSize: totalSize, ProvidesFile: provides})
	}
	for i, f := range files {
		requests[i] = Request{RequestedFile: f, CacheHit: provides}
	}
	return requests
}

// MonitorPipes installs a load-reporting callback on the remote connection
// and every site-local StorageElement's pipe, pushing a PipeSample to the
// monitor queue each time one of those pipes re-throttles, once per live
// subscription. It is
// a one-time setup call, not a blocking loop: OnThrottle already fires for
// the lifetime of the pipe without needing a dedicated task.
func (c *Connection) MonitorPipes() {
	if c.monitor == nil {
		return
	}
	c.monitorPipe("remote", c.remote.pipe)
	for _, s := range c.storages {
		if elem, ok := s.(*StorageElement); ok {
			c.monitorPipe(elem.Name(), elem.pipe)
		}
	}
}

func (c *Connection) monitorPipe(name string, p *kernel.Pipe) {
	p.OnThrottle(func(_ *kernel.PipeSubscription, _ float64) {
		c.monitor.Put(PipeSample{
			Name:                name,
			Throughput:          p.Throughput(),
			RequestedThroughput: p.RequestedThroughput(),
			NoSubscribers:       p.Subscribers() == 0,
		})
	})
}
