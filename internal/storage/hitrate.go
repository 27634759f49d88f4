package storage

import (
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// HitrateConfig bundles a HitrateStorage's construction parameters.
type HitrateConfig struct {
	Name            string
	Site            string
	Hitrate         float64
	Size            float64
	ThroughputLimit float64
}

// HitrateStorage skips modelling actual file residency: every lookup
// reports the file fully cached, and every transfer is split between the
// local pipe (a Hitrate fraction) and the remote connection (the rest),
// run concurrently. Content is fictional, so Add/Remove are no-ops.
//
// This preserves the source's Open Question behaviour: find always
// reports full residency regardless of the configured hitrate.
type HitrateStorage struct {
	name    string
	site    string
	hitrate float64
	size    float64
	pipe    *kernel.Pipe
	remote  Storage
}

// NewHitrateStorage returns a HitrateStorage splitting every transfer by
// cfg.Hitrate between its own pipe and the remote connection it is later
// wired to via a Connection.
func NewHitrateStorage(e *kernel.Engine, cfg HitrateConfig) *HitrateStorage {
	size := cfg.Size
	if size == 0 {
		size = DefaultSize
	}
	throughput := cfg.ThroughputLimit
	if throughput == 0 {
		throughput = DefaultThroughputLimit
	}
	return &HitrateStorage{
		name: cfg.Name, site: cfg.Site, hitrate: cfg.Hitrate, size: size,
		pipe: kernel.NewPipe(e, throughput),
	}
}

func (s *HitrateStorage) Name() string { return s.name }
func (s *HitrateStorage) Site() string { return s.site }

func (s *HitrateStorage) Size() float64      { return s.size }
func (s *HitrateStorage) Available() float64 { return s.size }
func (s *HitrateStorage) Used() float64      { return 0 }

func (s *HitrateStorage) setRemote(r Storage) { s.remote = r }

// Find always reports the file as fully resident: the hitrate is modelled
// entirely inside Transfer, not through actual cached content.
func (s *HitrateStorage) Find(req Request) LookUpInformation {
	return LookUpInformation{CachedFilesize: req.Filesize, Storage: s}
}

// Transfer splits req's file into two concurrent transfers — hitrate·size
// locally, (1-hitrate)·size through the remote connection — and returns
// once both finish.
func (s *HitrateStorage) Transfer(t *kernel.Task, req Request) (elapsed float64, cancelled bool) {
	start := t.Now()
	scope := kernel.NewScope(t)
	scope.Go(func(t *kernel.Task) {
		s.pipe.Transfer(t, s.hitrate*req.Filesize)
	})
	scope.Go(func(t *kernel.Task) {
		remoteReq := Request{
			RequestedFile: job.RequestedFile{Name: req.Name, Filesize: (1 - s.hitrate) * req.Filesize},
			CacheHit:      req.CacheHit,
		}
		s.remote.Transfer(t, remoteReq)
	})
	if err := scope.Wait(); err != nil {
		panic(err)
	}
	return t.Now() - start, t.Cancelled()
}

func (s *HitrateStorage) Add(*kernel.Task, Request) bool    { return false }
func (s *HitrateStorage) Remove(*kernel.Task, *StoredFile) bool { return false }

// FileBasedHitrateStorage routes each request wholesale by its precomputed
// cache-hit flag instead of splitting it: a hit stays entirely local, a
// miss goes entirely through the remote connection.
type FileBasedHitrateStorage struct {
	name   string
	site   string
	size   float64
	pipe   *kernel.Pipe
	remote Storage
}

// NewFileBasedHitrateStorage returns a FileBasedHitrateStorage that routes
// whole requests by their CacheHit flag.
func NewFileBasedHitrateStorage(e *kernel.Engine, cfg ElementConfig) *FileBasedHitrateStorage {
	size := cfg.Size
	if size == 0 {
		size = DefaultSize
	}
	throughput := cfg.ThroughputLimit
	if throughput == 0 {
		throughput = DefaultThroughputLimit
	}
	return &FileBasedHitrateStorage{
		name: cfg.Name, site: cfg.Site, size: size,
		pipe: kernel.NewPipe(e, throughput),
	}
}

func (s *FileBasedHitrateStorage) Name() string { return s.name }
func (s *FileBasedHitrateStorage) Site() string { return s.site }

func (s *FileBasedHitrateStorage) Size() float64      { return s.size }
func (s *FileBasedHitrateStorage) Available() float64 { return s.size }
func (s *FileBasedHitrateStorage) Used() float64      { return 0 }

func (s *FileBasedHitrateStorage) setRemote(r Storage) { s.remote = r }

// Find reports the file cached in proportion to its precomputed hit flag:
// the full size on a hit, nothing on a miss.
func (s *FileBasedHitrateStorage) Find(req Request) LookUpInformation {
	hit := 0.0
	if req.CacheHit {
		hit = 1
	}
	return LookUpInformation{CachedFilesize: req.Filesize * hit, Storage: s}
}

func (s *FileBasedHitrateStorage) Transfer(t *kernel.Task, req Request) (elapsed float64, cancelled bool) {
	start := t.Now()
	if req.CacheHit {
		_, cancelled = s.pipe.Transfer(t, req.Filesize)
	} else {
		_, cancelled = s.remote.Transfer(t, req)
	}
	return t.Now() - start, cancelled
}

func (s *FileBasedHitrateStorage) Add(*kernel.Task, Request) bool    { return false }
func (s *FileBasedHitrateStorage) Remove(*kernel.Task, *StoredFile) bool { return false }
