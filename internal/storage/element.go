package storage

import "github.com/MatterMiners/lapis/internal/kernel"

// Default capacity and throughput for a StorageElement left unconfigured,
// matching the source's defaults of a 1 TB cache behind a 10 GB/s link.
const (
	DefaultSize            = 1000 * 1000 * 1000 * 1000.0
	DefaultThroughputLimit = 10 * 1000 * 1000 * 1000.0

	defaultUpdateDuration   = 1.0
	defaultDeletionDuration = 5.0
)

// Sample is pushed to the monitoring queue whenever a StorageElement's
// resident set changes: admission or eviction of a file.
type Sample struct {
	Storage *StorageElement
}

// ElementConfig bundles a StorageElement's construction parameters. Zero
// Size/ThroughputLimit fall back to the package defaults.
type ElementConfig struct {
	Name            string
	Site            string
	Size            float64
	ThroughputLimit float64
	Monitor         *kernel.Queue[any]
}

// StorageElement is a finite, site-local cache fronted by a shared transfer
// pipe: transferring a resident file bumps its recency, and admitting a new
// one reserves capacity and streams it in over the same pipe.
type StorageElement struct {
	name             string
	site             string
	pipe             *kernel.Pipe
	cap              *kernel.Capacities
	files            map[string]*StoredFile
	releases         map[string]func()
	updateDuration   float64
	deletionDuration float64
	monitor          *kernel.Queue[any]
}

// NewStorageElement returns an empty StorageElement ready to serve finds,
// transfers, and cache admissions.
func NewStorageElement(e *kernel.Engine, cfg ElementConfig) *StorageElement {
	size := cfg.Size
	if size == 0 {
		size = DefaultSize
	}
	throughput := cfg.ThroughputLimit
	if throughput == 0 {
		throughput = DefaultThroughputLimit
	}
	return &StorageElement{
		name:             cfg.Name,
		site:             cfg.Site,
		pipe:             kernel.NewPipe(e, throughput),
		cap:              kernel.NewCapacities(e, map[string]float64{"size": size}),
		files:            make(map[string]*StoredFile),
		releases:         make(map[string]func()),
		updateDuration:   defaultUpdateDuration,
		deletionDuration: defaultDeletionDuration,
		monitor:          cfg.Monitor,
	}
}

// Name returns the storage element's configured name.
func (s *StorageElement) Name() string { return s.name }

// Site returns the name of the site this storage element serves.
func (s *StorageElement) Site() string { return s.site }

func (s *StorageElement) Size() float64 {
	total, _ := s.cap.Total("size")
	return total
}

func (s *StorageElement) Used() float64      { return s.cap.Used("size") }
func (s *StorageElement) Available() float64 { return s.Size() - s.Used() }

// NumberOfFiles returns the count of currently resident files.
func (s *StorageElement) NumberOfFiles() int { return len(s.files) }

// Find reports the cached size of req's file: its full size when resident,
// 0 on a miss.
func (s *StorageElement) Find(req Request) LookUpInformation {
	if f, ok := s.files[req.Name]; ok {
		return LookUpInformation{CachedFilesize: f.Filesize, Storage: s}
	}
	return LookUpInformation{CachedFilesize: 0, Storage: s}
}

// Transfer streams req's file over the element's pipe and, if it is
// resident, bumps its access bookkeeping after a short update delay.
func (s *StorageElement) Transfer(t *kernel.Task, req Request) (elapsed float64, cancelled bool) {
	start := t.Now()
	if _, cancelled := s.pipe.Transfer(t, req.Filesize); cancelled {
		return t.Now() - start, true
	}
	if f, ok := s.files[req.Name]; ok {
		t.Delay(s.updateDuration)
		if t.Cancelled() {
			return t.Now() - start, true
		}
		f.IncrementAccesses(t.Now())
	}
	return t.Now() - start, false
}

// Seed admits files as already resident at construction time, reserving
// their StoredSize without simulating a transfer: used to preload a
// storage element's content from an external snapshot before a run starts.
// A file that no longer fits the configured size is skipped.
func (s *StorageElement) Seed(files []StoredFile) {
	for _, f := range files {
		f := f
		release, ok := s.cap.Reserve(map[string]float64{"size": f.StoredSize})
		if !ok {
			continue
		}
		s.files[f.Name] = &f
		s.releases[f.Name] = release
	}
	s.sample()
}

// Add reserves req's file size, records it as resident, then streams it in
// over the element's pipe. The caller is responsible for having already
// checked it fits and evicted anything necessary.
func (s *StorageElement) Add(t *kernel.Task, req Request) (cancelled bool) {
	release, err, cancelled := s.cap.Claim(t, map[string]float64{"size": req.Filesize})
	if cancelled {
		return true
	}
	if err != nil {
		panic("storage: file does not fit even an empty element: " + req.Name)
	}
	s.files[req.Name] = &StoredFile{
		Name:             req.Name,
		Filesize:         req.Filesize,
		StoredSize:       req.Filesize,
		CachedSince:      t.Now(),
		LastAccessed:     t.Now(),
		NumberOfAccesses: 1,
	}
	s.releases[req.Name] = release
	s.sample()
	_, cancelled = s.pipe.Transfer(t, req.Filesize)
	return cancelled
}

func (s *StorageElement) sample() {
	if s.monitor != nil {
		s.monitor.Put(Sample{Storage: s})
	}
}

// Remove evicts f after the element's deletion delay elapses.
func (s *StorageElement) Remove(t *kernel.Task, f *StoredFile) (cancelled bool) {
	t.Delay(s.deletionDuration)
	if t.Cancelled() {
		return true
	}
	if release, ok := s.releases[f.Name]; ok {
		release()
		delete(s.releases, f.Name)
	}
	delete(s.files, f.Name)
	s.sample()
	return false
}

// residents returns the element's currently cached files, for the caching
// algorithm to choose eviction candidates from.
func (s *StorageElement) residents() []*StoredFile {
	out := make([]*StoredFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out
}
