// Package storage implements the simulated data fabric a job's input files
// are streamed through: finite-capacity, cache-admitting storage elements,
// hitrate-driven shortcuts that skip modelling actual residency, and the
// remote fallback they all fall back to, wired together by a Connection
// that decides where each file comes from.
package storage

import (
	"math"

	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// StoredFile is a file resident in a storage element's cache.
type StoredFile struct {
	Name             string
	Filesize         float64
	StoredSize       float64
	CachedSince      float64
	LastAccessed     float64
	NumberOfAccesses int
}

// IncrementAccesses records a successful access to an already-resident file.
func (f *StoredFile) IncrementAccesses(now float64) {
	f.LastAccessed = now
	f.NumberOfAccesses++
}

// Request is a single file a job needs fetched, optionally carrying a
// precomputed cache-hit decision for the hitrate-based storage variants.
type Request struct {
	job.RequestedFile
	CacheHit bool
}

// LookUpInformation is the result of consulting a storage's residency for a
// requested file: how much of it is cached there, and the storage itself.
type LookUpInformation struct {
	CachedFilesize float64
	Storage        Storage
}

// Storage is the contract every storage backend satisfies: a fixed size, a
// view of how much of it is free, residency lookup, and the blocking
// transfer/add/remove operations that move simulated time forward.
type Storage interface {
	Size() float64
	Available() float64
	Used() float64
	Find(req Request) LookUpInformation
	// Transfer moves req's content through this storage, returning the
	// elapsed simulated time, or cancelled=true if t was cancelled first.
	Transfer(t *kernel.Task, req Request) (elapsed float64, cancelled bool)
	// Add admits req's file into the cache. Returns cancelled=true if t
	// was cancelled before the admission's own transfer completed.
	Add(t *kernel.Task, req Request) (cancelled bool)
	// Remove evicts f from the cache. Returns cancelled=true if t was
	// cancelled before the deletion delay elapsed.
	Remove(t *kernel.Task, f *StoredFile) (cancelled bool)
}

// remoteSetter is implemented by storage variants that need a back
// reference to the shared remote connection (the hitrate-based variants,
// which forward a fraction of every transfer to it directly).
type remoteSetter interface {
	setRemote(r Storage)
}

// RemoteStorage models the uncapped wide-area link every site ultimately
// falls back to: infinite size and availability, and no residency of its
// own — every transfer moves the full file across its pipe.
type RemoteStorage struct {
	pipe *kernel.Pipe
}

// NewRemoteStorage returns a RemoteStorage fronted by pipe.
func NewRemoteStorage(pipe *kernel.Pipe) *RemoteStorage {
	return &RemoteStorage{pipe: pipe}
}

func (r *RemoteStorage) Size() float64      { return math.Inf(1) }
func (r *RemoteStorage) Available() float64 { return math.Inf(1) }
func (r *RemoteStorage) Used() float64      { return 0 }

func (r *RemoteStorage) Transfer(t *kernel.Task, req Request) (float64, bool) {
	return r.pipe.Transfer(t, req.Filesize)
}

func (r *RemoteStorage) Find(Request) LookUpInformation {
	panic("storage: RemoteStorage has no residency to look up")
}

func (r *RemoteStorage) Add(*kernel.Task, Request) bool {
	panic("storage: RemoteStorage cannot cache files")
}

func (r *RemoteStorage) Remove(*kernel.Task, *StoredFile) bool {
	panic("storage: RemoteStorage cannot cache files")
}
