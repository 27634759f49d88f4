package storage

import "sort"

// fewAccessesThreshold is the access count below which a resident file is
// considered "few used" and thus eligible for early eviction.
const fewAccessesThreshold = 3

// AdmissionPolicy decides, for a file missed on the remote connection,
// whether a site-local StorageElement should cache it and what it must
// evict first to make room.
//
// Grounded on CacheAlgorithm's consider/_file_based_consideration/
// _context_based_consideration (cachealgorithm.py) and
// sort_files_by_cachedsince (cache_cleanup_implementations.py): admit
// anything that fits after evicting the oldest, few-used residents
// first (cachedsince ascending, skipping anything accessed three times
// or more); never evict if that still would not free enough room.
type AdmissionPolicy struct {
	// CheckRelevance gates admission on anything beyond size, e.g. a
	// deny-list or job-class filter. The default admits everything.
	CheckRelevance func(req Request, elem *StorageElement) bool
}

// NewAdmissionPolicy returns the default policy: admit anything that fits,
// with no additional relevance check.
func NewAdmissionPolicy() *AdmissionPolicy {
	return &AdmissionPolicy{CheckRelevance: func(Request, *StorageElement) bool { return true }}
}

// Consider runs the policy for req against elem, returning whether to admit
// the file and, if admission requires freeing space, which resident files
// to evict first (oldest cachedsince first, skipping frequently accessed
// ones) to do so.
func (p *AdmissionPolicy) Consider(req Request, elem *StorageElement) (admit bool, evict []*StoredFile) {
	if req.Filesize > elem.Size() {
		return false, nil
	}
	if p.CheckRelevance != nil && !p.CheckRelevance(req, elem) {
		return false, nil
	}
	headroom := req.Filesize - elem.Available()
	if headroom <= 0 {
		return true, nil
	}
	evict = deleteOldestFewUsed(elem, headroom)
	if evict == nil {
		return false, nil
	}
	return true, evict
}

// deleteOldestFewUsed sorts elem's residents by cachedsince ascending and
// accumulates the prefix of few-used ones (numberofaccesses below the
// threshold) until their combined size reaches headroom, returning that
// prefix. It returns nil if even evicting every eligible file would not
// free enough room, leaving the cache untouched.
func deleteOldestFewUsed(elem *StorageElement, headroom float64) []*StoredFile {
	residents := elem.residents()
	sort.Slice(residents, func(i, j int) bool {
		return residents[i].CachedSince < residents[j].CachedSince
	})

	var chosen []*StoredFile
	freed := 0.0
	for _, f := range residents {
		if f.NumberOfAccesses >= fewAccessesThreshold {
			continue
		}
		chosen = append(chosen, f)
		freed += f.Filesize
		if freed >= headroom {
			return chosen
		}
	}
	return nil
}
