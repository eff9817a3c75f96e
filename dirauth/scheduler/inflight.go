package scheduler

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/dircache/dirauth/digestmap"
)

// InFlight deduplicates outstanding fetch requests for one resource class
// (microdescriptor digests, or authority identity digests for certificate
// fetches; consensus flavors use a plain map) so a fetch
// that has not completed by the next tick is not reissued, only
// deduplicated against new attempts (§5 Cancellation & timeouts). Backed
// by a bounded LRU so a pathological number of distinct in-flight keys
// cannot grow this table without bound.
type InFlight struct {
	cache *lru.Cache
}

// NewInFlight builds an in-flight tracker holding up to capacity entries.
func NewInFlight(capacity int) *InFlight {
	c, _ := lru.New(capacity)
	return &InFlight{cache: c}
}

// Contains reports whether digest currently has an outstanding request.
func (f *InFlight) Contains(digest digestmap.Digest) bool {
	return f.cache.Contains(digest)
}

// Mark records digest as having an outstanding request issued at now.
func (f *InFlight) Mark(digest digestmap.Digest, now time.Time) {
	f.cache.Add(digest, now)
}

// Clear removes digest, e.g. once its fetch completes (success or
// failure) and a fresh attempt should be considered un-deduplicated.
func (f *InFlight) Clear(digest digestmap.Digest) {
	f.cache.Remove(digest)
}

// Snapshot returns the set of currently in-flight digests, the shape
// MissingMicrodescriptors expects.
func (f *InFlight) Snapshot() map[digestmap.Digest]bool {
	out := make(map[digestmap.Digest]bool, f.cache.Len())
	for _, k := range f.cache.Keys() {
		out[k.(digestmap.Digest)] = true
	}
	return out
}
