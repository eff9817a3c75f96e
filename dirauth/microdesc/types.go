// Package microdesc implements the Microdescriptor Store (MDS) of
// spec.md §4.1: an mmap+journal cache of microdescriptor bodies keyed by
// SHA-256, grounded on core/rawdb's ancient-store "fixed main file plus
// append-only staging" shape and on edsrzf/mmap-go for the main file's
// read-only mapping.
package microdesc

import (
	"time"

	"github.com/tos-network/dircache/dirauth/digestmap"
)

// Backing identifies where an MD's Body bytes actually live.
type Backing int

const (
	// BackingInCache means Body points into the main cache file's mmap.
	BackingInCache Backing = iota
	// BackingInJournal means Body is an owned heap buffer that has also
	// been appended to the journal file.
	BackingInJournal
	// BackingNowhere means Body is an owned heap buffer with no on-disk
	// presence (no_save inputs).
	BackingNowhere
)

func (b Backing) String() string {
	switch b {
	case BackingInCache:
		return "in_cache"
	case BackingInJournal:
		return "in_journal"
	case BackingNowhere:
		return "nowhere"
	default:
		return "unknown"
	}
}

// Where is the caller's request for how a candidate MD's body may be
// stored, passed to AddBytes/AddList (§4.1).
type Where int

const (
	WhereInCache Where = iota
	WhereInJournal
	WhereNowhere
)

// MD is one microdescriptor (§3).
type MD struct {
	Digest  digestmap.Digest
	Body    []byte
	Off     int64
	BodyLen int

	LastListed time.Time
	NoSave     bool
	Backing    Backing

	// HeldInMap and HeldByNodes are debug/consistency aids only (§9
	// Design Notes): the store owns the md unconditionally, these
	// counters exist to detect bugs in back-reference discipline, not to
	// manage lifetime.
	HeldInMap   bool
	HeldByNodes int32

	// Opaque parsed fields, untouched by the store itself.
	OnionKey          []byte
	Family            []byte
	ExitPolicySummary []byte
}
