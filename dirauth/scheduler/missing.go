package scheduler

import (
	"time"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
)

// DefaultMaxConsensusDLTries is CONSENSUS_NETWORKSTATUS_MAX_DL_TRIES (§6).
const DefaultMaxConsensusDLTries = 8

// DefaultMaxMicrodescDLTries is higher than the consensus cap, per §4.4's
// "higher for mds".
const DefaultMaxMicrodescDLTries = 16

// HaveMD reports whether a microdescriptor digest is already present in
// the store; a thin seam so this package does not need to import the
// concrete microdesc.Store type.
type HaveMD func(digestmap.Digest) bool

// MissingMicrodescriptors returns the routerstatus descriptor digests of
// c that are nonzero, not present per have, and (if downloadableOnly) are
// ready for a new attempt per maxTries, excluding anything already in
// inFlight (§4.4 Missing-microdescriptor set).
func MissingMicrodescriptors(c *consensus.NS, have HaveMD, downloadableOnly bool, now time.Time, maxTries int, inFlight map[digestmap.Digest]bool) []digestmap.Digest {
	var out []digestmap.Digest
	for i := range c.RouterStatuses {
		rs := &c.RouterStatuses[i]
		d := rs.DescriptorDigest
		if d.IsZero() {
			continue
		}
		if have(d) {
			continue
		}
		if downloadableOnly && !rs.DownloadStatus.IsReady(now, maxTries) {
			continue
		}
		if inFlight != nil && inFlight[d] {
			continue
		}
		out = append(out, d)
	}
	return out
}
