// Package consensus implements the data model of SPEC_FULL.md / spec.md §3:
// the `ns` consensus network-status document, plus its control-surface
// rendering and the v2 status writer. The Consensus Store (CS, §4.2) with
// its per-flavor current/waiting slots and set_current's install
// algorithm lives in package dirstore. Grounded on core/rawdb/accessors_sync.go's
// single-slot "current head, replace on supersession" shape.
package consensus

import (
	"time"

	"github.com/tos-network/dircache/dirauth/digestmap"
)

// Flavor is a consensus document variant.
type Flavor string

const (
	FlavorNS        Flavor = "ns"
	FlavorMicrodesc Flavor = "microdesc"
)

// DownloadStatus tracks retry state for one fetchable resource.
type DownloadStatus struct {
	Attempts      int
	LastAttempt   time.Time
	NextAttempt   time.Time
	LastSucceeded time.Time
}

// IsReady reports whether a new attempt may be made at now, honoring the
// retry cap (§4.4 Missing-microdescriptor set / consensus fetch gating).
func (d *DownloadStatus) IsReady(now time.Time, maxTries int) bool {
	if maxTries > 0 && d.Attempts >= maxTries {
		return false
	}
	return !now.Before(d.NextAttempt)
}

// backoff schedule for failed fetches, in seconds, repeating the last
// entry once exhausted. Mirrors the original's download_status backoff
// table shape (short retries at first, widening afterward).
var backoffSeconds = []int{0, 60, 60, 60, 300, 300, 900, 900, 3600}

// MarkFailure advances the retry counter and schedules the next attempt.
func (d *DownloadStatus) MarkFailure(now time.Time) {
	d.Attempts++
	d.LastAttempt = now
	idx := d.Attempts
	if idx >= len(backoffSeconds) {
		idx = len(backoffSeconds) - 1
	}
	d.NextAttempt = now.Add(time.Duration(backoffSeconds[idx]) * time.Second)
}

// MarkSuccess resets retry state.
func (d *DownloadStatus) MarkSuccess(now time.Time) {
	*d = DownloadStatus{LastSucceeded: now}
}

// SignatureFlag is the mutually-exclusive good/bad verdict on one signature.
type SignatureFlag int

const (
	SigUnknown SignatureFlag = iota
	SigGood
	SigBad
)

// VoterSignature is one authority's signature over the consensus body.
type VoterSignature struct {
	IdentityDigest   digestmap.Digest
	SigningKeyDigest digestmap.Digest
	Algorithm        string // "sha1" or "sha256"
	Signature        []byte
	Flag             SignatureFlag
}

// Voter is one authority's entry in the consensus, including the
// signature(s) it contributed.
type Voter struct {
	Nickname       string
	IdentityDigest digestmap.Digest
	Signatures     []VoterSignature
}

// RouterStatus is one relay's row in the consensus (§3).
type RouterStatus struct {
	Nickname         string
	IdentityDigest   digestmap.Digest
	DescriptorDigest digestmap.Digest // SHA-256 of the md, in microdesc flavor
	Published        time.Time
	Addr             string
	ORPort           int
	DirPort          int

	Flags map[string]bool // running, exit, guard, ...

	// DownloadStatus tracks this routerstatus's own microdescriptor
	// fetch state; transient, carried forward across installs when both
	// the identity digest and the descriptor digest are unchanged (§4.2
	// step 7).
	DownloadStatus DownloadStatus
}

// HasFlag reports whether flag is set on this routerstatus.
func (r *RouterStatus) HasFlag(flag string) bool {
	return r.Flags[flag]
}

// NS is a consensus network-status document (§3).
type NS struct {
	Flavor Flavor

	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time

	// Digests maps hash-algorithm name ("sha256", "sha1") to the content
	// digest of the canonical document body, the message authority
	// signatures cover.
	Digests map[string]digestmap.Digest

	Voters         []Voter
	RouterStatuses []RouterStatus // sorted ascending by IdentityDigest

	NetParams    map[string]int
	WeightParams map[string]int

	// DownloadStatus tracks retries of fetching *this flavor's*
	// consensus document itself (distinct from per-routerstatus status).
	DownloadStatus DownloadStatus
}

// Live reports whether c is live at t (§3): valid_after <= t <= valid_until.
func (c *NS) Live(t time.Time) bool {
	return !t.Before(c.ValidAfter) && !t.After(c.ValidUntil)
}

// ReasonablyLive adds the 24h tolerance after valid_until (§3, GLOSSARY).
const ReasonablyLiveSkew = 24 * time.Hour

func (c *NS) ReasonablyLive(t time.Time) bool {
	return !t.Before(c.ValidAfter) && !t.After(c.ValidUntil.Add(ReasonablyLiveSkew))
}

// NetParam returns the named net_param, clamped to [min,max], defaulting
// to def if unset (§3: "parsed at query time with default/min/max clamping").
func (c *NS) NetParam(name string, def, min, max int) int {
	v, ok := c.NetParams[name]
	if !ok {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

// FindRouterStatus binary-searches RouterStatuses (sorted by IdentityDigest)
// for identity.
func (c *NS) FindRouterStatus(identity digestmap.Digest) (*RouterStatus, bool) {
	lo, hi := 0, len(c.RouterStatuses)
	for lo < hi {
		mid := (lo + hi) / 2
		switch compareDigest(c.RouterStatuses[mid].IdentityDigest, identity) {
		case 0:
			return &c.RouterStatuses[mid], true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false
}

func compareDigest(a, b digestmap.Digest) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
