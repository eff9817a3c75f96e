// Package dirstore implements the Consensus Store (CS) of spec.md §4.2:
// the current/waiting-for-certs slots per flavor and the set_current
// install algorithm, wiring together the consensus document model, the
// parser, and the Signature Verifier. Grounded on core/rawdb's "single
// current head, atomically replaced on supersession" pattern, generalized
// to the consensus's two-slot (current + waiting) shape.
package dirstore

import (
	"fmt"
	"time"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/dirlog"
	"github.com/tos-network/dircache/dirauth/sigverify"
)

// Result is the outcome of SetCurrent (§4.2).
type Result int

const (
	Ok Result = iota
	RetryableFail
	FatalFail
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case RetryableFail:
		return "retryable_fail"
	default:
		return "fatal_fail"
	}
}

// EarlyConsensusNoticeSkew is EARLY_CONSENSUS_NOTICE_SKEW (§6): how far
// ns.ValidAfter may lie in the future before OnClockSkew fires a warning
// (§4.2 step 7, §7 ClockSkew).
const EarlyConsensusNoticeSkew = 60 * time.Second

// AllowSkew is the original's NETWORKSTATUS_ALLOW_SKEW: a consensus whose
// valid_after lies further in the future than this is rejected outright
// rather than merely warned about (§4 SUPPLEMENTED FEATURES).
const AllowSkew = 24 * time.Hour

// Persister durably stores consensus bytes, mirroring the original's
// cached-<flavor>-consensus and unverified-<flavor>-consensus files
// (§4.2 steps 5 and 7).
type Persister interface {
	SaveVerified(flavor consensus.Flavor, data []byte) error
	SaveUnverified(flavor consensus.Flavor, data []byte) error
	// DeleteUnverified removes flavor's unverified-<flavor>-consensus file, called
	// when the waiting slot is cleared without ever having installed
	// (§4.2 step 6's "unlink the unverified file") or superseded by an
	// install (§4.2 step 7).
	DeleteUnverified(flavor consensus.Flavor) error
	LoadFallback() ([]byte, bool, error)
}

// Flags mirrors spec.md §4.2's set_current flags.
type Flags struct {
	// FromCache marks data as loaded from an on-disk cache file rather
	// than freshly downloaded (step 4, step 5/7 persistence skip).
	FromCache bool
	// WasWaitingForCerts marks this call as a re-entry from the waiting
	// slot via NoteCertsArrived (step 6's Unsignable re-entry branch).
	WasWaitingForCerts bool
	// DontDownloadCerts suppresses the certificate fetch step 6 would
	// otherwise trigger when the verdict is CouldBeWithCerts.
	DontDownloadCerts bool
	// AcceptObsolete disables step 4's from_cache expiry drop.
	AcceptObsolete bool
	// RequireFlavor makes step 2 fail on a parsed/requested flavor
	// mismatch instead of silently adopting the parsed flavor.
	RequireFlavor bool
}

// FlavorSlot holds one flavor's current (fully/sufficiently signed) and
// waiting-for-certs consensus documents (§3).
type FlavorSlot struct {
	Current *consensus.NS
	Waiting *consensus.NS
}

// Store is the Consensus Store (CS, §4.2).
type Store struct {
	Parse    func(data []byte) (*consensus.NS, error)
	Verifier *sigverify.Verifier
	Persist  Persister
	Log      dirlog.Logger

	slots map[consensus.Flavor]*FlavorSlot

	// OnInstalled fires after a consensus becomes flavor's current (§4.2
	// step 7), so the scheduler can recompute next_fetch_time.
	OnInstalled func(flavor consensus.Flavor, ns *consensus.NS, now time.Time)
	// OnWaiting fires when a consensus is parked pending certificates,
	// unless the call's Flags.DontDownloadCerts is set.
	OnWaiting func(flavor consensus.Flavor, ns *consensus.NS, now time.Time)
	// OnClockSkew fires when a newly-installed consensus's valid_after
	// lies in the future beyond EarlyConsensusNoticeSkew.
	OnClockSkew func(skew time.Duration, flavor consensus.Flavor)

	// AcceptFlavors restricts which flavors SetCurrent will install at
	// all (§4.2 step 3: "drop silently if the flavor is neither usable
	// for our own circuits nor one we cache for peers"). Nil or empty
	// accepts every flavor.
	AcceptFlavors map[consensus.Flavor]bool
}

// NewStore builds an empty Consensus Store.
func NewStore(parse func([]byte) (*consensus.NS, error), verifier *sigverify.Verifier, persist Persister, log dirlog.Logger) *Store {
	if log == nil {
		log = dirlog.Root().New("component", "dirstore")
	}
	return &Store{
		Parse:    parse,
		Verifier: verifier,
		Persist:  persist,
		Log:      log,
		slots:    make(map[consensus.Flavor]*FlavorSlot),
	}
}

func (s *Store) slot(flavor consensus.Flavor) *FlavorSlot {
	sl, ok := s.slots[flavor]
	if !ok {
		sl = &FlavorSlot{}
		s.slots[flavor] = sl
	}
	return sl
}

// Current returns flavor's installed consensus, if any.
func (s *Store) Current(flavor consensus.Flavor) (*consensus.NS, bool) {
	sl := s.slot(flavor)
	return sl.Current, sl.Current != nil
}

// Waiting returns flavor's parked-pending-certs consensus, if any.
func (s *Store) Waiting(flavor consensus.Flavor) (*consensus.NS, bool) {
	sl := s.slot(flavor)
	return sl.Waiting, sl.Waiting != nil
}

// GetLive returns flavor's current consensus if it is live at now (§3).
func (s *Store) GetLive(flavor consensus.Flavor, now time.Time) (*consensus.NS, bool) {
	sl := s.slot(flavor)
	if sl.Current != nil && sl.Current.Live(now) {
		return sl.Current, true
	}
	return nil, false
}

// GetReasonablyLive returns flavor's current consensus if it is
// reasonably live at now (§3, GLOSSARY).
func (s *Store) GetReasonablyLive(flavor consensus.Flavor, now time.Time) (*consensus.NS, bool) {
	sl := s.slot(flavor)
	if sl.Current != nil && sl.Current.ReasonablyLive(now) {
		return sl.Current, true
	}
	return nil, false
}

// SetCurrent implements §4.2's set_current: parse, flavor-check,
// acceptance-check, obsolete-drop, signature classification, and
// install-or-park.
func (s *Store) SetCurrent(data []byte, flavor consensus.Flavor, flags Flags, now time.Time) Result {
	ns, err := s.Parse(data)
	if err != nil {
		s.Log.Warn("consensus parse failed", "flavor", flavor, "err", err)
		return FatalFail
	}
	if ns.Flavor == "" {
		ns.Flavor = flavor
	} else if ns.Flavor != flavor {
		if flags.RequireFlavor {
			s.Log.Warn("consensus flavor mismatch", "want", flavor, "got", ns.Flavor)
			return FatalFail
		}
		// Adopt the parsed flavor rather than the requested one.
		flavor = ns.Flavor
	}

	if len(s.AcceptFlavors) > 0 && !s.AcceptFlavors[flavor] {
		// Neither usable for our own circuits nor cached for peers.
		return Ok
	}

	if flags.FromCache && !flags.AcceptObsolete && !ns.ReasonablyLive(now) {
		// The tunable horizon (§4.2 step 4) is the reasonably-live
		// tolerance: a cached document that has aged past it is not
		// worth installing unconditionally.
		return Ok
	}

	sl := s.slot(flavor)

	if sl.Current != nil && !ns.ValidAfter.After(sl.Current.ValidAfter) {
		return Ok // obsolete or duplicate: not an error, just a no-op
	}
	if sl.Waiting != nil && !ns.ValidAfter.After(sl.Waiting.ValidAfter) {
		return Ok
	}

	futureSkew := ns.ValidAfter.Sub(now)
	if futureSkew > AllowSkew {
		// Future-dated well beyond tolerance: reject outright rather than
		// merely warn (NETWORKSTATUS_ALLOW_SKEW).
		return FatalFail
	}
	if s.OnClockSkew != nil && futureSkew > EarlyConsensusNoticeSkew {
		s.OnClockSkew(futureSkew, flavor)
	}

	verdict, _ := s.Verifier.Classify(ns, now)
	switch verdict {
	case sigverify.Unsignable:
		if flags.WasWaitingForCerts {
			// Re-entry from the waiting slot: silently clear it rather
			// than fail the whole store.
			sl.Waiting = nil
			s.deleteUnverified(flavor)
			return Ok
		}
		return FatalFail
	case sigverify.CouldBeWithCerts:
		sl.Waiting = ns
		if s.Persist != nil && !flags.FromCache {
			if err := s.Persist.SaveUnverified(flavor, data); err != nil {
				s.Log.Warn("persisting unverified consensus failed", "flavor", flavor, "err", err)
			}
		}
		if s.OnWaiting != nil && !flags.DontDownloadCerts {
			s.OnWaiting(flavor, ns, now)
		}
		return Ok
	default: // SufficientlySigned or FullySigned
		persistData := data
		if flags.FromCache {
			persistData = nil
		}
		s.install(flavor, sl, ns, now, persistData)
		return Ok
	}
}

func (s *Store) deleteUnverified(flavor consensus.Flavor) {
	if s.Persist == nil {
		return
	}
	if err := s.Persist.DeleteUnverified(flavor); err != nil {
		s.Log.Warn("deleting unverified consensus failed", "flavor", flavor, "err", err)
	}
}

// NoteCertsArrived re-classifies every flavor's waiting slot, installing
// any that have become (sufficiently) signed and dropping any that have
// become definitively unsignable (§4.2 step 5 / §4.4 step 5).
func (s *Store) NoteCertsArrived(now time.Time) {
	for flavor, sl := range s.slots {
		if sl.Waiting == nil {
			continue
		}
		ns := sl.Waiting
		verdict, _ := s.Verifier.Classify(ns, now)
		switch verdict {
		case sigverify.Unsignable:
			sl.Waiting = nil
			s.deleteUnverified(flavor)
		case sigverify.CouldBeWithCerts:
			// still short of quorum; leave parked
		default:
			sl.Waiting = nil
			s.install(flavor, sl, ns, now, nil)
		}
	}
}

// install makes ns the current consensus for flavor, carrying forward
// per-routerstatus download state from the superseded document, clearing
// a now-subsumed waiting slot, and persisting the verified bytes when
// provided (§4.2 step 7).
func (s *Store) install(flavor consensus.Flavor, sl *FlavorSlot, ns *consensus.NS, now time.Time, data []byte) {
	carryForward(sl.Current, ns)
	if ns.Live(now) {
		ns.DownloadStatus.MarkSuccess(now)
	} else {
		ns.DownloadStatus.MarkFailure(now)
	}
	sl.Current = ns

	if sl.Waiting != nil && !sl.Waiting.ValidAfter.After(ns.ValidAfter) {
		sl.Waiting = nil
		s.deleteUnverified(flavor)
	}

	if data != nil && s.Persist != nil {
		if err := s.Persist.SaveVerified(flavor, data); err != nil {
			s.Log.Warn("persisting consensus failed", "flavor", flavor, "err", err)
		}
	}
	if s.OnInstalled != nil {
		s.OnInstalled(flavor, ns, now)
	}
}

// carryForward copies each new routerstatus's download state from old's
// matching entry (by identity digest) when the descriptor digest is
// unchanged, so an in-progress or exhausted microdescriptor fetch is not
// forgotten merely because a fresh consensus was installed (§4.2 step 7).
func carryForward(old, ns *consensus.NS) {
	if old == nil {
		return
	}
	for i := range ns.RouterStatuses {
		rs := &ns.RouterStatuses[i]
		oldRS, ok := old.FindRouterStatus(rs.IdentityDigest)
		if !ok || oldRS.DescriptorDigest != rs.DescriptorDigest {
			continue
		}
		rs.DownloadStatus = oldRS.DownloadStatus
	}
}

// Bootstrap installs the fallback network-status file, if the Persister
// has one, as flavor's initial current consensus (§4.2's cold-start path,
// SPEC_FULL.md's FallbackNetworkstatusFile). Returns (false, nil) if no
// fallback is configured.
func (s *Store) Bootstrap(flavor consensus.Flavor, now time.Time) (bool, error) {
	if s.Persist == nil {
		return false, nil
	}
	data, ok, err := s.Persist.LoadFallback()
	if err != nil {
		return false, fmt.Errorf("loading fallback networkstatus: %w", err)
	}
	if !ok {
		return false, nil
	}
	res := s.SetCurrent(data, flavor, Flags{FromCache: true, AcceptObsolete: true}, now)
	if res == FatalFail {
		return false, fmt.Errorf("fallback networkstatus is unsignable")
	}
	return true, nil
}
