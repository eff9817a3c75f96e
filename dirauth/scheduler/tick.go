package scheduler

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/dirlog"
	"github.com/tos-network/dircache/dirauth/sigverify"
)

// Downloader issues non-blocking, idempotent-per-resource fetches (§4.6).
type Downloader interface {
	FetchConsensus(flavor consensus.Flavor, now time.Time)
	FetchMicrodescriptors(digests []digestmap.Digest, now time.Time)
	FetchCert(identity, signingKey digestmap.Digest, now time.Time)
	FetchV2Status(fingerprint string, now time.Time)
}

// FlavorState is the DS's per-flavor bookkeeping (§4.4).
type FlavorState struct {
	Current       *consensus.NS
	Waiting       *consensus.NS
	WaitingSince  time.Time
	WaitingFailed bool
	NextFetchTime time.Time
}

// MissingCertsFunc reports the unresolved (identity, signing-key) pairs a
// consensus still needs (§4.3/§4.4 step 5).
type MissingCertsFunc func(c *consensus.NS, now time.Time) []sigverify.MissingCert

// Scheduler is the Download Scheduler (DS, §4.4).
type Scheduler struct {
	Mode Mode
	DL   Downloader
	Log  dirlog.Logger

	flavors map[consensus.Flavor]*FlavorState
	// WantFlavors are the flavors to keep current (§4.4 step 3): the
	// usable flavor, plus every flavor if we are a directory cache or
	// configured to fetch everything.
	WantFlavors     []consensus.Flavor
	UsableFlavor    consensus.Flavor
	FetchEverything bool

	HaveMD       HaveMD
	MissingCerts MissingCertsFunc

	MDInFlight   *InFlight
	CertInFlight *InFlight
	consInFlight map[consensus.Flavor]bool

	BridgeKnown func() bool // §4.4 step 1: true once we know some bridge descriptors

	FetchV2       bool
	v2Limiter     *rate.Limiter
	FetchV2Status func(fingerprint string)

	// Uniform returns a value in [0, max); overridden in tests for
	// determinism (§9 Design Notes).
	Uniform func(max time.Duration) time.Duration
}

// NewScheduler builds a Scheduler for the given flavors.
func NewScheduler(flavors []consensus.Flavor, dl Downloader, log dirlog.Logger) *Scheduler {
	fs := make(map[consensus.Flavor]*FlavorState, len(flavors))
	for _, f := range flavors {
		fs[f] = &FlavorState{}
	}
	if log == nil {
		log = dirlog.Root().New("component", "scheduler")
	}
	return &Scheduler{
		DL:           dl,
		Log:          log,
		flavors:      fs,
		WantFlavors:  flavors,
		MDInFlight:   NewInFlight(4096),
		CertInFlight: NewInFlight(256),
		consInFlight: make(map[consensus.Flavor]bool),
		v2Limiter:    rate.NewLimiter(rate.Every(10*time.Minute), 1),
		Uniform: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// State returns (creating if necessary) the FlavorState for flavor.
func (s *Scheduler) State(flavor consensus.Flavor) *FlavorState {
	fs, ok := s.flavors[flavor]
	if !ok {
		fs = &FlavorState{}
		s.flavors[flavor] = fs
	}
	return fs
}

// OnInstalled recomputes next_fetch_time after a successful consensus
// install for flavor, per §4.2 step 7 / §4.4.
func (s *Scheduler) OnInstalled(flavor consensus.Flavor, c *consensus.NS, now time.Time) {
	fs := s.State(flavor)
	fs.Current = c
	fs.WaitingFailed = false
	delete(s.consInFlight, flavor)
	if c.Live(now) {
		fs.NextFetchTime = NextFetchTime(c, s.Mode, s.Uniform)
	} else {
		fs.NextFetchTime = now
	}
}

// OnWaiting records that flavor now has a consensus parked pending certs.
func (s *Scheduler) OnWaiting(flavor consensus.Flavor, c *consensus.NS, now time.Time) {
	fs := s.State(flavor)
	fs.Waiting = c
	fs.WaitingSince = now
	fs.WaitingFailed = false
}

// ClearWaiting empties flavor's waiting slot.
func (s *Scheduler) ClearWaiting(flavor consensus.Flavor) {
	fs := s.State(flavor)
	fs.Waiting = nil
	fs.WaitingFailed = false
}

// Update runs one tick of §4.4's per-tick actions.
func (s *Scheduler) Update(now time.Time) {
	if s.Mode.Bridge && s.BridgeKnown != nil && !s.BridgeKnown() {
		return
	}

	if s.FetchV2 && s.FetchV2Status != nil && s.v2Limiter.AllowN(now, 1) {
		s.FetchV2Status("all")
	}

	for _, flavor := range s.WantFlavors {
		s.updateFlavor(flavor, now)
	}

	if s.HaveMD != nil {
		if mdc := s.flavors[consensus.FlavorMicrodesc]; mdc != nil && mdc.Current != nil && mdc.Current.Live(now) {
			inFlight := s.MDInFlight.Snapshot()
			missing := MissingMicrodescriptors(mdc.Current, s.HaveMD, true, now, DefaultMaxMicrodescDLTries, inFlight)
			if len(missing) > 0 {
				s.DL.FetchMicrodescriptors(missing, now)
				for _, d := range missing {
					s.MDInFlight.Mark(d, now)
				}
				microdescFetchMeter.Mark(int64(len(missing)))
			}
		}
	}

	if s.MissingCerts != nil {
		for _, fs := range s.flavors {
			for _, ns := range []*consensus.NS{fs.Current, fs.Waiting} {
				if ns == nil {
					continue
				}
				for _, need := range s.MissingCerts(ns, now) {
					if s.CertInFlight.Contains(need.IdentityDigest) {
						continue
					}
					s.DL.FetchCert(need.IdentityDigest, need.SigningKeyDigest, now)
					s.CertInFlight.Mark(need.IdentityDigest, now)
					certFetchMeter.Mark(1)
				}
			}
		}
	}
}

func (s *Scheduler) updateFlavor(flavor consensus.Flavor, now time.Time) {
	fs := s.State(flavor)
	if fs.NextFetchTime.After(now) {
		consensusSkipMeter.Mark(1)
		return
	}
	if fs.Current != nil && !fs.Current.DownloadStatus.IsReady(now, DefaultMaxConsensusDLTries) {
		return
	}
	if s.consInFlight[flavor] {
		return
	}
	if fs.Waiting != nil {
		if now.Sub(fs.WaitingSince) < 20*time.Minute {
			return
		}
		if !fs.WaitingFailed {
			fs.Waiting.DownloadStatus.MarkFailure(now)
			fs.WaitingFailed = true
			waitingStaleCounter.Inc(1)
		}
	}
	s.DL.FetchConsensus(flavor, now)
	s.consInFlight[flavor] = true
	consensusFetchMeter.Mark(1)
}

// OnConsensusFetchDone clears the in-flight marker for flavor so the next
// tick may issue a fresh fetch if still needed.
func (s *Scheduler) OnConsensusFetchDone(flavor consensus.Flavor) {
	delete(s.consInFlight, flavor)
}
