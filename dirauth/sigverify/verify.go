// Package sigverify implements the Signature Verifier (SV) of spec.md
// §4.3: given a consensus and an authority-certificate lookup, classify
// it as fully-signed / sufficiently-signed / possibly-signable-with-more-
// certs / unsignable.
package sigverify

import (
	"crypto/sha256"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
)

// Verdict is the outcome of classifying a consensus's signatures (§4.3).
type Verdict int

const (
	Unsignable        Verdict = -2
	CouldBeWithCerts  Verdict = -1
	SufficientlySigned Verdict = 0
	FullySigned       Verdict = 1
)

func (v Verdict) String() string {
	switch v {
	case FullySigned:
		return "fully_signed"
	case SufficientlySigned:
		return "sufficiently_signed"
	case CouldBeWithCerts:
		return "could_be_with_certs"
	default:
		return "unsignable"
	}
}

// Cert is the externally-held authority-certificate binding (§3).
type Cert struct {
	IdentityDigest   digestmap.Digest
	SigningKeyDigest digestmap.Digest
	SigningKey       ed25519.PublicKey
	Expires          time.Time
}

// CertLookup resolves an authority certificate by (identity, signing-key)
// pair; an external collaborator per §1.
type CertLookup interface {
	Lookup(identity, signingKey digestmap.Digest) (*Cert, bool)
}

// MissingCert names one unresolved (identity, signing-key) pair a
// consensus needs verified, with whether its certificate fetch looks
// "stuck" (requested more than StuckAfter ago with no result).
type MissingCert struct {
	IdentityDigest   digestmap.Digest
	SigningKeyDigest digestmap.Digest
	Stuck            bool
}

// Verifier classifies consensus signatures against a configured set of
// recognized v3 directory authorities.
type Verifier struct {
	// Authorities is the set of recognized v3 authority identity
	// digests; N_auth = len(Authorities).
	Authorities map[digestmap.Digest]bool
	Certs       CertLookup

	// StuckAfter is how long a missing-key voter must have been missing
	// before its cert fetch is reported as stuck (used by the scheduler
	// to avoid hammering an authority that will never answer).
	StuckAfter time.Duration

	// requestedAt tracks, per (identity,signingKey) pair, when we first
	// noticed it missing, so stuck-detection works across calls. Classify
	// reports each missing pair once per call; deduplicating the fetches
	// themselves is the scheduler's CertInFlight.
	requestedAt map[digestmap.Digest]time.Time
}

// NewVerifier constructs a Verifier for the given authority set.
func NewVerifier(authorities []digestmap.Digest, certs CertLookup) *Verifier {
	set := make(map[digestmap.Digest]bool, len(authorities))
	for _, a := range authorities {
		set[a] = true
	}
	return &Verifier{
		Authorities: set,
		Certs:       certs,
		StuckAfter:  20 * time.Minute,
		requestedAt: make(map[digestmap.Digest]time.Time),
	}
}

type voterVerdict int

const (
	voterNoSig voterVerdict = iota
	voterUnknown
	voterMissingKey
	voterBad
	voterGood
)

// Classify implements §4.3's algorithm over c's voters and signatures,
// mutating each VoterSignature's Flag as it goes (flags already set to
// Good/Bad are trusted and skipped, matching the original's incremental
// re-verification behavior).
func (v *Verifier) Classify(c *consensus.NS, now time.Time) (Verdict, []MissingCert) {
	nAuth := len(v.Authorities)
	required := nAuth/2 + 1

	var good, bad, missingKey, unknown int
	var missing []MissingCert
	seenMissingKey := map[digestmap.Digest]bool{}

	for vi := range c.Voters {
		voter := &c.Voters[vi]
		verdict := voterNoSig
		for si := range voter.Signatures {
			sig := &voter.Signatures[si]
			sv := v.classifySignature(c, voter, sig, now)
			if sv > verdict {
				verdict = sv
			}
			if sv == voterMissingKey {
				key := missingKeyKey(sig.IdentityDigest, sig.SigningKeyDigest)
				if !seenMissingKey[key] {
					seenMissingKey[key] = true
					missing = append(missing, MissingCert{
						IdentityDigest:   sig.IdentityDigest,
						SigningKeyDigest: sig.SigningKeyDigest,
						Stuck:            v.isStuck(key, now),
					})
				}
			}
		}
		switch verdict {
		case voterGood:
			good++
		case voterBad:
			bad++
		case voterMissingKey:
			missingKey++
		case voterUnknown:
			unknown++
		}
	}
	_ = bad
	_ = unknown

	switch {
	case good >= nAuth:
		return FullySigned, missing
	case good >= required:
		return SufficientlySigned, missing
	case good+missingKey >= required:
		return CouldBeWithCerts, missing
	default:
		return Unsignable, missing
	}
}

func (v *Verifier) classifySignature(c *consensus.NS, voter *consensus.Voter, sig *consensus.VoterSignature, now time.Time) voterVerdict {
	if sig.Flag == consensus.SigGood {
		return voterGood
	}
	if sig.Flag == consensus.SigBad {
		return voterBad
	}
	if !v.Authorities[voter.IdentityDigest] {
		return voterUnknown
	}
	cert, ok := v.Certs.Lookup(sig.IdentityDigest, sig.SigningKeyDigest)
	if !ok || now.After(cert.Expires) {
		key := missingKeyKey(sig.IdentityDigest, sig.SigningKeyDigest)
		if _, tracked := v.requestedAt[key]; !tracked {
			v.requestedAt[key] = now
		}
		return voterMissingKey
	}
	msg, ok := c.Digests[sig.Algorithm]
	if !ok {
		return voterMissingKey
	}
	okSig := ed25519.Verify(cert.SigningKey, msg[:], sig.Signature)
	if okSig {
		sig.Flag = consensus.SigGood
		return voterGood
	}
	sig.Flag = consensus.SigBad
	return voterBad
}

func (v *Verifier) isStuck(key digestmap.Digest, now time.Time) bool {
	t, ok := v.requestedAt[key]
	return ok && now.Sub(t) > v.StuckAfter
}

func missingKeyKey(identity, signingKey digestmap.Digest) digestmap.Digest {
	// Fold the ordered pair into one digest-shaped key by hashing both
	// digests together, so distinct pairs (including identity ==
	// signingKey, or the same two digests swapped) get distinct keys.
	var buf [64]byte
	copy(buf[:32], identity[:])
	copy(buf[32:], signingKey[:])
	return sha256.Sum256(buf[:])
}
