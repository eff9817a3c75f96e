package dirstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/sigverify"
)

type parserStub struct {
	ns  *consensus.NS
	err error
}

func (p *parserStub) parse(data []byte) (*consensus.NS, error) { return p.ns, p.err }

type fakePersist struct {
	verified    map[consensus.Flavor][]byte
	unverified  map[consensus.Flavor][]byte
	fallback    []byte
	hasFallback bool
}

func newFakePersist() *fakePersist {
	return &fakePersist{verified: map[consensus.Flavor][]byte{}, unverified: map[consensus.Flavor][]byte{}}
}

func (f *fakePersist) SaveVerified(flavor consensus.Flavor, data []byte) error {
	f.verified[flavor] = data
	return nil
}
func (f *fakePersist) SaveUnverified(flavor consensus.Flavor, data []byte) error {
	f.unverified[flavor] = data
	return nil
}
func (f *fakePersist) DeleteUnverified(flavor consensus.Flavor) error {
	delete(f.unverified, flavor)
	return nil
}
func (f *fakePersist) LoadFallback() ([]byte, bool, error) { return f.fallback, f.hasFallback, nil }

type fakeCerts struct{ m map[[2]digestmap.Digest]*sigverify.Cert }

func newFakeCerts() *fakeCerts { return &fakeCerts{m: map[[2]digestmap.Digest]*sigverify.Cert{}} }
func (f *fakeCerts) Lookup(identity, signingKey digestmap.Digest) (*sigverify.Cert, bool) {
	c, ok := f.m[[2]digestmap.Digest{identity, signingKey}]
	return c, ok
}

type testAuthority struct {
	identity digestmap.Digest
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
}

func newTestAuthority(t *testing.T, n byte) testAuthority {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var d digestmap.Digest
	d[0] = n
	return testAuthority{identity: d, pub: pub, priv: priv}
}

func signedNS(msg digestmap.Digest, validAfter, validUntil time.Time, flavor consensus.Flavor, authorities ...testAuthority) *consensus.NS {
	ns := &consensus.NS{
		Flavor:     flavor,
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(time.Hour),
		ValidUntil: validUntil,
		Digests:    map[string]digestmap.Digest{"sha256": msg},
	}
	for _, a := range authorities {
		ns.Voters = append(ns.Voters, consensus.Voter{
			IdentityDigest: a.identity,
			Signatures: []consensus.VoterSignature{{
				IdentityDigest:   a.identity,
				SigningKeyDigest: a.identity,
				Algorithm:        "sha256",
				Signature:        ed25519.Sign(a.priv, msg[:]),
			}},
		})
	}
	return ns
}

func msgAt(n byte) digestmap.Digest {
	var d digestmap.Digest
	d[0] = n
	return d
}

func TestSetCurrentInstallsFullySigned(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns := signedNS(msgAt(1), now, now.Add(3*time.Hour), consensus.FlavorMicrodesc, a)
	parser := &parserStub{ns: ns}
	persist := newFakePersist()
	var installed *consensus.NS
	store := NewStore(parser.parse, verifier, persist, nil)
	store.OnInstalled = func(flavor consensus.Flavor, ns *consensus.NS, now time.Time) { installed = ns }

	res := store.SetCurrent([]byte("raw"), consensus.FlavorMicrodesc, Flags{}, now)
	assert.Equal(t, Ok, res)
	assert.Same(t, ns, installed)
	cur, ok := store.Current(consensus.FlavorMicrodesc)
	require.True(t, ok)
	assert.Same(t, ns, cur)
	assert.Equal(t, []byte("raw"), persist.verified[consensus.FlavorMicrodesc])
}

func TestSetCurrentParksCouldBeWithCerts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	b := newTestAuthority(t, 2)
	certs := newFakeCerts() // neither authority has a resolvable cert yet
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity, b.identity}, certs)

	ns := signedNS(msgAt(2), now, now.Add(3*time.Hour), consensus.FlavorNS, a, b)
	parser := &parserStub{ns: ns}
	persist := newFakePersist()
	var waitingFired bool
	store := NewStore(parser.parse, verifier, persist, nil)
	store.OnWaiting = func(flavor consensus.Flavor, ns *consensus.NS, now time.Time) { waitingFired = true }

	res := store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{}, now)
	assert.Equal(t, Ok, res)
	assert.True(t, waitingFired)
	w, ok := store.Waiting(consensus.FlavorNS)
	require.True(t, ok)
	assert.Same(t, ns, w)
	assert.Equal(t, []byte("raw"), persist.unverified[consensus.FlavorNS])
	_, ok = store.Current(consensus.FlavorNS)
	assert.False(t, ok)
}

func TestNoteCertsArrivedInstallsOnceQuorumReached(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	b := newTestAuthority(t, 2)
	certs := newFakeCerts()
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity, b.identity}, certs)

	ns := signedNS(msgAt(3), now, now.Add(3*time.Hour), consensus.FlavorNS, a, b)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)

	require.Equal(t, Ok, store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{}, now))
	_, waiting := store.Waiting(consensus.FlavorNS)
	require.True(t, waiting)

	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	certs.m[[2]digestmap.Digest{b.identity, b.identity}] = &sigverify.Cert{SigningKey: b.pub, Expires: now.Add(time.Hour)}

	store.NoteCertsArrived(now)
	cur, ok := store.Current(consensus.FlavorNS)
	require.True(t, ok)
	assert.Same(t, ns, cur)
	_, waiting = store.Waiting(consensus.FlavorNS)
	assert.False(t, waiting)
}

func TestSetCurrentSupersedesEvenWhenNewDocAlreadyExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	// The cert must still be valid at "later" (now+2h), when ns2 is classified.
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(3 * time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns1 := signedNS(msgAt(4), now, now.Add(time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns1}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)
	require.Equal(t, Ok, store.SetCurrent([]byte("raw1"), consensus.FlavorNS, Flags{}, now))

	// ns2 is newer (later ValidAfter) but its ValidUntil already lies in the
	// past relative to "later" -- supersession only compares ValidAfter.
	later := now.Add(2 * time.Hour)
	ns2 := signedNS(msgAt(5), now.Add(time.Minute), now.Add(90*time.Minute), consensus.FlavorNS, a)
	parser.ns = ns2
	require.Equal(t, Ok, store.SetCurrent([]byte("raw2"), consensus.FlavorNS, Flags{}, later))

	cur, ok := store.Current(consensus.FlavorNS)
	require.True(t, ok)
	assert.Same(t, ns2, cur)
	assert.False(t, cur.Live(later), "ns2 is already expired at the moment it was installed")
	assert.Zero(t, cur.DownloadStatus.LastSucceeded, "a non-live install must be marked a failure, not a success")
	assert.Equal(t, 1, cur.DownloadStatus.Attempts)
}

func TestSetCurrentObsoleteIsNoop(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns1 := signedNS(msgAt(6), now, now.Add(3*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns1}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)
	require.Equal(t, Ok, store.SetCurrent([]byte("raw1"), consensus.FlavorNS, Flags{}, now))

	older := signedNS(msgAt(7), now.Add(-time.Minute), now.Add(3*time.Hour), consensus.FlavorNS, a)
	parser.ns = older
	res := store.SetCurrent([]byte("raw-older"), consensus.FlavorNS, Flags{}, now)
	assert.Equal(t, Ok, res)

	cur, _ := store.Current(consensus.FlavorNS)
	assert.Same(t, ns1, cur, "an older-or-equal ValidAfter must not replace the installed consensus")
}

func TestSetCurrentFlavorMismatchIsFatalWhenRequired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ns := &consensus.NS{Flavor: consensus.FlavorNS, ValidAfter: now, ValidUntil: now.Add(time.Hour)}
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, sigverify.NewVerifier(nil, newFakeCerts()), newFakePersist(), nil)

	res := store.SetCurrent([]byte("raw"), consensus.FlavorMicrodesc, Flags{RequireFlavor: true}, now)
	assert.Equal(t, FatalFail, res)
}

func TestSetCurrentFlavorMismatchAdoptsParsedFlavorByDefault(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns := signedNS(msgAt(11), now, now.Add(3*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)

	res := store.SetCurrent([]byte("raw"), consensus.FlavorMicrodesc, Flags{}, now)
	assert.Equal(t, Ok, res)
	cur, ok := store.Current(consensus.FlavorNS)
	require.True(t, ok, "document installs under its own parsed flavor, not the requested one")
	assert.Same(t, ns, cur)
}

func TestSetCurrentDropsUnacceptedFlavorSilently(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns := signedNS(msgAt(12), now, now.Add(3*time.Hour), consensus.FlavorMicrodesc, a)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)
	store.AcceptFlavors = map[consensus.Flavor]bool{consensus.FlavorNS: true}

	res := store.SetCurrent([]byte("raw"), consensus.FlavorMicrodesc, Flags{}, now)
	assert.Equal(t, Ok, res)
	_, ok := store.Current(consensus.FlavorMicrodesc)
	assert.False(t, ok)
}

func TestSetCurrentDropsObsoleteFromCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	stale := now.Add(-consensus.ReasonablyLiveSkew - 2*time.Hour)
	ns := signedNS(msgAt(13), stale, stale.Add(time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)

	res := store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{FromCache: true}, now)
	assert.Equal(t, Ok, res)
	_, ok := store.Current(consensus.FlavorNS)
	assert.False(t, ok, "a from_cache document beyond the reasonably-live horizon must be dropped")
}

func TestSetCurrentWasWaitingForCertsUnsignableClearsSilently(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	b := newTestAuthority(t, 2)
	c := newTestAuthority(t, 3)
	certs := newFakeCerts() // no certs resolve at all
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity, b.identity, c.identity}, certs)

	// Only one of three authorities signed at all: even once a's missing
	// cert arrives, quorum (2 of 3) can never be reached -- Unsignable.
	ns := signedNS(msgAt(14), now, now.Add(3*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	persist := newFakePersist()
	persist.unverified[consensus.FlavorNS] = []byte("stale-unverified")
	store := NewStore(parser.parse, verifier, persist, nil)

	res := store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{WasWaitingForCerts: true}, now)
	assert.Equal(t, Ok, res)
	_, waiting := store.Waiting(consensus.FlavorNS)
	assert.False(t, waiting)
	_, stillPersisted := persist.unverified[consensus.FlavorNS]
	assert.False(t, stillPersisted, "the unverified file must be unlinked on re-entry")
}

func TestSetCurrentRejectsFarFutureSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	ns := signedNS(msgAt(8), now.Add(AllowSkew+time.Hour), now.Add(AllowSkew+4*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, sigverify.NewVerifier([]digestmap.Digest{a.identity}, newFakeCerts()), newFakePersist(), nil)

	res := store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{}, now)
	assert.Equal(t, FatalFail, res)
}

func TestSetCurrentWarnsOnModerateClockSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(2 * time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	skewed := now.Add(EarlyConsensusNoticeSkew + time.Minute)
	ns := signedNS(msgAt(9), skewed, skewed.Add(3*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	store := NewStore(parser.parse, verifier, newFakePersist(), nil)
	var gotSkew time.Duration
	store.OnClockSkew = func(skew time.Duration, flavor consensus.Flavor) { gotSkew = skew }

	res := store.SetCurrent([]byte("raw"), consensus.FlavorNS, Flags{}, now)
	assert.Equal(t, Ok, res)
	assert.True(t, gotSkew > EarlyConsensusNoticeSkew)
}

func TestBootstrapInstallsFallback(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, 1)
	certs := newFakeCerts()
	certs.m[[2]digestmap.Digest{a.identity, a.identity}] = &sigverify.Cert{SigningKey: a.pub, Expires: now.Add(time.Hour)}
	verifier := sigverify.NewVerifier([]digestmap.Digest{a.identity}, certs)

	ns := signedNS(msgAt(10), now, now.Add(3*time.Hour), consensus.FlavorNS, a)
	parser := &parserStub{ns: ns}
	persist := newFakePersist()
	persist.fallback = []byte("fallback-bytes")
	persist.hasFallback = true
	store := NewStore(parser.parse, verifier, persist, nil)

	ok, err := store.Bootstrap(consensus.FlavorNS, now)
	require.NoError(t, err)
	assert.True(t, ok)
	cur, installed := store.Current(consensus.FlavorNS)
	require.True(t, installed)
	assert.Same(t, ns, cur)
}

func TestBootstrapNoFallbackConfigured(t *testing.T) {
	store := NewStore((&parserStub{}).parse, sigverify.NewVerifier(nil, newFakeCerts()), newFakePersist(), nil)
	ok, err := store.Bootstrap(consensus.FlavorNS, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}
