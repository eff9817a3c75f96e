package microdesc

import (
	"crypto/sha256"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/dircache/dirauth/digestmap"
)

func mdDigest(body string) digestmap.Digest {
	return digestmap.Digest(sha256.Sum256([]byte(body)))
}

// S1: journal append then compaction round-trips the body unchanged.
func TestStoreJournalThenRebuild(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	body := "onion-key\nAAAA\n"

	added, err := s.AddBytes([]byte(body), WhereNowhere, false, time.Time{}, nil)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, BackingInJournal, added[0].Backing)
	assert.Equal(t, []byte(body), added[0].Body)
	assert.True(t, s.journalBytes > 0)

	require.NoError(t, s.Rebuild(true))
	md, ok := s.Lookup(mdDigest(body))
	require.True(t, ok)
	assert.Equal(t, BackingInCache, md.Backing)
	assert.Equal(t, []byte(body), md.Body)
	assert.EqualValues(t, 0, s.journalBytes)
}

// S2: re-adding the same digest with a later last_listed raises it without
// touching bytes_dropped or creating a second entry.
func TestStoreDuplicateMergeRaisesLastListed(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	body := "onion-key\nBBBB\n"
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := s.AddBytes([]byte(body), WhereNowhere, true, t1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	var bytesDroppedBefore = s.bytesDropped

	_, err = s.AddBytes([]byte(body), WhereNowhere, true, t2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len(), "duplicate digest must not create a second entry")

	md, ok := s.Lookup(mdDigest(body))
	require.True(t, ok)
	assert.Equal(t, t2, md.LastListed)
	assert.Equal(t, bytesDroppedBefore, s.bytesDropped)
}

// S3: a delivered digest outside the requested set is dropped, and accepted
// digests are removed from the requested set as they are consumed.
func TestStoreAddBytesRejectsUnrequestedDigest(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	wanted := "onion-key\nCCCC\n"
	unwanted := "onion-key\nDDDD\n"

	requested := mapset.NewSet(mdDigest(wanted))
	added, err := s.AddBytes([]byte(wanted+unwanted), WhereNowhere, true, time.Time{}, requested)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, mdDigest(wanted), added[0].Digest)
	assert.Equal(t, 0, requested.Cardinality())
}

func TestShouldRebuildBoundaries(t *testing.T) {
	assert.False(t, ShouldRebuild(rebuildJournalFloor-1, 0, 0), "below the journal floor never rebuilds")
	assert.True(t, ShouldRebuild(rebuildJournalFloor, 0, rebuildJournalFloor), "journal > mainSize/2 triggers rebuild")
	assert.True(t, ShouldRebuild(rebuildJournalFloor, rebuildJournalFloor, 0), "bytesDropped over the 1/3 threshold triggers rebuild")
	assert.False(t, ShouldRebuild(rebuildJournalFloor, 0, rebuildJournalFloor*10), "small journal against a large main file stays quiet")
}

func TestStoreCleanRespectsLivenessProbe(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	body := "onion-key\nEEEE\n"
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.AddBytes([]byte(body), WhereNowhere, true, old, nil)
	require.NoError(t, err)

	s.Clean(time.Now(), false)
	assert.Equal(t, 1, s.Len(), "without a live probe, clean must not trust last_listed")

	s.SetLivenessProbe(func() bool { return true })
	s.Clean(time.Now(), false)
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.bytesDropped > 0)
}

func TestStoreCleanReportsDroppedAndFiresOnDropped(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	s.SetLivenessProbe(func() bool { return true })
	body := "onion-key\nEEEE\n"
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	added, err := s.AddBytes([]byte(body), WhereNowhere, true, old, nil)
	require.NoError(t, err)
	require.Len(t, added, 1)

	var notified []*MD
	s.OnDropped = func(dropped []*MD) { notified = dropped }

	returned := s.Clean(time.Now(), false)
	require.Len(t, returned, 1)
	assert.Same(t, added[0], returned[0])
	assert.Equal(t, returned, notified)
}
