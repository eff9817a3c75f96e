package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
)

func digestAt(b byte) digestmap.Digest {
	var d digestmap.Digest
	d[0] = b
	return d
}

func TestMissingMicrodescriptorsSkipsZeroAndHave(t *testing.T) {
	c := &consensus.NS{RouterStatuses: []consensus.RouterStatus{
		{DescriptorDigest: digestmap.Digest{}},
		{DescriptorDigest: digestAt(1)},
		{DescriptorDigest: digestAt(2)},
	}}
	have := func(d digestmap.Digest) bool { return d == digestAt(2) }
	out := MissingMicrodescriptors(c, have, false, time.Now(), 0, nil)
	assert.Equal(t, []digestmap.Digest{digestAt(1)}, out)
}

func TestMissingMicrodescriptorsDownloadableOnlyRespectsRetryGate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rs := consensus.RouterStatus{DescriptorDigest: digestAt(1)}
	rs.DownloadStatus.MarkFailure(now)
	c := &consensus.NS{RouterStatuses: []consensus.RouterStatus{rs}}
	have := func(digestmap.Digest) bool { return false }

	out := MissingMicrodescriptors(c, have, true, now, 8, nil)
	assert.Empty(t, out, "just-failed digest is not yet ready for retry")

	out = MissingMicrodescriptors(c, have, true, now.Add(time.Minute), 8, nil)
	assert.Equal(t, []digestmap.Digest{digestAt(1)}, out)
}

func TestMissingMicrodescriptorsExcludesInFlight(t *testing.T) {
	c := &consensus.NS{RouterStatuses: []consensus.RouterStatus{
		{DescriptorDigest: digestAt(1)},
		{DescriptorDigest: digestAt(2)},
	}}
	have := func(digestmap.Digest) bool { return false }
	inFlight := map[digestmap.Digest]bool{digestAt(1): true}
	out := MissingMicrodescriptors(c, have, false, time.Now(), 0, inFlight)
	assert.Equal(t, []digestmap.Digest{digestAt(2)}, out)
}
