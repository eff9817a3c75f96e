package dirparse

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64Digest(seed byte) string {
	var d [32]byte
	d[0] = seed
	return base64.StdEncoding.EncodeToString(d[:])
}

func hexDigest(seed byte) string {
	var d [32]byte
	d[0] = seed
	return hex.EncodeToString(d[:])
}

func buildConsensus(nickname1, nickname2 string) string {
	return fmt.Sprintf(`network-status-version 3 microdesc
valid-after 2026-01-01 00:00:00
fresh-until 2026-01-01 01:00:00
valid-until 2026-01-01 03:00:00
params circwindow=1000
dir-source auth1 %s
r %s %s %s 2025-12-31 23:00:00 1.2.3.4 9001 9030
m %s
s Fast Running Guard
r %s %s %s 2025-12-31 23:00:00 1.2.3.5 9001 0
s Running
directory-signature %s %s sha256
-----BEGIN SIGNATURE-----
%s
-----END SIGNATURE-----
`,
		hexDigest(0xA1),
		nickname1, b64Digest(1), b64Digest(2), b64Digest(3),
		nickname2, b64Digest(5), b64Digest(6),
		hexDigest(0xA1), hexDigest(0xA2),
		base64.StdEncoding.EncodeToString([]byte("fake-signature-bytes")),
	)
}

func TestParseConsensusBasic(t *testing.T) {
	doc := buildConsensus("relay1", "relay2")
	ns, err := ParseConsensus([]byte(doc))
	require.NoError(t, err)

	assert.EqualValues(t, "microdesc", ns.Flavor)
	require.Len(t, ns.RouterStatuses, 2)
	// sorted ascending by identity digest: b64Digest(1) < b64Digest(5)
	assert.Equal(t, "relay1", ns.RouterStatuses[0].Nickname)
	assert.Equal(t, "relay2", ns.RouterStatuses[1].Nickname)
	assert.True(t, ns.RouterStatuses[0].HasFlag("guard"))
	assert.False(t, ns.RouterStatuses[1].HasFlag("guard"))
	assert.Equal(t, 9030, ns.RouterStatuses[0].DirPort)
	assert.Equal(t, 0, ns.RouterStatuses[1].DirPort)

	require.Len(t, ns.Voters, 1)
	require.Len(t, ns.Voters[0].Signatures, 1)
	assert.Equal(t, "sha256", ns.Voters[0].Signatures[0].Algorithm)

	sigStart := -1
	for i := 0; i+len("\ndirectory-signature ") <= len(doc); i++ {
		if doc[i:i+len("\ndirectory-signature ")] == "\ndirectory-signature " {
			sigStart = i
			break
		}
	}
	require.NotEqual(t, -1, sigStart)
	want := sha256.Sum256([]byte(doc[:sigStart+1]))
	assert.Equal(t, want, [32]byte(ns.Digests["sha256"]))
}

func TestParseConsensusMissingValidity(t *testing.T) {
	_, err := ParseConsensus([]byte("network-status-version 3 ns\n"))
	require.Error(t, err)
}
