package dirparse

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
)

const consensusTimeLayout = "2006-01-02 15:04:05"

// ParseConsensus parses a consensus network-status document. It is
// deliberately independent of any particular wire encoding beyond the
// line-oriented grammar documented here (the upstream Tor dir-spec format,
// trimmed to the fields SPEC_FULL.md's data model actually consumes):
//
//	network-status-version 3 <flavor>
//	valid-after <ts>
//	fresh-until <ts>
//	valid-until <ts>
//	params <k=v> <k=v> ...
//	bandwidth-weights <k=v> <k=v> ...
//	dir-source <nickname> <identity-hex>
//	r <nickname> <identity-b64> <descriptor-or-md-digest-b64> <published> <addr> <orport> <dirport>
//	m <microdesc-digest-b64>           (microdesc flavor only, follows its r line)
//	s <flag> <flag> ...
//	directory-signature <identity-hex> <signing-key-hex> <algorithm>
//	-----BEGIN SIGNATURE-----
//	<base64>
//	-----END SIGNATURE-----
//
// The whole document's bytes (minus the trailing signature blocks) are
// digested with SHA-256 into NS.Digests["sha256"], the message signatures
// are computed over (§3).
func ParseConsensus(data []byte) (*consensus.NS, error) {
	ns := &consensus.NS{
		Digests:      map[string]digestmap.Digest{},
		NetParams:    map[string]int{},
		WeightParams: map[string]int{},
	}
	voterByNickname := map[string]int{}

	sigStart := bytes.Index(data, []byte("\ndirectory-signature "))
	var body []byte
	if sigStart >= 0 {
		body = data[:sigStart+1]
	} else {
		body = data
	}
	ns.Digests["sha256"] = sha256.Sum256(body)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var curRS *consensus.RouterStatus
	var inSig bool
	var sigBuf strings.Builder
	var pendingIdentityHex, pendingSigningHex, pendingAlg string

	flushRS := func() {
		if curRS != nil {
			ns.RouterStatuses = append(ns.RouterStatuses, *curRS)
			curRS = nil
		}
	}

	for sc.Scan() {
		line := sc.Text()
		if inSig {
			if line == "-----END SIGNATURE-----" {
				raw, err := base64.StdEncoding.DecodeString(sigBuf.String())
				if err != nil {
					return nil, fmt.Errorf("%w: bad signature base64: %v", ErrMalformed, err)
				}
				idHex, err := hex.DecodeString(pendingIdentityHex)
				if err != nil || len(idHex) != 32 {
					return nil, fmt.Errorf("%w: bad voter identity digest", ErrMalformed)
				}
				skHex, err := hex.DecodeString(pendingSigningHex)
				if err != nil || len(skHex) != 32 {
					return nil, fmt.Errorf("%w: bad signing key digest", ErrMalformed)
				}
				var idD, skD digestmap.Digest
				copy(idD[:], idHex)
				copy(skD[:], skHex)
				vi, ok := voterByNickname[pendingIdentityHex]
				if !ok {
					ns.Voters = append(ns.Voters, consensus.Voter{IdentityDigest: idD})
					vi = len(ns.Voters) - 1
					voterByNickname[pendingIdentityHex] = vi
				}
				ns.Voters[vi].Signatures = append(ns.Voters[vi].Signatures, consensus.VoterSignature{
					IdentityDigest:   idD,
					SigningKeyDigest: skD,
					Algorithm:        pendingAlg,
					Signature:        raw,
				})
				inSig = false
				sigBuf.Reset()
				continue
			}
			sigBuf.WriteString(line)
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "network-status-version":
			if len(fields) >= 3 {
				ns.Flavor = consensus.Flavor(fields[2])
			} else {
				ns.Flavor = consensus.FlavorNS
			}
		case "valid-after":
			t, err := parseConsensusTime(fields[1:])
			if err != nil {
				return nil, err
			}
			ns.ValidAfter = t
		case "fresh-until":
			t, err := parseConsensusTime(fields[1:])
			if err != nil {
				return nil, err
			}
			ns.FreshUntil = t
		case "valid-until":
			t, err := parseConsensusTime(fields[1:])
			if err != nil {
				return nil, err
			}
			ns.ValidUntil = t
		case "params":
			parseKV(fields[1:], ns.NetParams)
		case "bandwidth-weights":
			parseKV(fields[1:], ns.WeightParams)
		case "dir-source":
			if len(fields) < 3 {
				return nil, fmt.Errorf("%w: short dir-source line", ErrMalformed)
			}
			idHex, err := hex.DecodeString(fields[2])
			if err != nil || len(idHex) != 32 {
				return nil, fmt.Errorf("%w: bad dir-source identity digest", ErrMalformed)
			}
			var idD digestmap.Digest
			copy(idD[:], idHex)
			if _, ok := voterByNickname[fields[2]]; !ok {
				ns.Voters = append(ns.Voters, consensus.Voter{Nickname: fields[1], IdentityDigest: idD})
				voterByNickname[fields[2]] = len(ns.Voters) - 1
			}
		case "r":
			flushRS()
			if len(fields) < 8 {
				return nil, fmt.Errorf("%w: short r line", ErrMalformed)
			}
			idD, err := decodeB64Digest(fields[2])
			if err != nil {
				return nil, err
			}
			descD, err := decodeB64Digest(fields[3])
			if err != nil {
				return nil, err
			}
			published, err := time.Parse(consensusTimeLayout, fields[4]+" "+fields[5])
			if err != nil {
				return nil, fmt.Errorf("%w: bad r published time: %v", ErrMalformed, err)
			}
			orport, _ := strconv.Atoi(fields[7])
			dirport := 0
			if len(fields) > 8 {
				dirport, _ = strconv.Atoi(fields[8])
			}
			curRS = &consensus.RouterStatus{
				Nickname:         fields[1],
				IdentityDigest:   idD,
				DescriptorDigest: descD,
				Published:        published,
				Addr:             fields[6],
				ORPort:           orport,
				DirPort:          dirport,
				Flags:            map[string]bool{},
			}
		case "m":
			if curRS == nil || len(fields) < 2 {
				return nil, fmt.Errorf("%w: m line without r line", ErrMalformed)
			}
			d, err := decodeB64Digest(fields[1])
			if err != nil {
				return nil, err
			}
			curRS.DescriptorDigest = d
		case "s":
			if curRS == nil {
				return nil, fmt.Errorf("%w: s line without r line", ErrMalformed)
			}
			for _, f := range fields[1:] {
				curRS.Flags[strings.ToLower(f)] = true
			}
		case "directory-signature":
			flushRS()
			if len(fields) < 3 {
				return nil, fmt.Errorf("%w: short directory-signature line", ErrMalformed)
			}
			pendingIdentityHex = fields[1]
			pendingSigningHex = fields[2]
			pendingAlg = "sha256"
			if len(fields) > 3 {
				pendingAlg = fields[3]
			}
		case "-----BEGIN":
			inSig = true
		}
	}
	flushRS()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ns.ValidAfter.IsZero() || ns.ValidUntil.IsZero() {
		return nil, fmt.Errorf("%w: missing validity timestamps", ErrMalformed)
	}
	sortRouterStatuses(ns)
	return ns, nil
}

func parseConsensusTime(fields []string) (time.Time, error) {
	if len(fields) < 2 {
		return time.Time{}, fmt.Errorf("%w: short timestamp", ErrMalformed)
	}
	t, err := time.Parse(consensusTimeLayout, fields[0]+" "+fields[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp: %v", ErrMalformed, err)
	}
	return t.UTC(), nil
}

func parseKV(fields []string, out map[string]int) {
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			continue
		}
		out[kv[0]] = n
	}
}

func decodeB64Digest(s string) (digestmap.Digest, error) {
	var d digestmap.Digest
	// Tor base64-encodes digests without padding; pad out before decoding.
	padded := s
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	raw, err := base64.StdEncoding.DecodeString(padded)
	if err != nil || len(raw) != 32 {
		return d, fmt.Errorf("%w: bad base64 digest %q", ErrMalformed, s)
	}
	copy(d[:], raw)
	return d, nil
}

func sortRouterStatuses(ns *consensus.NS) {
	rs := ns.RouterStatuses
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && bytes.Compare(rs[j-1].IdentityDigest[:], rs[j].IdentityDigest[:]) > 0; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}
