// Package dirparse is the byte-level parser for network-status and
// microdescriptor documents (the "external collaborator" of SPEC_FULL.md
// §1 / spec.md §4.6). No upstream transport or parser ships with this
// repo, so this package supplies a concrete, self-contained implementation
// of the contract: pure functions from bytes to typed records, returning
// structured errors, never mutating input.
package dirparse

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/tos-network/dircache/dirauth/digestmap"
)

// ErrMalformed is the ParseError taxonomy member (§7): malformed document
// bytes. Always wrapped with context via fmt.Errorf("%w: ...", ErrMalformed).
var ErrMalformed = fmt.Errorf("dirparse: malformed document")

// MicrodescRecord is one parsed microdescriptor: its canonical body bytes
// (borrowed from the input slice, or a fresh copy per copyBody), its
// SHA-256 digest, and any recognized annotation.
type MicrodescRecord struct {
	Body       []byte
	Digest     digestmap.Digest
	LastListed time.Time // zero if no @last-listed annotation was present
	Offset     int        // byte offset of Body's first byte within the input passed to Parse
}

const onionKeyPrefix = "onion-key"
const lastListedAnnotation = "@last-listed "
const annotationTimeLayout = "2006-01-02 15:04:05"

// ParseMicrodescriptors splits data into individual microdescriptor
// records. Each record begins (after any leading annotation lines) with
// the literal "onion-key" and runs until the next occurrence of a line
// starting a new record ("@..." or "onion-key" at the start of a line) or
// end of input.
//
// allowAnnotations must be true to accept "@last-listed ..." lines; this
// is only legal when reading from the on-disk cache or journal, never for
// bytes received from the wire (§6 Annotation grammar).
//
// copyBody controls whether each record's Body is a fresh allocation
// (required when the backing bytes will not outlive this call, e.g. a
// borrowed network buffer) or a sub-slice of data (legal when data itself
// will outlive the record, e.g. an mmap).
func ParseMicrodescriptors(data []byte, allowAnnotations, copyBody bool) ([]MicrodescRecord, error) {
	var out []MicrodescRecord
	consumed := 0
	for len(data) > 0 {
		var lastListed time.Time
		for bytes.HasPrefix(data, []byte("@")) {
			line, rest := splitLine(data)
			if !allowAnnotations {
				return nil, fmt.Errorf("%w: annotation not permitted in this input", ErrMalformed)
			}
			if bytes.HasPrefix(line, []byte(lastListedAnnotation)) {
				ts := string(bytes.TrimPrefix(line, []byte(lastListedAnnotation)))
				t, err := time.Parse(annotationTimeLayout, ts)
				if err != nil {
					return nil, fmt.Errorf("%w: bad @last-listed timestamp: %v", ErrMalformed, err)
				}
				lastListed = t
			}
			consumed += len(data) - len(rest)
			data = rest
		}
		if len(data) == 0 {
			break
		}
		if !bytes.HasPrefix(data, []byte(onionKeyPrefix)) {
			return nil, fmt.Errorf("%w: expected %q, got %q", ErrMalformed, onionKeyPrefix, firstLine(data))
		}
		end := nextRecordStart(data)
		body := data[:end]
		rec := MicrodescRecord{Digest: sha256.Sum256(body), LastListed: lastListed, Offset: consumed}
		if copyBody {
			rec.Body = append([]byte(nil), body...)
		} else {
			rec.Body = body
		}
		out = append(out, rec)
		consumed += end
		data = data[end:]
	}
	return out, nil
}

// nextRecordStart finds the offset of the next "\n@" or "\nonion-key" in
// data (the start of the following record), or len(data) if none.
func nextRecordStart(data []byte) int {
	searchFrom := len(onionKeyPrefix)
	if searchFrom > len(data) {
		searchFrom = len(data)
	}
	rest := data[searchFrom:]
	bestAt := -1
	if i := indexAfterNewline(rest, "@"); i >= 0 {
		bestAt = i
	}
	if i := indexAfterNewline(rest, onionKeyPrefix); i >= 0 && (bestAt == -1 || i < bestAt) {
		bestAt = i
	}
	if bestAt == -1 {
		return len(data)
	}
	return searchFrom + bestAt
}

func indexAfterNewline(data []byte, prefix string) int {
	off := 0
	for {
		nl := bytes.IndexByte(data[off:], '\n')
		if nl < 0 {
			return -1
		}
		start := off + nl + 1
		if start >= len(data) {
			return -1
		}
		if bytes.HasPrefix(data[start:], []byte(prefix)) {
			return start
		}
		off = start
	}
}

func splitLine(data []byte) (line, rest []byte) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return data, nil
	}
	return data[:i], data[i+1:]
}

func firstLine(data []byte) []byte {
	line, _ := splitLine(data)
	if len(line) > 40 {
		line = line[:40]
	}
	return line
}

// FormatAnnotation renders the "@last-listed ..." annotation line for t,
// or nil if t is zero (no annotation is written for unlisted mds).
func FormatAnnotation(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	return []byte(lastListedAnnotation + t.UTC().Format(annotationTimeLayout) + "\n")
}
