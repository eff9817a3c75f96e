package microdesc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/dirlog"
	"github.com/tos-network/dircache/dirauth/dirparse"
	"github.com/tos-network/dircache/metrics"
)

const (
	mainFileName    = "cached-microdescs"
	journalFileName = "cached-microdescs.new"
	tmpFileName     = "cached-microdescs.tmp"

	onionKeyPrefix = "onion-key"

	// rebuildJournalFloor is the journal_bytes < 16KiB floor below which
	// should_rebuild never triggers (§4.1, §8 boundary behavior).
	rebuildJournalFloor = 16 * 1024

	// TolerateAge is the default clean() cutoff horizon (§3 Lifecycle,
	// TOLERATE_MICRODESC_AGE).
	TolerateAge = 7 * 24 * time.Hour
)

// ErrCorrupt is the IntegrityError taxonomy member (§7): a post-rebuild
// sanity-check failure. Fatal — the cache is considered corrupt.
var ErrCorrupt = fmt.Errorf("microdesc: cache corrupt")

// ErrProtocolViolation names the §7 ProtocolViolation taxonomy member: a
// delivered md whose digest was not in the caller's requested set (§8
// scenario S3). AddBytes does not return it; it logs a warning, drops that
// md and keeps the rest of the batch.
var ErrProtocolViolation = fmt.Errorf("microdesc: unrequested digest")

var storeMetrics = struct {
	rebuilds   metrics.Counter
	cleaned    metrics.Counter
	bytesDrop  metrics.Counter
	journalled metrics.Counter
}{
	rebuilds:   metrics.NewRegisteredCounter("dircache/microdesc/rebuilds", nil),
	cleaned:    metrics.NewRegisteredCounter("dircache/microdesc/cleaned", nil),
	bytesDrop:  metrics.NewRegisteredCounter("dircache/microdesc/bytesdropped", nil),
	journalled: metrics.NewRegisteredCounter("dircache/microdesc/journalled", nil),
}

// LivenessProbe reports whether a reasonably-live microdesc-flavor
// consensus currently exists, the gate Clean() uses to decide whether
// last_listed can be trusted (§4.1).
type LivenessProbe func() bool

// Store is the Microdescriptor Store (MDS, §4.1).
type Store struct {
	dir string
	log dirlog.Logger

	mainFile *os.File
	mainMap  mmap.MMap
	mainSize int64

	index map[digestmap.Digest]*MD

	journalBytes       int64
	bytesDropped       int64
	totalBodyBytesSeen int64
	nSeen              int64

	liveness LivenessProbe

	// OnDropped fires after Clean evicts mds, including Clean's internal
	// call from Rebuild, so callers can clear node back-references (§4.5).
	OnDropped func([]*MD)
}

// NewStore opens (but does not yet load) a Store rooted at dir.
func NewStore(dir string, log dirlog.Logger) *Store {
	if log == nil {
		log = dirlog.Root().New("component", "microdesc")
	}
	return &Store{
		dir:      dir,
		log:      log,
		index:    make(map[digestmap.Digest]*MD),
		liveness: func() bool { return false },
	}
}

// SetLivenessProbe installs the callback Clean() consults.
func (s *Store) SetLivenessProbe(p LivenessProbe) { s.liveness = p }

func (s *Store) mainPath() string    { return filepath.Join(s.dir, mainFileName) }
func (s *Store) journalPath() string { return filepath.Join(s.dir, journalFileName) }
func (s *Store) tmpPath() string     { return filepath.Join(s.dir, tmpFileName) }

// Close releases the mmap and any open file handles.
func (s *Store) Close() error {
	if s.mainMap != nil {
		if err := s.mainMap.Unmap(); err != nil {
			return err
		}
		s.mainMap = nil
	}
	if s.mainFile != nil {
		if err := s.mainFile.Close(); err != nil {
			return err
		}
		s.mainFile = nil
	}
	return nil
}

// Lookup returns the md for digest, if present (§4.1, O(1)).
func (s *Store) Lookup(digest digestmap.Digest) (*MD, bool) {
	md, ok := s.index[digest]
	return md, ok
}

// Len returns the number of mds currently indexed.
func (s *Store) Len() int { return len(s.index) }

// AverageSize returns total_body_bytes_seen / n_seen since the last
// clear, or 512 if unknown (§4.1).
func (s *Store) AverageSize() int64 {
	if s.nSeen == 0 {
		return 512
	}
	return s.totalBodyBytesSeen / s.nSeen
}

// AddBytes parses bytes and delegates to AddList (§4.1).
//
// where determines whether bodies may point into an mmap (WhereInCache),
// must be copied (WhereInJournal, WhereNowhere), and whether annotations
// are permitted in the input (forbidden for WhereNowhere, i.e. wire
// input). If listedAt is non-zero, it stamps each parsed md's
// LastListed. If requested is non-nil, any parsed md whose digest is not
// a member is dropped with a logged protocol warning, and delivered
// digests are removed from requested.
func (s *Store) AddBytes(data []byte, where Where, noSave bool, listedAt time.Time, requested mapset.Set) ([]*MD, error) {
	allowAnnotations := where != WhereNowhere
	copyBody := where != WhereInCache
	recs, err := dirparse.ParseMicrodescriptors(data, allowAnnotations, copyBody)
	if err != nil {
		return nil, err
	}
	filtered := recs[:0:0]
	for _, r := range recs {
		if !listedAt.IsZero() {
			r.LastListed = listedAt
		}
		if requested != nil {
			if !requested.Contains(r.Digest) {
				s.log.Warn("dropping microdescriptor not in requested set", "digest", r.Digest)
				continue
			}
			requested.Remove(r.Digest)
		}
		filtered = append(filtered, r)
	}
	return s.AddList(filtered, where, noSave)
}

// AddList ingests already-parsed candidates (§4.1).
func (s *Store) AddList(candidates []dirparse.MicrodescRecord, where Where, noSave bool) ([]*MD, error) {
	var added []*MD
	var toJournal []dirparse.MicrodescRecord

	for _, rec := range candidates {
		if existing, ok := s.index[rec.Digest]; ok {
			// Duplicate merge (§8 S2): raise last_listed to the max,
			// never touch bytes_dropped here — that field accrues only
			// on expiry (§9 Open Question resolution).
			if rec.LastListed.After(existing.LastListed) {
				existing.LastListed = rec.LastListed
			}
			continue
		}
		md := &MD{
			Digest:     rec.Digest,
			BodyLen:    len(rec.Body),
			LastListed: rec.LastListed,
			NoSave:     noSave,
			HeldInMap:  true,
		}
		switch where {
		case WhereNowhere:
			if noSave {
				md.Body = rec.Body
				md.Backing = BackingNowhere
			} else {
				toJournal = append(toJournal, rec)
				md.Backing = BackingInJournal
				// Body/Off filled in once the journal append commits.
			}
		case WhereInJournal:
			md.Body = rec.Body
			md.Off = int64(rec.Offset)
			md.Backing = BackingInJournal
		case WhereInCache:
			md.Body = rec.Body
			md.Off = int64(rec.Offset)
			md.Backing = BackingInCache
		}
		s.index[rec.Digest] = md
		s.totalBodyBytesSeen += int64(len(rec.Body))
		s.nSeen++
		added = append(added, md)
	}

	if len(toJournal) > 0 {
		if err := s.appendJournal(toJournal); err != nil {
			// Scoped acquisition: the journal append for this batch is
			// all-or-nothing. Undo the index inserts made above for the
			// records that were headed to the journal so callers never
			// observe partial structural state (§5, §7 IOError).
			for _, rec := range toJournal {
				delete(s.index, rec.Digest)
			}
			added = removeDigests(added, toJournal)
			return added, err
		}
	}
	return added, nil
}

func removeDigests(added []*MD, remove []dirparse.MicrodescRecord) []*MD {
	drop := make(map[digestmap.Digest]bool, len(remove))
	for _, r := range remove {
		drop[r.Digest] = true
	}
	out := added[:0]
	for _, md := range added {
		if !drop[md.Digest] {
			out = append(out, md)
		}
	}
	return out
}

// appendJournal writes recs (annotation + body, each) to the journal file
// as one scoped acquisition: on any error the file is truncated back to
// its pre-call length (partial writes discarded) and the error returned;
// on success the bytes are committed and each rec's owning MD (already in
// s.index) is updated with its Body/Off.
func (s *Store) appendJournal(recs []dirparse.MicrodescRecord) error {
	f, err := os.OpenFile(s.journalPath(), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("%w: open journal: %v", ErrIO, err)
	}
	defer f.Close()

	origSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: seek journal: %v", ErrIO, err)
	}

	var buf bytes.Buffer
	offsets := make([]int64, len(recs))
	bodies := make([][]byte, len(recs))
	pos := origSize
	for i, rec := range recs {
		ann := dirparse.FormatAnnotation(rec.LastListed)
		buf.Write(ann)
		pos += int64(len(ann))
		offsets[i] = pos
		body := append([]byte(nil), rec.Body...)
		bodies[i] = body
		buf.Write(body)
		pos += int64(len(body))
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Truncate(origSize)
		return fmt.Errorf("%w: write journal: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Truncate(origSize)
		return fmt.Errorf("%w: sync journal: %v", ErrIO, err)
	}

	for i, rec := range recs {
		md := s.index[rec.Digest]
		md.Off = offsets[i]
		md.Body = bodies[i]
	}
	s.journalBytes += int64(buf.Len())
	storeMetrics.journalled.Inc(int64(len(recs)))
	return nil
}

// ErrIO is the IOError taxonomy member (§7).
var ErrIO = fmt.Errorf("microdesc: io error")

// Clean removes every md whose LastListed < cutoff, adding its body
// length to bytes_dropped (§4.1), and returns the dropped mds so the
// caller can clear their node back-references. If force is false and no
// reasonably-live microdesc consensus is known (via the liveness probe),
// Clean is a no-op — we cannot trust last_listed otherwise (§8 boundary
// behavior).
func (s *Store) Clean(cutoff time.Time, force bool) []*MD {
	if cutoff.IsZero() {
		cutoff = time.Now().Add(-TolerateAge)
	}
	if !force && !s.liveness() {
		return nil
	}
	var dropped int64
	var removed []*MD
	for d, md := range s.index {
		if md.LastListed.Before(cutoff) {
			dropped += int64(md.BodyLen)
			delete(s.index, d)
			md.HeldInMap = false
			removed = append(removed, md)
		}
	}
	s.bytesDropped += dropped
	storeMetrics.bytesDrop.Inc(dropped)
	storeMetrics.cleaned.Inc(int64(len(removed)))
	if len(removed) > 0 && s.OnDropped != nil {
		s.OnDropped(removed)
	}
	return removed
}

// ShouldRebuild is the pure predicate of §4.1: a function of current
// counters only, exposed standalone for deterministic property tests
// (§9 Design Notes).
func ShouldRebuild(journalBytes, bytesDropped, mainSize int64) bool {
	if journalBytes < rebuildJournalFloor {
		return false
	}
	if bytesDropped > (journalBytes+mainSize)/3 {
		return true
	}
	if journalBytes > mainSize/2 {
		return true
	}
	return false
}

func (s *Store) shouldRebuild() bool {
	return ShouldRebuild(s.journalBytes, s.bytesDropped, s.mainSize)
}

// Rebuild compacts the store: it cleans expired entries, writes every
// remaining non-no_save md to a fresh main file, atomically replaces the
// old one, remaps it, and truncates the journal (§4.1).
func (s *Store) Rebuild(force bool) error {
	if !force && !s.shouldRebuild() {
		return nil
	}
	s.Clean(time.Time{}, false)

	tmp, err := os.OpenFile(s.tmpPath(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("%w: open tmp main: %v", ErrIO, err)
	}
	defer os.Remove(s.tmpPath())

	type placement struct {
		digest digestmap.Digest
		off    int64
		body   []byte
	}
	var placements []placement
	var pos int64
	abort := func(err error) error {
		tmp.Close()
		return err
	}
	for d, md := range s.index {
		if md.NoSave {
			continue
		}
		ann := dirparse.FormatAnnotation(md.LastListed)
		if _, err := tmp.Write(ann); err != nil {
			return abort(fmt.Errorf("%w: write annotation: %v", ErrIO, err))
		}
		pos += int64(len(ann))
		bodyOff := pos
		if _, err := tmp.Write(md.Body); err != nil {
			return abort(fmt.Errorf("%w: write body: %v", ErrIO, err))
		}
		pos += int64(len(md.Body))
		placements = append(placements, placement{digest: d, off: bodyOff, body: md.Body})
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("%w: sync tmp main: %v", ErrIO, err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close tmp main: %v", ErrIO, err)
	}

	if err := os.Rename(s.tmpPath(), s.mainPath()); err != nil {
		return fmt.Errorf("%w: rename tmp main: %v", ErrIO, err)
	}

	oldFile, oldMap := s.mainFile, s.mainMap
	newFile, newMap, newSize, err := openMmap(s.mainPath())
	if err != nil {
		return fmt.Errorf("%w: mmap new main: %v", ErrIO, err)
	}

	// The old mmap (if any) stays alive until every surviving md has
	// been re-pointed into the new one (§5 Shared resources): we only
	// unmap it after this loop.
	for _, p := range placements {
		md := s.index[p.digest]
		md.Off = p.off
		md.Body = newMapSlice(newMap, p.off, len(p.body))
		md.Backing = BackingInCache
		if len(md.Body) < 9 || string(md.Body[:9]) != onionKeyPrefix {
			// Sanity-check failure is fatal (§4.1, §7 IntegrityError):
			// leave the previous main+journal untouched except that we
			// have already committed the rename — this indicates an
			// offset bug in this implementation, not recoverable state.
			newMap.Unmap()
			newFile.Close()
			return fmt.Errorf("%w: md %x does not start with onion-key after rebuild", ErrCorrupt, p.digest)
		}
	}
	if oldMap != nil {
		oldMap.Unmap()
	}
	if oldFile != nil {
		oldFile.Close()
	}
	s.mainFile, s.mainMap, s.mainSize = newFile, newMap, newSize

	if err := os.Truncate(s.journalPath(), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: truncate journal: %v", ErrIO, err)
	}
	s.journalBytes = 0
	s.bytesDropped = 0
	storeMetrics.rebuilds.Inc(1)
	return nil
}

func newMapSlice(m mmap.MMap, off int64, n int) []byte {
	return []byte(m)[off : off+int64(n)]
}

func openMmap(path string) (*os.File, mmap.MMap, int64, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	if fi.Size() == 0 {
		return f, nil, 0, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, m, fi.Size(), nil
}

// Reload clears in-memory state, mmaps the main cache, ingests its bytes
// as in_cache, reads the journal into memory and ingests it as
// in_journal, then rebuilds (force=false) (§4.1).
func (s *Store) Reload() error {
	if err := s.Close(); err != nil {
		return err
	}
	s.index = make(map[digestmap.Digest]*MD)
	s.journalBytes = 0
	s.bytesDropped = 0

	f, m, size, err := openMmap(s.mainPath())
	if err != nil {
		return fmt.Errorf("%w: open main: %v", ErrIO, err)
	}
	s.mainFile, s.mainMap, s.mainSize = f, m, size

	if size > 0 {
		if _, err := s.AddBytes([]byte(m), WhereInCache, false, time.Time{}, nil); err != nil {
			return err
		}
	}

	jdata, err := os.ReadFile(s.journalPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: read journal: %v", ErrIO, err)
	}
	if len(jdata) > 0 {
		s.journalBytes = int64(len(jdata))
		if _, err := s.AddBytes(jdata, WhereInJournal, false, time.Time{}, nil); err != nil {
			return err
		}
	}
	return s.Rebuild(false)
}
