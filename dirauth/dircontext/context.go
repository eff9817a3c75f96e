// Package dircontext wires the Microdescriptor Store, Consensus Store,
// Signature Verifier, Download Scheduler and Node Linkage table into one
// "Directory Cache context" (spec.md §9 Design Notes: "expose the whole
// thing as an explicit struct rather than process-global state"),
// constructed once per process (or once per test). Grounded on
// node.Node's role in the teacher tree: a single struct owning every
// long-lived subsystem and its wiring, constructed via a New(conf) that
// returns (*T, error).
package dircontext

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/dirconfig"
	"github.com/tos-network/dircache/dirauth/dirfetch"
	"github.com/tos-network/dircache/dirauth/dirlog"
	"github.com/tos-network/dircache/dirauth/dirparse"
	"github.com/tos-network/dircache/dirauth/dirstore"
	"github.com/tos-network/dircache/dirauth/microdesc"
	"github.com/tos-network/dircache/dirauth/nodelinkage"
	"github.com/tos-network/dircache/dirauth/scheduler"
	"github.com/tos-network/dircache/dirauth/sigverify"
)

// maintenanceInterval is the coarse cadence (distinct from the DS's
// per-tick update) at which update_mds_from_ns and MDS housekeeping run,
// per §4.4's "Per-tick maintenance (separate cadence)".
const maintenanceInterval = 15 * time.Minute

// Context is the wired Directory Cache core.
type Context struct {
	ID uuid.UUID

	Config *dirconfig.Config
	Log    dirlog.Logger

	MDS *microdesc.Store
	CS  *dirstore.Store
	SV  *sigverify.Verifier
	DS  *scheduler.Scheduler
	NL  *nodelinkage.Table

	Fetch *dirfetch.Client

	// NodeSnapshot is an optional warm-start store for NL (§4's
	// SUPPLEMENTED FEATURES); nil unless cfg.NodeSnapshotPath is set.
	NodeSnapshot *nodelinkage.Snapshot

	usableFlavor    consensus.Flavor
	lastMaintenance time.Time

	// fetchWarn rate-limits repeated fetch-failure warnings per resource
	// class (§7: "rate-limited per class"), grounded on the original's
	// ratelim_t via dirlog.RateLimited.
	fetchWarn *dirlog.RateLimited
}

// filePersister adapts an *os.File-backed directory into dirstore.Persister.
type filePersister struct {
	dir      string
	fallback string // cfg.FallbackNetworkstatusFile; empty if unset
}

// New constructs a fully-wired Context rooted at cfg.DataDirectory.
func New(cfg *dirconfig.Config, authorities []digestmap.Digest, certs sigverify.CertLookup, log dirlog.Logger) (*Context, error) {
	if log == nil {
		log = dirlog.Root().New("component", "dircontext")
	}
	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("dircontext: DataDirectory must be set")
	}

	useMD, err := dirconfig.ParseTristate(cfg.UseMicrodescriptors)
	if err != nil {
		return nil, fmt.Errorf("dircontext: %w", err)
	}
	usableFlavor := consensus.FlavorNS
	if useMD != dirconfig.Disabled {
		usableFlavor = consensus.FlavorMicrodesc
	}

	c := &Context{
		ID:           uuid.New(),
		Config:       cfg,
		Log:          log,
		MDS:          microdesc.NewStore(cfg.DataDirectory, log.New("component", "microdesc")),
		SV:           sigverify.NewVerifier(authorities, certs),
		NL:           nodelinkage.NewTable(),
		usableFlavor: usableFlavor,
		fetchWarn:    dirlog.NewRateLimited(log, 5*time.Minute, 16),
	}

	c.CS = dirstore.NewStore(dirparse.ParseConsensus, c.SV, &filePersister{dir: cfg.DataDirectory, fallback: cfg.FallbackNetworkstatusFile}, log.New("component", "dirstore"))
	c.CS.OnInstalled = c.onInstalled
	c.CS.OnWaiting = c.onWaiting
	c.CS.OnClockSkew = c.onClockSkew

	c.MDS.OnDropped = func(dropped []*microdesc.MD) {
		for _, md := range dropped {
			c.NL.Unlink(md)
		}
	}

	// This context always runs as a directory cache (DS.Mode below), so it
	// keeps every flavor current, not only the usable one.
	flavors := []consensus.Flavor{usableFlavor}
	for _, f := range []consensus.Flavor{consensus.FlavorMicrodesc, consensus.FlavorNS} {
		if f != usableFlavor {
			flavors = append(flavors, f)
		}
	}
	c.CS.AcceptFlavors = make(map[consensus.Flavor]bool, len(flavors))
	for _, f := range flavors {
		c.CS.AcceptFlavors[f] = true
	}
	c.DS = scheduler.NewScheduler(flavors, nil, log.New("component", "scheduler"))
	c.DS.Mode = scheduler.Mode{
		DirectoryCache: true,
		Bridge:         cfg.UseBridges,
		ExtraEarly:     cfg.FetchDirInfoExtraEarly,
	}
	c.DS.HaveMD = c.haveMD
	c.DS.MissingCerts = func(ns *consensus.NS, now time.Time) []sigverify.MissingCert {
		_, missing := c.SV.Classify(ns, now)
		return missing
	}
	c.DS.FetchV2 = cfg.FetchV2Networkstatus

	c.Fetch = dirfetch.NewClient(cfg.Mirrors, c.onFetchResult, log.New("component", "dirfetch"))
	c.DS.DL = c.Fetch
	c.DS.FetchV2Status = func(fingerprint string) { c.Fetch.FetchV2Status(fingerprint, time.Now()) }

	c.MDS.SetLivenessProbe(func() bool {
		_, ok := c.CS.GetReasonablyLive(consensus.FlavorMicrodesc, time.Now())
		return ok
	})

	if err := c.MDS.Reload(); err != nil {
		return nil, fmt.Errorf("dircontext: loading microdescriptor cache: %w", err)
	}

	if cfg.NodeSnapshotPath != "" {
		snap, err := nodelinkage.OpenSnapshot(cfg.NodeSnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("dircontext: opening node snapshot: %w", err)
		}
		c.NodeSnapshot = snap
	}
	return c, nil
}

// Bootstrap installs a fallback consensus document, if configured and no
// current consensus exists yet (§4's supplemented FallbackNetworkstatusFile
// bootstrap path).
func (c *Context) Bootstrap(now time.Time) error {
	if _, ok := c.CS.Current(c.usableFlavor); ok {
		return nil
	}
	if c.Config.FallbackNetworkstatusFile == "" {
		return nil
	}
	_, err := c.CS.Bootstrap(c.usableFlavor, now)
	return err
}

// Tick runs one DS update and, on the separate maintenance cadence, one
// round of update_mds_from_ns plus MDS housekeeping (§4.4).
func (c *Context) Tick(now time.Time) {
	c.DS.Update(now)

	if now.Sub(c.lastMaintenance) < maintenanceInterval && !c.lastMaintenance.IsZero() {
		return
	}
	c.lastMaintenance = now
	c.updateMDSFromNS(now)
	c.MDS.Clean(now.Add(-microdesc.TolerateAge), false)
	if err := c.MDS.Rebuild(false); err != nil {
		c.Log.Warn("microdescriptor rebuild failed", "err", err)
	}
}

// updateMDSFromNS idempotently raises each listed microdescriptor's
// last_listed to the owning consensus's valid_after, the
// `update_mds_from_ns` per-tick maintenance operation (§4.4).
func (c *Context) updateMDSFromNS(now time.Time) {
	ns, ok := c.CS.GetReasonablyLive(consensus.FlavorMicrodesc, now)
	if !ok {
		return
	}
	for i := range ns.RouterStatuses {
		d := ns.RouterStatuses[i].DescriptorDigest
		if d.IsZero() {
			continue
		}
		if md, ok := c.MDS.Lookup(d); ok && md.LastListed.Before(ns.ValidAfter) {
			md.LastListed = ns.ValidAfter
		}
	}
}

func (c *Context) haveMD(d digestmap.Digest) bool {
	_, ok := c.MDS.Lookup(d)
	return ok
}

func (c *Context) onInstalled(flavor consensus.Flavor, ns *consensus.NS, now time.Time) {
	c.DS.OnInstalled(flavor, ns, now)
	if flavor == c.usableFlavor {
		c.NL.Rebuild(ns, c.MDS.Lookup)
		if c.NodeSnapshot != nil {
			if err := c.NodeSnapshot.Save(c.NL); err != nil {
				c.Log.Warn("saving node snapshot failed", "err", err)
			}
		}
	}
	c.updateMDSFromNS(now)
}

func (c *Context) onWaiting(flavor consensus.Flavor, ns *consensus.NS, now time.Time) {
	c.DS.OnWaiting(flavor, ns, now)
}

func (c *Context) onClockSkew(skew time.Duration, flavor consensus.Flavor) {
	c.Log.Warn("consensus clock skew", "flavor", flavor, "skew", skew)
}

// onFetchResult is the dirfetch.Sink: it routes completed fetches back
// into the CS/MDS and clears the corresponding in-flight markers.
func (c *Context) onFetchResult(kind string, data []byte, err error) {
	now := time.Now()
	switch {
	case kind == "consensus:"+string(consensus.FlavorNS):
		c.DS.OnConsensusFetchDone(consensus.FlavorNS)
		if err != nil {
			c.fetchWarn.Warn(kind, "consensus fetch failed", "flavor", consensus.FlavorNS, "err", err)
			return
		}
		c.CS.SetCurrent(data, consensus.FlavorNS, dirstore.Flags{}, now)
	case kind == "consensus:"+string(consensus.FlavorMicrodesc):
		c.DS.OnConsensusFetchDone(consensus.FlavorMicrodesc)
		if err != nil {
			c.fetchWarn.Warn(kind, "consensus fetch failed", "flavor", consensus.FlavorMicrodesc, "err", err)
			return
		}
		c.CS.SetCurrent(data, consensus.FlavorMicrodesc, dirstore.Flags{}, now)
	case kind == "microdesc":
		if err != nil {
			c.fetchWarn.Warn(kind, "microdescriptor fetch failed", "err", err)
			return
		}
		recs, perr := dirparse.ParseMicrodescriptors(data, false, true)
		if perr != nil {
			c.Log.Warn("microdescriptor parse failed", "err", perr)
			return
		}
		added, aerr := c.MDS.AddList(recs, microdesc.WhereNowhere, false)
		if aerr != nil {
			c.Log.Warn("microdescriptor add failed", "err", aerr)
			return
		}
		for _, md := range added {
			c.DS.MDInFlight.Clear(md.Digest)
			c.NL.ResolveNewMD(md.Digest, md)
		}
	case kind == "cert":
		if err == nil {
			c.CS.NoteCertsArrived(now)
		}
	case kind == "v2status":
		if err != nil {
			c.Log.Warn("v2 networkstatus fetch failed", "err", err)
			return
		}
		v2, perr := dirparse.ParseV2Status(data)
		if perr != nil {
			c.Log.Warn("v2 networkstatus parse failed", "err", perr)
			return
		}
		if serr := consensus.StoreV2(c.Config.DataDirectory, v2.Fingerprint, v2.Published, v2.Routers); serr != nil {
			c.Log.Warn("v2 networkstatus persist failed", "err", serr)
		}
	}
}

// SaveVerified implements dirstore.Persister.
func (p *filePersister) SaveVerified(flavor consensus.Flavor, data []byte) error {
	return writeFile(p.dir, "cached-"+string(flavor)+"-consensus", data)
}

// SaveUnverified implements dirstore.Persister.
func (p *filePersister) SaveUnverified(flavor consensus.Flavor, data []byte) error {
	return writeFile(p.dir, "unverified-"+string(flavor)+"-consensus", data)
}

// DeleteUnverified implements dirstore.Persister.
func (p *filePersister) DeleteUnverified(flavor consensus.Flavor) error {
	err := os.Remove(filepath.Join(p.dir, "unverified-"+string(flavor)+"-consensus"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadFallback implements dirstore.Persister.
func (p *filePersister) LoadFallback() ([]byte, bool, error) {
	if p.fallback == "" {
		return nil, false, nil
	}
	return readFileIfExists(filepath.Dir(p.fallback), filepath.Base(p.fallback))
}

func writeFile(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func readFileIfExists(dir, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
