// Package dirfetch implements the downloader contract of spec.md §4.6: a
// pluggable transport the Download Scheduler issues fetches through, plus
// a default HTTP-based implementation. Grounded on tosclient's typed
// client-over-transport shape (tosclient.Client wrapping *rpc.Client),
// generalized here to wrap a plain *http.Client against a set of
// directory mirrors instead of a single RPC endpoint.
package dirfetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/dirlog"
)

// Sink receives fetched document bytes; callers (the CS, MDS) decide how
// to parse/install them. Keeping this a plain func avoids dirfetch
// importing dirstore/microdesc, which would create an import cycle since
// those packages' tests exercise Downloader-shaped fakes, not this one.
type Sink func(kind string, data []byte, err error)

// Client is the HTTP-based default downloader (§4.6). Every fetch method
// is fire-and-forget from the scheduler's point of view: it launches a
// request and reports the outcome through Sink once it completes, never
// blocking the caller (§5 event-loop model).
type Client struct {
	HTTP     *http.Client
	Mirrors  []string // base URLs of directory mirrors/caches
	Sink     Sink
	Log      dirlog.Logger
	Timeout  time.Duration
	randSrc  *rand.Rand
}

// NewClient builds a Client against the given mirror base URLs.
func NewClient(mirrors []string, sink Sink, log dirlog.Logger) *Client {
	if log == nil {
		log = dirlog.Root().New("component", "dirfetch")
	}
	return &Client{
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Mirrors: mirrors,
		Sink:    sink,
		Log:     log,
		Timeout: 30 * time.Second,
		randSrc: rand.New(rand.NewSource(1)),
	}
}

func (c *Client) pickMirror() (string, bool) {
	if len(c.Mirrors) == 0 {
		return "", false
	}
	return c.Mirrors[c.randSrc.Intn(len(c.Mirrors))], true
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	mirror, ok := c.pickMirror()
	if !ok {
		return nil, fmt.Errorf("dirfetch: no mirrors configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(mirror, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dirfetch: %s: unexpected status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchConsensus satisfies scheduler.Downloader.
func (c *Client) FetchConsensus(flavor consensus.Flavor, now time.Time) {
	path := "/tor/status-vote/current/consensus"
	if flavor == consensus.FlavorMicrodesc {
		path += "-microdesc"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		data, err := c.get(ctx, path)
		c.Sink("consensus:"+string(flavor), data, err)
	}()
}

// FetchMicrodescriptors satisfies scheduler.Downloader.
func (c *Client) FetchMicrodescriptors(digests []digestmap.Digest, now time.Time) {
	if len(digests) == 0 {
		return
	}
	hashes := make([]string, len(digests))
	for i, d := range digests {
		hashes[i] = hex.EncodeToString(d[:])
	}
	path := "/tor/micro/d/" + strings.Join(hashes, "-")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		data, err := c.get(ctx, path)
		c.Sink("microdesc", data, err)
	}()
}

// FetchCert satisfies scheduler.Downloader.
func (c *Client) FetchCert(identity, signingKey digestmap.Digest, now time.Time) {
	path := fmt.Sprintf("/tor/keys/fp-sk/%s-%s", hex.EncodeToString(identity[:]), hex.EncodeToString(signingKey[:]))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		data, err := c.get(ctx, path)
		c.Sink("cert", data, err)
	}()
}

// FetchV2Status satisfies scheduler.Downloader.
func (c *Client) FetchV2Status(fingerprint string, now time.Time) {
	path := "/tor/status/" + fingerprint
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		data, err := c.get(ctx, path)
		c.Sink("v2status", data, err)
	}()
}
