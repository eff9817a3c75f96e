// Package scheduler implements the Download Scheduler (DS) of spec.md
// §4.4: what to fetch (consensus flavors, missing microdescriptors,
// missing authority certs) and when, grounded on tos/downloader's queue,
// retry and peer-driven fetch-window conventions.
package scheduler

import (
	"time"

	"github.com/tos-network/dircache/dirauth/consensus"
)

// Mode captures the configuration knobs that change fetch-window shape
// (§4.4 Consensus fetch timing): whether we are a directory cache (or an
// ordinary client), an authority, a bridge user, or configured to fetch
// extra early.
type Mode struct {
	DirectoryCache bool
	Authority      bool
	Bridge         bool
	ExtraEarly     bool
}

// fetchesEarly reports whether this mode uses the early (directory-cache
// style) fetch window rather than the ordinary-client one.
func (m Mode) fetchesEarly() bool {
	return m.DirectoryCache || m.ExtraEarly
}

// FetchWindow computes the [start, start+window) interval within which
// the next consensus fetch for flavor should land, per §4.4. It is a
// pure function of c and mode so it can be property-tested without a
// clock or RNG (§9 Design Notes).
func FetchWindow(c *consensus.NS, mode Mode) (start time.Time, window time.Duration) {
	interval := c.FreshUntil.Sub(c.ValidAfter)
	minSlop := interval / 16
	if minSlop > 120*time.Second {
		minSlop = 120 * time.Second
	}

	if mode.fetchesEarly() {
		start = c.FreshUntil.Add(minSlop)
		window = interval / 2
		if mode.Authority || mode.ExtraEarly {
			window = 60 * time.Second
		}
		if minSlop+window > interval {
			window = interval - minSlop
		}
	} else {
		start = c.FreshUntil.Add(3 * interval / 4)
		window = (c.ValidUntil.Sub(start) * 7) / 8
		if mode.Bridge {
			start = start.Add(window + minSlop)
			window = c.ValidUntil.Sub(start) - minSlop
		}
	}
	if window < 0 {
		window = 0
	}
	return start, window
}

// NextFetchTime computes next_fetch_time for a live consensus c (§4.4).
// uniform must return a value in [0, max); inject a deterministic stub in
// tests, or scheduler's own jittered clock in production.
func NextFetchTime(c *consensus.NS, mode Mode, uniform func(max time.Duration) time.Duration) time.Time {
	start, window := FetchWindow(c, mode)
	return start.Add(uniform(window))
}
