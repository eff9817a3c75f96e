package dirlog

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// RateLimited warns at most once per reset-period per class, mirroring the
// original's ratelim_t ("old version" etc. warned at most once per reset).
// Backed by an LRU so a process that logs many distinct classes doesn't
// grow this table without bound.
type RateLimited struct {
	log    Logger
	period time.Duration

	mu    sync.Mutex
	seen  *lru.Cache
}

// NewRateLimited builds a class-rate-limited warner logging through log,
// suppressing repeats of the same class within period.
func NewRateLimited(log Logger, period time.Duration, classes int) *RateLimited {
	c, _ := lru.New(classes)
	return &RateLimited{log: log, period: period, seen: c}
}

// Warn logs msg at Warn level for the given class, unless that class was
// already warned within the configured period.
func (r *RateLimited) Warn(class, msg string, ctx ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.seen.Get(class); ok {
		if time.Since(v.(time.Time)) < r.period {
			return
		}
	}
	r.seen.Add(class, time.Now())
	r.log.Warn(msg, ctx...)
}
