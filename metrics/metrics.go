package metrics

import "sync/atomic"

// Enabled is a global toggle checked by every NewRegistered* constructor,
// matching the upstream convention of a package-level on/off switch so
// that disabling metrics entirely costs callers nothing but a no-op type.
var Enabled = false

// Counter is a monotonically adjustable int64 counter.
type Counter interface {
	Inc(int64)
	Dec(int64)
	Count() int64
}

type standardCounter struct{ n int64 }

func (c *standardCounter) Inc(v int64)  { atomic.AddInt64(&c.n, v) }
func (c *standardCounter) Dec(v int64)  { atomic.AddInt64(&c.n, -v) }
func (c *standardCounter) Count() int64 { return atomic.LoadInt64(&c.n) }

type nilCounter struct{}

func (nilCounter) Inc(int64)   {}
func (nilCounter) Dec(int64)   {}
func (nilCounter) Count() int64 { return 0 }

// Meter tracks the total count of events; in this trimmed reimplementation
// it does not compute decaying rates (the upstream EWMA machinery is out
// of scope for this repo, which only needs raw counts for tick-loop
// observability).
type Meter interface {
	Mark(int64)
	Count() int64
}

type standardMeter struct{ n int64 }

func (m *standardMeter) Mark(v int64) { atomic.AddInt64(&m.n, v) }
func (m *standardMeter) Count() int64 { return atomic.LoadInt64(&m.n) }

type nilMeter struct{}

func (nilMeter) Mark(int64)   {}
func (nilMeter) Count() int64 { return 0 }

// Timer tracks counts and total elapsed nanoseconds of timed operations.
type Timer interface {
	UpdateSince(startNanos int64, nowNanos int64)
	Count() int64
}

type standardTimer struct {
	count int64
	nanos int64
}

func (t *standardTimer) UpdateSince(start, now int64) {
	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.nanos, now-start)
}
func (t *standardTimer) Count() int64 { return atomic.LoadInt64(&t.count) }

type nilTimer struct{}

func (nilTimer) UpdateSince(int64, int64) {}
func (nilTimer) Count() int64             { return 0 }

// Registry is a named collection of metrics, mirroring the upstream
// metrics.Registry used throughout this tree (tos/downloader/metrics.go's
// NewRegisteredMeter(name, registry) calls a nil registry to mean "default").
type Registry interface {
	Register(name string, metric interface{})
	Get(name string) interface{}
}

type standardRegistry struct {
	m map[string]interface{}
}

func NewRegistry() Registry { return &standardRegistry{m: map[string]interface{}{}} }

func (r *standardRegistry) Register(name string, metric interface{}) { r.m[name] = metric }
func (r *standardRegistry) Get(name string) interface{}              { return r.m[name] }

// DefaultRegistry is used by every NewRegistered* call passed a nil registry.
var DefaultRegistry = NewRegistry()

func resolve(r Registry) Registry {
	if r == nil {
		return DefaultRegistry
	}
	return r
}

// NewRegisteredCounter constructs and registers a Counter under name.
func NewRegisteredCounter(name string, r Registry) Counter {
	if !Enabled {
		return nilCounter{}
	}
	c := &standardCounter{}
	resolve(r).Register(name, c)
	return c
}

// NewRegisteredMeter constructs and registers a Meter under name.
func NewRegisteredMeter(name string, r Registry) Meter {
	if !Enabled {
		return nilMeter{}
	}
	m := &standardMeter{}
	resolve(r).Register(name, m)
	return m
}

// NewRegisteredTimer constructs and registers a Timer under name.
func NewRegisteredTimer(name string, r Registry) Timer {
	if !Enabled {
		return nilTimer{}
	}
	t := &standardTimer{}
	resolve(r).Register(name, t)
	return t
}
