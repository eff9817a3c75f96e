package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInFlightMarkContainsClear(t *testing.T) {
	f := NewInFlight(4)
	d := digestAt(7)

	assert.False(t, f.Contains(d))
	f.Mark(d, time.Now())
	assert.True(t, f.Contains(d))

	snap := f.Snapshot()
	assert.True(t, snap[d])

	f.Clear(d)
	assert.False(t, f.Contains(d))
	assert.False(t, f.Snapshot()[d])
}

func TestInFlightEvictsBeyondCapacity(t *testing.T) {
	f := NewInFlight(2)
	f.Mark(digestAt(1), time.Now())
	f.Mark(digestAt(2), time.Now())
	f.Mark(digestAt(3), time.Now())

	assert.Equal(t, 2, len(f.Snapshot()), "lru capacity bounds the in-flight set")
}
