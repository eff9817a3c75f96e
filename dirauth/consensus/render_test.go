package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderRouterStatus(t *testing.T) {
	rs := &RouterStatus{
		Nickname:         "relay1",
		IdentityDigest:   digestFromByte(1),
		DescriptorDigest: digestFromByte(2),
		Published:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		ORPort:           9001,
		DirPort:          9030,
		Flags:            map[string]bool{"Running": true, "Guard": true, "Exit": false},
	}
	out := RenderRouterStatus(rs)
	assert.Contains(t, out, "r relay1 ")
	assert.Contains(t, out, "2026-01-01 12:00:00")
	assert.Contains(t, out, "9001 9030")
	assert.Contains(t, out, "s Guard Running\n")
	assert.NotContains(t, out, "Exit")
}
