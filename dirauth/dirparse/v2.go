package dirparse

import (
	"fmt"
	"strings"
)

// V2Status is the minimal v2 network-status document: just enough to stay
// behavior-compatible per spec.md §1 Non-goals ("v2 ... specified only to
// the degree needed for correctness").
type V2Status struct {
	Fingerprint string
	Published   string
	Routers     []string // raw "r" lines, opaque beyond dumping them back out
}

// ParseV2Status parses the handful of fields the v2 path still needs.
func ParseV2Status(data []byte) (*V2Status, error) {
	v := &V2Status{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "fingerprint":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: short fingerprint line", ErrMalformed)
			}
			v.Fingerprint = fields[1]
		case "published":
			v.Published = strings.TrimPrefix(line, "published ")
		case "r":
			v.Routers = append(v.Routers, line)
		}
	}
	if v.Fingerprint == "" {
		return nil, fmt.Errorf("%w: v2 status missing fingerprint", ErrMalformed)
	}
	return v, nil
}
