package consensus

import (
	"fmt"
	"sort"
	"strings"
)

// RenderRouterStatus renders r the way the original's
// networkstatus_getinfo_helper_single rendered a single routerstatus for
// the control-port `ns/id/<hex>` family of queries (§4
// SUPPLEMENTED FEATURES): an "r" line followed by a sorted "s" flags line.
func RenderRouterStatus(r *RouterStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "r %s %s %s %s %d %d\n",
		r.Nickname,
		r.IdentityDigest.String(),
		r.DescriptorDigest.String(),
		r.Published.UTC().Format("2006-01-02 15:04:05"),
		r.ORPort, r.DirPort,
	)
	if len(r.Flags) > 0 {
		flags := make([]string, 0, len(r.Flags))
		for f, set := range r.Flags {
			if set {
				flags = append(flags, f)
			}
		}
		sort.Strings(flags)
		fmt.Fprintf(&b, "s %s\n", strings.Join(flags, " "))
	}
	return b.String()
}
