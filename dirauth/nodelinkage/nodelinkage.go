// Package nodelinkage implements the Node Linkage (NL) projection of
// spec.md §4.5: a table of usable relays built by joining the current
// consensus against the Microdescriptor Store, re-resolved whenever
// either changes. Grounded on core/state's "view built by joining two
// independently-owned stores, rebuilt on each new head" shape.
package nodelinkage

import (
	"github.com/tos-network/dircache/dirauth/consensus"
	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/microdesc"
)

// Node is one relay as seen through the current consensus, with its
// microdescriptor resolved if present in the store (§4.5).
type Node struct {
	IdentityDigest digestmap.Digest
	RouterStatus   *consensus.RouterStatus
	MD             *microdesc.MD // nil if not yet downloaded/cached
}

// HasMD reports whether this node's microdescriptor is currently resolved.
func (n *Node) HasMD() bool { return n.MD != nil }

// Table is the projected node-linkage view (§4.5): one Node per
// routerstatus in the backing consensus, keyed by identity digest.
type Table struct {
	byIdentity map[digestmap.Digest]*Node
	order      []digestmap.Digest // insertion order, mirrors consensus order
}

// NewTable builds an empty table.
func NewTable() *Table {
	return &Table{byIdentity: make(map[digestmap.Digest]*Node)}
}

// Lookup returns the node for identity, if resolved from the last Rebuild.
func (t *Table) Lookup(identity digestmap.Digest) (*Node, bool) {
	n, ok := t.byIdentity[identity]
	return n, ok
}

// Len reports how many nodes are in the table.
func (t *Table) Len() int { return len(t.order) }

// Each calls fn for every node in consensus order.
func (t *Table) Each(fn func(*Node)) {
	for _, id := range t.order {
		fn(t.byIdentity[id])
	}
}

// MDLookup resolves a microdescriptor digest, the seam against
// microdesc.Store.Lookup so this package does not need the concrete type
// beyond *microdesc.MD.
type MDLookup func(digestmap.Digest) (*microdesc.MD, bool)

// Rebuild replaces the table's contents by joining c's routerstatuses
// against lookup, decrementing the previous generation's HeldByNodes and
// incrementing the new one's, so microdesc.MD.HeldByNodes stays an
// accurate (debug-only, §9) back-reference count across rebuilds.
func (t *Table) Rebuild(c *consensus.NS, lookup MDLookup) {
	for _, n := range t.byIdentity {
		if n.MD != nil {
			n.MD.HeldByNodes--
		}
	}

	next := make(map[digestmap.Digest]*Node, len(c.RouterStatuses))
	order := make([]digestmap.Digest, 0, len(c.RouterStatuses))
	for i := range c.RouterStatuses {
		rs := &c.RouterStatuses[i]
		node := &Node{IdentityDigest: rs.IdentityDigest, RouterStatus: rs}
		if !rs.DescriptorDigest.IsZero() {
			if md, ok := lookup(rs.DescriptorDigest); ok {
				node.MD = md
				md.HeldByNodes++
			}
		}
		next[rs.IdentityDigest] = node
		order = append(order, rs.IdentityDigest)
	}
	t.byIdentity = next
	t.order = order
}

// ResolveNewMD re-scans nodes missing an MD and links digest in if any
// match it, for use when a microdescriptor arrives between consensus
// rebuilds (§4.5: "resolved as microdescriptors arrive, not only on
// consensus change").
func (t *Table) ResolveNewMD(digest digestmap.Digest, md *microdesc.MD) {
	for _, n := range t.byIdentity {
		if n.MD != nil || n.RouterStatus == nil {
			continue
		}
		if n.RouterStatus.DescriptorDigest == digest {
			n.MD = md
			md.HeldByNodes++
		}
	}
}

// Unlink clears every node pointing at md, e.g. when the microdesc store
// is about to discard it (§4.5: "null out on md destruction").
func (t *Table) Unlink(md *microdesc.MD) {
	for _, n := range t.byIdentity {
		if n.MD == md {
			n.MD = nil
			md.HeldByNodes--
		}
	}
}
