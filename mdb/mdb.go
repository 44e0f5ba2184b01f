// Package mdb implements the mapping database (spec §4.I): the
// derivation tree recorded for every non-null derived capability or
// memory mapping, and recursive revocation over it.
package mdb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hvcore-project/hvcore/status"
)

// Target is whatever a Node's mapping actually lives in: an OBJ-space
// selector or a mem/IO-space virtual address. Demote narrows the live
// mapping's permission bits to keepMask, clearing the mapping entirely
// (and reporting zero remaining attrs) when keepMask clears every bit
// the mapping held. Each ptab.Update this triggers is a single atomic
// slot replacement, which is what gives revocation its "readers never
// see a torn node" property (spec §4.I) — mdb does not add its own
// synchronization around the underlying table, only around the tree
// bookkeeping.
type Target interface {
	Demote(keepMask uint32) (status.Status, uint32, error)
}

// Node is one entry in the derivation tree: parent, children via a
// doubly-linked sibling list, depth, base/order, the owning PD, and the
// permission attrs currently granted (spec §4.I).
type Node struct {
	mu sync.Mutex

	parent               *Node
	firstChild, lastChild *Node
	prevSibling, nextSibling *Node

	depth int
	Base  uint64
	Order int
	PD    uint64

	attrs  uint32
	target Target
}

// NewRoot creates an un-derived root node: the initial installation of
// a mapping, with no parent to revoke from.
func NewRoot(target Target, base uint64, order int, pd uint64, attrs uint32) *Node {
	return &Node{target: target, Base: base, Order: order, PD: pd, attrs: attrs}
}

// Derive inserts a new child node under parent (spec §4.I: "Delegation
// inserts a child under the appropriate parent"). child's attrs must
// already be a subset of parent's — mdb does not itself intersect
// permissions, that is Delegate's job in objspace/memspace.
func Derive(parent *Node, target Target, base uint64, order int, pd uint64, attrs uint32) *Node {
	child := &Node{
		parent: parent,
		depth:  parent.depth + 1,
		Base:   base,
		Order:  order,
		PD:     pd,
		attrs:  attrs,
		target: target,
	}

	parent.mu.Lock()
	child.prevSibling = parent.lastChild
	if parent.lastChild != nil {
		parent.lastChild.mu.Lock()
		parent.lastChild.nextSibling = child
		parent.lastChild.mu.Unlock()
	} else {
		parent.firstChild = child
	}
	parent.lastChild = child
	parent.mu.Unlock()

	return child
}

func (n *Node) Attrs() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrs
}

func (n *Node) Depth() int { return n.depth }

func (n *Node) children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Node
	for c := n.firstChild; c != nil; {
		c.mu.Lock()
		next := c.nextSibling
		c.mu.Unlock()
		out = append(out, c)
		c = next
	}
	return out
}

// unlink removes n from its parent's sibling list. The node's own
// attrs are already zero by the time this is called (Revoke's
// invariant), so no concurrent Demote can race a partially-unlinked
// node back to non-zero attrs.
func (n *Node) unlink() {
	n.mu.Lock()
	parent := n.parent
	prev, next := n.prevSibling, n.nextSibling
	n.mu.Unlock()

	if prev != nil {
		prev.mu.Lock()
		prev.nextSibling = next
		prev.mu.Unlock()
	} else if parent != nil {
		parent.mu.Lock()
		parent.firstChild = next
		parent.mu.Unlock()
	}
	if next != nil {
		next.mu.Lock()
		next.prevSibling = prev
		next.mu.Unlock()
	} else if parent != nil {
		parent.mu.Lock()
		parent.lastChild = prev
		parent.mu.Unlock()
	}
}

// Revoke walks n's subtree depth-first, demoting each node's attrs to
// their intersection with keepMask and unlinking (then queuing for
// deferred free via rcu) any node whose attrs reach zero (spec §4.I).
// Demotion is applied to n itself as well as its descendants: revoking
// a node always demotes everything derived from it.
func Revoke(rcu *Domain, n *Node, keepMask uint32) error {
	for _, child := range n.children() {
		if err := Revoke(rcu, child, keepMask); err != nil {
			return err
		}
	}

	n.mu.Lock()
	target := n.target
	n.mu.Unlock()

	st, remaining, err := target.Demote(keepMask)
	if err != nil {
		return errors.Wrap(err, "mdb: revoke demote")
	}
	if st != status.SUCCESS {
		return errors.Errorf("mdb: revoke demote returned %v", st)
	}

	n.mu.Lock()
	n.attrs = remaining
	n.mu.Unlock()

	if remaining == 0 {
		n.unlink()
		rcu.Defer(n)
	}
	return nil
}
