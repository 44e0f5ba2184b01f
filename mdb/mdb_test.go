package mdb

import (
	"testing"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/memspace"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/status"
)

const (
	permR uint32 = 1 << 0
	permW uint32 = 1 << 1
)

// TestRevokeCascade implements spec §8 scenario 2: root PD delegates a
// page at PA=0x10000 to PD_x with R|W, which delegates to PD_y with R
// only. Root revokes W on its own mapping; after revoke, PD_x sees R
// only and PD_y sees R only.
func TestRevokeCascade(t *testing.T) {
	a := alloc.New(nil)

	rootSpace, err := memspace.New(memspace.HST, a)
	if err != nil {
		t.Fatalf("memspace.New(root): %v", err)
	}
	xSpace, err := memspace.New(memspace.HST, a)
	if err != nil {
		t.Fatalf("memspace.New(x): %v", err)
	}
	ySpace, err := memspace.New(memspace.HST, a)
	if err != nil {
		t.Fatalf("memspace.New(y): %v", err)
	}

	const (
		va   = uint64(0x10000)
		pa   = uint64(0x10000)
		order = 0
	)

	if st, err := rootSpace.Map(va, pa, order, permR|permW, ptab.Attrs{}); st != status.SUCCESS || err != nil {
		t.Fatalf("root Map: status=%v err=%v", st, err)
	}
	if st, err := xSpace.Map(va, pa, order, permR|permW, ptab.Attrs{}); st != status.SUCCESS || err != nil {
		t.Fatalf("x Map: status=%v err=%v", st, err)
	}
	if st, err := ySpace.Map(va, pa, order, permR, ptab.Attrs{}); st != status.SUCCESS || err != nil {
		t.Fatalf("y Map: status=%v err=%v", st, err)
	}

	root := NewRoot(MemTarget{Space: rootSpace, V: va}, va, order, 0 /*rootPD*/, permR|permW)
	nodeX := Derive(root, MemTarget{Space: xSpace, V: va}, va, order, 1 /*PD_x*/, permR|permW)
	nodeY := Derive(nodeX, MemTarget{Space: ySpace, V: va}, va, order, 2 /*PD_y*/, permR)

	rcu := NewDomain(1)

	// Root revokes W on its own mapping: keepMask = R only.
	if err := Revoke(rcu, root, permR); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, _, perms := rootSpace.Lookup(va); perms != permR {
		t.Fatalf("root perms after revoke = %#x, want R only", perms)
	}
	if _, _, perms := xSpace.Lookup(va); perms != permR {
		t.Fatalf("PD_x perms after revoke = %#x, want R only", perms)
	}
	if _, _, perms := ySpace.Lookup(va); perms != permR {
		t.Fatalf("PD_y perms after revoke = %#x, want R only", perms)
	}

	if root.Attrs() != permR || nodeX.Attrs() != permR || nodeY.Attrs() != permR {
		t.Fatalf("node attrs not demoted: root=%#x x=%#x y=%#x", root.Attrs(), nodeX.Attrs(), nodeY.Attrs())
	}
	if rcu.Pending() != 0 {
		t.Fatalf("no node should have been fully revoked, got %d pending free", rcu.Pending())
	}
}

// TestRevokeToZeroUnlinksAndDefers checks that revoking every bit
// clears the underlying mapping, unlinks the node, and queues it for
// RCU-deferred reclamation rather than reclaiming it immediately.
func TestRevokeToZeroUnlinksAndDefers(t *testing.T) {
	a := alloc.New(nil)
	space, err := memspace.New(memspace.HST, a)
	if err != nil {
		t.Fatalf("memspace.New: %v", err)
	}

	const va, pa = uint64(0x20000), uint64(0x20000)
	if st, err := space.Map(va, pa, 0, permR, ptab.Attrs{}); st != status.SUCCESS || err != nil {
		t.Fatalf("Map: status=%v err=%v", st, err)
	}

	root := NewRoot(MemTarget{Space: space, V: va}, va, 0, 0, permR)
	rcu := NewDomain(2)

	if err := Revoke(rcu, root, 0); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, _, perms := space.Lookup(va); perms != 0 {
		t.Fatalf("mapping should be fully cleared, perms=%#x", perms)
	}
	if root.Attrs() != 0 {
		t.Fatalf("node attrs should be zero after full revoke")
	}
	if rcu.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (one node awaiting its grace period)", rcu.Pending())
	}

	// Neither CPU has passed a quiescent point yet: nothing reclaimable.
	if freed := rcu.Reclaim(); len(freed) != 0 {
		t.Fatalf("Reclaim before any quiescent tick freed %d nodes, want 0", len(freed))
	}

	rcu.QuiescentTick(0)
	rcu.QuiescentTick(1)

	freed := rcu.Reclaim()
	if len(freed) != 1 || freed[0] != root {
		t.Fatalf("Reclaim after both CPUs quiesced = %v, want [root]", freed)
	}
	if rcu.Pending() != 0 {
		t.Fatalf("Pending() after Reclaim = %d, want 0", rcu.Pending())
	}
}
