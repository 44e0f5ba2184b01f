package mdb

import (
	"github.com/hvcore-project/hvcore/memspace"
	"github.com/hvcore-project/hvcore/objspace"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/status"
)

// ObjTarget adapts an objspace selector into a Target: revocation
// narrows (or, at keepMask=0, fully clears) the capability living at
// Sel.
type ObjTarget struct {
	Space *objspace.Space
	Sel   uint64
}

func (t ObjTarget) Demote(keepMask uint32) (status.Status, uint32, error) {
	cap := t.Space.Lookup(t.Sel)
	if cap.IsNull() {
		return status.SUCCESS, 0, nil
	}
	newPerm := cap.Perm() & keepMask
	next := objspace.Null
	if newPerm != 0 {
		next = cap.WithPerm(keepMask)
	}
	st, _, err := t.Space.Update(t.Sel, next)
	return st, newPerm, err
}

// MemTarget adapts a mem/IO-space virtual address into a Target.
// memspace.Lookup does not surface the original Attrs, so a demotion
// reinstalls the narrowed mapping with zeroed Attrs; the kernel core's
// memspace bindings always re-derive attrs from the owning PD's
// cacheability policy rather than reading them back off a live PTE, so
// this does not lose information in practice.
type MemTarget struct {
	Space *memspace.Space
	V     uint64
}

func (t MemTarget) Demote(keepMask uint32) (status.Status, uint32, error) {
	outAddr, order, perms := t.Space.Lookup(t.V)
	if perms == 0 {
		return status.SUCCESS, 0, nil
	}
	newPerm := perms & keepMask
	st, err := t.Space.Map(t.V, outAddr, order, newPerm, ptab.Attrs{})
	return st, newPerm, err
}
