// Package objspace implements the OBJ space (spec §4.D): a sparse
// capability table keyed by selector, built on ptab, plus the Capability
// word type itself (spec §3).
package objspace

import (
	"github.com/pkg/errors"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/status"
)

// PermBits is the number of low bits of a Capability available for
// permissions, given a minimum kernel-object alignment of 32 bytes
// (spec §3: "alignment >= 32, so >= 5 permission bits").
const PermBits = 5
const permMask = uint64(1)<<PermBits - 1

// Alignment is the minimum kernel-object alignment a Capability's
// object field assumes (spec §3). Handle minters (kobject.Slab) must
// mint handles as multiples of Alignment so the low PermBits bits stay
// free for permission packing.
const Alignment = uint64(1) << PermBits

// Capability is the 64-bit value object_ptr | perm_bits described in
// spec §3. Object is an opaque kernel-object identity (in this model, a
// stable integer handle minted by kobject, not a raw pointer); Perm
// holds the type-specific permission bitfield.
type Capability uint64

// Null is the all-zero capability.
const Null Capability = 0

// NewCapability packs an object handle and permission bits. object must
// be non-zero and aligned such that its low PermBits bits are free.
func NewCapability(object uint64, perm uint32) Capability {
	return Capability((object &^ permMask) | (uint64(perm) & permMask))
}

func (c Capability) Object() uint64 { return uint64(c) &^ permMask }
func (c Capability) Perm() uint32   { return uint32(uint64(c) & permMask) }
func (c Capability) IsNull() bool   { return c == Null }

// WithPerm returns a copy of c restricted to perm & mask, used by
// Delegate to intersect a source's permissions with a delegation mask
// (spec §4.D, "Delegate monotonicity" law in §8).
func (c Capability) WithPerm(mask uint32) Capability {
	return NewCapability(c.Object(), c.Perm()&mask)
}

// Hole is a typed error value for a missing interior. No function in
// this package returns it: a ModeHole walk that hits a missing interior
// reports ptab.ErrHole.
type Hole struct{}

func (Hole) Error() string { return "objspace: hole" }

// Space is one PD's OBJ space: a selector-indexed sparse tree of
// Capability slots.
type Space struct {
	eng *ptab.Engine
}

// New creates an OBJ space with the given selector address width and
// per-level branching factor (spec §3: "bpl = log2(PAGE_SIZE /
// sizeof(pointer))").
func New(selectorBits, bpl int, a *alloc.Allocator) (*Space, error) {
	eng, err := ptab.NewEngine(selectorBits+ptab.PageBits, 64, bpl, nil, a)
	if err != nil {
		return nil, err
	}
	return &Space{eng: eng}, nil
}

func selToAddr(sel uint64) uint64 {
	return sel << ptab.PageBits
}

// Lookup is a lock-free walk returning the null capability past any
// missing interior (spec §4.D).
func (s *Space) Lookup(sel uint64) Capability {
	out, _, _, perms := s.eng.Lookup(selToAddr(sel))
	if perms == 0 {
		return Null
	}
	return NewCapability(out, perms)
}

func capToLeaf(c Capability) (outAddr uint64, perms uint32) {
	if c.IsNull() {
		return 0, 0
	}
	// perms must never be zero for a non-null capability, since the
	// ptab leaf encoding uses perms==0 to mean "no mapping"; reserve a
	// sentinel perm bit so a capability whose type-specific perm
	// bitfield happens to be empty still round-trips.
	return c.Object(), c.Perm() | (1 << (PermBits))
}

func leafToCap(outAddr uint64, perms uint32) Capability {
	if perms == 0 {
		return Null
	}
	return NewCapability(outAddr, perms&uint32(permMask))
}

// Update atomically replaces the capability at sel, allocating interior
// tables only when new is non-null (spec invariant §3: "Object-space
// walks never allocate when the operation is a removal"). Returns the
// previous value.
func (s *Space) Update(sel uint64, next Capability) (status.Status, Capability, error) {
	addr := selToAddr(sel)
	old := s.Lookup(sel)

	if next.IsNull() {
		if err := s.eng.Deallocate(addr, s.eng.Levels-1); err != nil {
			return status.ABORTED, old, errors.Wrap(err, "objspace: update(null) deallocate")
		}
		return status.SUCCESS, old, nil
	}

	outAddr, perms := capToLeaf(next)
	if err := s.eng.Update(addr, outAddr, 0, perms, ptab.Attrs{}); err != nil {
		if err == ptab.ErrOOM {
			return status.INS_MEM, old, err
		}
		return status.ABORTED, old, err
	}
	return status.SUCCESS, old, nil
}

// Insert fails with BAD_CAP if the slot is already occupied (a
// compare-exchange on a null old value per spec §4.D).
func (s *Space) Insert(sel uint64, next Capability) (status.Status, error) {
	if next.IsNull() {
		return status.BAD_PAR, errors.New("objspace: insert requires a non-null capability")
	}
	if !s.Lookup(sel).IsNull() {
		return status.BAD_CAP, errors.New("objspace: slot occupied")
	}
	st, _, err := s.Update(sel, next)
	if st != status.SUCCESS {
		return st, err
	}
	// Re-check: another inserter may have raced us between the Lookup
	// above and the Update CAS chain inside ptab. Detect by ensuring
	// the slot now holds exactly what we wrote.
	if s.Lookup(sel) != next {
		return status.BAD_CAP, errors.New("objspace: lost insert race")
	}
	return status.SUCCESS, nil
}

// Delegate copies 2^order selectors starting at srcBase into dstBase
// (possibly in a different Space), intersecting each copied
// capability's permissions with permMask (spec §4.D).
func Delegate(src *Space, srcBase uint64, dst *Space, dstBase uint64, order int, permMask uint32) (status.Status, error) {
	count := uint64(1) << uint(order)
	for i := uint64(0); i < count; i++ {
		c := src.Lookup(srcBase + i)
		if c.IsNull() {
			continue
		}
		delegated := c.WithPerm(permMask)
		if st, _, err := dst.Update(dstBase+i, delegated); st != status.SUCCESS {
			return st, err
		}
	}
	return status.SUCCESS, nil
}
