// Package memspace implements the HST/GST/DMA memory spaces (spec
// §4.C): per-protection-domain page tables over ptab, with the
// TLB/IOTLB shoot-down discipline spec §5 requires.
package memspace

import (
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/status"
)

// Permission bits, canonical assignment per spec §6.
const (
	PermR  uint32 = 1 << 0
	PermW  uint32 = 1 << 1
	PermXU uint32 = 1 << 2
	PermXS uint32 = 1 << 3
	PermU  uint32 = 1 << 12
	PermK  uint32 = 1 << 13
	PermG  uint32 = 1 << 14
)

// Kind distinguishes HST/GST/DMA, which share the same table shape but
// differ in how the output address and attrs are interpreted.
type Kind int

const (
	HST Kind = iota
	GST
	DMA
)

// Space is one PD's memory space of a given Kind.
type Space struct {
	Kind Kind
	eng  *ptab.Engine

	// StreamDomainID tags a DMA space for the IOMMU's tagged
	// invalidation (spec §4.C); unused for HST/GST.
	StreamDomainID uint16

	// usingCPUs / dirtyCPUs are the "CPUs currently using this space"
	// and "CPUs needing TLB shoot-down" bitmaps of spec §4.C, modeled
	// as sets rather than hand-rolled bitmaps.
	usingCPUs mapset.Set
	dirtyCPUs mapset.Set

	roots map[int]uint64 // per-CPU page-table root (PCID-keyed CPUs)
}

// New creates a memory space with a page-table geometry suited to the
// given Kind: 4 levels of 9 bits, leaves at every level below the root
// to allow large-page mappings (spec §3's "large-page semantics").
func New(kind Kind, a *alloc.Allocator) (*Space, error) {
	leafLevels := map[int]bool{1: true, 2: true, 3: true}
	eng, err := ptab.NewEngine(48, 48, 9, leafLevels, a)
	if err != nil {
		return nil, err
	}
	return &Space{
		Kind:      kind,
		eng:       eng,
		usingCPUs: mapset.NewSet(),
		dirtyCPUs: mapset.NewSet(),
		roots:     make(map[int]uint64),
	}, nil
}

// Lookup returns the mapping covering v, or perms=0 if none exists.
func (s *Space) Lookup(v uint64) (outAddr uint64, order int, perms uint32) {
	out, ord, _, p := s.eng.Lookup(v)
	return out, ord, p
}

// Map installs a mapping of the given order (log2 page count); perms
// must be a subset of the type's defined bitmask. order must match a
// leaf-capable granule, per spec §3's order-alignment invariant.
func (s *Space) Map(v, outAddr uint64, order int, perms uint32, attrs ptab.Attrs) (status.Status, error) {
	if err := s.eng.Update(v, outAddr, order, perms, attrs); err != nil {
		if err == ptab.ErrOOM {
			return status.INS_MEM, err
		}
		return status.BAD_PAR, errors.Wrap(err, "memspace: map")
	}
	// Any existing translation for v is now stale on every CPU using
	// this space; the caller is responsible for driving shoot-down via
	// MarkDirty once the mapping-database bookkeeping (mdb) has
	// recorded the change.
	return status.SUCCESS, nil
}

// Unmap clears the mapping at v.
func (s *Space) Unmap(v uint64, order int) (status.Status, error) {
	return s.Map(v, 0, order, 0, ptab.Attrs{})
}

// MarkCurrent records that cpu is now actively using this space.
func (s *Space) MarkCurrent(cpu int) {
	s.usingCPUs.Add(cpu)
}

// MarkDirty flags that cpu must reload its translation state for this
// space before it may safely rely on it again (spec §4.C/§5).
func (s *Space) MarkDirty(cpu int) {
	if s.usingCPUs.Contains(cpu) {
		s.dirtyCPUs.Add(cpu)
	}
}

// MakeCurrent is called on context switch (spec §4.C): it decides
// whether cpu must reload its root pointer and/or flush, based on the
// using/dirty bitmaps, and clears the per-CPU dirty flag once serviced.
type ReloadDecision struct {
	ReloadRoot bool
	Flush      bool
}

func (s *Space) MakeCurrent(cpu int, root uint64) ReloadDecision {
	d := ReloadDecision{}

	if cur, ok := s.roots[cpu]; !ok || cur != root {
		s.roots[cpu] = root
		d.ReloadRoot = true
	}

	if s.dirtyCPUs.Contains(cpu) {
		d.Flush = true
		s.dirtyCPUs.Remove(cpu)
	}

	s.usingCPUs.Add(cpu)
	return d
}

// UsingCPUs exposes the "CPUs currently using this space" set for tests
// and introspection (leaf syscall `lookup`, spec §6).
func (s *Space) UsingCPUs() []int {
	out := make([]int, 0, s.usingCPUs.Cardinality())
	for v := range s.usingCPUs.Iter() {
		out = append(out, v.(int))
	}
	return out
}
