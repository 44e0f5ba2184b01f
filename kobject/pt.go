package kobject

import (
	"github.com/sirupsen/logrus"

	"github.com/hvcore-project/hvcore/objspace"
)

// PT is a Portal: immutable after creation except for its owner-settable
// Mtd field (spec §4.F). Callers cannot migrate CPUs across a portal
// call; PT.EC dictates the serving CPU.
type PT struct {
	Object

	EC      *EC
	EntryIP uint64
	MtdMask uint64
	ID      uint64

	mtd uint64 // owner-settable via pt_ctrl-equivalent
}

func NewPT(handle uint64, ec *EC, entryIP uint64, mtdMask, id uint64, log *logrus.Entry) *PT {
	return &PT{
		Object:  newObject(handle, KindPT, SubtypeNone, log),
		EC:      ec,
		EntryIP: entryIP,
		MtdMask: mtdMask,
		ID:      id,
	}
}

func (p *PT) SetMtd(v uint64) { p.mtd = v }
func (p *PT) Mtd() uint64     { return p.mtd }

// CapabilityWith mints a capability naming this portal with the given
// permission bitfield, for inserting into a caller's OBJ space.
func (p *PT) CapabilityWith(perm uint32) objspace.Capability {
	return objspace.NewCapability(p.Handle(), perm)
}
