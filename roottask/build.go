package roottask

import (
	"github.com/pkg/errors"

	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/memspace"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/status"
)

// moduleOrder returns the leaf order memspace.New's engine accepts
// (4 KiB granules, order 0) for a module of the given size, rejecting
// anything that would require mixed-order mapping — the root task
// loader keeps every module page-aligned and page-multiple sized.
func moduleOrder(size uint64) (int, error) {
	const pageSize = 1 << ptab.PageBits
	if size == 0 || size%pageSize != 0 {
		return 0, errors.Errorf("roottask: module size %#x is not a page multiple", size)
	}
	return 0, nil
}

// MapModules installs every manifest module into hst at its
// PhysBase/PhysSize identity-mapped with read+user permissions, plus
// write for an "rw" option and execute-user for an "exec" option, one
// page at a time
// (spec §3's order-alignment invariant leaves no larger granule
// available once a module's size isn't itself order-aligned).
func MapModules(m *Manifest, hst *memspace.Space) error {
	const pageSize = uint64(1) << ptab.PageBits
	for _, mod := range m.Modules {
		if _, err := moduleOrder(mod.PhysSize); err != nil {
			return err
		}
		perm := memspace.PermR | memspace.PermU
		if hasOption(mod.Options, "rw") {
			perm |= memspace.PermW
		}
		if hasOption(mod.Options, "exec") {
			perm |= memspace.PermXU
		}
		for off := uint64(0); off < mod.PhysSize; off += pageSize {
			va := mod.PhysBase + off
			if st, err := hst.Map(va, va, 0, perm, ptab.Attrs{}); st != status.SUCCESS {
				return errors.Wrapf(err, "roottask: map module %q at %#x", mod.Destination, va)
			}
		}
	}
	return nil
}

func hasOption(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// Bootstrap builds the root PD's first EC from the manifest's
// Process entry, per spec §4.K's "the kernel transfers control to the
// root task's designated entry point" step. The PD must already have
// an HST space bound and its modules mapped via MapModules.
func Bootstrap(m *Manifest, pd *kobject.PD, registry *kobject.Registry, cpu int) (*kobject.EC, error) {
	ecHandle := pd.Slab(kobject.KindEC).Take()
	if ecHandle == 0 {
		return nil, errors.New("roottask: EC slab exhausted bootstrapping root task")
	}
	ec := kobject.NewEC(ecHandle, pd, kobject.ECHostThread, cpu, true, nil)
	ec.Regs.RIP = m.Process.EntryIP
	ec.Regs.RSP = m.Process.StackTop
	registry.Put(ecHandle, ec)
	return ec, nil
}
