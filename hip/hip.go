// Package hip builds the Hypervisor Information Page (spec §4.K/§6):
// the one-shot struct the kernel hands the root task at the end of
// boot, gathering facts the way linuxUtils.GetDistro/GetKernelRelease
// gather host facts into a single struct.
package hip

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FeatureBits reports which hardware virtualization/IOMMU features the
// boot sequence detected.
type FeatureBits uint32

const (
	FeatureIOMMU FeatureBits = 1 << iota
	FeatureVMX
	FeatureSVM
)

// Range is a physical [Base, Base+Size) extent.
type Range struct {
	Base, Size uint64
}

// Selector names one capability pre-installed in the root OBJ space at
// boot (spec §4.F: "console, root OBJ/HST/PIO handles, the PD
// self-handle, a per-CPU bound EC, and one SM per global system
// interrupt").
type Selector struct {
	Name string
	Sel  uint64
}

// CPUDesc is one entry of the CPU topology table.
type CPUDesc struct {
	APICID  uint32
	Package int
	Core    int
}

// Info is the built information page.
type Info struct {
	KernelImage    Range
	Buffer         Range
	RootTaskImage  Range
	ACPIRSDP       uint64
	UEFIMemoryMap  uint64
	CPUCount       int
	CPUTopology    []CPUDesc
	Selectors      []Selector
	Features       FeatureBits
	EventLogPhys   uint64
	EventLogSize   uint64
	EventLogOffset uint64
}

// Builder assembles an Info incrementally over the boot sequence, the
// way roottaskd's packages are expected to feed it: integrity supplies
// the event log location, memspace/hip's own topology probe supplies
// CPU facts, and the root-task loader supplies the image ranges.
type Builder struct {
	info Info
	log  *logrus.Entry
}

func NewBuilder(log *logrus.Entry) *Builder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{log: log.WithField("component", "hip")}
}

func (b *Builder) SetKernelImage(r Range) *Builder   { b.info.KernelImage = r; return b }
func (b *Builder) SetBuffer(r Range) *Builder        { b.info.Buffer = r; return b }
func (b *Builder) SetRootTaskImage(r Range) *Builder { b.info.RootTaskImage = r; return b }
func (b *Builder) SetACPIRSDP(p uint64) *Builder     { b.info.ACPIRSDP = p; return b }
func (b *Builder) SetUEFIMemoryMap(p uint64) *Builder { b.info.UEFIMemoryMap = p; return b }
func (b *Builder) SetFeatures(f FeatureBits) *Builder { b.info.Features = f; return b }

func (b *Builder) AddSelector(name string, sel uint64) *Builder {
	b.info.Selectors = append(b.info.Selectors, Selector{Name: name, Sel: sel})
	return b
}

func (b *Builder) SetCPUTopology(topo []CPUDesc) *Builder {
	b.info.CPUTopology = topo
	b.info.CPUCount = len(topo)
	return b
}

func (b *Builder) SetEventLog(phys, size, offset uint64) *Builder {
	b.info.EventLogPhys = phys
	b.info.EventLogSize = size
	b.info.EventLogOffset = offset
	return b
}

// DetectCPUCount fills CPUCount (and a flat topology of one package
// with one core per CPU, absent a richer source) from the calling thread's
// scheduling affinity mask, the same host-primitive-via-x/sys/unix
// approach linuxUtils takes for system facts it cannot get from Go's
// standard library alone. A real boot environment instead learns
// topology from the ACM-validated MADT (spec §4.J); this is the
// fallback used when no such table was supplied.
func (b *Builder) DetectCPUCount() (*Builder, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "hip: detect cpu count")
	}
	n := set.Count()
	topo := make([]CPUDesc, n)
	for i := range topo {
		topo[i] = CPUDesc{APICID: uint32(i), Package: 0, Core: i}
	}
	b.log.WithField("cpus", n).Debug("detected cpu count via affinity mask")
	return b.SetCPUTopology(topo), nil
}

func (b *Builder) Build() Info {
	return b.info
}
