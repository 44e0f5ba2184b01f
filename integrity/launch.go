package integrity

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ACMInfo describes the fields spec §4.J step 1 validates against the
// platform-provided authenticated code module.
type ACMInfo struct {
	ModuleType    uint32
	ModuleSubtype uint32
	Size          uint32
	InfoUUID      [16]byte
	ChipsetIDs    []uint32
	CPUFamilies   []uint32
}

// Supports reports whether this ACM's supported-platform sets include
// the running chipset and CPU family/model/stepping (flattened to a
// single comparable value by the caller).
func (a ACMInfo) Supports(chipsetID, cpuFamily uint32) bool {
	return containsU32(a.ChipsetIDs, chipsetID) && containsU32(a.CPUFamilies, cpuFamily)
}

func containsU32(set []uint32, v uint32) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// MLERequest is the on-heap request constructed for step 2: a 2-level
// identity map root covering the kernel image, an MLE header with
// capability bits, the post-measurement region, and optional extended
// elements (here, just the event log pointer).
type MLERequest struct {
	PageTableRoot    uint64
	Capabilities     uint32
	PMRBase, PMRSize uint64
	EventLogPhys     uint64
}

// Platform is the secure-enter collaborator: everything spec §4.K
// calls "architecture-specific" and keeps out of this core. A real
// boot command wires this to the actual ACM/TXT instructions; tests
// wire it to a fake that records calls.
type Platform struct {
	ValidateACM     func(ACMInfo) error
	ProgramMTRRs    func(base, size uint64) error
	SecureEnter     func(MLERequest) (MTRRState, error)
	RestoreFromSave func(MTRRState) error
}

// MTRREntry is one saved memory-type range register.
type MTRREntry struct {
	Base, Mask uint64
	Type       uint8
}

// MTRRState is a saved snapshot of the CPU's full MTRR set, captured
// before secure-enter and restored after (spec §4.J step 4: "cached
// tables and MTRRs must be restored from the request blob").
type MTRRState []MTRREntry

// Boot runs the measured-launch boot sequence of spec §4.J against p.
// acm must already have been located by the caller (platform-specific
// discovery is outside this core's scope), as must req; Boot only
// validates them, programs the ACM region write-back, and invokes
// secure-enter, restoring MTRR state on return.
func Boot(p Platform, acm ACMInfo, req MLERequest, acmBase, acmSize uint64, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "integrity-boot")

	if p.ValidateACM == nil || p.ProgramMTRRs == nil || p.SecureEnter == nil {
		return errors.New("integrity: platform collaborator incomplete")
	}

	if err := p.ValidateACM(acm); err != nil {
		return errors.Wrap(err, "integrity: ACM validation failed")
	}
	log.Debug("ACM validated")

	if err := p.ProgramMTRRs(acmBase, acmSize); err != nil {
		return errors.Wrap(err, "integrity: MTRR programming failed")
	}
	log.Debug("ACM region mapped write-back")

	saved, err := p.SecureEnter(req)
	if err != nil {
		return errors.Wrap(err, "integrity: secure-enter failed")
	}
	log.Info("secure-enter succeeded, MLE entry reached")

	if p.RestoreFromSave != nil {
		if err := p.RestoreFromSave(saved); err != nil {
			return errors.Wrap(err, "integrity: MTRR restore failed")
		}
	}
	return nil
}

// PostLaunchHeap is the small heap the platform exposes after a
// successful secure-enter (spec §4.J "Post-launch"): EFI-to-PRE data,
// PRE-MLE data, PRE-ACM data, and ACM-MLE data. The kernel trusts these
// validated copies in preference to firmware-provided ones.
type PostLaunchHeap struct {
	CPUCount      int
	PlatformClass uint32

	SavedMSRs  map[uint32]uint64
	SavedMTRRs MTRRState

	MLECaps, ACMCaps uint32
	PMRBase, PMRSize uint64

	MADT, MCFG, DMAR, CEDT []byte
	RLPWakeupPhys          uint64
}
