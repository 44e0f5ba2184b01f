// Package kobject implements the kernel object kinds (spec §4.F): PD,
// EC, SC, PT, SM. Objects are refcounted, type/subtype-tagged, and
// validated against the capability a syscall presents.
package kobject

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind is the tagged-sum discriminator spec §3 describes; dispatch on
// Kind happens at the call site (capability validation), not through
// virtual method tables (spec §9).
type Kind int

const (
	KindPD Kind = iota
	KindEC
	KindSC
	KindPT
	KindSM
)

func (k Kind) String() string {
	switch k {
	case KindPD:
		return "PD"
	case KindEC:
		return "EC"
	case KindSC:
		return "SC"
	case KindPT:
		return "PT"
	case KindSM:
		return "SM"
	default:
		return "?"
	}
}

// Subtype further discriminates within a Kind (e.g. EC host-thread vs
// vCPU).
type Subtype int

const (
	SubtypeNone Subtype = iota
	ECHostThread
	ECVCPU
)

// Permission bitfields, canonical assignment per spec §6.
const (
	PDCtrl     uint32 = 1 << 0
	PDBindPD   uint32 = 1 << 1
	PDECPTSM   uint32 = 1 << 2
	PDSC       uint32 = 1 << 3
	PDAssign   uint32 = 1 << 4
	ECCtrl     uint32 = 1 << 0
	ECBindPT   uint32 = 1 << 2
	ECBindSC   uint32 = 1 << 3
	PTCtrl     uint32 = 1 << 0
	PTCall     uint32 = 1 << 1
	PTEvent    uint32 = 1 << 2
	SMCtrlUp   uint32 = 1 << 0
	SMCtrlDown uint32 = 1 << 1
	SMAssign   uint32 = 1 << 4
)

// Object is the common header every kernel object embeds: its Kind,
// Subtype, and a CAS-guarded refcount.
type Object struct {
	handle  uint64
	kind    Kind
	subtype Subtype
	refs    int32
	log     *logrus.Entry
}

// Handle is the stable identity objspace.Capability.Object() encodes;
// this model uses a minted integer instead of a raw pointer so the
// object graph is safe to inspect outside the "kernel" boundary in
// tests.
func (o *Object) Handle() uint64 { return o.handle }
func (o *Object) Kind() Kind     { return o.kind }
func (o *Object) Subtype() Subtype { return o.subtype }

// Get increments the refcount, but only while it is > 0: spec §9
// ("Arena-like refcounting") requires that a pointer observed after the
// owning table has been null'd out never resurrects an object whose
// destructor is in progress.
func (o *Object) Get() bool {
	for {
		cur := atomic.LoadInt32(&o.refs)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&o.refs, cur, cur+1) {
			return true
		}
	}
}

// Put decrements the refcount and reports whether this was the last
// reference (caller should then schedule destruction via the wait
// queue, per spec §3 lifecycle).
func (o *Object) Put() bool {
	return atomic.AddInt32(&o.refs, -1) == 0
}

func (o *Object) RefCount() int32 { return atomic.LoadInt32(&o.refs) }

func newObject(handle uint64, kind Kind, subtype Subtype, log *logrus.Entry) Object {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return Object{handle: handle, kind: kind, subtype: subtype, refs: 1, log: log.WithField("kind", kind.String())}
}

// Validate checks a presented (kind, subtype, permMask) contract
// against o, per spec §4.F: the object must exist (non-nil, handled by
// the caller resolving the capability first), its tags must match, and
// the held permission bits must be a superset of the required mask.
func Validate(o *Object, heldPerm uint32, wantKind Kind, wantSubtype Subtype, requiredMask uint32) error {
	if o == nil {
		return errors.New("kobject: validate against nil object")
	}
	if o.kind != wantKind {
		return errors.Errorf("kobject: type mismatch: have %s want %s", o.kind, wantKind)
	}
	if wantSubtype != SubtypeNone && o.subtype != wantSubtype {
		return errors.Errorf("kobject: subtype mismatch: have %d want %d", o.subtype, wantSubtype)
	}
	if heldPerm&requiredMask != requiredMask {
		return errors.Errorf("kobject: missing permission bits %#x (have %#x)", requiredMask&^heldPerm, heldPerm)
	}
	return nil
}
