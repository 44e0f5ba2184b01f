package kobject

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/iospace"
	"github.com/hvcore-project/hvcore/memspace"
	"github.com/hvcore-project/hvcore/objspace"
)

// PD is a Protection Domain (spec §4.F): owns up to one each of the
// spaces, plus its slab caches and FPU-state slab. Spaces are bound
// once and never rebound (spec §3 invariant).
type PD struct {
	Object

	mu  sync.Mutex
	obj *objspace.Space
	hst *memspace.Space
	gst *memspace.Space
	dma *memspace.Space
	pio *iospace.PIOSpace
	msr *iospace.MSRSpace

	slabs map[Kind]*Slab
	fpu   *Slab // FPU-state slab, keyed like the others for uniformity

	alloc *alloc.Allocator
	log   *logrus.Entry
}

// SlabCapacities bounds each per-kind slab; the creator of the PD
// chooses the values, and a zero capacity leaves that slab unbounded.
type SlabCapacities struct {
	EC, SC, PT, SM, FPU int
}

func NewPD(handle uint64, a *alloc.Allocator, caps SlabCapacities, log *logrus.Entry) *PD {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pd := &PD{
		Object: newObject(handle, KindPD, SubtypeNone, log),
		alloc:  a,
		log:    log.WithField("pd", handle),
		slabs:  make(map[Kind]*Slab),
	}
	pd.slabs[KindEC] = NewSlab(KindEC, caps.EC)
	pd.slabs[KindSC] = NewSlab(KindSC, caps.SC)
	pd.slabs[KindPT] = NewSlab(KindPT, caps.PT)
	pd.slabs[KindSM] = NewSlab(KindSM, caps.SM)
	pd.fpu = NewSlab(KindPD, caps.FPU)
	return pd
}

func (pd *PD) Slab(k Kind) *Slab { return pd.slabs[k] }
func (pd *PD) FPUSlab() *Slab    { return pd.fpu }

// BindObjSpace/BindHST/.../BindMSR lazily allocate a PD's spaces on
// first binding; a second bind attempt fails (spec §3: "Spaces are
// bound to the PD once and cannot be rebound").
func (pd *PD) BindObjSpace(selectorBits, bpl int) (*objspace.Space, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.obj != nil {
		return nil, errors.New("kobject: OBJ space already bound")
	}
	s, err := objspace.New(selectorBits, bpl, pd.alloc)
	if err != nil {
		return nil, err
	}
	pd.obj = s
	return s, nil
}

func (pd *PD) ObjSpace() *objspace.Space {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.obj
}

func (pd *PD) bindMem(slot **memspace.Space, kind memspace.Kind) (*memspace.Space, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if *slot != nil {
		return nil, errors.Errorf("kobject: %v space already bound", kind)
	}
	s, err := memspace.New(kind, pd.alloc)
	if err != nil {
		return nil, err
	}
	*slot = s
	return s, nil
}

func (pd *PD) BindHST() (*memspace.Space, error) { return pd.bindMem(&pd.hst, memspace.HST) }
func (pd *PD) BindGST() (*memspace.Space, error) { return pd.bindMem(&pd.gst, memspace.GST) }
func (pd *PD) BindDMA() (*memspace.Space, error) { return pd.bindMem(&pd.dma, memspace.DMA) }

func (pd *PD) HST() *memspace.Space { pd.mu.Lock(); defer pd.mu.Unlock(); return pd.hst }
func (pd *PD) GST() *memspace.Space { pd.mu.Lock(); defer pd.mu.Unlock(); return pd.gst }
func (pd *PD) DMA() *memspace.Space { pd.mu.Lock(); defer pd.mu.Unlock(); return pd.dma }

func (pd *PD) BindPIO() (*iospace.PIOSpace, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.pio != nil {
		return nil, errors.New("kobject: PIO space already bound")
	}
	pd.pio = iospace.NewPIO()
	return pd.pio, nil
}

func (pd *PD) BindMSR() (*iospace.MSRSpace, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.msr != nil {
		return nil, errors.New("kobject: MSR space already bound")
	}
	pd.msr = iospace.NewMSR()
	return pd.msr, nil
}

func (pd *PD) PIO() *iospace.PIOSpace { pd.mu.Lock(); defer pd.mu.Unlock(); return pd.pio }
func (pd *PD) MSR() *iospace.MSRSpace { pd.mu.Lock(); defer pd.mu.Unlock(); return pd.msr }
