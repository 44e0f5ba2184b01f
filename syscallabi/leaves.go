package syscallabi

import (
	"github.com/pkg/errors"

	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/mdb"
	"github.com/hvcore-project/hvcore/objspace"
	"github.com/hvcore-project/hvcore/status"
)

// Argument conventions below follow positional register passing, in
// the order a real trap frame would expose args[0..5]. Every "Sel"
// argument names a selector in the caller's own OBJ space that must
// resolve to a capability carrying the permission bit the operation
// requires (spec §4.F "Validate").

func resolve(c Caller, sel uint64, want uint32) (objspace.Capability, status.Status, error) {
	obj := c.PD.ObjSpace()
	if obj == nil {
		return objspace.Null, status.BAD_HYP, errors.New("syscallabi: caller PD has no OBJ space bound")
	}
	cap := obj.Lookup(sel)
	if cap.IsNull() {
		return objspace.Null, status.BAD_CAP, errors.New("syscallabi: null capability")
	}
	if cap.Perm()&want != want {
		return objspace.Null, status.BAD_CAP, errors.New("syscallabi: missing permission bits")
	}
	return cap, status.SUCCESS, nil
}

func handleCall(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	st, err := k.Portal.Call(c.PD.ObjSpace(), c.EC, args[0])
	return Result{}, st, err
}

func handleReply(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	st, err := k.Portal.Reply(c.EC)
	return Result{}, st, err
}

// handleCreatePD mints a new PD and installs a capability to it at
// args[0] in the caller's own OBJ space. args[1]/args[2] size the new
// PD's OBJ space (selector bits, branching factor; 0 selects the
// engine default of 9).
func handleCreatePD(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	dstSel, selBits, bpl := args[0], int(args[1]), int(args[2])
	if bpl == 0 {
		bpl = 9
	}

	handle := k.pdSlab.Take()
	if handle == 0 {
		return Result{}, status.MEM_OBJ, errors.New("syscallabi: PD slab exhausted")
	}

	pd := kobject.NewPD(handle, k.Alloc, kobject.SlabCapacities{EC: 64, SC: 64, PT: 64, SM: 64, FPU: 64}, nil)
	if _, err := pd.BindObjSpace(selBits, bpl); err != nil {
		return Result{}, status.INS_MEM, err
	}
	k.Registry.Put(handle, pd)

	capv := objspace.NewCapability(handle, kobject.PDCtrl|kobject.PDBindPD|kobject.PDECPTSM|kobject.PDSC|kobject.PDAssign)
	if st, err := c.PD.ObjSpace().Insert(dstSel, capv); st != status.SUCCESS {
		return Result{}, st, err
	}
	return Result{handle}, status.SUCCESS, nil
}

// handleCreateEC mints an EC bound to the PD named by args[1] (a
// capability held in the caller's OBJ space with PDECPTSM permission),
// installing the new capability at args[0]. args[2]=cpu, args[3]=1 for
// a pinned host thread / 0 for a migratable vCPU, args[4]=subtype
// (0=host thread, 1=vCPU).
func handleCreateEC(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	dstSel, pdSel, cpu, pinned, subtypeArg := args[0], args[1], int(args[2]), args[3] != 0, args[4]

	pdCap, st, err := resolve(c, pdSel, kobject.PDECPTSM)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	targetPD := k.Registry.GetPD(pdCap.Object())
	if targetPD == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: pd capability does not reference a live PD")
	}

	subtype := kobject.ECHostThread
	if subtypeArg == 1 {
		subtype = kobject.ECVCPU
	}

	handle := targetPD.Slab(kobject.KindEC).Take()
	if handle == 0 {
		return Result{}, status.MEM_OBJ, errors.New("syscallabi: EC slab exhausted")
	}
	ec := kobject.NewEC(handle, targetPD, subtype, cpu, pinned, nil)
	k.Registry.Put(handle, ec)

	capv := objspace.NewCapability(handle, kobject.ECCtrl|kobject.ECBindPT|kobject.ECBindSC)
	if st, err := c.PD.ObjSpace().Insert(dstSel, capv); st != status.SUCCESS {
		return Result{}, st, err
	}
	return Result{handle}, status.SUCCESS, nil
}

// handleCreateSC mints an SC bound to the EC named by args[2], enqueued
// on args[3]'s runqueue at priority args[4] with budget args[5] ticks.
// args[1] is the owning PD (for slab accounting), as with create_ec.
func handleCreateSC(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	dstSel, pdSel, ecSel, cpu, priority, budget := args[0], args[1], args[2], int(args[3]), int(args[4]), args[5]

	pdCap, st, err := resolve(c, pdSel, kobject.PDSC)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	targetPD := k.Registry.GetPD(pdCap.Object())
	if targetPD == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: pd capability does not reference a live PD")
	}

	ecCap, st, err := resolve(c, ecSel, kobject.ECBindSC)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	ec := k.Registry.GetEC(ecCap.Object())
	if ec == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: ec capability does not reference a live EC")
	}

	handle := targetPD.Slab(kobject.KindSC).Take()
	if handle == 0 {
		return Result{}, status.MEM_OBJ, errors.New("syscallabi: SC slab exhausted")
	}
	sc := kobject.NewSC(handle, ec, cpu, priority, budget, nil)
	k.Registry.Put(handle, sc)
	ec.SetHome(sc)

	capv := objspace.NewCapability(handle, 0)
	if st, err := c.PD.ObjSpace().Insert(dstSel, capv); st != status.SUCCESS {
		return Result{}, st, err
	}
	if err := k.Sched.Enqueue(c.CPU, sc); err != nil {
		return Result{}, status.BAD_CPU, err
	}
	return Result{handle}, status.SUCCESS, nil
}

// handleCreatePT mints a portal bound to the EC named by args[2], with
// entry IP args[3], MTD mask args[4], and free-form id args[5].
func handleCreatePT(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	dstSel, pdSel, ecSel, entryIP, mtdMask, id := args[0], args[1], args[2], args[3], args[4], args[5]

	pdCap, st, err := resolve(c, pdSel, kobject.PDECPTSM)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	targetPD := k.Registry.GetPD(pdCap.Object())
	if targetPD == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: pd capability does not reference a live PD")
	}

	ecCap, st, err := resolve(c, ecSel, kobject.ECBindPT)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	ec := k.Registry.GetEC(ecCap.Object())
	if ec == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: ec capability does not reference a live EC")
	}

	handle := targetPD.Slab(kobject.KindPT).Take()
	if handle == 0 {
		return Result{}, status.MEM_OBJ, errors.New("syscallabi: PT slab exhausted")
	}
	pt := kobject.NewPT(handle, ec, entryIP, mtdMask, id, nil)
	k.Registry.Put(handle, pt)

	capv := pt.CapabilityWith(kobject.PTCtrl | kobject.PTCall | kobject.PTEvent)
	if st, err := c.PD.ObjSpace().Insert(dstSel, capv); st != status.SUCCESS {
		return Result{}, st, err
	}
	return Result{handle}, status.SUCCESS, nil
}

// handleCreateSM mints a semaphore with initial counter args[2].
func handleCreateSM(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	dstSel, pdSel, initial := args[0], args[1], int64(args[2])

	pdCap, st, err := resolve(c, pdSel, kobject.PDECPTSM)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	targetPD := k.Registry.GetPD(pdCap.Object())
	if targetPD == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: pd capability does not reference a live PD")
	}

	handle := targetPD.Slab(kobject.KindSM).Take()
	if handle == 0 {
		return Result{}, status.MEM_OBJ, errors.New("syscallabi: SM slab exhausted")
	}
	sm := kobject.NewSM(handle, initial, nil)
	k.Registry.Put(handle, sm)

	capv := objspace.NewCapability(handle, kobject.SMCtrlUp|kobject.SMCtrlDown|kobject.SMAssign)
	if st, err := c.PD.ObjSpace().Insert(dstSel, capv); st != status.SUCCESS {
		return Result{}, st, err
	}
	return Result{handle}, status.SUCCESS, nil
}

// RegisterMapping records the mdb node that backs the capability the
// root task has just installed at sel, so a later revoke leaf can find
// it. Mapping creation itself happens outside the syscall table (via
// portal typed-item delegation or direct root-task setup, spec §4.G/
// §4.I); revoke is the only leaf that needs to walk back from a
// selector to its derivation-tree node.
func (k *Kernel) RegisterMapping(sel uint64, n *mdb.Node) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mappings == nil {
		k.mappings = make(map[uint64]*mdb.Node)
	}
	k.mappings[sel] = n
}

// handleRevoke revokes the mapping-database subtree rooted at the node
// registered for selector args[0], narrowing to the permission mask
// args[1] (0 fully revokes and unlinks).
func handleRevoke(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	sel, keepMask := args[0], uint32(args[1])

	k.mu.Lock()
	n := k.mappings[sel]
	k.mu.Unlock()
	if n == nil {
		return Result{}, status.BAD_PAR, errors.New("syscallabi: no mapping registered at selector")
	}
	if err := mdb.Revoke(k.RCU, n, keepMask); err != nil {
		return Result{}, status.ABORTED, err
	}
	return Result{}, status.SUCCESS, nil
}

// handleLookup reports the object handle and permission bits of the
// capability at args[0], without side effects.
func handleLookup(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	cap := c.PD.ObjSpace().Lookup(args[0])
	if cap.IsNull() {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: lookup: null capability")
	}
	return Result{cap.Object(), uint64(cap.Perm())}, status.SUCCESS, nil
}

// ec_ctrl subcommands (args[1]).
const (
	ECCtrlRecallSet uint64 = iota
	ECCtrlRecallClear
)

func handleECCtrl(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	ecSel, sub := args[0], args[1]
	cap, st, err := resolve(c, ecSel, kobject.ECCtrl)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	ec := k.Registry.GetEC(cap.Object())
	if ec == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: ec_ctrl: capability does not reference a live EC")
	}
	switch sub {
	case ECCtrlRecallSet:
		ec.SetRecall()
	case ECCtrlRecallClear:
		ec.ClearRecall()
	default:
		return Result{}, status.BAD_PAR, errors.Errorf("syscallabi: ec_ctrl: unknown subcommand %d", sub)
	}
	return Result{uint64(ec.Hazards())}, status.SUCCESS, nil
}

// handleSCCtrl reports args[0]'s consumed-ticks counter (spec
// SUPPLEMENTED FEATURES: sc_ctrl, leaf 10).
func handleSCCtrl(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	scSel := args[0]
	cap, st, err := resolve(c, scSel, 0)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	sc := k.Registry.GetSC(cap.Object())
	if sc == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: sc_ctrl: capability does not reference a live SC")
	}
	return Result{sc.ConsumedTicks(), sc.Remaining()}, status.SUCCESS, nil
}

// sm_ctrl operations (args[1]).
const (
	SMCtrlOpUp uint64 = iota
	SMCtrlOpDown
	SMCtrlOpDownZero
	SMCtrlOpDownToZero
)

func handleSMCtrl(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	smSel, op := args[0], args[1]
	var want uint32
	switch op {
	case SMCtrlOpUp:
		want = kobject.SMCtrlUp
	default:
		want = kobject.SMCtrlDown
	}
	cap, st, err := resolve(c, smSel, want)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	sm := k.Registry.GetSM(cap.Object())
	if sm == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: sm_ctrl: capability does not reference a live SM")
	}
	switch op {
	case SMCtrlOpUp:
		sm.Up()
		return Result{}, status.SUCCESS, nil
	case SMCtrlOpDown:
		sm.Down()
		return Result{}, status.SUCCESS, nil
	case SMCtrlOpDownZero:
		consumed := sm.DownZero()
		if !consumed {
			return Result{}, status.TIMEOUT, nil
		}
		return Result{}, status.SUCCESS, nil
	case SMCtrlOpDownToZero:
		n := sm.DownToZero()
		return Result{uint64(n)}, status.SUCCESS, nil
	default:
		return Result{}, status.BAD_PAR, errors.Errorf("syscallabi: sm_ctrl: unknown op %d", op)
	}
}

// handleAssignPCI tags the DMA space bound to the PD named by args[0]
// (capability held by the caller with PDAssign permission) with the
// stream/requester-id domain args[1] (spec §4.C "StreamDomainID").
func handleAssignPCI(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	pdSel, domainID := args[0], uint16(args[1])

	pdCap, st, err := resolve(c, pdSel, kobject.PDAssign)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	targetPD := k.Registry.GetPD(pdCap.Object())
	if targetPD == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: pd capability does not reference a live PD")
	}
	dma := targetPD.DMA()
	if dma == nil {
		return Result{}, status.BAD_PAR, errors.New("syscallabi: assign_pci: target PD has no bound DMA space")
	}
	dma.StreamDomainID = domainID
	return Result{}, status.SUCCESS, nil
}

// handleAssignGSI binds the SM named by args[0] as the wakeup endpoint
// for global system interrupt args[1] on CPU args[2] (spec §4.F
// "kernel end points are SM objects"). The actual interrupt controller
// routing is platform-specific and lives outside this core (spec §4.K
// collaborator boundary); this leaf only records the association in
// the kernel's GSI routing table, which nothing in this module reads.
func handleAssignGSI(k *Kernel, c Caller, args Args) (Result, status.Status, error) {
	smSel, gsi, cpu := args[0], args[1], int(args[2])

	cap, st, err := resolve(c, smSel, kobject.SMAssign)
	if st != status.SUCCESS {
		return Result{}, st, err
	}
	sm := k.Registry.GetSM(cap.Object())
	if sm == nil {
		return Result{}, status.BAD_CAP, errors.New("syscallabi: assign_gsi: capability does not reference a live SM")
	}

	k.mu.Lock()
	if k.gsiRouting == nil {
		k.gsiRouting = make(map[uint64]gsiRoute)
	}
	k.gsiRouting[gsi] = gsiRoute{sm: sm, cpu: cpu}
	k.mu.Unlock()

	return Result{}, status.SUCCESS, nil
}

type gsiRoute struct {
	sm  *kobject.SM
	cpu int
}
