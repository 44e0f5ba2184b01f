package syscallabi

import (
	"testing"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/mdb"
	"github.com/hvcore-project/hvcore/memspace"
	"github.com/hvcore-project/hvcore/objspace"
	"github.com/hvcore-project/hvcore/portal"
	"github.com/hvcore-project/hvcore/ptab"
	"github.com/hvcore-project/hvcore/sched"
	"github.com/hvcore-project/hvcore/status"
)

func newTestKernel(t *testing.T) (*Kernel, *kobject.PD) {
	t.Helper()
	a := alloc.New(nil)
	registry := kobject.NewRegistry()
	s := sched.New(2, nil)
	p := portal.New(registry, nil)
	rcu := mdb.NewDomain(2)

	k := New(registry, s, p, rcu, a, 16, nil)

	rootHandle := k.pdSlab.Take()
	root := kobject.NewPD(rootHandle, a, kobject.SlabCapacities{EC: 16, SC: 16, PT: 16, SM: 16, FPU: 4}, nil)
	if _, err := root.BindObjSpace(20, 9); err != nil {
		t.Fatalf("bind root obj space: %v", err)
	}
	registry.Put(rootHandle, root)
	return k, root
}

func TestCreatePDInstallsCapability(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}

	res, st, err := k.Dispatch(LeafCreatePD, c, Args{10, 16, 9})
	if st != status.SUCCESS {
		t.Fatalf("create_pd: status=%v err=%v", st, err)
	}
	if res[0] == 0 {
		t.Fatal("create_pd: handle should be non-zero")
	}

	cap := root.ObjSpace().Lookup(10)
	if cap.IsNull() || cap.Object() != res[0] {
		t.Fatalf("capability at dst selector = %+v, want object %d", cap, res[0])
	}
	if cap.Perm()&kobject.PDECPTSM == 0 {
		t.Fatal("new PD capability missing PDECPTSM bit")
	}
}

func TestCreateECAndSCThenSchedule(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}

	if _, st, err := k.Dispatch(LeafCreatePD, c, Args{1, 16, 9}); st != status.SUCCESS {
		t.Fatalf("create_pd: %v %v", st, err)
	}

	ecRes, st, err := k.Dispatch(LeafCreateEC, c, Args{2, 1, 0, 1, 0})
	if st != status.SUCCESS {
		t.Fatalf("create_ec: %v %v", st, err)
	}

	scRes, st, err := k.Dispatch(LeafCreateSC, c, Args{3, 1, 2, 0, 5, 100})
	if st != status.SUCCESS {
		t.Fatalf("create_sc: %v %v", st, err)
	}

	sc := k.Registry.GetSC(scRes[0])
	if sc == nil {
		t.Fatal("SC not registered")
	}
	if sc.EC.Handle() != ecRes[0] {
		t.Fatalf("sc bound to EC %d, want %d", sc.EC.Handle(), ecRes[0])
	}

	scheduled, err := k.Sched.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if scheduled != sc {
		t.Fatal("scheduler did not return the newly created SC")
	}
}

func TestCreatePTAndCallReply(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}

	k.Dispatch(LeafCreatePD, c, Args{1, 16, 9})

	callerRes, st, _ := k.Dispatch(LeafCreateEC, c, Args{2, 1, 0, 1, 0})
	if st != status.SUCCESS {
		t.Fatal("create caller ec failed")
	}
	calleeRes, st, _ := k.Dispatch(LeafCreateEC, c, Args{3, 1, 0, 1, 0})
	if st != status.SUCCESS {
		t.Fatal("create callee ec failed")
	}

	ptRes, st, err := k.Dispatch(LeafCreatePT, c, Args{4, 1, 3, 0xf000, portal.MtdGPR_ACDB, 77})
	if st != status.SUCCESS {
		t.Fatalf("create_pt: %v %v", st, err)
	}

	caller := k.Registry.GetEC(callerRes[0])
	callee := k.Registry.GetEC(calleeRes[0])
	caller.CPU = 0
	callee.CPU = 0
	caller.Regs.GPR[0] = 42

	_ = ptRes
	res, st, err := k.Dispatch(LeafCall, Caller{CPU: 0, PD: root, EC: caller}, Args{4})
	if st != status.SUCCESS {
		t.Fatalf("call: %v %v", st, err)
	}
	_ = res
	if callee.UTCB.Words[0] != 42 {
		t.Fatalf("callee UTCB word0 = %d, want 42", callee.UTCB.Words[0])
	}

	callee.UTCB.Words[0] = 43
	if _, st, err := k.Dispatch(LeafReply, Caller{CPU: 0, PD: root, EC: callee}, Args{}); st != status.SUCCESS {
		t.Fatalf("reply: %v %v", st, err)
	}
	if caller.Regs.GPR[0] != 43 {
		t.Fatalf("caller GPR[0] = %d, want 43", caller.Regs.GPR[0])
	}
}

func TestRevokeUnknownSelectorIsBadPar(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}
	if _, st, _ := k.Dispatch(LeafRevoke, c, Args{999, 0}); st != status.BAD_PAR {
		t.Fatalf("revoke on unregistered selector: status=%v, want BAD_PAR", st)
	}
}

func TestRevokeRegisteredMapping(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}

	obj := root.ObjSpace()
	target := mdb.ObjTarget{Space: obj, Sel: 50}
	capv := objspace.NewCapability(objspace.Alignment, kobject.PTCall|kobject.PTCtrl)
	if st, err := obj.Insert(50, capv); st != status.SUCCESS {
		t.Fatalf("insert: %v %v", st, err)
	}
	node := mdb.NewRoot(target, 50, 0, root.Handle(), capv.Perm())
	k.RegisterMapping(50, node)

	if _, st, err := k.Dispatch(LeafRevoke, c, Args{50, uint64(kobject.PTCtrl)}); st != status.SUCCESS {
		t.Fatalf("revoke: %v %v", st, err)
	}
	got := obj.Lookup(50)
	if got.Perm() != kobject.PTCtrl {
		t.Fatalf("post-revoke perm = %#x, want %#x", got.Perm(), kobject.PTCtrl)
	}
}

// TestAssignPCIIsolatesDMA implements spec §8 scenario 6: a device
// bound to a PD's DMA space can reach physical addresses the PD has
// mapped into that space and nowhere else, regardless of the stream
// domain ID assign_pci tags it with.
func TestAssignPCIIsolatesDMA(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}

	if _, st, err := k.Dispatch(LeafCreatePD, c, Args{1, 16, 9}); st != status.SUCCESS {
		t.Fatalf("create_pd: %v %v", st, err)
	}
	pdCap := root.ObjSpace().Lookup(1)
	targetPD := k.Registry.GetPD(pdCap.Object())

	dma, err := targetPD.BindDMA()
	if err != nil {
		t.Fatalf("BindDMA: %v", err)
	}
	if st, err := dma.Map(0x40000, 0x40000, 0, memspace.PermR, ptab.Attrs{}); st != status.SUCCESS {
		t.Fatalf("map allowed PA: %v %v", st, err)
	}

	if _, st, err := k.Dispatch(LeafAssignPCI, c, Args{1, 7}); st != status.SUCCESS {
		t.Fatalf("assign_pci: %v %v", st, err)
	}
	if targetPD.DMA().StreamDomainID != 7 {
		t.Fatalf("StreamDomainID = %d, want 7", targetPD.DMA().StreamDomainID)
	}

	if _, _, perms := dma.Lookup(0x40000); perms == 0 {
		t.Fatal("mapped PA should be reachable via DMA")
	}
	if _, _, perms := dma.Lookup(0x50000); perms != 0 {
		t.Fatal("unmapped PA must not be reachable via DMA")
	}
}

func TestDispatchUnknownLeafIsBadHyp(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}
	if _, st, _ := k.Dispatch(Leaf(999), c, Args{}); st != status.BAD_HYP {
		t.Fatalf("status = %v, want BAD_HYP", st)
	}
}

func TestSMCtrlUpDown(t *testing.T) {
	k, root := newTestKernel(t)
	c := Caller{CPU: 0, PD: root}
	k.Dispatch(LeafCreatePD, c, Args{1, 16, 9})

	smRes, st, err := k.Dispatch(LeafCreateSM, c, Args{2, 1, 0})
	if st != status.SUCCESS {
		t.Fatalf("create_sm: %v %v", st, err)
	}
	_ = smRes

	if _, st, err := k.Dispatch(LeafSMCtrl, c, Args{2, SMCtrlOpUp}); st != status.SUCCESS {
		t.Fatalf("sm_ctrl up: %v %v", st, err)
	}
	res, st, err := k.Dispatch(LeafSMCtrl, c, Args{2, SMCtrlOpDownToZero})
	if st != status.SUCCESS {
		t.Fatalf("sm_ctrl downtozero: %v %v", st, err)
	}
	if res[0] != 1 {
		t.Fatalf("downtozero consumed = %d, want 1", res[0])
	}
}
