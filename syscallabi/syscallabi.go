// Package syscallabi implements the fixed syscall leaf table (spec §6):
// the 14 entry points a root task's hypercall trap dispatches to, and
// the status-word marshaling every leaf returns through. Dispatch
// follows pathres's dispatch-by-resource-kind switch style, scaled to
// dispatch-by-leaf-number.
package syscallabi

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/mdb"
	"github.com/hvcore-project/hvcore/portal"
	"github.com/hvcore-project/hvcore/sched"
	"github.com/hvcore-project/hvcore/status"
)

// Leaf enumerates the syscall table (spec §6), in the fixed order a
// real trap handler would index an array by.
type Leaf int

const (
	LeafCall Leaf = iota
	LeafReply
	LeafCreatePD
	LeafCreateEC
	LeafCreateSC
	LeafCreatePT
	LeafCreateSM
	LeafRevoke
	LeafLookup
	LeafECCtrl
	LeafSCCtrl
	LeafSMCtrl
	LeafAssignPCI
	LeafAssignGSI
	numLeaves
)

func (l Leaf) String() string {
	switch l {
	case LeafCall:
		return "call"
	case LeafReply:
		return "reply"
	case LeafCreatePD:
		return "create_pd"
	case LeafCreateEC:
		return "create_ec"
	case LeafCreateSC:
		return "create_sc"
	case LeafCreatePT:
		return "create_pt"
	case LeafCreateSM:
		return "create_sm"
	case LeafRevoke:
		return "revoke"
	case LeafLookup:
		return "lookup"
	case LeafECCtrl:
		return "ec_ctrl"
	case LeafSCCtrl:
		return "sc_ctrl"
	case LeafSMCtrl:
		return "sm_ctrl"
	case LeafAssignPCI:
		return "assign_pci"
	case LeafAssignGSI:
		return "assign_gsi"
	default:
		return "?"
	}
}

// Args is the fixed-width register-passed argument list every leaf
// reads positionally, mirroring the UTCB word array's flat layout
// rather than a per-leaf struct.
type Args [6]uint64

// Result carries the leaf's positional outputs alongside its status
// word; most leaves use only Result[0] (the minted handle, or nothing).
type Result [4]uint64

// Caller bundles the context every handler needs about the thread that
// trapped in: which CPU it trapped on, its EC (for portal/sched leaves)
// and its PD (for capability lookups and object creation).
type Caller struct {
	CPU int
	EC  *kobject.EC
	PD  *kobject.PD
}

// Kernel holds the live engines a dispatch call reaches into. One
// Kernel serves every CPU; per-CPU state lives inside sched.Scheduler.
type Kernel struct {
	Registry *kobject.Registry
	Sched    *sched.Scheduler
	Portal   *portal.Engine
	RCU      *mdb.Domain
	Alloc    *alloc.Allocator

	pdSlab *kobject.Slab

	mu         sync.Mutex
	mappings   map[uint64]*mdb.Node
	gsiRouting map[uint64]gsiRoute

	log *logrus.Entry
}

// New builds a Kernel. pdCapacity bounds how many PDs may ever be
// minted, the same slab-capacity discipline every other kind gets from
// its owning PD (spec §4.F); PD creation has no natural "owning PD" for
// its own slab, so the Kernel itself hosts that one cache.
func New(registry *kobject.Registry, sc *sched.Scheduler, pt *portal.Engine, rcu *mdb.Domain, a *alloc.Allocator, pdCapacity int, log *logrus.Entry) *Kernel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Kernel{
		Registry: registry,
		Sched:    sc,
		Portal:   pt,
		RCU:      rcu,
		Alloc:    a,
		pdSlab:   kobject.NewSlab(kobject.KindPD, pdCapacity),
		log:      log.WithField("component", "syscallabi"),
	}
}

type handlerFunc func(k *Kernel, c Caller, args Args) (Result, status.Status, error)

var table = [numLeaves]handlerFunc{
	LeafCall:      handleCall,
	LeafReply:     handleReply,
	LeafCreatePD:  handleCreatePD,
	LeafCreateEC:  handleCreateEC,
	LeafCreateSC:  handleCreateSC,
	LeafCreatePT:  handleCreatePT,
	LeafCreateSM:  handleCreateSM,
	LeafRevoke:    handleRevoke,
	LeafLookup:    handleLookup,
	LeafECCtrl:    handleECCtrl,
	LeafSCCtrl:    handleSCCtrl,
	LeafSMCtrl:    handleSMCtrl,
	LeafAssignPCI: handleAssignPCI,
	LeafAssignGSI: handleAssignGSI,
}

// Dispatch runs leaf against the given caller context. An out-of-range
// leaf number is itself a BAD_HYP per spec §7 ("undefined leaf number
// is a hypervisor-level error, not a capability error").
func (k *Kernel) Dispatch(leaf Leaf, c Caller, args Args) (Result, status.Status, error) {
	if leaf < 0 || leaf >= numLeaves || table[leaf] == nil {
		return Result{}, status.BAD_HYP, status.New(status.BAD_HYP, "syscallabi: undefined leaf")
	}
	res, st, err := table[leaf](k, c, args)
	k.log.WithFields(logrus.Fields{"leaf": leaf, "cpu": c.CPU, "status": st}).Debug("dispatch")
	return res, st, err
}
