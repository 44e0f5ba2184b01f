// Package portal implements the CALL/REPLY IPC state machine (spec
// §4.G): caller/callee handoff, MTD-driven UTCB copy, and typed-item
// capability delegation.
package portal

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/objspace"
	"github.com/hvcore-project/hvcore/status"
)

// MTD bit layout: which register-image fields move between caller and
// callee. GPRACDB mirrors the scenario in spec §8 ("MTD=GPR_ACDB").
const (
	MtdGPR_A    uint64 = 1 << 0
	MtdGPR_B    uint64 = 1 << 1
	MtdGPR_C    uint64 = 1 << 2
	MtdGPR_D    uint64 = 1 << 3
	MtdGPR_ACDB        = MtdGPR_A | MtdGPR_C | MtdGPR_D | MtdGPR_B
)

// Engine runs the portal call/reply protocol over a fixed set of live
// ECs. It carries only a capability-resolution registry and a logger,
// matching the kernel core's "no kernel-level blocking or async" rule
// (spec §5): every step here executes synchronously on the calling
// goroutine, which stands in for "the calling CPU".
type Engine struct {
	registry *kobject.Registry
	log      *logrus.Entry
}

func New(registry *kobject.Registry, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{registry: registry, log: log.WithField("component", "portal")}
}

// Call implements leaf 0 (spec §4.G, §6): caller looks up the portal
// capability, validates CALL permission, asserts caller/portal share a
// CPU, installs the partnership, and transfers control to the portal's
// EC at its entry IP.
func (e *Engine) Call(callerOBJ *objspace.Space, caller *kobject.EC, ptSel uint64) (status.Status, error) {
	cap := callerOBJ.Lookup(ptSel)
	if cap.IsNull() {
		return status.BAD_CAP, errors.New("portal: null capability at selector")
	}
	if cap.Perm()&kobject.PTCall == 0 {
		return status.BAD_CAP, errors.New("portal: missing CALL permission")
	}

	pt := e.registry.GetPT(cap.Object())
	if pt == nil {
		return status.BAD_CAP, errors.New("portal: capability does not reference a live portal")
	}

	callee := pt.EC
	if callee == nil {
		return status.BAD_CAP, errors.New("portal: portal's EC has been destroyed")
	}
	if callee.CPU != caller.CPU {
		return status.BAD_CPU, errors.New("portal: caller and portal EC are on different CPUs")
	}

	// Caller: RUNNING -> WAIT_REPLY, continuation = resume-at-syscall-exit.
	caller.TransitionTo(kobject.StateWaitReply, kobject.ContRetUserSysexit)
	caller.SetPartner(callee)

	// Callee runs with a reverse-capability to the caller.
	callee.SetReverse(caller)

	mtd := pt.Mtd()
	if mtd == 0 {
		mtd = pt.MtdMask
	}
	copyRegsToUTCB(&caller.Regs, callee.UTCB, mtd)
	caller.SetReplyMtd(mtd)
	callee.Regs.RIP = pt.EntryIP

	e.log.WithFields(logrus.Fields{"caller": caller.Handle(), "callee": callee.Handle(), "pt": pt.ID}).Debug("portal call")

	return status.SUCCESS, nil
}

// Reply implements leaf 1: the callee uses its reverse-capability to
// locate the caller, copies its UTCB back per the MTD the caller asked
// for at Call time (spec §4.G), clears the partnership, and hands
// control back. The callee has no say over which fields move back.
func (e *Engine) Reply(callee *kobject.EC) (status.Status, error) {
	caller := callee.Reverse()
	if caller == nil {
		return status.BAD_HYP, errors.New("portal: reply without an active partner (state mismatch)")
	}

	copyUTCBToRegs(callee.UTCB, &caller.Regs, caller.ReplyMtd())

	callee.SetReverse(nil)
	caller.SetPartner(nil)
	caller.TransitionTo(kobject.StateRunning, kobject.ContRetUserSysexit)

	e.log.WithFields(logrus.Fields{"callee": callee.Handle(), "caller": caller.Handle()}).Debug("portal reply")

	return status.SUCCESS, nil
}

// DeliverTypedItems interprets the typed-item tail of src's UTCB,
// delegating or translating each capability into dst's OBJ space. Per
// spec §4.G, the raw-word copy (Call/Reply above) is never rolled back
// on a delegation failure; this sets the UTCB error bit instead and
// stops at the first failure, leaving already-applied items in place.
func DeliverTypedItems(src *kobject.UTCB, srcOBJ *objspace.Space, dstOBJ *objspace.Space, dstBase uint64) {
	for i, item := range src.Typed {
		c := srcOBJ.Lookup(item.Selector)
		if c.IsNull() {
			continue
		}
		delegated := c.WithPerm(item.PermMask)
		if item.Translate {
			// Translate: the destination receives a reference to the
			// same object with intersected permissions but without
			// recording a new mapping-database derivation.
			if st, _, err := dstOBJ.Update(dstBase+uint64(i), delegated); st != status.SUCCESS {
				src.ErrorBit = true
				return
			} else if err != nil {
				src.ErrorBit = true
				return
			}
			continue
		}
		if st, err := dstOBJ.Insert(dstBase+uint64(i), delegated); st != status.SUCCESS || err != nil {
			src.ErrorBit = true
			return
		}
	}
}

func copyRegsToUTCB(src *kobject.Regs, dst *kobject.UTCB, mtd uint64) {
	dst.MTD = mtd
	n := 0
	if mtd&MtdGPR_A != 0 {
		dst.Words[n] = src.GPR[0]
		n++
	}
	if mtd&MtdGPR_C != 0 {
		dst.Words[n] = src.GPR[2]
		n++
	}
	if mtd&MtdGPR_D != 0 {
		dst.Words[n] = src.GPR[3]
		n++
	}
	if mtd&MtdGPR_B != 0 {
		dst.Words[n] = src.GPR[1]
		n++
	}
	dst.ItemCount = uint32(n)
	dst.ErrorBit = false
}

func copyUTCBToRegs(src *kobject.UTCB, dst *kobject.Regs, mtd uint64) {
	n := 0
	if mtd&MtdGPR_A != 0 {
		dst.GPR[0] = src.Words[n]
		n++
	}
	if mtd&MtdGPR_C != 0 {
		dst.GPR[2] = src.Words[n]
		n++
	}
	if mtd&MtdGPR_D != 0 {
		dst.GPR[3] = src.Words[n]
		n++
	}
	if mtd&MtdGPR_B != 0 {
		dst.GPR[1] = src.Words[n]
		n++
	}
}
