package kobject

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Continuation is the typed-function-pointer state spec §9 describes:
// "the portal state machine stores an EC's continuation as a typed
// function pointer value... there is no stackful coroutine." Modeled
// here as a sum type (enum) rather than an actual function value, since
// the "function" in this host-side model is just which EC.State
// transition to apply next.
type Continuation int

const (
	ContRetUserSysexit Continuation = iota
	ContRecvKern
	ContRecvUser
	ContReply
	ContDead
)

// State is the EC state machine of spec §4.G.
type State int

const (
	StateRunning State = iota
	StateWaitReply
	StateBlocked
	StateRunnable
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateWaitReply:
		return "WAIT_REPLY"
	case StateBlocked:
		return "BLOCKED"
	case StateRunnable:
		return "RUNNABLE"
	default:
		return "?"
	}
}

// Regs is the general-purpose register image (Sys_regs/Exc_regs of
// spec §3); kept as a flat word array rather than named fields since
// the MTD mask addresses fields positionally.
type Regs struct {
	GPR [16]uint64
	RIP uint64
	RSP uint64
}

// UTCB is the per-EC, page-sized IPC message structure (spec §6): a
// header (MTD + item count) plus a body of machine words, with a tail
// reserved for typed items.
type UTCB struct {
	MTD       uint64
	ItemCount uint32
	ErrorBit  bool // set on partial typed-item delegation failure (spec §4.G)
	Words     [480]uint64
	Typed     []TypedItem
}

// TypedItem describes one capability delegation/translation entry near
// the UTCB tail (spec §4.G).
type TypedItem struct {
	Selector   uint64
	Translate  bool // true = translate, false = delegate
	PermMask   uint32
}

// EC is an Execution Context: a thread or vCPU (spec §4.F).
type EC struct {
	Object

	mu sync.Mutex

	PD   *PD
	CPU  int
	Pinned bool // host ECs are pinned; vCPUs may migrate

	Regs Regs
	UTCB *UTCB

	EventBase uint64 // selector base for exception-handler portal lookup

	state State
	cont  Continuation

	partner  *EC // the other end of an active IPC (caller<->callee)
	reverse  *EC // reverse-capability: callee's view of its caller
	replyMtd uint64 // caller's MTD, stashed at Call time for Reply to honor

	helpers []*SC // SCs currently helping (donated to) this EC
	home    *SC   // this EC's own bound SC, if any

	hazards uint32 // per-EC snapshot of hazard bits relevant to it (RECALL)

	log *logrus.Entry
}

func NewEC(handle uint64, pd *PD, subtype Subtype, cpu int, pinned bool, log *logrus.Entry) *EC {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EC{
		Object: newObject(handle, KindEC, subtype, log),
		PD:     pd,
		CPU:    cpu,
		Pinned: pinned,
		UTCB:   &UTCB{},
		state:  StateRunning,
		cont:   ContRetUserSysexit,
		log:    log.WithField("ec", handle),
	}
}

func (e *EC) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *EC) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *EC) Continuation() Continuation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cont
}

func (e *EC) setContinuation(c Continuation) {
	e.mu.Lock()
	e.cont = c
	e.mu.Unlock()
}

// TransitionTo atomically sets the EC's state and continuation together,
// the unit in which spec §4.G's state machine actually moves.
func (e *EC) TransitionTo(s State, c Continuation) {
	e.mu.Lock()
	e.state = s
	e.cont = c
	e.mu.Unlock()
}

// Partner returns the EC at the other end of an active IPC, if any.
func (e *EC) Partner() *EC {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partner
}

// SetPartner installs (or, with a nil argument, clears) the EC at the
// other end of an active IPC.
func (e *EC) SetPartner(p *EC) {
	e.mu.Lock()
	e.partner = p
	e.mu.Unlock()
}

// Reverse returns the reverse-capability target: from a callee's
// perspective, the EC that called it.
func (e *EC) Reverse() *EC {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reverse
}

// SetReverse installs (or, with a nil argument, clears) this EC's
// reverse-capability target.
func (e *EC) SetReverse(r *EC) {
	e.mu.Lock()
	e.reverse = r
	e.mu.Unlock()
}

// SetReplyMtd stashes the MTD the caller asked for at Call time, so the
// eventual Reply copies back per the caller's own request (spec §4.G)
// rather than whatever MTD the callee happens to pass.
func (e *EC) SetReplyMtd(mtd uint64) { e.mu.Lock(); e.replyMtd = mtd; e.mu.Unlock() }
func (e *EC) ReplyMtd() uint64       { e.mu.Lock(); defer e.mu.Unlock(); return e.replyMtd }

// AddHelper attaches a donor SC to this (blocked) EC's helper queue
// (spec §4.H "Donation on IPC").
func (e *EC) AddHelper(sc *SC) {
	e.mu.Lock()
	e.helpers = append(e.helpers, sc)
	e.mu.Unlock()
}

// DrainHelpers removes and returns every helper SC, for re-enqueueing
// on their home CPUs once the EC unblocks.
func (e *EC) DrainHelpers() []*SC {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.helpers
	e.helpers = nil
	return h
}

func (e *EC) SetHome(sc *SC) { e.mu.Lock(); e.home = sc; e.mu.Unlock() }
func (e *EC) Home() *SC      { e.mu.Lock(); defer e.mu.Unlock(); return e.home }

// SetRecall sets the RECALL hazard bit (spec §5): delivered by ec_ctrl
// (leaf 9) or by the scheduler when another CPU must interrupt this EC.
const HazardRecall uint32 = 1 << 0

func (e *EC) SetRecall() {
	e.mu.Lock()
	e.hazards |= HazardRecall
	e.mu.Unlock()
}

func (e *EC) ClearRecall() {
	e.mu.Lock()
	e.hazards &^= HazardRecall
	e.mu.Unlock()
}

func (e *EC) Hazards() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hazards
}
