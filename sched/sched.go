// Package sched implements the per-CPU priority scheduler (spec §4.H):
// ticket-spinlocked run queues, quantum timers, and SC donation on IPC.
package sched

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hvcore-project/hvcore/kobject"
)

// NumPriorities bounds the FIFO array each run queue indexes (spec
// §4.H: "an array of FIFO queues indexed by priority (0..N-1)"); 32
// levels cover the SC priority range roottask assigns at boot without
// needing a sparse map.
const NumPriorities = 32

// TickDuration is the host-clock stand-in for one CPU tick, since this
// model has no cycle counter to arm quantum timers against.
const TickDuration = 100 * time.Microsecond

// ticketLock is the fair spinlock spec §4.H specifies for the queue
// set ("a ticket spinlock for the queue set"); host threads park on a
// condition variable instead of busy-spinning, since true spinning
// would burn a host CPU per waiter.
type ticketLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newTicketLock() *ticketLock {
	l := &ticketLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *ticketLock) Lock() {
	l.mu.Lock()
	ticket := l.next
	l.next++
	for l.serving != ticket {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *ticketLock) Unlock() {
	l.mu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.mu.Unlock()
}

// cpuState is one CPU's run-queue set plus its currently dispatched SC
// and quantum timer.
type cpuState struct {
	lock *ticketLock

	queues   [NumPriorities][]*kobject.SC
	nonEmpty uint32 // bit i set iff queues[i] is non-empty

	current *kobject.SC
	timer   *time.Timer

	hazard uint32 // atomically manipulated per-CPU hazard word (spec §4.H)
}

// Scheduler owns every CPU's run-queue state. One instance serves the
// whole machine; CPUs are addressed by a dense 0..N-1 index.
type Scheduler struct {
	cpus []*cpuState

	// pendingIPI tracks CPUs with a cross-CPU enqueue awaiting their
	// next reschedule point, standing in for the inter-processor
	// reschedule signal spec §4.H describes.
	pendingIPI mapset.Set

	log *logrus.Entry
}

func New(ncpus int, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		cpus:       make([]*cpuState, ncpus),
		pendingIPI: mapset.NewSet(),
		log:        log.WithField("component", "sched"),
	}
	for i := range s.cpus {
		s.cpus[i] = &cpuState{lock: newTicketLock()}
	}
	return s
}

func (s *Scheduler) cpu(id int) (*cpuState, error) {
	if id < 0 || id >= len(s.cpus) {
		return nil, errors.Errorf("sched: cpu %d out of range", id)
	}
	return s.cpus[id], nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return p
}

// Enqueue pushes sc to the tail of its priority's FIFO on sc.CPU (spec
// §4.H "enqueue"). fromCPU identifies the CPU performing the enqueue;
// when it differs from sc.CPU the reschedule is cross-CPU and an IPI is
// recorded.
func (s *Scheduler) Enqueue(fromCPU int, sc *kobject.SC) error {
	cs, err := s.cpu(sc.CPU)
	if err != nil {
		return err
	}
	prio := clampPriority(sc.Priority)

	cs.lock.Lock()
	cs.queues[prio] = append(cs.queues[prio], sc)
	cs.nonEmpty |= 1 << uint(prio)
	cs.lock.Unlock()

	if fromCPU != sc.CPU {
		s.pendingIPI.Add(sc.CPU)
		s.log.WithFields(logrus.Fields{"from": fromCPU, "to": sc.CPU, "sc": sc.Handle()}).Debug("cross-cpu enqueue, IPI raised")
	}
	return nil
}

// NeedsIPI reports and clears whether cpu has a pending cross-CPU
// reschedule signal.
func (s *Scheduler) NeedsIPI(cpu int) bool {
	if s.pendingIPI.Contains(cpu) {
		s.pendingIPI.Remove(cpu)
		return true
	}
	return false
}

// highestNonEmpty returns the highest-numbered set bit, or -1 if none.
func highestNonEmpty(mask uint32) int {
	if mask == 0 {
		return -1
	}
	return bits.Len32(mask) - 1
}

// Schedule implements spec §4.H's `schedule()`: pick the highest
// non-empty priority, FIFO order on ties, and prefer the queue head
// over the currently-running SC even when priorities are equal ("choose
// head for fairness"). Returns nil if every queue on cpu is empty.
func (s *Scheduler) Schedule(cpu int) (*kobject.SC, error) {
	cs, err := s.cpu(cpu)
	if err != nil {
		return nil, err
	}

	cs.lock.Lock()
	defer cs.lock.Unlock()

	prio := highestNonEmpty(cs.nonEmpty)
	if prio < 0 {
		cs.current = nil
		return nil, nil
	}

	q := cs.queues[prio]
	next := q[0]
	cs.queues[prio] = q[1:]
	if len(cs.queues[prio]) == 0 {
		cs.nonEmpty &^= 1 << uint(prio)
	}
	cs.current = next
	return next, nil
}

// Current returns the SC currently dispatched on cpu, if any.
func (s *Scheduler) Current(cpu int) *kobject.SC {
	cs, err := s.cpu(cpu)
	if err != nil {
		return nil
	}
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.current
}

// ArmQuantum starts a one-shot timer for sc's remaining budget (spec
// §4.H "Quantum"). On expiry, sc is re-enqueued at the tail of its
// priority and onExpire is invoked so the caller can run `schedule()`
// again; any previously armed timer on the SC's CPU is replaced.
func (s *Scheduler) ArmQuantum(sc *kobject.SC, onExpire func()) error {
	cs, err := s.cpu(sc.CPU)
	if err != nil {
		return err
	}

	cs.lock.Lock()
	if cs.timer != nil {
		cs.timer.Stop()
	}
	remaining := sc.Remaining()
	cs.timer = time.AfterFunc(time.Duration(remaining)*TickDuration, func() {
		sc.Tick(remaining)
		sc.Rearm()
		if err := s.Enqueue(sc.CPU, sc); err != nil {
			s.log.WithError(err).Warn("quantum expiry: re-enqueue failed")
		}
		if onExpire != nil {
			onExpire()
		}
	})
	cs.lock.Unlock()
	return nil
}

// CancelQuantum stops cpu's armed quantum timer, used when a voluntary
// block or IPC call preempts the timed dispatch.
func (s *Scheduler) CancelQuantum(cpu int) {
	cs, err := s.cpu(cpu)
	if err != nil {
		return
	}
	cs.lock.Lock()
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
	cs.lock.Unlock()
}

// QueueLength reports how many SCs are queued at a given priority on
// cpu, mostly useful for tests and sc_ctrl-style introspection.
func (s *Scheduler) QueueLength(cpu, priority int) int {
	cs, err := s.cpu(cpu)
	if err != nil {
		return 0
	}
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return len(cs.queues[clampPriority(priority)])
}

// Hazard flags, per spec §4.H: "SCHED, RCU, FPU, RECALL, DS_ES / TR,
// TSC". Packed into one atomically-manipulated word per CPU.
const (
	HazardSched uint32 = 1 << iota
	HazardRCU
	HazardFPU
	HazardRecall
	HazardDSES
	HazardTR
	HazardTSC
)

// RaiseHazard sets mask's bits in cpu's hazard word.
func (s *Scheduler) RaiseHazard(cpu int, mask uint32) {
	cs, err := s.cpu(cpu)
	if err != nil {
		return
	}
	for {
		cur := atomic.LoadUint32(&cs.hazard)
		if atomic.CompareAndSwapUint32(&cs.hazard, cur, cur|mask) {
			return
		}
	}
}

// ClearHazard clears mask's bits in cpu's hazard word.
func (s *Scheduler) ClearHazard(cpu int, mask uint32) {
	cs, err := s.cpu(cpu)
	if err != nil {
		return
	}
	for {
		cur := atomic.LoadUint32(&cs.hazard)
		if atomic.CompareAndSwapUint32(&cs.hazard, cur, cur&^mask) {
			return
		}
	}
}

// Hazards reads cpu's current hazard word.
func (s *Scheduler) Hazards(cpu int) uint32 {
	cs, err := s.cpu(cpu)
	if err != nil {
		return 0
	}
	return atomic.LoadUint32(&cs.hazard)
}
