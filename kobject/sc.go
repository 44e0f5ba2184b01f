package kobject

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// SC is a Scheduling Context: budget + priority + bound EC (spec
// §4.F/§4.H). An SC is enqueued on exactly one per-CPU runqueue at a
// time; sched owns that bookkeeping, SC just carries the accounting.
type SC struct {
	Object

	EC       *EC
	CPU      int
	Priority int
	Budget   uint64 // whole budget, in ticks
	remaining uint64 // remaining budget, in ticks

	consumed uint64 // monotonic total ticks consumed (sc_ctrl, leaf 10)
}

func NewSC(handle uint64, ec *EC, cpu, priority int, budgetTicks uint64, log *logrus.Entry) *SC {
	return &SC{
		Object:    newObject(handle, KindSC, SubtypeNone, log),
		EC:        ec,
		CPU:       cpu,
		Priority:  priority,
		Budget:    budgetTicks,
		remaining: budgetTicks,
	}
}

// Remaining reports the ticks left in the current dispatch.
func (s *SC) Remaining() uint64 { return atomic.LoadUint64(&s.remaining) }

// Rearm resets remaining to the whole budget, as happens each time the
// SC is (re)dispatched at the head of its priority.
func (s *SC) Rearm() { atomic.StoreUint64(&s.remaining, s.Budget) }

// Tick consumes n ticks, clamping remaining at zero, and accumulates
// the consumed-ticks counter sc_ctrl reports.
func (s *SC) Tick(n uint64) (expired bool) {
	atomic.AddUint64(&s.consumed, n)
	for {
		cur := atomic.LoadUint64(&s.remaining)
		if cur <= n {
			atomic.StoreUint64(&s.remaining, 0)
			return true
		}
		if atomic.CompareAndSwapUint64(&s.remaining, cur, cur-n) {
			return false
		}
	}
}

// ConsumedTicks reports the SC's total consumed CPU time (sc_ctrl, leaf
// 10; spec §6 and the SUPPLEMENTED FEATURES section of SPEC_FULL.md).
func (s *SC) ConsumedTicks() uint64 { return atomic.LoadUint64(&s.consumed) }
