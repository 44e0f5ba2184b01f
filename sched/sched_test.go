package sched

import (
	"testing"

	"github.com/hvcore-project/hvcore/kobject"
)

func newSC(handle uint64, cpu, priority int, budget uint64) *kobject.SC {
	return kobject.NewSC(handle, nil, cpu, priority, budget, nil)
}

func TestScheduleHighestPriorityFIFO(t *testing.T) {
	s := New(1, nil)

	low := newSC(1, 0, 1, 10)
	hi1 := newSC(2, 0, 5, 10)
	hi2 := newSC(3, 0, 5, 10)

	for _, sc := range []*kobject.SC{low, hi1, hi2} {
		if err := s.Enqueue(0, sc); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := s.Schedule(0)
	if err != nil || got != hi1 {
		t.Fatalf("Schedule #1 = %v err=%v, want hi1", got, err)
	}
	got, err = s.Schedule(0)
	if err != nil || got != hi2 {
		t.Fatalf("Schedule #2 = %v err=%v, want hi2 (FIFO within priority)", got, err)
	}
	got, err = s.Schedule(0)
	if err != nil || got != low {
		t.Fatalf("Schedule #3 = %v err=%v, want low", got, err)
	}
	got, err = s.Schedule(0)
	if err != nil || got != nil {
		t.Fatalf("Schedule on empty queues = %v err=%v, want nil", got, err)
	}
}

func TestEnqueueCrossCPURaisesIPI(t *testing.T) {
	s := New(2, nil)
	sc := newSC(1, 1, 0, 10)

	if err := s.Enqueue(0, sc); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !s.NeedsIPI(1) {
		t.Fatal("cross-CPU enqueue should raise an IPI on the target CPU")
	}
	if s.NeedsIPI(1) {
		t.Fatal("NeedsIPI should clear the pending flag after reading it")
	}

	sc2 := newSC(2, 0, 0, 10)
	if err := s.Enqueue(0, sc2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if s.NeedsIPI(0) {
		t.Fatal("same-CPU enqueue should not raise an IPI")
	}
}

// TestPriorityInversionRelief implements spec §8's scenario 4: SC_hi
// (prio=100) calls a portal bound to EC_m, which was last scheduled
// under SC_lo (prio=10). After the call, EC_m runs under the donated
// SC_hi; SC_lo is not enqueued. On reply, SC_hi returns to its own
// queue.
func TestPriorityInversionRelief(t *testing.T) {
	s := New(1, nil)

	ecM := kobject.NewEC(1, nil, kobject.ECHostThread, 0, true, nil)
	scLo := newSC(1, 0, 10, 10)
	scHi := newSC(2, 0, 100, 10)

	// EC_m is blocked holding a lock; SC_lo is parked, not enqueued.
	Donate(ecM, scHi)

	if s.QueueLength(0, 10) != 0 {
		t.Fatalf("SC_lo must not be enqueued while EC_m is helped")
	}

	// On reply, the donated SC returns to its home queue.
	if err := s.Undonate(0, ecM); err != nil {
		t.Fatalf("Undonate: %v", err)
	}
	if s.QueueLength(0, 100) != 1 {
		t.Fatalf("SC_hi should be back on its own priority queue after reply")
	}

	got, err := s.Schedule(0)
	if err != nil || got != scHi {
		t.Fatalf("Schedule after undonate = %v err=%v, want scHi", got, err)
	}
	_ = scLo
}

func TestHazardCheckServicesAndClearsBits(t *testing.T) {
	s := New(1, nil)
	s.RaiseHazard(0, HazardRCU|HazardSched)

	var ranRCU, ranSched bool
	s.CheckHazards(0, Handlers{
		RCU:   func(cpu int) { ranRCU = true },
		Sched: func(cpu int) { ranSched = true },
	})

	if !ranRCU || !ranSched {
		t.Fatalf("expected both handlers to run: rcu=%v sched=%v", ranRCU, ranSched)
	}
	if s.Hazards(0) != 0 {
		t.Fatalf("hazard word should be clear after CheckHazards, got %#x", s.Hazards(0))
	}
}

func TestArmQuantumExpiryReenqueues(t *testing.T) {
	s := New(1, nil)
	sc := newSC(1, 0, 5, 1) // 1 tick, so the timer fires almost immediately

	done := make(chan struct{})
	if err := s.ArmQuantum(sc, func() { close(done) }); err != nil {
		t.Fatalf("ArmQuantum: %v", err)
	}

	<-done
	if s.QueueLength(0, 5) != 1 {
		t.Fatal("expired SC should be re-enqueued at the tail of its priority")
	}
	if sc.Remaining() != sc.Budget {
		t.Fatalf("expired SC should be rearmed to its whole budget, got %d want %d", sc.Remaining(), sc.Budget)
	}
}
