package kobject

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SM is a Semaphore (spec §4.F): counter + blocked-EC queue. Up
// wakes/increments, Down decrements/blocks. SM also serves as the
// kernel-side endpoint for interrupt delivery (spec §6: "Kernel end
// points are SM objects").
type SM struct {
	Object

	mu      sync.Mutex
	counter int64
	waiters []chan struct{}
}

func NewSM(handle uint64, initial int64, log *logrus.Entry) *SM {
	return &SM{
		Object:  newObject(handle, KindSM, SubtypeNone, log),
		counter: initial,
	}
}

// Up wakes one waiter if the wait queue is non-empty, otherwise
// increments the counter — preserving the invariant that counter > 0
// implies an empty wait queue (spec §8).
func (s *SM) Up() {
	s.mu.Lock()
	if n := len(s.waiters); n > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(w)
		return
	}
	s.counter++
	s.mu.Unlock()
}

// Down blocks until the counter is positive, then decrements it. The
// caller is expected to have already transitioned its EC to
// kobject.StateBlocked before calling; Down itself only manages SM state.
func (s *SM) Down() {
	s.mu.Lock()
	if s.counter > 0 {
		s.counter--
		s.mu.Unlock()
		return
	}
	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	<-w
}

// DownZero is the zero-timeout ("zc") non-blocking consume of spec §5:
// decrements if positive, else returns immediately without blocking.
func (s *SM) DownZero() (consumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter > 0 {
		s.counter--
		return true
	}
	return false
}

// DownToZero decrements the counter to zero atomically, returning how
// much was consumed, without blocking (spec §5: "decrement-to-zero
// semantics").
func (s *SM) DownToZero() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counter
	s.counter = 0
	return n
}

func (s *SM) Counter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func (s *SM) WaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
