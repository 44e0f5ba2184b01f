package kobject

import (
	"sync"
	"sync/atomic"

	"github.com/hvcore-project/hvcore/objspace"
)

// handleCounter mints object handles for every Slab in the kernel, not
// just the caller's. Handles must resolve uniquely through Registry
// regardless of which PD or kind minted them (registry.go's stated
// invariant), so every Slab draws from this one kernel-wide counter
// instead of keeping a private per-slab sequence.
var handleCounter uint64

func nextHandle() uint64 {
	return atomic.AddUint64(&handleCounter, 1) * objspace.Alignment
}

// Slab is a per-PD, per-kind object cache (spec §4.F: "Allocation uses
// per-PD slab caches (one per object kind)"). This model keeps it
// simple: a free list of retired handles backed by the shared kernel-
// wide minter, safe for concurrent use by multiple syscalls targeting
// the same PD.
type Slab struct {
	mu    sync.Mutex
	kind  Kind
	free  []uint64
	inUse map[uint64]bool
	cap   int // max slab object count; 0 means unbounded
}

func NewSlab(kind Kind, capacity int) *Slab {
	return &Slab{kind: kind, inUse: make(map[uint64]bool), cap: capacity}
}

// Take returns a fresh handle, or 0 if the slab is at capacity.
func (s *Slab) Take() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h uint64
	if n := len(s.free); n > 0 {
		h = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if s.cap > 0 && len(s.inUse) >= s.cap {
			return 0
		}
		h = nextHandle()
	}
	s.inUse[h] = true
	return h
}

// Release returns a handle to the free list once its object's refcount
// has dropped to zero and its RCU grace period has elapsed.
func (s *Slab) Release(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inUse, h)
	s.free = append(s.free, h)
}

func (s *Slab) InUseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inUse)
}
