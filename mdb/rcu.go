package mdb

import "sync"

// Domain is the RCU-style grace-period tracker spec §4.I/§5 requires
// for deferred node free: a node unlinked by Revoke is not actually
// reclaimed until every CPU has passed through a quiescent point
// observed after the unlink, guaranteeing no reader still holds a
// pointer into the old tree shape.
//
// Modeled as a per-CPU epoch counter plus an epoch-tagged pending list,
// the same mutex-guarded shared-map shape pidmonitor uses for its
// per-pid event table, rather than a lock-free hazard-pointer scheme.
type Domain struct {
	mu        sync.Mutex
	epoch     uint64
	quiescent []uint64
	pending   map[uint64][]*Node
}

func NewDomain(ncpus int) *Domain {
	return &Domain{
		quiescent: make([]uint64, ncpus),
		pending:   make(map[uint64][]*Node),
	}
}

// Defer records n as unlinked at the current epoch and advances the
// epoch, starting a new grace period.
func (d *Domain) Defer(n *Node) {
	d.mu.Lock()
	d.pending[d.epoch] = append(d.pending[d.epoch], n)
	d.epoch++
	d.mu.Unlock()
}

// QuiescentTick records that cpu has passed a quiescent point (spec
// §5: "run a grace-period tick", the RCU hazard flag's handler). The
// caller decides when a CPU is quiescent; this package does not call
// it on its own.
func (d *Domain) QuiescentTick(cpu int) {
	d.mu.Lock()
	if cpu >= 0 && cpu < len(d.quiescent) {
		d.quiescent[cpu] = d.epoch
	}
	d.mu.Unlock()
}

// minQuiescent returns the oldest epoch any CPU has not yet passed.
// Caller holds d.mu.
func (d *Domain) minQuiescent() uint64 {
	if len(d.quiescent) == 0 {
		return d.epoch
	}
	min := d.quiescent[0]
	for _, q := range d.quiescent[1:] {
		if q < min {
			min = q
		}
	}
	return min
}

// Reclaim releases every node whose grace period has fully elapsed
// (every CPU's quiescent epoch is strictly newer than the node's defer
// epoch) and returns them, so the caller can e.g. release their
// backing slab handles. Nodes dropped here become eligible for normal
// GC; mdb does not itself return host memory.
func (d *Domain) Reclaim() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	min := d.minQuiescent()
	var freed []*Node
	for epoch, nodes := range d.pending {
		if epoch < min {
			freed = append(freed, nodes...)
			delete(d.pending, epoch)
		}
	}
	return freed
}

// Pending reports how many nodes are currently awaiting reclamation,
// for tests.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, nodes := range d.pending {
		n += len(nodes)
	}
	return n
}
