// Package alloc implements the physical-page allocator and deferred-free
// wait queue assumed as a primitive by the rest of the core (spec §4.A):
// order-N page allocation, plus a wait-to-reclaim queue drained at the end
// of every syscall and every idle-loop iteration.
package alloc

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PageSize matches the host page size; order-N allocations cover
// 1<<order pages.
const PageSize = 4096

// MaxOrder bounds allocation size, per spec §4.A ("the core assumes
// allocations of a fixed maximum order (<=9)").
const MaxOrder = 9

// Fill selects how a freshly allocated page is initialised.
type Fill int

const (
	FillNone Fill = iota
	FillZero
	FillOne
)

// Page is a handle to an order-N physical page region. In this host-side
// model a Page is backed by an anonymous mmap region standing in for a
// physical frame; Addr returns a stable synthetic physical address used
// by ptab/memspace as the "output address".
type Page struct {
	order int
	mem   []byte
	addr  uintptr
}

func (p *Page) Order() int   { return p.order }
func (p *Page) Addr() uintptr { return p.addr }
func (p *Page) Bytes() []byte { return p.mem }

// Allocator is a simple free-list-free bump/mmap allocator with a
// per-instance deferred-free (wait) queue, draining on Drain() in
// RCU-grace-period style (spec §5: "deferred free drained by a per-CPU
// wait list").
type Allocator struct {
	mu       sync.Mutex
	nextAddr uintptr
	waiting  []*Page
	log      *logrus.Entry
}

func New(log *logrus.Entry) *Allocator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{nextAddr: 0x1000, log: log.WithField("component", "alloc")}
}

// Alloc returns a zero-, one-, or un-initialised order-N page region, or
// nil if the host is out of memory.
func (a *Allocator) Alloc(order int, fill Fill) (*Page, error) {
	if order < 0 || order > MaxOrder {
		return nil, errors.Errorf("alloc: invalid order %d", order)
	}
	size := PageSize << uint(order)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		a.log.WithError(err).WithField("order", order).Warn("page allocation failed")
		return nil, nil // caller interprets nil as "out of memory" per contract
	}

	switch fill {
	case FillZero:
		for i := range mem {
			mem[i] = 0
		}
	case FillOne:
		for i := range mem {
			mem[i] = 0xff
		}
	}

	a.mu.Lock()
	addr := a.nextAddr
	a.nextAddr += uintptr(size)
	a.mu.Unlock()

	return &Page{order: order, mem: mem, addr: addr}, nil
}

// Free immediately releases a page's backing memory. Most callers should
// prefer Wait to respect RCU discipline.
func (a *Allocator) Free(p *Page) error {
	if p == nil {
		return nil
	}
	return unix.Munmap(p.mem)
}

// Wait defers a page's release until the next Drain, honouring the
// grace-period discipline required by spec §4.I/§5 for pages backing
// page-table and mapping-database nodes.
func (a *Allocator) Wait(p *Page) {
	if p == nil {
		return
	}
	a.mu.Lock()
	a.waiting = append(a.waiting, p)
	a.mu.Unlock()
}

// Drain frees every page queued via Wait. Callers (syscall exit, idle
// loop) are expected to call this once a grace period has elapsed; this
// package does not itself track CPU quiescent-state counters (that is
// mdb's concern) so Drain here simply flushes whatever has accumulated.
func (a *Allocator) Drain() {
	a.mu.Lock()
	batch := a.waiting
	a.waiting = nil
	a.mu.Unlock()

	for _, p := range batch {
		if err := a.Free(p); err != nil {
			a.log.WithError(err).Warn("drain: free failed")
		}
	}
}

// Pending reports the number of pages queued for deferred free, mostly
// useful for tests.
func (a *Allocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiting)
}
