// Package iospace implements the PIO and MSR dense bitmap permission
// spaces (spec §4.E): atomic bit set/clear, infallible once allocated.
package iospace

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// In both spaces a 1-bit means "trap to hypervisor"; a 0-bit means
// "pass through to guest/user" (spec §3 invariant); initial state is
// all-trap.

// PIOSpace is a 2^16-bit dense bitmap, one permit bit per I/O port.
type PIOSpace struct {
	words []uint64
}

const pioPorts = 1 << 16

// NewPIO allocates a PIO space with every port initially trapping.
func NewPIO() *PIOSpace {
	words := make([]uint64, pioPorts/64)
	for i := range words {
		words[i] = ^uint64(0)
	}
	return &PIOSpace{words: words}
}

func (p *PIOSpace) validate(port uint32) error {
	if port >= pioPorts {
		return errors.Errorf("iospace: port %d out of range [0, %d)", port, pioPorts)
	}
	return nil
}

// Allow clears the trap bit (pass-through) for port.
func (p *PIOSpace) Allow(port uint32) error {
	if err := p.validate(port); err != nil {
		return err
	}
	clearBit(p.words, uint(port))
	return nil
}

// Deny sets the trap bit for port.
func (p *PIOSpace) Deny(port uint32) error {
	if err := p.validate(port); err != nil {
		return err
	}
	setBit(p.words, uint(port))
	return nil
}

// Trapped reports whether port currently traps to the hypervisor.
func (p *PIOSpace) Trapped(port uint32) (bool, error) {
	if err := p.validate(port); err != nil {
		return false, err
	}
	return testBit(p.words, uint(port)), nil
}

// MSR range boundaries (spec §4.E): architectural low range and the
// "extended" range.
const (
	MSRLowBase  = 0x0
	MSRLowCount = 1 << 13
	MSRExtBase  = 0xc0000000
	MSRExtCount = 1 << 13
)

// MSRSpace is a dense bitmap split into low/high ranges, two bits per
// MSR (read-permit, write-permit).
type MSRSpace struct {
	low []uint64 // 2 bits per MSR => 2*MSRLowCount bits
	ext []uint64
}

// NewMSR allocates an MSR space with every read/write bit initially
// trapping.
func NewMSR() *MSRSpace {
	low := make([]uint64, (2*MSRLowCount)/64)
	ext := make([]uint64, (2*MSRExtCount)/64)
	for i := range low {
		low[i] = ^uint64(0)
	}
	for i := range ext {
		ext[i] = ^uint64(0)
	}
	return &MSRSpace{low: low, ext: ext}
}

// Access selects which of the two permit bits per MSR an operation
// targets.
type Access int

const (
	Read Access = iota
	Write
)

func (m *MSRSpace) locate(msr uint32) (words []uint64, bitIdx uint, err error) {
	switch {
	case msr < MSRLowCount:
		return m.low, uint(msr) * 2, nil
	case msr >= MSRExtBase && msr < MSRExtBase+MSRExtCount:
		return m.ext, uint(msr-MSRExtBase) * 2, nil
	default:
		return nil, 0, errors.Errorf("iospace: msr 0x%x out of range", msr)
	}
}

func accessOffset(a Access) uint {
	if a == Write {
		return 1
	}
	return 0
}

// Allow clears the trap bit for the given MSR and access kind.
func (m *MSRSpace) Allow(msr uint32, a Access) error {
	words, bit, err := m.locate(msr)
	if err != nil {
		return err
	}
	clearBit(words, bit+accessOffset(a))
	return nil
}

// Deny sets the trap bit for the given MSR and access kind.
func (m *MSRSpace) Deny(msr uint32, a Access) error {
	words, bit, err := m.locate(msr)
	if err != nil {
		return err
	}
	setBit(words, bit+accessOffset(a))
	return nil
}

// Trapped reports whether msr/access currently traps.
func (m *MSRSpace) Trapped(msr uint32, a Access) (bool, error) {
	words, bit, err := m.locate(msr)
	if err != nil {
		return false, err
	}
	return testBit(words, bit+accessOffset(a)), nil
}

func setBit(words []uint64, bit uint) {
	w, b := bit/64, bit%64
	for {
		old := atomic.LoadUint64(&words[w])
		next := old | (1 << b)
		if old == next || atomic.CompareAndSwapUint64(&words[w], old, next) {
			return
		}
	}
}

func clearBit(words []uint64, bit uint) {
	w, b := bit/64, bit%64
	for {
		old := atomic.LoadUint64(&words[w])
		next := old &^ (1 << b)
		if old == next || atomic.CompareAndSwapUint64(&words[w], old, next) {
			return
		}
	}
}

func testBit(words []uint64, bit uint) bool {
	w, b := bit/64, bit%64
	return atomic.LoadUint64(&words[w])&(1<<b) != 0
}
