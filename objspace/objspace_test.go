package objspace

import (
	"testing"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/status"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	a := alloc.New(nil)
	s, err := New(20, 9, a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestInsertIdempotence(t *testing.T) {
	s := newTestSpace(t)
	c := NewCapability(0x1000, 0x3)

	st, err := s.Insert(5, c)
	if st != status.SUCCESS || err != nil {
		t.Fatalf("first Insert: status=%v err=%v", st, err)
	}
	if got := s.Lookup(5); got != c {
		t.Fatalf("Lookup after Insert = %v, want %v", got, c)
	}

	st, err = s.Insert(5, c)
	if st != status.BAD_CAP {
		t.Fatalf("second Insert status = %v, want BAD_CAP", st)
	}
	if err == nil {
		t.Fatalf("second Insert expected an error")
	}
	if got := s.Lookup(5); got != c {
		t.Fatalf("slot mutated by failed Insert: got %v, want %v", got, c)
	}
}

func TestUpdateNullNeverAllocates(t *testing.T) {
	a := alloc.New(nil)
	s, err := New(20, 9, a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := s.eng // ensure same engine instance used, sanity
	if before == nil {
		t.Fatal("engine not initialised")
	}
	// The allocator hands out consecutive addresses, so two probe pages
	// one page apart show that nothing was allocated in between.
	probe1, _ := a.Alloc(0, alloc.FillNone)
	st, _, err := s.Update(42, Null)
	if st != status.SUCCESS || err != nil {
		t.Fatalf("Update(null) on empty slot: status=%v err=%v", st, err)
	}
	probe2, _ := a.Alloc(0, alloc.FillNone)
	if probe1 == nil || probe2 == nil {
		t.Fatal("probe allocation failed")
	}
	if probe2.Addr()-probe1.Addr() != alloc.PageSize {
		t.Fatalf("Update(null) allocated %d bytes, want 0", probe2.Addr()-probe1.Addr()-alloc.PageSize)
	}
	if got := s.Lookup(42); !got.IsNull() {
		t.Fatalf("Lookup(42) = %v, want Null", got)
	}
}

func TestDelegateMonotonicity(t *testing.T) {
	src := newTestSpace(t)
	dst := newTestSpace(t)

	full := NewCapability(0x2000, 0x7)
	if st, err := src.Insert(1, full); st != status.SUCCESS {
		t.Fatalf("Insert: status=%v err=%v", st, err)
	}

	st, err := Delegate(src, 1, dst, 10, 0, 0x3)
	if st != status.SUCCESS || err != nil {
		t.Fatalf("Delegate: status=%v err=%v", st, err)
	}

	got := dst.Lookup(10)
	if got.Perm()&^uint32(0x7) != 0 {
		t.Fatalf("delegated perms %x not a subset of source perms", got.Perm())
	}
	if got.Perm()&^uint32(0x3) != 0 {
		t.Fatalf("delegated perms %x not a subset of delegate mask", got.Perm())
	}
}
