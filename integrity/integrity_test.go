package integrity

import (
	"bytes"
	"errors"
	"testing"
)

var errExtendFailed = errors.New("tpm: extend failed")

type fakeTPM struct {
	active  []AlgID
	extends []struct {
		pcr int
		alg AlgID
		d   []byte
	}
	failAlg AlgID
	fail    bool
}

func (f *fakeTPM) ActiveAlgorithms() []AlgID { return f.active }

func (f *fakeTPM) PCRExtend(pcr int, alg AlgID, digest []byte) error {
	if f.fail && alg == f.failAlg {
		return errExtendFailed
	}
	f.extends = append(f.extends, struct {
		pcr int
		alg AlgID
		d   []byte
	}{pcr, alg, digest})
	return nil
}

func digestOf(size int, fill byte) []byte {
	d := make([]byte, size)
	for i := range d {
		d[i] = fill
	}
	return d
}

// TestEventLogExtend implements spec §8 scenario 5: with the TPM
// reporting active algorithms {SHA2-256, SHA2-384}, extend(pcr=17, ...)
// must extend PCR 17 with SHA2-256 then SHA2-384 only, and append
// exactly one log entry carrying those two digests.
func TestEventLogExtend(t *testing.T) {
	tpm := &fakeTPM{active: []AlgID{SHA256, SHA384}}
	log := NewLog(3, []AlgID{SHA1, SHA256, SHA384, SHA512}, nil)

	sha1d := digestOf(SHA1.digestSize(), 0xAA)
	sha256d := digestOf(SHA256.digestSize(), 0xBB)
	sha384d := digestOf(SHA384.digestSize(), 0xCC)
	sha512d := digestOf(SHA512.digestSize(), 0xDD)

	ok := log.Extend(tpm, 17, map[AlgID][]byte{
		SHA1:   sha1d,
		SHA256: sha256d,
		SHA384: sha384d,
		SHA512: sha512d,
	})
	if !ok {
		t.Fatal("Extend should report true on full success")
	}

	if len(tpm.extends) != 2 {
		t.Fatalf("PCRExtend called %d times, want 2 (only active algorithms)", len(tpm.extends))
	}
	if tpm.extends[0].alg != SHA256 || !bytes.Equal(tpm.extends[0].d, sha256d) {
		t.Fatalf("first extend = %+v, want SHA2-256/%x", tpm.extends[0], sha256d)
	}
	if tpm.extends[1].alg != SHA384 || !bytes.Equal(tpm.extends[1].d, sha384d) {
		t.Fatalf("second extend = %+v, want SHA2-384/%x", tpm.extends[1], sha384d)
	}
	for _, e := range tpm.extends {
		if e.pcr != 17 {
			t.Fatalf("extend targeted pcr %d, want 17", e.pcr)
		}
	}

	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("log has %d entries, want exactly 1", len(entries))
	}
	got := entries[0]
	if len(got.Digests) != 2 || got.Digests[0].Alg != SHA256 || got.Digests[1].Alg != SHA384 {
		t.Fatalf("entry digests = %+v, want [SHA2-256, SHA2-384]", got.Digests)
	}
}

func TestEventLogExtendFailsWithoutAppending(t *testing.T) {
	tpm := &fakeTPM{active: []AlgID{SHA256}, fail: true, failAlg: SHA256}
	log := NewLog(3, []AlgID{SHA256}, nil)

	ok := log.Extend(tpm, 1, map[AlgID][]byte{SHA256: digestOf(SHA256.digestSize(), 1)})
	if ok {
		t.Fatal("Extend should report false when a required extension fails")
	}
	if len(log.Entries()) != 0 {
		t.Fatal("a failed extend must not append a log entry")
	}
}

func TestEventLogExtendNoOverlapIsFailure(t *testing.T) {
	tpm := &fakeTPM{active: []AlgID{SHA512}}
	log := NewLog(3, []AlgID{SHA512}, nil)

	ok := log.Extend(tpm, 1, map[AlgID][]byte{SHA1: digestOf(SHA1.digestSize(), 1)})
	if ok {
		t.Fatal("Extend with no overlap between supplied and active algorithms should fail")
	}
}

func TestBootSequenceOrdersCollaboratorCalls(t *testing.T) {
	var calls []string
	p := Platform{
		ValidateACM: func(ACMInfo) error {
			calls = append(calls, "validate")
			return nil
		},
		ProgramMTRRs: func(base, size uint64) error {
			calls = append(calls, "mtrr")
			return nil
		},
		SecureEnter: func(MLERequest) (MTRRState, error) {
			calls = append(calls, "enter")
			return MTRRState{{Base: 0, Mask: 0xfff, Type: 6}}, nil
		},
		RestoreFromSave: func(MTRRState) error {
			calls = append(calls, "restore")
			return nil
		},
	}

	if err := Boot(p, ACMInfo{}, MLERequest{}, 0x100000, 0x1000, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	want := []string{"validate", "mtrr", "enter", "restore"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls[%d] = %s, want %s", i, calls[i], want[i])
		}
	}
}
