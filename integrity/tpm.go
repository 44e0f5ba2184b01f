// Package integrity implements the measured-launch boot sequence, PCR
// extension, the crypto-agile event log, and MTRR snapshot/restore
// (spec §4.J). The platform's actual ACM/TXT/TPM interfaces are
// external collaborators, accessed here only through small interfaces
// the boot command wires to real hardware access at the edges.
package integrity

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AlgID names a TPM hash algorithm, ordered per spec §4.J's fixed
// extension order: SHA1, SHA2-256, SHA2-384, SHA2-512.
type AlgID int

const (
	SHA1 AlgID = iota
	SHA256
	SHA384
	SHA512
)

// order is the digest order `extend` must use regardless of the order
// callers populate their digest map in.
var order = []AlgID{SHA1, SHA256, SHA384, SHA512}

func (a AlgID) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA2-256"
	case SHA384:
		return "SHA2-384"
	case SHA512:
		return "SHA2-512"
	default:
		return "?"
	}
}

func (a AlgID) digestSize() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// TPM is the extension surface this package needs from a real TPM
// driver: which algorithm banks are active, and extending one PCR bank
// with one digest.
type TPM interface {
	ActiveAlgorithms() []AlgID
	PCRExtend(pcr int, alg AlgID, digest []byte) error
}

// EventType mirrors the TCG event type used for the log's own header
// entry and for subsequent agile measurement entries.
type EventType uint32

const (
	EventNoAction EventType = 0x03
	EventTag      EventType = 0x80000001
)

// Digest is one tagged (algorithm, digest bytes) pair within an entry.
type Digest struct {
	Alg   AlgID
	Bytes []byte
}

// Entry is one record of the crypto-agile event log (spec §4.J):
// `pcr, event_type, digest_count, {alg_id, digest_bytes}*, event_size,
// tagged_event_id, tagged_event_data_size`.
type Entry struct {
	PCR                  int
	EventType            EventType
	Digests              []Digest
	EventSize            uint32
	TaggedEventID        uint32
	TaggedEventDataSize  uint32
}

// Log is the linear append-only crypto-agile event log. The log version
// and the list of supported algorithms are held on the Log itself
// (Version, Algorithms); no header entry is stored, and every entry comes
// from Extend.
type Log struct {
	mu      sync.Mutex
	version uint8
	algs    []AlgID
	entries []Entry
	log     *logrus.Entry
}

// NewLog creates an empty log that records version and the given list of
// supported algorithms; it appends no header entry.
func NewLog(version uint8, algs []AlgID, log *logrus.Entry) *Log {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Log{version: version, algs: algs, log: log.WithField("component", "tpm-log")}
}

func (l *Log) Version() uint8    { return l.version }
func (l *Log) Algorithms() []AlgID { return l.algs }

// Entries returns a copy of the entries appended by Extend, for
// tests and the HIP builder's event-log-location accounting.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Extend implements spec §4.J's `extend(pcr, hashes)`: it extends the
// PCR with exactly the digests whose algorithms the TPM reports active,
// one algorithm at a time in SHA1/SHA2-256/SHA2-384/SHA2-512 order, and
// only on full success appends one agile event to the log. On a failure
// it returns false without appending; extensions already applied to
// earlier banks in the same call are not undone. digests need not
// supply every algorithm; an active algorithm with no supplied digest
// is skipped (treated as "not measured this extend", not a failure).
func (l *Log) Extend(tpm TPM, pcr int, digests map[AlgID][]byte) bool {
	active := make(map[AlgID]bool)
	for _, a := range tpm.ActiveAlgorithms() {
		active[a] = true
	}

	var applied []Digest
	for _, alg := range order {
		d, ok := digests[alg]
		if !ok || !active[alg] {
			continue
		}
		if len(d) != alg.digestSize() {
			l.log.WithFields(logrus.Fields{"alg": alg, "len": len(d)}).Warn("extend: digest size mismatch")
			return false
		}
		if err := tpm.PCRExtend(pcr, alg, d); err != nil {
			l.log.WithError(err).WithField("alg", alg).Warn("extend: PCR extend failed")
			return false
		}
		applied = append(applied, Digest{Alg: alg, Bytes: d})
	}

	if len(applied) == 0 {
		return false
	}

	l.mu.Lock()
	l.entries = append(l.entries, Entry{
		PCR:       pcr,
		EventType: EventTag,
		Digests:   applied,
		EventSize: 8,
	})
	l.mu.Unlock()
	return true
}

// ErrNoActiveAlgorithms is returned by callers that need to distinguish
// "the TPM has no active banks at all" from an ordinary extend failure.
var ErrNoActiveAlgorithms = errors.New("integrity: tpm reports no active hash algorithms")
