// Package status defines the fixed return-status word every syscall leaf
// reports to its caller (spec §6) and the error taxonomy (spec §7) that
// Go-level errors inside the core map onto.
package status

import "fmt"

// Status is the value placed in the status register on syscall return.
type Status uint8

const (
	SUCCESS Status = iota
	TIMEOUT
	BAD_HYP
	BAD_CAP
	BAD_PAR
	BAD_FTR
	BAD_CPU
	BAD_DEV
	INS_MEM
	MEM_OBJ
	MEM_CAP
	ABORTED
)

func (s Status) String() string {
	switch s {
	case SUCCESS:
		return "SUCCESS"
	case TIMEOUT:
		return "TIMEOUT"
	case BAD_HYP:
		return "BAD_HYP"
	case BAD_CAP:
		return "BAD_CAP"
	case BAD_PAR:
		return "BAD_PAR"
	case BAD_FTR:
		return "BAD_FTR"
	case BAD_CPU:
		return "BAD_CPU"
	case BAD_DEV:
		return "BAD_DEV"
	case INS_MEM:
		return "INS_MEM"
	case MEM_OBJ:
		return "MEM_OBJ"
	case MEM_CAP:
		return "MEM_CAP"
	case ABORTED:
		return "ABORTED"
	default:
		return "UNKNOWN_STATUS"
	}
}

// Error wraps a Status with a human-readable cause, for internal
// propagation with github.com/pkg/errors; the Status is always what
// finally reaches the syscall ABI layer.
type Error struct {
	Status Status
	Cause  error
}

func New(s Status, format string, args ...interface{}) *Error {
	return &Error{Status: s, Cause: fmt.Errorf(format, args...)}
}

func Wrap(s Status, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Status: s, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Of extracts the Status carried by err, or ABORTED if err is a non-nil
// error that never carries a Status (an internal invariant violation
// escaping through a path that should have been explicit).
func Of(err error) Status {
	if err == nil {
		return SUCCESS
	}
	var se *Error
	for {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if se != nil {
		return se.Status
	}
	return ABORTED
}
