package amq

import (
	"errors"
	"fmt"
)

// ErrTryAgain signals transient backpressure: the target's active buffer is
// full or being drained. Callers recover by running a local drain and
// retrying, or by giving up for now.
var ErrTryAgain = errors.New("amq: try again")

// InvalidArgError reports a caller bug: an unknown group, a negative size,
// or a payload larger than the inbox capacity. It is never recoverable by
// retrying.
type InvalidArgError struct {
	Op      string
	Message string
}

func (e *InvalidArgError) Error() string {
	return fmt.Sprintf("amq: invalid argument in %s: %s", e.Op, e.Message)
}

func newInvalidArg(op, format string, args ...any) error {
	return &InvalidArgError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// SubstrateError wraps a failure reported by the underlying Window or Group
// implementation. The inbox should be closed after one of these occurs; its
// internal state is no longer trustworthy.
type SubstrateError struct {
	Op  string
	Err error
}

func (e *SubstrateError) Error() string {
	return fmt.Sprintf("amq: substrate error in %s: %v", e.Op, e.Err)
}

func (e *SubstrateError) Unwrap() error {
	return e.Err
}

func newSubstrateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SubstrateError{Op: op, Err: err}
}

// ProtocolViolationError reports that the on-window state was found
// inconsistent with the protocol's invariants: a decoded header whose
// declared payload size would run past the frozen buffer's effective tail,
// an `active` value outside {0, 1}, or a swap that observed a prior value it
// did not itself set. The peer's state is corrupted; continuing to drain it
// is unsafe.
type ProtocolViolationError struct {
	Participant int
	Buffer      int
	Detail      string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("amq: protocol violation at participant %d buffer %d: %s",
		e.Participant, e.Buffer, e.Detail)
}

// protocolViolation panics with a *ProtocolViolationError. The spec treats
// this class as a fatal assertion: the substrate is assumed correct, so
// reaching this path means our own bookkeeping is already wrong and
// continuing would silently corrupt further state.
func protocolViolation(participant, buffer int, format string, args ...any) {
	panic(&ProtocolViolationError{
		Participant: participant,
		Buffer:      buffer,
		Detail:      fmt.Sprintf(format, args...),
	})
}
