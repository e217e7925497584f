package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInstructionInterrupted is returned to callers waiting on a handle,
	// a result, or output when the session ends before the value arrives.
	ErrInstructionInterrupted = errors.New("session: instruction interrupted")

	// ErrSessionClosed is returned by Execute on a closed session. It
	// matches ErrInstructionInterrupted under errors.Is.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrInstructionInterrupted)

	// ErrBusy is returned by Execute while another instruction is in flight.
	ErrBusy = errors.New("session: an instruction is already running")

	// ErrResultConsumed is returned by a second call to ExecHandle.Result.
	ErrResultConsumed = errors.New("session: result already consumed")

	// ErrResultTimeout is returned when Options.ResultTimeoutSlack is set
	// and the result does not arrive within the instruction's timeout plus
	// the slack.
	ErrResultTimeout = errors.New("session: timed out waiting for result")

	// ErrUnexpectedFirstMessage is returned by Connect when the server does
	// not open with a connected message.
	ErrUnexpectedFirstMessage = errors.New("session: expected connected message")
)

// interruption builds the error delivered to pending callers when the
// session ends because of cause. A nil cause means a local Close.
func interruption(cause error) error {
	if cause == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrInstructionInterrupted, cause)
}
