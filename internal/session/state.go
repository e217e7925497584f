package session

import (
	"context"
	"sync"
	"time"

	"github.com/jamsocket/forevervm/internal/protocol"
)

// oneshot is a single-assignment slot. The first resolve wins; later ones
// are ignored.
type oneshot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newOneshot[T any]() *oneshot[T] {
	return &oneshot[T]{done: make(chan struct{})}
}

func (o *oneshot[T]) resolve(value T, err error) bool {
	resolved := false
	o.once.Do(func() {
		o.value = value
		o.err = err
		close(o.done)
		resolved = true
	})
	return resolved
}

func (o *oneshot[T]) settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// wait blocks until the slot resolves or ctx is done. A value that is
// already present wins over a cancelled context.
func (o *oneshot[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		if o.settled() {
			return o.value, o.err
		}
		var zero T
		return zero, ctx.Err()
	}
}

// connState is the correlation state of a session. Exactly one value is
// current at a time; it is read and replaced only under Session.mu.
type connState interface {
	name() string
	// busy reports whether a caller is still waiting on this state.
	busy() bool
	// fail delivers err to whoever is waiting on this state.
	fail(err error)
}

type idleState struct{}

func (idleState) name() string   { return "idle" }
func (idleState) busy() bool     { return false }
func (idleState) fail(err error) {}

// awaitingInstructionSeq is installed by Execute before the exec frame is
// sent and resolved by the matching exec_received.
type awaitingInstructionSeq struct {
	requestSeq protocol.RequestSeq
	timeout    time.Duration
	handle     *oneshot[*ExecHandle]
}

func (s *awaitingInstructionSeq) name() string { return "awaiting_instruction_seq" }
func (s *awaitingInstructionSeq) busy() bool   { return !s.handle.settled() }
func (s *awaitingInstructionSeq) fail(err error) {
	s.handle.resolve(nil, err)
}

// awaitingResult holds the output stream and result slot of the accepted
// instruction until its result arrives.
type awaitingResult struct {
	instructionSeq protocol.InstructionSeq
	output         *outputBuffer
	result         *oneshot[protocol.ExecResult]
	// deadline expires the instruction when a result timeout is set.
	deadline *time.Timer
}

func (s *awaitingResult) name() string { return "awaiting_result" }
func (s *awaitingResult) busy() bool   { return !s.result.settled() }
func (s *awaitingResult) fail(err error) {
	s.stopDeadline()
	s.output.CloseWithError(err)
	s.result.resolve(protocol.ExecResult{}, err)
}

func (s *awaitingResult) stopDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
	}
}
