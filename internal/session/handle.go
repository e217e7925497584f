package session

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"

	"github.com/jamsocket/forevervm/internal/protocol"
)

// ExecHandle is returned by Execute once the server has accepted an
// instruction. It exposes the instruction's output stream and its result.
type ExecHandle struct {
	instructionSeq protocol.InstructionSeq
	output         *outputBuffer
	result         *oneshot[protocol.ExecResult]

	// claimed is set while a Result call waits and stays set once a value
	// or error has been delivered.
	claimed atomic.Bool
}

// InstructionSeq is the sequence number the server assigned.
func (h *ExecHandle) InstructionSeq() protocol.InstructionSeq {
	return h.instructionSeq
}

// Next returns the next output chunk. It returns io.EOF once the result has
// been published and every buffered chunk has been read. If the session
// ends first, buffered chunks are still returned and the error after them
// matches ErrInstructionInterrupted; a server error frame is returned as a
// *protocol.APIError. Next is meant for a single reader.
//
// Reading output is optional. A reader that lags more than the buffer size
// behind loses the oldest chunks; see Dropped.
func (h *ExecHandle) Next(ctx context.Context) (protocol.StandardOutput, error) {
	return h.output.Next(ctx)
}

// Output iterates over the remaining chunks. Iteration stops at end of
// stream; any other error is yielded once as the final element.
func (h *ExecHandle) Output(ctx context.Context) iter.Seq2[protocol.StandardOutput, error] {
	return func(yield func(protocol.StandardOutput, error) bool) {
		for {
			chunk, err := h.output.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(protocol.StandardOutput{}, err)
				}
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Dropped reports how many output chunks were lost because the reader lagged.
func (h *ExecHandle) Dropped() uint64 {
	return h.output.Dropped()
}

// Result waits for the instruction's result. The result can be taken once:
// after a value or error has been returned, and while another call is
// waiting, Result returns ErrResultConsumed. A call that ends because ctx
// is done leaves the result available. With Options.ResultTimeoutSlack set,
// an overdue result fails with ErrResultTimeout.
func (h *ExecHandle) Result(ctx context.Context) (protocol.ExecResult, error) {
	if !h.claimed.CompareAndSwap(false, true) {
		return protocol.ExecResult{}, ErrResultConsumed
	}

	result, err := h.result.wait(ctx)
	if err != nil && !h.result.settled() {
		h.claimed.Store(false)
	}
	return result, err
}
